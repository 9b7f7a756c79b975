package query

import (
	"context"

	"github.com/goliatone/go-billing-sync/core"
)

type EventReader interface {
	Get(ctx context.Context, id string) (core.WebhookEvent, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]core.WebhookEvent, error)
}

type CheckpointReader interface {
	Get(ctx context.Context, entity string) (core.CheckpointRecord, bool, error)
}

type StatsReader interface {
	PipelineStats(ctx context.Context) (PipelineStats, error)
}

// PipelineStats is the operator snapshot: event counts per status plus the
// staged backlog.
type PipelineStats struct {
	Events         map[string]int
	PendingBatches int
}

type GetEventQuery struct {
	reader EventReader
}

func NewGetEventQuery(reader EventReader) *GetEventQuery {
	return &GetEventQuery{reader: reader}
}

func (q *GetEventQuery) Query(ctx context.Context, msg GetEventMessage) (core.WebhookEvent, error) {
	if q == nil || q.reader == nil {
		return core.WebhookEvent{}, queryDependencyError("query: event reader is required")
	}
	return q.reader.Get(ctx, msg.EventID)
}

type ListFailedEventsQuery struct {
	reader EventReader
}

func NewListFailedEventsQuery(reader EventReader) *ListFailedEventsQuery {
	return &ListFailedEventsQuery{reader: reader}
}

func (q *ListFailedEventsQuery) Query(ctx context.Context, msg ListFailedEventsMessage) ([]core.WebhookEvent, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: event reader is required")
	}
	return q.reader.ListByStatus(ctx, core.EventStatusFailed, msg.Limit)
}

type GetCheckpointQuery struct {
	reader CheckpointReader
}

func NewGetCheckpointQuery(reader CheckpointReader) *GetCheckpointQuery {
	return &GetCheckpointQuery{reader: reader}
}

func (q *GetCheckpointQuery) Query(ctx context.Context, msg GetCheckpointMessage) (core.CheckpointRecord, error) {
	if q == nil || q.reader == nil {
		return core.CheckpointRecord{}, queryDependencyError("query: checkpoint reader is required")
	}
	record, found, err := q.reader.Get(ctx, msg.Entity)
	if err != nil {
		return core.CheckpointRecord{}, err
	}
	if !found {
		return core.CheckpointRecord{Entity: msg.Entity}, nil
	}
	return record, nil
}

type PipelineStatsQuery struct {
	reader StatsReader
}

func NewPipelineStatsQuery(reader StatsReader) *PipelineStatsQuery {
	return &PipelineStatsQuery{reader: reader}
}

func (q *PipelineStatsQuery) Query(ctx context.Context, msg PipelineStatsMessage) (PipelineStats, error) {
	if q == nil || q.reader == nil {
		return PipelineStats{}, queryDependencyError("query: stats reader is required")
	}
	return q.reader.PipelineStats(ctx)
}
