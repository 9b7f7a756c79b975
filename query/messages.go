package query

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-billing-sync/core"
)

const (
	TypeGetEvent         = "billing.query.event.get"
	TypeListFailedEvents = "billing.query.event.list_failed"
	TypeGetCheckpoint    = "billing.query.checkpoint.get"
	TypePipelineStats    = "billing.query.pipeline.stats"
)

type GetEventMessage struct {
	EventID string
}

func (GetEventMessage) Type() string { return TypeGetEvent }

func (m GetEventMessage) Validate() error {
	if strings.TrimSpace(m.EventID) == "" {
		return fmt.Errorf("query: event id is required")
	}
	return nil
}

type ListFailedEventsMessage struct {
	Limit int
}

func (ListFailedEventsMessage) Type() string { return TypeListFailedEvents }

func (m ListFailedEventsMessage) Validate() error {
	if m.Limit < 0 {
		return fmt.Errorf("query: limit must be >= 0")
	}
	return nil
}

type GetCheckpointMessage struct {
	Entity string
}

func (GetCheckpointMessage) Type() string { return TypeGetCheckpoint }

func (m GetCheckpointMessage) Validate() error {
	if !core.IsTrackedEntity(m.Entity) {
		return fmt.Errorf("query: %q is not a tracked entity", m.Entity)
	}
	return nil
}

type PipelineStatsMessage struct{}

func (PipelineStatsMessage) Type() string { return TypePipelineStats }

func (PipelineStatsMessage) Validate() error { return nil }
