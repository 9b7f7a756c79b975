package query

import (
	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-billing-sync/core"
)

var (
	_ gocmd.Querier[GetEventMessage, core.WebhookEvent]          = (*GetEventQuery)(nil)
	_ gocmd.Querier[ListFailedEventsMessage, []core.WebhookEvent] = (*ListFailedEventsQuery)(nil)
	_ gocmd.Querier[GetCheckpointMessage, core.CheckpointRecord]  = (*GetCheckpointQuery)(nil)
	_ gocmd.Querier[PipelineStatsMessage, PipelineStats]          = (*PipelineStatsQuery)(nil)
)
