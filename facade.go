package billingsync

import (
	"fmt"

	billingcommand "github.com/goliatone/go-billing-sync/command"
	billingquery "github.com/goliatone/go-billing-sync/query"
)

// CommandQueryService is everything the command/query layer needs from the
// pipeline service.
type CommandQueryService interface {
	billingcommand.MutatingService
	billingquery.EventReader
	billingquery.StatsReader
}

type Commands struct {
	RequeueEvent  *billingcommand.RequeueEventCommand
	ReleaseStuck  *billingcommand.ReleaseStuckCommand
	StartBackfill *billingcommand.StartBackfillCommand
	RunSync       *billingcommand.RunSyncCommand
}

type Queries struct {
	GetEvent         *billingquery.GetEventQuery
	ListFailedEvents *billingquery.ListFailedEventsQuery
	GetCheckpoint    *billingquery.GetCheckpointQuery
	PipelineStats    *billingquery.PipelineStatsQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	checkpointReader billingquery.CheckpointReader
}

func WithCheckpointReader(reader billingquery.CheckpointReader) FacadeOption {
	return func(options *facadeOptions) {
		options.checkpointReader = reader
	}
}

func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("billingsync: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	checkpointReader := cfg.checkpointReader
	if checkpointReader == nil {
		if reader, ok := any(service).(billingquery.CheckpointReader); ok {
			checkpointReader = reader
		} else if svc, ok := service.(*Service); ok {
			checkpointReader = svc.checkpoints
		}
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		RequeueEvent:  billingcommand.NewRequeueEventCommand(service),
		ReleaseStuck:  billingcommand.NewReleaseStuckCommand(service),
		StartBackfill: billingcommand.NewStartBackfillCommand(service),
		RunSync:       billingcommand.NewRunSyncCommand(service),
	}
	facade.queries = Queries{
		GetEvent:         billingquery.NewGetEventQuery(service),
		ListFailedEvents: billingquery.NewListFailedEventsQuery(service),
		GetCheckpoint:    billingquery.NewGetCheckpointQuery(checkpointReader),
		PipelineStats:    billingquery.NewPipelineStatsQuery(service),
	}

	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}
