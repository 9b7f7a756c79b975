package command

import (
	"context"
	"time"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-billing-sync/backfill"
	"github.com/goliatone/go-billing-sync/sync"
)

type MutatingService interface {
	RequeueEvent(ctx context.Context, eventID string) error
	ReleaseStuckEvents(ctx context.Context, olderThan time.Duration) (int, error)
	StartBackfill(ctx context.Context, entities []string) ([]backfill.RunStats, error)
	RunSync(ctx context.Context, entities []string) ([]sync.CycleStats, error)
}

type RequeueEventCommand struct {
	service MutatingService
}

func NewRequeueEventCommand(service MutatingService) *RequeueEventCommand {
	return &RequeueEventCommand{service: service}
}

func (c *RequeueEventCommand) Execute(ctx context.Context, msg RequeueEventMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: requeue service is required")
	}
	return c.service.RequeueEvent(ctx, msg.EventID)
}

type ReleaseStuckCommand struct {
	service MutatingService
}

func NewReleaseStuckCommand(service MutatingService) *ReleaseStuckCommand {
	return &ReleaseStuckCommand{service: service}
}

func (c *ReleaseStuckCommand) Execute(ctx context.Context, msg ReleaseStuckMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: release service is required")
	}
	released, err := c.service.ReleaseStuckEvents(ctx, msg.OlderThan)
	if err != nil {
		return err
	}
	storeResult(ctx, released)
	return nil
}

type StartBackfillCommand struct {
	service MutatingService
}

func NewStartBackfillCommand(service MutatingService) *StartBackfillCommand {
	return &StartBackfillCommand{service: service}
}

func (c *StartBackfillCommand) Execute(ctx context.Context, msg StartBackfillMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: backfill service is required")
	}
	out, err := c.service.StartBackfill(ctx, msg.Entities)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RunSyncCommand struct {
	service MutatingService
}

func NewRunSyncCommand(service MutatingService) *RunSyncCommand {
	return &RunSyncCommand{service: service}
}

func (c *RunSyncCommand) Execute(ctx context.Context, msg RunSyncMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: sync service is required")
	}
	out, err := c.service.RunSync(ctx, msg.Entities)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
