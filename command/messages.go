package command

import (
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-billing-sync/core"
)

const (
	TypeRequeueEvent  = "billing.command.event.requeue"
	TypeReleaseStuck  = "billing.command.event.release_stuck"
	TypeStartBackfill = "billing.command.backfill.start"
	TypeRunSync       = "billing.command.sync.run"
)

type RequeueEventMessage struct {
	EventID string
}

func (RequeueEventMessage) Type() string { return TypeRequeueEvent }

func (m RequeueEventMessage) Validate() error {
	if strings.TrimSpace(m.EventID) == "" {
		return fmt.Errorf("command: event id is required")
	}
	return nil
}

type ReleaseStuckMessage struct {
	OlderThan time.Duration
}

func (ReleaseStuckMessage) Type() string { return TypeReleaseStuck }

func (m ReleaseStuckMessage) Validate() error {
	if m.OlderThan <= 0 {
		return fmt.Errorf("command: release lease must be positive")
	}
	return nil
}

type StartBackfillMessage struct {
	Entities []string
}

func (StartBackfillMessage) Type() string { return TypeStartBackfill }

func (m StartBackfillMessage) Validate() error {
	return validateEntities(m.Entities)
}

type RunSyncMessage struct {
	Entities []string
}

func (RunSyncMessage) Type() string { return TypeRunSync }

func (m RunSyncMessage) Validate() error {
	return validateEntities(m.Entities)
}

func validateEntities(entities []string) error {
	for _, entity := range entities {
		if !core.IsTrackedEntity(entity) {
			return fmt.Errorf("command: %q is not a tracked entity", entity)
		}
	}
	return nil
}
