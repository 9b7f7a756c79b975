package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-billing-sync/backfill"
	"github.com/goliatone/go-billing-sync/sync"
)

type fakeMutatingService struct {
	requeued  []string
	released  int
	olderThan time.Duration
	backfills [][]string
	syncs     [][]string

	err error
}

func (s *fakeMutatingService) RequeueEvent(_ context.Context, eventID string) error {
	if s.err != nil {
		return s.err
	}
	s.requeued = append(s.requeued, eventID)
	return nil
}

func (s *fakeMutatingService) ReleaseStuckEvents(_ context.Context, olderThan time.Duration) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.olderThan = olderThan
	return s.released, nil
}

func (s *fakeMutatingService) StartBackfill(_ context.Context, entities []string) ([]backfill.RunStats, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.backfills = append(s.backfills, entities)
	return []backfill.RunStats{{Entity: "customers", Completed: true}}, nil
}

func (s *fakeMutatingService) RunSync(_ context.Context, entities []string) ([]sync.CycleStats, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.syncs = append(s.syncs, entities)
	return []sync.CycleStats{{Entity: "customers", Applied: 3}}, nil
}

func TestRequeueEventCommand(t *testing.T) {
	service := &fakeMutatingService{}
	cmd := NewRequeueEventCommand(service)
	if err := cmd.Execute(context.Background(), RequeueEventMessage{EventID: "e1"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(service.requeued) != 1 || service.requeued[0] != "e1" {
		t.Fatalf("unexpected requeues: %v", service.requeued)
	}
}

func TestReleaseStuckCommand(t *testing.T) {
	service := &fakeMutatingService{released: 4}
	cmd := NewReleaseStuckCommand(service)
	if err := cmd.Execute(context.Background(), ReleaseStuckMessage{OlderThan: 10 * time.Minute}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if service.olderThan != 10*time.Minute {
		t.Fatalf("unexpected lease: %v", service.olderThan)
	}
}

func TestCommandsPropagateServiceErrors(t *testing.T) {
	service := &fakeMutatingService{err: errors.New("storage down")}
	if err := NewRequeueEventCommand(service).Execute(context.Background(), RequeueEventMessage{EventID: "e1"}); err == nil {
		t.Fatalf("expected requeue error")
	}
	if err := NewStartBackfillCommand(service).Execute(context.Background(), StartBackfillMessage{}); err == nil {
		t.Fatalf("expected backfill error")
	}
	if err := NewRunSyncCommand(service).Execute(context.Background(), RunSyncMessage{}); err == nil {
		t.Fatalf("expected sync error")
	}
}

func TestCommandsRequireService(t *testing.T) {
	if err := NewRequeueEventCommand(nil).Execute(context.Background(), RequeueEventMessage{EventID: "e1"}); err == nil {
		t.Fatalf("expected dependency error")
	}
	if err := NewReleaseStuckCommand(nil).Execute(context.Background(), ReleaseStuckMessage{OlderThan: time.Minute}); err == nil {
		t.Fatalf("expected dependency error")
	}
}

func TestMessageValidation(t *testing.T) {
	if err := (RequeueEventMessage{}).Validate(); err == nil {
		t.Fatalf("expected error for blank event id")
	}
	if err := (ReleaseStuckMessage{}).Validate(); err == nil {
		t.Fatalf("expected error for zero lease")
	}
	if err := (StartBackfillMessage{Entities: []string{"ledger"}}).Validate(); err == nil {
		t.Fatalf("expected error for untracked entity")
	}
	if err := (StartBackfillMessage{Entities: []string{"customers"}}).Validate(); err != nil {
		t.Fatalf("tracked entity must validate: %v", err)
	}
	if err := (RunSyncMessage{}).Validate(); err != nil {
		t.Fatalf("empty entity list means all entities: %v", err)
	}
}

func TestStartBackfillCommandForwardsEntities(t *testing.T) {
	service := &fakeMutatingService{}
	cmd := NewStartBackfillCommand(service)
	if err := cmd.Execute(context.Background(), StartBackfillMessage{Entities: []string{"customers", "invoices"}}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(service.backfills) != 1 || len(service.backfills[0]) != 2 {
		t.Fatalf("unexpected forwarded entities: %v", service.backfills)
	}
}
