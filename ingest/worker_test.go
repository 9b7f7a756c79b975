package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-billing-sync/core"
)

type fakeEventStore struct {
	pending   []core.WebhookEvent
	succeeded []string
	failed    map[string]string
}

func newFakeEventStore(events ...core.WebhookEvent) *fakeEventStore {
	return &fakeEventStore{pending: events, failed: map[string]string{}}
}

func (s *fakeEventStore) Insert(_ context.Context, event core.WebhookEvent) (core.WebhookEvent, error) {
	s.pending = append(s.pending, event)
	return event, nil
}

func (s *fakeEventStore) ClaimBatch(_ context.Context, limit int) ([]core.WebhookEvent, error) {
	if limit > len(s.pending) {
		limit = len(s.pending)
	}
	claimed := s.pending[:limit]
	s.pending = s.pending[limit:]
	return claimed, nil
}

func (s *fakeEventStore) MarkSucceeded(_ context.Context, id string) error {
	s.succeeded = append(s.succeeded, id)
	return nil
}

func (s *fakeEventStore) MarkFailed(_ context.Context, id string, cause error) error {
	s.failed[id] = cause.Error()
	return nil
}

func (s *fakeEventStore) Requeue(context.Context, string) error { return nil }

func (s *fakeEventStore) ReleaseStuck(context.Context, time.Duration) (int, error) { return 0, nil }

func (s *fakeEventStore) Get(context.Context, string) (core.WebhookEvent, error) {
	return core.WebhookEvent{}, nil
}

type fakeEntityWriter struct {
	upserts  []core.UpsertEntityInput
	unmapped []string

	failFor map[string]error
}

func (w *fakeEntityWriter) Upsert(_ context.Context, in core.UpsertEntityInput) error {
	if err := w.failFor[in.ExternalID]; err != nil {
		return err
	}
	w.upserts = append(w.upserts, in)
	return nil
}

func (w *fakeEntityWriter) RecordUnmapped(_ context.Context, eventName string, _ string, _ map[string]any) error {
	w.unmapped = append(w.unmapped, eventName)
	return nil
}

func eventFixture(id, name, entityID string) core.WebhookEvent {
	return core.WebhookEvent{
		ID:        id,
		EventName: name,
		EntityID:  entityID,
		Status:    core.EventStatusProcessing,
		Payload: map[string]any{
			"event_name": name,
			"data":       map[string]any{"id": entityID, "email": "a@b.com"},
		},
	}
}

func TestDispatchPendingSucceeds(t *testing.T) {
	store := newFakeEventStore(
		eventFixture("e1", "customer.created", "c1"),
		eventFixture("e2", "customer.updated", "c2"),
	)
	writer := &fakeEntityWriter{}
	worker, err := NewWorker(store, writer, WorkerConfig{})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	stats, err := worker.DispatchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Claimed != 2 || stats.Succeeded != 2 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %s", stats)
	}
	if len(writer.upserts) != 2 {
		t.Fatalf("expected two upserts, got %d", len(writer.upserts))
	}
	if len(store.succeeded) != 2 {
		t.Fatalf("expected both events marked succeeded, got %v", store.succeeded)
	}
}

func TestDispatchPendingContainsFailures(t *testing.T) {
	bad := eventFixture("e-bad", "invoice.paid", "")
	bad.Payload = map[string]any{"event_name": "invoice.paid", "data": map[string]any{"status": "paid"}}
	store := newFakeEventStore(
		eventFixture("e1", "customer.created", "c1"),
		bad,
		eventFixture("e3", "customer.created", "c3"),
	)
	writer := &fakeEntityWriter{}
	worker, err := NewWorker(store, writer, WorkerConfig{})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	stats, err := worker.DispatchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Claimed != 3 || stats.Succeeded != 2 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %s", stats)
	}
	if cause, ok := store.failed["e-bad"]; !ok || cause == "" {
		t.Fatalf("expected failure cause recorded for e-bad, got %v", store.failed)
	}
	if len(store.succeeded) != 2 {
		t.Fatalf("expected surrounding events unaffected, got %v", store.succeeded)
	}
}

func TestDispatchPendingUpsertFailureMarksFailed(t *testing.T) {
	store := newFakeEventStore(eventFixture("e1", "customer.created", "c1"))
	writer := &fakeEntityWriter{failFor: map[string]error{"c1": errors.New("column rejected")}}
	worker, err := NewWorker(store, writer, WorkerConfig{})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	stats, err := worker.DispatchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Failed != 1 || stats.Succeeded != 0 {
		t.Fatalf("unexpected stats: %s", stats)
	}
	if cause := store.failed["e1"]; cause == "" {
		t.Fatalf("expected mark failed with cause")
	}
}

func TestDispatchPendingUnmappedPath(t *testing.T) {
	event := core.WebhookEvent{
		ID:        "e1",
		EventName: "balance.updated",
		EntityID:  "b1",
		Payload: map[string]any{
			"event_name": "balance.updated",
			"data":       map[string]any{"id": "b1", "amount": 7},
		},
	}
	store := newFakeEventStore(event)
	writer := &fakeEntityWriter{}
	worker, err := NewWorker(store, writer, WorkerConfig{})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	stats, err := worker.DispatchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Unmapped != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %s", stats)
	}
	if len(writer.unmapped) != 1 || writer.unmapped[0] != "balance.updated" {
		t.Fatalf("expected unmapped record, got %v", writer.unmapped)
	}
	if len(writer.upserts) != 0 {
		t.Fatalf("unmapped events must not upsert, got %d", len(writer.upserts))
	}
}

func TestDispatchPendingEmptyQueue(t *testing.T) {
	worker, err := NewWorker(newFakeEventStore(), &fakeEntityWriter{}, WorkerConfig{})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	stats, err := worker.DispatchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Claimed != 0 {
		t.Fatalf("expected empty pass, got %s", stats)
	}
}

type scriptedDequeuer struct {
	deliveries []core.JobDelivery
	finalErr   error
}

func (d *scriptedDequeuer) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(d.deliveries) == 0 {
		return nil, d.finalErr
	}
	next := d.deliveries[0]
	d.deliveries = d.deliveries[1:]
	return next, nil
}

type fakeDelivery struct {
	msg      *core.JobExecutionMessage
	acked    bool
	nackOpts *core.JobNackOptions
}

func (d *fakeDelivery) Message() *core.JobExecutionMessage { return d.msg }

func (d *fakeDelivery) Ack(context.Context) error {
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(_ context.Context, opts core.JobNackOptions) error {
	d.nackOpts = &opts
	return nil
}

type lifecycleHook struct {
	started   int
	succeeded int
	failed    int
	lastErr   error
}

func (h *lifecycleHook) OnStart(context.Context, core.JobWorkerEvent)   { h.started++ }
func (h *lifecycleHook) OnSuccess(context.Context, core.JobWorkerEvent) { h.succeeded++ }
func (h *lifecycleHook) OnRetry(context.Context, core.JobWorkerEvent)   {}
func (h *lifecycleHook) OnFailure(_ context.Context, event core.JobWorkerEvent) {
	h.failed++
	h.lastErr = event.Err
}

type markSucceededFailsStore struct {
	*fakeEventStore
}

func (s *markSucceededFailsStore) MarkSucceeded(context.Context, string) error {
	return errors.New("mark blew up")
}

func TestRunQueueAcksAfterDispatchPass(t *testing.T) {
	store := newFakeEventStore(eventFixture("e1", "customer.created", "c1"))
	writer := &fakeEntityWriter{}
	hook := &lifecycleHook{}
	worker, err := NewWorker(store, writer, WorkerConfig{}, WithWorkerHook(hook))
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	delivery := &fakeDelivery{msg: &core.JobExecutionMessage{JobID: core.JobIngestDispatch}}
	drained := errors.New("queue drained")
	dequeuer := &scriptedDequeuer{deliveries: []core.JobDelivery{delivery}, finalErr: drained}

	if err := worker.RunQueue(context.Background(), dequeuer); !errors.Is(err, drained) {
		t.Fatalf("expected dequeue error to surface, got %v", err)
	}
	if !delivery.acked {
		t.Fatalf("expected delivery acked after a clean pass")
	}
	if delivery.nackOpts != nil {
		t.Fatalf("expected no nack, got %+v", *delivery.nackOpts)
	}
	if len(store.succeeded) != 1 {
		t.Fatalf("expected one dispatched event, got %v", store.succeeded)
	}
	if hook.started != 1 || hook.succeeded != 1 || hook.failed != 0 {
		t.Fatalf("unexpected hook calls: start=%d success=%d failure=%d",
			hook.started, hook.succeeded, hook.failed)
	}
}

func TestRunQueueNacksFailedPass(t *testing.T) {
	store := &markSucceededFailsStore{
		fakeEventStore: newFakeEventStore(eventFixture("e1", "customer.created", "c1")),
	}
	hook := &lifecycleHook{}
	worker, err := NewWorker(store, &fakeEntityWriter{}, WorkerConfig{}, WithWorkerHook(hook))
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	delivery := &fakeDelivery{msg: &core.JobExecutionMessage{JobID: core.JobIngestDispatch}}
	drained := errors.New("queue drained")
	dequeuer := &scriptedDequeuer{deliveries: []core.JobDelivery{delivery}, finalErr: drained}

	if err := worker.RunQueue(context.Background(), dequeuer); !errors.Is(err, drained) {
		t.Fatalf("expected dequeue error to surface, got %v", err)
	}
	if delivery.acked {
		t.Fatalf("failed pass must not ack")
	}
	if delivery.nackOpts == nil {
		t.Fatalf("expected delivery nacked")
	}
	if delivery.nackOpts.Disposition != core.JobNackRetry {
		t.Fatalf("expected retry disposition, got %q", delivery.nackOpts.Disposition)
	}
	if delivery.nackOpts.Reason == "" {
		t.Fatalf("expected nack reason from the pass error")
	}
	if hook.failed != 1 || hook.lastErr == nil {
		t.Fatalf("expected failure hook with error, got failed=%d err=%v", hook.failed, hook.lastErr)
	}
}

func TestRunQueueStopsOnCancel(t *testing.T) {
	worker, err := NewWorker(newFakeEventStore(), &fakeEntityWriter{}, WorkerConfig{})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dequeuer := &scriptedDequeuer{finalErr: errors.New("unused")}
	if err := worker.RunQueue(ctx, dequeuer); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
