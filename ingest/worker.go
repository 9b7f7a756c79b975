package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-billing-sync/core"
)

type WorkerConfig struct {
	BatchSize    int
	PollInterval time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:    50,
		PollInterval: 2 * time.Second,
	}
}

// DispatchStats is one pass's running counters, surfaced by batch tooling and
// the pipeline stats query.
type DispatchStats struct {
	Claimed   int
	Succeeded int
	Failed    int
	Unmapped  int
}

func (s DispatchStats) String() string {
	return fmt.Sprintf("claimed=%d succeeded=%d failed=%d unmapped=%d",
		s.Claimed, s.Succeeded, s.Failed, s.Unmapped)
}

// Worker runs the claim loop for webhook events: poll, claim, route,
// normalize, upsert, mark. Exclusivity lives entirely in the store's claim;
// the worker holds no locks.
type Worker struct {
	events  core.EventStore
	writer  core.EntityWriter
	router  *Router
	engine  *Engine
	config  WorkerConfig
	logger  core.Logger
	metrics core.MetricsRecorder
	wake    <-chan struct{}
	hook    core.JobWorkerHook
}

func NewWorker(
	events core.EventStore,
	writer core.EntityWriter,
	config WorkerConfig,
	opts ...WorkerOption,
) (*Worker, error) {
	if events == nil {
		return nil, fmt.Errorf("ingest: event store is required")
	}
	if writer == nil {
		return nil, fmt.Errorf("ingest: entity writer is required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultWorkerConfig().BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultWorkerConfig().PollInterval
	}

	worker := &Worker{
		events:  events,
		writer:  writer,
		router:  NewRouter(),
		engine:  NewEngine(),
		config:  config,
		metrics: core.NopMetricsRecorder{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(worker)
		}
	}
	_, worker.logger = core.ResolveLogger("ingest", nil, worker.logger)
	return worker, nil
}

type WorkerOption func(*Worker)

func WithWorkerLogger(logger core.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

func WithWorkerMetrics(metrics core.MetricsRecorder) WorkerOption {
	return func(w *Worker) {
		if metrics != nil {
			w.metrics = metrics
		}
	}
}

// WithWorkerWake subscribes the loop to the receiver's pulse channel so fresh
// events cut the poll latency.
func WithWorkerWake(wake <-chan struct{}) WorkerOption {
	return func(w *Worker) { w.wake = wake }
}

// WithWorkerHook observes queue delivery lifecycle around RunQueue passes.
func WithWorkerHook(hook core.JobWorkerHook) WorkerOption {
	return func(w *Worker) { w.hook = hook }
}

// Run polls until the context is canceled. A missed wake pulse only delays
// work until the next tick.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.events == nil {
		return fmt.Errorf("ingest: worker is not configured")
	}
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		stats, err := w.DispatchPending(ctx, w.config.BatchSize)
		if err != nil {
			core.LogError(ctx, w.logger, "dispatch pass failed", map[string]any{
				"error": err.Error(),
				"stats": stats.String(),
			})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// RunQueue consumes dispatch announcements from a durable queue instead of
// the poll ticker. Each delivery triggers one dispatch pass; a failed pass
// nacks the delivery for a bounded retry. Dequeue errors end the loop so the
// supervisor decides whether to restart.
func (w *Worker) RunQueue(ctx context.Context, deliveries core.JobDequeuer) error {
	if w == nil || w.events == nil {
		return fmt.Errorf("ingest: worker is not configured")
	}
	if deliveries == nil {
		return fmt.Errorf("ingest: dequeuer is required")
	}
	for {
		delivery, err := deliveries.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if delivery == nil {
			continue
		}

		event := core.JobWorkerEvent{
			Message:   delivery.Message(),
			StartedAt: time.Now().UTC(),
		}
		w.hookStart(ctx, event)

		stats, passErr := w.DispatchPending(ctx, w.config.BatchSize)
		event.Duration = time.Since(event.StartedAt)
		if passErr != nil {
			event.Err = passErr
			w.hookFailure(ctx, event)
			if nackErr := delivery.Nack(ctx, core.JobNackOptions{
				Disposition: core.JobNackRetry,
				Reason:      passErr.Error(),
			}); nackErr != nil {
				core.LogError(ctx, w.logger, "dispatch delivery nack failed", map[string]any{
					"error": nackErr.Error(),
				})
			}
			continue
		}

		w.hookSuccess(ctx, event)
		if ackErr := delivery.Ack(ctx); ackErr != nil {
			core.LogError(ctx, w.logger, "dispatch delivery ack failed", map[string]any{
				"error": ackErr.Error(),
				"stats": stats.String(),
			})
		}
	}
}

func (w *Worker) hookStart(ctx context.Context, event core.JobWorkerEvent) {
	if w.hook != nil {
		w.hook.OnStart(ctx, event)
	}
}

func (w *Worker) hookSuccess(ctx context.Context, event core.JobWorkerEvent) {
	if w.hook != nil {
		w.hook.OnSuccess(ctx, event)
	}
}

func (w *Worker) hookFailure(ctx context.Context, event core.JobWorkerEvent) {
	if w.hook != nil {
		w.hook.OnFailure(ctx, event)
	}
}

// DispatchPending claims one batch and processes every unit to completion. A
// unit failure is contained: it marks that event failed and the pass moves on.
func (w *Worker) DispatchPending(ctx context.Context, batchSize int) (DispatchStats, error) {
	if w == nil || w.events == nil {
		return DispatchStats{}, fmt.Errorf("ingest: worker is not configured")
	}
	limit := batchSize
	if limit <= 0 {
		limit = w.config.BatchSize
	}
	events, err := w.events.ClaimBatch(ctx, limit)
	if err != nil {
		return DispatchStats{}, err
	}

	stats := DispatchStats{Claimed: len(events)}
	var passErr error
	for _, event := range events {
		unmapped, err := w.processOne(ctx, event)
		if err != nil {
			stats.Failed++
			if markErr := w.events.MarkFailed(ctx, event.ID, err); markErr != nil {
				passErr = joinErrors(passErr, markErr)
			}
			w.metrics.IncCounter(ctx, "billing.ingest.failed", 1, map[string]string{"event": event.EventName})
			core.LogError(ctx, w.logger, "event processing failed", map[string]any{
				"event_id":   event.ID,
				"event_name": event.EventName,
				"error":      err.Error(),
			})
			continue
		}
		if unmapped {
			stats.Unmapped++
		}
		if markErr := w.events.MarkSucceeded(ctx, event.ID); markErr != nil {
			passErr = joinErrors(passErr, markErr)
			continue
		}
		stats.Succeeded++
		w.metrics.IncCounter(ctx, "billing.ingest.succeeded", 1, map[string]string{"event": event.EventName})
	}
	return stats, passErr
}

// processOne reports whether the event took the unmapped fallback path.
func (w *Worker) processOne(ctx context.Context, event core.WebhookEvent) (bool, error) {
	unit, mapped, err := w.router.Route(event.EventName, event.Payload)
	if err != nil {
		return false, err
	}
	if !mapped {
		w.metrics.IncCounter(ctx, "billing.ingest.unmapped", 1, map[string]string{"event": event.EventName})
		core.LogInfo(ctx, w.logger, "event name maps to no tracked entity", map[string]any{
			"event_id":   event.ID,
			"event_name": event.EventName,
		})
		return true, w.writer.RecordUnmapped(ctx, event.EventName, event.EntityID, event.Payload)
	}

	inputs, err := w.engine.Build(unit)
	if err != nil {
		return false, err
	}
	for _, input := range inputs {
		if err := w.writer.Upsert(ctx, input); err != nil {
			return false, fmt.Errorf("ingest: upsert %s %s: %w", input.Entity, input.ExternalID, err)
		}
	}
	return false, nil
}

func joinErrors(existing error, next error) error {
	if existing == nil {
		return next
	}
	if next == nil {
		return existing
	}
	return fmt.Errorf("%w; %v", existing, next)
}
