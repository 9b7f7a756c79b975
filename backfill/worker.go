package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-billing-sync/core"
	"github.com/goliatone/go-billing-sync/ingest"
)

type WorkerConfig struct {
	BatchSize    int
	PollInterval time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:    10,
		PollInterval: 2 * time.Second,
	}
}

// DrainStats counts one pass over claimed staging batches.
type DrainStats struct {
	Claimed int
	Done    int
	Failed  int
	Records int
}

func (s DrainStats) String() string {
	return fmt.Sprintf("claimed=%d done=%d failed=%d records=%d",
		s.Claimed, s.Done, s.Failed, s.Records)
}

// Worker drains staged backfill pages into the entity tables. Record
// failures inside a batch are contained per record: the batch fails only
// when at least one of its records cannot be applied, and failed batches
// return to pending for a later pass.
type Worker struct {
	staging core.StagingStore
	writer  core.EntityWriter
	engine  *ingest.Engine
	config  WorkerConfig
	logger  core.Logger
	metrics core.MetricsRecorder
}

func NewWorker(
	staging core.StagingStore,
	writer core.EntityWriter,
	config WorkerConfig,
	opts ...WorkerOption,
) (*Worker, error) {
	if staging == nil {
		return nil, fmt.Errorf("backfill: staging store is required")
	}
	if writer == nil {
		return nil, fmt.Errorf("backfill: entity writer is required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultWorkerConfig().BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultWorkerConfig().PollInterval
	}

	worker := &Worker{
		staging: staging,
		writer:  writer,
		engine:  ingest.NewEngine(),
		config:  config,
		metrics: core.NopMetricsRecorder{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(worker)
		}
	}
	_, worker.logger = core.ResolveLogger("backfill", nil, worker.logger)
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

// Run polls until the context is canceled. Batch tooling that wants a single
// pass calls DrainPending directly.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.staging == nil {
		return fmt.Errorf("backfill: worker is not configured")
	}
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		stats, err := w.DrainPending(ctx, w.config.BatchSize)
		if err != nil {
			core.LogError(ctx, w.logger, "drain pass failed", map[string]any{
				"error": err.Error(),
				"stats": stats.String(),
			})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DrainPending claims one batch of staged pages and applies them.
func (w *Worker) DrainPending(ctx context.Context, batchSize int) (DrainStats, error) {
	if w == nil || w.staging == nil {
		return DrainStats{}, fmt.Errorf("backfill: worker is not configured")
	}
	limit := batchSize
	if limit <= 0 {
		limit = w.config.BatchSize
	}
	batches, err := w.staging.ClaimBatch(ctx, limit)
	if err != nil {
		return DrainStats{}, err
	}

	stats := DrainStats{Claimed: len(batches)}
	var passErr error
	for _, batch := range batches {
		applied, err := w.applyBatch(ctx, batch)
		stats.Records += applied
		if err != nil {
			stats.Failed++
			if markErr := w.staging.MarkFailed(ctx, batch.ID, err); markErr != nil {
				passErr = joinErrors(passErr, markErr)
			}
			core.LogError(ctx, w.logger, "staging batch failed", map[string]any{
				"batch_id": batch.ID,
				"entity":   batch.Entity,
				"page":     batch.Page,
				"error":    err.Error(),
			})
			continue
		}
		if markErr := w.staging.MarkDone(ctx, batch.ID); markErr != nil {
			passErr = joinErrors(passErr, markErr)
			continue
		}
		stats.Done++
		w.metrics.IncCounter(ctx, "billing.backfill.batch_done", 1, map[string]string{"entity": batch.Entity})
	}
	return stats, passErr
}

func (w *Worker) applyBatch(ctx context.Context, batch core.StagingBatch) (int, error) {
	applied := 0
	var batchErr error
	for index, record := range batch.Records {
		externalID, ok := core.StringField(record["id"])
		if !ok {
			batchErr = joinErrors(batchErr, fmt.Errorf("backfill: %s page %d record %d carries no id", batch.Entity, batch.Page, index))
			continue
		}
		inputs, err := w.engine.Build(ingest.RoutedUnit{
			Entity:     batch.Entity,
			ExternalID: externalID,
			Record:     record,
		})
		if err != nil {
			batchErr = joinErrors(batchErr, err)
			continue
		}
		recordErr := false
		for _, input := range inputs {
			if err := w.writer.Upsert(ctx, input); err != nil {
				batchErr = joinErrors(batchErr, fmt.Errorf("backfill: upsert %s %s: %w", input.Entity, input.ExternalID, err))
				recordErr = true
				break
			}
		}
		if !recordErr {
			applied++
		}
	}
	return applied, batchErr
}
