package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-billing-sync/core"
	"github.com/goliatone/go-billing-sync/ingest"
)

type DriverConfig struct {
	Interval time.Duration
	Overlap  time.Duration
	PageSize int
	MaxPages int
	Entities []string
}

func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		Interval: 5 * time.Minute,
		Overlap:  time.Minute,
		PageSize: 50,
		MaxPages: 200,
	}
}

// CycleStats summarizes one entity's incremental cycle.
type CycleStats struct {
	Entity    string
	Pages     int
	Applied   int
	Failed    int
	Watermark time.Time
}

func (s CycleStats) String() string {
	return fmt.Sprintf("entity=%s pages=%d applied=%d failed=%d",
		s.Entity, s.Pages, s.Applied, s.Failed)
}

// Driver reconciles recent upstream changes without staging: the platform
// offers no changed-since filter, so it walks the newest pages and filters
// client-side against the checkpoint watermark, trusting upstream's
// recency ordering. The checkpoint advances to the cycle's start time, not
// its end, so records mutated while the cycle runs are re-checked next time.
type Driver struct {
	client      core.UpstreamClient
	checkpoints core.CheckpointStore
	writer      core.EntityWriter
	engine      *ingest.Engine
	config      DriverConfig
	logger      core.Logger
	metrics     core.MetricsRecorder

	Now func() time.Time
}

func NewDriver(
	client core.UpstreamClient,
	checkpoints core.CheckpointStore,
	writer core.EntityWriter,
	config DriverConfig,
	opts ...DriverOption,
) (*Driver, error) {
	if client == nil {
		return nil, fmt.Errorf("sync: upstream client is required")
	}
	if checkpoints == nil {
		return nil, fmt.Errorf("sync: checkpoint store is required")
	}
	if writer == nil {
		return nil, fmt.Errorf("sync: entity writer is required")
	}
	defaults := DefaultDriverConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Overlap < 0 {
		config.Overlap = defaults.Overlap
	}
	if config.PageSize <= 0 {
		config.PageSize = defaults.PageSize
	}
	if config.MaxPages <= 0 {
		config.MaxPages = defaults.MaxPages
	}
	if len(config.Entities) == 0 {
		config.Entities = core.TrackedEntities()
	}

	driver := &Driver{
		client:      client,
		checkpoints: checkpoints,
		writer:      writer,
		engine:      ingest.NewEngine(),
		config:      config,
		metrics:     core.NopMetricsRecorder{},
		Now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(driver)
		}
	}
	_, driver.logger = core.ResolveLogger("sync", nil, driver.logger)
	return driver, nil
}

type DriverOption func(*Driver)

func WithDriverLogger(logger core.Logger) DriverOption {
	return func(d *Driver) { d.logger = logger }
}

func WithDriverMetrics(metrics core.MetricsRecorder) DriverOption {
	return func(d *Driver) {
		if metrics != nil {
			d.metrics = metrics
		}
	}
}

// Run cycles all configured entities on the fixed interval until the context
// is canceled.
func (d *Driver) Run(ctx context.Context) error {
	if d == nil || d.client == nil {
		return fmt.Errorf("sync: driver is not configured")
	}
	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil {
			core.LogError(ctx, d.logger, "sync pass failed", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce runs one cycle per configured entity. A failed cycle is isolated:
// the other entities still run and keep their own checkpoints.
func (d *Driver) RunOnce(ctx context.Context) ([]CycleStats, error) {
	results := make([]CycleStats, 0, len(d.config.Entities))
	var passErr error
	for _, entity := range d.config.Entities {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		stats, err := d.RunCycle(ctx, entity)
		results = append(results, stats)
		if err != nil {
			passErr = joinErrors(passErr, fmt.Errorf("sync: entity %s: %w", entity, err))
			d.metrics.IncCounter(ctx, "billing.sync.cycle_failed", 1, map[string]string{"entity": entity})
		}
	}
	return results, passErr
}

// RunCycle reconciles one entity. Any page or upsert failure aborts the cycle
// before the checkpoint moves, so the next cycle re-covers the same window.
func (d *Driver) RunCycle(ctx context.Context, entity string) (CycleStats, error) {
	if d == nil || d.client == nil {
		return CycleStats{}, fmt.Errorf("sync: driver is not configured")
	}
	entity = strings.TrimSpace(entity)
	if !core.IsTrackedEntity(entity) {
		return CycleStats{}, fmt.Errorf("sync: %q is not a tracked entity", entity)
	}

	checkpoint, found, err := d.checkpoints.Get(ctx, entity)
	if err != nil {
		return CycleStats{}, err
	}

	var watermark time.Time
	if found && checkpoint.LastSyncAt != nil {
		watermark = checkpoint.LastSyncAt.UTC().Add(-d.config.Overlap)
	}

	cycleStart := d.now()
	stats := CycleStats{Entity: entity, Watermark: watermark}

	for page := 1; page <= d.config.MaxPages; page++ {
		records, err := d.client.FetchPage(ctx, entity, page, d.config.PageSize)
		if err != nil {
			return stats, err
		}
		if len(records) == 0 {
			break
		}

		qualifying := 0
		for _, record := range records {
			updatedAt, ok := recordUpdatedAt(record)
			if !ok || !updatedAt.After(watermark) {
				continue
			}
			qualifying++
			if err := d.applyRecord(ctx, entity, record); err != nil {
				stats.Failed++
				return stats, err
			}
			stats.Applied++
		}
		stats.Pages++

		// Recency ordering: once a whole page predates the watermark there
		// is nothing newer further in.
		if qualifying == 0 {
			break
		}
		if len(records) < d.config.PageSize {
			break
		}
	}

	if _, err := d.checkpoints.Save(ctx, core.CheckpointRecord{
		Entity:     entity,
		LastSyncAt: &cycleStart,
		RunID:      checkpoint.RunID,
		LastPage:   checkpoint.LastPage,
	}); err != nil {
		return stats, err
	}

	core.LogInfo(ctx, d.logger, "sync cycle completed", map[string]any{
		"entity":  entity,
		"pages":   stats.Pages,
		"applied": stats.Applied,
	})
	return stats, nil
}

func (d *Driver) applyRecord(ctx context.Context, entity string, record map[string]any) error {
	externalID, ok := core.StringField(record["id"])
	if !ok {
		return fmt.Errorf("sync: %s record carries no id", entity)
	}
	inputs, err := d.engine.Build(ingest.RoutedUnit{
		Entity:     entity,
		ExternalID: externalID,
		Record:     record,
	})
	if err != nil {
		return err
	}
	for _, input := range inputs {
		if err := d.writer.Upsert(ctx, input); err != nil {
			return fmt.Errorf("sync: upsert %s %s: %w", input.Entity, input.ExternalID, err)
		}
	}
	return nil
}

func (d *Driver) now() time.Time {
	if d != nil && d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func recordUpdatedAt(record map[string]any) (time.Time, bool) {
	for _, source := range []string{"updated_at", "updated", "modified_at"} {
		if value, ok := core.ParseUpstreamTime(record[source]); ok {
			return value.UTC(), true
		}
	}
	return time.Time{}, false
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
