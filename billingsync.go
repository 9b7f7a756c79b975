package billingsync

import (
	"context"
	"errors"

	"github.com/goliatone/go-billing-sync/core"
)

type Config = core.Config

type DatabaseConfig = core.DatabaseConfig

type UpstreamConfig = core.UpstreamConfig

type WebhookConfig = core.WebhookConfig

type BackfillConfig = core.BackfillConfig

type SyncConfig = core.SyncConfig

type IngestConfig = core.IngestConfig

type WebhookEvent = core.WebhookEvent
type StagingBatch = core.StagingBatch
type CheckpointRecord = core.CheckpointRecord

type EventStore = core.EventStore
type StagingStore = core.StagingStore
type CheckpointStore = core.CheckpointStore
type EntityWriter = core.EntityWriter
type UpstreamClient = core.UpstreamClient

type Logger = core.Logger
type LoggerProvider = core.LoggerProvider
type MetricsRecorder = core.MetricsRecorder

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// Process exit codes for the batch entrypoints.
const (
	ExitOK            = 0
	ExitFatal         = 1
	ExitMissingConfig = 2
)

// Run builds the service from cfg and drives it until ctx is canceled,
// translating failures into process exit codes. Missing credentials exit
// with ExitMissingConfig before any worker starts.
func Run(ctx context.Context, cfg Config, opts ...Option) int {
	service, err := Setup(ctx, cfg, opts...)
	if err != nil {
		if core.IsMissingConfig(err) {
			return ExitMissingConfig
		}
		return ExitFatal
	}
	defer func() { _ = service.Close() }()

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return ExitFatal
	}
	return ExitOK
}
