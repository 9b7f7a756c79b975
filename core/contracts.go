package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// EventStore is the durable queue for inbound webhook events. Insert enforces
// dedupe-key uniqueness; ClaimBatch is the only pending→processing transition.
type EventStore interface {
	Insert(ctx context.Context, event WebhookEvent) (WebhookEvent, error)
	ClaimBatch(ctx context.Context, limit int) ([]WebhookEvent, error)
	MarkSucceeded(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) error
	Requeue(ctx context.Context, id string) error
	ReleaseStuck(ctx context.Context, olderThan time.Duration) (int, error)
	Get(ctx context.Context, id string) (WebhookEvent, error)
}

type StagingStore interface {
	AppendPage(ctx context.Context, batch StagingBatch) (StagingBatch, error)
	ClaimBatch(ctx context.Context, limit int) ([]StagingBatch, error)
	MarkDone(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) error
}

type CheckpointStore interface {
	Get(ctx context.Context, entity string) (CheckpointRecord, bool, error)
	Save(ctx context.Context, record CheckpointRecord) (CheckpointRecord, error)
}

// EntityWriter is the idempotent merge-on-conflict writer into the target
// entity tables.
type EntityWriter interface {
	Upsert(ctx context.Context, in UpsertEntityInput) error
	RecordUnmapped(ctx context.Context, eventName string, entityID string, payload map[string]any) error
}

type UpsertEntityInput struct {
	Entity     string
	ExternalID string
	// Fields holds column values already normalized by the upsert engine.
	// Nil-valued keys never reach this map; absent keys keep stored values.
	Fields            map[string]any
	Payload           map[string]any
	UpstreamUpdatedAt *time.Time
}

// StoreProvider exposes the persistence-backed stores the pipeline runs on.
type StoreProvider interface {
	EventStore() EventStore
	StagingStore() StagingStore
	CheckpointStore() CheckpointStore
	EntityWriter() EntityWriter
}

type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}

// UpstreamClient pages through one entity collection of the billing platform.
type UpstreamClient interface {
	FetchPage(ctx context.Context, entity string, page int, perPage int) ([]map[string]any, error)
}

// Job IDs for the pipeline work the durable queue carries.
const (
	JobIngestDispatch  = "billing.ingest.dispatch"
	JobBackfillRun     = "billing.backfill.run"
	JobBackfillDrain   = "billing.backfill.drain"
	JobSyncIncremental = "billing.sync.incremental"
)

type JobExecutionMessage struct {
	JobID          string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

// JobNackDisposition names what the queue should do with a rejected delivery.
type JobNackDisposition string

const (
	JobNackRetry      JobNackDisposition = "retry"
	JobNackDeadLetter JobNackDisposition = "dead_letter"
	JobNackFailed     JobNackDisposition = "failed"
	JobNackCanceled   JobNackDisposition = "canceled"
)

type JobNackOptions struct {
	Disposition JobNackDisposition
	Delay       time.Duration
	Reason      string
}

// JobEnqueueReceipt identifies an accepted enqueue for correlation.
type JobEnqueueReceipt struct {
	DispatchID string
	EnqueuedAt time.Time
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) (JobEnqueueReceipt, error)
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}
