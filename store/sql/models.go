package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type webhookEventRecord struct {
	bun.BaseModel `bun:"table:billing_webhook_events,alias:bwe"`

	ID          string         `bun:"id,pk"`
	EventName   string         `bun:"event_name,notnull"`
	EntityID    *string        `bun:"entity_id"`
	Payload     map[string]any `bun:"payload,type:jsonb,notnull"`
	DedupeKey   string         `bun:"dedupe_key,notnull"`
	Status      string         `bun:"status,notnull"`
	Error       string         `bun:"error,notnull"`
	ReceivedAt  time.Time      `bun:"received_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	ProcessedAt *time.Time     `bun:"processed_at,nullzero"`
}

type stagingBatchRecord struct {
	bun.BaseModel `bun:"table:billing_staging_batches,alias:bsb"`

	ID          string           `bun:"id,pk"`
	RunID       string           `bun:"run_id,notnull"`
	Entity      string           `bun:"entity,notnull"`
	Page        int              `bun:"page,notnull"`
	Payload     []map[string]any `bun:"payload,type:jsonb,notnull"`
	Status      string           `bun:"status,notnull"`
	Error       string           `bun:"error,notnull"`
	CreatedAt   time.Time        `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	ProcessedAt *time.Time       `bun:"processed_at,nullzero"`
}

type checkpointRecord struct {
	bun.BaseModel `bun:"table:billing_checkpoints,alias:bcp"`

	EntityName string     `bun:"entity_name,pk"`
	LastSyncAt *time.Time `bun:"last_sync_at,nullzero"`
	RunID      string     `bun:"run_id,notnull"`
	LastPage   int        `bun:"last_page,notnull"`
	UpdatedAt  time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type unmappedEventRecord struct {
	bun.BaseModel `bun:"table:billing_unmapped_events,alias:bue"`

	ID        string         `bun:"id,pk"`
	EventName string         `bun:"event_name,notnull"`
	EntityID  *string        `bun:"entity_id"`
	Payload   map[string]any `bun:"payload,type:jsonb,notnull"`
	CreatedAt time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}
