package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const (
	EventStatusPending    = "pending"
	EventStatusProcessing = "processing"
	EventStatusSuccess    = "success"
	EventStatusFailed     = "failed"
)

const (
	BatchStatusPending    = "pending"
	BatchStatusProcessing = "processing"
	BatchStatusDone       = "done"
)

const (
	EntityCustomer      = "customers"
	EntityInvoice       = "invoices"
	EntityInvoiceItem   = "invoice_items"
	EntitySubscription  = "subscriptions"
	EntityPlan          = "plans"
	EntityTransfer      = "transfers"
	EntityCharge        = "charges"
	EntityChargeback    = "chargebacks"
	EntityPaymentMethod = "payment_methods"
)

// TrackedEntities lists the upstream collections the pipeline reconciles.
// Invoice items are not listed: they only arrive nested in invoice payloads.
func TrackedEntities() []string {
	return []string{
		EntityCustomer,
		EntityInvoice,
		EntitySubscription,
		EntityPlan,
		EntityTransfer,
		EntityCharge,
		EntityChargeback,
		EntityPaymentMethod,
	}
}

func IsTrackedEntity(name string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(name))
	for _, entity := range TrackedEntities() {
		if entity == trimmed {
			return true
		}
	}
	return false
}

type WebhookEvent struct {
	ID          string
	EventName   string
	EntityID    string
	Payload     map[string]any
	DedupeKey   string
	Status      string
	Error       string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

type StagingBatch struct {
	ID          string
	RunID       string
	Entity      string
	Page        int
	Records     []map[string]any
	Status      string
	Error       string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// CheckpointRecord is the low-water mark for one tracked entity. LastSyncAt
// gates the incremental sync driver; RunID/LastPage resume an interrupted
// backfill run.
type CheckpointRecord struct {
	Entity     string
	LastSyncAt *time.Time
	RunID      string
	LastPage   int
	UpdatedAt  time.Time
}

// ComputeDedupeKey derives the deterministic hash that makes repeated
// deliveries of one logical event collide on the unique constraint.
func ComputeDedupeKey(eventName string, entityID string, timestamp string) string {
	material := strings.TrimSpace(eventName) + "|" +
		strings.TrimSpace(entityID) + "|" +
		strings.TrimSpace(timestamp)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}
