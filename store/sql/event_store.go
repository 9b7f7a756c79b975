package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-billing-sync/core"
)

// EventStore is the durable queue table behind the webhook receiver. The
// claim CTE is the sole cross-worker exclusivity mechanism: no external lock
// exists.
type EventStore struct {
	db   *bun.DB
	repo repository.Repository[*webhookEventRecord]
}

func NewEventStore(db *bun.DB) (*EventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*webhookEventRecord](db, webhookEventHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid webhook event repository wiring: %w", err)
		}
	}
	return &EventStore{db: db, repo: repo}, nil
}

func (s *EventStore) Insert(ctx context.Context, event core.WebhookEvent) (core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: event store is not configured")
	}
	if strings.TrimSpace(event.EventName) == "" {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: event name is required")
	}
	if strings.TrimSpace(event.DedupeKey) == "" {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: dedupe key is required")
	}

	receivedAt := event.ReceivedAt.UTC()
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	record := &webhookEventRecord{
		ID:         uuid.NewString(),
		EventName:  strings.TrimSpace(event.EventName),
		Payload:    copyAnyMap(event.Payload),
		DedupeKey:  strings.TrimSpace(event.DedupeKey),
		Status:     core.EventStatusPending,
		Error:      "",
		ReceivedAt: receivedAt,
		UpdatedAt:  time.Now().UTC(),
	}
	if trimmed := strings.TrimSpace(event.EntityID); trimmed != "" {
		record.EntityID = &trimmed
	}

	created, err := s.repo.Create(ctx, record)
	if err != nil {
		if repository.IsDuplicatedKey(err) || isUniqueViolation(err) {
			return core.WebhookEvent{}, core.ErrDuplicateDelivery
		}
		return core.WebhookEvent{}, err
	}
	return webhookEventToDomain(created), nil
}

// ClaimBatch atomically flips up to limit pending events to processing and
// returns them oldest-first. Two concurrent callers never receive the same
// row: the status guard inside the UPDATE re-checks what the CTE selected.
// The updated_at stamp marks the claim time; ReleaseStuck leases run from it.
func (s *EventStore) ClaimBatch(ctx context.Context, limit int) ([]core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: event store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	var records []webhookEventRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimed AS (
	SELECT id
	FROM billing_webhook_events
	WHERE status = ?
	ORDER BY received_at ASC
	LIMIT ?
)
UPDATE billing_webhook_events
SET status = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND status = ?
RETURNING
	id,
	event_name,
	entity_id,
	payload,
	dedupe_key,
	status,
	error,
	received_at,
	updated_at,
	processed_at
`
		return tx.NewRaw(
			query,
			core.EventStatusPending,
			limit,
			core.EventStatusProcessing,
			time.Now().UTC(),
			core.EventStatusPending,
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}

	events := make([]core.WebhookEvent, 0, len(records))
	for i := range records {
		events = append(events, webhookEventToDomain(&records[i]))
	}
	return events, nil
}

func (s *EventStore) MarkSucceeded(ctx context.Context, id string) error {
	return s.markTerminal(ctx, id, core.EventStatusSuccess, "")
}

func (s *EventStore) MarkFailed(ctx context.Context, id string, cause error) error {
	message := ""
	if cause != nil {
		message = strings.TrimSpace(cause.Error())
	}
	return s.markTerminal(ctx, id, core.EventStatusFailed, message)
}

func (s *EventStore) markTerminal(ctx context.Context, id string, status string, message string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: event store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("sqlstore: event id is required")
	}
	now := time.Now().UTC()
	_, err := s.db.NewUpdate().
		Model((*webhookEventRecord)(nil)).
		Set("status = ?", status).
		Set("error = ?", message).
		Set("processed_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", core.EventStatusProcessing).
		Exec(ctx)
	return err
}

// Requeue resets a failed event to pending. Terminal states are never retried
// automatically; this is the operator path.
func (s *EventStore) Requeue(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: event store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("sqlstore: event id is required")
	}
	result, err := s.db.NewUpdate().
		Model((*webhookEventRecord)(nil)).
		Set("status = ?", core.EventStatusPending).
		Set("error = ?", "").
		Set("processed_at = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("status = ?", core.EventStatusFailed).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("sqlstore: event %q is not in a failed state", id)
	}
	return nil
}

// ReleaseStuck returns processing rows whose claim is older than the lease
// back to pending. The lease runs from updated_at, stamped at claim time, so
// an event claimed moments ago stays with its worker no matter how long it
// sat in the queue. Operator-invoked; the dispatcher never reclaims on its
// own.
func (s *EventStore) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: event store is not configured")
	}
	if olderThan <= 0 {
		return 0, fmt.Errorf("sqlstore: release lease must be positive")
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := s.db.NewUpdate().
		Model((*webhookEventRecord)(nil)).
		Set("status = ?", core.EventStatusPending).
		Set("updated_at = ?", time.Now().UTC()).
		Where("status = ?", core.EventStatusProcessing).
		Where("updated_at <= ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *EventStore) Get(ctx context.Context, id string) (core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: event store is not configured")
	}
	record := &webhookEventRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.WebhookEvent{}, fmt.Errorf("sqlstore: webhook event %q not found", id)
		}
		return core.WebhookEvent{}, err
	}
	return webhookEventToDomain(record), nil
}

// ListByStatus returns events in one state, oldest first. Operator tooling
// uses it to inspect the failed backlog.
func (s *EventStore) ListByStatus(ctx context.Context, status string, limit int) ([]core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: event store is not configured")
	}
	status = strings.TrimSpace(status)
	if status == "" {
		return nil, fmt.Errorf("sqlstore: status is required")
	}
	if limit <= 0 {
		limit = 100
	}
	var records []webhookEventRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.status = ?", status).
		OrderExpr("?TableAlias.received_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	events := make([]core.WebhookEvent, 0, len(records))
	for i := range records {
		events = append(events, webhookEventToDomain(&records[i]))
	}
	return events, nil
}

// CountByStatus powers the pipeline stats query.
func (s *EventStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: event store is not configured")
	}
	var rows []struct {
		Status string `bun:"status"`
		Total  int    `bun:"total"`
	}
	err := s.db.NewSelect().
		Model((*webhookEventRecord)(nil)).
		ColumnExpr("status").
		ColumnExpr("COUNT(*) AS total").
		GroupExpr("status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

func webhookEventToDomain(record *webhookEventRecord) core.WebhookEvent {
	if record == nil {
		return core.WebhookEvent{}
	}
	event := core.WebhookEvent{
		ID:         record.ID,
		EventName:  record.EventName,
		Payload:    copyAnyMap(record.Payload),
		DedupeKey:  record.DedupeKey,
		Status:     record.Status,
		Error:      record.Error,
		ReceivedAt: record.ReceivedAt,
	}
	if record.EntityID != nil {
		event.EntityID = strings.TrimSpace(*record.EntityID)
	}
	if record.ProcessedAt != nil {
		value := *record.ProcessedAt
		event.ProcessedAt = &value
	}
	return event
}

var _ core.EventStore = (*EventStore)(nil)
