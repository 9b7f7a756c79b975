package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-billing-sync/core"
)

// StagingStore holds raw backfill pages until a worker upserts them into the
// entity tables. The (run_id, page) unique constraint makes re-fetching an
// already staged page a no-op.
type StagingStore struct {
	db   *bun.DB
	repo repository.Repository[*stagingBatchRecord]
}

func NewStagingStore(db *bun.DB) (*StagingStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*stagingBatchRecord](db, stagingBatchHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid staging batch repository wiring: %w", err)
		}
	}
	return &StagingStore{db: db, repo: repo}, nil
}

// AppendPage stages one fetched page. A duplicate (run_id, page) returns the
// already stored batch so resumed runs never double-stage.
func (s *StagingStore) AppendPage(ctx context.Context, batch core.StagingBatch) (core.StagingBatch, error) {
	if s == nil || s.db == nil {
		return core.StagingBatch{}, fmt.Errorf("sqlstore: staging store is not configured")
	}
	runID := strings.TrimSpace(batch.RunID)
	if runID == "" {
		return core.StagingBatch{}, fmt.Errorf("sqlstore: run id is required")
	}
	entity := strings.TrimSpace(batch.Entity)
	if entity == "" {
		return core.StagingBatch{}, fmt.Errorf("sqlstore: entity is required")
	}
	if batch.Page < 1 {
		return core.StagingBatch{}, fmt.Errorf("sqlstore: page must be >= 1")
	}

	createdAt := batch.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	record := &stagingBatchRecord{
		ID:        uuid.NewString(),
		RunID:     runID,
		Entity:    entity,
		Page:      batch.Page,
		Payload:   copyRecordSlice(batch.Records),
		Status:    core.BatchStatusPending,
		Error:     "",
		CreatedAt: createdAt,
	}

	created, err := s.repo.Create(ctx, record)
	if err != nil {
		if repository.IsDuplicatedKey(err) || isUniqueViolation(err) {
			return s.getByRunPage(ctx, runID, batch.Page)
		}
		return core.StagingBatch{}, err
	}
	return stagingBatchToDomain(created), nil
}

// ClaimBatch flips up to limit pending batches to processing, oldest pages
// first. Same exclusivity guarantee as the event store claim.
func (s *StagingStore) ClaimBatch(ctx context.Context, limit int) ([]core.StagingBatch, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: staging store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	var records []stagingBatchRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimed AS (
	SELECT id
	FROM billing_staging_batches
	WHERE status = ?
	ORDER BY created_at ASC, page ASC
	LIMIT ?
)
UPDATE billing_staging_batches
SET status = ?
WHERE id IN (SELECT id FROM claimed)
  AND status = ?
RETURNING
	id,
	run_id,
	entity,
	page,
	payload,
	status,
	error,
	created_at,
	processed_at
`
		return tx.NewRaw(
			query,
			core.BatchStatusPending,
			limit,
			core.BatchStatusProcessing,
			core.BatchStatusPending,
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}

	batches := make([]core.StagingBatch, 0, len(records))
	for i := range records {
		batches = append(batches, stagingBatchToDomain(&records[i]))
	}
	return batches, nil
}

func (s *StagingStore) MarkDone(ctx context.Context, id string) error {
	return s.markTerminal(ctx, id, core.BatchStatusDone, "")
}

// MarkFailed records the cause and returns the batch to pending so a later
// worker pass retries it. Staging has no terminal failure state: pages are
// raw upstream truth and must eventually land.
func (s *StagingStore) MarkFailed(ctx context.Context, id string, cause error) error {
	message := ""
	if cause != nil {
		message = strings.TrimSpace(cause.Error())
	}
	return s.markTerminal(ctx, id, core.BatchStatusPending, message)
}

func (s *StagingStore) markTerminal(ctx context.Context, id string, status string, message string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: staging store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("sqlstore: batch id is required")
	}
	query := s.db.NewUpdate().
		Model((*stagingBatchRecord)(nil)).
		Set("status = ?", status).
		Set("error = ?", message).
		Where("id = ?", id).
		Where("status = ?", core.BatchStatusProcessing)
	if status == core.BatchStatusDone {
		query = query.Set("processed_at = ?", time.Now().UTC())
	}
	_, err := query.Exec(ctx)
	return err
}

// PendingCount powers the pipeline stats query.
func (s *StagingStore) PendingCount(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: staging store is not configured")
	}
	count, err := s.db.NewSelect().
		Model((*stagingBatchRecord)(nil)).
		Where("status = ?", core.BatchStatusPending).
		Count(ctx)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *StagingStore) getByRunPage(ctx context.Context, runID string, page int) (core.StagingBatch, error) {
	record := &stagingBatchRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.run_id = ?", runID).
		Where("?TableAlias.page = ?", page).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return core.StagingBatch{}, err
	}
	return stagingBatchToDomain(record), nil
}

func stagingBatchToDomain(record *stagingBatchRecord) core.StagingBatch {
	if record == nil {
		return core.StagingBatch{}
	}
	batch := core.StagingBatch{
		ID:        record.ID,
		RunID:     record.RunID,
		Entity:    record.Entity,
		Page:      record.Page,
		Records:   copyRecordSlice(record.Payload),
		Status:    record.Status,
		Error:     record.Error,
		CreatedAt: record.CreatedAt,
	}
	if record.ProcessedAt != nil {
		value := *record.ProcessedAt
		batch.ProcessedAt = &value
	}
	return batch
}

var _ core.StagingStore = (*StagingStore)(nil)
