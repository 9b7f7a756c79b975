package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-billing-sync/core"
)

// CheckpointStore persists per-entity sync positions in the same database as
// the staging tables, so checkpoint advances commit alongside the data they
// describe.
type CheckpointStore struct {
	db *bun.DB
}

func NewCheckpointStore(db *bun.DB) (*CheckpointStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &CheckpointStore{db: db}, nil
}

func (s *CheckpointStore) Get(ctx context.Context, entity string) (core.CheckpointRecord, bool, error) {
	if s == nil || s.db == nil {
		return core.CheckpointRecord{}, false, fmt.Errorf("sqlstore: checkpoint store is not configured")
	}
	entity = strings.TrimSpace(entity)
	if entity == "" {
		return core.CheckpointRecord{}, false, fmt.Errorf("sqlstore: entity is required")
	}

	record := &checkpointRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.entity_name = ?", entity).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.CheckpointRecord{}, false, nil
		}
		return core.CheckpointRecord{}, false, err
	}
	return checkpointToDomain(record), true, nil
}

func (s *CheckpointStore) Save(ctx context.Context, in core.CheckpointRecord) (core.CheckpointRecord, error) {
	if s == nil || s.db == nil {
		return core.CheckpointRecord{}, fmt.Errorf("sqlstore: checkpoint store is not configured")
	}
	entity := strings.TrimSpace(in.Entity)
	if entity == "" {
		return core.CheckpointRecord{}, fmt.Errorf("sqlstore: entity is required")
	}

	record := &checkpointRecord{
		EntityName: entity,
		RunID:      strings.TrimSpace(in.RunID),
		LastPage:   in.LastPage,
		UpdatedAt:  time.Now().UTC(),
	}
	if in.LastSyncAt != nil {
		value := in.LastSyncAt.UTC()
		record.LastSyncAt = &value
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().
			Model(record).
			On("CONFLICT (entity_name) DO UPDATE").
			Set("last_sync_at = EXCLUDED.last_sync_at").
			Set("run_id = EXCLUDED.run_id").
			Set("last_page = EXCLUDED.last_page").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		return err
	})
	if err != nil {
		return core.CheckpointRecord{}, err
	}
	return checkpointToDomain(record), nil
}

func checkpointToDomain(record *checkpointRecord) core.CheckpointRecord {
	if record == nil {
		return core.CheckpointRecord{}
	}
	out := core.CheckpointRecord{
		Entity:    record.EntityName,
		RunID:     record.RunID,
		LastPage:  record.LastPage,
		UpdatedAt: record.UpdatedAt,
	}
	if record.LastSyncAt != nil {
		value := *record.LastSyncAt
		out.LastSyncAt = &value
	}
	return out
}

var _ core.CheckpointStore = (*CheckpointStore)(nil)
