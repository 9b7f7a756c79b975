package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-billing-sync/core"
)

// FileStore keeps one JSON document per entity under a directory. It backs
// single-process deployments and tests that run without a database; the SQL
// checkpoint store is the default for everything else.
type FileStore struct {
	dir string
	mu  sync.Mutex

	Now func() time.Time
}

func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("checkpoint: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create directory: %w", err)
	}
	return &FileStore{
		dir: dir,
		Now: func() time.Time { return time.Now().UTC() },
	}, nil
}

type fileRecord struct {
	Entity     string     `json:"entity"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	RunID      string     `json:"run_id,omitempty"`
	LastPage   int        `json:"last_page,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (s *FileStore) Get(_ context.Context, entity string) (core.CheckpointRecord, bool, error) {
	if s == nil {
		return core.CheckpointRecord{}, false, fmt.Errorf("checkpoint: file store is not configured")
	}
	entity = strings.TrimSpace(entity)
	if entity == "" {
		return core.CheckpointRecord{}, false, fmt.Errorf("checkpoint: entity is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(entity))
	if err != nil {
		if os.IsNotExist(err) {
			return core.CheckpointRecord{}, false, nil
		}
		return core.CheckpointRecord{}, false, fmt.Errorf("checkpoint: read %s: %w", entity, err)
	}

	var record fileRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return core.CheckpointRecord{}, false, fmt.Errorf("checkpoint: decode %s: %w", entity, err)
	}
	return core.CheckpointRecord{
		Entity:     entity,
		LastSyncAt: record.LastSyncAt,
		RunID:      record.RunID,
		LastPage:   record.LastPage,
		UpdatedAt:  record.UpdatedAt,
	}, true, nil
}

func (s *FileStore) Save(_ context.Context, in core.CheckpointRecord) (core.CheckpointRecord, error) {
	if s == nil {
		return core.CheckpointRecord{}, fmt.Errorf("checkpoint: file store is not configured")
	}
	entity := strings.TrimSpace(in.Entity)
	if entity == "" {
		return core.CheckpointRecord{}, fmt.Errorf("checkpoint: entity is required")
	}

	record := fileRecord{
		Entity:    entity,
		RunID:     strings.TrimSpace(in.RunID),
		LastPage:  in.LastPage,
		UpdatedAt: s.now(),
	}
	if in.LastSyncAt != nil {
		value := in.LastSyncAt.UTC()
		record.LastSyncAt = &value
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return core.CheckpointRecord{}, fmt.Errorf("checkpoint: encode %s: %w", entity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Write-then-rename keeps a crash from leaving a torn checkpoint.
	target := s.path(entity)
	temp := target + ".tmp"
	if err := os.WriteFile(temp, data, 0o644); err != nil {
		return core.CheckpointRecord{}, fmt.Errorf("checkpoint: write %s: %w", entity, err)
	}
	if err := os.Rename(temp, target); err != nil {
		return core.CheckpointRecord{}, fmt.Errorf("checkpoint: replace %s: %w", entity, err)
	}

	return core.CheckpointRecord{
		Entity:     entity,
		LastSyncAt: record.LastSyncAt,
		RunID:      record.RunID,
		LastPage:   record.LastPage,
		UpdatedAt:  record.UpdatedAt,
	}, nil
}

func (s *FileStore) path(entity string) string {
	name := strings.ReplaceAll(strings.ToLower(entity), string(filepath.Separator), "_")
	return filepath.Join(s.dir, name+".json")
}

func (s *FileStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

var _ core.CheckpointStore = (*FileStore)(nil)
