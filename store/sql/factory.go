package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-billing-sync/core"
)

type RepositoryFactory struct {
	db *bun.DB

	eventStore      *EventStore
	stagingStore    *StagingStore
	checkpointStore *CheckpointStore
	entityStore     *EntityStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.eventStore != nil && f.stagingStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) EventStore() core.EventStore {
	if f == nil {
		return nil
	}
	return f.eventStore
}

func (f *RepositoryFactory) StagingStore() core.StagingStore {
	if f == nil {
		return nil
	}
	return f.stagingStore
}

func (f *RepositoryFactory) CheckpointStore() core.CheckpointStore {
	if f == nil {
		return nil
	}
	return f.checkpointStore
}

func (f *RepositoryFactory) EntityWriter() core.EntityWriter {
	if f == nil {
		return nil
	}
	return f.entityStore
}

// EventStats exposes the concrete store for callers that need the status
// counters beyond the core contract.
func (f *RepositoryFactory) EventStats() *EventStore {
	if f == nil {
		return nil
	}
	return f.eventStore
}

func (f *RepositoryFactory) StagingStats() *StagingStore {
	if f == nil {
		return nil
	}
	return f.stagingStore
}

func (f *RepositoryFactory) initStores() error {
	eventStore, err := NewEventStore(f.db)
	if err != nil {
		return err
	}
	f.eventStore = eventStore

	stagingStore, err := NewStagingStore(f.db)
	if err != nil {
		return err
	}
	f.stagingStore = stagingStore

	checkpointStore, err := NewCheckpointStore(f.db)
	if err != nil {
		return err
	}
	f.checkpointStore = checkpointStore

	entityStore, err := NewEntityStore(f.db)
	if err != nil {
		return err
	}
	f.entityStore = entityStore

	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}

var _ core.RepositoryStoreFactory = (*RepositoryFactory)(nil)
var _ core.StoreProvider = (*RepositoryFactory)(nil)
