package billingsync

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/goliatone/go-billing-sync/adapters/gologger"
	"github.com/goliatone/go-billing-sync/backfill"
	"github.com/goliatone/go-billing-sync/checkpoint"
	"github.com/goliatone/go-billing-sync/core"
	"github.com/goliatone/go-billing-sync/ingest"
	"github.com/goliatone/go-billing-sync/query"
	sqlstore "github.com/goliatone/go-billing-sync/store/sql"
	syncdriver "github.com/goliatone/go-billing-sync/sync"
	"github.com/goliatone/go-billing-sync/upstream"
	"github.com/goliatone/go-billing-sync/webhooks"
)

// Service wires the whole pipeline: receiver, claim workers, backfill, and
// the incremental sync driver, all sharing one persistence client.
type Service struct {
	cfg     core.Config
	client  *persistence.Client
	ownsDB  bool
	stores  *sqlstore.RepositoryFactory
	logger  core.Logger
	metrics core.MetricsRecorder

	checkpoints core.CheckpointStore
	upstream    core.UpstreamClient

	receiver       *webhooks.Receiver
	ingestWorker   *ingest.Worker
	backfillWorker *backfill.Worker
	fetcher        *backfill.Fetcher
	driver         *syncdriver.Driver
	dequeuer       core.JobDequeuer
}

type Option func(*serviceOptions)

type serviceOptions struct {
	logger         core.Logger
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
	client         *persistence.Client
	upstream       core.UpstreamClient
	checkpoints    core.CheckpointStore
	configProvider core.ConfigProvider
	enqueuer       core.JobEnqueuer
	dequeuer       core.JobDequeuer
	workerHook     core.JobWorkerHook
}

func WithLogger(logger core.Logger) Option {
	return func(o *serviceOptions) { o.logger = logger }
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(o *serviceOptions) { o.loggerProvider = provider }
}

func WithMetrics(metrics core.MetricsRecorder) Option {
	return func(o *serviceOptions) { o.metrics = metrics }
}

// WithPersistenceClient injects an already migrated client; the service then
// neither migrates nor closes it.
func WithPersistenceClient(client *persistence.Client) Option {
	return func(o *serviceOptions) { o.client = client }
}

func WithUpstreamClient(client core.UpstreamClient) Option {
	return func(o *serviceOptions) { o.upstream = client }
}

func WithCheckpointStore(store core.CheckpointStore) Option {
	return func(o *serviceOptions) { o.checkpoints = store }
}

// WithConfigProvider replaces the environment-backed configuration source
// Setup resolves the runtime config against.
func WithConfigProvider(provider core.ConfigProvider) Option {
	return func(o *serviceOptions) { o.configProvider = provider }
}

// WithJobEnqueuer announces accepted webhook events on a durable queue.
// Pair it with adapters/gojob to back the queue with go-job.
func WithJobEnqueuer(enqueuer core.JobEnqueuer) Option {
	return func(o *serviceOptions) { o.enqueuer = enqueuer }
}

// WithJobDequeuer switches the ingest worker from the poll ticker to queue
// consumption.
func WithJobDequeuer(dequeuer core.JobDequeuer) Option {
	return func(o *serviceOptions) { o.dequeuer = dequeuer }
}

// WithJobWorkerHook observes dispatch delivery lifecycle when queue
// consumption is enabled.
func WithJobWorkerHook(hook core.JobWorkerHook) Option {
	return func(o *serviceOptions) { o.workerHook = hook }
}

// Setup resolves configuration, opens and migrates the database, and builds
// every pipeline component. The passed config is the runtime layer: it is
// merged over values from the config provider (the environment by default)
// over built-in defaults, then validated. Missing credentials fail here,
// before any worker starts.
func Setup(ctx context.Context, cfg core.Config, opts ...Option) (*Service, error) {
	options := serviceOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	cfg, err := core.ResolveConfig(ctx, options.configProvider, core.GoOptionsResolver{}, cfg)
	if err != nil {
		return nil, err
	}

	_, logger := gologger.Resolve(cfg.ServiceName, options.loggerProvider, options.logger)
	metrics := options.metrics
	if metrics == nil {
		metrics = core.NopMetricsRecorder{}
	}

	client := options.client
	ownsDB := false
	if client == nil {
		built, err := openPersistence(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		client = built
		ownsDB = true
	}

	stores, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		if ownsDB {
			_ = client.Close()
		}
		return nil, err
	}

	checkpoints := options.checkpoints
	if checkpoints == nil {
		if dir := strings.TrimSpace(cfg.CheckpointDir); dir != "" {
			fileStore, err := checkpoint.NewFileStore(dir)
			if err != nil {
				if ownsDB {
					_ = client.Close()
				}
				return nil, err
			}
			checkpoints = fileStore
		} else {
			checkpoints = stores.CheckpointStore()
		}
	}

	upstreamClient := options.upstream
	if upstreamClient == nil {
		built, err := upstream.NewClient(upstream.ClientConfig{
			BaseURL:  cfg.Upstream.BaseURL,
			APIKey:   cfg.Upstream.APIKey,
			PageSize: cfg.Upstream.PageSize,
			Timeout:  cfg.Upstream.Timeout,
		}, upstream.WithClientLogger(logger))
		if err != nil {
			if ownsDB {
				_ = client.Close()
			}
			return nil, err
		}
		upstreamClient = built
	}

	receiver, err := webhooks.NewReceiver(stores.EventStore(), webhooks.ReceiverConfig{
		Secret:          cfg.Webhook.Secret,
		RequireSecret:   cfg.Webhook.RequireSecret,
		SignatureHeader: cfg.Webhook.SignatureHdr,
	},
		webhooks.WithReceiverLogger(logger),
		webhooks.WithReceiverMetrics(metrics),
		webhooks.WithReceiverEnqueuer(options.enqueuer),
	)
	if err != nil {
		if ownsDB {
			_ = client.Close()
		}
		return nil, err
	}

	workerHook := options.workerHook
	if workerHook == nil && options.dequeuer != nil {
		workerHook = gologger.NewDispatchHook(logger)
	}

	ingestWorker, err := ingest.NewWorker(stores.EventStore(), stores.EntityWriter(), ingest.WorkerConfig{
		BatchSize:    cfg.Ingest.BatchSize,
		PollInterval: cfg.Ingest.PollInterval,
	},
		ingest.WithWorkerLogger(logger),
		ingest.WithWorkerMetrics(metrics),
		ingest.WithWorkerWake(receiver.Wake()),
		ingest.WithWorkerHook(workerHook),
	)
	if err != nil {
		if ownsDB {
			_ = client.Close()
		}
		return nil, err
	}

	fetcher, err := backfill.NewFetcher(upstreamClient, stores.StagingStore(), checkpoints, backfill.FetcherConfig{
		PageSize:       cfg.Backfill.PageSize,
		MaxPages:       cfg.Backfill.MaxPages,
		MaxRetries:     cfg.Backfill.MaxRetries,
		InitialBackoff: cfg.Backfill.InitialBackoff,
		MaxBackoff:     cfg.Backfill.MaxBackoff,
		PagePause:      cfg.Backfill.PagePause,
	}, backfill.WithFetcherLogger(logger), backfill.WithFetcherMetrics(metrics))
	if err != nil {
		if ownsDB {
			_ = client.Close()
		}
		return nil, err
	}

	backfillWorker, err := backfill.NewWorker(stores.StagingStore(), stores.EntityWriter(), backfill.WorkerConfig{
		PollInterval: cfg.Ingest.PollInterval,
	}, backfill.WithWorkerLogger(logger), backfill.WithWorkerMetrics(metrics))
	if err != nil {
		if ownsDB {
			_ = client.Close()
		}
		return nil, err
	}

	driver, err := syncdriver.NewDriver(upstreamClient, checkpoints, stores.EntityWriter(), syncdriver.DriverConfig{
		Interval: cfg.Sync.Interval,
		Overlap:  cfg.Sync.Overlap,
		PageSize: cfg.Upstream.PageSize,
		Entities: cfg.Sync.Entities,
	}, syncdriver.WithDriverLogger(logger), syncdriver.WithDriverMetrics(metrics))
	if err != nil {
		if ownsDB {
			_ = client.Close()
		}
		return nil, err
	}

	return &Service{
		cfg:            cfg,
		client:         client,
		ownsDB:         ownsDB,
		stores:         stores,
		logger:         logger,
		metrics:        metrics,
		checkpoints:    checkpoints,
		upstream:       upstreamClient,
		receiver:       receiver,
		ingestWorker:   ingestWorker,
		backfillWorker: backfillWorker,
		fetcher:        fetcher,
		driver:         driver,
		dequeuer:       options.dequeuer,
	}, nil
}

// Config reports the resolved effective configuration.
func (s *Service) Config() core.Config {
	if s == nil {
		return core.Config{}
	}
	return s.cfg
}

func openPersistence(ctx context.Context, cfg core.DatabaseConfig) (*persistence.Client, error) {
	driver := strings.TrimSpace(strings.ToLower(cfg.Driver))
	if driver == "" {
		driver = "sqlite3"
	}
	server := strings.TrimSpace(cfg.Server)
	if server == "" {
		return nil, core.ErrMissingConfig("database.server")
	}

	var dialect schema.Dialect
	switch driver {
	case "postgres", "pg", "postgresql":
		driver = "postgres"
		dialect = pgdialect.New()
	case "sqlite", "sqlite3":
		driver = "sqlite3"
		dialect = sqlitedialect.New()
	default:
		return nil, fmt.Errorf("billingsync: unsupported database driver %q", cfg.Driver)
	}

	sqlDB, err := sql.Open(driver, server)
	if err != nil {
		return nil, fmt.Errorf("billingsync: open database: %w", err)
	}
	if driver == "sqlite3" {
		sqlDB.SetMaxOpenConns(1)
	}

	client, err := persistence.New(cfg, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	base, err := fs.Sub(GetMigrationsFS(), "data/sql/migrations")
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("billingsync: resolve migrations: %w", err)
	}
	if driver == "sqlite3" {
		sqliteFS, err := fs.Sub(base, "sqlite")
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("billingsync: resolve sqlite migrations: %w", err)
		}
		client.RegisterSQLMigrations(sqliteFS)
	} else {
		client.RegisterSQLMigrations(base)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Close releases the database only when the service opened it.
func (s *Service) Close() error {
	if s == nil || s.client == nil || !s.ownsDB {
		return nil
	}
	return s.client.Close()
}

// Receiver exposes the HTTP intake handler for mounting on a router.
func (s *Service) Receiver() *webhooks.Receiver {
	if s == nil {
		return nil
	}
	return s.receiver
}

func (s *Service) Stores() core.StoreProvider {
	if s == nil {
		return nil
	}
	return s.stores
}

// Run drives the background loops until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("billingsync: service is not configured")
	}
	errs := make(chan error, 3)
	if s.dequeuer != nil {
		go func() { errs <- s.ingestWorker.RunQueue(ctx, s.dequeuer) }()
	} else {
		go func() { errs <- s.ingestWorker.Run(ctx) }()
	}
	go func() { errs <- s.backfillWorker.Run(ctx) }()
	go func() { errs <- s.driver.Run(ctx) }()

	var runErr error
	for i := 0; i < 3; i++ {
		if err := <-errs; err != nil && err != context.Canceled && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// RequeueEvent returns one failed event to the pending queue.
func (s *Service) RequeueEvent(ctx context.Context, eventID string) error {
	return s.stores.EventStats().Requeue(ctx, eventID)
}

// ReleaseStuckEvents recovers processing rows abandoned by crashed workers.
func (s *Service) ReleaseStuckEvents(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.stores.EventStats().ReleaseStuck(ctx, olderThan)
}

// StartBackfill runs backfill for the given entities, or all tracked
// entities when none are named.
func (s *Service) StartBackfill(ctx context.Context, entities []string) ([]backfill.RunStats, error) {
	return s.fetcher.RunAll(ctx, entities)
}

// RunSync runs one incremental cycle for the given entities, or the
// configured set when none are named.
func (s *Service) RunSync(ctx context.Context, entities []string) ([]syncdriver.CycleStats, error) {
	if len(entities) == 0 {
		return s.driver.RunOnce(ctx)
	}
	results := make([]syncdriver.CycleStats, 0, len(entities))
	var runErr error
	for _, entity := range entities {
		stats, err := s.driver.RunCycle(ctx, entity)
		results = append(results, stats)
		if err != nil && runErr == nil {
			runErr = err
		}
	}
	return results, runErr
}

func (s *Service) Get(ctx context.Context, id string) (core.WebhookEvent, error) {
	return s.stores.EventStats().Get(ctx, id)
}

func (s *Service) ListByStatus(ctx context.Context, status string, limit int) ([]core.WebhookEvent, error) {
	return s.stores.EventStats().ListByStatus(ctx, status, limit)
}

func (s *Service) GetCheckpoint(ctx context.Context, entity string) (core.CheckpointRecord, bool, error) {
	return s.checkpoints.Get(ctx, entity)
}

func (s *Service) PipelineStats(ctx context.Context) (query.PipelineStats, error) {
	events, err := s.stores.EventStats().CountByStatus(ctx)
	if err != nil {
		return query.PipelineStats{}, err
	}
	pending, err := s.stores.StagingStats().PendingCount(ctx)
	if err != nil {
		return query.PipelineStats{}, err
	}
	return query.PipelineStats{Events: events, PendingBatches: pending}, nil
}
