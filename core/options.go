package core

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	opts "github.com/goliatone/go-options"
)

type ErrorMapper func(err error) *goerrors.Error

// DefaultErrorMapper wraps arbitrary errors in the billing error envelope.
func DefaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return billingErrorMapper(err)
}

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

// Load builds a Config from the raw loader over the given defaults. The
// result is not validated here: runtime overrides may still fill required
// fields, so validation happens once in the resolver.
func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// EnvConfigLoader reads BILLING_* variables exactly once; components receive
// the resulting immutable Config instead of consulting the environment per
// call.
type EnvConfigLoader struct {
	Lookup func(key string) (string, bool)
}

func NewEnvConfigLoader() *EnvConfigLoader {
	return &EnvConfigLoader{Lookup: os.LookupEnv}
}

func (l *EnvConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	lookup := os.LookupEnv
	if l != nil && l.Lookup != nil {
		lookup = l.Lookup
	}

	raw := map[string]any{}
	setString := func(key string, path ...string) {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			setNested(raw, strings.TrimSpace(value), path...)
		}
	}
	setBool := func(key string, path ...string) {
		if value, ok := lookup(key); ok {
			if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
				setNested(raw, parsed, path...)
			}
		}
	}
	setInt := func(key string, path ...string) {
		if value, ok := lookup(key); ok {
			if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
				setNested(raw, parsed, path...)
			}
		}
	}
	setDuration := func(key string, path ...string) {
		if value, ok := lookup(key); ok {
			if parsed, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
				setNested(raw, parsed.String(), path...)
			}
		}
	}

	setString("BILLING_SERVICE_NAME", "service_name")
	setString("BILLING_CHECKPOINT_DIR", "checkpoint_dir")
	setString("BILLING_DB_DRIVER", "database", "driver")
	setString("BILLING_DB_SERVER", "database", "server")
	setBool("BILLING_DB_DEBUG", "database", "debug")
	setString("BILLING_UPSTREAM_BASE_URL", "upstream", "base_url")
	setString("BILLING_UPSTREAM_API_KEY", "upstream", "api_key")
	setInt("BILLING_UPSTREAM_PAGE_SIZE", "upstream", "page_size")
	setDuration("BILLING_UPSTREAM_TIMEOUT", "upstream", "timeout")
	setString("BILLING_WEBHOOK_SECRET", "webhook", "secret")
	setBool("BILLING_WEBHOOK_REQUIRE_SECRET", "webhook", "require_secret")
	setInt("BILLING_BACKFILL_PAGE_SIZE", "backfill", "page_size")
	setInt("BILLING_BACKFILL_MAX_PAGES", "backfill", "max_pages")
	setInt("BILLING_BACKFILL_MAX_RETRIES", "backfill", "max_retries")
	setDuration("BILLING_BACKFILL_PAGE_PAUSE", "backfill", "page_pause")
	setDuration("BILLING_SYNC_INTERVAL", "sync", "interval")
	setDuration("BILLING_SYNC_OVERLAP", "sync", "overlap")
	setInt("BILLING_INGEST_BATCH_SIZE", "ingest", "batch_size")
	setDuration("BILLING_INGEST_POLL_INTERVAL", "ingest", "poll_interval")

	if value, ok := lookup("BILLING_SYNC_ENTITIES"); ok && strings.TrimSpace(value) != "" {
		parts := strings.Split(value, ",")
		entities := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(strings.ToLower(part)); trimmed != "" {
				entities = append(entities, trimmed)
			}
		}
		if len(entities) > 0 {
			setNested(raw, entities, "sync", "entities")
		}
	}

	return raw, nil
}

func setNested(raw map[string]any, value any, path ...string) {
	if len(path) == 0 {
		return
	}
	current := raw
	for _, key := range path[:len(path)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[key] = next
		}
		current = next
	}
	current[path[len(path)-1]] = value
}

// ResolveConfig produces the effective configuration with precedence
// defaults < provider-loaded < runtime. A nil provider falls back to the
// BILLING_* environment; a nil resolver uses the go-options stack. The
// result is validated exactly once, after all layers merge.
func ResolveConfig(ctx context.Context, provider ConfigProvider, resolver OptionsResolver, runtime Config) (Config, error) {
	if provider == nil {
		provider = NewCfgxConfigProvider(NewEnvConfigLoader())
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	defaults := DefaultConfig()
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	return resolver.Resolve(defaults, loaded, runtime)
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// configToLayerMap flattens a Config into one layer of the options stack.
// The defaults layer carries every key; override layers carry only set
// fields so a zero value never clobbers a lower layer.
func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}
	if includeZero || strings.TrimSpace(cfg.CheckpointDir) != "" {
		layer["checkpoint_dir"] = cfg.CheckpointDir
	}

	database := map[string]any{}
	setLayerString(database, "driver", cfg.Database.Driver, includeZero)
	setLayerString(database, "server", cfg.Database.Server, includeZero)
	if includeZero || cfg.Database.Debug {
		database["debug"] = cfg.Database.Debug
	}
	setLayerDuration(database, "ping_timeout", cfg.Database.PingTimeout, includeZero)
	if len(database) > 0 {
		layer["database"] = database
	}

	upstream := map[string]any{}
	setLayerString(upstream, "base_url", cfg.Upstream.BaseURL, includeZero)
	setLayerString(upstream, "api_key", cfg.Upstream.APIKey, includeZero)
	setLayerInt(upstream, "page_size", cfg.Upstream.PageSize, includeZero)
	setLayerDuration(upstream, "timeout", cfg.Upstream.Timeout, includeZero)
	if len(upstream) > 0 {
		layer["upstream"] = upstream
	}

	webhook := map[string]any{}
	setLayerString(webhook, "secret", cfg.Webhook.Secret, includeZero)
	if includeZero || cfg.Webhook.RequireSecret {
		webhook["require_secret"] = cfg.Webhook.RequireSecret
	}
	setLayerString(webhook, "signature_header", cfg.Webhook.SignatureHdr, includeZero)
	if len(webhook) > 0 {
		layer["webhook"] = webhook
	}

	backfill := map[string]any{}
	setLayerInt(backfill, "page_size", cfg.Backfill.PageSize, includeZero)
	setLayerInt(backfill, "max_pages", cfg.Backfill.MaxPages, includeZero)
	setLayerInt(backfill, "max_retries", cfg.Backfill.MaxRetries, includeZero)
	setLayerDuration(backfill, "initial_backoff", cfg.Backfill.InitialBackoff, includeZero)
	setLayerDuration(backfill, "max_backoff", cfg.Backfill.MaxBackoff, includeZero)
	setLayerDuration(backfill, "page_pause", cfg.Backfill.PagePause, includeZero)
	if len(backfill) > 0 {
		layer["backfill"] = backfill
	}

	syncLayer := map[string]any{}
	setLayerDuration(syncLayer, "interval", cfg.Sync.Interval, includeZero)
	setLayerDuration(syncLayer, "overlap", cfg.Sync.Overlap, includeZero)
	if includeZero || len(cfg.Sync.Entities) > 0 {
		syncLayer["entities"] = append([]string(nil), cfg.Sync.Entities...)
	}
	if len(syncLayer) > 0 {
		layer["sync"] = syncLayer
	}

	ingest := map[string]any{}
	setLayerInt(ingest, "batch_size", cfg.Ingest.BatchSize, includeZero)
	setLayerDuration(ingest, "poll_interval", cfg.Ingest.PollInterval, includeZero)
	if len(ingest) > 0 {
		layer["ingest"] = ingest
	}
	return layer
}

func setLayerString(layer map[string]any, key string, value string, includeZero bool) {
	if includeZero || strings.TrimSpace(value) != "" {
		layer[key] = value
	}
}

func setLayerInt(layer map[string]any, key string, value int, includeZero bool) {
	if includeZero || value != 0 {
		layer[key] = value
	}
}

func setLayerDuration(layer map[string]any, key string, value time.Duration, includeZero bool) {
	if includeZero || value != 0 {
		layer[key] = value
	}
}
