package core

import (
	"fmt"
	"strings"
	"time"
)

type DatabaseConfig struct {
	Driver      string        `koanf:"driver" mapstructure:"driver"`
	Server      string        `koanf:"server" mapstructure:"server"`
	Debug       bool          `koanf:"debug" mapstructure:"debug"`
	PingTimeout time.Duration `koanf:"ping_timeout" mapstructure:"ping_timeout"`
}

func (c DatabaseConfig) GetDebug() bool { return c.Debug }

func (c DatabaseConfig) GetDriver() string { return c.Driver }

func (c DatabaseConfig) GetServer() string { return c.Server }

func (c DatabaseConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return time.Second
	}
	return c.PingTimeout
}

func (c DatabaseConfig) GetOtelIdentifier() string { return "go-billing-sync" }

type UpstreamConfig struct {
	BaseURL  string        `koanf:"base_url" mapstructure:"base_url"`
	APIKey   string        `koanf:"api_key" mapstructure:"api_key"`
	PageSize int           `koanf:"page_size" mapstructure:"page_size"`
	Timeout  time.Duration `koanf:"timeout" mapstructure:"timeout"`
}

type WebhookConfig struct {
	Secret string `koanf:"secret" mapstructure:"secret"`
	// RequireSecret rejects startup without a configured secret. Only the
	// local profile should disable it.
	RequireSecret bool   `koanf:"require_secret" mapstructure:"require_secret"`
	SignatureHdr  string `koanf:"signature_header" mapstructure:"signature_header"`
}

type BackfillConfig struct {
	PageSize       int           `koanf:"page_size" mapstructure:"page_size"`
	MaxPages       int           `koanf:"max_pages" mapstructure:"max_pages"`
	MaxRetries     int           `koanf:"max_retries" mapstructure:"max_retries"`
	InitialBackoff time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" mapstructure:"max_backoff"`
	PagePause      time.Duration `koanf:"page_pause" mapstructure:"page_pause"`
}

type SyncConfig struct {
	Interval time.Duration `koanf:"interval" mapstructure:"interval"`
	Overlap  time.Duration `koanf:"overlap" mapstructure:"overlap"`
	Entities []string      `koanf:"entities" mapstructure:"entities"`
}

type IngestConfig struct {
	BatchSize    int           `koanf:"batch_size" mapstructure:"batch_size"`
	PollInterval time.Duration `koanf:"poll_interval" mapstructure:"poll_interval"`
}

type Config struct {
	ServiceName   string         `koanf:"service_name" mapstructure:"service_name"`
	CheckpointDir string         `koanf:"checkpoint_dir" mapstructure:"checkpoint_dir"`
	Database      DatabaseConfig `koanf:"database" mapstructure:"database"`
	Upstream      UpstreamConfig `koanf:"upstream" mapstructure:"upstream"`
	Webhook       WebhookConfig  `koanf:"webhook" mapstructure:"webhook"`
	Backfill      BackfillConfig `koanf:"backfill" mapstructure:"backfill"`
	Sync          SyncConfig     `koanf:"sync" mapstructure:"sync"`
	Ingest        IngestConfig   `koanf:"ingest" mapstructure:"ingest"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "billing-sync",
		Webhook: WebhookConfig{
			RequireSecret: true,
			SignatureHdr:  "X-Billing-Signature",
		},
		Upstream: UpstreamConfig{
			PageSize: 100,
			Timeout:  30 * time.Second,
		},
		Backfill: BackfillConfig{
			PageSize:       100,
			MaxPages:       10000,
			MaxRetries:     5,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     time.Minute,
			PagePause:      250 * time.Millisecond,
		},
		Sync: SyncConfig{
			Interval: 5 * time.Minute,
			Overlap:  time.Minute,
			Entities: TrackedEntities(),
		},
		Ingest: IngestConfig{
			BatchSize:    50,
			PollInterval: 2 * time.Second,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		return ErrMissingConfig("core: upstream.base_url is required")
	}
	if strings.TrimSpace(c.Upstream.APIKey) == "" {
		return ErrMissingConfig("core: upstream.api_key is required")
	}
	if c.Webhook.RequireSecret && strings.TrimSpace(c.Webhook.Secret) == "" {
		return ErrMissingConfig("core: webhook.secret is required unless webhook.require_secret is disabled")
	}
	for _, entity := range c.Sync.Entities {
		if !IsTrackedEntity(entity) {
			return fmt.Errorf("core: unknown sync entity %q", entity)
		}
	}
	return nil
}
