package core

import (
	"testing"
	"time"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Upstream.BaseURL = "https://billing.example.com/api"
	cfg.Upstream.APIKey = "key"
	cfg.Webhook.Secret = "topsecret"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ServiceName != "billing-sync" {
		t.Fatalf("unexpected service name %q", cfg.ServiceName)
	}
	if !cfg.Webhook.RequireSecret {
		t.Fatalf("secret must be required by default")
	}
	if cfg.Webhook.SignatureHdr != "X-Billing-Signature" {
		t.Fatalf("unexpected signature header %q", cfg.Webhook.SignatureHdr)
	}
	if cfg.Backfill.PageSize != 100 || cfg.Backfill.MaxRetries != 5 {
		t.Fatalf("unexpected backfill defaults: %+v", cfg.Backfill)
	}
	if cfg.Sync.Interval != 5*time.Minute || cfg.Sync.Overlap != time.Minute {
		t.Fatalf("unexpected sync defaults: %+v", cfg.Sync)
	}
	if len(cfg.Sync.Entities) != len(TrackedEntities()) {
		t.Fatalf("sync must default to every tracked entity")
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateMissingUpstream(t *testing.T) {
	cfg := validConfig()
	cfg.Upstream.BaseURL = ""
	err := cfg.Validate()
	if err == nil || !IsMissingConfig(err) {
		t.Fatalf("expected missing config error, got %v", err)
	}

	cfg = validConfig()
	cfg.Upstream.APIKey = "  "
	if err := cfg.Validate(); !IsMissingConfig(err) {
		t.Fatalf("expected missing config error, got %v", err)
	}
}

func TestValidateWebhookSecret(t *testing.T) {
	cfg := validConfig()
	cfg.Webhook.Secret = ""
	if err := cfg.Validate(); !IsMissingConfig(err) {
		t.Fatalf("expected missing config error, got %v", err)
	}

	cfg.Webhook.RequireSecret = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled requirement must pass, got %v", err)
	}
}

func TestValidateUnknownSyncEntity(t *testing.T) {
	cfg := validConfig()
	cfg.Sync.Entities = append(cfg.Sync.Entities, "ledger")
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected error for unknown entity")
	}
	if IsMissingConfig(err) {
		t.Fatalf("unknown entity is a validation error, not missing config")
	}
}

func TestDatabaseConfigPingTimeout(t *testing.T) {
	var db DatabaseConfig
	if db.GetPingTimeout() != time.Second {
		t.Fatalf("expected one second floor, got %v", db.GetPingTimeout())
	}
	db.PingTimeout = 3 * time.Second
	if db.GetPingTimeout() != 3*time.Second {
		t.Fatalf("expected configured timeout, got %v", db.GetPingTimeout())
	}
}
