package config

import (
	"strings"
	"testing"
	"time"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "custom")
	t.Setenv("TEST_BOOL", "1")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty")
	t.Setenv("TEST_FLOAT", "0.25")
	t.Setenv("TEST_DURATION", "1500ms")
	t.Setenv("TEST_BAD_DURATION", "soon")

	if got := getEnv("TEST_STR", "default"); got != "custom" {
		t.Errorf("getEnv() = %v, want custom", got)
	}
	if got := getEnv("TEST_STR_UNSET", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want default", got)
	}
	if got := getEnvBool("TEST_BOOL", false); !got {
		t.Error("getEnvBool() = false, want true")
	}
	if got := getEnvInt("TEST_INT", 0); got != 42 {
		t.Errorf("getEnvInt() = %v, want 42", got)
	}
	if got := getEnvInt("TEST_BAD_INT", 7); got != 7 {
		t.Errorf("getEnvInt() with invalid value = %v, want default 7", got)
	}
	if got := getEnvFloat("TEST_FLOAT", 1); got != 0.25 {
		t.Errorf("getEnvFloat() = %v, want 0.25", got)
	}
	if got := getEnvDuration("TEST_DURATION", 0); got != 1500*time.Millisecond {
		t.Errorf("getEnvDuration() = %v, want 1.5s", got)
	}
	if got := getEnvDuration("TEST_BAD_DURATION", time.Second); got != time.Second {
		t.Errorf("getEnvDuration() with invalid value = %v, want default", got)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %v, want 8080", cfg.Server.Port)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("Storage.Type = %v, want memory", cfg.Storage.Type)
	}
	if cfg.Catalog.Source != "file" || cfg.Catalog.Path != "plans.yaml" {
		t.Errorf("Catalog = %+v", cfg.Catalog)
	}
	if cfg.Billing.Gateway != "local" {
		t.Errorf("Billing.Gateway = %v, want local", cfg.Billing.Gateway)
	}
	if cfg.Usage.AlertTimeout != 2*time.Second {
		t.Errorf("Usage.AlertTimeout = %v, want 2s", cfg.Usage.AlertTimeout)
	}
	if cfg.Reconcile.LockTimeout != 10*time.Second {
		t.Errorf("Reconcile.LockTimeout = %v, want 10s", cfg.Reconcile.LockTimeout)
	}
	if cfg.Scheduler.RolloverSchedule != "@every 1m" {
		t.Errorf("Scheduler.RolloverSchedule = %v", cfg.Scheduler.RolloverSchedule)
	}
	if cfg.Tasks.Queue.Retry.MaxAttempts != 5 {
		t.Errorf("Tasks.Queue.Retry.MaxAttempts = %v, want 5", cfg.Tasks.Queue.Retry.MaxAttempts)
	}
	if cfg.Observability.LogLevel != "info" || cfg.Observability.LogFormat != "json" {
		t.Errorf("Observability = %+v", cfg.Observability)
	}
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("APPGRANT_PORT", "9000")
	t.Setenv("APPGRANT_STORAGE_TYPE", "postgres")
	t.Setenv("APPGRANT_POSTGRES_URL", "postgres://localhost/appgrant")
	t.Setenv("APPGRANT_POSTGRES_REPLICA_URLS", "postgres://r1/appgrant,postgres://r2/appgrant")
	t.Setenv("APPGRANT_REDIS_URL", "redis://localhost:6379")
	t.Setenv("APPGRANT_USAGE_BACKEND", "redis")
	t.Setenv("APPGRANT_LOCK_BACKEND", "redis")
	t.Setenv("APPGRANT_CATALOG_SOURCE", "postgres")
	t.Setenv("APPGRANT_PAYMENT_GATEWAY", "stripe")
	t.Setenv("APPGRANT_STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("APPGRANT_STRIPE_WEBHOOK_SECRET", "whsec_123")
	t.Setenv("APPGRANT_DEAD_LETTER", "s3")
	t.Setenv("APPGRANT_S3_BUCKET", "appgrant-dead-letters")
	t.Setenv("APPGRANT_LOCK_TIMEOUT", "3s")
	t.Setenv("APPGRANT_TASK_WORKERS", "8")
	t.Setenv("APPGRANT_ASYNC_INGEST", "true")
	t.Setenv("APPGRANT_ROLLOVER_SCHEDULE", "@every 30s")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Server.Port != "9000" {
		t.Errorf("Server.Port = %v", cfg.Server.Port)
	}
	if len(cfg.Storage.PostgresReplicaURLs) != 2 {
		t.Errorf("PostgresReplicaURLs = %v", cfg.Storage.PostgresReplicaURLs)
	}
	if cfg.Reconcile.LockTimeout != 3*time.Second || cfg.Subscriptions.LockTimeout != 3*time.Second {
		t.Errorf("lock timeouts = %v / %v", cfg.Reconcile.LockTimeout, cfg.Subscriptions.LockTimeout)
	}
	if cfg.Tasks.Queue.Workers != 8 || !cfg.Tasks.AsyncIngest {
		t.Errorf("Tasks = %+v", cfg.Tasks)
	}
	if cfg.Scheduler.RolloverSchedule != "@every 30s" {
		t.Errorf("RolloverSchedule = %v", cfg.Scheduler.RolloverSchedule)
	}
	if cfg.Billing.StripeWebhookSecret != "whsec_123" {
		t.Errorf("StripeWebhookSecret = %v", cfg.Billing.StripeWebhookSecret)
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"missing port", func(c *Config) { c.Server.Port = "" }, "server port"},
		{"unknown storage", func(c *Config) { c.Storage.Type = "sqlite" }, "invalid storage type"},
		{"postgres without url", func(c *Config) { c.Storage.Type = "postgres" }, "postgres URL"},
		{"redis usage without url", func(c *Config) { c.Usage.Backend = "redis" }, "redis URL"},
		{"postgres usage on memory storage", func(c *Config) { c.Usage.Backend = "postgres" }, "postgres usage counters"},
		{"unknown lock backend", func(c *Config) { c.Lock.Backend = "zookeeper" }, "invalid lock backend"},
		{"postgres catalog on memory storage", func(c *Config) { c.Catalog.Source = "postgres" }, "postgres catalog"},
		{"file catalog without path", func(c *Config) { c.Catalog.Path = "" }, "catalog path"},
		{"stripe without key", func(c *Config) { c.Billing.Gateway = "stripe" }, "stripe secret key"},
		{"unknown gateway", func(c *Config) { c.Billing.Gateway = "paypal" }, "invalid payment gateway"},
		{"s3 dead letters without bucket", func(c *Config) { c.Tasks.DeadLetter = "s3" }, "S3 bucket"},
		{"bad log level", func(c *Config) { c.Observability.LogLevel = "loud" }, "invalid log level"},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = ""
		}, "OpenTelemetry endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestCacheConfig_ToCache(t *testing.T) {
	cfg := CacheConfig{MaxEntries: 50, DefaultTTL: time.Second}.ToCache()
	if cfg.MaxEntries != 50 || cfg.DefaultTTL != time.Second {
		t.Errorf("ToCache() = %+v", cfg)
	}
	if len(cfg.TTL) == 0 {
		t.Error("per-entity TTLs dropped")
	}
}
