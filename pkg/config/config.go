package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/appgrant/pkg/cache"
	"github.com/platinummonkey/appgrant/pkg/reconcile"
	"github.com/platinummonkey/appgrant/pkg/scheduler"
	"github.com/platinummonkey/appgrant/pkg/storage"
	"github.com/platinummonkey/appgrant/pkg/storage/postgres"
	"github.com/platinummonkey/appgrant/pkg/subscriptions"
	"github.com/platinummonkey/appgrant/pkg/tasks"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Cache         CacheConfig
	Catalog       CatalogConfig
	Billing       BillingConfig
	Usage         UsageConfig
	Lock          LockConfig
	Reconcile     reconcile.Config
	Subscriptions subscriptions.Config
	Tasks         TasksConfig
	Notify        NotifyConfig
	Scheduler     scheduler.Config
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// InternalToken guards /internal routes. Empty disables the check.
	InternalToken string
	// RateLimitPerMinute bounds /v1 requests per tenant. Zero disables it.
	RateLimitPerMinute int
	RateLimitBurst     int
}

// CacheConfig selects the entitlement and plan cache tiers.
type CacheConfig struct {
	// Redis adds a shared second tier when a Redis URL is configured.
	Redis      bool
	MaxEntries int
	DefaultTTL time.Duration
}

// ToCache converts to a cache.Config, keeping the per-entity TTLs.
func (c CacheConfig) ToCache() cache.Config {
	cfg := cache.DefaultConfig()
	if c.MaxEntries > 0 {
		cfg.MaxEntries = c.MaxEntries
	}
	if c.DefaultTTL > 0 {
		cfg.DefaultTTL = c.DefaultTTL
	}
	return cfg
}

// CatalogConfig selects where plans are read from.
type CatalogConfig struct {
	Source string // "file" or "postgres"
	Path   string
	Watch  bool
}

// BillingConfig selects the payment gateway.
type BillingConfig struct {
	Gateway             string // "local" or "stripe"
	StripeSecretKey     string
	StripeWebhookSecret string
	GatewayTimeout      time.Duration
}

// UsageConfig selects the counter backend.
type UsageConfig struct {
	Backend string // "memory", "redis" or "postgres"
	// AlertTimeout bounds delivery of one threshold alert.
	AlertTimeout time.Duration
}

// LockConfig selects the per-subscription locker.
type LockConfig struct {
	Backend string // "local" or "redis"
	TTL     time.Duration
}

// TasksConfig configures the background queue and its dead-letter sink.
type TasksConfig struct {
	Queue      tasks.Config
	DeadLetter string // "memory" or "s3"
	// AsyncIngest acknowledges processor webhooks once queued.
	AsyncIngest bool
}

// NotifyConfig configures outbound notifications.
type NotifyConfig struct {
	EndpointsFile string
	Timeout       time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Cache:         loadCacheConfig(),
		Catalog:       loadCatalogConfig(),
		Billing:       loadBillingConfig(),
		Usage:         loadUsageConfig(),
		Lock:          loadLockConfig(),
		Reconcile:     loadReconcileConfig(),
		Subscriptions: loadSubscriptionsConfig(),
		Tasks:         loadTasksConfig(),
		Notify:        loadNotifyConfig(),
		Scheduler:     loadSchedulerConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("APPGRANT_HOST", "0.0.0.0"),
		Port:            getEnv("APPGRANT_PORT", "8080"),
		ReadTimeout:     getEnvDuration("APPGRANT_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("APPGRANT_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("APPGRANT_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("APPGRANT_SHUTDOWN_TIMEOUT", 30*time.Second),
		InternalToken:   getEnv("APPGRANT_INTERNAL_TOKEN", ""),

		RateLimitPerMinute: getEnvInt("APPGRANT_RATE_LIMIT_PER_MINUTE", 600),
		RateLimitBurst:     getEnvInt("APPGRANT_RATE_LIMIT_BURST", 60),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	cfg.Type = getEnv("APPGRANT_STORAGE_TYPE", cfg.Type)

	cfg.PostgresURL = getEnv("APPGRANT_POSTGRES_URL", cfg.PostgresURL)
	cfg.PostgresReplicaURLs = postgres.ParseReplicaURLs(getEnv("APPGRANT_POSTGRES_REPLICA_URLS", ""))
	if maxConns := getEnvInt("APPGRANT_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("APPGRANT_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	cfg.PostgresTimeout = getEnvDuration("APPGRANT_POSTGRES_TIMEOUT", cfg.PostgresTimeout)

	cfg.RedisURL = getEnv("APPGRANT_REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("APPGRANT_REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("APPGRANT_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if retries := getEnvInt("APPGRANT_REDIS_MAX_RETRIES", 0); retries > 0 {
		cfg.RedisMaxRetries = retries
	}
	if pool := getEnvInt("APPGRANT_REDIS_POOL_SIZE", 0); pool > 0 {
		cfg.RedisPoolSize = pool
	}

	cfg.S3Endpoint = getEnv("APPGRANT_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = getEnv("APPGRANT_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("APPGRANT_S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = getEnv("APPGRANT_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("APPGRANT_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3UsePathStyle = getEnvBool("APPGRANT_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)

	return cfg
}

func loadCacheConfig() CacheConfig {
	return CacheConfig{
		Redis:      getEnvBool("APPGRANT_CACHE_REDIS", true),
		MaxEntries: getEnvInt("APPGRANT_CACHE_MAX_ENTRIES", 0),
		DefaultTTL: getEnvDuration("APPGRANT_CACHE_TTL", 0),
	}
}

func loadCatalogConfig() CatalogConfig {
	return CatalogConfig{
		Source: getEnv("APPGRANT_CATALOG_SOURCE", "file"),
		Path:   getEnv("APPGRANT_CATALOG_PATH", "plans.yaml"),
		Watch:  getEnvBool("APPGRANT_CATALOG_WATCH", true),
	}
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		Gateway:             getEnv("APPGRANT_PAYMENT_GATEWAY", "local"),
		StripeSecretKey:     getEnv("APPGRANT_STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("APPGRANT_STRIPE_WEBHOOK_SECRET", ""),
		GatewayTimeout:      getEnvDuration("APPGRANT_GATEWAY_TIMEOUT", 20*time.Second),
	}
}

func loadUsageConfig() UsageConfig {
	return UsageConfig{
		Backend:      getEnv("APPGRANT_USAGE_BACKEND", "memory"),
		AlertTimeout: getEnvDuration("APPGRANT_USAGE_ALERT_TIMEOUT", 2*time.Second),
	}
}

func loadLockConfig() LockConfig {
	return LockConfig{
		Backend: getEnv("APPGRANT_LOCK_BACKEND", "local"),
		TTL:     getEnvDuration("APPGRANT_LOCK_TTL", 30*time.Second),
	}
}

func loadReconcileConfig() reconcile.Config {
	def := reconcile.DefaultConfig()
	return reconcile.Config{
		LockTimeout:    getEnvDuration("APPGRANT_LOCK_TIMEOUT", def.LockTimeout),
		PublishTimeout: getEnvDuration("APPGRANT_PUBLISH_TIMEOUT", def.PublishTimeout),
		NotifyTimeout:  getEnvDuration("APPGRANT_NOTIFY_TIMEOUT", def.NotifyTimeout),
	}
}

func loadSubscriptionsConfig() subscriptions.Config {
	def := subscriptions.DefaultConfig()
	return subscriptions.Config{
		LockTimeout:    getEnvDuration("APPGRANT_LOCK_TIMEOUT", def.LockTimeout),
		GatewayTimeout: getEnvDuration("APPGRANT_GATEWAY_TIMEOUT", def.GatewayTimeout),
		PublishTimeout: getEnvDuration("APPGRANT_PUBLISH_TIMEOUT", def.PublishTimeout),
		NotifyTimeout:  getEnvDuration("APPGRANT_NOTIFY_TIMEOUT", def.NotifyTimeout),
	}
}

func loadTasksConfig() TasksConfig {
	q := tasks.DefaultConfig()
	q.Workers = getEnvInt("APPGRANT_TASK_WORKERS", q.Workers)
	q.Buffer = getEnvInt("APPGRANT_TASK_BUFFER", q.Buffer)
	q.HandlerTimeout = getEnvDuration("APPGRANT_TASK_TIMEOUT", q.HandlerTimeout)
	q.Retry.MaxAttempts = getEnvInt("APPGRANT_TASK_MAX_ATTEMPTS", q.Retry.MaxAttempts)
	q.Retry.InitialDelay = getEnvDuration("APPGRANT_TASK_RETRY_DELAY", q.Retry.InitialDelay)
	q.Retry.MaxDelay = getEnvDuration("APPGRANT_TASK_RETRY_MAX_DELAY", q.Retry.MaxDelay)
	return TasksConfig{
		Queue:       q,
		DeadLetter:  getEnv("APPGRANT_DEAD_LETTER", "memory"),
		AsyncIngest: getEnvBool("APPGRANT_ASYNC_INGEST", false),
	}
}

func loadNotifyConfig() NotifyConfig {
	return NotifyConfig{
		EndpointsFile: getEnv("APPGRANT_NOTIFY_ENDPOINTS_FILE", ""),
		Timeout:       getEnvDuration("APPGRANT_NOTIFY_HTTP_TIMEOUT", 10*time.Second),
	}
}

func loadSchedulerConfig() scheduler.Config {
	def := scheduler.DefaultConfig()
	return scheduler.Config{
		RolloverSchedule:   getEnv("APPGRANT_ROLLOVER_SCHEDULE", def.RolloverSchedule),
		UsageResetSchedule: getEnv("APPGRANT_USAGE_RESET_SCHEDULE", def.UsageResetSchedule),
		ReplaySchedule:     getEnv("APPGRANT_REPLAY_SCHEDULE", def.ReplaySchedule),
		BatchSize:          getEnvInt("APPGRANT_SCHEDULER_BATCH_SIZE", def.BatchSize),
		JobTimeout:         getEnvDuration("APPGRANT_SCHEDULER_JOB_TIMEOUT", def.JobTimeout),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           getEnv("APPGRANT_LOG_LEVEL", "info"),
		LogFormat:          getEnv("APPGRANT_LOG_FORMAT", "json"),
		MetricsEnabled:     getEnvBool("APPGRANT_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("APPGRANT_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("APPGRANT_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("APPGRANT_OTEL_SERVICE_NAME", "appgrant"),
		OTelServiceVersion: getEnv("APPGRANT_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("APPGRANT_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("APPGRANT_OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or postgres)", c.Storage.Type)
	}

	needsRedis := c.Usage.Backend == "redis" || c.Lock.Backend == "redis"
	if needsRedis && c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required for redis usage counters or locks")
	}

	switch c.Usage.Backend {
	case "memory", "redis":
	case "postgres":
		if c.Storage.Type != "postgres" {
			return fmt.Errorf("postgres usage counters require postgres storage")
		}
	default:
		return fmt.Errorf("invalid usage backend: %s (must be memory, redis, or postgres)", c.Usage.Backend)
	}

	switch c.Lock.Backend {
	case "local", "redis":
	default:
		return fmt.Errorf("invalid lock backend: %s (must be local or redis)", c.Lock.Backend)
	}

	switch c.Catalog.Source {
	case "file":
		if c.Catalog.Path == "" {
			return fmt.Errorf("catalog path is required for the file catalog")
		}
	case "postgres":
		if c.Storage.Type != "postgres" {
			return fmt.Errorf("postgres catalog requires postgres storage")
		}
	default:
		return fmt.Errorf("invalid catalog source: %s (must be file or postgres)", c.Catalog.Source)
	}

	switch c.Billing.Gateway {
	case "local":
	case "stripe":
		if c.Billing.StripeSecretKey == "" {
			return fmt.Errorf("stripe secret key is required for the stripe gateway")
		}
	default:
		return fmt.Errorf("invalid payment gateway: %s (must be local or stripe)", c.Billing.Gateway)
	}

	switch c.Tasks.DeadLetter {
	case "memory":
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required for the s3 dead-letter sink")
		}
	default:
		return fmt.Errorf("invalid dead-letter sink: %s (must be memory or s3)", c.Tasks.DeadLetter)
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Observability.LogLevel)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
