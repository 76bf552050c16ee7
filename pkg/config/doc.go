// Package config loads appgrant configuration from environment variables.
//
// Every setting has a default, so an empty environment yields a runnable
// single-process service: in-memory storage, a YAML plan catalog at
// ./plans.yaml, the local payment gateway and in-process locks.
//
// Server settings:
//
//	APPGRANT_HOST="0.0.0.0"
//	APPGRANT_PORT="8080"
//	APPGRANT_INTERNAL_TOKEN=""        # bearer token for /internal routes
//
// Storage settings:
//
//	APPGRANT_STORAGE_TYPE="postgres"  # memory, postgres
//	APPGRANT_POSTGRES_URL="postgres://localhost/appgrant"
//	APPGRANT_POSTGRES_REPLICA_URLS="postgres://replica/appgrant"
//	APPGRANT_REDIS_URL="redis://localhost:6379"
//	APPGRANT_S3_BUCKET="appgrant-dead-letters"
//
// Domain settings:
//
//	APPGRANT_CATALOG_SOURCE="file"    # file, postgres
//	APPGRANT_CATALOG_PATH="plans.yaml"
//	APPGRANT_PAYMENT_GATEWAY="stripe" # local, stripe
//	APPGRANT_STRIPE_SECRET_KEY="sk_live_..."
//	APPGRANT_STRIPE_WEBHOOK_SECRET="whsec_..."
//	APPGRANT_USAGE_BACKEND="redis"    # memory, redis, postgres
//	APPGRANT_LOCK_BACKEND="redis"     # local, redis
//	APPGRANT_DEAD_LETTER="s3"         # memory, s3
//	APPGRANT_NOTIFY_ENDPOINTS_FILE="notify.yaml"
//	APPGRANT_ROLLOVER_SCHEDULE="@every 1m"
//
// Observability settings:
//
//	APPGRANT_LOG_LEVEL="info"
//	APPGRANT_LOG_FORMAT="json"        # json, text
//	APPGRANT_METRICS_ENABLED="true"
//	APPGRANT_OTEL_ENABLED="true"
//	APPGRANT_OTEL_ENDPOINT="otel-collector:4317"
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
