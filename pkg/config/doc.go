// Package config provides application configuration management from environment variables.
//
// # Overview
//
// Configuration starts from built-in defaults, is optionally overlaid with a
// YAML file named by HOOKD_CONFIG_FILE, and is finally overridden by
// environment variables. The result is validated before use.
//
// # Configuration Structure
//
// Server settings:
//
//	HOOKD_HOST="0.0.0.0"
//	HOOKD_PORT="8080"
//	HOOKD_HEALTH_PORT="9090"
//	HOOKD_READ_TIMEOUT="15s"
//	HOOKD_WRITE_TIMEOUT="5m30s"
//
// Storage settings:
//
//	HOOKD_STORAGE_DRIVER="postgres"  # memory, postgres, sqlite
//	HOOKD_DATABASE_URL="postgres://localhost/hookd?sslmode=disable"
//	HOOKD_DATABASE_MAX_CONNS="25"
//	HOOKD_DATABASE_AUTO_MIGRATE="true"
//	HOOKD_CACHE_ENABLED="true"
//	HOOKD_CACHE_TTL="30s"
//
// Delivery settings:
//
//	HOOKD_HEALTH_THRESHOLD="5"
//	HOOKD_STALE_AFTER="24h"
//	HOOKD_MAX_RETRY_DELAY="1h"
//	HOOKD_SWEEP_SCHEDULE="@every 10s"
//	HOOKD_DISPATCH_ON_PROCESS="true"
//	HOOKD_OUTBOUND_LIMIT="60"  # per subscription per HOOKD_OUTBOUND_WINDOW
//
// Redis and rate limiting:
//
//	HOOKD_REDIS_URL="redis://localhost:6379/0"
//	HOOKD_RATE_LIMIT_ENABLED="true"
//	HOOKD_RATE_LIMIT_REQUESTS="100"
//	HOOKD_RATE_LIMIT_WINDOW="1m"
//
// Observability settings:
//
//	HOOKD_LOG_LEVEL="info"  # debug, info, warn, error
//	HOOKD_METRICS_ENABLED="true"
//	HOOKD_OTEL_ENABLED="true"
//	HOOKD_OTEL_ENDPOINT="otel-collector:4317"
//
// The same settings in YAML:
//
//	server:
//	  port: "8080"
//	storage:
//	  driver: sqlite
//	  url: file:hookd.db?_busy_timeout=5000
//	delivery:
//	  staleAfter: 12h
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	svc := webhooks.NewService(ctx, store, cfg.Delivery.ServiceConfig(), opts)
//
// # Related Packages
//
//   - pkg/storage/sqlstore: Uses storage configuration
//   - pkg/webhooks: Uses delivery configuration
//   - pkg/observability: Uses observability configuration
package config
