// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	WARDEN_HOST="0.0.0.0"
//	WARDEN_PORT="8080"
//	WARDEN_HEALTH_PORT="9090"
//	WARDEN_READ_TIMEOUT="15s"
//	WARDEN_WRITE_TIMEOUT="15s"
//
// Database and Redis settings:
//
//	WARDEN_POSTGRES_URL="postgres://localhost/warden"
//	WARDEN_POSTGRES_MAX_CONNS="25"
//	WARDEN_REDIS_URL="redis://localhost:6379"
//	WARDEN_REDIS_POOL_SIZE="10"
//
// Identity settings:
//
//	WARDEN_OIDC_ISSUER="https://issuer.example.com"
//	WARDEN_OIDC_CLIENT_ID="warden"
//
// Audit retention settings:
//
//	WARDEN_AUDIT_RETENTION_DAYS="365"
//	WARDEN_AUDIT_ARCHIVE_ENABLED="true"
//	WARDEN_AUDIT_ARCHIVE_FORMAT="ndjson"  # json, ndjson, csv
//	WARDEN_AUDIT_CLEANUP_SCHEDULE="0 3 * * *"
//	WARDEN_S3_BUCKET="warden-audit-archive"
//	WARDEN_S3_REGION="us-east-1"
//
// Observability settings:
//
//	WARDEN_LOG_LEVEL="info"  # debug, info, warn, error
//	WARDEN_METRICS_ENABLED="true"
//	WARDEN_OTEL_ENABLED="true"
//	WARDEN_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Log level: %s\n", cfg.Observability.LogLevel)
//
// # Related Packages
//
//   - pkg/audit: Uses audit retention and archive configuration
//   - pkg/observability: Uses observability configuration
package config
