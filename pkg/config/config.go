package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/gateway"
	"github.com/wardenhq/warden/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Identity      IdentityConfig
	Audit         AuditConfig
	Gateway       gateway.Config
	Allowlist     AllowlistConfig
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

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the generation-counter store settings
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// IdentityConfig holds OIDC verification settings
type IdentityConfig struct {
	IssuerURL string
	ClientID  string
}

// AuditConfig holds retention and archive settings
type AuditConfig struct {
	RetentionDays   int
	ArchiveEnabled  bool
	ArchiveFormat   audit.ExportFormat
	CleanupSchedule string // cron expression
	S3              audit.S3Config
}

// AllowlistConfig holds snapshot cache settings
type AllowlistConfig struct {
	CacheSize int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Identity:      loadIdentityConfig(),
		Audit:         loadAuditConfig(),
		Gateway:       loadGatewayConfig(),
		Allowlist:     loadAllowlistConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("WARDEN_HOST", "0.0.0.0"),
		Port:            getEnv("WARDEN_PORT", "8080"),
		ReadTimeout:     getEnvDuration("WARDEN_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("WARDEN_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("WARDEN_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("WARDEN_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("WARDEN_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv("WARDEN_POSTGRES_URL", ""),
		MaxOpenConns:    getEnvInt("WARDEN_POSTGRES_MAX_CONNS", 25),
		MaxIdleConns:    getEnvInt("WARDEN_POSTGRES_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("WARDEN_POSTGRES_CONN_LIFETIME", 5*time.Minute),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("WARDEN_REDIS_URL", "redis://localhost:6379"),
		Password:   getEnv("WARDEN_REDIS_PASSWORD", ""),
		DB:         getEnvInt("WARDEN_REDIS_DB", 0),
		MaxRetries: getEnvInt("WARDEN_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("WARDEN_REDIS_POOL_SIZE", 10),
	}
}

func loadIdentityConfig() IdentityConfig {
	return IdentityConfig{
		IssuerURL: getEnv("WARDEN_OIDC_ISSUER", ""),
		ClientID:  getEnv("WARDEN_OIDC_CLIENT_ID", ""),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		RetentionDays:   getEnvInt("WARDEN_AUDIT_RETENTION_DAYS", 365),
		ArchiveEnabled:  getEnvBool("WARDEN_AUDIT_ARCHIVE_ENABLED", false),
		ArchiveFormat:   audit.ExportFormat(getEnv("WARDEN_AUDIT_ARCHIVE_FORMAT", "ndjson")),
		CleanupSchedule: getEnv("WARDEN_AUDIT_CLEANUP_SCHEDULE", "0 3 * * *"),
		S3: audit.S3Config{
			Bucket:       getEnv("WARDEN_S3_BUCKET", ""),
			Region:       getEnv("WARDEN_S3_REGION", "us-east-1"),
			Endpoint:     getEnv("WARDEN_S3_ENDPOINT", ""),
			AccessKey:    getEnv("WARDEN_S3_ACCESS_KEY", ""),
			SecretKey:    getEnv("WARDEN_S3_SECRET_KEY", ""),
			UsePathStyle: getEnvBool("WARDEN_S3_USE_PATH_STYLE", false),
			Prefix:       getEnv("WARDEN_S3_PREFIX", "audit"),
		},
	}
}

func loadGatewayConfig() gateway.Config {
	cfg := gateway.DefaultConfig()
	if tries := getEnvInt("WARDEN_GATEWAY_MAX_TRIES", 0); tries > 0 {
		cfg.MaxTries = uint(tries)
	}
	if d := getEnvDuration("WARDEN_GATEWAY_INITIAL_INTERVAL", 0); d > 0 {
		cfg.InitialInterval = d
	}
	if d := getEnvDuration("WARDEN_GATEWAY_MAX_INTERVAL", 0); d > 0 {
		cfg.MaxInterval = d
	}
	if d := getEnvDuration("WARDEN_GATEWAY_REQUEST_TIMEOUT", 0); d > 0 {
		cfg.RequestTimeout = d
	}
	return cfg
}

func loadAllowlistConfig() AllowlistConfig {
	return AllowlistConfig{
		CacheSize: getEnvInt("WARDEN_ALLOWLIST_CACHE_SIZE", 4096),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("WARDEN_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("WARDEN_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("WARDEN_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("WARDEN_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("WARDEN_OTEL_SERVICE_NAME", "warden"),
		OTelServiceVersion: getEnv("WARDEN_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("WARDEN_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Identity.IssuerURL == "" {
		return fmt.Errorf("OIDC issuer URL is required")
	}
	if c.Identity.ClientID == "" {
		return fmt.Errorf("OIDC client ID is required")
	}

	if c.Audit.RetentionDays <= 0 {
		return fmt.Errorf("audit retention must be at least one day")
	}
	if c.Audit.ArchiveEnabled && c.Audit.S3.Bucket == "" {
		return fmt.Errorf("S3 bucket is required when audit archiving is enabled")
	}
	switch c.Audit.ArchiveFormat {
	case audit.ExportFormatJSON, audit.ExportFormatNDJSON, audit.ExportFormatCSV:
	default:
		return fmt.Errorf("invalid audit archive format: %s (must be json, ndjson, or csv)", c.Audit.ArchiveFormat)
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

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
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

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
