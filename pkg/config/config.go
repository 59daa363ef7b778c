package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/hookd/pkg/storage/sqlstore"
	"github.com/platinummonkey/hookd/pkg/webhooks"
)

// EnvConfigFile names an optional YAML file applied before environment overrides
const EnvConfigFile = "HOOKD_CONFIG_FILE"

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Storage configuration
	Storage StorageConfig `yaml:"storage"`

	// Redis backs the distributed rate limiters when set
	Redis RedisConfig `yaml:"redis"`

	// Delivery tuning
	Delivery DeliveryConfig `yaml:"delivery"`

	// Inbound API rate limiting
	RateLimit RateLimitConfig `yaml:"rateLimit"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"healthPort"`
}

// StorageConfig selects and tunes the repository
type StorageConfig struct {
	Driver      string        `yaml:"driver"`
	URL         string        `yaml:"url"`
	MaxConns    int           `yaml:"maxConns"`
	MinConns    int           `yaml:"minConns"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxLifetime time.Duration `yaml:"maxLifetime"`
	MaxIdleTime time.Duration `yaml:"maxIdleTime"`
	AutoMigrate bool          `yaml:"autoMigrate"`

	// Subscription read cache
	CacheEnabled bool          `yaml:"cacheEnabled"`
	CacheSize    int           `yaml:"cacheSize"`
	CacheTTL     time.Duration `yaml:"cacheTTL"`
}

// RedisConfig holds the optional Redis connection
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// DeliveryConfig tunes the delivery engine and scheduler
type DeliveryConfig struct {
	HealthThreshold   int           `yaml:"healthThreshold"`
	StaleAfter        time.Duration `yaml:"staleAfter"`
	MaxRetryDelay     time.Duration `yaml:"maxRetryDelay"`
	ClaimTimeout      time.Duration `yaml:"claimTimeout"`
	SweepSchedule     string        `yaml:"sweepSchedule"`
	SweepBatchSize    int           `yaml:"sweepBatchSize"`
	SweepConcurrency  int           `yaml:"sweepConcurrency"`
	DispatchOnProcess bool          `yaml:"dispatchOnProcess"`
	DispatchWorkers   int           `yaml:"dispatchWorkers"`
	DispatchQueueSize int           `yaml:"dispatchQueueSize"`
	UserAgent         string        `yaml:"userAgent"`

	// Outbound sends allowed per subscription per OutboundWindow; zero disables throttling
	OutboundLimit  int           `yaml:"outboundLimit"`
	OutboundWindow time.Duration `yaml:"outboundWindow"`
}

// RateLimitConfig throttles management API callers by client IP
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel string `yaml:"logLevel"`

	// Metrics
	MetricsEnabled bool `yaml:"metricsEnabled"`

	// OpenTelemetry
	OTelEnabled        bool    `yaml:"otelEnabled"`
	OTelEndpoint       string  `yaml:"otelEndpoint"`
	OTelServiceName    string  `yaml:"otelServiceName"`
	OTelServiceVersion string  `yaml:"otelServiceVersion"`
	OTelInsecure       bool    `yaml:"otelInsecure"` // Use insecure gRPC connection
	OTelSampleRatio    float64 `yaml:"otelSampleRatio"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        "8080",
			ReadTimeout: 15 * time.Second,
			// subscription tests wait on the receiver for up to the 5 minute timeout cap
			WriteTimeout:    5*time.Minute + 30*time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			HealthPort:      "9090",
		},
		Storage: StorageConfig{
			Driver:       DriverMemory,
			MaxConns:     25,
			MinConns:     5,
			Timeout:      5 * time.Second,
			MaxLifetime:  time.Hour,
			MaxIdleTime:  10 * time.Minute,
			AutoMigrate:  true,
			CacheEnabled: true,
			CacheSize:    1024,
			CacheTTL:     30 * time.Second,
		},
		Redis: RedisConfig{
			PoolSize: 10,
		},
		Delivery: DeliveryConfig{
			HealthThreshold:   webhooks.DefaultHealthThreshold,
			StaleAfter:        webhooks.DefaultStaleAfter,
			MaxRetryDelay:     webhooks.DefaultMaxRetryDelay,
			ClaimTimeout:      webhooks.DefaultClaimTimeout,
			SweepSchedule:     webhooks.DefaultSweepSchedule,
			SweepBatchSize:    webhooks.DefaultSweepBatchSize,
			SweepConcurrency:  webhooks.DefaultSweepConcurrency,
			DispatchOnProcess: true,
			DispatchWorkers:   webhooks.DefaultDispatchWorkers,
			DispatchQueueSize: webhooks.DefaultDispatchQueueSize,
			UserAgent:         webhooks.DefaultUserAgent,
			OutboundWindow:    time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:  false,
			Requests: 100,
			Window:   time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEnabled:        false,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "hookd",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1,
		},
	}
}

// LoadConfig loads the defaults, then the file named by HOOKD_CONFIG_FILE,
// then environment variables
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := getEnv(EnvConfigFile, ""); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	loadServerConfig(&cfg.Server)
	loadStorageConfig(&cfg.Storage)
	loadRedisConfig(&cfg.Redis)
	loadDeliveryConfig(&cfg.Delivery)
	loadRateLimitConfig(&cfg.RateLimit)
	loadObservabilityConfig(&cfg.Observability)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadFile overlays the YAML file at path. Keys missing from the file keep
// their current values; unknown keys are rejected.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// loadServerConfig applies server overrides from the environment
func loadServerConfig(cfg *ServerConfig) {
	cfg.Host = getEnv("HOOKD_HOST", cfg.Host)
	cfg.Port = getEnv("HOOKD_PORT", cfg.Port)
	cfg.ReadTimeout = getEnvDuration("HOOKD_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = getEnvDuration("HOOKD_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = getEnvDuration("HOOKD_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.ShutdownTimeout = getEnvDuration("HOOKD_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.MaxBodyBytes = getEnvInt64("HOOKD_MAX_BODY_BYTES", cfg.MaxBodyBytes)
	cfg.HealthPort = getEnv("HOOKD_HEALTH_PORT", cfg.HealthPort)
}

// loadStorageConfig applies storage overrides from the environment
func loadStorageConfig(cfg *StorageConfig) {
	cfg.Driver = strings.ToLower(getEnv("HOOKD_STORAGE_DRIVER", cfg.Driver))
	cfg.URL = getEnv("HOOKD_DATABASE_URL", cfg.URL)
	cfg.MaxConns = getEnvInt("HOOKD_DATABASE_MAX_CONNS", cfg.MaxConns)
	cfg.MinConns = getEnvInt("HOOKD_DATABASE_MIN_CONNS", cfg.MinConns)
	cfg.Timeout = getEnvDuration("HOOKD_DATABASE_TIMEOUT", cfg.Timeout)
	cfg.MaxLifetime = getEnvDuration("HOOKD_DATABASE_MAX_LIFETIME", cfg.MaxLifetime)
	cfg.MaxIdleTime = getEnvDuration("HOOKD_DATABASE_MAX_IDLE_TIME", cfg.MaxIdleTime)
	cfg.AutoMigrate = getEnvBool("HOOKD_DATABASE_AUTO_MIGRATE", cfg.AutoMigrate)

	cfg.CacheEnabled = getEnvBool("HOOKD_CACHE_ENABLED", cfg.CacheEnabled)
	cfg.CacheSize = getEnvInt("HOOKD_CACHE_SIZE", cfg.CacheSize)
	cfg.CacheTTL = getEnvDuration("HOOKD_CACHE_TTL", cfg.CacheTTL)
}

// loadRedisConfig applies Redis overrides from the environment
func loadRedisConfig(cfg *RedisConfig) {
	cfg.URL = getEnv("HOOKD_REDIS_URL", cfg.URL)
	cfg.Password = getEnv("HOOKD_REDIS_PASSWORD", cfg.Password)
	cfg.DB = getEnvInt("HOOKD_REDIS_DB", cfg.DB)
	cfg.PoolSize = getEnvInt("HOOKD_REDIS_POOL_SIZE", cfg.PoolSize)
}

// loadDeliveryConfig applies delivery overrides from the environment
func loadDeliveryConfig(cfg *DeliveryConfig) {
	cfg.HealthThreshold = getEnvInt("HOOKD_HEALTH_THRESHOLD", cfg.HealthThreshold)
	cfg.StaleAfter = getEnvDuration("HOOKD_STALE_AFTER", cfg.StaleAfter)
	cfg.MaxRetryDelay = getEnvDuration("HOOKD_MAX_RETRY_DELAY", cfg.MaxRetryDelay)
	cfg.ClaimTimeout = getEnvDuration("HOOKD_CLAIM_TIMEOUT", cfg.ClaimTimeout)
	cfg.SweepSchedule = getEnv("HOOKD_SWEEP_SCHEDULE", cfg.SweepSchedule)
	cfg.SweepBatchSize = getEnvInt("HOOKD_SWEEP_BATCH_SIZE", cfg.SweepBatchSize)
	cfg.SweepConcurrency = getEnvInt("HOOKD_SWEEP_CONCURRENCY", cfg.SweepConcurrency)
	cfg.DispatchOnProcess = getEnvBool("HOOKD_DISPATCH_ON_PROCESS", cfg.DispatchOnProcess)
	cfg.DispatchWorkers = getEnvInt("HOOKD_DISPATCH_WORKERS", cfg.DispatchWorkers)
	cfg.DispatchQueueSize = getEnvInt("HOOKD_DISPATCH_QUEUE_SIZE", cfg.DispatchQueueSize)
	cfg.UserAgent = getEnv("HOOKD_USER_AGENT", cfg.UserAgent)
	cfg.OutboundLimit = getEnvInt("HOOKD_OUTBOUND_LIMIT", cfg.OutboundLimit)
	cfg.OutboundWindow = getEnvDuration("HOOKD_OUTBOUND_WINDOW", cfg.OutboundWindow)
}

// loadRateLimitConfig applies API rate limit overrides from the environment
func loadRateLimitConfig(cfg *RateLimitConfig) {
	cfg.Enabled = getEnvBool("HOOKD_RATE_LIMIT_ENABLED", cfg.Enabled)
	cfg.Requests = getEnvInt("HOOKD_RATE_LIMIT_REQUESTS", cfg.Requests)
	cfg.Window = getEnvDuration("HOOKD_RATE_LIMIT_WINDOW", cfg.Window)
}

// loadObservabilityConfig applies observability overrides from the environment
func loadObservabilityConfig(cfg *ObservabilityConfig) {
	cfg.LogLevel = getEnv("HOOKD_LOG_LEVEL", cfg.LogLevel)
	cfg.MetricsEnabled = getEnvBool("HOOKD_METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.OTelEnabled = getEnvBool("HOOKD_OTEL_ENABLED", cfg.OTelEnabled)
	cfg.OTelEndpoint = getEnv("HOOKD_OTEL_ENDPOINT", cfg.OTelEndpoint)
	cfg.OTelServiceName = getEnv("HOOKD_OTEL_SERVICE_NAME", cfg.OTelServiceName)
	cfg.OTelServiceVersion = getEnv("HOOKD_OTEL_SERVICE_VERSION", cfg.OTelServiceVersion)
	cfg.OTelInsecure = getEnvBool("HOOKD_OTEL_INSECURE", cfg.OTelInsecure)
	cfg.OTelSampleRatio = getEnvFloat("HOOKD_OTEL_SAMPLE_RATIO", cfg.OTelSampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	// Validate storage config based on driver
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if c.Storage.URL == "" {
			return fmt.Errorf("database URL is required for %s storage", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("invalid storage driver: %s (must be memory, postgres, or sqlite)", c.Storage.Driver)
	}

	if c.Delivery.HealthThreshold < 1 {
		return fmt.Errorf("health threshold must be at least 1")
	}
	if c.Delivery.StaleAfter <= 0 {
		return fmt.Errorf("stale-after must be positive")
	}
	maxAttempt := time.Duration(webhooks.MaxTimeoutMs) * time.Millisecond
	if c.Delivery.ClaimTimeout <= maxAttempt {
		return fmt.Errorf("claim timeout must exceed the maximum subscription timeout of %s", maxAttempt)
	}
	if c.Delivery.SweepSchedule == "" {
		return fmt.Errorf("sweep schedule is required")
	}
	if c.Delivery.OutboundLimit < 0 {
		return fmt.Errorf("outbound limit must not be negative")
	}
	if c.Delivery.OutboundLimit > 0 && c.Delivery.OutboundWindow <= 0 {
		return fmt.Errorf("outbound window must be positive when an outbound limit is set")
	}

	if c.RateLimit.Enabled && (c.RateLimit.Requests < 1 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate limit requires positive requests and window")
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Observability.LogLevel)
	}

	// Validate OpenTelemetry config
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

// ConnectionConfig returns the SQL connection settings. It fails for the
// memory driver.
func (s StorageConfig) ConnectionConfig() (sqlstore.ConnectionConfig, error) {
	dialect, err := sqlstore.ParseDialect(s.Driver)
	if err != nil {
		return sqlstore.ConnectionConfig{}, err
	}
	return sqlstore.ConnectionConfig{
		Dialect:     dialect,
		URL:         s.URL,
		MaxConns:    s.MaxConns,
		MinConns:    s.MinConns,
		Timeout:     s.Timeout,
		MaxLifetime: s.MaxLifetime,
		MaxIdleTime: s.MaxIdleTime,
	}, nil
}

// ServiceConfig returns the webhooks service settings
func (d DeliveryConfig) ServiceConfig() webhooks.Config {
	return webhooks.Config{
		HealthThreshold:   d.HealthThreshold,
		StaleAfter:        d.StaleAfter,
		MaxRetryDelay:     d.MaxRetryDelay,
		ClaimTimeout:      d.ClaimTimeout,
		SweepBatchSize:    d.SweepBatchSize,
		SweepConcurrency:  d.SweepConcurrency,
		SweepSchedule:     d.SweepSchedule,
		DispatchOnProcess: d.DispatchOnProcess,
		DispatchWorkers:   d.DispatchWorkers,
		DispatchQueueSize: d.DispatchQueueSize,
		UserAgent:         d.UserAgent,
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

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
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
