package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/dunning/pkg/notify"
	"github.com/platinummonkey/dunning/pkg/observability"
	"github.com/platinummonkey/dunning/pkg/storage"
)

const envPrefix = "DUNNING_"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Engine        EngineConfig
	Gateway       GatewayConfig
	Notify        NotifyConfig
	API           APIConfig
	Archive       ArchiveConfig
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

// EngineConfig holds the recovery engine knobs.
type EngineConfig struct {
	Workers           int
	TaskTimeout       time.Duration
	TickInterval      time.Duration
	CycleSchedule     string
	DueDays           int
	GatewayTimeout    time.Duration
	WarningRatio      float64
	ManualRetryWindow time.Duration
	// PolicyFile is an optional YAML retry policy, reloaded when it changes.
	PolicyFile string
	LockTTL    time.Duration
}

// GatewayConfig selects the payment gateway.
type GatewayConfig struct {
	Type      string // "sandbox" or "stripe"
	StripeKey string
}

// NotifyConfig configures event delivery.
type NotifyConfig struct {
	LogEvents bool
	// WebhooksFile lists webhook endpoints in YAML.
	WebhooksFile       string
	RetryInterval      time.Duration
	RateLimitPerMinute int
}

// APIConfig configures authentication and rate limiting of the HTTP API.
type APIConfig struct {
	OIDCIssuer         string
	OIDCAudience       string
	RateLimitPerMinute int
	RateLimitBurst     int
}

// ArchiveConfig configures the S3 archive of settled invoices.
type ArchiveConfig struct {
	Enabled        bool
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3Prefix       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelEnvironment    string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Engine:        loadEngineConfig(),
		Gateway:       loadGatewayConfig(),
		Notify:        loadNotifyConfig(),
		API:           loadAPIConfig(),
		Archive:       loadArchiveConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("HOST", "0.0.0.0"),
		Port:            getEnv("PORT", "8080"),
		ReadTimeout:     getEnvDuration("READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("WRITE_TIMEOUT", 45*time.Second),
		IdleTimeout:     getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("HEALTH_PORT", "9090"),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}
	if pgURL := getEnv("POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if maxConns := getEnvInt("POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}
	if path := getEnv("SQLITE_PATH", ""); path != "" {
		cfg.SQLitePath = path
	}

	if redisURL := getEnv("REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	return cfg
}

func loadEngineConfig() EngineConfig {
	return EngineConfig{
		Workers:           getEnvInt("WORKERS", 8),
		TaskTimeout:       getEnvDuration("TASK_TIMEOUT", 2*time.Minute),
		TickInterval:      getEnvDuration("TICK_INTERVAL", time.Minute),
		CycleSchedule:     getEnv("CYCLE_SCHEDULE", "*/15 * * * *"),
		DueDays:           getEnvInt("DUE_DAYS", 15),
		GatewayTimeout:    getEnvDuration("GATEWAY_TIMEOUT", 30*time.Second),
		WarningRatio:      getEnvFloat("USAGE_WARNING_RATIO", 0.8),
		ManualRetryWindow: getEnvDuration("MANUAL_RETRY_WINDOW", 10*time.Second),
		PolicyFile:        getEnv("RETRY_POLICY_FILE", ""),
		LockTTL:           getEnvDuration("LOCK_TTL", 45*time.Second),
	}
}

func loadGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Type:      strings.ToLower(getEnv("GATEWAY", "sandbox")),
		StripeKey: getEnv("STRIPE_SECRET_KEY", ""),
	}
}

func loadNotifyConfig() NotifyConfig {
	return NotifyConfig{
		LogEvents:          getEnvBool("NOTIFY_LOG", true),
		WebhooksFile:       getEnv("WEBHOOKS_FILE", ""),
		RetryInterval:      getEnvDuration("WEBHOOK_RETRY_INTERVAL", 30*time.Second),
		RateLimitPerMinute: getEnvInt("WEBHOOK_RATE_LIMIT", 60),
	}
}

func loadAPIConfig() APIConfig {
	return APIConfig{
		OIDCIssuer:         getEnv("OIDC_ISSUER", ""),
		OIDCAudience:       getEnv("OIDC_AUDIENCE", "dunning-api"),
		RateLimitPerMinute: getEnvInt("API_RATE_LIMIT", 600),
		RateLimitBurst:     getEnvInt("API_RATE_BURST", 50),
	}
}

func loadArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Enabled:        getEnvBool("ARCHIVE_ENABLED", false),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3Region:       getEnv("S3_REGION", "us-east-1"),
		S3Bucket:       getEnv("S3_BUCKET", ""),
		S3Prefix:       getEnv("S3_PREFIX", "invoices"),
		S3AccessKey:    getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("S3_SECRET_KEY", ""),
		S3UsePathStyle: getEnvBool("S3_USE_PATH_STYLE", false),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLevel(getEnv("LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("OTEL_SERVICE_NAME", "dunningd"),
		OTelServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
		OTelEnvironment:    getEnv("OTEL_ENVIRONMENT", ""),
		OTelInsecure:       getEnvBool("OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("OTEL_SAMPLE_RATIO", 1),
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

	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory, postgres, or sqlite)", c.Storage.Type)
	}

	if c.Engine.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Engine.Workers)
	}
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	if _, err := cron.ParseStandard(c.Engine.CycleSchedule); err != nil {
		return fmt.Errorf("invalid cycle schedule %q: %w", c.Engine.CycleSchedule, err)
	}
	if c.Engine.DueDays < 0 {
		return fmt.Errorf("due days must not be negative")
	}
	if c.Engine.WarningRatio <= 0 || c.Engine.WarningRatio > 1 {
		return fmt.Errorf("usage warning ratio must be in (0, 1], got %v", c.Engine.WarningRatio)
	}

	switch c.Gateway.Type {
	case "sandbox":
	case "stripe":
		if c.Gateway.StripeKey == "" {
			return fmt.Errorf("stripe secret key is required for the stripe gateway")
		}
	default:
		return fmt.Errorf("invalid gateway: %s (must be sandbox or stripe)", c.Gateway.Type)
	}

	if c.Archive.Enabled && c.Archive.S3Bucket == "" {
		return fmt.Errorf("S3 bucket is required when the invoice archive is enabled")
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

type webhooksFile struct {
	Endpoints []notify.Endpoint `yaml:"endpoints"`
}

// LoadWebhookEndpoints reads webhook receivers from a YAML file:
//
//	endpoints:
//	  - id: billing-ops
//	    url: https://ops.example.com/hooks/dunning
//	    secret: s3cr3t
//	    events: [issue.escalated, subscription.state_changed]
func LoadWebhookEndpoints(path string) ([]notify.Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read webhooks file: %w", err)
	}
	var file webhooksFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse webhooks file %s: %w", path, err)
	}
	for i, ep := range file.Endpoints {
		if ep.URL == "" {
			return nil, fmt.Errorf("webhook endpoint %d in %s has no url", i, path)
		}
		if ep.ID == "" {
			file.Endpoints[i].ID = fmt.Sprintf("endpoint-%d", i+1)
		}
	}
	return file.Endpoints, nil
}

// getEnv returns DUNNING_<key> or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := getEnv(key, ""); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := getEnv(key, ""); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := getEnv(key, ""); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := getEnv(key, ""); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
