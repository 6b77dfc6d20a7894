package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/settle/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Gateway       GatewayConfig
	Auth          AuthConfig
	Webhook       WebhookConfig
	Archive       ArchiveConfig
	Notify        NotifyConfig
	Catalog       CatalogConfig
	Sweeper       SweeperConfig
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
	MaxBodyBytes    int64

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL           string
	ReplicaURLs   string
	MaxConns      int
	MinConns      int
	Timeout       time.Duration
	LockTimeout   time.Duration
	AutoMigrate   bool
	PlanCacheSize int
	PlanCacheTTL  time.Duration
}

// RedisConfig holds Redis settings; an empty URL disables distributed
// locking and rate limiting
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// GatewayConfig selects and configures the payment gateways
type GatewayConfig struct {
	// Default issues charge sessions for plan changes and top-ups
	Default string
	Timeout time.Duration

	CallbackBaseURL       string
	CallbackAPIKey        string
	CallbackWebhookSecret string
	CallbackReturnURL     string

	StripeAPIKey        string
	StripeWebhookSecret string
	StripeSuccessURL    string
	StripeCancelURL     string
}

// AuthConfig holds bearer token verification settings
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string
}

// WebhookConfig holds inbound webhook settings
type WebhookConfig struct {
	RetryOnTransient bool
	RateLimit        int
	RateWindow       time.Duration
}

// ArchiveConfig holds S3 payload archive settings; an empty bucket disables it
type ArchiveConfig struct {
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// NotifyConfig holds outbound billing event notification settings
type NotifyConfig struct {
	Endpoints  []string
	Secret     string
	Workers    int
	QueueSize  int
	MaxRetries int
	Timeout    time.Duration
}

// CatalogConfig holds plan catalog file settings
type CatalogConfig struct {
	Path  string
	Watch bool
}

// SweeperConfig holds invoice expiry settings
type SweeperConfig struct {
	Schedule   string
	InvoiceTTL time.Duration
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
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	logLevel, err := observability.ParseLevel(getEnv("SETTLE_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg := &Config{
		Server:   loadServerConfig(),
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			URL:        getEnv("SETTLE_REDIS_URL", ""),
			Password:   getEnv("SETTLE_REDIS_PASSWORD", ""),
			DB:         getEnvInt("SETTLE_REDIS_DB", 0),
			MaxRetries: getEnvInt("SETTLE_REDIS_MAX_RETRIES", 3),
			PoolSize:   getEnvInt("SETTLE_REDIS_POOL_SIZE", 10),
		},
		Gateway: loadGatewayConfig(),
		Auth: AuthConfig{
			JWTSecret: getEnv("SETTLE_JWT_SECRET", ""),
			Issuer:    getEnv("SETTLE_JWT_ISSUER", ""),
			Audience:  getEnv("SETTLE_JWT_AUDIENCE", ""),
		},
		Webhook: WebhookConfig{
			RetryOnTransient: getEnvBool("SETTLE_WEBHOOK_RETRY_ON_TRANSIENT", true),
			RateLimit:        getEnvInt("SETTLE_WEBHOOK_RATE_LIMIT", 120),
			RateWindow:       getEnvDuration("SETTLE_WEBHOOK_RATE_WINDOW", time.Minute),
		},
		Archive: ArchiveConfig{
			Endpoint:     getEnv("SETTLE_S3_ENDPOINT", ""),
			Region:       getEnv("SETTLE_S3_REGION", "us-east-1"),
			Bucket:       getEnv("SETTLE_S3_BUCKET", ""),
			AccessKey:    getEnv("SETTLE_S3_ACCESS_KEY", ""),
			SecretKey:    getEnv("SETTLE_S3_SECRET_KEY", ""),
			UsePathStyle: getEnvBool("SETTLE_S3_USE_PATH_STYLE", false),
		},
		Notify: NotifyConfig{
			Endpoints:  getEnvList("SETTLE_NOTIFY_ENDPOINTS"),
			Secret:     getEnv("SETTLE_NOTIFY_SECRET", ""),
			Workers:    getEnvInt("SETTLE_NOTIFY_WORKERS", 4),
			QueueSize:  getEnvInt("SETTLE_NOTIFY_QUEUE_SIZE", 256),
			MaxRetries: getEnvInt("SETTLE_NOTIFY_MAX_RETRIES", 5),
			Timeout:    getEnvDuration("SETTLE_NOTIFY_TIMEOUT", 10*time.Second),
		},
		Catalog: CatalogConfig{
			Path:  getEnv("SETTLE_CATALOG_PATH", ""),
			Watch: getEnvBool("SETTLE_CATALOG_WATCH", false),
		},
		Sweeper: SweeperConfig{
			Schedule:   getEnv("SETTLE_SWEEP_SCHEDULE", "*/5 * * * *"),
			InvoiceTTL: getEnvDuration("SETTLE_INVOICE_TTL", 24*time.Hour),
		},
		Observability: ObservabilityConfig{
			LogLevel:           logLevel,
			MetricsEnabled:     getEnvBool("SETTLE_METRICS_ENABLED", true),
			OTelEnabled:        getEnvBool("SETTLE_OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("SETTLE_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("SETTLE_OTEL_SERVICE_NAME", "settle"),
			OTelServiceVersion: getEnv("SETTLE_OTEL_SERVICE_VERSION", "dev"),
			OTelInsecure:       getEnvBool("SETTLE_OTEL_INSECURE", true),
			OTelSampleRatio:    getEnvFloat("SETTLE_OTEL_SAMPLE_RATIO", 1),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("SETTLE_HOST", "0.0.0.0"),
		Port:            getEnv("SETTLE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("SETTLE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("SETTLE_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("SETTLE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SETTLE_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("SETTLE_MAX_BODY_BYTES", 1<<20),
		HealthPort:      getEnv("SETTLE_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:           getEnv("SETTLE_DATABASE_URL", ""),
		ReplicaURLs:   getEnv("SETTLE_DATABASE_REPLICA_URLS", ""),
		MaxConns:      getEnvInt("SETTLE_DATABASE_MAX_CONNS", 20),
		MinConns:      getEnvInt("SETTLE_DATABASE_MIN_CONNS", 2),
		Timeout:       getEnvDuration("SETTLE_DATABASE_TIMEOUT", 10*time.Second),
		LockTimeout:   getEnvDuration("SETTLE_LOCK_TIMEOUT", 5*time.Second),
		AutoMigrate:   getEnvBool("SETTLE_AUTO_MIGRATE", true),
		PlanCacheSize: getEnvInt("SETTLE_PLAN_CACHE_SIZE", 256),
		PlanCacheTTL:  getEnvDuration("SETTLE_PLAN_CACHE_TTL", 5*time.Minute),
	}
}

func loadGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Default:               getEnv("SETTLE_GATEWAY", "callback"),
		Timeout:               getEnvDuration("SETTLE_GATEWAY_TIMEOUT", 10*time.Second),
		CallbackBaseURL:       getEnv("SETTLE_CALLBACK_BASE_URL", ""),
		CallbackAPIKey:        getEnv("SETTLE_CALLBACK_API_KEY", ""),
		CallbackWebhookSecret: getEnv("SETTLE_CALLBACK_WEBHOOK_SECRET", ""),
		CallbackReturnURL:     getEnv("SETTLE_CALLBACK_RETURN_URL", ""),
		StripeAPIKey:          getEnv("SETTLE_STRIPE_API_KEY", ""),
		StripeWebhookSecret:   getEnv("SETTLE_STRIPE_WEBHOOK_SECRET", ""),
		StripeSuccessURL:      getEnv("SETTLE_STRIPE_SUCCESS_URL", ""),
		StripeCancelURL:       getEnv("SETTLE_STRIPE_CANCEL_URL", ""),
	}
}

// CallbackEnabled reports whether the callback gateway is configured
func (g GatewayConfig) CallbackEnabled() bool { return g.CallbackBaseURL != "" }

// StripeEnabled reports whether the Stripe gateway is configured
func (g GatewayConfig) StripeEnabled() bool { return g.StripeAPIKey != "" }

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if c.Server.HealthPort == "" {
		return errors.New("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return errors.New("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return errors.New("SETTLE_DATABASE_URL is required")
	}
	if c.Database.LockTimeout <= 0 {
		return errors.New("lock timeout must be positive")
	}

	if c.Redis.URL != "" {
		if _, err := url.Parse(c.Redis.URL); err != nil {
			return fmt.Errorf("invalid redis URL: %w", err)
		}
	}

	switch c.Gateway.Default {
	case "callback":
		if !c.Gateway.CallbackEnabled() {
			return errors.New("SETTLE_CALLBACK_BASE_URL is required when the callback gateway is the default")
		}
	case "stripe":
		if !c.Gateway.StripeEnabled() {
			return errors.New("SETTLE_STRIPE_API_KEY is required when stripe is the default gateway")
		}
	default:
		return fmt.Errorf("invalid gateway: %s (must be callback or stripe)", c.Gateway.Default)
	}
	if c.Gateway.CallbackEnabled() && c.Gateway.CallbackWebhookSecret == "" {
		return errors.New("callback webhook secret is required")
	}
	if c.Gateway.StripeEnabled() && c.Gateway.StripeWebhookSecret == "" {
		return errors.New("stripe webhook secret is required")
	}
	if c.Gateway.Timeout <= 0 {
		return errors.New("gateway timeout must be positive")
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("SETTLE_JWT_SECRET is required")
	}

	if c.Webhook.RateLimit < 0 {
		return errors.New("webhook rate limit cannot be negative")
	}

	if c.Archive.Bucket != "" && c.Archive.Region == "" {
		return errors.New("S3 region is required when the payload archive is enabled")
	}

	if len(c.Notify.Endpoints) > 0 {
		if c.Notify.Secret == "" {
			return errors.New("SETTLE_NOTIFY_SECRET is required when notification endpoints are set")
		}
		for _, endpoint := range c.Notify.Endpoints {
			u, err := url.Parse(endpoint)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("invalid notification endpoint: %q", endpoint)
			}
		}
	}

	if c.Sweeper.InvoiceTTL <= 0 {
		return errors.New("invoice TTL must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return errors.New("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return errors.New("OpenTelemetry service name is required when OTel is enabled")
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
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
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

// getEnvList splits a comma separated variable, dropping blanks
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
