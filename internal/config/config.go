package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the metrics engine.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Log       LogConfig
	Metrics   MetricsConfig
	Cache     CacheConfig
	Summary   SummaryConfig
	Fetch     FetchConfig
	Retry     RetryConfig
	Platforms PlatformsConfig

	// TenantsFile points at the YAML tenant registry (accounts, credentials, custom conversions).
	TenantsFile string
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	SkipPaths []string
}

type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

type LogConfig struct {
	Level  string
	Format string

	// File enables a rotating log file next to stdout when set.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool
	Path      string
	Namespace string
}

// CacheConfig configures the tiered snapshot cache.
type CacheConfig struct {
	// FreshnessWindow is the single staleness threshold for current-period snapshots.
	FreshnessWindow time.Duration
	// KeyTTL bounds how long an abandoned snapshot key lingers in Redis. Zero keeps keys forever.
	KeyTTL time.Duration
}

// SummaryConfig configures the durable summary store.
type SummaryConfig struct {
	RetentionMonths int
}

// FetchConfig configures the platform fetch step.
type FetchConfig struct {
	Timeout        time.Duration
	RefreshTimeout time.Duration
	Location       *time.Location
}

// RetryConfig configures the orchestrator retry policy.
type RetryConfig struct {
	RateLimitAttempts int
	TransientAttempts int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Multiplier        float64
	Jitter            bool
}

// PlatformsConfig holds the upstream advertising platform endpoints.
type PlatformsConfig struct {
	Meta   MetaConfig
	Google GoogleConfig
}

type MetaConfig struct {
	BaseURL    string
	APIVersion string
	RPS        float64
}

type GoogleConfig struct {
	BaseURL         string
	APIVersion      string
	TokenURL        string
	DeveloperToken  string
	LoginCustomerID string
	ClientID        string
	ClientSecret    string
	RPS             float64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	loc, err := time.LoadLocation(getEnv("METRICS_TIMEZONE", "UTC"))
	if err != nil {
		return nil, fmt.Errorf("invalid METRICS_TIMEZONE: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("METRICS_HTTP_ADDR", ":8080"),
			Env:             getEnv("METRICS_ENV", "development"),
			ShutdownTimeout: getDurationEnv("METRICS_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("METRICS_DB_HOST", "localhost"),
			Port:     getIntEnv("METRICS_DB_PORT", 5432),
			User:     getEnv("METRICS_DB_USER", "metrics"),
			Password: getEnv("METRICS_DB_PASSWORD", "metrics_secret"),
			DBName:   getEnv("METRICS_DB_NAME", "metrics"),
			SSLMode:  getEnv("METRICS_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("METRICS_DB_MAX_CONNS", 25),
			MinConns: getIntEnv("METRICS_DB_MIN_CONNS", 2),
		},
		Redis: RedisConfig{
			Addr:     getEnv("METRICS_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("METRICS_REDIS_PASSWORD", ""),
			DB:       getIntEnv("METRICS_REDIS_DB", 0),
			PoolSize: getIntEnv("METRICS_REDIS_POOL_SIZE", 50),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("METRICS_AUTH_ENABLED", true),
			MasterKey: getEnv("METRICS_API_KEY_MASTER", ""),
			SkipPaths: getSliceEnv("METRICS_AUTH_SKIP_PATHS", []string{"/health", "/metrics"}),
		},
		RateLimit: RateLimitConfig{
			Enabled: getBoolEnv("METRICS_RATE_LIMIT_ENABLED", true),
			RPS:     getFloatEnv("METRICS_RATE_LIMIT_RPS", 50),
			Burst:   getIntEnv("METRICS_RATE_LIMIT_BURST", 20),
		},
		Log: LogConfig{
			Level:      getEnv("METRICS_LOG_LEVEL", "info"),
			Format:     getEnv("METRICS_LOG_FORMAT", "json"),
			File:       getEnv("METRICS_LOG_FILE", ""),
			MaxSizeMB:  getIntEnv("METRICS_LOG_MAX_SIZE_MB", 100),
			MaxBackups: getIntEnv("METRICS_LOG_MAX_BACKUPS", 5),
		},
		Metrics: MetricsConfig{
			Enabled:   getBoolEnv("METRICS_PROMETHEUS_ENABLED", true),
			Path:      getEnv("METRICS_PROMETHEUS_PATH", "/metrics"),
			Namespace: getEnv("METRICS_PROMETHEUS_NAMESPACE", "ads_metrics"),
		},
		Cache: CacheConfig{
			FreshnessWindow: getDurationEnv("METRICS_CACHE_FRESHNESS", 3*time.Hour),
			KeyTTL:          getDurationEnv("METRICS_CACHE_KEY_TTL", 40*24*time.Hour),
		},
		Summary: SummaryConfig{
			RetentionMonths: getIntEnv("METRICS_SUMMARY_RETENTION_MONTHS", 12),
		},
		Fetch: FetchConfig{
			Timeout:        getDurationEnv("METRICS_FETCH_TIMEOUT", 45*time.Second),
			RefreshTimeout: getDurationEnv("METRICS_REFRESH_TIMEOUT", 2*time.Minute),
			Location:       loc,
		},
		Retry: RetryConfig{
			RateLimitAttempts: getIntEnv("METRICS_RETRY_RATE_LIMIT_ATTEMPTS", 3),
			TransientAttempts: getIntEnv("METRICS_RETRY_TRANSIENT_ATTEMPTS", 2),
			BaseDelay:         getDurationEnv("METRICS_RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:          getDurationEnv("METRICS_RETRY_MAX_DELAY", 10*time.Second),
			Multiplier:        getFloatEnv("METRICS_RETRY_MULTIPLIER", 2.0),
			Jitter:            getBoolEnv("METRICS_RETRY_JITTER", true),
		},
		Platforms: PlatformsConfig{
			Meta: MetaConfig{
				BaseURL:    getEnv("METRICS_META_BASE_URL", "https://graph.facebook.com"),
				APIVersion: getEnv("METRICS_META_API_VERSION", "v19.0"),
				RPS:        getFloatEnv("METRICS_META_RPS", 5),
			},
			Google: GoogleConfig{
				BaseURL:         getEnv("METRICS_GOOGLE_BASE_URL", "https://googleads.googleapis.com"),
				APIVersion:      getEnv("METRICS_GOOGLE_API_VERSION", "v16"),
				TokenURL:        getEnv("METRICS_GOOGLE_TOKEN_URL", "https://oauth2.googleapis.com/token"),
				DeveloperToken:  getEnv("METRICS_GOOGLE_DEVELOPER_TOKEN", ""),
				LoginCustomerID: getEnv("METRICS_GOOGLE_LOGIN_CUSTOMER_ID", ""),
				ClientID:        getEnv("METRICS_GOOGLE_CLIENT_ID", ""),
				ClientSecret:    getEnv("METRICS_GOOGLE_CLIENT_SECRET", ""),
				RPS:             getFloatEnv("METRICS_GOOGLE_RPS", 5),
			},
		},
		TenantsFile: getEnv("METRICS_TENANTS_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return fmt.Errorf("METRICS_API_KEY_MASTER is required when auth is enabled")
	}
	if c.Cache.FreshnessWindow <= 0 {
		return fmt.Errorf("METRICS_CACHE_FRESHNESS must be positive")
	}
	if c.Summary.RetentionMonths <= 0 {
		return fmt.Errorf("METRICS_SUMMARY_RETENTION_MONTHS must be positive")
	}
	if c.Retry.RateLimitAttempts < 1 || c.Retry.TransientAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
