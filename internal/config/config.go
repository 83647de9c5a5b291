package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the attribution core service.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	ClickHouse  ClickHouseConfig
	RateLimit   RateLimitConfig
	Log         LogConfig
	Metrics     MetricsConfig
	Attribution AttributionConfig
	Diagnostics DiagnosticsConfig
	Suggest     SuggestConfig
	Reconcile   ReconcileConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Enabled  bool
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
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// ClickHouseConfig configures the analytics warehouse export.
type ClickHouseConfig struct {
	Enabled      bool
	Addr         string
	Database     string
	User         string
	Password     string
	MaxOpenConns int
	MaxIdleConns int
}

// RateLimitConfig throttles the HTTP surface. Ingestion takes webhook
// bursts; the read and trigger endpoints get a lower ceiling.
type RateLimitConfig struct {
	Enabled     bool
	IngestRPS   float64
	IngestBurst int
	ReadRPS     float64
	ReadBurst   int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool
	Path      string
	Namespace string
}

// AttributionConfig holds the default attribution window parameters.
// Stores without an explicit override use these.
type AttributionConfig struct {
	ClickLookback time.Duration
	ViewLookback  time.Duration
	ClickHalfLife time.Duration
	ViewHalfLife  time.Duration
	Cap           float64
}

// DiagnosticsConfig holds the change-detection parameters.
type DiagnosticsConfig struct {
	BaselineBuckets    int
	WatchThreshold     float64
	FlagThreshold      float64
	ConsecutiveFlag    int
	ConsecutiveRecover int
	SampleFloor        int64
	SKUSwingThreshold  float64
}

// SuggestConfig holds the suggestion ranking parameters and the trend
// collaborator endpoint.
type SuggestConfig struct {
	TTL               time.Duration
	SeverityScale     float64
	TrendScale        float64
	LowStockThreshold int64
	InventoryPenalty  float64

	TrendBaseURL      string
	TrendTimeout      time.Duration
	TrendRatePerSec   float64
	CatalogCacheSize  int
}

// ReconcileConfig holds the scheduler parameters.
type ReconcileConfig struct {
	LeaseTTL     time.Duration
	Interval     time.Duration
	RunRetention time.Duration
	Stores       []string // stores reconciled on the periodic tick
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("CLIQUE_HTTP_ADDR", ":8080"),
			Env:             getEnv("CLIQUE_ENV", "development"),
			ShutdownTimeout: getDurationEnv("CLIQUE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Enabled:  getBoolEnv("CLIQUE_DB_ENABLED", false),
			Host:     getEnv("CLIQUE_DB_HOST", "localhost"),
			Port:     getIntEnv("CLIQUE_DB_PORT", 5432),
			User:     getEnv("CLIQUE_DB_USER", "clique"),
			Password: getEnv("CLIQUE_DB_PASSWORD", "clique_secret"),
			DBName:   getEnv("CLIQUE_DB_NAME", "clique"),
			SSLMode:  getEnv("CLIQUE_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("CLIQUE_DB_MAX_CONNS", 25),
			MinConns: getIntEnv("CLIQUE_DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Enabled:  getBoolEnv("CLIQUE_REDIS_ENABLED", false),
			Addr:     getEnv("CLIQUE_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("CLIQUE_REDIS_PASSWORD", ""),
			DB:       getIntEnv("CLIQUE_REDIS_DB", 0),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:      getBoolEnv("CLIQUE_CLICKHOUSE_ENABLED", false),
			Addr:         getEnv("CLIQUE_CLICKHOUSE_ADDR", "localhost:9000"),
			Database:     getEnv("CLIQUE_CLICKHOUSE_DATABASE", "clique"),
			User:         getEnv("CLIQUE_CLICKHOUSE_USER", "default"),
			Password:     getEnv("CLIQUE_CLICKHOUSE_PASSWORD", ""),
			MaxOpenConns: getIntEnv("CLIQUE_CLICKHOUSE_MAX_OPEN_CONNS", 10),
			MaxIdleConns: getIntEnv("CLIQUE_CLICKHOUSE_MAX_IDLE_CONNS", 5),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getBoolEnv("CLIQUE_RATE_LIMIT_ENABLED", true),
			IngestRPS:   getFloatEnv("CLIQUE_RATE_LIMIT_INGEST_RPS", 500),
			IngestBurst: getIntEnv("CLIQUE_RATE_LIMIT_INGEST_BURST", 100),
			ReadRPS:     getFloatEnv("CLIQUE_RATE_LIMIT_READ_RPS", 100),
			ReadBurst:   getIntEnv("CLIQUE_RATE_LIMIT_READ_BURST", 20),
		},
		Log: LogConfig{
			Level:  getEnv("CLIQUE_LOG_LEVEL", "info"),
			Format: getEnv("CLIQUE_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled:   getBoolEnv("CLIQUE_METRICS_ENABLED", true),
			Path:      getEnv("CLIQUE_METRICS_PATH", "/metrics"),
			Namespace: getEnv("CLIQUE_METRICS_NAMESPACE", "clique"),
		},
		Attribution: AttributionConfig{
			ClickLookback: getDurationEnv("CLIQUE_ATTR_CLICK_LOOKBACK", 7*24*time.Hour),
			ViewLookback:  getDurationEnv("CLIQUE_ATTR_VIEW_LOOKBACK", 24*time.Hour),
			ClickHalfLife: getDurationEnv("CLIQUE_ATTR_CLICK_HALF_LIFE", 24*time.Hour),
			ViewHalfLife:  getDurationEnv("CLIQUE_ATTR_VIEW_HALF_LIFE", 6*time.Hour),
			Cap:           getFloatEnv("CLIQUE_ATTR_CAP", 0.9),
		},
		Diagnostics: DiagnosticsConfig{
			BaselineBuckets:    getIntEnv("CLIQUE_DIAG_BASELINE_BUCKETS", 14),
			WatchThreshold:     getFloatEnv("CLIQUE_DIAG_WATCH_THRESHOLD", 1.0),
			FlagThreshold:      getFloatEnv("CLIQUE_DIAG_FLAG_THRESHOLD", 2.0),
			ConsecutiveFlag:    getIntEnv("CLIQUE_DIAG_CONSECUTIVE_FLAG", 2),
			ConsecutiveRecover: getIntEnv("CLIQUE_DIAG_CONSECUTIVE_RECOVER", 2),
			SampleFloor:        int64(getIntEnv("CLIQUE_DIAG_SAMPLE_FLOOR", 100)),
			SKUSwingThreshold:  getFloatEnv("CLIQUE_DIAG_SKU_SWING", 0.5),
		},
		Suggest: SuggestConfig{
			TTL:               getDurationEnv("CLIQUE_SUGGEST_TTL", 24*time.Hour),
			SeverityScale:     getFloatEnv("CLIQUE_SUGGEST_SEVERITY_SCALE", 10),
			TrendScale:        getFloatEnv("CLIQUE_SUGGEST_TREND_SCALE", 5),
			LowStockThreshold: int64(getIntEnv("CLIQUE_SUGGEST_LOW_STOCK", 10)),
			InventoryPenalty:  getFloatEnv("CLIQUE_SUGGEST_INVENTORY_PENALTY", 5),
			TrendBaseURL:      getEnv("CLIQUE_TREND_BASE_URL", ""),
			TrendTimeout:      getDurationEnv("CLIQUE_TREND_TIMEOUT", 5*time.Second),
			TrendRatePerSec:   getFloatEnv("CLIQUE_TREND_RATE_PER_SEC", 2),
			CatalogCacheSize:  getIntEnv("CLIQUE_CATALOG_CACHE_SIZE", 1024),
		},
		Reconcile: ReconcileConfig{
			LeaseTTL:     getDurationEnv("CLIQUE_RECONCILE_LEASE_TTL", 5*time.Minute),
			Interval:     getDurationEnv("CLIQUE_RECONCILE_INTERVAL", 2*time.Hour),
			RunRetention: getDurationEnv("CLIQUE_RECONCILE_RUN_RETENTION", time.Hour),
			Stores:       getSliceEnv("CLIQUE_RECONCILE_STORES", nil),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Attribution.Cap <= 0 || c.Attribution.Cap > 1 {
		return fmt.Errorf("CLIQUE_ATTR_CAP must be in (0, 1], got %v", c.Attribution.Cap)
	}
	if c.Attribution.ViewLookback > c.Attribution.ClickLookback {
		return fmt.Errorf("CLIQUE_ATTR_VIEW_LOOKBACK must not exceed CLIQUE_ATTR_CLICK_LOOKBACK")
	}
	if c.Diagnostics.BaselineBuckets < 2 {
		return fmt.Errorf("CLIQUE_DIAG_BASELINE_BUCKETS must be at least 2, got %d", c.Diagnostics.BaselineBuckets)
	}
	if c.Diagnostics.FlagThreshold < c.Diagnostics.WatchThreshold {
		return fmt.Errorf("CLIQUE_DIAG_FLAG_THRESHOLD must not be below CLIQUE_DIAG_WATCH_THRESHOLD")
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
