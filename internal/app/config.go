package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	// Snapshot persistence: "memory", "sqlite", or "redis".
	SnapshotBackend string
	SnapshotDSN     string // SQLite DSN when backend is sqlite
	RedisAddr       string
	RedisPassword   string
	RedisDB         int

	// Capability matrix + flag seeds; empty means built-in defaults.
	MatrixFile string

	// Audit trail. An empty mirror DSN enables the SQLite mirror only when
	// the snapshot backend is sqlite.
	AuditLogPath       string // JSONL file sink; empty = stdout
	AuditMirrorDSN     string
	AuditRetentionDays int

	// Provider adapters. An empty endpoint leaves the provider without an
	// adapter; its circuit breaker isolates it after the first failures.
	AWSEndpoint    string
	AWSAPIKey      string
	GoogleEndpoint string
	GoogleAPIKey   string
	MetaEndpoint   string
	MetaAPIKey     string

	ProviderTimeout time.Duration

	// Background cache optimization.
	OptimizerEnabled  bool
	OptimizerInterval time.Duration

	// Metrics history sampling. An empty DSN picks a file next to the
	// snapshot database for the sqlite backend and ":memory:" otherwise.
	HistoryEnabled        bool
	HistoryDSN            string
	HistoryRetention      time.Duration
	HistorySampleInterval time.Duration

	// Idempotency-Key replay window on the execute endpoint.
	IdempotencyTTL time.Duration

	// Security & hardening.
	AuthEnabled    bool     // require API keys on /v1 and /admin/v1
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	// OpenTelemetry tracing.
	OTelEnabled  bool
	OTelEndpoint string

	// Temporal workflow engine.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("MODELPLANE_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("MODELPLANE_LOG_LEVEL", "info"),

		SnapshotBackend: getEnv("MODELPLANE_SNAPSHOT_BACKEND", "memory"),
		SnapshotDSN:     getEnv("MODELPLANE_SNAPSHOT_DSN", "file:modelplane.sqlite"),
		RedisAddr:       getEnv("MODELPLANE_REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getEnv("MODELPLANE_REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("MODELPLANE_REDIS_DB", 0),

		MatrixFile: getEnv("MODELPLANE_MATRIX_FILE", ""),

		AuditLogPath:       getEnv("MODELPLANE_AUDIT_LOG", ""),
		AuditMirrorDSN:     getEnv("MODELPLANE_AUDIT_MIRROR", ""),
		AuditRetentionDays: getEnvInt("MODELPLANE_AUDIT_RETENTION_DAYS", 30),

		AWSEndpoint:    getEnv("MODELPLANE_AWS_ENDPOINT", ""),
		AWSAPIKey:      getEnv("MODELPLANE_AWS_API_KEY", ""),
		GoogleEndpoint: getEnv("MODELPLANE_GOOGLE_ENDPOINT", ""),
		GoogleAPIKey:   getEnv("MODELPLANE_GOOGLE_API_KEY", ""),
		MetaEndpoint:   getEnv("MODELPLANE_META_ENDPOINT", ""),
		MetaAPIKey:     getEnv("MODELPLANE_META_API_KEY", ""),

		ProviderTimeout: getEnvDuration("MODELPLANE_PROVIDER_TIMEOUT", 30*time.Second),

		OptimizerEnabled:  getEnvBool("MODELPLANE_OPTIMIZER_ENABLED", true),
		OptimizerInterval: getEnvDuration("MODELPLANE_OPTIMIZER_INTERVAL", 30*time.Minute),

		HistoryEnabled:        getEnvBool("MODELPLANE_HISTORY_ENABLED", true),
		HistoryDSN:            getEnv("MODELPLANE_HISTORY_DSN", ""),
		HistoryRetention:      getEnvDuration("MODELPLANE_HISTORY_RETENTION", 7*24*time.Hour),
		HistorySampleInterval: getEnvDuration("MODELPLANE_HISTORY_SAMPLE_INTERVAL", 30*time.Second),

		IdempotencyTTL: getEnvDuration("MODELPLANE_IDEMPOTENCY_TTL", time.Hour),

		AuthEnabled:    getEnvBool("MODELPLANE_AUTH_ENABLED", false),
		CORSOrigins:    getEnvStringSlice("MODELPLANE_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("MODELPLANE_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("MODELPLANE_RATE_LIMIT_BURST", 120),

		OTelEnabled:  getEnvBool("MODELPLANE_OTEL_ENABLED", false),
		OTelEndpoint: getEnv("MODELPLANE_OTEL_ENDPOINT", "localhost:4318"),

		TemporalEnabled:   getEnvBool("MODELPLANE_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("MODELPLANE_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("MODELPLANE_TEMPORAL_NAMESPACE", "modelplane"),
		TemporalTaskQueue: getEnv("MODELPLANE_TEMPORAL_TASK_QUEUE", "modelplane-tasks"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	switch c.SnapshotBackend {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("MODELPLANE_SNAPSHOT_BACKEND must be memory, sqlite, or redis, got %q", c.SnapshotBackend)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("MODELPLANE_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("MODELPLANE_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("MODELPLANE_PROVIDER_TIMEOUT must be > 0, got %s", c.ProviderTimeout)
	}
	if c.AuditRetentionDays <= 0 {
		return fmt.Errorf("MODELPLANE_AUDIT_RETENTION_DAYS must be > 0, got %d", c.AuditRetentionDays)
	}
	if c.OptimizerInterval <= 0 {
		return fmt.Errorf("MODELPLANE_OPTIMIZER_INTERVAL must be > 0, got %s", c.OptimizerInterval)
	}
	if c.HistoryEnabled {
		if c.HistoryRetention <= 0 {
			return fmt.Errorf("MODELPLANE_HISTORY_RETENTION must be > 0, got %s", c.HistoryRetention)
		}
		if c.HistorySampleInterval <= 0 {
			return fmt.Errorf("MODELPLANE_HISTORY_SAMPLE_INTERVAL must be > 0, got %s", c.HistorySampleInterval)
		}
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("MODELPLANE_IDEMPOTENCY_TTL must be > 0, got %s", c.IdempotencyTTL)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
