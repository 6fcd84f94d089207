package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/noah-isme/shop-reduction/internal/modifier"
)

// Save backends accepted by SAVE_BACKEND.
const (
	SaveBackendRedis    = "redis"
	SaveBackendPostgres = "postgres"
	SaveBackendSQLite   = "sqlite"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	MaxBodyBytes       int64

	JWTSecret            string
	AuthorPassphraseHash string
	AccessTokenTTL       time.Duration

	PercentMode    modifier.Mode
	PresetsPath    string
	SessionIdleTTL time.Duration

	SaveBackend   string
	SQLitePath    string
	SaveKeyPrefix string

	SaveBreakerMinRequests  int
	SaveBreakerFailureRatio float64
	SaveBreakerOpenFor      time.Duration

	PriceRateLimit   string
	IdempotencyTTL   time.Duration
	LockTTL          time.Duration
	LockRetryBackoff time.Duration

	JournalEnabled    bool
	WorkerConcurrency int
	JournalQueue      string
	JournalMaxRetry   int
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	mode, ok := modifier.ParseMode(k.String("REDUCTION_PERCENT_MODE"))
	if !ok {
		return nil, fmt.Errorf("REDUCTION_PERCENT_MODE must be legacy or linear, got %q", k.String("REDUCTION_PERCENT_MODE"))
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        strings.TrimSpace(k.String("DATABASE_URL")),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		MaxBodyBytes:       int64(parseInt(k.String("MAX_BODY_BYTES"), 1<<20)),

		JWTSecret:            k.String("JWT_SECRET"),
		AuthorPassphraseHash: strings.TrimSpace(k.String("AUTHOR_PASSPHRASE_HASH")),
		AccessTokenTTL:       parseDuration(k.String("ACCESS_TOKEN_TTL"), "1h"),

		PercentMode:    mode,
		PresetsPath:    strings.TrimSpace(k.String("REDUCTION_PRESETS_PATH")),
		SessionIdleTTL: parseDuration(k.String("SESSION_IDLE_TTL"), "24h"),

		SaveBackend:   strings.ToLower(valueOrDefault(k.String("SAVE_BACKEND"), SaveBackendRedis)),
		SQLitePath:    valueOrDefault(k.String("SQLITE_PATH"), "reduction.db"),
		SaveKeyPrefix: valueOrDefault(k.String("SAVE_KEY_PREFIX"), "reduction:save:"),

		SaveBreakerMinRequests:  parseInt(k.String("SAVE_BREAKER_MIN_REQUESTS"), 5),
		SaveBreakerFailureRatio: parseFloat(k.String("SAVE_BREAKER_FAILURE_RATIO"), 0.5),
		SaveBreakerOpenFor:      parseDuration(k.String("SAVE_BREAKER_OPEN_FOR"), "30s"),

		PriceRateLimit:   valueOrDefault(k.String("PRICE_RATE_LIMIT"), "600-M"),
		IdempotencyTTL:   parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		LockTTL:          parseDuration(k.String("LOCK_TTL"), "5s"),
		LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),

		JournalEnabled:    parseBoolDefault(k.String("JOURNAL_ENABLED"), true),
		WorkerConcurrency: parseInt(k.String("WORKER_CONCURRENCY"), 4),
		JournalQueue:      valueOrDefault(k.String("JOURNAL_QUEUE"), "journal"),
		JournalMaxRetry:   parseInt(k.String("JOURNAL_MAX_RETRY"), 5),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch c.SaveBackend {
	case SaveBackendRedis, SaveBackendSQLite:
	case SaveBackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres save backend")
		}
	default:
		return fmt.Errorf("SAVE_BACKEND must be redis, postgres or sqlite, got %q", c.SaveBackend)
	}
	if c.JournalEnabled && c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required when JOURNAL_ENABLED is set")
	}
	return nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// NeedsDatabase reports whether any enabled component talks to Postgres.
func (c *Config) NeedsDatabase() bool {
	return c.SaveBackend == SaveBackendPostgres || c.JournalEnabled
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
