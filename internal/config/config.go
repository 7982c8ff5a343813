package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the API server settings. Every field is sourced from the
// environment; see Load for the variable names.
type Config struct {
	Addr    string
	DataDir string
	BaseURL string

	QueueBackend  string
	DatabaseURL   string
	RedisURL      string
	EntryMaxAge   time.Duration
	SweepInterval time.Duration

	LeaseTTL       time.Duration
	ProcessTypes   []string
	LogLevel       string
	LogFormat      string
	AllowedOrigins []string
}

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:           getenv("SALESHUB_API_ADDR", ":8080"),
		DataDir:        getenv("SALESHUB_DATA_DIR", filepath.Join(".", "local-data")),
		BaseURL:        strings.TrimSpace(os.Getenv("SALESHUB_BASE_URL")),
		QueueBackend:   strings.ToLower(getenv("QUEUE_BACKEND", BackendSQLite)),
		DatabaseURL:    envFirst("QUEUE_DATABASE_URL", "DATABASE_URL"),
		RedisURL:       envFirst("QUEUE_REDIS_URL", "REDIS_URL"),
		ProcessTypes:   getenvCSV("SALESHUB_PROCESS_TYPES", []string{"ROM Generator", "Coverage Plot"}),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogFormat:      getenv("LOG_FORMAT", "console"),
		AllowedOrigins: getenvCSV("SALESHUB_ALLOWED_ORIGINS", []string{"*"}),
	}

	var err error
	if cfg.EntryMaxAge, err = getenvDuration("QUEUE_ENTRY_MAX_AGE", 0); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = getenvDuration("QUEUE_SWEEP_INTERVAL", time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.LeaseTTL, err = getenvDuration("JOB_LEASE_TTL", time.Minute); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	switch c.QueueBackend {
	case BackendSQLite, BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: QUEUE_BACKEND=postgres requires QUEUE_DATABASE_URL")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("config: QUEUE_BACKEND=redis requires QUEUE_REDIS_URL")
		}
	default:
		return fmt.Errorf("config: unsupported QUEUE_BACKEND %q", c.QueueBackend)
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("config: JOB_LEASE_TTL must be positive")
	}
	if c.EntryMaxAge > 0 && c.SweepInterval <= 0 {
		return fmt.Errorf("config: QUEUE_SWEEP_INTERVAL must be positive when QUEUE_ENTRY_MAX_AGE is set")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFirst(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	// Bare integers are seconds.
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid duration for %s: %q", key, raw)
	}
	return time.Duration(secs) * time.Second, nil
}

func getenvCSV(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	values := splitCSV(raw)
	if len(values) == 0 {
		return fallback
	}
	return values
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
