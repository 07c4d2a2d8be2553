package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the brigade dispatch service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogLevel         string

	RelayStepTimeout time.Duration
	RegistryStrict   bool
	ExclusiveStaff   bool
	SelectionSeed    int64

	DatabaseURL  string
	RedisAddr    string
	JournalLimit int
}

// Load reads environment variables (and an optional .env file) and applies
// safe defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "brigade"),
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		RedisAddr:        stringsTrimSpace("REDIS_ADDR"),
		ShutdownTimeout:  15 * time.Second,
		RelayStepTimeout: 30 * time.Second,
		JournalLimit:     1000,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RelayStepTimeout, err = durationFromEnv("RELAY_STEP_TIMEOUT", cfg.RelayStepTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RegistryStrict, err = boolFromEnv("REGISTRY_STRICT", cfg.RegistryStrict)
	if err != nil {
		return Config{}, err
	}
	cfg.ExclusiveStaff, err = boolFromEnv("EXCLUSIVE_STAFF", cfg.ExclusiveStaff)
	if err != nil {
		return Config{}, err
	}
	cfg.SelectionSeed, err = int64FromEnv("SELECTION_SEED", cfg.SelectionSeed)
	if err != nil {
		return Config{}, err
	}
	cfg.JournalLimit, err = intFromEnv("JOURNAL_LIMIT", cfg.JournalLimit)
	if err != nil {
		return Config{}, err
	}

	if cfg.ShutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if cfg.RelayStepTimeout < 0 {
		return Config{}, fmt.Errorf("RELAY_STEP_TIMEOUT must be >= 0")
	}
	if cfg.JournalLimit <= 0 {
		return Config{}, fmt.Errorf("JOURNAL_LIMIT must be positive")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func int64FromEnv(key string, fallback int64) (int64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
