package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseURL  string
	DBSchema     string
	QueryTimeout time.Duration
	Port         string
	LogLevel     string

	// Anonymization zones; empty leaves the engine disabled.
	ZonesPath    string
	TaxonomyPath string

	BlockstoreDir     string
	DefaultArrayYears int

	// AuthToken is the bearer token of authorized callers. Empty means
	// every caller is anonymous.
	AuthToken string

	MetricsEnabled bool
}

func Load() Config {
	return Config{
		DatabaseURL:       getEnvRequired("DATABASE_URL"),
		DBSchema:          getEnv("DB_SCHEMA", "public"),
		QueryTimeout:      getEnvDuration("QUERY_TIMEOUT", 10*time.Second),
		Port:              getEnv("PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		ZonesPath:         getEnv("ZONES_PATH", ""),
		TaxonomyPath:      getEnv("TAXONOMY_PATH", ""),
		BlockstoreDir:     getEnv("BLOCKSTORE_DIR", "./data/arrays"),
		DefaultArrayYears: getEnvInt("DEFAULT_ARRAY_YEARS", 10),
		AuthToken:         getEnv("AUTH_TOKEN", ""),
		MetricsEnabled:    getEnvBool("METRICS_ENABLED", true),
	}
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func getEnvRequired(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic("required environment variable " + key + " is not set")
	}
	return v
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", v, "error", err)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid boolean env var, using default", "key", key, "value", v, "error", err)
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration env var, using default", "key", key, "value", v, "error", err)
		return fallback
	}
	return d
}
