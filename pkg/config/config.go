// Package config loads runtime configuration from environment variables with
// safe local defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds service configuration.
type Config struct {
	LogLevel         string
	DatabaseURL      string        // empty means in-memory persistence
	RedisAddr        string        // empty disables the ledger read cache
	RedisTTL         time.Duration // TTL for cached trace records
	ArchiveBucket    string        // empty disables segment archival
	ArchiveRegion    string
	ArchiveEndpoint  string // MinIO/LocalStack override
	SignerRootSecret string
	ExecutionTimeout time.Duration
	OTLPEndpoint     string
	OTelEnabled      bool
	OTelInsecure     bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	rootSecret := os.Getenv("SIGNER_ROOT_SECRET")
	if rootSecret == "" {
		// Local development only; any real deployment sets its own.
		rootSecret = "dev-only-signer-root-secret"
	}

	return &Config{
		LogLevel:         logLevel,
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisTTL:         durationEnv("REDIS_TTL", 24*time.Hour),
		ArchiveBucket:    os.Getenv("ARCHIVE_BUCKET"),
		ArchiveRegion:    envDefault("ARCHIVE_REGION", "us-east-1"),
		ArchiveEndpoint:  os.Getenv("ARCHIVE_ENDPOINT"),
		SignerRootSecret: rootSecret,
		ExecutionTimeout: durationEnv("EXECUTION_TIMEOUT", 5*time.Second),
		OTLPEndpoint:     envDefault("OTLP_ENDPOINT", "localhost:4317"),
		OTelEnabled:      os.Getenv("OTEL_ENABLED") == "true",
		OTelInsecure:     os.Getenv("OTEL_INSECURE") == "true",
	}
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
