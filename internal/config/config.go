// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Admission control
	RateLimitCapacity       int
	RateLimitRefillPerSec   float64
	RateLimitWindow         time.Duration
	RateLimitCountCacheHits bool // whether a cached scan response still consumes a token

	// Outbound fetch
	FetchTimeout time.Duration
	MaxRedirects int

	// Scan response cache
	ScanCacheTTL time.Duration

	// Ledger integrity
	LedgerHMACSecret     string // HMAC secret for signing projection records (optional)
	RequireSignedHistory bool   // history endpoint returns 503 when signing is unconfigured

	// API access
	APIKeys        []string // accepted API keys (empty = anonymous access allowed)
	ProjectionKeys []string // keys additionally granted forecast/ledger access

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultCapacity      = 10
	DefaultRefillPerSec  = 0.5
	DefaultWindowSec     = 60
	DefaultFetchTimeout  = 12 * time.Second
	DefaultMaxRedirects  = 5
	DefaultScanCacheTTL  = 15 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:             os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RateLimitCapacity:       int(getEnvInt64("RATE_LIMIT_CAPACITY", DefaultCapacity)),
		RateLimitRefillPerSec:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", DefaultRefillPerSec),
		RateLimitWindow:         time.Duration(getEnvInt64("RATE_LIMIT_WINDOW_SEC", DefaultWindowSec)) * time.Second,
		RateLimitCountCacheHits: getEnvBool("RATE_LIMIT_COUNT_CACHE_HITS", true),
		FetchTimeout:            time.Duration(getEnvInt64("FETCH_TIMEOUT_SEC", int64(DefaultFetchTimeout/time.Second))) * time.Second,
		MaxRedirects:            int(getEnvInt64("MAX_REDIRECTS", DefaultMaxRedirects)),
		ScanCacheTTL:            time.Duration(getEnvInt64("SCAN_CACHE_TTL_SEC", int64(DefaultScanCacheTTL/time.Second))) * time.Second,
		LedgerHMACSecret:        os.Getenv("LEDGER_HMAC_SECRET"),
		APIKeys:                 getEnvList("API_KEYS"),
		ProjectionKeys:          getEnvList("PROJECTION_API_KEYS"),
		RequireSignedHistory:    getEnvBool("REQUIRE_SIGNED_HISTORY", false),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.RateLimitCapacity < 1 {
		return fmt.Errorf("RATE_LIMIT_CAPACITY must be at least 1")
	}
	if c.RateLimitRefillPerSec <= 0 {
		return fmt.Errorf("RATE_LIMIT_REFILL_PER_SEC must be positive")
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_SEC must be positive")
	}
	if c.FetchTimeout < time.Second || c.FetchTimeout > time.Minute {
		return fmt.Errorf("FETCH_TIMEOUT_SEC must be between 1 and 60")
	}
	if c.MaxRedirects < 0 || c.MaxRedirects > 20 {
		return fmt.Errorf("MAX_REDIRECTS must be between 0 and 20")
	}
	if c.RequireSignedHistory && c.LedgerHMACSecret == "" {
		// Not fatal: the history endpoint reports service-unavailable instead.
		// Flagging it at startup saves an ops round-trip.
		fmt.Fprintln(os.Stderr, "warning: REQUIRE_SIGNED_HISTORY set without LEDGER_HMAC_SECRET; history endpoint will return 503")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
