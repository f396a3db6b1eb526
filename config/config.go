/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Gateway configuration: server, Redis, idempotency tracker
             tunables (cached_ttl, processing_ttl, prune_interval,
             max_concurrent_wait, idempotent_methods) and body limits.
Root Cause:  Sprint task T011 — gateway configuration.
Context:     The tracker's own tunables are configuration, not code —
             operators tune retention and wait windows per deployment
             without a rebuild.
Suitability: L3 model for standard config loading.
──────────────────────────────────────────────────────────────
*/

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all gateway configuration values.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	// Redis (only consulted when StoreBackend == "redis")
	RedisURL string

	// Store backend selection: "memory" (default) or "redis"
	StoreBackend string

	// Idempotency tracker tunables (spec §6 configuration options)
	CachedTTL         time.Duration
	ProcessingTTL     time.Duration
	PruneInterval     time.Duration
	MaxConcurrentWait time.Duration
	IdempotentMethods []string // methods that bypass tracking entirely

	// Body limits
	MaxBodyBytes int64

	// Request deadlines (ambient, generic HTTP concern)
	RequestTimeoutDefault time.Duration
	RequestTimeoutMax     time.Duration

	// Rate limiting (ambient, generic HTTP concern — not tracker-specific)
	RateLimitEnabled bool
	RateLimitRPM     int
	RateLimitBurst   int

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables and an optional
// .env file.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("GATEWAY_GRACEFUL_TIMEOUT_SEC", 15)

	return &Config{
		Addr:            getEnv("GATEWAY_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,

		RedisURL:     getEnv("REDIS_URL", "redis://redis:6379"),
		StoreBackend: getEnv("STORE_BACKEND", "memory"),

		CachedTTL:         getEnvDuration("IDEMPOTENCY_CACHED_TTL", 24*time.Hour),
		ProcessingTTL:     getEnvDuration("IDEMPOTENCY_PROCESSING_TTL", 2*time.Minute),
		PruneInterval:     getEnvDuration("IDEMPOTENCY_PRUNE_INTERVAL", time.Minute),
		MaxConcurrentWait: getEnvDuration("IDEMPOTENCY_MAX_CONCURRENT_WAIT", 10*time.Second),
		IdempotentMethods: getEnvList("IDEMPOTENCY_BYPASS_METHODS", []string{"GET", "HEAD"}),

		MaxBodyBytes: int64(getEnvInt("GATEWAY_MAX_BODY_BYTES", 1*1024*1024)),

		RequestTimeoutDefault: getEnvDuration("REQUEST_TIMEOUT_DEFAULT", 30*time.Second),
		RequestTimeoutMax:     getEnvDuration("REQUEST_TIMEOUT_MAX", 5*time.Minute),

		RateLimitEnabled: getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:     getEnvInt("RATE_LIMIT_RPM", 60),
		RateLimitBurst:   getEnvInt("RATE_LIMIT_BURST", 10),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
