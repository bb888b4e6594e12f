// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all process configuration.
type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Logging  LoggingConfig
	Engine   EngineConfig
	Upstream UpstreamConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORS            bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string
	Format string // "json" or "text"
}

// EngineConfig holds the closed set of scheduler/engine tunables
// described in spec.md §9, each with a documented default.
type EngineConfig struct {
	MaxConcurrentUnits            int
	MaxActivationSlots            int
	ActivityPollInterval          time.Duration
	ActivityTimeoutPolls          int
	ParallelMapDefaultConcurrency int
	PhaseRetryAttempts            int
	PhaseRetryBase                time.Duration
	JobTTL                        time.Duration
	JobLockTTL                    time.Duration
	UnitLockTTL                   time.Duration
	SSEKeepalive                  time.Duration
}

// UpstreamConfig holds upstream controller connectivity configuration.
type UpstreamConfig struct {
	BaseURLsByRegion  map[string]string
	TenantRateLimit   int
	ConnPoolSize      int
	CircuitBreakerMin uint32
}

// DefaultEngineConfig returns the documented defaults from spec.md §9.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrentUnits:            10,
		MaxActivationSlots:            12,
		ActivityPollInterval:          3 * time.Second,
		ActivityTimeoutPolls:          60,
		ParallelMapDefaultConcurrency: 10,
		PhaseRetryAttempts:            3,
		PhaseRetryBase:                2 * time.Second,
		JobTTL:                        7 * 24 * time.Hour,
		JobLockTTL:                    5 * time.Minute,
		UnitLockTTL:                   1 * time.Minute,
		SSEKeepalive:                  15 * time.Second,
	}
}

// Load reads configuration from the environment, loading a .env file
// first when present (errors from a missing .env are ignored).
func Load() (*Config, error) {
	_ = godotenv.Load()

	eng := DefaultEngineConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("SERVER_PORT", 8080),
			Host:            envString("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     envDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    envDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: envDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			CORS:            envBool("SERVER_CORS", true),
		},
		Redis: RedisConfig{
			URL:      envString("REDIS_URL", "redis://localhost:6379/0"),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
			PoolSize: envInt("REDIS_POOL_SIZE", 20),
		},
		Logging: LoggingConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "json"),
		},
		Engine: EngineConfig{
			MaxConcurrentUnits:            envInt("ENGINE_MAX_CONCURRENT_UNITS", eng.MaxConcurrentUnits),
			MaxActivationSlots:            envInt("ENGINE_MAX_ACTIVATION_SLOTS", eng.MaxActivationSlots),
			ActivityPollInterval:          envDuration("ENGINE_ACTIVITY_POLL_INTERVAL", eng.ActivityPollInterval),
			ActivityTimeoutPolls:          envInt("ENGINE_ACTIVITY_TIMEOUT_POLLS", eng.ActivityTimeoutPolls),
			ParallelMapDefaultConcurrency: envInt("ENGINE_PARALLEL_MAP_CONCURRENCY", eng.ParallelMapDefaultConcurrency),
			PhaseRetryAttempts:            envInt("ENGINE_PHASE_RETRY_ATTEMPTS", eng.PhaseRetryAttempts),
			PhaseRetryBase:                envDuration("ENGINE_PHASE_RETRY_BASE", eng.PhaseRetryBase),
			JobTTL:                        envDuration("ENGINE_JOB_TTL", eng.JobTTL),
			JobLockTTL:                    envDuration("ENGINE_JOB_LOCK_TTL", eng.JobLockTTL),
			UnitLockTTL:                   envDuration("ENGINE_UNIT_LOCK_TTL", eng.UnitLockTTL),
			SSEKeepalive:                  envDuration("ENGINE_SSE_KEEPALIVE", eng.SSEKeepalive),
		},
		Upstream: UpstreamConfig{
			BaseURLsByRegion:  envRegionMap("UPSTREAM_BASE_URLS"),
			TenantRateLimit:   envInt("UPSTREAM_TENANT_RATE_LIMIT", 1),
			ConnPoolSize:      envInt("UPSTREAM_CONN_POOL_SIZE", 20),
			CircuitBreakerMin: uint32(envInt("UPSTREAM_CIRCUIT_BREAKER_MIN_REQUESTS", 5)),
		},
	}

	if cfg.Server.Port <= 0 {
		return nil, fmt.Errorf("invalid SERVER_PORT: %d", cfg.Server.Port)
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// envRegionMap parses "us:https://us.example.com,eu:https://eu.example.com".
func envRegionMap(key string) map[string]string {
	out := map[string]string{}
	v := os.Getenv(key)
	if v == "" {
		return out
	}
	for _, pair := range strings.Split(v, ",") {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}
