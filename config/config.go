// Package config loads EverTask's runtime configuration from environment
// variables (optionally seeded from a .env file), following the teacher's
// getEnv/getEnvInt/getEnvBool/getEnvDuration helper style and extending it
// into the full options table of spec §6.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/evertask/evertask/internal/models"
	"github.com/evertask/evertask/internal/queue"
	"github.com/evertask/evertask/internal/task"
	"github.com/joho/godotenv"
)

// Config is the full EverTask options table (spec §6 "Configuration
// (effective options enumerated)").
type Config struct {
	HTTPPort int

	PostgresDSN    string
	PostgresSchema string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ChannelCapacity        int
	ChannelFullMode        queue.FullMode
	MaxDegreeOfParallelism int

	RetryKind        string // "none" | "linear" | "exponential"
	RetryMaxAttempts int
	RetryDelay       time.Duration
	RetryMaxDelay    time.Duration

	DefaultTimeout         time.Duration
	ThrowIfUnableToPersist bool
	DefaultAuditLevel      models.AuditLevel

	PersistentLoggingEnabled       bool
	PersistentLoggerMinimumLevel   string
	PersistentLoggerMaxLogsPerTask int

	ShutdownGrace time.Duration
}

// Load reads .env (if present) then environment variables, applying the same
// defaults the teacher's config.go applies for unset keys.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("evertask: config: no .env file found, using process environment")
	}

	return &Config{
		HTTPPort: getEnvInt("HTTP_PORT", 8080),

		PostgresDSN:    getEnv("POSTGRES_DSN", ""),
		PostgresSchema: getEnv("POSTGRES_SCHEMA", "public"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		ChannelCapacity:        getEnvInt("CHANNEL_CAPACITY", 1000),
		ChannelFullMode:        queue.FullMode(getEnv("CHANNEL_FULL_MODE", string(queue.Wait))),
		MaxDegreeOfParallelism: getEnvInt("MAX_DEGREE_OF_PARALLELISM", 4),

		RetryKind:        getEnv("RETRY_KIND", "linear"),
		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryDelay:       getEnvDuration("RETRY_DELAY", 2*time.Second),
		RetryMaxDelay:    getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),

		DefaultTimeout:         getEnvDuration("DEFAULT_TIMEOUT", 0),
		ThrowIfUnableToPersist: getEnvBool("THROW_IF_UNABLE_TO_PERSIST", false),
		DefaultAuditLevel:      models.AuditLevel(getEnv("DEFAULT_AUDIT_LEVEL", string(models.AuditFull))),

		PersistentLoggingEnabled:       getEnvBool("PERSISTENT_LOGGING_ENABLED", true),
		PersistentLoggerMinimumLevel:   getEnv("PERSISTENT_LOGGER_MINIMUM_LEVEL", "info"),
		PersistentLoggerMaxLogsPerTask: getEnvInt("PERSISTENT_LOGGER_MAX_LOGS_PER_TASK", 200),

		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", 30*time.Second),
	}
}

// RetryPolicy builds the global fallback RetryPolicy (spec §6
// "defaultRetryPolicy") from RetryKind/RetryMaxAttempts/RetryDelay.
func (c *Config) RetryPolicy() task.RetryPolicy {
	switch c.RetryKind {
	case "none":
		return task.NoRetry{}
	case "exponential":
		return task.NewExponentialRetry(c.RetryMaxAttempts, c.RetryDelay, c.RetryMaxDelay)
	default:
		return task.NewLinearRetry(c.RetryMaxAttempts, c.RetryDelay)
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("evertask: config: invalid int for %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("evertask: config: invalid bool for %s=%q, using default %t", key, v, fallback)
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("evertask: config: invalid duration for %s=%q, using default %s", key, v, fallback)
		return fallback
	}
	return d
}
