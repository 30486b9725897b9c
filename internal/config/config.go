// Package config loads service configuration from environment variables,
// following the plain getEnv-helper convention used across this codebase
// rather than a flag/config library.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for any binary in this module.
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Scheduler SchedulerConfig
	Executor  ExecutorConfig
}

// ServiceConfig carries identity and logging settings.
type ServiceConfig struct {
	Name        string
	Environment string
	LogLevel    string
	LogFormat   string
	Port        int
}

// DatabaseConfig configures the Postgres connection pool.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// RedisConfig configures the dispatch queue / CAS / stream publisher backend.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// QueueConfig selects the dispatch queue backend.
type QueueConfig struct {
	Type string // "redis" or "memory"
}

// SchedulerConfig configures the scheduler tick loop.
type SchedulerConfig struct {
	TickInterval    time.Duration
	ClaimBatchSize  int
	MaxWallTime     time.Duration
	ReaperInterval  time.Duration
	EnableScheduler bool
}

// ExecutorConfig configures default per-kind retry behavior and budgets.
type ExecutorConfig struct {
	HTTPTimeout       time.Duration
	RetryMaxAttempts  int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	CodeSandboxBudget time.Duration
	InlineDelayMaxMs  int64
}

// Load builds a Config for serviceName from the process environment.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "console"),
			Port:        getEnvInt("PORT", 8081),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			Name:            getEnv("DB_NAME", "flowengine"),
			MaxConns:        int32(getEnvInt("DB_MAX_CONNS", 20)),
			MinConns:        int32(getEnvInt("DB_MIN_CONNS", 2)),
			MaxConnLifetime: getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxConnIdleTime: getEnvDuration("DB_MAX_CONN_IDLE_TIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Type: getEnv("QUEUE_TYPE", "redis"),
		},
		Scheduler: SchedulerConfig{
			TickInterval:    getEnvDuration("SCHEDULER_TICK_INTERVAL", time.Second),
			ClaimBatchSize:  getEnvInt("SCHEDULER_CLAIM_BATCH_SIZE", 50),
			MaxWallTime:     getEnvDuration("SCHEDULER_MAX_WALL_TIME", 24*time.Hour),
			ReaperInterval:  getEnvDuration("SCHEDULER_REAPER_INTERVAL", time.Minute),
			EnableScheduler: getEnvBool("SCHEDULER_ENABLED", true),
		},
		Executor: ExecutorConfig{
			HTTPTimeout:       getEnvDuration("EXECUTOR_HTTP_TIMEOUT", 30*time.Second),
			RetryMaxAttempts:  getEnvInt("EXECUTOR_RETRY_MAX_ATTEMPTS", 3),
			RetryBaseDelay:    getEnvDuration("EXECUTOR_RETRY_BASE_DELAY", 200*time.Millisecond),
			RetryMaxDelay:     getEnvDuration("EXECUTOR_RETRY_MAX_DELAY", 5*time.Second),
			CodeSandboxBudget: getEnvDuration("EXECUTOR_CODE_BUDGET", 5*time.Second),
			InlineDelayMaxMs:  int64(getEnvInt("EXECUTOR_INLINE_DELAY_MAX_MS", 60000)),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures later.
func (c *Config) Validate() error {
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("db max conns (%d) must be >= min conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	}
	if c.Queue.Type != "redis" && c.Queue.Type != "memory" {
		return fmt.Errorf("unknown queue type: %s", c.Queue.Type)
	}
	return nil
}

// DatabaseURL builds the pgx connection DSN.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.Name)
}

// RedisAddr builds the host:port address for go-redis.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
