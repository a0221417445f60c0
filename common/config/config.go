package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service    ServiceConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Engine     EngineConfig
	Checkpoint CheckpointConfig
	Evaluator  EvaluatorConfig
	Stores     StoreConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// EngineConfig holds step-loop defaults; per-call options override them
type EngineConfig struct {
	MaxSteps           int
	Timeout            time.Duration
	CheckpointInterval int
}

// CheckpointConfig holds retention bounds for the checkpoint manager
type CheckpointConfig struct {
	MaxPerThread int
	MaxTotal     int
}

// EvaluatorConfig holds expression evaluator settings
type EvaluatorConfig struct {
	CacheMaxEntries int
}

// StoreConfig selects persistence back-ends for the shared managers
type StoreConfig struct {
	HistoryStore    string // "memory" or "postgres"
	CheckpointStore string // "memory" or "redis"
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "graphagent"),
			User:        getEnv("POSTGRES_USER", "graphagent"),
			Password:    getEnv("POSTGRES_PASSWORD", "graphagent"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Engine: EngineConfig{
			MaxSteps:           getEnvInt("ENGINE_MAX_STEPS", 1000),
			Timeout:            time.Duration(getEnvInt("ENGINE_TIMEOUT_MS", 0)) * time.Millisecond,
			CheckpointInterval: getEnvInt("ENGINE_CHECKPOINT_INTERVAL", 0),
		},
		Checkpoint: CheckpointConfig{
			MaxPerThread: getEnvInt("CHECKPOINT_MAX_PER_THREAD", 10),
			MaxTotal:     getEnvInt("CHECKPOINT_MAX_TOTAL", 1000),
		},
		Evaluator: EvaluatorConfig{
			CacheMaxEntries: getEnvInt("EVALUATOR_CACHE_MAX_ENTRIES", 1024),
		},
		Stores: StoreConfig{
			HistoryStore:    getEnv("HISTORY_STORE", "memory"),
			CheckpointStore: getEnv("CHECKPOINT_STORE", "memory"),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Engine.MaxSteps < 1 {
		return fmt.Errorf("engine max_steps must be positive, got %d", c.Engine.MaxSteps)
	}

	if c.Checkpoint.MaxPerThread < 1 || c.Checkpoint.MaxTotal < 1 {
		return fmt.Errorf("checkpoint retention bounds must be positive")
	}

	if c.Checkpoint.MaxPerThread > c.Checkpoint.MaxTotal {
		return fmt.Errorf("checkpoint max_per_thread must be <= max_total")
	}

	if c.Evaluator.CacheMaxEntries < 1 {
		return fmt.Errorf("evaluator cache_max_entries must be positive")
	}

	switch c.Stores.HistoryStore {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown history store: %s", c.Stores.HistoryStore)
	}

	switch c.Stores.CheckpointStore {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown checkpoint store: %s", c.Stores.CheckpointStore)
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
