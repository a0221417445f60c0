package bootstrap

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kkkqkx123/graph-agent-go/common/config"
	"github.com/kkkqkx123/graph-agent-go/common/db"
	"github.com/kkkqkx123/graph-agent-go/common/logger"
	"github.com/kkkqkx123/graph-agent-go/common/redis"
)

// Setup initializes all service components
// This is the main entry point for all services
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	// Apply options
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Service.LogLevel,
			components.Config.Service.LogFormat,
		)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", components.Config.Service.Environment,
	)

	// 3. Initialize database when the history store needs it
	if !options.skipDB && components.Config.Stores.HistoryStore == "postgres" {
		components.Logger.Info("connecting to database")
		components.DB, err = db.New(ctx, components.Config, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		// Register cleanup
		components.addCleanup(func() error {
			components.Logger.Info("closing database connection")
			components.DB.Close()
			return nil
		})

		// Run DB init hook if provided
		if options.dbInitHook != nil {
			components.Logger.Info("running database init hook")
			if err := options.dbInitHook(components.DB); err != nil {
				components.Shutdown(ctx) // Cleanup what we've initialized
				return nil, fmt.Errorf("database init hook failed: %w", err)
			}
		}
	}

	// 4. Initialize redis when the checkpoint store needs it
	if !options.skipRedis && components.Config.Stores.CheckpointStore == "redis" {
		components.Logger.Info("connecting to redis", "addr", components.Config.Redis.Addr)
		raw := goredis.NewClient(&goredis.Options{
			Addr:     components.Config.Redis.Addr,
			Password: components.Config.Redis.Password,
			DB:       components.Config.Redis.DB,
		})
		if err := raw.Ping(ctx).Err(); err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		components.Redis = redis.NewClient(raw, components.Logger)

		components.addCleanup(func() error {
			components.Logger.Info("closing redis connection")
			return raw.Close()
		})
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error
// Useful for services that can't recover from initialization failure
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}
