package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kkkqkx123/graph-agent-go/common/config"
	"github.com/kkkqkx123/graph-agent-go/common/logger"
)

// pingTimeout bounds the reachability probes; history writes are on the
// execution hot path and a hung pool must fail fast.
const pingTimeout = 5 * time.Second

// DB is the Postgres pool backing the history store. The pgx pool is
// embedded, so the store calls Exec/Query on it directly.
type DB struct {
	*pgxpool.Pool
	log *logger.Logger
}

// New opens a pool against the configured history database and verifies
// it is reachable before any step gets recorded.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxLifetime
	poolCfg.MaxConnIdleTime = cfg.Database.MaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	log.Info("history database connected",
		"host", cfg.Database.Host,
		"database", cfg.Database.Database,
		"max_conns", cfg.Database.MaxConns)
	return &DB{Pool: pool, log: log}, nil
}

// Close drains the pool.
func (db *DB) Close() {
	db.log.Info("closing history database pool")
	db.Pool.Close()
}

// Health pings the database with a short deadline.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return db.Pool.Ping(ctx)
}
