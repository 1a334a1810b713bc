// Package database opens the PostgreSQL handles the services run on.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"carrental/internal/config"
)

// connectBudget bounds how long a starting service waits for Postgres.
const connectBudget = 30 * time.Second

// Open returns a lib/pq handle once the server answers a ping.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	if err := waitFor(ctx, log, db.PingContext); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenPool returns a pgx pool once the server answers a ping.
func OpenPool(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := waitFor(ctx, log, pool.Ping); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// SQL exposes pool through database/sql for tooling such as migrations.
// Closing the returned handle leaves the pool open.
func SQL(pool *pgxpool.Pool) *sql.DB {
	return stdlib.OpenDBFromPool(pool)
}

func waitFor(ctx context.Context, log *slog.Logger, ping func(context.Context) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, ping(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(connectBudget),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn("database not ready, retrying", "retry_in", wait, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}
