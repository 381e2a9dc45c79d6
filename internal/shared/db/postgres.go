// Package db opens the Postgres pool behind the activity collections.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var ErrNoDatabaseURL = errors.New("db: DATABASE_URL is empty")

// PostgresConfig tunes the pool. Zero values get defaults sized for a single
// bridge process: a few LMTP deliveries plus the HTTP API at once.
type PostgresConfig struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

func (c PostgresConfig) withDefaults() PostgresConfig {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 8
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 2
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 3 * time.Second
	}
	return c
}

// OpenPostgres connects through pgx, checks the server answers and creates
// the activity_entries table if it is missing.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*sql.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, ErrNoDatabaseURL
	}
	cfg = cfg.withDefaults()

	pool, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}
	pool.SetMaxOpenConns(cfg.MaxOpenConns)
	pool.SetMaxIdleConns(cfg.MaxIdleConns)
	pool.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := prepare(ctx, pool, cfg.PingTimeout); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return pool, nil
}

func prepare(ctx context.Context, pool *sql.DB, pingTimeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		return fmt.Errorf("db: ping: %w", err)
	}
	return EnsureSchema(ctx, pool)
}

var schema = []string{`
CREATE TABLE IF NOT EXISTS activity_entries (
  id         BIGSERIAL PRIMARY KEY,
  collection TEXT        NOT NULL,
  entry      JSONB       NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, `
CREATE INDEX IF NOT EXISTS activity_entries_collection_id_idx
  ON activity_entries (collection, id);`,
}

// EnsureSchema creates the activity_entries table used by the Postgres
// collections.
func EnsureSchema(ctx context.Context, pool *sql.DB) error {
	for _, q := range schema {
		if _, err := pool.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("db: ensure schema: %w", err)
		}
	}
	return nil
}
