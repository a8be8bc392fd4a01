// Package store provides Postgres-backed persistence for the template
// catalog and for scrape-run checkpoints.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the catalog needs; pgxmock's pool
// satisfies it for tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Catalog persists extracted templates and run checkpoints.
type Catalog struct {
	pool Pool
}

// New connects a Catalog to Postgres using the provided config.
func New(ctx context.Context, cfg Config) (*Catalog, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Catalog{pool: pool}, nil
}

// NewWithPool constructs a Catalog from an existing pool (primarily for
// testing with pgxmock).
func NewWithPool(pool Pool) (*Catalog, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Catalog{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (c *Catalog) Close() {
	if c == nil || c.pool == nil {
		return
	}
	c.pool.Close()
}

// EnsureSchema creates the catalog tables when they do not exist yet.
func (c *Catalog) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createTemplatesTable, createRunsTable} {
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const createTemplatesTable = `
CREATE TABLE IF NOT EXISTS templates (
	id UUID PRIMARY KEY,
	run_id UUID NOT NULL,
	slug TEXT NOT NULL,
	source_url TEXT NOT NULL,
	name TEXT NOT NULL,
	author TEXT,
	categories JSONB,
	price_cents BIGINT,
	description TEXT,
	screenshot_url TEXT,
	used_fallback_url BOOLEAN NOT NULL DEFAULT FALSE,
	blank_screenshot BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
)`

const createRunsTable = `
CREATE TABLE IF NOT EXISTS scrape_runs (
	id UUID PRIMARY KEY,
	status TEXT NOT NULL,
	total INT NOT NULL,
	processed INT NOT NULL,
	successful INT NOT NULL,
	failed INT NOT NULL,
	skipped INT NOT NULL,
	remaining JSONB NOT NULL,
	paused JSONB NOT NULL,
	started_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
)`

// Busy-class SQLSTATEs: serialization_failure, deadlock_detected and
// lock_not_available are contention signals worth retrying; anything else
// is treated as fatal for the write batch.
var busyCodes = map[string]struct{}{
	"40001": {},
	"40P01": {},
	"55P03": {},
}

// IsBusy reports whether err is a transient store-contention error.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		_, busy := busyCodes[pgErr.Code]
		return busy
	}
	return false
}
