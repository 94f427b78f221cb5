// Package postgres implements pkg/store.Store on top of PostgreSQL, using
// pgx/v5 for the connection pool and golang-migrate for embedded schema
// migrations applied at startup.
// store, adapted here to hand-written SQL since there is no generated ORM
// client in this repository.
package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wuhu-labs/wuhu/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store is the Postgres-backed implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// New opens a connection pool, applies pending migrations, and returns a
// ready-to-use Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := runMigrations(cfg.dsn(), cfg.Database); err != nil {
		return nil, fmt.Errorf("postgres store: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse pool config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	return &Store{
		pool: pool,
		log:  slog.With("component", "store.postgres"),
	}, nil
}

// NewFromPool wraps an already-open pool, useful for tests that manage pool
// lifetime themselves (e.g. testcontainers-backed integration tests).
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, log: slog.With("component", "store.postgres")}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
