// Package infra owns the disposable test infrastructure used by the stress
// suite: a Postgres container with the full schema applied.
package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"signflow/db"
)

// Harness owns the lifecycle of the Postgres test container and pgx pool.
type Harness struct {
	container *postgres.PostgresContainer
	pool      *pgxpool.Pool
	dsn       string
}

// NewHarness boots a Postgres 16 container and applies the embedded migrations.
func NewHarness(ctx context.Context) (*Harness, error) {
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("signflow"),
		postgres.WithUsername("signflow"),
		postgres.WithPassword("signflow"),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		pgContainer.Terminate(ctx)
		return nil, fmt.Errorf("resolve connection string: %w", err)
	}

	if err := db.Migrate(ctx, dsn); err != nil {
		pgContainer.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		pgContainer.Terminate(ctx)
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	cfg.MaxConns = 64
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		pgContainer.Terminate(ctx)
		return nil, fmt.Errorf("create pool: %w", err)
	}

	return &Harness{container: pgContainer, pool: pool, dsn: dsn}, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections.
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.container != nil {
		_ = h.container.Terminate(ctx)
	}
}
