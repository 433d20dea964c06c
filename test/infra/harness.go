package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns a migrated Postgres for one test run, either a container it
// started or a shared database isolated in its own schema.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
	dsn       string
}

// NewHarness starts Postgres 16 unless overrideDSN or STRESS_TEST_PG_DSN
// points at an existing server, then applies migrations.
func NewHarness(ctx context.Context, overrideDSN string, maxConns int32) (*Harness, error) {
	pgC, dsn, err := StartPostgres16(ctx, overrideDSN)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}
	shared := pgC.C == nil

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared, maxConns)
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, err
	}
	return &Harness{container: pgC, pool: pool, teardown: teardown, dsn: dsn}, nil
}

func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

func (h *Harness) DSN() string {
	return h.dsn
}

// Reset empties the ledger between epochs.
func (h *Harness) Reset(ctx context.Context) error {
	if _, err := h.pool.Exec(ctx, "TRUNCATE TABLE ledger_transitions, ledger_documents"); err != nil {
		return fmt.Errorf("reset ledger: %w", err)
	}
	return nil
}

// Close releases the pool, drops the isolated schema if any and stops the
// container.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	if termErr := h.container.Terminate(ctx); termErr != nil && err == nil {
		err = termErr
	}
	return err
}
