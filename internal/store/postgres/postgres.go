// Package postgres implements the canonical candle store, the gap
// repository, the backfill-run audit log and the fleet advisory lock on
// PostgreSQL via pgx. It is the production store; the sqlite package
// mirrors the same contracts for single-node deployments.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ohlcv-systemv1/internal/model"
)

// serialization retry bounds for segment merge transactions.
const (
	txRetryMax    = 3
	txRetryJitter = 50 * time.Millisecond
)

// Store bundles the pgx pool behind the storage ports.
type Store struct {
	pool *pgxpool.Pool
}

// New connects, verifies the connection and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w: %w", model.ErrStoreUnavailable, err)
	}
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Printf("[postgres] connected, schema ready")
	return s, nil
}

// Pool exposes the underlying pool for health probes.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS candles (
	symbol      TEXT             NOT NULL,
	interval    TEXT             NOT NULL,
	open_time   BIGINT           NOT NULL,
	close_time  BIGINT           NOT NULL,
	open        DOUBLE PRECISION NOT NULL,
	high        DOUBLE PRECISION NOT NULL,
	low         DOUBLE PRECISION NOT NULL,
	close       DOUBLE PRECISION NOT NULL,
	volume      DOUBLE PRECISION NOT NULL,
	trade_count BIGINT           NOT NULL DEFAULT 0,
	is_closed   BOOLEAN          NOT NULL DEFAULT TRUE,
	PRIMARY KEY (symbol, interval, open_time)
);

CREATE TABLE IF NOT EXISTS gap_segments (
	id              BIGSERIAL PRIMARY KEY,
	symbol          TEXT        NOT NULL,
	interval        TEXT        NOT NULL,
	from_open_time  BIGINT      NOT NULL,
	to_open_time    BIGINT      NOT NULL,
	missing_bars    BIGINT      NOT NULL,
	state           TEXT        NOT NULL DEFAULT 'open',
	detected_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	retry_count     INT         NOT NULL DEFAULT 0,
	last_attempt_at TIMESTAMPTZ,
	last_error      TEXT        NOT NULL DEFAULT '',
	merged_into     BIGINT,
	CHECK (from_open_time <= to_open_time)
);
CREATE INDEX IF NOT EXISTS idx_gap_segments_series ON gap_segments (symbol, interval, detected_at DESC);
CREATE INDEX IF NOT EXISTS idx_gap_segments_state  ON gap_segments (state);

CREATE TABLE IF NOT EXISTS backfill_runs (
	id             BIGSERIAL PRIMARY KEY,
	symbol         TEXT        NOT NULL,
	interval       TEXT        NOT NULL,
	from_open_time BIGINT      NOT NULL,
	to_open_time   BIGINT      NOT NULL,
	expected_bars  BIGINT      NOT NULL,
	loaded_bars    BIGINT      NOT NULL DEFAULT 0,
	status         TEXT        NOT NULL DEFAULT 'pending',
	attempts       INT         NOT NULL DEFAULT 0,
	last_error     TEXT        NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_backfill_runs_series ON backfill_runs (symbol, interval, started_at DESC);

CREATE TABLE IF NOT EXISTS candle_repairs (
	id          BIGSERIAL PRIMARY KEY,
	symbol      TEXT             NOT NULL,
	interval    TEXT             NOT NULL,
	open_time   BIGINT           NOT NULL,
	close_time  BIGINT           NOT NULL,
	open        DOUBLE PRECISION NOT NULL,
	high        DOUBLE PRECISION NOT NULL,
	low         DOUBLE PRECISION NOT NULL,
	close       DOUBLE PRECISION NOT NULL,
	volume      DOUBLE PRECISION NOT NULL,
	trade_count BIGINT           NOT NULL DEFAULT 0,
	repaired_at TIMESTAMPTZ      NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_candle_repairs_series ON candle_repairs (symbol, interval, open_time);
`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", classify(err))
	}
	return nil
}

// classify maps driver errors onto the shared failure classes. Errors that
// already carry one pass through unchanged, so transaction bodies can return
// not-found or invalid-transition without being reclassified as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrStoreUnavailable) || errors.Is(err, model.ErrIntegrity) ||
		errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrInvalidTransition) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23514": // unique_violation, check_violation
			return fmt.Errorf("%w: %w", model.ErrIntegrity, err)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
		}
		return err
	}
	// Anything that is not a server-reported error is treated as transient
	// connectivity trouble.
	return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
}

// inTx runs fn inside a transaction, retrying serialization failures with
// jitter up to txRetryMax attempts.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < txRetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(rand.Int63n(int64(txRetryJitter))) + txRetryJitter*time.Duration(attempt)):
			}
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			lastErr = classify(err)
			continue
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			lastErr = classify(err)
			if !retryable(lastErr) {
				return lastErr
			}
			continue
		}
		if err := tx.Commit(ctx); err != nil {
			lastErr = classify(err)
			if !retryable(lastErr) {
				return lastErr
			}
			continue
		}
		return nil
	}
	return lastErr
}

func retryable(err error) bool {
	return errors.Is(err, model.ErrStoreUnavailable)
}

// nullTime maps the zero time to NULL so column defaults apply.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
