package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"ohlcv-systemv1/internal/model"
)

const runCols = "id, symbol, interval, from_open_time, to_open_time, expected_bars, loaded_bars, status, attempts, last_error, started_at, finished_at"

// CreateRun inserts a pending audit row and returns its id.
func (s *Store) CreateRun(ctx context.Context, run model.BackfillRun) (int64, error) {
	status := run.Status
	if status == "" {
		status = model.RunPending
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO backfill_runs (symbol, interval, from_open_time, to_open_time, expected_bars, status, started_at)
		 VALUES ($1,$2,$3,$4,$5,$6,COALESCE($7, now()))
		 RETURNING id`,
		run.Symbol, run.Interval, run.FromOpenTime, run.ToOpenTime,
		run.ExpectedBars, string(status), nullTime(run.StartedAt)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: create run: %w", classify(err))
	}
	return id, nil
}

// MarkRunRunning transitions pending → running.
func (s *Store) MarkRunRunning(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE backfill_runs SET status = 'running', started_at = now() WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("postgres: run #%d running: %w", id, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: run #%d not pending: %w", id, model.ErrInvalidTransition)
	}
	return nil
}

// UpdateRunProgress records loaded bars and the latest attempt error.
func (s *Store) UpdateRunProgress(ctx context.Context, id int64, loadedBars int64, attempts int, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE backfill_runs SET loaded_bars = $2, attempts = $3, last_error = $4 WHERE id = $1`,
		id, loadedBars, attempts, lastErr)
	if err != nil {
		return fmt.Errorf("postgres: run #%d progress: %w", id, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: run #%d: %w", id, model.ErrNotFound)
	}
	return nil
}

// FinishRun closes the run with a terminal status.
func (s *Store) FinishRun(ctx context.Context, id int64, status model.RunStatus, loadedBars int64, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE backfill_runs
		 SET status = $2, loaded_bars = $3, last_error = $4, finished_at = now()
		 WHERE id = $1`,
		id, string(status), loadedBars, lastErr)
	if err != nil {
		return fmt.Errorf("postgres: finish run #%d: %w", id, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: run #%d: %w", id, model.ErrNotFound)
	}
	return nil
}

// LatestRun returns the most recently started run for the series, or nil.
func (s *Store) LatestRun(ctx context.Context, symbol, interval string) (*model.BackfillRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runCols+` FROM backfill_runs
		 WHERE symbol = $1 AND interval = $2
		 ORDER BY started_at DESC, id DESC LIMIT 1`,
		symbol, interval)
	var r model.BackfillRun
	var status string
	var started time.Time
	err := row.Scan(&r.ID, &r.Symbol, &r.Interval, &r.FromOpenTime, &r.ToOpenTime,
		&r.ExpectedBars, &r.LoadedBars, &status, &r.Attempts, &r.LastError,
		&started, &r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: latest run: %w", classify(err))
	}
	r.Status = model.RunStatus(status)
	r.StartedAt = started
	return &r, nil
}
