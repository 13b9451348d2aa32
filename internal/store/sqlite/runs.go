package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ohlcv-systemv1/internal/model"
)

const runCols = "id, symbol, interval, from_open_time, to_open_time, expected_bars, loaded_bars, status, attempts, last_error, started_at, finished_at"

// CreateRun inserts a pending audit row and returns its id.
func (s *Store) CreateRun(ctx context.Context, run model.BackfillRun) (int64, error) {
	status := run.Status
	if status == "" {
		status = model.RunPending
	}
	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO backfill_runs (symbol, interval, from_open_time, to_open_time, expected_bars, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.Symbol, run.Interval, run.FromOpenTime, run.ToOpenTime,
		run.ExpectedBars, string(status), toMillis(startedAt))
	if err != nil {
		return 0, fmt.Errorf("sqlite: create run: %w", classify(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: run id: %w", err)
	}
	return id, nil
}

// MarkRunRunning transitions pending → running.
func (s *Store) MarkRunRunning(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE backfill_runs SET status = 'running', started_at = ? WHERE id = ? AND status = 'pending'`,
		toMillis(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("sqlite: run #%d running: %w", id, classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: run #%d not pending: %w", id, model.ErrInvalidTransition)
	}
	return nil
}

// UpdateRunProgress records loaded bars and the latest attempt error.
func (s *Store) UpdateRunProgress(ctx context.Context, id int64, loadedBars int64, attempts int, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE backfill_runs SET loaded_bars = ?, attempts = ?, last_error = ? WHERE id = ?`,
		loadedBars, attempts, lastErr, id)
	if err != nil {
		return fmt.Errorf("sqlite: run #%d progress: %w", id, classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: run #%d: %w", id, model.ErrNotFound)
	}
	return nil
}

// FinishRun closes the run with a terminal status.
func (s *Store) FinishRun(ctx context.Context, id int64, status model.RunStatus, loadedBars int64, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE backfill_runs SET status = ?, loaded_bars = ?, last_error = ?, finished_at = ? WHERE id = ?`,
		string(status), loadedBars, lastErr, toMillis(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("sqlite: finish run #%d: %w", id, classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: run #%d: %w", id, model.ErrNotFound)
	}
	return nil
}

// LatestRun returns the most recently started run for the series, or nil.
func (s *Store) LatestRun(ctx context.Context, symbol, interval string) (*model.BackfillRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runCols+` FROM backfill_runs
		 WHERE symbol = ? AND interval = ?
		 ORDER BY started_at DESC, id DESC LIMIT 1`,
		symbol, interval)
	var r model.BackfillRun
	var status string
	var startedMS int64
	var finishedMS sql.NullInt64
	err := row.Scan(&r.ID, &r.Symbol, &r.Interval, &r.FromOpenTime, &r.ToOpenTime,
		&r.ExpectedBars, &r.LoadedBars, &status, &r.Attempts, &r.LastError,
		&startedMS, &finishedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: latest run: %w", classify(err))
	}
	r.Status = model.RunStatus(status)
	r.StartedAt = fromMillis(startedMS)
	if finishedMS.Valid {
		t := fromMillis(finishedMS.Int64)
		r.FinishedAt = &t
	}
	return &r, nil
}
