package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"ohlcv-systemv1/internal/gaps"
	"ohlcv-systemv1/internal/model"
)

const segmentCols = "id, symbol, interval, from_open_time, to_open_time, missing_bars, state, detected_at, retry_count, last_attempt_at, last_error, merged_into"

// MergeOrInsert inserts seg or merges it with every open/in_progress
// segment its range touches, transitively, so any permutation of
// overlapping inserts converges on the same surviving row. The single
// write connection serializes merges, so no row locks are needed.
func (s *Store) MergeOrInsert(ctx context.Context, seg model.GapSegment) (model.GapSegment, error) {
	intervalMS, err := model.IntervalMS(seg.Interval)
	if err != nil {
		return model.GapSegment{}, fmt.Errorf("sqlite: merge segment: %w", err)
	}
	if seg.FromOpenTime > seg.ToOpenTime {
		return model.GapSegment{}, fmt.Errorf("sqlite: merge segment: inverted range [%d,%d]", seg.FromOpenTime, seg.ToOpenTime)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.GapSegment{}, fmt.Errorf("sqlite: begin merge: %w", classify(err))
	}
	defer tx.Rollback()

	overlapping, err := selectOverlapping(ctx, tx, seg.Symbol, seg.Interval, seg.FromOpenTime, seg.ToOpenTime)
	if err != nil {
		return model.GapSegment{}, err
	}

	if len(overlapping) == 1 &&
		overlapping[0].FromOpenTime == seg.FromOpenTime &&
		overlapping[0].ToOpenTime == seg.ToOpenTime {
		return overlapping[0], tx.Commit()
	}

	detectedAt := seg.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}

	if len(overlapping) == 0 {
		missing := gaps.ExpectedBars(seg.FromOpenTime, seg.ToOpenTime, intervalMS)
		id, err := insertSegment(ctx, tx, seg.Symbol, seg.Interval, seg.FromOpenTime, seg.ToOpenTime,
			missing, model.GapOpen, detectedAt)
		if err != nil {
			return model.GapSegment{}, err
		}
		if err := tx.Commit(); err != nil {
			return model.GapSegment{}, fmt.Errorf("sqlite: commit merge: %w", classify(err))
		}
		return model.GapSegment{
			ID: id, Symbol: seg.Symbol, Interval: seg.Interval,
			FromOpenTime: seg.FromOpenTime, ToOpenTime: seg.ToOpenTime,
			MissingBars: missing, State: model.GapOpen, DetectedAt: detectedAt,
		}, nil
	}

	union := gaps.Union(seg.FromOpenTime, seg.ToOpenTime, overlapping)
	for {
		more, err := selectOverlapping(ctx, tx, seg.Symbol, seg.Interval, union.From, union.To)
		if err != nil {
			return model.GapSegment{}, err
		}
		overlapping = more
		grown := gaps.Union(union.From, union.To, more)
		if grown == union {
			break
		}
		union = grown
	}

	for _, o := range overlapping {
		if !o.DetectedAt.IsZero() && o.DetectedAt.Before(detectedAt) {
			detectedAt = o.DetectedAt
		}
	}

	missing, err := recountMissing(ctx, tx, seg, union, intervalMS, overlapping)
	if err != nil {
		return model.GapSegment{}, err
	}

	id, err := insertSegment(ctx, tx, seg.Symbol, seg.Interval, union.From, union.To,
		missing, model.GapOpen, detectedAt)
	if err != nil {
		return model.GapSegment{}, err
	}
	for _, o := range overlapping {
		if _, err := tx.ExecContext(ctx,
			`UPDATE gap_segments SET state = 'merged', merged_into = ? WHERE id = ?`, id, o.ID); err != nil {
			return model.GapSegment{}, fmt.Errorf("sqlite: mark merged: %w", classify(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return model.GapSegment{}, fmt.Errorf("sqlite: commit merge: %w", classify(err))
	}
	log.Printf("[gaps] merged %d segment(s) into #%d %s:%s [%d,%d] missing=%d",
		len(overlapping), id, seg.Symbol, seg.Interval, union.From, union.To, missing)
	return model.GapSegment{
		ID: id, Symbol: seg.Symbol, Interval: seg.Interval,
		FromOpenTime: union.From, ToOpenTime: union.To,
		MissingBars: missing, State: model.GapOpen, DetectedAt: detectedAt,
	}, nil
}

func recountMissing(ctx context.Context, tx *sql.Tx, seg model.GapSegment, union gaps.Range, intervalMS int64, merged []model.GapSegment) (int64, error) {
	span := union.Bars(intervalMS)
	var present int64
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM candles
		 WHERE symbol = ? AND interval = ? AND open_time BETWEEN ? AND ? AND is_closed = 1`,
		seg.Symbol, seg.Interval, union.From, union.To).Scan(&present)
	if err == nil {
		return span - present, nil
	}
	if !errors.Is(classify(err), model.ErrStoreUnavailable) {
		return 0, fmt.Errorf("sqlite: recount missing: %w", err)
	}

	log.Printf("[gaps] recount unavailable for %s:%s, approximating: %v", seg.Symbol, seg.Interval, err)
	approx := gaps.ExpectedBars(seg.FromOpenTime, seg.ToOpenTime, intervalMS)
	for _, m := range merged {
		approx += m.MissingBars
	}
	if approx > span {
		approx = span
	}
	return approx, nil
}

func insertSegment(ctx context.Context, tx *sql.Tx, symbol, interval string, from, to, missing int64, state model.GapState, detectedAt time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO gap_segments (symbol, interval, from_open_time, to_open_time, missing_bars, state, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		symbol, interval, from, to, missing, string(state), toMillis(detectedAt))
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert segment: %w", classify(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: segment id: %w", err)
	}
	return id, nil
}

func selectOverlapping(ctx context.Context, tx *sql.Tx, symbol, interval string, from, to int64) ([]model.GapSegment, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+segmentCols+` FROM gap_segments
		 WHERE symbol = ? AND interval = ?
		   AND state IN ('open','in_progress')
		   AND from_open_time <= ? AND to_open_time >= ?
		 ORDER BY id`,
		symbol, interval, to, from)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select overlapping: %w", classify(err))
	}
	defer rows.Close()
	return collectSegments(rows)
}

// LoadOpen returns open and in_progress segments ordered by
// missing_bars DESC, detected_at ASC. limit <= 0 means no cap.
func (s *Store) LoadOpen(ctx context.Context, symbol, interval string, limit int) ([]model.GapSegment, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+segmentCols+` FROM gap_segments
		 WHERE symbol = ? AND interval = ? AND state IN ('open','in_progress')
		 ORDER BY missing_bars DESC, detected_at ASC LIMIT ?`,
		symbol, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load open: %w", classify(err))
	}
	defer rows.Close()
	return collectSegments(rows)
}

// FindOpenContaining returns the live segment containing openTime, or nil.
func (s *Store) FindOpenContaining(ctx context.Context, symbol, interval string, openTime int64) (*model.GapSegment, error) {
	var seg model.GapSegment
	err := scanSegment(s.db.QueryRowContext(ctx,
		`SELECT `+segmentCols+` FROM gap_segments
		 WHERE symbol = ? AND interval = ? AND state IN ('open','in_progress')
		   AND from_open_time <= ? AND to_open_time >= ?
		 ORDER BY id LIMIT 1`,
		symbol, interval, openTime, openTime), &seg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find containing: %w", classify(err))
	}
	return &seg, nil
}

// MarkInProgress transitions open → in_progress.
func (s *Store) MarkInProgress(ctx context.Context, id int64) error {
	return s.transition(ctx, id, model.GapOpen, model.GapInProgress,
		`UPDATE gap_segments SET state = 'in_progress', last_attempt_at = ? WHERE id = ? AND state = 'open'`)
}

// MarkRecovered transitions in_progress → recovered and zeroes the
// remaining bar count.
func (s *Store) MarkRecovered(ctx context.Context, id int64) error {
	return s.transition(ctx, id, model.GapInProgress, model.GapRecovered,
		`UPDATE gap_segments SET state = 'recovered', missing_bars = 0, last_attempt_at = ? WHERE id = ? AND state = 'in_progress'`)
}

func (s *Store) transition(ctx context.Context, id int64, from, to model.GapState, stmt string) error {
	res, err := s.db.ExecContext(ctx, stmt, toMillis(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("sqlite: %s segment #%d: %w", to, id, classify(err))
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var cur string
	err = s.db.QueryRowContext(ctx, `SELECT state FROM gap_segments WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: segment #%d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("sqlite: segment #%d state: %w", id, classify(err))
	}
	return fmt.Errorf("sqlite: segment #%d is %s, need %s: %w", id, cur, from, model.ErrInvalidTransition)
}

// IncrementRetry bumps the retry counter and records the attempt error.
func (s *Store) IncrementRetry(ctx context.Context, id int64, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gap_segments
		 SET retry_count = retry_count + 1, last_error = ?, last_attempt_at = ?
		 WHERE id = ?`,
		lastErr, toMillis(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("sqlite: increment retry #%d: %w", id, classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: segment #%d: %w", id, model.ErrNotFound)
	}
	return nil
}

// AbsorbOpenTime removes one bar from a live segment: shrink at the edges,
// split when interior, recovered when it was the only bar.
func (s *Store) AbsorbOpenTime(ctx context.Context, id, openTime int64) (model.AbsorbOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.AbsorbNoop, fmt.Errorf("sqlite: begin absorb: %w", classify(err))
	}
	defer tx.Rollback()

	var seg model.GapSegment
	err = scanSegment(tx.QueryRowContext(ctx,
		`SELECT `+segmentCols+` FROM gap_segments WHERE id = ?`, id), &seg)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AbsorbNoop, fmt.Errorf("sqlite: segment #%d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.AbsorbNoop, fmt.Errorf("sqlite: absorb #%d: %w", id, classify(err))
	}
	if !seg.Active() {
		return model.AbsorbNoop, tx.Commit()
	}

	intervalMS, err := model.IntervalMS(seg.Interval)
	if err != nil {
		return model.AbsorbNoop, fmt.Errorf("sqlite: absorb #%d: %w", id, err)
	}
	plan := gaps.Absorb(seg.FromOpenTime, seg.ToOpenTime, openTime, intervalMS)

	switch plan.Outcome {
	case model.AbsorbNoop:
	case model.AbsorbRecovered:
		_, err = tx.ExecContext(ctx,
			`UPDATE gap_segments SET state = 'recovered', missing_bars = 0 WHERE id = ?`, id)
	case model.AbsorbShrunk:
		_, err = tx.ExecContext(ctx,
			`UPDATE gap_segments
			 SET from_open_time = ?, to_open_time = ?, missing_bars = MAX(missing_bars - 1, 0)
			 WHERE id = ?`,
			plan.Shrunk.From, plan.Shrunk.To, id)
	case model.AbsorbSplit:
		if _, err = tx.ExecContext(ctx,
			`UPDATE gap_segments SET from_open_time = ?, to_open_time = ?, missing_bars = ? WHERE id = ?`,
			plan.Left.From, plan.Left.To, plan.Left.Bars(intervalMS), id); err == nil {
			_, err = insertSegmentState(ctx, tx, seg, plan.Right, intervalMS)
		}
	}
	if err != nil {
		return model.AbsorbNoop, fmt.Errorf("sqlite: absorb #%d@%d: %w", id, openTime, classify(err))
	}
	if err := tx.Commit(); err != nil {
		return model.AbsorbNoop, fmt.Errorf("sqlite: commit absorb: %w", classify(err))
	}
	return plan.Outcome, nil
}

// insertSegmentState inserts the right half of a split, inheriting the
// original segment's state and detection time.
func insertSegmentState(ctx context.Context, tx *sql.Tx, seg model.GapSegment, r gaps.Range, intervalMS int64) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO gap_segments (symbol, interval, from_open_time, to_open_time, missing_bars, state, detected_at, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		seg.Symbol, seg.Interval, r.From, r.To, r.Bars(intervalMS), string(seg.State), toMillis(seg.DetectedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListByStates returns segments in any of the given states, newest first.
func (s *Store) ListByStates(ctx context.Context, symbol, interval string, states []model.GapState, limit int) ([]model.GapSegment, error) {
	if len(states) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = -1
	}
	q := `SELECT ` + segmentCols + ` FROM gap_segments
		 WHERE symbol = ? AND interval = ? AND state IN (?` + repeatPlaceholder(len(states)-1) + `)
		 ORDER BY detected_at DESC, id DESC LIMIT ?`
	args := []any{symbol, interval}
	for _, st := range states {
		args = append(args, string(st))
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list segments: %w", classify(err))
	}
	defer rows.Close()
	return collectSegments(rows)
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ",?"
	}
	return out
}

// CountActive returns the number of open + in_progress segments.
func (s *Store) CountActive(ctx context.Context, symbol, interval string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gap_segments
		 WHERE symbol = ? AND interval = ? AND state IN ('open','in_progress')`,
		symbol, interval).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count active: %w", classify(err))
	}
	return n, nil
}

func scanSegment(row rowScanner, seg *model.GapSegment) error {
	var state string
	var detectedMS int64
	var attemptMS sql.NullInt64
	var mergedInto sql.NullInt64
	err := row.Scan(&seg.ID, &seg.Symbol, &seg.Interval, &seg.FromOpenTime, &seg.ToOpenTime,
		&seg.MissingBars, &state, &detectedMS, &seg.RetryCount, &attemptMS, &seg.LastError, &mergedInto)
	if err != nil {
		return err
	}
	seg.State = model.GapState(state)
	seg.DetectedAt = fromMillis(detectedMS)
	if attemptMS.Valid {
		t := fromMillis(attemptMS.Int64)
		seg.LastAttemptAt = &t
	}
	if mergedInto.Valid {
		v := mergedInto.Int64
		seg.MergedInto = &v
	}
	return nil
}

func collectSegments(rows *sql.Rows) ([]model.GapSegment, error) {
	var out []model.GapSegment
	for rows.Next() {
		var seg model.GapSegment
		if err := scanSegment(rows, &seg); err != nil {
			return nil, fmt.Errorf("sqlite: scan segment: %w", err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}
