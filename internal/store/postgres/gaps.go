package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"

	"ohlcv-systemv1/internal/gaps"
	"ohlcv-systemv1/internal/model"
)

const segmentCols = "id, symbol, interval, from_open_time, to_open_time, missing_bars, state, detected_at, retry_count, last_attempt_at, last_error, merged_into"

// MergeOrInsert inserts seg or merges it with every open/in_progress
// segment its range touches. Merging is transitive: the union range is
// re-checked for further overlaps until it stabilizes, so any permutation
// of overlapping inserts converges on the same surviving row.
func (s *Store) MergeOrInsert(ctx context.Context, seg model.GapSegment) (model.GapSegment, error) {
	intervalMS, err := model.IntervalMS(seg.Interval)
	if err != nil {
		return model.GapSegment{}, fmt.Errorf("postgres: merge segment: %w", err)
	}
	if seg.FromOpenTime > seg.ToOpenTime {
		return model.GapSegment{}, fmt.Errorf("postgres: merge segment: inverted range [%d,%d]", seg.FromOpenTime, seg.ToOpenTime)
	}

	var out model.GapSegment
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		overlapping, err := lockOverlapping(ctx, tx, seg.Symbol, seg.Interval, seg.FromOpenTime, seg.ToOpenTime)
		if err != nil {
			return err
		}

		// Exact-range repeat of a single live segment is a no-op.
		if len(overlapping) == 1 &&
			overlapping[0].FromOpenTime == seg.FromOpenTime &&
			overlapping[0].ToOpenTime == seg.ToOpenTime {
			out = overlapping[0]
			return nil
		}

		if len(overlapping) == 0 {
			ins := seg
			ins.State = model.GapOpen
			ins.MissingBars = gaps.ExpectedBars(seg.FromOpenTime, seg.ToOpenTime, intervalMS)
			row := tx.QueryRow(ctx,
				`INSERT INTO gap_segments (symbol, interval, from_open_time, to_open_time, missing_bars, state, detected_at)
				 VALUES ($1,$2,$3,$4,$5,'open',COALESCE($6, now()))
				 RETURNING `+segmentCols,
				ins.Symbol, ins.Interval, ins.FromOpenTime, ins.ToOpenTime, ins.MissingBars, nullTime(ins.DetectedAt))
			return scanSegment(row, &out)
		}

		// Grow the union until no further live segment overlaps it.
		union := gaps.Union(seg.FromOpenTime, seg.ToOpenTime, overlapping)
		for {
			more, err := lockOverlapping(ctx, tx, seg.Symbol, seg.Interval, union.From, union.To)
			if err != nil {
				return err
			}
			overlapping = more
			grown := gaps.Union(union.From, union.To, more)
			if grown == union {
				break
			}
			union = grown
		}

		missing, err := s.recountMissing(ctx, tx, seg, union, intervalMS, overlapping)
		if err != nil {
			return err
		}

		detectedAt := seg.DetectedAt
		for _, o := range overlapping {
			if detectedAt.IsZero() || (!o.DetectedAt.IsZero() && o.DetectedAt.Before(detectedAt)) {
				detectedAt = o.DetectedAt
			}
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO gap_segments (symbol, interval, from_open_time, to_open_time, missing_bars, state, detected_at)
			 VALUES ($1,$2,$3,$4,$5,'open',COALESCE($6, now()))
			 RETURNING `+segmentCols,
			seg.Symbol, seg.Interval, union.From, union.To, missing, nullTime(detectedAt))
		if err := scanSegment(row, &out); err != nil {
			return err
		}

		ids := make([]int64, len(overlapping))
		for i, o := range overlapping {
			ids[i] = o.ID
		}
		if _, err := tx.Exec(ctx,
			`UPDATE gap_segments SET state = 'merged', merged_into = $1 WHERE id = ANY($2)`,
			out.ID, ids); err != nil {
			return fmt.Errorf("mark merged: %w", err)
		}
		log.Printf("[gaps] merged %d segment(s) into #%d %s:%s [%d,%d] missing=%d",
			len(overlapping), out.ID, seg.Symbol, seg.Interval, union.From, union.To, missing)
		return nil
	})
	if err != nil {
		return model.GapSegment{}, fmt.Errorf("postgres: merge segment %s:%s: %w", seg.Symbol, seg.Interval, err)
	}
	return out, nil
}

// recountMissing prefers the accurate count of persisted candles inside the
// union; when that query fails it falls back to the bounded approximation
// of summing the merged segments' remaining bars plus the trigger range.
func (s *Store) recountMissing(ctx context.Context, tx pgx.Tx, seg model.GapSegment, union gaps.Range, intervalMS int64, merged []model.GapSegment) (int64, error) {
	span := union.Bars(intervalMS)
	var present int64
	err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM candles
		 WHERE symbol = $1 AND interval = $2 AND open_time BETWEEN $3 AND $4 AND is_closed`,
		seg.Symbol, seg.Interval, union.From, union.To).Scan(&present)
	if err == nil {
		return span - present, nil
	}
	if !errors.Is(classify(err), model.ErrStoreUnavailable) {
		return 0, fmt.Errorf("recount missing: %w", err)
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

func lockOverlapping(ctx context.Context, tx pgx.Tx, symbol, interval string, from, to int64) ([]model.GapSegment, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+segmentCols+` FROM gap_segments
		 WHERE symbol = $1 AND interval = $2
		   AND state IN ('open','in_progress')
		   AND from_open_time <= $4 AND to_open_time >= $3
		 ORDER BY id
		 FOR UPDATE`,
		symbol, interval, from, to)
	if err != nil {
		return nil, fmt.Errorf("lock overlapping: %w", err)
	}
	defer rows.Close()
	return collectSegments(rows)
}

// LoadOpen returns open and in_progress segments ordered by
// missing_bars DESC, detected_at ASC. limit <= 0 means no cap.
func (s *Store) LoadOpen(ctx context.Context, symbol, interval string, limit int) ([]model.GapSegment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+segmentCols+` FROM gap_segments
		 WHERE symbol = $1 AND interval = $2 AND state IN ('open','in_progress')
		 ORDER BY missing_bars DESC, detected_at ASC
		 LIMIT NULLIF($3, 0)`,
		symbol, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: load open: %w", classify(err))
	}
	defer rows.Close()
	return collectSegments(rows)
}

// FindOpenContaining returns the live segment containing openTime, or nil.
func (s *Store) FindOpenContaining(ctx context.Context, symbol, interval string, openTime int64) (*model.GapSegment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+segmentCols+` FROM gap_segments
		 WHERE symbol = $1 AND interval = $2 AND state IN ('open','in_progress')
		   AND from_open_time <= $3 AND to_open_time >= $3
		 ORDER BY id LIMIT 1`,
		symbol, interval, openTime)
	var seg model.GapSegment
	if err := scanSegment(row, &seg); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: find containing: %w", classify(err))
	}
	return &seg, nil
}

// MarkInProgress transitions open → in_progress.
func (s *Store) MarkInProgress(ctx context.Context, id int64) error {
	return s.transition(ctx, id, model.GapOpen, model.GapInProgress,
		`UPDATE gap_segments SET state = 'in_progress', last_attempt_at = now() WHERE id = $1 AND state = 'open'`)
}

// MarkRecovered transitions in_progress → recovered and zeroes the
// remaining bar count.
func (s *Store) MarkRecovered(ctx context.Context, id int64) error {
	return s.transition(ctx, id, model.GapInProgress, model.GapRecovered,
		`UPDATE gap_segments SET state = 'recovered', missing_bars = 0 WHERE id = $1 AND state = 'in_progress'`)
}

func (s *Store) transition(ctx context.Context, id int64, from, to model.GapState, stmt string) error {
	tag, err := s.pool.Exec(ctx, stmt, id)
	if err != nil {
		return fmt.Errorf("postgres: %s segment #%d: %w", to, id, classify(err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var cur string
	err = s.pool.QueryRow(ctx, `SELECT state FROM gap_segments WHERE id = $1`, id).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: segment #%d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("postgres: segment #%d state: %w", id, classify(err))
	}
	return fmt.Errorf("postgres: segment #%d is %s, need %s: %w", id, cur, from, model.ErrInvalidTransition)
}

// IncrementRetry bumps the retry counter and records the attempt error.
func (s *Store) IncrementRetry(ctx context.Context, id int64, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE gap_segments
		 SET retry_count = retry_count + 1, last_error = $2, last_attempt_at = now()
		 WHERE id = $1`,
		id, lastErr)
	if err != nil {
		return fmt.Errorf("postgres: increment retry #%d: %w", id, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: segment #%d: %w", id, model.ErrNotFound)
	}
	return nil
}

// AbsorbOpenTime removes one bar from a live segment: shrink at the edges,
// split when interior, recovered when it was the only bar.
func (s *Store) AbsorbOpenTime(ctx context.Context, id, openTime int64) (model.AbsorbOutcome, error) {
	outcome := model.AbsorbNoop
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+segmentCols+` FROM gap_segments WHERE id = $1 FOR UPDATE`, id)
		var seg model.GapSegment
		if err := scanSegment(row, &seg); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("segment #%d: %w", id, model.ErrNotFound)
			}
			return err
		}
		if !seg.Active() {
			outcome = model.AbsorbNoop
			return nil
		}

		intervalMS, err := model.IntervalMS(seg.Interval)
		if err != nil {
			return err
		}
		plan := gaps.Absorb(seg.FromOpenTime, seg.ToOpenTime, openTime, intervalMS)
		outcome = plan.Outcome

		switch plan.Outcome {
		case model.AbsorbNoop:
			return nil
		case model.AbsorbRecovered:
			_, err := tx.Exec(ctx,
				`UPDATE gap_segments SET state = 'recovered', missing_bars = 0 WHERE id = $1`, id)
			return err
		case model.AbsorbShrunk:
			_, err := tx.Exec(ctx,
				`UPDATE gap_segments
				 SET from_open_time = $2, to_open_time = $3, missing_bars = GREATEST(missing_bars - 1, 0)
				 WHERE id = $1`,
				id, plan.Shrunk.From, plan.Shrunk.To)
			return err
		case model.AbsorbSplit:
			if _, err := tx.Exec(ctx,
				`UPDATE gap_segments
				 SET from_open_time = $2, to_open_time = $3, missing_bars = $4
				 WHERE id = $1`,
				id, plan.Left.From, plan.Left.To, plan.Left.Bars(intervalMS)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO gap_segments (symbol, interval, from_open_time, to_open_time, missing_bars, state, detected_at, retry_count)
				 VALUES ($1,$2,$3,$4,$5,$6,$7,0)`,
				seg.Symbol, seg.Interval, plan.Right.From, plan.Right.To,
				plan.Right.Bars(intervalMS), seg.State, seg.DetectedAt)
			return err
		}
		return fmt.Errorf("unhandled absorb outcome %q", plan.Outcome)
	})
	if err != nil {
		return model.AbsorbNoop, fmt.Errorf("postgres: absorb #%d@%d: %w", id, openTime, err)
	}
	return outcome, nil
}

// ListByStates returns segments in any of the given states, newest first.
func (s *Store) ListByStates(ctx context.Context, symbol, interval string, states []model.GapState, limit int) ([]model.GapSegment, error) {
	ss := make([]string, len(states))
	for i, st := range states {
		ss[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+segmentCols+` FROM gap_segments
		 WHERE symbol = $1 AND interval = $2 AND state = ANY($3)
		 ORDER BY detected_at DESC, id DESC
		 LIMIT NULLIF($4, 0)`,
		symbol, interval, ss, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list segments: %w", classify(err))
	}
	defer rows.Close()
	return collectSegments(rows)
}

// CountActive returns the number of open + in_progress segments.
func (s *Store) CountActive(ctx context.Context, symbol, interval string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM gap_segments
		 WHERE symbol = $1 AND interval = $2 AND state IN ('open','in_progress')`,
		symbol, interval).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count active: %w", classify(err))
	}
	return n, nil
}

func scanSegment(row rowScanner, seg *model.GapSegment) error {
	var state string
	err := row.Scan(&seg.ID, &seg.Symbol, &seg.Interval, &seg.FromOpenTime, &seg.ToOpenTime,
		&seg.MissingBars, &state, &seg.DetectedAt, &seg.RetryCount,
		&seg.LastAttemptAt, &seg.LastError, &seg.MergedInto)
	seg.State = model.GapState(state)
	return err
}

func collectSegments(rows pgx.Rows) ([]model.GapSegment, error) {
	var out []model.GapSegment
	for rows.Next() {
		var seg model.GapSegment
		if err := scanSegment(rows, &seg); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}
