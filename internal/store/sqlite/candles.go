package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"ohlcv-systemv1/internal/model"
)

const candleCols = "symbol, interval, open_time, close_time, open, high, low, close, volume, trade_count, is_closed"

// UpsertCandles inserts or updates a batch inside a single transaction.
// Duplicate open_times within the batch collapse to the last occurrence.
// Rows whose stored content differs are rewritten and produce a repair
// record in the same transaction.
func (s *Store) UpsertCandles(ctx context.Context, batch []model.Candle) (model.UpsertResult, error) {
	var res model.UpsertResult
	if len(batch) == 0 {
		return res, nil
	}
	for i := range batch {
		if !batch[i].IsClosed {
			return res, fmt.Errorf("sqlite: refusing to persist partial candle %s@%d", batch[i].Key(), batch[i].OpenTime)
		}
	}
	batch = collapseDuplicates(batch)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("sqlite: begin upsert: %w", classify(err))
	}
	defer tx.Rollback()

	sel, err := tx.PrepareContext(ctx,
		`SELECT `+candleCols+` FROM candles WHERE symbol = ? AND interval = ? AND open_time = ?`)
	if err != nil {
		return res, fmt.Errorf("sqlite: prepare select: %w", classify(err))
	}
	defer sel.Close()

	ins, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO candles (`+candleCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`)
	if err != nil {
		return res, fmt.Errorf("sqlite: prepare upsert: %w", classify(err))
	}
	defer ins.Close()

	rep, err := tx.PrepareContext(ctx,
		`INSERT INTO candle_repairs (symbol, interval, open_time, close_time, open, high, low, close, volume, trade_count, repaired_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return res, fmt.Errorf("sqlite: prepare repair: %w", classify(err))
	}
	defer rep.Close()

	now := time.Now().UTC()
	for _, c := range batch {
		var old model.Candle
		err := scanCandle(sel.QueryRowContext(ctx, c.Symbol, c.Interval, c.OpenTime), &old)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			res.Inserted++
		case err != nil:
			return model.UpsertResult{}, fmt.Errorf("sqlite: select existing: %w", classify(err))
		case old.SameContent(&c):
			res.Unchanged++
			continue
		default:
			res.Updated++
			res.Repairs = append(res.Repairs, model.RepairRecord{
				Symbol: c.Symbol, Interval: c.Interval, OpenTime: c.OpenTime,
				Candle: c, RepairedAt: now,
			})
			log.Printf("[sqlite] repair %s:%s@%d old=%s new=%s",
				c.Symbol, c.Interval, c.OpenTime, old.JSON(), c.JSON())
			if _, err := rep.ExecContext(ctx, c.Symbol, c.Interval, c.OpenTime, c.CloseTime,
				c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount, toMillis(now)); err != nil {
				return model.UpsertResult{}, fmt.Errorf("sqlite: insert repair: %w", classify(err))
			}
		}
		if _, err := ins.ExecContext(ctx, c.Symbol, c.Interval, c.OpenTime, c.CloseTime,
			c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount); err != nil {
			return model.UpsertResult{}, fmt.Errorf("sqlite: upsert candle: %w", classify(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return model.UpsertResult{}, fmt.Errorf("sqlite: commit upsert: %w", classify(err))
	}
	return res, nil
}

// collapseDuplicates keeps the last occurrence per (symbol, interval,
// open_time), preserving first-seen order.
func collapseDuplicates(batch []model.Candle) []model.Candle {
	type key struct {
		symbol, interval string
		openTime         int64
	}
	idx := make(map[key]int, len(batch))
	out := batch[:0:0]
	for _, c := range batch {
		k := key{c.Symbol, c.Interval, c.OpenTime}
		if i, dup := idx[k]; dup {
			out[i] = c
			continue
		}
		idx[k] = len(out)
		out = append(out, c)
	}
	return out
}

// GetRange returns finalized candles in [from, to] ascending. limit <= 0
// means no cap.
func (s *Store) GetRange(ctx context.Context, symbol, interval string, from, to int64, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		limit = -1 // SQLite: negative LIMIT disables the cap
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+candleCols+` FROM candles
		 WHERE symbol = ? AND interval = ? AND open_time BETWEEN ? AND ? AND is_closed = 1
		 ORDER BY open_time ASC LIMIT ?`,
		symbol, interval, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get range: %w", classify(err))
	}
	defer rows.Close()
	return collectCandles(rows)
}

// GetBefore returns the last `limit` finalized candles before `before`,
// ascending.
func (s *Store) GetBefore(ctx context.Context, symbol, interval string, before int64, limit int) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+candleCols+` FROM candles
		 WHERE symbol = ? AND interval = ? AND open_time < ? AND is_closed = 1
		 ORDER BY open_time DESC LIMIT ?`,
		symbol, interval, before, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get before: %w", classify(err))
	}
	defer rows.Close()
	out, err := collectCandles(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// GetLastClosed returns the newest finalized candle or nil.
func (s *Store) GetLastClosed(ctx context.Context, symbol, interval string) (*model.Candle, error) {
	var c model.Candle
	err := scanCandle(s.db.QueryRowContext(ctx,
		`SELECT `+candleCols+` FROM candles
		 WHERE symbol = ? AND interval = ? AND is_closed = 1
		 ORDER BY open_time DESC LIMIT 1`,
		symbol, interval), &c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get last closed: %w", classify(err))
	}
	return &c, nil
}

// CountRange returns the exact finalized row count in [from, to].
func (s *Store) CountRange(ctx context.Context, symbol, interval string, from, to int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM candles
		 WHERE symbol = ? AND interval = ? AND open_time BETWEEN ? AND ? AND is_closed = 1`,
		symbol, interval, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count range: %w", classify(err))
	}
	return n, nil
}

// ListRepairs returns corrections with open_time > sinceOpen or
// repaired_at > appliedAfter, ascending by open_time. A zero appliedAfter
// disables the wallclock clause.
func (s *Store) ListRepairs(ctx context.Context, symbol, interval string, sinceOpen int64, appliedAfter time.Time, limit int) ([]model.RepairRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	appliedMS := int64(math.MaxInt64)
	if !appliedAfter.IsZero() {
		appliedMS = toMillis(appliedAfter)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, interval, open_time, close_time, open, high, low, close, volume, trade_count, repaired_at
		 FROM candle_repairs
		 WHERE symbol = ? AND interval = ? AND (open_time > ? OR repaired_at > ?)
		 ORDER BY open_time ASC, repaired_at ASC LIMIT ?`,
		symbol, interval, sinceOpen, appliedMS, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list repairs: %w", classify(err))
	}
	defer rows.Close()

	var out []model.RepairRecord
	for rows.Next() {
		var r model.RepairRecord
		var c model.Candle
		var repairedMS int64
		if err := rows.Scan(&c.Symbol, &c.Interval, &c.OpenTime, &c.CloseTime,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.TradeCount, &repairedMS); err != nil {
			return nil, fmt.Errorf("sqlite: scan repair: %w", err)
		}
		c.IsClosed = true
		r.Symbol, r.Interval, r.OpenTime, r.Candle = c.Symbol, c.Interval, c.OpenTime, c
		r.RepairedAt = fromMillis(repairedMS)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Meta returns the stored footprint of the series.
func (s *Store) Meta(ctx context.Context, symbol, interval string) (model.SeriesMeta, error) {
	var m model.SeriesMeta
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MIN(open_time), 0), COALESCE(MAX(open_time), 0), COUNT(*)
		 FROM candles WHERE symbol = ? AND interval = ? AND is_closed = 1`,
		symbol, interval).Scan(&m.EarliestOpenTime, &m.LatestOpenTime, &m.Count)
	if err != nil {
		return m, fmt.Errorf("sqlite: meta: %w", classify(err))
	}
	return m, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanCandle(row rowScanner, c *model.Candle) error {
	var closed int
	err := row.Scan(&c.Symbol, &c.Interval, &c.OpenTime, &c.CloseTime,
		&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.TradeCount, &closed)
	c.IsClosed = closed != 0
	return err
}

func collectCandles(rows *sql.Rows) ([]model.Candle, error) {
	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := scanCandle(rows, &c); err != nil {
			return nil, fmt.Errorf("sqlite: scan candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
