package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"

	"ohlcv-systemv1/internal/model"
)

const candleCols = "symbol, interval, open_time, close_time, open, high, low, close, volume, trade_count, is_closed"

// neverApplied sits past any real repaired_at so an OR clause against it
// never matches.
var neverApplied = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// UpsertCandles inserts or updates a batch atomically. Per-key duplicates
// inside the batch collapse to the last occurrence. Rows whose stored
// content differs are rewritten and produce a repair record in the same
// transaction.
func (s *Store) UpsertCandles(ctx context.Context, batch []model.Candle) (model.UpsertResult, error) {
	var res model.UpsertResult
	if len(batch) == 0 {
		return res, nil
	}
	for i := range batch {
		if !batch[i].IsClosed {
			return res, fmt.Errorf("postgres: refusing to persist partial candle %s@%d", batch[i].Key(), batch[i].OpenTime)
		}
	}

	for key, group := range groupBySeries(batch) {
		r, err := s.upsertSeries(ctx, key.symbol, key.interval, group)
		if err != nil {
			return res, err
		}
		res.Inserted += r.Inserted
		res.Updated += r.Updated
		res.Unchanged += r.Unchanged
		res.Repairs = append(res.Repairs, r.Repairs...)
	}
	return res, nil
}

type seriesKey struct{ symbol, interval string }

// groupBySeries splits a batch per (symbol, interval) and collapses
// duplicate open_times to their last occurrence, preserving order.
func groupBySeries(batch []model.Candle) map[seriesKey][]model.Candle {
	groups := make(map[seriesKey][]model.Candle)
	seen := make(map[seriesKey]map[int64]int)
	for _, c := range batch {
		k := seriesKey{c.Symbol, c.Interval}
		if seen[k] == nil {
			seen[k] = make(map[int64]int)
		}
		if idx, dup := seen[k][c.OpenTime]; dup {
			groups[k][idx] = c
			continue
		}
		seen[k][c.OpenTime] = len(groups[k])
		groups[k] = append(groups[k], c)
	}
	return groups
}

func (s *Store) upsertSeries(ctx context.Context, symbol, interval string, group []model.Candle) (model.UpsertResult, error) {
	var res model.UpsertResult
	times := make([]int64, len(group))
	for i, c := range group {
		times[i] = c.OpenTime
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		res = model.UpsertResult{}

		existing := make(map[int64]model.Candle)
		rows, err := tx.Query(ctx,
			`SELECT `+candleCols+` FROM candles
			 WHERE symbol = $1 AND interval = $2 AND open_time = ANY($3)
			 FOR UPDATE`,
			symbol, interval, times)
		if err != nil {
			return fmt.Errorf("select existing: %w", err)
		}
		for rows.Next() {
			var c model.Candle
			if err := scanCandle(rows, &c); err != nil {
				rows.Close()
				return err
			}
			existing[c.OpenTime] = c
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("select existing: %w", err)
		}

		now := time.Now().UTC()
		b := &pgx.Batch{}
		for _, c := range group {
			old, found := existing[c.OpenTime]
			if found && old.SameContent(&c) {
				res.Unchanged++
				continue
			}
			b.Queue(`INSERT INTO candles (`+candleCols+`)
				 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,TRUE)
				 ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
					close_time = EXCLUDED.close_time,
					open = EXCLUDED.open, high = EXCLUDED.high,
					low = EXCLUDED.low, close = EXCLUDED.close,
					volume = EXCLUDED.volume, trade_count = EXCLUDED.trade_count,
					is_closed = TRUE`,
				c.Symbol, c.Interval, c.OpenTime, c.CloseTime,
				c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount)
			if !found {
				res.Inserted++
				continue
			}
			res.Updated++
			res.Repairs = append(res.Repairs, model.RepairRecord{
				Symbol: c.Symbol, Interval: c.Interval, OpenTime: c.OpenTime,
				Candle: c, RepairedAt: now,
			})
			log.Printf("[postgres] repair %s:%s@%d old=%s new=%s",
				c.Symbol, c.Interval, c.OpenTime, old.JSON(), c.JSON())
			b.Queue(`INSERT INTO candle_repairs
					(symbol, interval, open_time, close_time, open, high, low, close, volume, trade_count, repaired_at)
				 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
				c.Symbol, c.Interval, c.OpenTime, c.CloseTime,
				c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount, now)
		}
		if b.Len() == 0 {
			return nil
		}
		br := tx.SendBatch(ctx, b)
		defer br.Close()
		for i := 0; i < b.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("batch upsert: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return model.UpsertResult{}, fmt.Errorf("postgres: upsert %s:%s: %w", symbol, interval, err)
	}
	return res, nil
}

// GetRange returns finalized candles in [from, to] ascending. limit <= 0
// means no cap.
func (s *Store) GetRange(ctx context.Context, symbol, interval string, from, to int64, limit int) ([]model.Candle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+candleCols+` FROM candles
		 WHERE symbol = $1 AND interval = $2 AND open_time BETWEEN $3 AND $4 AND is_closed
		 ORDER BY open_time ASC
		 LIMIT NULLIF($5, 0)`,
		symbol, interval, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: get range: %w", classify(err))
	}
	defer rows.Close()
	return collectCandles(rows)
}

// GetBefore returns the last `limit` finalized candles with
// open_time < before, ascending.
func (s *Store) GetBefore(ctx context.Context, symbol, interval string, before int64, limit int) ([]model.Candle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+candleCols+` FROM candles
		 WHERE symbol = $1 AND interval = $2 AND open_time < $3 AND is_closed
		 ORDER BY open_time DESC
		 LIMIT $4`,
		symbol, interval, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: get before: %w", classify(err))
	}
	defer rows.Close()
	out, err := collectCandles(rows)
	if err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

// GetLastClosed returns the newest finalized candle or nil when the series
// is empty.
func (s *Store) GetLastClosed(ctx context.Context, symbol, interval string) (*model.Candle, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+candleCols+` FROM candles
		 WHERE symbol = $1 AND interval = $2 AND is_closed
		 ORDER BY open_time DESC LIMIT 1`,
		symbol, interval)
	var c model.Candle
	if err := scanCandle(row, &c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get last closed: %w", classify(err))
	}
	return &c, nil
}

// CountRange returns the exact finalized row count in [from, to].
func (s *Store) CountRange(ctx context.Context, symbol, interval string, from, to int64) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM candles
		 WHERE symbol = $1 AND interval = $2 AND open_time BETWEEN $3 AND $4 AND is_closed`,
		symbol, interval, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count range: %w", classify(err))
	}
	return n, nil
}

// ListRepairs returns corrections with open_time > sinceOpen or
// repaired_at > appliedAfter, ascending by open_time. A zero appliedAfter
// disables the wallclock clause.
func (s *Store) ListRepairs(ctx context.Context, symbol, interval string, sinceOpen int64, appliedAfter time.Time, limit int) ([]model.RepairRecord, error) {
	if appliedAfter.IsZero() {
		appliedAfter = neverApplied
	}
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, interval, open_time, close_time, open, high, low, close, volume, trade_count, repaired_at
		 FROM candle_repairs
		 WHERE symbol = $1 AND interval = $2 AND (open_time > $3 OR repaired_at > $4)
		 ORDER BY open_time ASC, repaired_at ASC
		 LIMIT NULLIF($5, 0)`,
		symbol, interval, sinceOpen, appliedAfter, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list repairs: %w", classify(err))
	}
	defer rows.Close()

	var out []model.RepairRecord
	for rows.Next() {
		var r model.RepairRecord
		var c model.Candle
		if err := rows.Scan(&c.Symbol, &c.Interval, &c.OpenTime, &c.CloseTime,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.TradeCount, &r.RepairedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan repair: %w", err)
		}
		c.IsClosed = true
		r.Symbol, r.Interval, r.OpenTime, r.Candle = c.Symbol, c.Interval, c.OpenTime, c
		out = append(out, r)
	}
	return out, rows.Err()
}

// Meta returns the stored footprint of the series.
func (s *Store) Meta(ctx context.Context, symbol, interval string) (model.SeriesMeta, error) {
	var m model.SeriesMeta
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MIN(open_time), 0), COALESCE(MAX(open_time), 0), COUNT(*)
		 FROM candles
		 WHERE symbol = $1 AND interval = $2 AND is_closed`,
		symbol, interval).Scan(&m.EarliestOpenTime, &m.LatestOpenTime, &m.Count)
	if err != nil {
		return m, fmt.Errorf("postgres: meta: %w", classify(err))
	}
	return m, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanCandle(row rowScanner, c *model.Candle) error {
	return row.Scan(&c.Symbol, &c.Interval, &c.OpenTime, &c.CloseTime,
		&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.TradeCount, &c.IsClosed)
}

func collectCandles(rows pgx.Rows) ([]model.Candle, error) {
	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := scanCandle(rows, &c); err != nil {
			return nil, fmt.Errorf("postgres: scan candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func reverse(cs []model.Candle) {
	for i, j := 0, len(cs)-1; i < j; i, j = i+1, j-1 {
		cs[i], cs[j] = cs[j], cs[i]
	}
}
