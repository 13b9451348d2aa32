package model

import (
	"context"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the engine from concrete storage implementations
// (Postgres, SQLite). Each implementation satisfies one or more of them.

// UpsertResult summarizes one UpsertCandles call. Repairs carries one record
// per row whose content differed from what was already persisted; callers
// must broadcast those as repair events.
type UpsertResult struct {
	Inserted  int
	Updated   int
	Unchanged int
	Repairs   []RepairRecord
}

// SeriesMeta is the stored footprint of one (symbol, interval) series.
type SeriesMeta struct {
	EarliestOpenTime int64 `json:"earliest_open_time"`
	LatestOpenTime   int64 `json:"latest_open_time"`
	Count            int64 `json:"count"`
}

// CandleStore persists finalized candles keyed by (symbol, interval,
// open_time) with idempotent upsert. All multi-row writes are atomic.
type CandleStore interface {
	// UpsertCandles inserts or updates a batch. Identical content on an
	// existing key counts as unchanged; divergent content counts as updated
	// and produces a repair record in the same transaction.
	UpsertCandles(ctx context.Context, batch []Candle) (UpsertResult, error)

	// GetRange returns finalized candles with from <= open_time <= to,
	// ascending, capped at limit (0 means no cap).
	GetRange(ctx context.Context, symbol, interval string, from, to int64, limit int) ([]Candle, error)

	// GetBefore returns the last `limit` finalized candles with
	// open_time < before, in ascending order.
	GetBefore(ctx context.Context, symbol, interval string, before int64, limit int) ([]Candle, error)

	// GetLastClosed returns the finalized candle with the largest open_time,
	// or nil when the series is empty.
	GetLastClosed(ctx context.Context, symbol, interval string) (*Candle, error)

	// CountRange returns the exact number of finalized candles with
	// from <= open_time <= to.
	CountRange(ctx context.Context, symbol, interval string, from, to int64) (int64, error)

	// ListRepairs returns corrections with open_time > sinceOpen or
	// repaired_at > appliedAfter, ascending by open_time, capped at limit.
	// Delta readers pass both so that a correction is visible whether it
	// touches a recent bar or was applied recently to an old one. A zero
	// appliedAfter disables the wallclock clause.
	ListRepairs(ctx context.Context, symbol, interval string, sinceOpen int64, appliedAfter time.Time, limit int) ([]RepairRecord, error)

	// Meta returns the stored footprint of the series.
	Meta(ctx context.Context, symbol, interval string) (SeriesMeta, error)

	// Close releases underlying resources.
	Close() error
}

// AbsorbOutcome describes what AbsorbOpenTime did to a segment.
type AbsorbOutcome string

const (
	AbsorbShrunk    AbsorbOutcome = "shrunk"
	AbsorbSplit     AbsorbOutcome = "split"
	AbsorbRecovered AbsorbOutcome = "recovered"
	AbsorbNoop      AbsorbOutcome = "noop"
)

// GapRepo is CRUD over gap segments with merge-on-overlap.
type GapRepo interface {
	// MergeOrInsert inserts seg, or, when open/in_progress segments in the
	// same (symbol, interval) overlap its range, marks them merged and
	// inserts a single union row they point at. Returns the surviving row.
	// Idempotent on exact-range repeats.
	MergeOrInsert(ctx context.Context, seg GapSegment) (GapSegment, error)

	// LoadOpen returns open and in_progress segments ordered by
	// missing_bars DESC, detected_at ASC.
	LoadOpen(ctx context.Context, symbol, interval string, limit int) ([]GapSegment, error)

	// FindOpenContaining returns the open or in_progress segment whose range
	// contains openTime, or nil.
	FindOpenContaining(ctx context.Context, symbol, interval string, openTime int64) (*GapSegment, error)

	// MarkInProgress transitions open → in_progress.
	MarkInProgress(ctx context.Context, id int64) error

	// MarkRecovered transitions in_progress → recovered.
	MarkRecovered(ctx context.Context, id int64) error

	// IncrementRetry bumps retry_count and records the attempt error.
	IncrementRetry(ctx context.Context, id int64, lastErr string) error

	// AbsorbOpenTime removes one open_time from a segment: shrink at either
	// edge, split when interior, recovered when it was the only bar.
	AbsorbOpenTime(ctx context.Context, id, openTime int64) (AbsorbOutcome, error)

	// ListByStates returns segments in any of the given states, newest first.
	ListByStates(ctx context.Context, symbol, interval string, states []GapState, limit int) ([]GapSegment, error)

	// CountActive returns the number of open + in_progress segments.
	CountActive(ctx context.Context, symbol, interval string) (int64, error)
}

// RunStore is the audit log for backfill runs.
type RunStore interface {
	CreateRun(ctx context.Context, run BackfillRun) (int64, error)
	MarkRunRunning(ctx context.Context, id int64) error
	UpdateRunProgress(ctx context.Context, id int64, loadedBars int64, attempts int, lastErr string) error
	FinishRun(ctx context.Context, id int64, status RunStatus, loadedBars int64, lastErr string) error

	// LatestRun returns the most recently started run for the series, or nil.
	LatestRun(ctx context.Context, symbol, interval string) (*BackfillRun, error)
}

// AdvisoryLocker is a named-lock facility backed by the store. The
// orchestrator uses it so at most one instance per fleet is active.
type AdvisoryLocker interface {
	// TryLock attempts to acquire the named lock without blocking.
	TryLock(ctx context.Context, key string) (bool, error)

	// Unlock releases the named lock.
	Unlock(ctx context.Context, key string) error

	// Ping verifies the session holding the lock is still alive; an error
	// means leadership must be considered lost.
	Ping(ctx context.Context) error
}
