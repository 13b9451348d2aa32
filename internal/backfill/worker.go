// Package backfill loads missing candle ranges over the provider's paged
// history endpoint. Worker recovers gap segments dispatched by the
// orchestrator; Runner executes operator-requested historical loads. Both
// share one page loop and the provider rate budget.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"ohlcv-systemv1/internal/metrics"
	"ohlcv-systemv1/internal/model"
	"ohlcv-systemv1/internal/upstream"
)

// Config tunes the page loop shared by gap recovery and historical runs.
type Config struct {
	PermitCost   int           // rate budget weight per history page; default 2
	MaxPages     int           // pages per recovery pass before giving up; default 50
	MaxPasses    int           // fetch+verify passes per segment; default 3
	RetryMax     int           // attempts per store write and per run; default 3
	RetryBackoff time.Duration // first retry delay, doubles per attempt; default 500ms
}

func (c *Config) fill() {
	if c.PermitCost <= 0 {
		c.PermitCost = 2
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 50
	}
	if c.MaxPasses <= 0 {
		c.MaxPasses = 3
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
}

// Deps are the collaborators for this package. Worker requires Gaps, Runner
// requires Runs; Events may be nil when nothing listens.
type Deps struct {
	Hist    upstream.Historian
	Limiter upstream.Limiter
	Store   model.CandleStore
	Gaps    model.GapRepo
	Runs    model.RunStore
	Events  chan<- model.Event
	Prom    *metrics.Metrics
}

// pager is the page loop both entry points are built on.
type pager struct {
	cfg Config
	d   Deps
}

// Worker recovers one gap segment per Recover call. Instances are
// stateless; the orchestrator runs one call per pooled slot.
type Worker struct {
	pager
}

// NewWorker validates the wiring and returns a worker.
func NewWorker(cfg Config, d Deps) (*Worker, error) {
	if d.Hist == nil || d.Limiter == nil || d.Store == nil || d.Gaps == nil || d.Prom == nil {
		return nil, errors.New("backfill: missing dependency")
	}
	cfg.fill()
	return &Worker{pager{cfg: cfg, d: d}}, nil
}

// Recover fetches, persists and verifies one segment. Open segments are
// claimed first; in_progress segments arrive requeued after a cool-off and
// are re-attempted as is. When the range still has holes after every pass
// the retry counter is bumped and the segment stays in_progress.
func (w *Worker) Recover(ctx context.Context, seg model.GapSegment) error {
	step, err := model.IntervalMS(seg.Interval)
	if err != nil {
		return fmt.Errorf("backfill: segment #%d: %w", seg.ID, err)
	}

	switch seg.State {
	case model.GapOpen:
		if err := w.d.Gaps.MarkInProgress(ctx, seg.ID); err != nil {
			if !errors.Is(err, model.ErrInvalidTransition) {
				return fmt.Errorf("backfill: claim segment #%d: %w", seg.ID, err)
			}
			// Claimed by an earlier attempt that never concluded; work it.
		}
	case model.GapInProgress:
	default:
		return fmt.Errorf("backfill: segment #%d is %s, nothing to recover", seg.ID, seg.State)
	}

	log.Printf("[backfill] recovering segment #%d %s@%s [%d,%d] missing=%d retry=%d",
		seg.ID, seg.Symbol, seg.Interval, seg.FromOpenTime, seg.ToOpenTime, seg.MissingBars, seg.RetryCount)

	var lastErr error
	for pass := 1; pass <= w.cfg.MaxPasses; pass++ {
		if pass > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.RetryBackoff):
			}
		}
		if err := w.fillSegment(ctx, seg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			log.Printf("[backfill] segment #%d pass %d/%d: %v", seg.ID, pass, w.cfg.MaxPasses, err)
			continue
		}

		count, err := w.d.Store.CountRange(ctx, seg.Symbol, seg.Interval, seg.FromOpenTime, seg.ToOpenTime)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("verify: %w", err)
			continue
		}
		if want := seg.SpanBars(step); count < want {
			// The provider answered but the range is still short. Usually
			// bars the venue never produced (maintenance window); retrying
			// later costs little and scanner re-checks the horizon anyway.
			lastErr = fmt.Errorf("range holds %d of %d bars after load", count, want)
			log.Printf("[backfill] segment #%d pass %d/%d: %v", seg.ID, pass, w.cfg.MaxPasses, lastErr)
			continue
		}
		return w.conclude(ctx, seg)
	}

	msg := "exhausted recovery passes"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	if err := w.d.Gaps.IncrementRetry(ctx, seg.ID, msg); err != nil {
		log.Printf("[backfill] segment #%d retry bump failed: %v", seg.ID, err)
	}
	return fmt.Errorf("backfill: segment #%d not recovered: %s", seg.ID, msg)
}

// fillSegment loads every page of the segment range. Bars inside a tracked
// segment sit behind the continuity pointer, so they go out as repair
// events for live subscribers to patch in place.
func (w *Worker) fillSegment(ctx context.Context, seg model.GapSegment) error {
	return w.fetchPages(ctx, seg.Symbol, seg.Interval, seg.FromOpenTime, seg.ToOpenTime, w.cfg.MaxPages, func(pg upstream.Page) error {
		res, err := w.persistPage(ctx, pg.Candles)
		if err != nil {
			return err
		}
		if res.Inserted+res.Updated == 0 {
			return nil
		}
		for i := range pg.Candles {
			bar := pg.Candles[i]
			w.publish(ctx, model.Event{Type: model.EventRepair, Symbol: bar.Symbol, Interval: bar.Interval, Candle: &bar})
		}
		return nil
	})
}

// conclude closes out a verified segment. A live late fill can absorb the
// final bar while pages were in flight; that path already announced the
// recovery, so an invalid transition here is success.
func (w *Worker) conclude(ctx context.Context, seg model.GapSegment) error {
	if err := w.d.Gaps.MarkRecovered(ctx, seg.ID); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			log.Printf("[backfill] segment #%d concluded elsewhere: %v", seg.ID, err)
			return nil
		}
		return fmt.Errorf("backfill: conclude segment #%d: %w", seg.ID, err)
	}

	mttr := time.Since(seg.DetectedAt)
	w.d.Prom.GapsRepaired.Inc()
	w.d.Prom.GapMTTR.Observe(mttr.Seconds())
	log.Printf("[backfill] segment #%d %s@%s recovered in %s",
		seg.ID, seg.Symbol, seg.Interval, mttr.Round(time.Millisecond))

	w.publish(ctx, model.Event{
		Type:     model.EventGapRepaired,
		Symbol:   seg.Symbol,
		Interval: seg.Interval,
		Gap: &model.GapNotice{
			SegmentID:    seg.ID,
			FromOpenTime: seg.FromOpenTime,
			ToOpenTime:   seg.ToOpenTime,
			MissingBars:  0,
			MTTRMillis:   mttr.Milliseconds(),
		},
	})
	return nil
}

// fetchPages walks provider pages across [from, to] ascending and hands
// each non-empty page to sink. A permit is acquired before every call;
// throttle responses penalize the shared budget and retry the same page.
// maxPages <= 0 means unbounded.
func (p *pager) fetchPages(ctx context.Context, symbol, interval string, from, to int64, maxPages int, sink func(upstream.Page) error) error {
	token := ""
	for fetched := 0; maxPages <= 0 || fetched < maxPages; {
		if err := p.d.Limiter.AcquirePermit(ctx, p.cfg.PermitCost); err != nil {
			return err
		}
		pg, err := p.d.Hist.FetchHistory(ctx, symbol, interval, from, to, token)
		if errors.Is(err, upstream.ErrRateLimited) {
			p.d.Limiter.Penalize()
			log.Printf("[backfill] %s@%s page throttled, backing off", symbol, interval)
			continue
		}
		if err != nil {
			return fmt.Errorf("fetch %s@%s: %w", symbol, interval, err)
		}
		p.d.Limiter.Reset()
		fetched++
		p.d.Prom.BackfillPages.Inc()
		p.d.Prom.BackfillBars.Add(float64(len(pg.Candles)))

		if len(pg.Candles) > 0 {
			if err := sink(pg); err != nil {
				return err
			}
		}
		if pg.NextToken == "" {
			return nil
		}
		token = pg.NextToken
	}
	return fmt.Errorf("page budget (%d) exhausted before reaching %d", maxPages, to)
}

// persistPage upserts one page, retrying transient store failures.
// Integrity violations surface immediately; retrying malformed rows is
// pointless.
func (p *pager) persistPage(ctx context.Context, batch []model.Candle) (model.UpsertResult, error) {
	var res model.UpsertResult
	var err error
	delay := p.cfg.RetryBackoff
	for attempt := 1; attempt <= p.cfg.RetryMax; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		res, err = p.d.Store.UpsertCandles(ctx, batch)
		if err == nil || errors.Is(err, model.ErrIntegrity) {
			return res, err
		}
		log.Printf("[backfill] upsert of %d bars failed (attempt %d/%d): %v",
			len(batch), attempt, p.cfg.RetryMax, err)
	}
	return res, err
}

func (p *pager) publish(ctx context.Context, ev model.Event) {
	if p.d.Events == nil {
		return
	}
	select {
	case p.d.Events <- ev:
	case <-ctx.Done():
	}
}
