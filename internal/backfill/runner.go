package backfill

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"ohlcv-systemv1/internal/model"
	"ohlcv-systemv1/internal/upstream"
)

// Runner executes operator-requested historical loads and keeps their
// audit rows current. One Run call owns one run row.
type Runner struct {
	pager
	runs model.RunStore
}

// NewRunner validates the wiring and returns a runner.
func NewRunner(cfg Config, d Deps) (*Runner, error) {
	if d.Hist == nil || d.Limiter == nil || d.Store == nil || d.Runs == nil || d.Prom == nil {
		return nil, errors.New("backfill: missing dependency")
	}
	cfg.fill()
	return &Runner{pager: pager{cfg: cfg, d: d}, runs: d.Runs}, nil
}

// Run drives one created run to a terminal status. Progress lands on the
// audit row after every page so the status endpoint tracks a long load
// live. Transient failures resume from the last persisted bar instead of
// refetching the whole horizon.
func (r *Runner) Run(ctx context.Context, run model.BackfillRun) error {
	step, err := model.IntervalMS(run.Interval)
	if err != nil {
		return fmt.Errorf("backfill: run #%d: %w", run.ID, err)
	}
	if err := r.runs.MarkRunRunning(ctx, run.ID); err != nil {
		return fmt.Errorf("backfill: start run #%d: %w", run.ID, err)
	}
	log.Printf("[backfill] run #%d %s@%s [%d,%d] expecting %d bars",
		run.ID, run.Symbol, run.Interval, run.FromOpenTime, run.ToOpenTime, run.ExpectedBars)

	cursor := run.FromOpenTime
	var loaded int64
	var lastErr error

	for attempt := 1; attempt <= r.cfg.RetryMax; attempt++ {
		lastErr = r.fetchPages(ctx, run.Symbol, run.Interval, cursor, run.ToOpenTime, 0, func(pg upstream.Page) error {
			res, err := r.persistPage(ctx, pg.Candles)
			if err != nil {
				return err
			}
			loaded += int64(len(pg.Candles))
			cursor = pg.Candles[len(pg.Candles)-1].OpenTime + step

			// A historical load only announces genuine corrections. Pushing
			// a year of inserts through the hub would drown live
			// subscribers; the delta endpoint serves bulk catch-up.
			for i := range res.Repairs {
				rec := res.Repairs[i]
				r.publish(ctx, model.Event{Type: model.EventRepair, Symbol: rec.Symbol, Interval: rec.Interval, Candle: &rec.Candle})
			}

			if err := r.runs.UpdateRunProgress(ctx, run.ID, loaded, attempt, ""); err != nil {
				log.Printf("[backfill] run #%d progress write failed: %v", run.ID, err)
			}
			return nil
		})
		if lastErr == nil || ctx.Err() != nil {
			break
		}
		log.Printf("[backfill] run #%d attempt %d/%d failed at cursor %d: %v",
			run.ID, attempt, r.cfg.RetryMax, cursor, lastErr)
		if err := r.runs.UpdateRunProgress(ctx, run.ID, loaded, attempt, lastErr.Error()); err != nil {
			log.Printf("[backfill] run #%d progress write failed: %v", run.ID, err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(r.cfg.RetryBackoff * time.Duration(attempt)):
		}
	}

	if lastErr != nil {
		if ctx.Err() != nil {
			// Shutdown mid-load. Close the row out as an error so the
			// status endpoint never shows a zombie running run; upserts
			// make the re-triggered overlap free.
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			r.finishRun(fctx, run.ID, model.RunError, loaded, "canceled: "+lastErr.Error())
			return lastErr
		}
		r.finishRun(ctx, run.ID, model.RunError, loaded, lastErr.Error())
		return fmt.Errorf("backfill: run #%d: %w", run.ID, lastErr)
	}

	count, err := r.d.Store.CountRange(ctx, run.Symbol, run.Interval, run.FromOpenTime, run.ToOpenTime)
	if err != nil {
		r.finishRun(ctx, run.ID, model.RunPartial, loaded, "verify: "+err.Error())
		return fmt.Errorf("backfill: run #%d verify: %w", run.ID, err)
	}

	status, msg := model.RunSuccess, ""
	if count < run.ExpectedBars {
		// The venue itself has holes (maintenance windows, delistings).
		// Report them; the scanner tracks anything inside its horizon.
		status = model.RunPartial
		msg = fmt.Sprintf("%d of %d bars present after load", count, run.ExpectedBars)
	}
	r.finishRun(ctx, run.ID, status, loaded, msg)
	log.Printf("[backfill] run #%d finished %s: loaded=%d present=%d/%d",
		run.ID, status, loaded, count, run.ExpectedBars)
	return nil
}

func (r *Runner) finishRun(ctx context.Context, id int64, status model.RunStatus, loaded int64, msg string) {
	if err := r.runs.FinishRun(ctx, id, status, loaded, msg); err != nil {
		log.Printf("[backfill] run #%d finish write failed: %v", id, err)
	}
}
