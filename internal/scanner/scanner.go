// Package scanner sweeps the stored horizon for holes the live path never
// noticed: bars lost while the process was down, or gap rows that failed
// to persist. Found runs land in the gap repository for the orchestrator.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"ohlcv-systemv1/internal/gaps"
	"ohlcv-systemv1/internal/metrics"
	"ohlcv-systemv1/internal/model"
)

const dayMS = int64(24 * 60 * 60 * 1000)

// Config tunes the sweep.
type Config struct {
	Symbol   string
	Interval string

	HorizonDays int    // how far back a sweep reaches; default 7
	Schedule    string // Go duration ("30m") or daily UTC wall-clock ("03:15"); default 1h
	ChunkBars   int    // bars per store read; default 5000
}

func (c *Config) fill() error {
	if c.HorizonDays <= 0 {
		c.HorizonDays = 7
	}
	if c.Schedule == "" {
		c.Schedule = "1h"
	}
	if c.ChunkBars <= 0 {
		c.ChunkBars = 5000
	}
	_, err := nextRun(time.Now().UTC(), c.Schedule)
	return err
}

// Deps are the scanner's collaborators. Events may be nil.
type Deps struct {
	Store  model.CandleStore
	Gaps   model.GapRepo
	Events chan<- model.Event
	Prom   *metrics.Metrics
}

// Report summarizes one sweep.
type Report struct {
	From         int64              `json:"from_open_time"`
	To           int64              `json:"to_open_time"`
	ExpectedBars int64              `json:"expected_bars"`
	PresentBars  int64              `json:"present_bars"`
	MissingBars  int64              `json:"missing_bars"`
	Segments     []model.GapSegment `json:"segments,omitempty"`
	TookMS       int64              `json:"took_ms"`
}

// Completeness returns present/expected clamped to [0,1], 1 for an empty
// window.
func (r *Report) Completeness() float64 {
	if r.ExpectedBars <= 0 {
		return 1
	}
	return float64(r.PresentBars) / float64(r.ExpectedBars)
}

// Scanner runs horizon sweeps for one (symbol, interval).
type Scanner struct {
	cfg  Config
	step int64

	store  model.CandleStore
	gaps   model.GapRepo
	events chan<- model.Event
	prom   *metrics.Metrics

	scanMu sync.Mutex // one sweep at a time; schedule and admin can race

	mu   sync.Mutex
	last *Report

	now func() time.Time // test hook
}

// New validates the wiring and returns a scanner.
func New(cfg Config, d Deps) (*Scanner, error) {
	step, err := model.IntervalMS(cfg.Interval)
	if err != nil {
		return nil, err
	}
	if cfg.Symbol == "" {
		return nil, errors.New("scanner: empty symbol")
	}
	if d.Store == nil || d.Gaps == nil || d.Prom == nil {
		return nil, errors.New("scanner: missing dependency")
	}
	if err := cfg.fill(); err != nil {
		return nil, fmt.Errorf("scanner: bad schedule %q: %w", cfg.Schedule, err)
	}
	return &Scanner{
		cfg:    cfg,
		step:   step,
		store:  d.Store,
		gaps:   d.Gaps,
		events: d.Events,
		prom:   d.Prom,
		now:    time.Now,
	}, nil
}

// LastReport returns the most recent sweep result, or nil before the first.
func (s *Scanner) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	return &cp
}

// Run sweeps once at startup, then on the configured schedule until ctx
// ends. Sweep failures are logged and retried at the next firing.
func (s *Scanner) Run(ctx context.Context) error {
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[scanner] startup sweep failed: %v", err)
	}
	for {
		next, err := nextRun(time.Now().UTC(), s.cfg.Schedule)
		if err != nil {
			return fmt.Errorf("scanner: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(next)):
		}
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[scanner] sweep failed: %v", err)
		}
	}
}

// RunOnce sweeps the horizon now. Safe to call concurrently with the
// schedule; sweeps serialize.
func (s *Scanner) RunOnce(ctx context.Context) (Report, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	started := s.now()
	nowMS := started.UnixMilli()
	to := model.AlignOpenTime(nowMS, s.step) - s.step
	from := model.AlignOpenTime(nowMS-int64(s.cfg.HorizonDays)*dayMS, s.step)
	rep := Report{From: from, To: to}
	if from > to {
		return rep, nil
	}
	rep.ExpectedBars = gaps.ExpectedBars(from, to, s.step)

	var pending *gaps.Range
	chunkSpan := int64(s.cfg.ChunkBars) * s.step
	for chunkFrom := from; chunkFrom <= to; chunkFrom += chunkSpan {
		chunkTo := chunkFrom + chunkSpan - s.step
		if chunkTo > to {
			chunkTo = to
		}
		bars, err := s.store.GetRange(ctx, s.cfg.Symbol, s.cfg.Interval, chunkFrom, chunkTo, 0)
		if err != nil {
			return rep, fmt.Errorf("scanner: read [%d,%d]: %w", chunkFrom, chunkTo, err)
		}
		present := make([]int64, len(bars))
		for i := range bars {
			present[i] = bars[i].OpenTime
		}
		rep.PresentBars += int64(len(present))

		for _, r := range gaps.Missing(chunkFrom, chunkTo, s.step, present) {
			if pending != nil && r.From == pending.To+s.step {
				pending.To = r.To
				continue
			}
			if pending != nil {
				s.flush(ctx, *pending, started, &rep)
			}
			run := r
			pending = &run
		}
		if pending != nil && pending.To < chunkTo {
			s.flush(ctx, *pending, started, &rep)
			pending = nil
		}
	}
	if pending != nil {
		s.flush(ctx, *pending, started, &rep)
	}

	rep.MissingBars = rep.ExpectedBars - rep.PresentBars
	rep.TookMS = time.Since(started).Milliseconds()
	s.prom.Completeness.Set(rep.Completeness())

	log.Printf("[scanner] %s@%s swept [%d,%d]: %d/%d bars, %d missing across %d segment(s) in %dms",
		s.cfg.Symbol, s.cfg.Interval, from, to, rep.PresentBars, rep.ExpectedBars,
		rep.MissingBars, len(rep.Segments), rep.TookMS)

	s.mu.Lock()
	cp := rep
	s.last = &cp
	s.mu.Unlock()
	return rep, nil
}

// flush records one missing run. Merge failures are logged only; the next
// sweep re-finds the run.
func (s *Scanner) flush(ctx context.Context, r gaps.Range, scanStart time.Time, rep *Report) {
	survivor, err := s.gaps.MergeOrInsert(ctx, model.GapSegment{
		Symbol:       s.cfg.Symbol,
		Interval:     s.cfg.Interval,
		FromOpenTime: r.From,
		ToOpenTime:   r.To,
		MissingBars:  r.Bars(s.step),
		State:        model.GapOpen,
		DetectedAt:   scanStart.UTC(),
	})
	if err != nil {
		log.Printf("[scanner] raise [%d,%d] failed: %v", r.From, r.To, err)
		return
	}
	rep.Segments = append(rep.Segments, survivor)

	// A survivor detected before this sweep was already tracked (or is a
	// widened union of tracked rows); only fresh finds are announced.
	if survivor.DetectedAt.Before(scanStart.UTC().Truncate(time.Millisecond)) {
		return
	}
	s.prom.GapsDetected.Inc()
	s.publish(ctx, model.Event{
		Type:     model.EventGapDetected,
		Symbol:   s.cfg.Symbol,
		Interval: s.cfg.Interval,
		Gap: &model.GapNotice{
			SegmentID:    survivor.ID,
			FromOpenTime: survivor.FromOpenTime,
			ToOpenTime:   survivor.ToOpenTime,
			MissingBars:  survivor.MissingBars,
		},
	})
}

func (s *Scanner) publish(ctx context.Context, ev model.Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// nextRun resolves the schedule against now: a parseable duration means a
// fixed cadence, otherwise "HH:MM" means once a day at that UTC time.
func nextRun(now time.Time, schedule string) (time.Time, error) {
	if d, err := time.ParseDuration(schedule); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("non-positive cadence %s", d)
		}
		return now.Add(d), nil
	}
	at, err := time.Parse("15:04", schedule)
	if err != nil {
		return time.Time{}, err
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next, nil
}
