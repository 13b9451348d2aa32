// Package orchestrator schedules gap recovery: it owns the fleet-wide
// advisory lock, drains the segment backlog by priority and keeps at most
// N workers busy without ever letting two of them touch overlapping
// ranges.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"ohlcv-systemv1/internal/metrics"
	"ohlcv-systemv1/internal/model"
	"ohlcv-systemv1/internal/notification"
)

// errLeadershipLost forces the outer loop back into acquisition after a
// failed lock ping.
var errLeadershipLost = errors.New("advisory lock ping failed")

// Recoverer executes one segment recovery. *backfill.Worker satisfies it.
type Recoverer interface {
	Recover(ctx context.Context, seg model.GapSegment) error
}

// Config tunes the scheduler.
type Config struct {
	Symbol   string
	Interval string

	Concurrency  int           // worker slots; default 2
	PollInterval time.Duration // backlog poll cadence; default 15s
	LockKey      string        // advisory lock name; default ohlcv_orchestrator
	CoolOff      time.Duration // hold-down after a failed attempt; default 5m
	RetryMax     int           // stop dispatching a segment at this retry count; default 8
}

func (c *Config) fill() {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.LockKey == "" {
		c.LockKey = "ohlcv_orchestrator"
	}
	if c.CoolOff <= 0 {
		c.CoolOff = 5 * time.Minute
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 8
	}
}

// Deps are the scheduler's collaborators. Notify may be nil.
type Deps struct {
	Locker model.AdvisoryLocker
	Gaps   model.GapRepo
	Worker Recoverer
	Prom   *metrics.Metrics
	Notify notification.Notifier
}

// Orchestrator runs the dispatch loop. One instance per process; the
// advisory lock keeps one active per fleet.
type Orchestrator struct {
	cfg Config

	locker model.AdvisoryLocker
	gaps   model.GapRepo
	worker Recoverer
	prom   *metrics.Metrics
	notify notification.Notifier

	mu       sync.Mutex
	leading  bool
	inflight map[int64]model.GapSegment
	wake     chan struct{}
}

// New validates the wiring and returns an idle orchestrator.
func New(cfg Config, d Deps) (*Orchestrator, error) {
	if cfg.Symbol == "" || cfg.Interval == "" {
		return nil, errors.New("orchestrator: empty series")
	}
	if d.Locker == nil || d.Gaps == nil || d.Worker == nil || d.Prom == nil {
		return nil, errors.New("orchestrator: missing dependency")
	}
	cfg.fill()
	return &Orchestrator{
		cfg:      cfg,
		locker:   d.Locker,
		gaps:     d.Gaps,
		worker:   d.Worker,
		prom:     d.Prom,
		notify:   d.Notify,
		inflight: make(map[int64]model.GapSegment),
		wake:     make(chan struct{}, 1),
	}, nil
}

// Leading reports whether this instance holds the fleet lock.
func (o *Orchestrator) Leading() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.leading
}

// InFlight returns a copy of the segments currently being recovered.
func (o *Orchestrator) InFlight() []model.GapSegment {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.GapSegment, 0, len(o.inflight))
	for _, seg := range o.inflight {
		out = append(out, seg)
	}
	return out
}

// Run acquires leadership and dispatches until ctx ends. Losing the lock
// drains in-flight workers and falls back to acquisition.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		if err := o.acquire(ctx); err != nil {
			return nil
		}
		o.alert(ctx, notification.AlertInfo, "orchestrator leading",
			fmt.Sprintf("%s@%s: acquired %q", o.cfg.Symbol, o.cfg.Interval, o.cfg.LockKey))

		err := o.lead(ctx)
		o.setLeading(false)
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if uerr := o.locker.Unlock(uctx, o.cfg.LockKey); uerr != nil {
			log.Printf("[orchestrator] unlock %q failed: %v", o.cfg.LockKey, uerr)
		}
		cancel()

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errLeadershipLost) {
			o.alert(ctx, notification.AlertWarning, "orchestrator leadership lost",
				fmt.Sprintf("%s@%s: lock ping failed, drained and suspended", o.cfg.Symbol, o.cfg.Interval))
		}
	}
}

// acquire polls TryLock until it wins or ctx ends.
func (o *Orchestrator) acquire(ctx context.Context) error {
	for {
		ok, err := o.locker.TryLock(ctx, o.cfg.LockKey)
		if err != nil {
			log.Printf("[orchestrator] lock %q attempt failed: %v", o.cfg.LockKey, err)
		}
		if ok {
			o.setLeading(true)
			log.Printf("[orchestrator] leading %s@%s (lock %q)", o.cfg.Symbol, o.cfg.Interval, o.cfg.LockKey)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.PollInterval):
		}
	}
}

// lead runs the dispatch loop while the lock holds. Worker completions
// wake the loop immediately so the backlog drains without waiting out the
// poll interval.
func (o *Orchestrator) lead(ctx context.Context) error {
	slots := make(chan struct{}, o.cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := o.locker.Ping(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[orchestrator] leadership check failed, draining %d in-flight: %v", len(o.InFlight()), err)
			wg.Wait()
			return errLeadershipLost
		}
		if err := o.dispatch(ctx, slots, &wg); err != nil {
			log.Printf("[orchestrator] dispatch pass failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-o.wake:
		}
	}
}

// dispatch fills free slots from the backlog in priority order, skipping
// segments that are in flight, overlap an in-flight range, are cooling
// off, or are out of retries.
func (o *Orchestrator) dispatch(ctx context.Context, slots chan struct{}, wg *sync.WaitGroup) error {
	active, err := o.gaps.CountActive(ctx, o.cfg.Symbol, o.cfg.Interval)
	if err != nil {
		return err
	}
	o.prom.OpenGaps.Set(float64(active))

	backlog, err := o.gaps.LoadOpen(ctx, o.cfg.Symbol, o.cfg.Interval, 4*o.cfg.Concurrency)
	if err != nil {
		return err
	}
	o.prom.QueueDepth.Set(float64(len(backlog)))

	for _, seg := range backlog {
		if !o.claimable(seg) {
			continue
		}
		select {
		case slots <- struct{}{}:
		default:
			return nil // pool saturated, backlog keeps its order for the next pass
		}

		o.track(seg)
		wg.Add(1)
		go func(seg model.GapSegment) {
			defer wg.Done()
			if err := o.worker.Recover(ctx, seg); err != nil && ctx.Err() == nil {
				log.Printf("[orchestrator] segment #%d attempt failed: %v", seg.ID, err)
			}
			o.untrack(seg.ID)
			<-slots
			select {
			case o.wake <- struct{}{}:
			default:
			}
		}(seg)
	}
	return nil
}

// claimable applies the skip rules against the in-flight set.
func (o *Orchestrator) claimable(seg model.GapSegment) bool {
	if seg.RetryCount >= o.cfg.RetryMax {
		return false
	}
	if seg.State == model.GapInProgress && seg.LastAttemptAt != nil &&
		time.Since(*seg.LastAttemptAt) < o.cfg.CoolOff {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[seg.ID]; busy {
		return false
	}
	for _, cur := range o.inflight {
		if cur.Overlaps(seg.FromOpenTime, seg.ToOpenTime) {
			return false
		}
	}
	return true
}

func (o *Orchestrator) track(seg model.GapSegment) {
	o.mu.Lock()
	o.inflight[seg.ID] = seg
	o.mu.Unlock()
	log.Printf("[orchestrator] dispatching segment #%d [%d,%d] missing=%d retry=%d",
		seg.ID, seg.FromOpenTime, seg.ToOpenTime, seg.MissingBars, seg.RetryCount)
}

func (o *Orchestrator) untrack(id int64) {
	o.mu.Lock()
	delete(o.inflight, id)
	o.mu.Unlock()
}

func (o *Orchestrator) setLeading(v bool) {
	o.mu.Lock()
	o.leading = v
	o.mu.Unlock()
}

func (o *Orchestrator) alert(ctx context.Context, level notification.AlertLevel, title, msg string) {
	if o.notify == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.notify.Send(nctx, notification.Alert{Level: level, Title: title, Message: msg}); err != nil {
		log.Printf("[orchestrator] alert delivery failed: %v", err)
	}
}
