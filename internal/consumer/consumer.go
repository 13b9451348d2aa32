// Package consumer runs the live ingestion loop for one (symbol, interval):
// it classifies stream events against the continuity pointer, persists
// finalized candles, raises gap segments and publishes push events.
package consumer

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
	"ohlcv-systemv1/internal/upstream"
)

// State is the consumer lifecycle state, exposed on /healthz.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateResyncing  State = "resyncing"
	StateFaulted    State = "faulted"
)

// errStalled forces a reconnect when the feed stops finalizing bars while
// the socket stays up.
var errStalled = errors.New("stream stalled: no finalization inside the stall window")

// Config tunes one consumer.
type Config struct {
	Symbol   string
	Interval string

	ReconnectDelay    time.Duration // initial backoff, doubles per failure; default 2s
	MaxReconnectDelay time.Duration // backoff cap; default 30s
	WriteTimeout      time.Duration // per store statement; default 2s
	StallAfter        time.Duration // reconnect when no finalization for this long; default 3 intervals, min 90s
}

func (c *Config) fill(step int64) {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.StallAfter <= 0 {
		c.StallAfter = 3 * time.Duration(step) * time.Millisecond
		if c.StallAfter < 90*time.Second {
			c.StallAfter = 90 * time.Second
		}
	}
}

// Deps are the collaborators a consumer writes through. Health and Notify
// may be nil.
type Deps struct {
	Source upstream.Source
	Store  model.CandleStore
	Gaps   model.GapRepo
	Events chan<- model.Event
	Prom   *metrics.Metrics
	Health *metrics.HealthStatus
	Notify notification.Notifier
}

// Consumer is the single writer of live candles for its (symbol, interval).
// Run owns all mutation; the mutex only covers reads from other goroutines
// (snapshot provider, health).
type Consumer struct {
	cfg  Config
	step int64

	src    upstream.Source
	store  model.CandleStore
	gaps   model.GapRepo
	events chan<- model.Event
	prom   *metrics.Metrics
	health *metrics.HealthStatus
	notify notification.Notifier

	mu            sync.Mutex
	state         State
	lastClosed    int64 // -1 until a finalized bar is known
	partial       *model.Candle
	partialSeenAt time.Time
	resyncASAP    bool
}

// New validates the wiring and returns an idle consumer.
func New(cfg Config, d Deps) (*Consumer, error) {
	step, err := model.IntervalMS(cfg.Interval)
	if err != nil {
		return nil, err
	}
	if cfg.Symbol == "" {
		return nil, errors.New("consumer: empty symbol")
	}
	if d.Source == nil || d.Store == nil || d.Gaps == nil || d.Events == nil || d.Prom == nil {
		return nil, errors.New("consumer: missing dependency")
	}
	cfg.fill(step)
	return &Consumer{
		cfg:        cfg,
		step:       step,
		src:        d.Source,
		store:      d.Store,
		gaps:       d.Gaps,
		events:     d.Events,
		prom:       d.Prom,
		health:     d.Health,
		notify:     d.Notify,
		state:      StateIdle,
		lastClosed: -1,
	}, nil
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastClosed returns the continuity pointer, -1 when unknown.
func (c *Consumer) LastClosed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastClosed
}

// Partial returns a copy of the buffered forming bar, or nil.
func (c *Consumer) Partial() *model.Candle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.partial == nil {
		return nil
	}
	cp := *c.partial
	return &cp
}

// Resync asks the loop to re-read the continuity pointer from the store
// before handling the next finalized event. Admin surface.
func (c *Consumer) Resync() {
	c.mu.Lock()
	c.resyncASAP = true
	c.mu.Unlock()
	log.Printf("[consumer] resync requested for %s@%s", c.cfg.Symbol, c.cfg.Interval)
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.health != nil {
		c.health.SetConsumerState(string(s))
	}
}

// Run streams until ctx ends or the adapter turns fatal. Transient
// disconnects reconnect with exponential backoff and a resync; adapter-fatal
// quarantines the series and returns the error.
func (c *Consumer) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectDelay
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		default:
		}

		c.setState(StateConnecting)
		streamed, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			c.shutdown()
			return nil
		}
		if errors.Is(err, upstream.ErrAdapterFatal) {
			c.quarantine(ctx, err)
			return err
		}

		if c.health != nil {
			c.health.SetStreamConnected(false)
		}
		c.prom.Reconnects.Inc()
		if streamed {
			delay = c.cfg.ReconnectDelay
		}
		log.Printf("[consumer] %s@%s disconnected (%v), reconnecting in %s",
			c.cfg.Symbol, c.cfg.Interval, err, delay)

		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}
}

// runOnce drives one upstream connection. Returns whether any event arrived,
// plus the terminal error of the connection.
func (c *Consumer) runOnce(ctx context.Context) (bool, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan upstream.StreamEvent, 256)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.src.StreamOnce(connCtx, c.cfg.Symbol, c.cfg.Interval, in)
		close(in)
	}()

	synced := false
	streamed := false
	stall := time.NewTimer(c.cfg.StallAfter)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			cancel()
			<-errCh
			return streamed, ctx.Err()

		case <-stall.C:
			cancel()
			<-errCh
			return streamed, errStalled

		case ev, ok := <-in:
			if !ok {
				return streamed, <-errCh
			}
			if !streamed {
				streamed = true
				if c.health != nil {
					c.health.SetStreamConnected(true)
				}
			}
			c.prom.StreamMessages.Inc()

			if err := c.checkEvent(ev.Candle); err != nil {
				log.Printf("[consumer] skipping frame: %v", err)
				continue
			}
			if !ev.Candle.IsClosed {
				c.handlePartial(ctx, ev)
				continue
			}

			if !synced || c.takeResyncRequest() {
				c.setState(StateResyncing)
				if err := c.resyncPointer(ctx); err != nil {
					cancel()
					<-errCh
					return streamed, err
				}
				synced = true
				c.setState(StateStreaming)
			}
			if err := c.handleFinal(ctx, ev); err != nil {
				cancel()
				<-errCh
				return streamed, err
			}
			stall.Reset(c.cfg.StallAfter)
		}
	}
}

// checkEvent rejects frames that do not belong to this series or whose
// shape is broken.
func (c *Consumer) checkEvent(bar model.Candle) error {
	if bar.Symbol != c.cfg.Symbol || bar.Interval != c.cfg.Interval {
		return fmt.Errorf("frame for %s@%s on the %s@%s stream",
			bar.Symbol, bar.Interval, c.cfg.Symbol, c.cfg.Interval)
	}
	if bar.OpenTime != model.AlignOpenTime(bar.OpenTime, c.step) {
		return fmt.Errorf("open_time %d off the %dms grid", bar.OpenTime, c.step)
	}
	return bar.Validate()
}

func (c *Consumer) takeResyncRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.resyncASAP {
		return false
	}
	c.resyncASAP = false
	return true
}

// resyncPointer re-reads the continuity pointer from the store, retrying
// transient failures.
func (c *Consumer) resyncPointer(ctx context.Context) error {
	for delay := 250 * time.Millisecond; ; {
		qctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
		last, err := c.store.GetLastClosed(qctx, c.cfg.Symbol, c.cfg.Interval)
		cancel()
		if err == nil {
			c.mu.Lock()
			if last != nil {
				c.lastClosed = last.OpenTime
			} else {
				c.lastClosed = -1
			}
			pointer := c.lastClosed
			c.mu.Unlock()
			log.Printf("[consumer] resynced %s@%s: last_closed=%d", c.cfg.Symbol, c.cfg.Interval, pointer)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[consumer] resync read failed: %v (retrying in %s)", err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > 5*time.Second {
			delay = 5 * time.Second
		}
	}
}

func (c *Consumer) handlePartial(ctx context.Context, ev upstream.StreamEvent) {
	bar := ev.Candle
	c.mu.Lock()
	if c.partial == nil || c.partial.OpenTime != bar.OpenTime {
		c.partialSeenAt = ev.ReceivedAt
	}
	c.partial = &bar
	c.mu.Unlock()

	c.publish(ctx, model.Event{
		Type:     model.EventPartialUpdate,
		Symbol:   bar.Symbol,
		Interval: bar.Interval,
		Candle:   &bar,
	})
}

// handleFinal applies the per-event continuity policy for one finalized bar.
func (c *Consumer) handleFinal(ctx context.Context, ev upstream.StreamEvent) error {
	bar := ev.Candle
	ot := bar.OpenTime

	c.mu.Lock()
	last := c.lastClosed
	c.mu.Unlock()

	switch {
	case last >= 0 && ot == last:
		// Duplicate head. Absorbed unless content diverged.
		res, err := c.persist(ctx, bar)
		if err != nil {
			return c.persistFailed(err, bar)
		}
		c.publishRepairs(ctx, res.Repairs)

	case last >= 0 && ot < last:
		// Late arrival behind the pointer.
		res, err := c.persist(ctx, bar)
		if err != nil {
			return c.persistFailed(err, bar)
		}
		c.prom.LateFills.Inc()
		c.publishRepairs(ctx, res.Repairs)
		if res.Inserted > 0 {
			// No prior content: push it as a repair so tailing clients
			// patch the hole without waiting for a delta poll.
			c.publish(ctx, model.Event{Type: model.EventRepair, Symbol: bar.Symbol, Interval: bar.Interval, Candle: &bar})
		}
		c.absorbIntoGap(ctx, ot)

	default:
		// First bar, the contiguous successor, or a jump past the head.
		if _, err := c.persist(ctx, bar); err != nil {
			return c.persistFailed(err, bar)
		}
		if last >= 0 && ot > last+c.step {
			c.raiseGap(ctx, last+c.step, ot-c.step)
		}
		c.mu.Lock()
		c.lastClosed = ot
		c.mu.Unlock()
		c.publish(ctx, model.Event{Type: model.EventAppend, Symbol: bar.Symbol, Interval: bar.Interval, Candle: &bar})
		c.prom.CandlesIngested.Inc()
	}

	c.prom.StreamLag.Set(float64(time.Now().UnixMilli()-ot) / 1000.0)
	if c.health != nil {
		c.health.SetLastFinalized(time.Now())
	}
	c.closePartial(ctx, bar, ev.ReceivedAt)
	return nil
}

// persist upserts one bar, retrying transient store failures until ctx dies.
// Integrity violations are returned for the caller to classify.
func (c *Consumer) persist(ctx context.Context, bar model.Candle) (model.UpsertResult, error) {
	for attempt, delay := 1, 250*time.Millisecond; ; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
		res, err := c.store.UpsertCandles(wctx, []model.Candle{bar})
		cancel()
		if err == nil {
			return res, nil
		}
		if errors.Is(err, model.ErrIntegrity) || ctx.Err() != nil {
			return res, err
		}
		log.Printf("[consumer] upsert %s@%d attempt %d failed: %v (retrying in %s)",
			bar.Key(), bar.OpenTime, attempt, err, delay)
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > 5*time.Second {
			delay = 5 * time.Second
		}
	}
}

// persistFailed decides whether a persist error tears the connection down.
// Integrity violations skip the bar: the hole re-raises as a gap, which is
// recoverable, while advancing past an unpersisted bar would not be.
func (c *Consumer) persistFailed(err error, bar model.Candle) error {
	if errors.Is(err, model.ErrIntegrity) {
		log.Printf("[consumer] integrity violation on %s@%d, skipping bar: %v", bar.Key(), bar.OpenTime, err)
		return nil
	}
	return err
}

func (c *Consumer) raiseGap(ctx context.Context, from, to int64) {
	seg := model.GapSegment{
		Symbol:       c.cfg.Symbol,
		Interval:     c.cfg.Interval,
		FromOpenTime: from,
		ToOpenTime:   to,
		MissingBars:  (to-from)/c.step + 1,
		State:        model.GapOpen,
		DetectedAt:   time.Now().UTC(),
	}
	survivor, err := c.gaps.MergeOrInsert(ctx, seg)
	if err != nil {
		// The scanner re-detects anything missed here.
		log.Printf("[consumer] gap insert [%d,%d] failed: %v", from, to, err)
		return
	}
	c.prom.GapsDetected.Inc()
	if survivor.FromOpenTime < from || survivor.ToOpenTime > to {
		c.prom.GapsMerged.Inc()
	}
	log.Printf("[consumer] gap detected %s@%s [%d,%d] missing=%d segment=%d",
		c.cfg.Symbol, c.cfg.Interval, survivor.FromOpenTime, survivor.ToOpenTime, survivor.MissingBars, survivor.ID)

	c.publish(ctx, model.Event{
		Type:     model.EventGapDetected,
		Symbol:   c.cfg.Symbol,
		Interval: c.cfg.Interval,
		Gap: &model.GapNotice{
			SegmentID:    survivor.ID,
			FromOpenTime: survivor.FromOpenTime,
			ToOpenTime:   survivor.ToOpenTime,
			MissingBars:  survivor.MissingBars,
		},
	})
}

// absorbIntoGap shrinks, splits or closes the open segment containing a
// late-filled open_time.
func (c *Consumer) absorbIntoGap(ctx context.Context, ot int64) {
	seg, err := c.gaps.FindOpenContaining(ctx, c.cfg.Symbol, c.cfg.Interval, ot)
	if err != nil {
		log.Printf("[consumer] gap lookup for %d failed: %v", ot, err)
		return
	}
	if seg == nil {
		return
	}
	outcome, err := c.gaps.AbsorbOpenTime(ctx, seg.ID, ot)
	if err != nil {
		log.Printf("[consumer] absorb %d into segment %d failed: %v", ot, seg.ID, err)
		return
	}
	log.Printf("[consumer] late fill %d absorbed into segment %d (%s)", ot, seg.ID, outcome)
	if outcome != model.AbsorbRecovered {
		return
	}
	mttr := time.Since(seg.DetectedAt)
	c.prom.GapsRepaired.Inc()
	c.prom.GapMTTR.Observe(mttr.Seconds())
	c.publish(ctx, model.Event{
		Type:     model.EventGapRepaired,
		Symbol:   c.cfg.Symbol,
		Interval: c.cfg.Interval,
		Gap: &model.GapNotice{
			SegmentID:    seg.ID,
			FromOpenTime: seg.FromOpenTime,
			ToOpenTime:   seg.ToOpenTime,
			MissingBars:  0,
			MTTRMillis:   mttr.Milliseconds(),
		},
	})
}

// closePartial emits partial_close when the finalized bar matches the
// buffered partial.
func (c *Consumer) closePartial(ctx context.Context, bar model.Candle, finalizedAt time.Time) {
	c.mu.Lock()
	if c.partial == nil || c.partial.OpenTime != bar.OpenTime {
		c.mu.Unlock()
		return
	}
	firstSeen := c.partialSeenAt
	c.partial = nil
	c.mu.Unlock()

	latency := finalizedAt.Sub(firstSeen)
	if latency < 0 {
		latency = 0
	}
	c.prom.PartialCloseLatency.Observe(latency.Seconds())
	c.publish(ctx, model.Event{
		Type:      model.EventPartialClose,
		Symbol:    bar.Symbol,
		Interval:  bar.Interval,
		Candle:    &bar,
		LatencyMS: latency.Milliseconds(),
	})
}

func (c *Consumer) publishRepairs(ctx context.Context, repairs []model.RepairRecord) {
	for i := range repairs {
		rec := repairs[i]
		c.publish(ctx, model.Event{
			Type:     model.EventRepair,
			Symbol:   rec.Symbol,
			Interval: rec.Interval,
			Candle:   &rec.Candle,
		})
	}
}

func (c *Consumer) publish(ctx context.Context, ev model.Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// quarantine marks the series faulted and alerts. Restart requires operator
// action; the stream stays down so a broken decoder cannot poison the store.
func (c *Consumer) quarantine(ctx context.Context, err error) {
	c.setState(StateFaulted)
	if c.health != nil {
		c.health.SetQuarantined(true)
		c.health.SetStreamConnected(false)
	}
	log.Printf("[consumer] QUARANTINED %s@%s: %v", c.cfg.Symbol, c.cfg.Interval, err)
	if c.notify != nil {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		c.notify.Send(nctx, notification.Alert{
			Level:   notification.AlertCritical,
			Title:   "stream quarantined",
			Message: fmt.Sprintf("%s@%s upstream adapter fatal: %v", c.cfg.Symbol, c.cfg.Interval, err),
		})
	}
}

// shutdown pushes the buffered partial out before the hub closes so clients
// hold the freshest forming bar.
func (c *Consumer) shutdown() {
	c.setState(StateIdle)
	c.mu.Lock()
	p := c.partial
	c.partial = nil
	c.mu.Unlock()
	if p == nil {
		return
	}
	select {
	case c.events <- model.Event{Type: model.EventPartialUpdate, Symbol: p.Symbol, Interval: p.Interval, Candle: p}:
	default:
	}
}
