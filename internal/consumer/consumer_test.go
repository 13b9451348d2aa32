package consumer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ohlcv-systemv1/internal/metrics"
	"ohlcv-systemv1/internal/model"
	"ohlcv-systemv1/internal/notification"
	"ohlcv-systemv1/internal/store/sqlite"
	"ohlcv-systemv1/internal/upstream"
)

const (
	step = int64(60_000)
	base = int64(60_000_000_000)
)

// conn scripts one upstream connection: deliver events, then either fail
// with err or hold the connection open until the consumer goes away.
type conn struct {
	events []upstream.StreamEvent
	err    error
	hold   bool
}

type scriptedSource struct {
	mu    sync.Mutex
	conns []conn
	dials int
}

func (s *scriptedSource) StreamOnce(ctx context.Context, symbol, interval string, out chan<- upstream.StreamEvent) error {
	s.mu.Lock()
	var cn conn
	if s.dials < len(s.conns) {
		cn = s.conns[s.dials]
	} else {
		cn = conn{hold: true}
	}
	s.dials++
	s.mu.Unlock()

	for _, ev := range cn.events {
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if cn.hold {
		<-ctx.Done()
		return ctx.Err()
	}
	return cn.err
}

func finalEvent(open int64, close float64) upstream.StreamEvent {
	return upstream.StreamEvent{
		Candle: model.Candle{
			Symbol: "XRPUSDT", Interval: "1m",
			OpenTime: open, CloseTime: open + step - 1,
			Open: close, High: close, Low: close, Close: close,
			Volume: 10, TradeCount: 3, IsClosed: true,
		},
		ReceivedAt: time.Now(),
	}
}

func partialEvent(open int64, close float64) upstream.StreamEvent {
	ev := finalEvent(open, close)
	ev.Candle.IsClosed = false
	return ev
}

type captureNotifier struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (n *captureNotifier) Send(ctx context.Context, a notification.Alert) error {
	n.mu.Lock()
	n.alerts = append(n.alerts, a)
	n.mu.Unlock()
	return nil
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type harness struct {
	c      *Consumer
	store  *sqlite.Store
	events chan model.Event
	done   chan error
}

func startConsumer(t *testing.T, src upstream.Source, mods ...func(*Config, *Deps)) *harness {
	t.Helper()
	st, err := sqlite.New(sqlite.Config{DBPath: filepath.Join(t.TempDir(), "ohlcv.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	events := make(chan model.Event, 256)
	cfg := Config{
		Symbol:            "XRPUSDT",
		Interval:          "1m",
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
		StallAfter:        10 * time.Second,
	}
	deps := Deps{
		Source: src,
		Store:  st,
		Gaps:   st,
		Events: events,
		Prom:   metrics.NewMetrics(prometheus.NewRegistry()),
	}
	for _, mod := range mods {
		mod(&cfg, &deps)
	}

	c, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		done <- c.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Error("consumer did not stop")
		}
	})
	return &harness{c: c, store: st, events: events, done: done}
}

func nextEvent(t *testing.T, ch <-chan model.Event) model.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return model.Event{}
	}
}

func wantEvent(t *testing.T, ch <-chan model.Event, typ model.EventType, open int64) model.Event {
	t.Helper()
	ev := nextEvent(t, ch)
	if ev.Type != typ {
		t.Fatalf("event type = %s, want %s (event %+v)", ev.Type, typ, ev)
	}
	if ev.Candle != nil && ev.Candle.OpenTime != open {
		t.Fatalf("%s open_time = %d, want %d", typ, ev.Candle.OpenTime, open)
	}
	return ev
}

func TestAppendsInOrder(t *testing.T) {
	src := &scriptedSource{conns: []conn{{
		events: []upstream.StreamEvent{finalEvent(base, 1.0), finalEvent(base+step, 1.1), finalEvent(base+2*step, 1.2)},
		hold:   true,
	}}}
	h := startConsumer(t, src)

	for i := int64(0); i < 3; i++ {
		wantEvent(t, h.events, model.EventAppend, base+i*step)
	}
	if got := h.c.LastClosed(); got != base+2*step {
		t.Fatalf("continuity pointer = %d, want %d", got, base+2*step)
	}

	n, err := h.store.CountRange(context.Background(), "XRPUSDT", "1m", base, base+2*step)
	if err != nil || n != 3 {
		t.Fatalf("persisted %d bars (err %v), want 3", n, err)
	}
}

func TestJumpRaisesGap(t *testing.T) {
	src := &scriptedSource{conns: []conn{{
		events: []upstream.StreamEvent{finalEvent(base, 1.0), finalEvent(base+step, 1.1), finalEvent(base+4*step, 1.4)},
		hold:   true,
	}}}
	h := startConsumer(t, src)

	wantEvent(t, h.events, model.EventAppend, base)
	wantEvent(t, h.events, model.EventAppend, base+step)

	gap := nextEvent(t, h.events)
	if gap.Type != model.EventGapDetected || gap.Gap == nil {
		t.Fatalf("expected gap_detected, got %+v", gap)
	}
	if gap.Gap.FromOpenTime != base+2*step || gap.Gap.ToOpenTime != base+3*step || gap.Gap.MissingBars != 2 {
		t.Fatalf("gap notice = %+v", gap.Gap)
	}
	wantEvent(t, h.events, model.EventAppend, base+4*step)

	segs, err := h.store.ListByStates(context.Background(), "XRPUSDT", "1m", []model.GapState{model.GapOpen}, 10)
	if err != nil || len(segs) != 1 {
		t.Fatalf("open segments = %v (err %v), want 1", segs, err)
	}
	if segs[0].FromOpenTime != base+2*step || segs[0].ToOpenTime != base+3*step {
		t.Fatalf("segment range = [%d,%d]", segs[0].FromOpenTime, segs[0].ToOpenTime)
	}
}

func TestLateFillRecoversSingleBarGap(t *testing.T) {
	src := &scriptedSource{conns: []conn{{
		events: []upstream.StreamEvent{
			finalEvent(base, 1.0),
			finalEvent(base+2*step, 1.2), // skips base+step
			finalEvent(base+step, 1.1),   // late fill
		},
		hold: true,
	}}}
	h := startConsumer(t, src)

	wantEvent(t, h.events, model.EventAppend, base)
	gap := nextEvent(t, h.events)
	if gap.Type != model.EventGapDetected || gap.Gap.MissingBars != 1 {
		t.Fatalf("expected one-bar gap_detected, got %+v", gap)
	}
	wantEvent(t, h.events, model.EventAppend, base+2*step)
	wantEvent(t, h.events, model.EventRepair, base+step)

	repaired := nextEvent(t, h.events)
	if repaired.Type != model.EventGapRepaired || repaired.Gap == nil {
		t.Fatalf("expected gap_repaired, got %+v", repaired)
	}
	if repaired.Gap.SegmentID != gap.Gap.SegmentID || repaired.Gap.MTTRMillis < 0 {
		t.Fatalf("gap_repaired notice = %+v", repaired.Gap)
	}

	segs, err := h.store.ListByStates(context.Background(), "XRPUSDT", "1m", []model.GapState{model.GapRecovered}, 10)
	if err != nil || len(segs) != 1 {
		t.Fatalf("recovered segments = %v (err %v), want 1", segs, err)
	}
}

func TestDuplicatesAndDivergence(t *testing.T) {
	divergent := finalEvent(base, 9.9)
	src := &scriptedSource{conns: []conn{{
		events: []upstream.StreamEvent{
			finalEvent(base, 1.0),
			finalEvent(base, 1.0), // identical duplicate: absorbed silently
			finalEvent(base+step, 1.1),
			divergent, // same key, different content: repair
		},
		hold: true,
	}}}
	h := startConsumer(t, src)

	wantEvent(t, h.events, model.EventAppend, base)
	wantEvent(t, h.events, model.EventAppend, base+step)
	rep := wantEvent(t, h.events, model.EventRepair, base)
	if rep.Candle.Close != 9.9 {
		t.Fatalf("repair carries close %v, want corrected 9.9", rep.Candle.Close)
	}

	last, err := h.store.GetLastClosed(context.Background(), "XRPUSDT", "1m")
	if err != nil || last == nil || last.OpenTime != base+step {
		t.Fatalf("last closed = %+v (err %v)", last, err)
	}
}

func TestPartialLifecycle(t *testing.T) {
	src := &scriptedSource{conns: []conn{{
		events: []upstream.StreamEvent{
			partialEvent(base, 1.0),
			partialEvent(base, 1.05),
			finalEvent(base, 1.1),
		},
		hold: true,
	}}}
	h := startConsumer(t, src)

	wantEvent(t, h.events, model.EventPartialUpdate, base)
	wantEvent(t, h.events, model.EventPartialUpdate, base)
	if p := h.c.Partial(); p == nil || p.Close != 1.05 {
		t.Fatalf("buffered partial = %+v, want close 1.05", p)
	}

	wantEvent(t, h.events, model.EventAppend, base)
	closeEv := wantEvent(t, h.events, model.EventPartialClose, base)
	if closeEv.LatencyMS < 0 {
		t.Fatalf("partial_close latency = %d", closeEv.LatencyMS)
	}
	if closeEv.Candle.Close != 1.1 {
		t.Fatalf("partial_close carries close %v, want finalized 1.1", closeEv.Candle.Close)
	}
	if p := h.c.Partial(); p != nil {
		t.Fatalf("partial not cleared after close: %+v", p)
	}
}

func TestReconnectResyncsFromStore(t *testing.T) {
	src := &scriptedSource{conns: []conn{
		{
			events: []upstream.StreamEvent{finalEvent(base, 1.0), finalEvent(base+step, 1.1)},
			err:    errors.New("connection reset"),
		},
		{
			events: []upstream.StreamEvent{finalEvent(base+step, 1.1), finalEvent(base+2*step, 1.2)},
			hold:   true,
		},
	}}
	h := startConsumer(t, src)

	wantEvent(t, h.events, model.EventAppend, base)
	wantEvent(t, h.events, model.EventAppend, base+step)
	// The replayed duplicate after reconnect is absorbed; only the new bar
	// comes through.
	wantEvent(t, h.events, model.EventAppend, base+2*step)

	segs, err := h.store.ListByStates(context.Background(), "XRPUSDT", "1m",
		[]model.GapState{model.GapOpen, model.GapInProgress}, 10)
	if err != nil || len(segs) != 0 {
		t.Fatalf("reconnect raised phantom gaps: %v (err %v)", segs, err)
	}
}

func TestStallForcesReconnect(t *testing.T) {
	src := &scriptedSource{conns: []conn{
		{events: []upstream.StreamEvent{finalEvent(base, 1.0)}, hold: true},
		{events: []upstream.StreamEvent{finalEvent(base+step, 1.1)}, hold: true},
	}}
	h := startConsumer(t, src, func(cfg *Config, _ *Deps) {
		cfg.StallAfter = 100 * time.Millisecond
	})

	wantEvent(t, h.events, model.EventAppend, base)
	// The first connection stays silent past the stall window; the consumer
	// tears it down and picks up the next bar on the second connection.
	wantEvent(t, h.events, model.EventAppend, base+step)
}

func TestQuarantineOnAdapterFatal(t *testing.T) {
	notifier := &captureNotifier{}
	src := &scriptedSource{conns: []conn{{
		events: []upstream.StreamEvent{finalEvent(base, 1.0)},
		err:    fmt.Errorf("6 consecutive decode failures: %w", upstream.ErrAdapterFatal),
	}}}
	h := startConsumer(t, src, func(_ *Config, d *Deps) {
		d.Notify = notifier
	})

	wantEvent(t, h.events, model.EventAppend, base)

	select {
	case err := <-h.done:
		if !errors.Is(err, upstream.ErrAdapterFatal) {
			t.Fatalf("run returned %v, want adapter-fatal", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("consumer kept running past adapter-fatal")
	}
	if got := h.c.State(); got != StateFaulted {
		t.Fatalf("state = %s, want %s", got, StateFaulted)
	}
	if notifier.count() != 1 {
		t.Fatalf("quarantine alerts = %d, want 1", notifier.count())
	}
}

// flakyStore fails the first UpsertCandles with a transient error.
type flakyStore struct {
	model.CandleStore
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) UpsertCandles(ctx context.Context, batch []model.Candle) (model.UpsertResult, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return model.UpsertResult{}, fmt.Errorf("flaky: %w", model.ErrStoreUnavailable)
	}
	f.mu.Unlock()
	return f.CandleStore.UpsertCandles(ctx, batch)
}

func TestTransientStoreFailureRetried(t *testing.T) {
	src := &scriptedSource{conns: []conn{{
		events: []upstream.StreamEvent{finalEvent(base, 1.0)},
		hold:   true,
	}}}
	h := startConsumer(t, src, func(_ *Config, d *Deps) {
		d.Store = &flakyStore{CandleStore: d.Store, failures: 1}
	})

	wantEvent(t, h.events, model.EventAppend, base)
	n, err := h.store.CountRange(context.Background(), "XRPUSDT", "1m", base, base)
	if err != nil || n != 1 {
		t.Fatalf("bar not persisted after retry: n=%d err=%v", n, err)
	}
}
