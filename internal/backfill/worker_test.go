package backfill

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ohlcv-systemv1/internal/metrics"
	"ohlcv-systemv1/internal/model"
	"ohlcv-systemv1/internal/store/sqlite"
	"ohlcv-systemv1/internal/upstream"
)

const (
	step = int64(60_000)
	base = int64(60_000_000_000)
)

// fakeHist serves pages out of a fixed ascending series, with scriptable
// per-call failures.
type fakeHist struct {
	mu        sync.Mutex
	bars      []model.Candle
	pageLimit int
	failAt    map[int]error // 1-based call number
	failAll   error
	onCall    func(call int)
	calls     int
	starts    []int64
}

func (h *fakeHist) FetchHistory(ctx context.Context, symbol, interval string, from, to int64, pageToken string) (upstream.Page, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.onCall != nil {
		h.onCall(h.calls)
	}

	start := from
	if pageToken != "" {
		v, err := strconv.ParseInt(pageToken, 10, 64)
		if err != nil {
			return upstream.Page{}, err
		}
		start = v
	}
	h.starts = append(h.starts, start)

	if h.failAll != nil {
		return upstream.Page{}, h.failAll
	}
	if err := h.failAt[h.calls]; err != nil {
		return upstream.Page{}, err
	}

	var pg upstream.Page
	for _, b := range h.bars {
		if b.OpenTime < start || b.OpenTime > to {
			continue
		}
		pg.Candles = append(pg.Candles, b)
		if len(pg.Candles) == h.pageLimit {
			break
		}
	}
	if len(pg.Candles) == h.pageLimit {
		last := pg.Candles[len(pg.Candles)-1].OpenTime
		for _, b := range h.bars {
			if b.OpenTime > last && b.OpenTime <= to {
				pg.NextToken = strconv.FormatInt(last+step, 10)
				break
			}
		}
	}
	return pg, nil
}

func (h *fakeHist) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *fakeHist) startAt(call int) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.starts[call-1]
}

// fakeLimiter grants permits instantly and counts budget traffic.
type fakeLimiter struct {
	mu        sync.Mutex
	permits   int
	penalties int
	resets    int
}

func (l *fakeLimiter) AcquirePermit(ctx context.Context, cost int) error {
	l.mu.Lock()
	l.permits++
	l.mu.Unlock()
	return ctx.Err()
}

func (l *fakeLimiter) Penalize() {
	l.mu.Lock()
	l.penalties++
	l.mu.Unlock()
}

func (l *fakeLimiter) Reset() {
	l.mu.Lock()
	l.resets++
	l.mu.Unlock()
}

func (l *fakeLimiter) counts() (permits, penalties, resets int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.permits, l.penalties, l.resets
}

func bar(open int64) model.Candle {
	return model.Candle{
		Symbol: "XRPUSDT", Interval: "1m",
		OpenTime: open, CloseTime: open + step - 1,
		Open: 1.0, High: 1.1, Low: 0.9, Close: 1.05,
		Volume: 10, TradeCount: 3, IsClosed: true,
	}
}

// series returns n consecutive bars starting at from, skipping any opens
// listed in omit.
func series(from int64, n int, omit ...int64) []model.Candle {
	skip := make(map[int64]bool, len(omit))
	for _, o := range omit {
		skip[o] = true
	}
	out := make([]model.Candle, 0, n)
	for i := 0; i < n; i++ {
		open := from + int64(i)*step
		if skip[open] {
			continue
		}
		out = append(out, bar(open))
	}
	return out
}

type bfHarness struct {
	store   *sqlite.Store
	hist    *fakeHist
	limiter *fakeLimiter
	events  chan model.Event
	prom    *metrics.Metrics
}

func newHarness(t *testing.T, hist *fakeHist) *bfHarness {
	t.Helper()
	st, err := sqlite.New(sqlite.Config{DBPath: filepath.Join(t.TempDir(), "ohlcv.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if hist.pageLimit == 0 {
		hist.pageLimit = 1000
	}
	return &bfHarness{
		store:   st,
		hist:    hist,
		limiter: &fakeLimiter{},
		events:  make(chan model.Event, 1024),
		prom:    metrics.NewMetrics(prometheus.NewRegistry()),
	}
}

func (h *bfHarness) deps() Deps {
	return Deps{
		Hist:    h.hist,
		Limiter: h.limiter,
		Store:   h.store,
		Gaps:    h.store,
		Runs:    h.store,
		Events:  h.events,
		Prom:    h.prom,
	}
}

func (h *bfHarness) seedGap(t *testing.T, from, to int64) model.GapSegment {
	t.Helper()
	seg, err := h.store.MergeOrInsert(context.Background(), model.GapSegment{
		Symbol: "XRPUSDT", Interval: "1m",
		FromOpenTime: from, ToOpenTime: to,
		MissingBars: (to-from)/step + 1,
		State:       model.GapOpen,
		DetectedAt:  time.Now().UTC().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("seed gap: %v", err)
	}
	return seg
}

func (h *bfHarness) drainEvents() []model.Event {
	var out []model.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (h *bfHarness) gapState(t *testing.T, id int64) model.GapSegment {
	t.Helper()
	segs, err := h.store.ListByStates(context.Background(), "XRPUSDT", "1m",
		[]model.GapState{model.GapOpen, model.GapInProgress, model.GapRecovered, model.GapMerged}, 100)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	for _, s := range segs {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("segment #%d not found", id)
	return model.GapSegment{}
}

func countEvents(evs []model.Event, typ model.EventType) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestRecoverSingleSegment(t *testing.T) {
	hist := &fakeHist{bars: series(base, 10)}
	h := newHarness(t, hist)
	ctx := context.Background()

	if _, err := h.store.UpsertCandles(ctx, series(base, 10, base+3*step, base+4*step, base+5*step)); err != nil {
		t.Fatalf("seed candles: %v", err)
	}
	seg := h.seedGap(t, base+3*step, base+5*step)

	w, err := NewWorker(Config{}, h.deps())
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := w.Recover(ctx, seg); err != nil {
		t.Fatalf("recover: %v", err)
	}

	count, err := h.store.CountRange(ctx, "XRPUSDT", "1m", base, base+9*step)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 10 {
		t.Fatalf("count after recovery = %d, want 10", count)
	}
	if got := h.gapState(t, seg.ID); got.State != model.GapRecovered {
		t.Fatalf("segment state = %s, want recovered", got.State)
	}

	evs := h.drainEvents()
	if n := countEvents(evs, model.EventRepair); n != 3 {
		t.Errorf("repair events = %d, want 3", n)
	}
	if n := countEvents(evs, model.EventGapRepaired); n != 1 {
		t.Errorf("gap_repaired events = %d, want 1", n)
	}
	for _, ev := range evs {
		if ev.Type == model.EventGapRepaired && ev.Gap.MTTRMillis <= 0 {
			t.Errorf("gap_repaired carries MTTR %dms, want > 0", ev.Gap.MTTRMillis)
		}
	}
}

func TestRecoverPagesThroughThrottling(t *testing.T) {
	hist := &fakeHist{
		bars:      series(base, 10),
		pageLimit: 2,
		failAt:    map[int]error{2: upstream.ErrRateLimited},
	}
	h := newHarness(t, hist)
	ctx := context.Background()
	seg := h.seedGap(t, base+2*step, base+6*step) // 5 bars, 3 pages of 2

	w, err := NewWorker(Config{}, h.deps())
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := w.Recover(ctx, seg); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if got := hist.callCount(); got != 4 {
		t.Errorf("provider calls = %d, want 4 (3 pages + 1 throttled)", got)
	}
	permits, penalties, resets := h.limiter.counts()
	if permits != 4 {
		t.Errorf("permits = %d, want 4", permits)
	}
	if penalties != 1 {
		t.Errorf("penalties = %d, want 1", penalties)
	}
	if resets != 3 {
		t.Errorf("resets = %d, want 3", resets)
	}
	if got := h.gapState(t, seg.ID); got.State != model.GapRecovered {
		t.Fatalf("segment state = %s, want recovered", got.State)
	}
}

func TestRecoverGivesUpWhenProviderShort(t *testing.T) {
	// The venue has no bar at base+4*step at all.
	hist := &fakeHist{bars: series(base, 10, base+4*step)}
	h := newHarness(t, hist)
	ctx := context.Background()
	seg := h.seedGap(t, base+3*step, base+5*step)

	w, err := NewWorker(Config{MaxPasses: 2, RetryBackoff: time.Millisecond}, h.deps())
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	err = w.Recover(ctx, seg)
	if err == nil {
		t.Fatal("recover succeeded with a bar the provider cannot serve")
	}

	got := h.gapState(t, seg.ID)
	if got.State != model.GapInProgress {
		t.Errorf("segment state = %s, want in_progress", got.State)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
	if got.LastError == "" {
		t.Error("segment retains no last error")
	}

	// Pass 1 inserts the two servable bars; pass 2 upserts them unchanged
	// and must not re-announce them.
	if n := countEvents(h.drainEvents(), model.EventRepair); n != 2 {
		t.Errorf("repair events = %d, want 2", n)
	}
}

func TestRecoverRequeuedSegment(t *testing.T) {
	hist := &fakeHist{bars: series(base, 4)}
	h := newHarness(t, hist)
	ctx := context.Background()
	seg := h.seedGap(t, base+step, base+2*step)
	if err := h.store.MarkInProgress(ctx, seg.ID); err != nil {
		t.Fatalf("mark in progress: %v", err)
	}
	seg.State = model.GapInProgress

	w, err := NewWorker(Config{}, h.deps())
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := w.Recover(ctx, seg); err != nil {
		t.Fatalf("recover requeued segment: %v", err)
	}
	if got := h.gapState(t, seg.ID); got.State != model.GapRecovered {
		t.Fatalf("segment state = %s, want recovered", got.State)
	}
}

func TestRecoverRejectsTerminalSegment(t *testing.T) {
	hist := &fakeHist{bars: series(base, 4)}
	h := newHarness(t, hist)
	ctx := context.Background()
	seg := h.seedGap(t, base+step, base+2*step)
	if err := h.store.MarkInProgress(ctx, seg.ID); err != nil {
		t.Fatalf("mark in progress: %v", err)
	}
	if err := h.store.MarkRecovered(ctx, seg.ID); err != nil {
		t.Fatalf("mark recovered: %v", err)
	}
	seg.State = model.GapRecovered

	w, err := NewWorker(Config{}, h.deps())
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := w.Recover(ctx, seg); err == nil {
		t.Fatal("recover accepted a recovered segment")
	}
	if got := hist.callCount(); got != 0 {
		t.Errorf("provider calls = %d, want 0", got)
	}
}

func TestRecoverAbortsOnCancel(t *testing.T) {
	hist := &fakeHist{bars: series(base, 10), pageLimit: 2}
	h := newHarness(t, hist)
	seg := h.seedGap(t, base, base+9*step)
	if err := h.store.MarkInProgress(context.Background(), seg.ID); err != nil {
		t.Fatalf("mark in progress: %v", err)
	}
	seg.State = model.GapInProgress

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w, err := NewWorker(Config{}, h.deps())
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := w.Recover(ctx, seg); !errors.Is(err, context.Canceled) {
		t.Fatalf("recover on dead ctx = %v, want context.Canceled", err)
	}
	got := h.gapState(t, seg.ID)
	if got.State != model.GapInProgress || got.RetryCount != 0 {
		t.Errorf("canceled recovery left state=%s retry=%d, want in_progress/0", got.State, got.RetryCount)
	}
}
