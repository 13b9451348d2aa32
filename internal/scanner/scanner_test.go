package scanner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ohlcv-systemv1/internal/metrics"
	"ohlcv-systemv1/internal/model"
	"ohlcv-systemv1/internal/store/sqlite"
)

const (
	hstep = int64(3_600_000)
	base  = int64(3_600_000_000_000) // grid-aligned for 1h
)

// fixedNow puts the sweep window at [base, base+23h]: half an hour past
// the 24th bar, one day horizon.
var fixedNow = time.UnixMilli(base + 24*hstep + 30*60*1000)

func hourBar(open int64) model.Candle {
	return model.Candle{
		Symbol: "XRPUSDT", Interval: "1h",
		OpenTime: open, CloseTime: open + hstep - 1,
		Open: 1.0, High: 1.1, Low: 0.9, Close: 1.05,
		Volume: 100, TradeCount: 40, IsClosed: true,
	}
}

type harness struct {
	s      *Scanner
	store  *sqlite.Store
	events chan model.Event
}

func newHarness(t *testing.T, mods ...func(*Config)) *harness {
	t.Helper()
	st, err := sqlite.New(sqlite.Config{DBPath: filepath.Join(t.TempDir(), "ohlcv.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := Config{Symbol: "XRPUSDT", Interval: "1h", HorizonDays: 1}
	for _, mod := range mods {
		mod(&cfg)
	}
	events := make(chan model.Event, 64)
	s, err := New(cfg, Deps{
		Store:  st,
		Gaps:   st,
		Events: events,
		Prom:   metrics.NewMetrics(prometheus.NewRegistry()),
	})
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}
	s.now = func() time.Time { return fixedNow }
	return &harness{s: s, store: st, events: events}
}

// seedWindow fills [base, base+23h] except the given opens.
func (h *harness) seedWindow(t *testing.T, omit ...int64) {
	t.Helper()
	skip := make(map[int64]bool, len(omit))
	for _, o := range omit {
		skip[o] = true
	}
	var batch []model.Candle
	for i := int64(0); i < 24; i++ {
		open := base + i*hstep
		if skip[open] {
			continue
		}
		batch = append(batch, hourBar(open))
	}
	if len(batch) == 0 {
		return
	}
	if _, err := h.store.UpsertCandles(context.Background(), batch); err != nil {
		t.Fatalf("seed window: %v", err)
	}
}

func (h *harness) drainEvents() []model.Event {
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

func TestSweepFindsHoles(t *testing.T) {
	h := newHarness(t)
	h.seedWindow(t, base+5*hstep, base+6*hstep, base+20*hstep)

	rep, err := h.s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if rep.ExpectedBars != 24 || rep.PresentBars != 21 || rep.MissingBars != 3 {
		t.Fatalf("report = %d/%d expected, %d missing; want 21/24 and 3",
			rep.PresentBars, rep.ExpectedBars, rep.MissingBars)
	}
	if len(rep.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(rep.Segments))
	}
	first, second := rep.Segments[0], rep.Segments[1]
	if first.FromOpenTime != base+5*hstep || first.ToOpenTime != base+6*hstep {
		t.Errorf("first segment [%d,%d], want [%d,%d]",
			first.FromOpenTime, first.ToOpenTime, base+5*hstep, base+6*hstep)
	}
	if second.FromOpenTime != base+20*hstep || second.ToOpenTime != base+20*hstep {
		t.Errorf("second segment [%d,%d], want the single bar %d",
			second.FromOpenTime, second.ToOpenTime, base+20*hstep)
	}
	if got := rep.Completeness(); got < 0.87 || got > 0.88 {
		t.Errorf("completeness = %f, want 21/24", got)
	}

	evs := h.drainEvents()
	if len(evs) != 2 {
		t.Fatalf("events = %d, want 2 gap notices", len(evs))
	}
	for _, ev := range evs {
		if ev.Type != model.EventGapDetected || ev.Gap == nil {
			t.Errorf("event %v is not a gap notice", ev.Type)
		}
	}

	active, err := h.store.CountActive(context.Background(), "XRPUSDT", "1h")
	if err != nil {
		t.Fatalf("count active: %v", err)
	}
	if active != 2 {
		t.Errorf("active segments = %d, want 2", active)
	}
}

func TestSweepCoalescesAcrossChunks(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ChunkBars = 4 })
	h.seedWindow(t, base+2*hstep, base+3*hstep, base+4*hstep, base+5*hstep)

	rep, err := h.s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(rep.Segments) != 1 {
		t.Fatalf("segments = %d, want one run across the chunk boundary", len(rep.Segments))
	}
	seg := rep.Segments[0]
	if seg.FromOpenTime != base+2*hstep || seg.ToOpenTime != base+5*hstep {
		t.Fatalf("segment [%d,%d], want [%d,%d]",
			seg.FromOpenTime, seg.ToOpenTime, base+2*hstep, base+5*hstep)
	}
	if seg.MissingBars != 4 {
		t.Errorf("missing bars = %d, want 4", seg.MissingBars)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seedWindow(t, base+5*hstep, base+6*hstep, base+20*hstep)

	if _, err := h.s.RunOnce(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if evs := h.drainEvents(); len(evs) != 2 {
		t.Fatalf("first sweep events = %d, want 2", len(evs))
	}

	// Same window, a breath later: the holes are already tracked and must
	// not be re-announced or duplicated.
	h.s.now = func() time.Time { return fixedNow.Add(time.Second) }
	rep, err := h.s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(rep.Segments) != 2 {
		t.Fatalf("second sweep segments = %d, want the same 2", len(rep.Segments))
	}
	if evs := h.drainEvents(); len(evs) != 0 {
		t.Fatalf("second sweep re-announced %d segments", len(evs))
	}
	active, err := h.store.CountActive(context.Background(), "XRPUSDT", "1h")
	if err != nil {
		t.Fatalf("count active: %v", err)
	}
	if active != 2 {
		t.Errorf("active segments = %d, want 2", active)
	}
}

func TestSweepOnEmptyStore(t *testing.T) {
	h := newHarness(t)

	rep, err := h.s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.MissingBars != 24 || rep.PresentBars != 0 {
		t.Fatalf("report = %d present %d missing, want 0/24", rep.PresentBars, rep.MissingBars)
	}
	if len(rep.Segments) != 1 {
		t.Fatalf("segments = %d, want one covering the window", len(rep.Segments))
	}
	if got := rep.Completeness(); got != 0 {
		t.Errorf("completeness = %f, want 0", got)
	}
	if last := h.s.LastReport(); last == nil || last.MissingBars != 24 {
		t.Errorf("last report not retained: %+v", last)
	}
}

func TestNextRun(t *testing.T) {
	now := time.Date(2024, 5, 10, 2, 0, 0, 0, time.UTC)

	t.Run("cadence", func(t *testing.T) {
		next, err := nextRun(now, "30m")
		if err != nil {
			t.Fatalf("nextRun: %v", err)
		}
		if want := now.Add(30 * time.Minute); !next.Equal(want) {
			t.Fatalf("next = %s, want %s", next, want)
		}
	})

	t.Run("wallclock ahead", func(t *testing.T) {
		next, err := nextRun(now, "03:15")
		if err != nil {
			t.Fatalf("nextRun: %v", err)
		}
		if want := time.Date(2024, 5, 10, 3, 15, 0, 0, time.UTC); !next.Equal(want) {
			t.Fatalf("next = %s, want %s", next, want)
		}
	})

	t.Run("wallclock passed", func(t *testing.T) {
		next, err := nextRun(now, "01:00")
		if err != nil {
			t.Fatalf("nextRun: %v", err)
		}
		if want := time.Date(2024, 5, 11, 1, 0, 0, 0, time.UTC); !next.Equal(want) {
			t.Fatalf("next = %s, want %s", next, want)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := nextRun(now, "whenever"); err == nil {
			t.Fatal("nextRun accepted garbage")
		}
	})

	t.Run("rejected at construction", func(t *testing.T) {
		_, err := New(Config{Symbol: "XRPUSDT", Interval: "1h", Schedule: "whenever"}, Deps{
			Store: &sqlite.Store{}, Gaps: &sqlite.Store{},
			Prom: metrics.NewMetrics(prometheus.NewRegistry()),
		})
		if err == nil {
			t.Fatal("New accepted a garbage schedule")
		}
	})
}
