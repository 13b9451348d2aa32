package sim

import (
	"testing"
)

const (
	step = int64(60_000)
	base = int64(60_000_000_000)
)

func testFeed(t *testing.T, cfg Config) *feed {
	t.Helper()
	cfg.Symbol = "XRPUSDT"
	cfg.Interval = "1m"
	cfg.StartPrice = 1.0
	cfg.StartOpenTime = base
	cfg.Seed = 42
	if err := cfg.fill(); err != nil {
		t.Fatalf("config: %v", err)
	}
	return newFeed(cfg, step)
}

func TestFeedDropAndLateFill(t *testing.T) {
	f := testFeed(t, Config{TicksPerBar: 2, DropEvery: 3, LateAfter: 2})

	finalsByBar := make(map[int][]int64)
	for bar := 1; bar <= 8; bar++ {
		for _, c := range f.nextBar() {
			if err := c.Validate(); err != nil {
				t.Fatalf("bar %d emission invalid: %v", bar, err)
			}
			wantOpen := base + int64(bar-1)*step
			if !c.IsClosed {
				if c.OpenTime != wantOpen {
					t.Fatalf("bar %d partial open_time = %d, want %d", bar, c.OpenTime, wantOpen)
				}
				continue
			}
			finalsByBar[bar] = append(finalsByBar[bar], c.OpenTime)
		}
	}

	// Bars 3 and 6 are withheld at their slot.
	if len(finalsByBar[3]) != 0 {
		t.Fatalf("bar 3 should withhold its final, got %v", finalsByBar[3])
	}
	if len(finalsByBar[6]) != 0 {
		t.Fatalf("bar 6 should withhold its final, got %v", finalsByBar[6])
	}
	// The withheld finals resurface two bars later, after that bar's own final.
	want5 := []int64{base + 4*step, base + 2*step}
	if len(finalsByBar[5]) != 2 || finalsByBar[5][0] != want5[0] || finalsByBar[5][1] != want5[1] {
		t.Fatalf("bar 5 finals = %v, want %v", finalsByBar[5], want5)
	}
	want8 := []int64{base + 7*step, base + 5*step}
	if len(finalsByBar[8]) != 2 || finalsByBar[8][0] != want8[0] || finalsByBar[8][1] != want8[1] {
		t.Fatalf("bar 8 finals = %v, want %v", finalsByBar[8], want8)
	}
	// Ordinary bars deliver exactly one final at their own open time.
	for _, bar := range []int{1, 2, 4, 7} {
		want := base + int64(bar-1)*step
		if len(finalsByBar[bar]) != 1 || finalsByBar[bar][0] != want {
			t.Fatalf("bar %d finals = %v, want [%d]", bar, finalsByBar[bar], want)
		}
	}
}

func TestFeedLostForGood(t *testing.T) {
	f := testFeed(t, Config{TicksPerBar: 1, DropEvery: 2, LateAfter: 0})

	var finals []int64
	for bar := 1; bar <= 6; bar++ {
		for _, c := range f.nextBar() {
			if c.IsClosed {
				finals = append(finals, c.OpenTime)
			}
		}
	}
	// Every second final is gone and never resurfaces.
	want := []int64{base, base + 2*step, base + 4*step}
	if len(finals) != len(want) {
		t.Fatalf("finals = %v, want %v", finals, want)
	}
	for i := range want {
		if finals[i] != want[i] {
			t.Fatalf("finals = %v, want %v", finals, want)
		}
	}
}

func TestFeedDuplicateFinals(t *testing.T) {
	f := testFeed(t, Config{TicksPerBar: 1, DupEvery: 2})

	for bar := 1; bar <= 4; bar++ {
		var finals []int64
		for _, c := range f.nextBar() {
			if c.IsClosed {
				finals = append(finals, c.OpenTime)
			}
		}
		wantN := 1
		if bar%2 == 0 {
			wantN = 2
		}
		if len(finals) != wantN {
			t.Fatalf("bar %d emitted %d finals, want %d", bar, len(finals), wantN)
		}
		for _, open := range finals {
			if open != base+int64(bar-1)*step {
				t.Fatalf("bar %d final open_time = %d", bar, open)
			}
		}
	}
}
