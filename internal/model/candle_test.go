package model

import "testing"

func TestCandleValidate(t *testing.T) {
	base := Candle{
		Symbol: "XRPUSDT", Interval: "1m",
		OpenTime: 1_700_000_000_000, CloseTime: 1_700_000_059_999,
		Open: 0.52, High: 0.55, Low: 0.51, Close: 0.54, Volume: 1200,
		IsClosed: true,
	}

	cases := []struct {
		name    string
		mutate  func(*Candle)
		wantErr bool
	}{
		{"valid", func(c *Candle) {}, false},
		{"flat bar", func(c *Candle) { c.Open, c.High, c.Low, c.Close = 1, 1, 1, 1 }, false},
		{"low above open", func(c *Candle) { c.Low = 0.53 }, true},
		{"high below close", func(c *Candle) { c.High = 0.53 }, true},
		{"negative volume", func(c *Candle) { c.Volume = -1 }, true},
		{"close before open time", func(c *Candle) { c.CloseTime = c.OpenTime - 1 }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base
			tc.mutate(&c)
			err := c.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err=%v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestSameContent(t *testing.T) {
	a := Candle{Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10, TradeCount: 3}
	b := a
	if !a.SameContent(&b) {
		t.Fatal("identical candles reported different")
	}
	b.Close = 1.6
	if a.SameContent(&b) {
		t.Fatal("divergent close not detected")
	}
	b = a
	b.TradeCount = 4
	if a.SameContent(&b) {
		t.Fatal("divergent trade count not detected")
	}
}

func TestIntervalMS(t *testing.T) {
	cases := []struct {
		interval string
		want     int64
		wantErr  bool
	}{
		{"1m", 60_000, false},
		{"5m", 300_000, false},
		{"1h", 3_600_000, false},
		{"1d", 86_400_000, false},
		{"7x", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		ms, err := IntervalMS(tc.interval)
		if (err != nil) != tc.wantErr {
			t.Fatalf("IntervalMS(%q) err=%v, wantErr=%v", tc.interval, err, tc.wantErr)
		}
		if ms != tc.want {
			t.Fatalf("IntervalMS(%q)=%d, want %d", tc.interval, ms, tc.want)
		}
	}
}

func TestAlignOpenTime(t *testing.T) {
	const step = int64(60_000)
	if got := AlignOpenTime(1_699_999_980_123, step); got != 1_699_999_980_000 {
		t.Fatalf("AlignOpenTime misaligned: %d", got)
	}
	if got := AlignOpenTime(120_000, step); got != 120_000 {
		t.Fatalf("already-aligned ts moved: %d", got)
	}
}

func TestGapSegmentHelpers(t *testing.T) {
	g := GapSegment{FromOpenTime: 1_120_000, ToOpenTime: 1_240_000, State: GapOpen}

	if got := g.SpanBars(60_000); got != 3 {
		t.Fatalf("SpanBars=%d, want 3", got)
	}
	if !g.Contains(1_180_000) || g.Contains(1_060_000) || g.Contains(1_300_000) {
		t.Fatal("Contains boundaries wrong")
	}
	if !g.Overlaps(1_240_000, 2_000_000) || !g.Overlaps(0, 1_120_000) || g.Overlaps(0, 1_060_000) {
		t.Fatal("Overlaps boundaries wrong")
	}
	if !g.Active() {
		t.Fatal("open segment should be active")
	}
	g.State = GapMerged
	if g.Active() {
		t.Fatal("merged segment should not be active")
	}
}
