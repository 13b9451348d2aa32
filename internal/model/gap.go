package model

import "time"

// GapState is the lifecycle state of a gap segment.
type GapState string

const (
	GapOpen       GapState = "open"
	GapInProgress GapState = "in_progress"
	GapRecovered  GapState = "recovered"
	GapMerged     GapState = "merged"
)

// GapSegment is a contiguous run of missing open_time values
// [FromOpenTime, ToOpenTime] inclusive for one (Symbol, Interval).
// Merged rows are terminal and point at the surviving segment.
type GapSegment struct {
	ID            int64      `json:"id"`
	Symbol        string     `json:"symbol"`
	Interval      string     `json:"interval"`
	FromOpenTime  int64      `json:"from_open_time"`
	ToOpenTime    int64      `json:"to_open_time"`
	MissingBars   int64      `json:"missing_bars"`
	State         GapState   `json:"state"`
	DetectedAt    time.Time  `json:"detected_at"`
	RetryCount    int        `json:"retry_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	MergedInto    *int64     `json:"merged_into,omitempty"`
}

// SpanBars returns the number of bars covered by [From, To] for the step.
func (g *GapSegment) SpanBars(intervalMS int64) int64 {
	return (g.ToOpenTime-g.FromOpenTime)/intervalMS + 1
}

// Contains reports whether openTime falls inside the segment range.
func (g *GapSegment) Contains(openTime int64) bool {
	return openTime >= g.FromOpenTime && openTime <= g.ToOpenTime
}

// Overlaps reports whether [from, to] intersects the segment range.
func (g *GapSegment) Overlaps(from, to int64) bool {
	return g.FromOpenTime <= to && from <= g.ToOpenTime
}

// Active reports whether the segment still needs recovery work.
func (g *GapSegment) Active() bool {
	return g.State == GapOpen || g.State == GapInProgress
}
