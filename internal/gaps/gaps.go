// Package gaps holds the pure range math behind gap segments: union of
// overlapping ranges, absorption of a single bar, and the expected-vs-present
// diff used by the continuity scanner. Keeping it free of storage concerns
// lets both store implementations share one tested plan.
package gaps

import (
	"ohlcv-systemv1/internal/model"
)

// Range is an inclusive run of open_time values [From, To].
type Range struct {
	From int64
	To   int64
}

// Bars returns the number of bars the range covers for the given step.
func (r Range) Bars(intervalMS int64) int64 {
	if r.To < r.From {
		return 0
	}
	return (r.To-r.From)/intervalMS + 1
}

// Union returns the smallest range covering the new range and every
// overlapping segment. Order of the overlapping slice does not matter.
func Union(from, to int64, overlapping []model.GapSegment) Range {
	u := Range{From: from, To: to}
	for _, seg := range overlapping {
		if seg.FromOpenTime < u.From {
			u.From = seg.FromOpenTime
		}
		if seg.ToOpenTime > u.To {
			u.To = seg.ToOpenTime
		}
	}
	return u
}

// AbsorbPlan describes how removing one open_time reshapes a segment.
type AbsorbPlan struct {
	Outcome model.AbsorbOutcome

	// Shrunk is the remaining range when Outcome is AbsorbShrunk.
	Shrunk Range

	// Left and Right are the two pieces when Outcome is AbsorbSplit.
	Left  Range
	Right Range
}

// Absorb computes the plan for removing openTime from [from, to]:
// advance the left edge, retract the right edge, split when interior,
// recovered when it was the only bar, noop when outside the range.
func Absorb(from, to, openTime, intervalMS int64) AbsorbPlan {
	if openTime < from || openTime > to {
		return AbsorbPlan{Outcome: model.AbsorbNoop}
	}
	if from == to {
		return AbsorbPlan{Outcome: model.AbsorbRecovered}
	}
	switch openTime {
	case from:
		return AbsorbPlan{Outcome: model.AbsorbShrunk, Shrunk: Range{From: from + intervalMS, To: to}}
	case to:
		return AbsorbPlan{Outcome: model.AbsorbShrunk, Shrunk: Range{From: from, To: to - intervalMS}}
	default:
		return AbsorbPlan{
			Outcome: model.AbsorbSplit,
			Left:    Range{From: from, To: openTime - intervalMS},
			Right:   Range{From: openTime + intervalMS, To: to},
		}
	}
}

// Missing diffs the expected open_time set over [from, to] against the
// sorted present list, coalescing consecutive misses into ranges. Present
// values outside the window or off the step grid are ignored.
func Missing(from, to, intervalMS int64, present []int64) []Range {
	var out []Range
	i := 0
	runStart := int64(-1)

	for ot := from; ot <= to; ot += intervalMS {
		for i < len(present) && present[i] < ot {
			i++
		}
		have := i < len(present) && present[i] == ot
		if have {
			if runStart >= 0 {
				out = append(out, Range{From: runStart, To: ot - intervalMS})
				runStart = -1
			}
			i++
			continue
		}
		if runStart < 0 {
			runStart = ot
		}
	}
	if runStart >= 0 {
		out = append(out, Range{From: runStart, To: to})
	}
	return out
}

// ExpectedBars returns the bar count of the inclusive window for the step.
func ExpectedBars(from, to, intervalMS int64) int64 {
	return Range{From: from, To: to}.Bars(intervalMS)
}
