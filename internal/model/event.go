package model

import "time"

// EventType is the closed set of push event variants. The envelope encoder
// in the hub is total over this set.
type EventType string

const (
	EventSnapshot      EventType = "snapshot"
	EventAppend        EventType = "append"
	EventPartialUpdate EventType = "partial_update"
	EventPartialClose  EventType = "partial_close"
	EventRepair        EventType = "repair"
	EventGapDetected   EventType = "gap_detected"
	EventGapRepaired   EventType = "gap_repaired"
	EventHeartbeat     EventType = "heartbeat"
	EventError         EventType = "error"
)

// GapNotice is the payload for gap_detected / gap_repaired events.
type GapNotice struct {
	SegmentID    int64 `json:"segment_id"`
	FromOpenTime int64 `json:"from_open_time"`
	ToOpenTime   int64 `json:"to_open_time"`
	MissingBars  int64 `json:"missing_bars"`
	MTTRMillis   int64 `json:"mttr_ms,omitempty"`
}

// Event is what the consumer and backfill workers publish onto the engine
// bus, and what the push hub fans out to subscribers. Exactly one of the
// payload pointers is set, selected by Type.
type Event struct {
	Type     EventType  `json:"type"`
	Symbol   string     `json:"symbol"`
	Interval string     `json:"interval"`
	Candle   *Candle    `json:"candle,omitempty"` // append, partial_update, partial_close, repair
	Gap      *GapNotice `json:"gap,omitempty"`    // gap_detected, gap_repaired

	// LatencyMS is set on partial_close: milliseconds between the first
	// partial sighting and the finalization.
	LatencyMS int64 `json:"latency_ms,omitempty"`
}

// StreamKey returns the (symbol, interval) routing key for hub dispatch.
func (e *Event) StreamKey() string {
	return e.Symbol + ":" + e.Interval
}

// RepairRecord is one correction applied to an already-persisted candle.
// Served by the delta endpoint so catch-up clients can patch old bars.
type RepairRecord struct {
	Symbol     string    `json:"symbol"`
	Interval   string    `json:"interval"`
	OpenTime   int64     `json:"open_time"`
	Candle     Candle    `json:"candle"`
	RepairedAt time.Time `json:"repaired_at"`
}

// Snapshot is the initial state a push subscriber receives on accept:
// the finalized tail plus, when requested, the buffered partial.
type Snapshot struct {
	Symbol   string   `json:"symbol"`
	Interval string   `json:"interval"`
	Candles  []Candle `json:"candles"`
	Partial  *Candle  `json:"partial,omitempty"`
}
