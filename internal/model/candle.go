package model

import (
	"encoding/json"
	"fmt"
)

// Candle is one OHLCV bar for (Symbol, Interval) starting at OpenTime.
// OpenTime is the canonical key within (Symbol, Interval); CloseTime is
// always OpenTime + intervalMs - 1. Times are UTC epoch milliseconds.
// A candle with IsClosed=false is a transient partial and is never
// persisted as final.
type Candle struct {
	Symbol     string  `json:"symbol"`
	Interval   string  `json:"interval"`
	OpenTime   int64   `json:"open_time"`
	CloseTime  int64   `json:"close_time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	TradeCount int64   `json:"trade_count,omitempty"`
	IsClosed   bool    `json:"is_closed"`
}

// Key returns the stream key for this candle: "symbol:interval".
func (c *Candle) Key() string {
	return c.Symbol + ":" + c.Interval
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// SameContent reports whether two candles carry identical OHLCV payloads.
// Key fields (symbol, interval, open_time) are not compared; callers only
// invoke this for rows that already collide on the key.
func (c *Candle) SameContent(o *Candle) bool {
	return c.Open == o.Open &&
		c.High == o.High &&
		c.Low == o.Low &&
		c.Close == o.Close &&
		c.Volume == o.Volume &&
		c.TradeCount == o.TradeCount
}

// Validate checks the OHLC shape invariants. It does not check key fields.
func (c *Candle) Validate() error {
	if c.Low > c.Open || c.Low > c.Close || c.Low > c.High {
		return fmt.Errorf("candle %s@%d: low %v above open/high/close", c.Key(), c.OpenTime, c.Low)
	}
	if c.Open > c.High || c.Close > c.High {
		return fmt.Errorf("candle %s@%d: high %v below open/close", c.Key(), c.OpenTime, c.High)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle %s@%d: negative volume %v", c.Key(), c.OpenTime, c.Volume)
	}
	if c.OpenTime < 0 || c.CloseTime < c.OpenTime {
		return fmt.Errorf("candle %s@%d: bad time bounds [%d,%d]", c.Key(), c.OpenTime, c.OpenTime, c.CloseTime)
	}
	return nil
}

// intervalMillis maps the supported interval notation to its step in
// milliseconds. The set mirrors what the upstream kline API accepts.
var intervalMillis = map[string]int64{
	"1m":  60_000,
	"3m":  180_000,
	"5m":  300_000,
	"15m": 900_000,
	"30m": 1_800_000,
	"1h":  3_600_000,
	"2h":  7_200_000,
	"4h":  14_400_000,
	"6h":  21_600_000,
	"8h":  28_800_000,
	"12h": 43_200_000,
	"1d":  86_400_000,
}

// IntervalMS returns the step size in milliseconds for an interval string.
func IntervalMS(interval string) (int64, error) {
	ms, ok := intervalMillis[interval]
	if !ok {
		return 0, fmt.Errorf("unknown interval %q", interval)
	}
	return ms, nil
}

// KnownInterval reports whether the interval notation is supported.
func KnownInterval(interval string) bool {
	_, ok := intervalMillis[interval]
	return ok
}

// AlignOpenTime truncates ts (epoch ms) down to the containing bar's open.
func AlignOpenTime(ts, intervalMS int64) int64 {
	return ts - ts%intervalMS
}
