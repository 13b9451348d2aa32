// Package upstream defines the ports to the market-data provider: a live
// candle stream, a paged history endpoint and the rate-limit budget both
// share. Concrete adapters live in the binance and sim subpackages.
package upstream

import (
	"context"
	"errors"
	"time"

	"ohlcv-systemv1/internal/model"
)

// StreamEvent is one upstream message normalized to a candle. IsClosed on
// the candle marks finalization; many partials precede each finalization
// and duplicates are possible across reconnects.
type StreamEvent struct {
	Candle     model.Candle
	ReceivedAt time.Time
}

// Source streams live candle updates for one (symbol, interval).
type Source interface {
	// StreamOnce dials one connection and delivers events on out until the
	// connection breaks, ctx ends, or decoding gives up. The caller owns
	// reconnect and resync policy. A nil return means the peer closed
	// normally; ErrAdapterFatal means the feed is unusable and must be
	// quarantined.
	StreamOnce(ctx context.Context, symbol, interval string, out chan<- StreamEvent) error
}

// Page is one page of finalized history, ascending by open_time.
type Page struct {
	Candles []model.Candle

	// NextToken continues paging when non-empty. Opaque to callers.
	NextToken string
}

// Historian fetches finalized candles over REST with provider-side paging.
type Historian interface {
	FetchHistory(ctx context.Context, symbol, interval string, from, to int64, pageToken string) (Page, error)
}

// Limiter gates calls against the provider budget.
type Limiter interface {
	// AcquirePermit blocks until cost tokens are available or ctx ends.
	AcquirePermit(ctx context.Context, cost int) error

	// Penalize doubles the cool-off after a provider backoff response.
	Penalize()

	// Reset clears the cool-off after a successful call.
	Reset()
}

// Failure classes surfaced by adapters.
var (
	// ErrAdapterFatal marks a feed that repeatedly fails to decode; the
	// consumer quarantines the (symbol, interval) and alerts.
	ErrAdapterFatal = errors.New("upstream adapter fatal")

	// ErrRateLimited marks a provider 429/418 backoff response.
	ErrRateLimited = errors.New("upstream rate limited")
)
