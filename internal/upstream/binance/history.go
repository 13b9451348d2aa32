package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"ohlcv-systemv1/internal/model"
	"ohlcv-systemv1/internal/upstream"
)

// HistoryConfig tunes the REST kline client.
type HistoryConfig struct {
	BaseURL           string        // default https://api.binance.com
	PageLimit         int           // rows per request, exchange caps at 1000
	RequestTimeout    time.Duration // per-page deadline
	MaxDecodeFailures int           // consecutive parse failures before the adapter is declared broken
}

func (c *HistoryConfig) fill() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.binance.com"
	}
	if c.PageLimit <= 0 || c.PageLimit > 1000 {
		c.PageLimit = 1000
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.MaxDecodeFailures <= 0 {
		c.MaxDecodeFailures = 5
	}
}

// History fetches finalized klines over the exchange's paged REST endpoint.
// It never sleeps or throttles on its own: callers acquire a permit from an
// upstream.Limiter before each page and penalize the bucket when FetchHistory
// reports upstream.ErrRateLimited.
type History struct {
	cfg    HistoryConfig
	client *http.Client

	mu          sync.Mutex
	decodeFails int
}

// NewHistory builds a REST kline client. The zero config is usable.
func NewHistory(cfg HistoryConfig) *History {
	cfg.fill()
	return &History{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// FetchHistory returns one page of finalized candles with open_time inside
// [from, to]. A non-empty pageToken resumes a previous page walk; the returned
// NextToken is empty once the range is exhausted. Bars still forming at call
// time are excluded.
//
// Errors: upstream.ErrRateLimited on 429/418, upstream.ErrAdapterFatal on
// malformed requests or persistent decode failures, plain wrapped errors for
// transient network and 5xx conditions.
func (h *History) FetchHistory(ctx context.Context, symbol, interval string, from, to int64, pageToken string) (upstream.Page, error) {
	step, err := model.IntervalMS(interval)
	if err != nil {
		return upstream.Page{}, fmt.Errorf("binance: %v: %w", err, upstream.ErrAdapterFatal)
	}
	start := from
	if pageToken != "" {
		cur, err := strconv.ParseInt(pageToken, 10, 64)
		if err != nil {
			return upstream.Page{}, fmt.Errorf("binance: bad page token %q: %w", pageToken, upstream.ErrAdapterFatal)
		}
		start = cur
	}
	if start > to {
		return upstream.Page{}, nil
	}

	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("interval", interval)
	q.Set("startTime", strconv.FormatInt(start, 10))
	q.Set("endTime", strconv.FormatInt(to+step-1, 10))
	q.Set("limit", strconv.Itoa(h.cfg.PageLimit))
	endpoint := strings.TrimSuffix(h.cfg.BaseURL, "/") + "/api/v3/klines?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return upstream.Page{}, fmt.Errorf("binance: build klines request: %w", err)
	}
	res, err := h.client.Do(req)
	if err != nil {
		return upstream.Page{}, fmt.Errorf("binance: klines request: %w", err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode == 418:
		io.Copy(io.Discard, res.Body)
		return upstream.Page{}, fmt.Errorf("binance: klines status %d: %w", res.StatusCode, upstream.ErrRateLimited)
	case res.StatusCode >= 500:
		io.Copy(io.Discard, res.Body)
		return upstream.Page{}, fmt.Errorf("binance: klines status %d", res.StatusCode)
	case res.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return upstream.Page{}, fmt.Errorf("binance: klines status %d: %s: %w", res.StatusCode, strings.TrimSpace(string(body)), upstream.ErrAdapterFatal)
	}

	dec := json.NewDecoder(io.LimitReader(res.Body, 16<<20))
	dec.UseNumber()
	var rows [][]any
	if err := dec.Decode(&rows); err != nil {
		return upstream.Page{}, h.decodeFailure(fmt.Errorf("binance: decode klines body: %w", err))
	}

	now := time.Now().UnixMilli()
	page := upstream.Page{Candles: make([]model.Candle, 0, len(rows))}
	var lastOpen int64 = -1
	for _, row := range rows {
		c, err := parseKlineRow(row, symbol, interval, step)
		if err != nil {
			return upstream.Page{}, h.decodeFailure(err)
		}
		lastOpen = c.OpenTime
		if c.CloseTime >= now {
			// The tail row can be the bar still forming; history only
			// carries finalized content.
			continue
		}
		page.Candles = append(page.Candles, c)
	}
	h.decodeOK()

	if len(rows) == h.cfg.PageLimit && lastOpen >= 0 && lastOpen+step <= to {
		page.NextToken = strconv.FormatInt(lastOpen+step, 10)
	}
	return page, nil
}

func (h *History) decodeFailure(err error) error {
	h.mu.Lock()
	h.decodeFails++
	fails := h.decodeFails
	h.mu.Unlock()
	if fails >= h.cfg.MaxDecodeFailures {
		return fmt.Errorf("%v (%d consecutive decode failures): %w", err, fails, upstream.ErrAdapterFatal)
	}
	return err
}

func (h *History) decodeOK() {
	h.mu.Lock()
	h.decodeFails = 0
	h.mu.Unlock()
}

// parseKlineRow converts one REST kline array into a finalized candle. The
// exchange shape is [openTime, open, high, low, close, volume, closeTime,
// quoteVolume, tradeCount, ...], with prices as strings.
func parseKlineRow(row []any, symbol, interval string, step int64) (model.Candle, error) {
	if len(row) < 9 {
		return model.Candle{}, fmt.Errorf("binance: kline row has %d fields, want >= 9", len(row))
	}
	openTime, err := rowInt(row[0])
	if err != nil {
		return model.Candle{}, fmt.Errorf("binance: kline open time: %w", err)
	}
	if openTime != model.AlignOpenTime(openTime, step) {
		return model.Candle{}, fmt.Errorf("binance: kline open time %d off the %dms grid", openTime, step)
	}
	c := model.Candle{
		Symbol:    strings.ToUpper(symbol),
		Interval:  interval,
		OpenTime:  openTime,
		CloseTime: openTime + step - 1,
		IsClosed:  true,
	}
	if c.Open, err = rowPrice(row[1]); err != nil {
		return model.Candle{}, fmt.Errorf("binance: kline open: %w", err)
	}
	if c.High, err = rowPrice(row[2]); err != nil {
		return model.Candle{}, fmt.Errorf("binance: kline high: %w", err)
	}
	if c.Low, err = rowPrice(row[3]); err != nil {
		return model.Candle{}, fmt.Errorf("binance: kline low: %w", err)
	}
	if c.Close, err = rowPrice(row[4]); err != nil {
		return model.Candle{}, fmt.Errorf("binance: kline close: %w", err)
	}
	if c.Volume, err = rowPrice(row[5]); err != nil {
		return model.Candle{}, fmt.Errorf("binance: kline volume: %w", err)
	}
	if c.TradeCount, err = rowInt(row[8]); err != nil {
		return model.Candle{}, fmt.Errorf("binance: kline trade count: %w", err)
	}
	if err := c.Validate(); err != nil {
		return model.Candle{}, fmt.Errorf("binance: kline row invalid: %w", err)
	}
	return c, nil
}

func rowInt(v any) (int64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("field %v (%T) is not a number", v, v)
	}
	return n.Int64()
}

func rowPrice(v any) (float64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("field %v (%T) is not a string price", v, v)
	}
	return strconv.ParseFloat(s, 64)
}
