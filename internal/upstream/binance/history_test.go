package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"ohlcv-systemv1/internal/model"
	"ohlcv-systemv1/internal/upstream"
)

const step = int64(60_000)

// base sits decades in the past so no generated bar is ever "still forming".
const base = int64(60_000_000_000)

func klineRow(openTime int64, px float64) string {
	return fmt.Sprintf(`[%d,"%.2f","%.2f","%.2f","%.2f","10.5",%d,"0",42,"0","0","0"]`,
		openTime, px, px+1, px-1, px, openTime+step-1)
}

// klinesServer serves 1m bars with open times in [base, base+(bars-1)*step],
// honoring startTime/endTime/limit the way the exchange does.
func klinesServer(t *testing.T, bars int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			http.NotFound(w, r)
			return
		}
		start, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		end, _ := strconv.ParseInt(r.URL.Query().Get("endTime"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		var rows []string
		for open := start; open <= end && len(rows) < limit; open += step {
			if open < base || open > base+int64(bars-1)*step {
				continue
			}
			rows = append(rows, klineRow(open, 1.00+float64((open-base)/step)/100))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, "[%s]", strings.Join(rows, ","))
	}))
}

func TestFetchHistoryPagesThroughRange(t *testing.T) {
	srv := klinesServer(t, 5)
	defer srv.Close()

	h := NewHistory(HistoryConfig{BaseURL: srv.URL, PageLimit: 2})
	ctx := context.Background()
	from, to := base, base+4*step

	var got []model.Candle
	token := ""
	pages := 0
	for {
		page, err := h.FetchHistory(ctx, "XRPUSDT", "1m", from, to, token)
		if err != nil {
			t.Fatalf("page %d: %v", pages, err)
		}
		pages++
		got = append(got, page.Candles...)
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	if pages != 3 {
		t.Fatalf("walked %d pages, want 3", pages)
	}
	if len(got) != 5 {
		t.Fatalf("got %d candles, want 5", len(got))
	}
	for i, c := range got {
		want := base + int64(i)*step
		if c.OpenTime != want {
			t.Fatalf("candle %d open_time = %d, want %d", i, c.OpenTime, want)
		}
		if !c.IsClosed {
			t.Fatalf("candle %d not finalized", i)
		}
		if c.CloseTime != c.OpenTime+step-1 {
			t.Fatalf("candle %d close_time = %d, want %d", i, c.CloseTime, c.OpenTime+step-1)
		}
	}
}

func TestFetchHistorySkipsFormingBar(t *testing.T) {
	now := time.Now().UnixMilli()
	forming := model.AlignOpenTime(now, step)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "[%s,%s]", klineRow(base, 1.0), klineRow(forming, 2.0))
	}))
	defer srv.Close()

	h := NewHistory(HistoryConfig{BaseURL: srv.URL})
	page, err := h.FetchHistory(context.Background(), "XRPUSDT", "1m", base, forming, "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(page.Candles) != 1 || page.Candles[0].OpenTime != base {
		t.Fatalf("forming bar leaked into history: %+v", page.Candles)
	}
}

func TestFetchHistoryRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h := NewHistory(HistoryConfig{BaseURL: srv.URL})
	_, err := h.FetchHistory(context.Background(), "XRPUSDT", "1m", base, base+step, "")
	if !errors.Is(err, upstream.ErrRateLimited) {
		t.Fatalf("429 not classified rate-limited: %v", err)
	}
}

func TestFetchHistoryBadRequestFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	h := NewHistory(HistoryConfig{BaseURL: srv.URL})
	_, err := h.FetchHistory(context.Background(), "NOSUCH", "1m", base, base+step, "")
	if !errors.Is(err, upstream.ErrAdapterFatal) {
		t.Fatalf("400 not classified fatal: %v", err)
	}
}

func TestFetchHistoryDecodeFailuresEscalate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"not":"an array"}`)
	}))
	defer srv.Close()

	h := NewHistory(HistoryConfig{BaseURL: srv.URL, MaxDecodeFailures: 2})
	ctx := context.Background()

	_, err := h.FetchHistory(ctx, "XRPUSDT", "1m", base, base+step, "")
	if err == nil || errors.Is(err, upstream.ErrAdapterFatal) {
		t.Fatalf("first decode failure should be transient, got %v", err)
	}
	_, err = h.FetchHistory(ctx, "XRPUSDT", "1m", base, base+step, "")
	if !errors.Is(err, upstream.ErrAdapterFatal) {
		t.Fatalf("repeated decode failures should turn fatal, got %v", err)
	}
}

func TestKlineFrameRoundTrip(t *testing.T) {
	want := model.Candle{
		Symbol: "XRPUSDT", Interval: "1m",
		OpenTime: base, CloseTime: base + step - 1,
		Open: 1.01, High: 1.05, Low: 0.99, Close: 1.02,
		Volume: 1234.5, TradeCount: 77, IsClosed: true,
	}
	raw, err := EncodeKlineFrame(want, base+step)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeKlineFrame(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("round trip drifted:\n got %+v\nwant %+v", got, want)
	}
}
