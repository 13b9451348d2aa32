package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ohlcv-systemv1/internal/model"
)

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wireEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return decodeFrame(t, raw)
}

func subscriberCount(h *Hub) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

func waitSubscribers(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if subscriberCount(h) == n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d subscribers, have %d", n, subscriberCount(h))
}

func TestServeWSFlow(t *testing.T) {
	partial := closedCandle(3*step, 2.2)
	partial.IsClosed = false
	h := newTestHub(t, Config{}, func(ctx context.Context, symbol, interval string, includeOpen bool) (*model.Snapshot, error) {
		snap := &model.Snapshot{
			Symbol:   symbol,
			Interval: interval,
			Candles:  []model.Candle{*closedCandle(step, 2.0), *closedCandle(2*step, 2.1)},
		}
		if includeOpen {
			snap.Partial = partial
		}
		return snap, nil
	})

	in := make(chan model.Event, 16)
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go h.Run(runCtx, in)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	conn := dialWS(t, srv, "?symbol=XRPUSDT&interval=1m&include_open=true")

	env := readEnvelope(t, conn)
	if env.Type != string(model.EventSnapshot) || env.Seq != 0 {
		t.Fatalf("first frame: got type %q seq %d, want snapshot seq 0", env.Type, env.Seq)
	}
	if env.Channel != ChannelOHLCV || env.Epoch == "" {
		t.Errorf("snapshot envelope: channel %q epoch %q", env.Channel, env.Epoch)
	}
	var snap model.Snapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatalf("snapshot data: %v", err)
	}
	if len(snap.Candles) != 2 || snap.Partial == nil {
		t.Errorf("snapshot: %d candles, partial %v", len(snap.Candles), snap.Partial)
	}
	epoch := env.Epoch

	in <- appendEvent(4*step, 2.3)
	env = readEnvelope(t, conn)
	if env.Type != string(model.EventAppend) || env.Seq != 1 || env.Epoch != epoch {
		t.Fatalf("append frame: got type %q seq %d epoch %q", env.Type, env.Seq, env.Epoch)
	}
	var bar model.Candle
	if err := json.Unmarshal(env.Data, &bar); err != nil {
		t.Fatalf("append data: %v", err)
	}
	if bar.OpenTime != 4*step || !bar.IsClosed {
		t.Errorf("append candle: open %d closed %v", bar.OpenTime, bar.IsClosed)
	}

	in <- partialEvent(5*step, 2.4)
	if env = readEnvelope(t, conn); env.Type != string(model.EventPartialUpdate) || env.Seq != 2 {
		t.Fatalf("partial frame: got type %q seq %d", env.Type, env.Seq)
	}

	// Shutdown delivers the terminal error, then the connection closes.
	cancelRun()
	env = readEnvelope(t, conn)
	if env.Type != string(model.EventError) || env.Seq != 3 {
		t.Fatalf("terminal frame: got type %q seq %d", env.Type, env.Seq)
	}
	var body errorPayload
	if err := json.Unmarshal(env.Data, &body); err != nil {
		t.Fatalf("error data: %v", err)
	}
	if body.Code != 503 || body.Reason != reasonShutdown {
		t.Errorf("error payload: %+v", body)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection should close after the terminal frame")
	}
}

func TestServeWSRejectsBadQuery(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	for _, query := range []string{"", "?symbol=XRPUSDT", "?symbol=XRPUSDT&interval=7q"} {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if !errors.Is(err, websocket.ErrBadHandshake) {
			t.Fatalf("query %q: expected bad handshake, got %v", query, err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("query %q: status got %d, want 400", query, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestServeWSSnapshotFailureCloses(t *testing.T) {
	h := newTestHub(t, Config{}, func(ctx context.Context, symbol, interval string, includeOpen bool) (*model.Snapshot, error) {
		return nil, errors.New("store unavailable")
	})
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	conn := dialWS(t, srv, "?symbol=XRPUSDT&interval=1m")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to close when the snapshot cannot be built")
	}
	waitSubscribers(t, h, 0)
}

func TestServeSSESignals(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeSSE))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: got %q", ct)
	}

	frames := make(chan wireEnvelope, 16)
	go func() {
		defer close(frames)
		rd := bufio.NewReader(resp.Body)
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var env wireEnvelope
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) == nil {
				frames <- env
			}
		}
	}()
	next := func() wireEnvelope {
		t.Helper()
		select {
		case env, ok := <-frames:
			if !ok {
				t.Fatal("stream closed early")
			}
			return env
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for sse frame")
		}
		return wireEnvelope{}
	}

	waitSubscribers(t, h, 1)
	h.Publish(repairEvent(step, 2.0))
	h.Publish(appendEvent(2*step, 2.1)) // candle flow, not a signal
	h.Publish(gapEvent(3, 4*step, 5*step))

	env := next()
	if env.Type != string(model.EventRepair) || env.Seq != 0 || env.Channel != ChannelSignals {
		t.Fatalf("first frame: got type %q seq %d channel %q", env.Type, env.Seq, env.Channel)
	}
	env = next()
	if env.Type != string(model.EventGapDetected) || env.Seq != 1 {
		t.Fatalf("second frame: got type %q seq %d, append should not reach signals", env.Type, env.Seq)
	}
	var gap struct {
		Symbol      string `json:"symbol"`
		SegmentID   int64  `json:"segment_id"`
		MissingBars int64  `json:"missing_bars"`
	}
	if err := json.Unmarshal(env.Data, &gap); err != nil {
		t.Fatalf("gap data: %v", err)
	}
	if gap.Symbol != "XRPUSDT" || gap.SegmentID != 3 || gap.MissingBars != 2 {
		t.Errorf("gap payload: %+v", gap)
	}

	h.shutdown()
	if env = next(); env.Type != string(model.EventError) {
		t.Fatalf("terminal frame: got %q", env.Type)
	}
}

func TestServeSSERejectsHalfFilter(t *testing.T) {
	h := newTestHub(t, Config{}, nil)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeSSE))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "?interval=1m")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}
