// Package binance adapts the Binance spot market-data API to the upstream
// ports: the combined kline WebSocket stream and the paged klines REST
// endpoint. The wire formats also serve the staging simulator, which
// speaks the same frames on a local address.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"ohlcv-systemv1/internal/model"
	"ohlcv-systemv1/internal/upstream"
)

// Stream defaults.
const (
	DefaultStreamURL    = "wss://stream.binance.com:9443"
	defaultHandshake    = 10 * time.Second
	defaultReadWait     = 75 * time.Second
	defaultWriteWait    = 10 * time.Second
	defaultDecodeFatals = 5
)

// StreamConfig configures the kline stream client.
type StreamConfig struct {
	// BaseURL is the WebSocket endpoint root, e.g.
	// wss://stream.binance.com:9443 or the simulator's ws://127.0.0.1:9010.
	BaseURL string

	HandshakeTimeout time.Duration
	ReadWait         time.Duration

	// MaxDecodeFailures is the number of consecutive undecodable frames
	// after which the feed is declared fatal.
	MaxDecodeFailures int
}

func (c *StreamConfig) fill() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultStreamURL
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaultHandshake
	}
	if c.ReadWait == 0 {
		c.ReadWait = defaultReadWait
	}
	if c.MaxDecodeFailures == 0 {
		c.MaxDecodeFailures = defaultDecodeFatals
	}
}

// Stream is the live kline source. One connection per StreamOnce call;
// the caller owns reconnects.
type Stream struct {
	cfg StreamConfig
}

// NewStream builds a stream client, filling config defaults.
func NewStream(cfg StreamConfig) *Stream {
	cfg.fill()
	return &Stream{cfg: cfg}
}

// StreamOnce dials the kline stream for (symbol, interval) and pushes
// normalized events into out until the connection breaks or ctx ends.
func (s *Stream) StreamOnce(ctx context.Context, symbol, interval string, out chan<- upstream.StreamEvent) error {
	url := fmt.Sprintf("%s/ws/%s@kline_%s", strings.TrimRight(s.cfg.BaseURL, "/"), strings.ToLower(symbol), interval)

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("binance: dial %s: %w", url, err)
	}
	log.Printf("[binance] connected %s", url)

	// Close the socket when ctx ends so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(defaultWriteWait))
			conn.Close()
		case <-done:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(defaultWriteWait))
	})

	decodeFails := 0
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("binance: read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadWait))

		candle, err := DecodeKlineFrame(raw)
		if err != nil {
			decodeFails++
			log.Printf("[binance] decode failure %d/%d: %v", decodeFails, s.cfg.MaxDecodeFailures, err)
			if decodeFails >= s.cfg.MaxDecodeFailures {
				return fmt.Errorf("binance: %d consecutive decode failures: %w", decodeFails, upstream.ErrAdapterFatal)
			}
			continue
		}
		decodeFails = 0

		ev := upstream.StreamEvent{Candle: candle, ReceivedAt: time.Now().UTC()}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// wsKlineFrame is the kline payload of the combined stream. Numeric price
// fields arrive as strings.
type wsKlineFrame struct {
	EventType string      `json:"e"`
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	Kline     wsKlineData `json:"k"`
}

type wsKlineData struct {
	StartTime int64       `json:"t"`
	EndTime   int64       `json:"T"`
	Symbol    string      `json:"s"`
	Interval  string      `json:"i"`
	Open      json.Number `json:"o"`
	Close     json.Number `json:"c"`
	High      json.Number `json:"h"`
	Low       json.Number `json:"l"`
	Volume    json.Number `json:"v"`
	TradeNum  int64       `json:"n"`
	IsFinal   bool        `json:"x"`
}

// DecodeKlineFrame parses one kline frame into a canonical candle.
func DecodeKlineFrame(raw []byte) (model.Candle, error) {
	var f wsKlineFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return model.Candle{}, fmt.Errorf("unmarshal kline frame: %w", err)
	}
	if f.EventType != "kline" {
		return model.Candle{}, fmt.Errorf("unexpected event type %q", f.EventType)
	}
	k := f.Kline

	open, err := k.Open.Float64()
	if err != nil {
		return model.Candle{}, fmt.Errorf("parse open %q: %w", k.Open, err)
	}
	high, err := k.High.Float64()
	if err != nil {
		return model.Candle{}, fmt.Errorf("parse high %q: %w", k.High, err)
	}
	low, err := k.Low.Float64()
	if err != nil {
		return model.Candle{}, fmt.Errorf("parse low %q: %w", k.Low, err)
	}
	cl, err := k.Close.Float64()
	if err != nil {
		return model.Candle{}, fmt.Errorf("parse close %q: %w", k.Close, err)
	}
	vol, err := k.Volume.Float64()
	if err != nil {
		return model.Candle{}, fmt.Errorf("parse volume %q: %w", k.Volume, err)
	}
	if k.StartTime <= 0 || k.EndTime < k.StartTime {
		return model.Candle{}, fmt.Errorf("bad kline bounds [%d,%d]", k.StartTime, k.EndTime)
	}

	return model.Candle{
		Symbol:     k.Symbol,
		Interval:   k.Interval,
		OpenTime:   k.StartTime,
		CloseTime:  k.EndTime,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      cl,
		Volume:     vol,
		TradeCount: k.TradeNum,
		IsClosed:   k.IsFinal,
	}, nil
}

// EncodeKlineFrame renders a candle as the kline frame DecodeKlineFrame
// accepts. The staging simulator and adapter tests use it to speak the
// exchange's wire format.
func EncodeKlineFrame(c model.Candle, eventTime int64) ([]byte, error) {
	f := wsKlineFrame{
		EventType: "kline",
		EventTime: eventTime,
		Symbol:    c.Symbol,
		Kline: wsKlineData{
			StartTime: c.OpenTime,
			EndTime:   c.CloseTime,
			Symbol:    c.Symbol,
			Interval:  c.Interval,
			Open:      formatPrice(c.Open),
			Close:     formatPrice(c.Close),
			High:      formatPrice(c.High),
			Low:       formatPrice(c.Low),
			Volume:    formatPrice(c.Volume),
			TradeNum:  c.TradeCount,
			IsFinal:   c.IsClosed,
		},
	}
	return json.Marshal(f)
}

func formatPrice(v float64) json.Number {
	return json.Number(strconv.FormatFloat(v, 'f', -1, 64))
}
