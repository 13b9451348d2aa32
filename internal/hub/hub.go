// Package hub fans engine events out to push subscribers over WebSocket
// and SSE. Every connection carries its own epoch token and a gapless seq
// counter: the snapshot goes out at seq 0, then appends, partials, repairs,
// gap notices and heartbeats each consume exactly one seq. A single sender
// goroutine per subscriber assigns seq immediately before the write, so a
// client that has seen seq N has seen every earlier frame of that epoch.
//
// Backpressure is per event type. Partial updates for the same bar coalesce
// in the queue and may be shed outright; appends, repairs and gap notices
// are never dropped. A subscriber too slow for the must-deliver flow is cut
// off with a terminal error frame instead of silently losing frames.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"ohlcv-systemv1/internal/metrics"
	"ohlcv-systemv1/internal/model"
)

// Channel names accepted by the subscribe index. Candle subscribers get the
// full flow for one (symbol, interval) key; signal subscribers get repairs
// and gap notices, across all keys when no filter is given.
const (
	ChannelOHLCV   = "ohlcv"
	ChannelSignals = "signals"
)

// Config tunes per-subscriber delivery.
type Config struct {
	Heartbeat    time.Duration // heartbeat cadence on a quiet line
	QueueSize    int           // bounded outbound queue per subscriber
	WriteTimeout time.Duration // per-frame write deadline

	// DisableCoalesce turns off tail merging of partial_update frames,
	// so slow consumers see every tick until the queue fills.
	DisableCoalesce bool
}

func (c *Config) fill() {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 15 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// SnapshotFunc assembles the initial state for a new candle subscriber:
// the finalized tail plus the buffered partial when includeOpen is set.
type SnapshotFunc func(ctx context.Context, symbol, interval string, includeOpen bool) (*model.Snapshot, error)

// Deps are the hub's collaborators.
type Deps struct {
	Snapshot SnapshotFunc
	Prom     *metrics.Metrics
}

// Hub routes engine events to the subscriber sets that asked for them. The
// registry maps channel plus stream key to subscribers; publishers never
// block on a slow connection because delivery goes through each
// subscriber's own bounded queue.
type Hub struct {
	cfg  Config
	deps Deps

	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	closed bool

	now func() time.Time // test hook
}

// New builds a Hub. Snapshot and Prom must be set.
func New(cfg Config, deps Deps) (*Hub, error) {
	cfg.fill()
	if deps.Snapshot == nil {
		return nil, fmt.Errorf("hub: Deps.Snapshot is required")
	}
	if deps.Prom == nil {
		return nil, fmt.Errorf("hub: Deps.Prom is required")
	}
	return &Hub{
		cfg:  cfg,
		deps: deps,
		subs: make(map[string]map[*subscriber]struct{}),
		now:  time.Now,
	}, nil
}

// Run pumps bus events into the subscriber queues until ctx is cancelled or
// the input closes, then cuts every connection with a server_shutdown error
// frame.
func (h *Hub) Run(ctx context.Context, in <-chan model.Event) {
	log.Printf("[hub] running, heartbeat %s, queue %d", h.cfg.Heartbeat, h.cfg.QueueSize)
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			h.Publish(ev)
		}
	}
}

// Publish enqueues one event onto every matching subscriber. The payload is
// marshalled once here and shared; the envelope around it differs per
// connection and is built at write time.
func (h *Hub) Publish(ev model.Event) {
	data, err := marshalPayload(&ev)
	if err != nil {
		log.Printf("[hub] dropping %s for %s: %v", ev.Type, ev.StreamKey(), err)
		return
	}
	f := frame{typ: ev.Type, data: data}
	if ev.Candle != nil {
		f.openTime = ev.Candle.OpenTime
	}

	key := ev.StreamKey()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[ChannelOHLCV+"|"+key] {
		s.enqueue(f)
	}
	if signalEvent(ev.Type) {
		for s := range h.subs[ChannelSignals+"|"+key] {
			s.enqueue(f)
		}
		for s := range h.subs[ChannelSignals+"|"] {
			s.enqueue(f)
		}
	}
}

// signalEvent reports whether the type belongs on the signals channel.
func signalEvent(t model.EventType) bool {
	return t == model.EventRepair || t == model.EventGapDetected || t == model.EventGapRepaired
}

func (h *Hub) subscribe(channel, key string, includeOpen bool) (*subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("hub: shutting down")
	}
	s := &subscriber{
		channel:     channel,
		key:         key,
		includeOpen: includeOpen,
		epoch:       strconv.FormatInt(h.now().UnixNano(), 36),
		max:         h.cfg.QueueSize,
		coalesce:    !h.cfg.DisableCoalesce,
		signal:      make(chan struct{}, 1),
		prom:        h.deps.Prom,
	}
	idx := channel + "|" + key
	if h.subs[idx] == nil {
		h.subs[idx] = make(map[*subscriber]struct{})
	}
	h.subs[idx][s] = struct{}{}
	h.deps.Prom.Subscribers.Inc()
	return s, nil
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := s.channel + "|" + s.key
	set, ok := h.subs[idx]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, idx)
	}
	h.deps.Prom.Subscribers.Dec()
}

// shutdown marks the hub closed and terminates every subscriber. Their
// pumps emit the terminal error frame and the handlers close the
// connections.
func (h *Hub) shutdown() {
	h.mu.Lock()
	h.closed = true
	var all []*subscriber
	for _, set := range h.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		s.terminate(reasonShutdown)
	}
	if len(all) > 0 {
		log.Printf("[hub] shutdown, terminating %d subscribers", len(all))
	}
}

// sendSnapshot writes the seq-0 snapshot frame. Events arriving while the
// snapshot is assembled wait in the queue behind it; clients deduplicate
// the overlap by open_time.
func (h *Hub) sendSnapshot(ctx context.Context, s *subscriber, w frameWriter, symbol, interval string) error {
	snap, err := h.deps.Snapshot(ctx, symbol, interval, s.includeOpen)
	if err != nil {
		return fmt.Errorf("hub: snapshot %s:%s: %w", symbol, interval, err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("hub: snapshot %s:%s: %w", symbol, interval, err)
	}
	return h.writeFrame(s, w, frame{typ: model.EventSnapshot, data: data})
}

// candlePayload is the data body for append, partial_update, partial_close
// and repair frames. The latency field rides only on partial_close.
type candlePayload struct {
	*model.Candle
	LatencyMS int64 `json:"latency_ms,omitempty"`
}

// gapPayload is the data body for gap_detected and gap_repaired frames.
// GapNotice carries no key fields of its own, so they are restated here for
// unfiltered signal subscribers.
type gapPayload struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	*model.GapNotice
}

func marshalPayload(ev *model.Event) ([]byte, error) {
	switch ev.Type {
	case model.EventAppend, model.EventPartialUpdate, model.EventPartialClose, model.EventRepair:
		if ev.Candle == nil {
			return nil, fmt.Errorf("%s event without candle", ev.Type)
		}
		return json.Marshal(candlePayload{Candle: ev.Candle, LatencyMS: ev.LatencyMS})
	case model.EventGapDetected, model.EventGapRepaired:
		if ev.Gap == nil {
			return nil, fmt.Errorf("%s event without gap notice", ev.Type)
		}
		return json.Marshal(gapPayload{Symbol: ev.Symbol, Interval: ev.Interval, GapNotice: ev.Gap})
	case model.EventHeartbeat:
		return nil, nil
	default:
		return nil, fmt.Errorf("unroutable event type %q", ev.Type)
	}
}
