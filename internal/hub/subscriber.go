package hub

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"ohlcv-systemv1/internal/metrics"
	"ohlcv-systemv1/internal/model"
)

// Drop reasons surfaced in the terminal error frame and the drop counter.
const (
	reasonSlowConsumer = "slow_consumer"
	reasonBackpressure = "backpressure"
	reasonShutdown     = "server_shutdown"
)

// errTerminated marks a connection the hub decided to close; the pump
// returns after writing the terminal error frame.
var errTerminated = errors.New("hub: subscriber terminated")

// frame is one queued delivery. data is the pre-marshalled payload shared
// across subscribers; seq and epoch differ per connection, so the envelope
// around it is built at write time.
type frame struct {
	typ      model.EventType
	data     []byte
	openTime int64 // coalescing key for partial updates
}

// frameWriter is the transport half of a connection. WebSocket and SSE both
// implement it, so one pump serves either.
type frameWriter interface {
	WriteFrame(payload []byte) error
	// Ping emits a transport keepalive that does not consume a seq.
	Ping() error
}

// subscriber is one push connection. enqueue runs on the dispatcher under
// the hub's read lock; next and the seq counter are touched only by the
// connection's pump goroutine.
type subscriber struct {
	channel     string
	key         string // "SYMBOL:interval", empty for unfiltered signals
	includeOpen bool
	coalesce    bool
	epoch       string

	mu         sync.Mutex
	queue      []frame
	dead       bool
	dropReason string

	max    int
	seq    uint64
	signal chan struct{} // cap 1, wakes the pump
	prom   *metrics.Metrics
}

// enqueue appends a frame, replacing a tail partial for the same bar
// instead of queueing a second one. When the queue is full, droppable
// frames are shed; a must-deliver frame with nowhere to go kills the
// subscriber, because delivering it late and out of order is worse than an
// explicit resync.
func (s *subscriber) enqueue(f frame) {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return
	}
	if s.coalesce && f.typ == model.EventPartialUpdate {
		if n := len(s.queue); n > 0 {
			last := &s.queue[n-1]
			if last.typ == model.EventPartialUpdate && last.openTime == f.openTime {
				*last = f
				s.mu.Unlock()
				s.prom.PushCoalesced.Inc()
				s.wake()
				return
			}
		}
	}
	if len(s.queue) >= s.max {
		if droppable(f.typ) {
			s.mu.Unlock()
			s.prom.PushDropped.WithLabelValues(reasonBackpressure).Inc()
			return
		}
		s.dead = true
		s.dropReason = reasonSlowConsumer
		lost := len(s.queue) + 1
		s.queue = nil
		s.mu.Unlock()
		s.prom.PushDropped.WithLabelValues(reasonSlowConsumer).Add(float64(lost))
		s.wake()
		return
	}
	s.queue = append(s.queue, f)
	s.mu.Unlock()
	s.wake()
}

func droppable(t model.EventType) bool {
	return t == model.EventPartialUpdate || t == model.EventHeartbeat
}

// terminate marks the subscriber for closure. Queued frames are discarded
// and counted as drops; the client rebuilds from a snapshot on reconnect,
// so delivering a stale prefix buys nothing.
func (s *subscriber) terminate(reason string) {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return
	}
	s.dead = true
	s.dropReason = reason
	lost := len(s.queue)
	s.queue = nil
	s.mu.Unlock()
	if lost > 0 {
		s.prom.PushDropped.WithLabelValues(reason).Add(float64(lost))
	}
	s.wake()
}

func (s *subscriber) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// next pops the oldest frame. An empty queue with a set reason tells the
// pump to emit the terminal error and stop.
func (s *subscriber) next() (frame, bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		if s.dead {
			return frame{}, false, s.dropReason
		}
		return frame{}, false, ""
	}
	f := s.queue[0]
	s.queue = s.queue[1:]
	return f, true, ""
}

// writePump is the single sender for one connection. It drains the queue in
// order and heartbeats when the line has been quiet for a full cadence;
// a tick within half a cadence of a real write only pings the transport.
func (h *Hub) writePump(ctx context.Context, s *subscriber, w frameWriter) {
	ticker := time.NewTicker(h.cfg.Heartbeat)
	defer ticker.Stop()
	last := h.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.signal:
			n, err := h.drain(s, w)
			if n > 0 {
				last = h.now()
			}
			if err != nil {
				return
			}
		case <-ticker.C:
			if err := w.Ping(); err != nil {
				return
			}
			if h.now().Sub(last) < h.cfg.Heartbeat/2 {
				continue
			}
			if err := h.writeFrame(s, w, frame{typ: model.EventHeartbeat}); err != nil {
				return
			}
			last = h.now()
		}
	}
}

// drain writes queued frames until the queue is empty, ending with the
// terminal error frame when the subscriber was cut off.
func (h *Hub) drain(s *subscriber, w frameWriter) (int, error) {
	wrote := 0
	for {
		f, ok, reason := s.next()
		if !ok {
			if reason != "" {
				h.writeFrame(s, w, errorFrame(reason, s.epoch))
				return wrote, errTerminated
			}
			return wrote, nil
		}
		if err := h.writeFrame(s, w, f); err != nil {
			return wrote, err
		}
		wrote++
	}
}

// writeFrame envelopes one frame and pushes it through the transport. The
// seq counter moves only here, immediately before the write barrier.
func (h *Hub) writeFrame(s *subscriber, w frameWriter, f frame) error {
	buf := make([]byte, 0, len(f.data)+96)
	buf = appendEnvelope(buf, f.typ, s.seq, s.epoch, h.now().UnixMilli(), s.channel, f.data)
	s.seq++
	if err := w.WriteFrame(buf); err != nil {
		return err
	}
	h.deps.Prom.PushEvents.WithLabelValues(string(f.typ)).Inc()
	return nil
}

// appendEnvelope builds the wire envelope by hand; payloads are already
// JSON, so wrapping them avoids a second marshal on the hot path.
func appendEnvelope(buf []byte, typ model.EventType, seq uint64, epoch string, serverTime int64, channel string, data []byte) []byte {
	buf = append(buf, `{"type":"`...)
	buf = append(buf, string(typ)...)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendUint(buf, seq, 10)
	buf = append(buf, `,"epoch":"`...)
	buf = append(buf, epoch...)
	buf = append(buf, `","server_time":`...)
	buf = strconv.AppendInt(buf, serverTime, 10)
	buf = append(buf, `,"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, '"')
	if len(data) > 0 {
		buf = append(buf, `,"data":`...)
		buf = append(buf, data...)
	}
	buf = append(buf, '}')
	return buf
}

// errorPayload is the data body of a terminal error frame. The epoch doubles
// as the request id, being the connection's only server-issued token.
type errorPayload struct {
	Code      int    `json:"code"`
	Reason    string `json:"reason"`
	RequestID string `json:"request_id"`
}

func errorFrame(reason, requestID string) frame {
	code := 500
	switch reason {
	case reasonSlowConsumer:
		code = 429
	case reasonShutdown:
		code = 503
	}
	data, _ := json.Marshal(errorPayload{Code: code, Reason: reason, RequestID: requestID})
	return frame{typ: model.EventError, data: data}
}
