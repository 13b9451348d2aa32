package hub

import (
	"fmt"
	"log"
	"net/http"

	"ohlcv-systemv1/internal/model"
)

// ServeSSE handles /stream/signals over text/event-stream with the same
// envelope as the WS endpoint, for consumers that cannot hold a socket
// upgrade. Without a symbol filter the subscriber sees repairs and gap
// notices for every key; there is no snapshot, so the first frame carries
// seq 0.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported","code":500}`, http.StatusInternalServerError)
		return
	}
	q := r.URL.Query()
	symbol := q.Get("symbol")
	interval := q.Get("interval")
	key := ""
	if symbol != "" || interval != "" {
		if symbol == "" || !model.KnownInterval(interval) {
			http.Error(w, `{"error":"filter needs symbol and a known interval","code":400}`, http.StatusBadRequest)
			return
		}
		key = symbol + ":" + interval
	}

	s, err := h.subscribe(ChannelSignals, key, false)
	if err != nil {
		http.Error(w, `{"error":"shutting down","code":503}`, http.StatusServiceUnavailable)
		return
	}
	defer h.unsubscribe(s)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	log.Printf("[hub] sse subscriber key=%q epoch %s", key, s.epoch)
	h.writePump(r.Context(), s, &sseWriter{w: w, fl: fl})
}

// sseWriter frames envelopes as SSE data lines. Ping is a comment line:
// proxies see traffic without the client burning a seq.
type sseWriter struct {
	w  http.ResponseWriter
	fl http.Flusher
}

func (s *sseWriter) WriteFrame(payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.fl.Flush()
	return nil
}

func (s *sseWriter) Ping() error {
	if _, err := s.w.Write([]byte(": ping\n\n")); err != nil {
		return err
	}
	s.fl.Flush()
	return nil
}
