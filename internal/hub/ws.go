package hub

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"ohlcv-systemv1/internal/model"
)

const (
	// pongWait bounds the gap between inbound frames. The pump pings on the
	// heartbeat ticker, so the configured cadence must stay below this.
	pongWait = 60 * time.Second

	// maxInbound caps client frames; subscribers only send control traffic.
	maxInbound = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS handles /ws/ohlcv?symbol&interval&include_open: upgrade, snapshot
// at seq 0, then the live envelope flow until the client leaves or the hub
// shuts down.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	interval := q.Get("interval")
	if symbol == "" || !model.KnownInterval(interval) {
		http.Error(w, `{"error":"symbol and a known interval are required","code":400}`, http.StatusBadRequest)
		return
	}
	includeOpen := q.Get("include_open") == "true"

	s, err := h.subscribe(ChannelOHLCV, symbol+":"+interval, includeOpen)
	if err != nil {
		http.Error(w, `{"error":"shutting down","code":503}`, http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.unsubscribe(s)
		log.Printf("[hub] ws upgrade: %v", err)
		return
	}
	defer func() {
		h.unsubscribe(s)
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readPump(conn, cancel)

	wr := &wsWriter{conn: conn, timeout: h.cfg.WriteTimeout}
	if err := h.sendSnapshot(ctx, s, wr, symbol, interval); err != nil {
		log.Printf("[hub] ws %s:%s epoch %s: %v", symbol, interval, s.epoch, err)
		return
	}
	log.Printf("[hub] ws subscriber %s:%s epoch %s include_open=%v", symbol, interval, s.epoch, includeOpen)

	h.writePump(ctx, s, wr)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// readPump consumes inbound traffic so pong handling stays alive, and
// cancels the connection context when the peer goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxInbound)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// wsWriter adapts a websocket connection to the pump's frameWriter.
type wsWriter struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (w *wsWriter) WriteFrame(payload []byte) error {
	w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsWriter) Ping() error {
	w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}
