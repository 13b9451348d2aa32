// Package sim hosts a local kline WebSocket feed that speaks the exchange
// wire format. Staging runs point the stream adapter at it instead of the
// real exchange; fault knobs produce gaps, duplicate finals and late fills
// on demand. The simulated clock is compressed: open times advance one full
// interval per BarEvery of wall time.
package sim

import (
	"context"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ohlcv-systemv1/internal/model"
	"ohlcv-systemv1/internal/upstream/binance"
)

// Config controls the simulated series and its fault schedule.
type Config struct {
	Symbol        string
	Interval      string
	StartPrice    float64
	StartOpenTime int64         // epoch ms, aligned to the interval grid; default: current bar
	BarEvery      time.Duration // wall time per simulated bar, default 1s
	TicksPerBar   int           // partial updates emitted inside each bar, default 4

	DropEvery int   // withhold every Nth final (creates a gap); 0 disables
	LateAfter int   // re-emit withheld finals this many bars later; 0 means lost for good
	DupEvery  int   // send every Nth final twice; 0 disables
	Seed      int64 // price walk seed, 0 seeds from wallclock
}

func (c *Config) fill() error {
	if c.Symbol == "" {
		c.Symbol = "XRPUSDT"
	}
	c.Symbol = strings.ToUpper(c.Symbol)
	if c.Interval == "" {
		c.Interval = "1m"
	}
	step, err := model.IntervalMS(c.Interval)
	if err != nil {
		return err
	}
	if c.StartPrice <= 0 {
		c.StartPrice = 1.00
	}
	if c.StartOpenTime <= 0 {
		c.StartOpenTime = model.AlignOpenTime(time.Now().UnixMilli(), step)
	}
	if c.BarEvery <= 0 {
		c.BarEvery = time.Second
	}
	if c.TicksPerBar <= 0 {
		c.TicksPerBar = 4
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return nil
}

// Server broadcasts the simulated feed to every connected WebSocket client.
type Server struct {
	cfg  Config
	step int64
	feed *feed

	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

// New builds a simulator server. Run must be started for frames to flow.
func New(cfg Config) (*Server, error) {
	if err := cfg.fill(); err != nil {
		return nil, err
	}
	step, _ := model.IntervalMS(cfg.Interval)
	return &Server{
		cfg:     cfg,
		step:    step,
		feed:    newFeed(cfg, step),
		clients: make(map[*websocket.Conn]chan []byte),
	}, nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// ServeHTTP upgrades /ws/... paths the way the exchange's combined stream
// endpoint is addressed, so the adapter dials the simulator unchanged.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/ws") {
		http.NotFound(w, r)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[sim] upgrade error: %v", err)
		return
	}
	log.Printf("[sim] client connected: %s", r.RemoteAddr)

	ch := s.register(conn)
	defer func() {
		s.unregister(conn)
		conn.Close()
		log.Printf("[sim] client disconnected: %s", r.RemoteAddr)
	}()

	// Reader drains control frames and client pings until the peer goes away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.unregister(conn)
				return
			}
		}
	}()

	for msg := range ch {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (s *Server) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	s.mu.Lock()
	s.clients[conn] = ch
	s.mu.Unlock()
	return ch
}

func (s *Server) unregister(conn *websocket.Conn) {
	s.mu.Lock()
	if ch, ok := s.clients[conn]; ok {
		close(ch)
		delete(s.clients, conn)
	}
	s.mu.Unlock()
}

func (s *Server) broadcast(msg []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.clients {
		select {
		case ch <- msg:
		default: // slow client, drop frame
		}
	}
}

// Run paces the feed over wall time until ctx is canceled. Each bar's
// emissions (partials, the final, any due late fills) spread evenly across
// BarEvery.
func (s *Server) Run(ctx context.Context) error {
	log.Printf("[sim] feeding %s@%s: bar every %s, drop=%d late=%d dup=%d",
		s.cfg.Symbol, s.cfg.Interval, s.cfg.BarEvery, s.cfg.DropEvery, s.cfg.LateAfter, s.cfg.DupEvery)
	for {
		emissions := s.feed.nextBar()
		pace := s.cfg.BarEvery / time.Duration(len(emissions)+1)
		for _, c := range emissions {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pace):
			}
			raw, err := binance.EncodeKlineFrame(c, time.Now().UnixMilli())
			if err != nil {
				log.Printf("[sim] encode: %v", err)
				continue
			}
			s.broadcast(raw)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pace):
		}
	}
}

// ── Feed schedule ──
// The emission order is deterministic given the seed, which keeps staging
// incidents reproducible.

type lateFill struct {
	c   model.Candle
	due int // barSeq at which the withheld final resurfaces
}

type feed struct {
	cfg    Config
	step   int64
	rng    *rand.Rand
	open   int64
	price  float64
	barSeq int
	late   []lateFill
}

func newFeed(cfg Config, step int64) *feed {
	return &feed{
		cfg:   cfg,
		step:  step,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		open:  cfg.StartOpenTime,
		price: cfg.StartPrice,
	}
}

// nextBar returns the ordered emissions for one simulated bar: TicksPerBar
// partial snapshots, then the final (unless this bar is scheduled to drop),
// then any late fills that come due.
func (f *feed) nextBar() []model.Candle {
	c := model.Candle{
		Symbol:    f.cfg.Symbol,
		Interval:  f.cfg.Interval,
		OpenTime:  f.open,
		CloseTime: f.open + f.step - 1,
		Open:      f.price,
		High:      f.price,
		Low:       f.price,
		Close:     f.price,
	}

	var out []model.Candle
	for i := 0; i < f.cfg.TicksPerBar; i++ {
		f.price = f.walk(f.price)
		c.Close = f.price
		if f.price > c.High {
			c.High = f.price
		}
		if f.price < c.Low {
			c.Low = f.price
		}
		c.Volume += f.rng.Float64() * 10
		c.TradeCount += int64(f.rng.Intn(40) + 1)
		out = append(out, c) // partial: IsClosed stays false
	}

	c.IsClosed = true
	f.barSeq++
	if f.cfg.DropEvery > 0 && f.barSeq%f.cfg.DropEvery == 0 {
		if f.cfg.LateAfter > 0 {
			f.late = append(f.late, lateFill{c: c, due: f.barSeq + f.cfg.LateAfter})
		}
		log.Printf("[sim] withholding final %s@%d (bar %d)", c.Symbol, c.OpenTime, f.barSeq)
	} else {
		out = append(out, c)
		if f.cfg.DupEvery > 0 && f.barSeq%f.cfg.DupEvery == 0 {
			out = append(out, c)
		}
	}

	rest := f.late[:0]
	for _, lf := range f.late {
		if lf.due <= f.barSeq {
			log.Printf("[sim] late fill %s@%d (bar %d)", lf.c.Symbol, lf.c.OpenTime, f.barSeq)
			out = append(out, lf.c)
		} else {
			rest = append(rest, lf)
		}
	}
	f.late = rest

	f.open += f.step
	return out
}

// walk applies a small random move, floored away from zero.
func (f *feed) walk(price float64) float64 {
	pct := (f.rng.Float64()*0.2 - 0.1) / 100.0
	next := price * (1 + pct)
	if next < 0.0001 {
		next = 0.0001
	}
	return next
}
