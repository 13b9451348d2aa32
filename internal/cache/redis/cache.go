// Package redis keeps a hot tail of the canonical series in Redis: the
// newest finalized bars in a capped stream plus the in-progress bar under
// a TTL key. The cache is advisory; writes run through a circuit breaker
// with a local backlog so a Redis outage never stalls ingestion, and
// readers fall back to the canonical store when the tail runs short.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"ohlcv-systemv1/internal/metrics"
	"ohlcv-systemv1/internal/model"
)

type Config struct {
	Addr     string
	Password string
	DB       int

	// PartialTTL bounds how long a stale in-progress bar survives a quiet
	// line.
	PartialTTL time.Duration
	// TailMaxLen caps each tail stream; trimming is approximate.
	TailMaxLen int64
	// BreakerThreshold consecutive write failures trip the breaker;
	// BreakerCooldown is the wait before the half-open probe.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// BacklogMax caps writes held while the breaker is open. The oldest
	// are dropped beyond it.
	BacklogMax int
}

func (c *Config) fill() {
	if c.PartialTTL <= 0 {
		c.PartialTTL = 5 * time.Minute
	}
	if c.TailMaxLen <= 0 {
		c.TailMaxLen = 1500
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 10 * time.Second
	}
	if c.BacklogMax <= 0 {
		c.BacklogMax = 10000
	}
}

// Cache is the write-through hot tail. One goroutine feeds it from the
// bus via Run; the readers are safe for concurrent use.
type Cache struct {
	cfg    Config
	client *goredis.Client
	cb     *Breaker
	prom   *metrics.Metrics

	mu      sync.Mutex
	backlog []model.Event

	write func(ctx context.Context, ev model.Event) error // test hook
}

func New(cfg Config, prom *metrics.Metrics) (*Cache, error) {
	if prom == nil {
		return nil, errors.New("cache: nil metrics")
	}
	cfg.fill()
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	log.Printf("[cache] connected to %s", cfg.Addr)

	c := &Cache{cfg: cfg, client: client, prom: prom}
	c.write = c.writeRedis
	c.initBreaker()
	return c, nil
}

func (c *Cache) initBreaker() {
	c.cb = NewBreaker(c.cfg.BreakerThreshold, c.cfg.BreakerCooldown)
	c.cb.OnStateChange = func(from, to BreakerState) {
		c.prom.CacheBreakerState.Set(float64(to))
		switch to {
		case BreakerOpen:
			c.prom.CacheBreakerTrips.Inc()
			log.Printf("[cache] breaker %s -> %s, buffering writes", from, to)
		case BreakerClosed:
			// Flush must leave the breaker lock before it can Execute.
			go c.flush(context.Background())
		}
	}
}

// Run applies bus events to the cache until ctx ends or the channel
// closes. Only candle-bearing events touch Redis.
func (c *Cache) Run(ctx context.Context, events <-chan model.Event) {
	log.Printf("[cache] write-through started")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.apply(ctx, ev)
		}
	}
}

func (c *Cache) apply(ctx context.Context, ev model.Event) {
	switch ev.Type {
	case model.EventAppend, model.EventPartialClose, model.EventRepair, model.EventPartialUpdate:
	default:
		return
	}
	if ev.Candle == nil {
		return
	}
	err := c.cb.Execute(func() error { return c.write(ctx, ev) })
	if err == nil {
		return
	}
	if errors.Is(err, ErrBreakerOpen) {
		c.buffer(ev)
		return
	}
	log.Printf("[cache] write %s %s@%d: %v", ev.Type, ev.StreamKey(), ev.Candle.OpenTime, err)
}

func (c *Cache) writeRedis(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev.Candle)
	if err != nil {
		return fmt.Errorf("cache: marshal candle: %w", err)
	}
	payload := string(data)
	if ev.Type == model.EventPartialUpdate {
		return c.client.Set(ctx, partialKey(ev.Symbol, ev.Interval), payload, c.cfg.PartialTTL).Err()
	}

	pipe := c.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: tailKey(ev.Symbol, ev.Interval),
		MaxLen: c.cfg.TailMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": payload},
	})
	// The bar just finalized, so any cached partial for it is stale. Bus
	// order guarantees the next bar's partial arrives after this delete.
	pipe.Del(ctx, partialKey(ev.Symbol, ev.Interval))
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Cache) buffer(ev model.Event) {
	c.mu.Lock()
	if len(c.backlog) >= c.cfg.BacklogMax {
		c.backlog = c.backlog[1:]
	}
	c.backlog = append(c.backlog, ev)
	c.mu.Unlock()
	c.prom.CacheBufferedWrites.Inc()
}

// flush replays the backlog in bus order once the breaker closes. The
// probe write that closed the breaker has already landed, so a replayed
// partial can briefly shadow it; the TTL and the next live update bound
// the staleness.
func (c *Cache) flush(ctx context.Context) {
	c.mu.Lock()
	pending := c.backlog
	c.backlog = nil
	c.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	flushed := 0
	for _, ev := range pending {
		if err := c.write(ctx, ev); err != nil {
			log.Printf("[cache] flush %s@%d: %v", ev.StreamKey(), ev.Candle.OpenTime, err)
			continue
		}
		flushed++
	}
	log.Printf("[cache] flushed %d/%d buffered writes", flushed, len(pending))
}

// Backlog returns the number of writes waiting for the breaker to close.
func (c *Cache) Backlog() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.backlog)
}

// Tail returns up to n of the newest finalized bars in ascending order.
// Repairs append a second stream entry for the same open, so the
// newest-first walk dedupes by open time before sorting.
func (c *Cache) Tail(ctx context.Context, symbol, interval string, n int) ([]model.Candle, error) {
	if n <= 0 {
		return nil, nil
	}
	// Fetch double to leave dedupe slack on repair-heavy tails.
	msgs, err := c.client.XRevRangeN(ctx, tailKey(symbol, interval), "+", "-", int64(n)*2).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: tail read: %w", err)
	}
	seen := make(map[int64]bool, len(msgs))
	out := make([]model.Candle, 0, n)
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var cd model.Candle
		if err := json.Unmarshal([]byte(data), &cd); err != nil {
			continue
		}
		if seen[cd.OpenTime] {
			continue
		}
		seen[cd.OpenTime] = true
		out = append(out, cd)
		if len(out) == n {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out, nil
}

// LatestPartial returns the cached in-progress bar, or nil when none is
// cached or the TTL expired.
func (c *Cache) LatestPartial(ctx context.Context, symbol, interval string) (*model.Candle, error) {
	data, err := c.client.Get(ctx, partialKey(symbol, interval)).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: partial read: %w", err)
	}
	var cd model.Candle
	if err := json.Unmarshal([]byte(data), &cd); err != nil {
		return nil, fmt.Errorf("cache: partial decode: %w", err)
	}
	return &cd, nil
}

// Ping probes the connection for the liveness checker.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Client returns the underlying Redis client for health checks.
func (c *Cache) Client() *goredis.Client { return c.client }

func (c *Cache) Close() error {
	return c.client.Close()
}

func partialKey(symbol, interval string) string {
	return "ohlcv:partial:" + symbol + ":" + interval
}

func tailKey(symbol, interval string) string {
	return "ohlcv:tail:" + symbol + ":" + interval
}
