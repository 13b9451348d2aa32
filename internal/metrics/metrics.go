package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus instruments for the continuity engine.
type Metrics struct {
	// Stream ingestion
	StreamMessages      prometheus.Counter
	CandlesIngested     prometheus.Counter
	LateFills           prometheus.Counter
	Reconnects          prometheus.Counter
	StreamLag           prometheus.Gauge
	PartialCloseLatency prometheus.Histogram

	// Gap lifecycle
	GapsDetected prometheus.Counter
	GapsMerged   prometheus.Counter
	GapsRepaired prometheus.Counter
	GapMTTR      prometheus.Histogram
	OpenGaps     prometheus.Gauge
	QueueDepth   prometheus.Gauge
	Completeness prometheus.Gauge

	// Backfill
	BackfillPages prometheus.Counter
	BackfillBars  prometheus.Counter

	// Delta and REST read surface
	DeltaRequests *prometheus.CounterVec // labels: truncated
	DeltaLatency  prometheus.Histogram

	// Push hub
	PushEvents    *prometheus.CounterVec // labels: type
	PushDropped   *prometheus.CounterVec // labels: reason
	PushCoalesced prometheus.Counter
	Subscribers   prometheus.Gauge

	// Engine bus backpressure
	BusDrops          *prometheus.CounterVec // labels: subscriber
	ChannelSaturation *prometheus.GaugeVec   // labels: channel_name

	// Redis tail cache
	CacheBreakerState   prometheus.Gauge // 0=closed, 1=open, 2=half-open
	CacheBreakerTrips   prometheus.Counter
	CacheBufferedWrites prometheus.Counter
}

// NewMetrics builds and registers all instruments against reg. Production
// passes prometheus.DefaultRegisterer; tests pass a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StreamMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_stream_messages_total",
			Help: "Total kline frames received from the upstream stream",
		}),
		CandlesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_candles_ingested_total",
			Help: "Finalized candles persisted from the live stream",
		}),
		LateFills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_late_fills_total",
			Help: "Finalized candles that arrived at or behind the continuity pointer",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_stream_reconnects_total",
			Help: "Upstream stream reconnection attempts",
		}),
		StreamLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ohlcv_stream_lag_seconds",
			Help: "Now minus the last finalized open_time",
		}),
		PartialCloseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ohlcv_partial_close_latency_seconds",
			Help:    "First partial sighting to finalization, per bar",
			Buckets: []float64{1, 5, 15, 30, 45, 60, 75, 90, 120},
		}),

		GapsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_gaps_detected_total",
			Help: "Gap segments raised by the consumer or scanner",
		}),
		GapsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_gaps_merged_total",
			Help: "Gap inserts that merged with existing overlapping segments",
		}),
		GapsRepaired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_gaps_repaired_total",
			Help: "Gap segments fully recovered",
		}),
		GapMTTR: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ohlcv_gap_mttr_seconds",
			Help:    "Detection to recovery per gap segment",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400, 86400},
		}),
		OpenGaps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ohlcv_open_gaps",
			Help: "Open plus in-progress gap segments",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ohlcv_orchestrator_queue_depth",
			Help: "Dispatchable gap segments seen at the last orchestrator tick",
		}),
		Completeness: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ohlcv_completeness_ratio",
			Help: "Present over expected bars across the scan horizon",
		}),

		BackfillPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_backfill_pages_total",
			Help: "History pages fetched by backfill",
		}),
		BackfillBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_backfill_bars_total",
			Help: "Bars upserted by backfill",
		}),

		DeltaRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_delta_requests_total",
			Help: "Delta endpoint requests, by truncation outcome",
		}, []string{"truncated"}),
		DeltaLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ohlcv_delta_latency_seconds",
			Help:    "Delta handler latency",
			Buckets: prometheus.DefBuckets,
		}),

		PushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_push_events_total",
			Help: "Envelopes written to push subscribers, by type",
		}, []string{"type"}),
		PushDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_push_dropped_total",
			Help: "Push losses, by reason (slow_consumer, shutdown)",
		}, []string{"reason"}),
		PushCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_push_coalesced_total",
			Help: "Partial updates replaced in-queue under backpressure",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ohlcv_push_subscribers",
			Help: "Currently connected push subscribers",
		}),

		BusDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_bus_drops_total",
			Help: "Droppable events shed by the engine bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ohlcv_channel_saturation_pct",
			Help: "Bus channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		CacheBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ohlcv_cache_circuit_breaker_state",
			Help: "Redis tail cache circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		CacheBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_cache_circuit_breaker_trips_total",
			Help: "Times the tail cache circuit breaker tripped open",
		}),
		CacheBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_cache_buffered_writes_total",
			Help: "Cache writes buffered locally while the breaker was open",
		}),
	}

	reg.MustRegister(
		m.StreamMessages,
		m.CandlesIngested,
		m.LateFills,
		m.Reconnects,
		m.StreamLag,
		m.PartialCloseLatency,
		m.GapsDetected,
		m.GapsMerged,
		m.GapsRepaired,
		m.GapMTTR,
		m.OpenGaps,
		m.QueueDepth,
		m.Completeness,
		m.BackfillPages,
		m.BackfillBars,
		m.DeltaRequests,
		m.DeltaLatency,
		m.PushEvents,
		m.PushDropped,
		m.PushCoalesced,
		m.Subscribers,
		m.BusDrops,
		m.ChannelSaturation,
		m.CacheBreakerState,
		m.CacheBreakerTrips,
		m.CacheBufferedWrites,
	)

	return m
}

// HealthStatus represents engine health for /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	StreamConnected bool
	LastFinalized   time.Time
	ConsumerState   string
	Quarantined     bool

	StoreOK        bool
	StoreLatencyMs float64

	RedisEnabled   bool
	RedisConnected bool
	RedisLatencyMs float64

	LastCheckAt time.Time
	StartedAt   time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetStreamConnected(v bool) {
	h.mu.Lock()
	h.StreamConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastFinalized(t time.Time) {
	h.mu.Lock()
	h.LastFinalized = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetConsumerState(s string) {
	h.mu.Lock()
	h.ConsumerState = s
	h.mu.Unlock()
}

func (h *HealthStatus) SetQuarantined(v bool) {
	h.mu.Lock()
	h.Quarantined = v
	h.mu.Unlock()
}

// CheckStore runs the store's ping and records latency + health. The ping
// func abstracts over the Postgres pool and the SQLite handle.
func (h *HealthStatus) CheckStore(ctx context.Context, ping func(context.Context) error) {
	start := time.Now()
	err := ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.StoreOK = err == nil
	h.StoreLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckRedis pings the tail cache and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Pass a nil rdb when
// the tail cache is not configured.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, storePing func(context.Context) error, rdb *goredis.Client, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if storePing != nil {
					h.CheckStore(probeCtx, storePing)
				}
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint. The store is the system of
// record: losing it is unhealthy, everything else degrades.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.StreamConnected || h.Quarantined || (h.RedisEnabled && !h.RedisConnected) {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.StoreOK {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	finalAge := ""
	if !h.LastFinalized.IsZero() {
		finalAge = time.Since(h.LastFinalized).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		StreamConnected bool    `json:"stream_connected"`
		ConsumerState   string  `json:"consumer_state"`
		Quarantined     bool    `json:"quarantined"`
		LastFinalized   string  `json:"last_finalized"`
		FinalizedAge    string  `json:"finalized_age"`
		StoreOK         bool    `json:"store_ok"`
		StoreLatencyMs  float64 `json:"store_latency_ms"`
		RedisEnabled    bool    `json:"redis_enabled"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		StreamConnected: h.StreamConnected,
		ConsumerState:   h.ConsumerState,
		Quarantined:     h.Quarantined,
		LastFinalized:   h.LastFinalized.Format(time.RFC3339),
		FinalizedAge:    finalAge,
		StoreOK:         h.StoreOK,
		StoreLatencyMs:  h.StoreLatencyMs,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
