// Command ohlcvd runs the OHLCV continuity engine for one (symbol, interval):
// live kline ingestion, gap detection and repair, horizon scanning, historical
// backfill, the REST read surface and the WS/SSE push hub, in a single process.
package main

import (
	"context"
	"log"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ohlcv-systemv1/config"
	"ohlcv-systemv1/internal/api"
	"ohlcv-systemv1/internal/backfill"
	"ohlcv-systemv1/internal/bus"
	tailcache "ohlcv-systemv1/internal/cache/redis"
	"ohlcv-systemv1/internal/consumer"
	"ohlcv-systemv1/internal/hub"
	"ohlcv-systemv1/internal/logger"
	"ohlcv-systemv1/internal/metrics"
	"ohlcv-systemv1/internal/model"
	"ohlcv-systemv1/internal/notification"
	"ohlcv-systemv1/internal/orchestrator"
	"ohlcv-systemv1/internal/scanner"
	pgstore "ohlcv-systemv1/internal/store/postgres"
	sqlitestore "ohlcv-systemv1/internal/store/sqlite"
	"ohlcv-systemv1/internal/upstream"
	"ohlcv-systemv1/internal/upstream/binance"
)

const (
	// snapshotTail bounds the finalized tail handed to new push subscribers.
	snapshotTail = 120

	// simStreamURL is where a local streamsim listens by default.
	simStreamURL = "ws://127.0.0.1:9010"

	// History permits: pages cost 2, so this allows bursts of 10 pages and
	// a sustained rate well inside the exchange weight budget.
	permitBurst  = 20
	permitPerSec = 5
)

// engineStore is the persistence surface the engine wires everywhere.
// Both backends implement it on one handle.
type engineStore interface {
	model.CandleStore
	model.GapRepo
	model.RunStore
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	logger.Init("ohlcvd", slog.LevelInfo)
	log.Println("[ohlcvd] starting...")

	cfg := config.Load()
	if _, err := model.IntervalMS(cfg.Interval); err != nil {
		log.Fatalf("[ohlcvd] bad INTERVAL: %v", err)
	}
	if cfg.StagingMode {
		log.Println("[ohlcvd] *** STAGING MODE: upstream defaults to the local simulator ***")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Metrics and health ----
	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Canonical store and advisory locker ----
	var (
		store      engineStore
		locker     model.AdvisoryLocker
		storePing  func(context.Context) error
		storeKind  string
		closeStore func() error
	)
	if cfg.PostgresDSN != "" {
		pg, err := pgstore.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("[ohlcvd] postgres init failed: %v", err)
		}
		store = pg
		locker = pg.NewAdvisoryLock()
		storePing = pg.Pool().Ping
		closeStore = pg.Close
		storeKind = "postgres"
	} else {
		os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
		st, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath})
		if err != nil {
			log.Fatalf("[ohlcvd] sqlite init failed: %v", err)
		}
		store = st
		locker = sqlitestore.NewProcessLock()
		storePing = st.DB().PingContext
		closeStore = st.Close
		storeKind = "sqlite"
	}
	defer closeStore()
	health.CheckStore(ctx, storePing)
	log.Printf("[ohlcvd] canonical store ready (%s)", storeKind)

	// ---- Alerting ----
	sinks := notification.Multi{notification.NewLogNotifier()}
	if cfg.AlertWebhookURL != "" {
		sinks = append(sinks, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
		log.Println("[ohlcvd] alert webhook enabled")
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		sinks = append(sinks, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
		log.Println("[ohlcvd] telegram alerts enabled")
	}
	var notify notification.Notifier = sinks

	// ---- Redis tail cache (advisory; engine runs fine without it) ----
	var cache *tailcache.Cache
	if cfg.RedisAddr != "" {
		c, err := tailcache.New(tailcache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}, prom)
		if err != nil {
			log.Printf("[ohlcvd] WARNING: tail cache init failed: %v (continuing without cache)", err)
		} else {
			cache = c
		}
	}

	// ---- Periodic liveness checks ----
	if cache != nil {
		health.StartLivenessChecker(ctx, storePing, cache.Client(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, storePing, nil, 10*time.Second)
	}

	// ---- Event bus ----
	events := make(chan model.Event, 4096)
	fan := bus.New()
	fan.OnDrop = func(name string) {
		prom.BusDrops.WithLabelValues(name).Inc()
	}
	hubCh := fan.Subscribe("hub", 1024)
	var cacheCh <-chan model.Event
	if cache != nil {
		cacheCh = fan.Subscribe("cache", 1024)
	}
	go fan.Run(ctx, events)

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range fan.ChannelStats() {
					if s.Cap > 0 {
						pct := float64(s.Len) / float64(s.Cap) * 100
						prom.ChannelSaturation.WithLabelValues(s.Name).Set(pct)
					}
				}
			}
		}
	}()

	// ---- Live stream consumer ----
	streamURL := cfg.UpstreamWSURL
	if cfg.StagingMode && streamURL == "" {
		streamURL = simStreamURL
	}
	source := binance.NewStream(binance.StreamConfig{BaseURL: streamURL})

	cons, err := consumer.New(consumer.Config{
		Symbol:   cfg.Symbol,
		Interval: cfg.Interval,
	}, consumer.Deps{
		Source: source,
		Store:  store,
		Gaps:   store,
		Events: events,
		Prom:   prom,
		Health: health,
		Notify: notify,
	})
	if err != nil {
		log.Fatalf("[ohlcvd] consumer init failed: %v", err)
	}
	go func() {
		if err := cons.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[ohlcvd] consumer stopped: %v", err)
		}
	}()

	// ---- Backfill: historian, limiter, worker, runner ----
	hist := binance.NewHistory(binance.HistoryConfig{
		BaseURL:   cfg.UpstreamRESTURL,
		PageLimit: cfg.BackfillPageSize,
	})
	limiter := upstream.NewTokenBucket(permitBurst, permitPerSec)

	bfDeps := backfill.Deps{
		Hist:    hist,
		Limiter: limiter,
		Store:   store,
		Gaps:    store,
		Runs:    store,
		Events:  events,
		Prom:    prom,
	}
	bfCfg := backfill.Config{
		MaxPages:     cfg.BackfillMaxPages,
		RetryMax:     cfg.BackfillRetryMax,
		RetryBackoff: cfg.BackfillRetryBackoff,
	}
	worker, err := backfill.NewWorker(bfCfg, bfDeps)
	if err != nil {
		log.Fatalf("[ohlcvd] backfill worker init failed: %v", err)
	}
	runner, err := backfill.NewRunner(bfCfg, bfDeps)
	if err != nil {
		log.Fatalf("[ohlcvd] backfill runner init failed: %v", err)
	}

	// ---- Gap orchestrator ----
	orch, err := orchestrator.New(orchestrator.Config{
		Symbol:       cfg.Symbol,
		Interval:     cfg.Interval,
		Concurrency:  cfg.BackfillConcurrency,
		PollInterval: cfg.OrchPollInterval,
		LockKey:      cfg.StoreLockKey,
	}, orchestrator.Deps{
		Locker: locker,
		Gaps:   store,
		Worker: worker,
		Prom:   prom,
		Notify: notify,
	})
	if err != nil {
		log.Fatalf("[ohlcvd] orchestrator init failed: %v", err)
	}
	go func() {
		if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[ohlcvd] orchestrator stopped: %v", err)
		}
	}()

	// ---- Continuity scanner ----
	scan, err := scanner.New(scanner.Config{
		Symbol:      cfg.Symbol,
		Interval:    cfg.Interval,
		HorizonDays: cfg.ScannerHorizonDays,
		Schedule:    cfg.ScannerSchedule,
	}, scanner.Deps{
		Store:  store,
		Gaps:   store,
		Events: events,
		Prom:   prom,
	})
	if err != nil {
		log.Fatalf("[ohlcvd] scanner init failed: %v", err)
	}
	go func() {
		if err := scan.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[ohlcvd] scanner stopped: %v", err)
		}
	}()

	// ---- Tail cache writer ----
	if cache != nil {
		go cache.Run(ctx, cacheCh)
	}

	// ---- Push hub ----
	snapshot := func(ctx context.Context, symbol, interval string, includeOpen bool) (*model.Snapshot, error) {
		snap := &model.Snapshot{Symbol: symbol, Interval: interval}
		if cache != nil {
			// A short tail means the cache is still warming; the store
			// serves the full window instead.
			if tail, err := cache.Tail(ctx, symbol, interval, snapshotTail); err == nil && len(tail) == snapshotTail {
				snap.Candles = tail
			}
		}
		if snap.Candles == nil {
			candles, err := store.GetBefore(ctx, symbol, interval, math.MaxInt64, snapshotTail)
			if err != nil {
				return nil, err
			}
			snap.Candles = candles
		}
		if includeOpen && symbol == cfg.Symbol && interval == cfg.Interval {
			snap.Partial = cons.Partial()
		}
		return snap, nil
	}
	push, err := hub.New(hub.Config{
		Heartbeat:       cfg.PushHeartbeat,
		QueueSize:       cfg.PushQueueSize,
		DisableCoalesce: !cfg.PushPartialCoalesce,
	}, hub.Deps{
		Snapshot: snapshot,
		Prom:     prom,
	})
	if err != nil {
		log.Fatalf("[ohlcvd] hub init failed: %v", err)
	}
	go push.Run(ctx, hubCh)

	// ---- REST API ----
	var tailRead func(ctx context.Context, symbol, interval string, n int) ([]model.Candle, error)
	if cache != nil {
		tailRead = cache.Tail
	}
	apiSrv, err := api.New(api.Config{
		LimitMax:   cfg.DeltaLimitMax,
		TOTPSecret: cfg.AdminTOTPSecret,
	}, api.Deps{
		Store: store,
		Gaps:  store,
		Runs:  store,
		Partial: func(symbol, interval string) *model.Candle {
			if symbol != cfg.Symbol || interval != cfg.Interval {
				return nil
			}
			return cons.Partial()
		},
		Tail: tailRead,
		Launch: func(run model.BackfillRun) {
			go func() {
				if err := runner.Run(ctx, run); err != nil && ctx.Err() == nil {
					log.Printf("[ohlcvd] backfill run #%d failed: %v", run.ID, err)
				}
			}()
		},
		Sweep: scan.RunOnce,
		Prom:  prom,
	})
	if err != nil {
		log.Fatalf("[ohlcvd] api init failed: %v", err)
	}

	mux := http.NewServeMux()
	apiSrv.RegisterRoutes(mux)
	mux.HandleFunc("/ws/ohlcv", push.ServeWS)
	mux.HandleFunc("/stream/signals", push.ServeSSE)

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		log.Printf("[ohlcvd] serving at http://localhost%s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[ohlcvd] http server error: %v", err)
		}
	}()

	mode := "production"
	if cfg.StagingMode {
		mode = "staging"
	}
	cacheState := "off"
	if cache != nil {
		cacheState = cfg.RedisAddr
	}
	log.Println("[ohlcvd] ╔════════════════════════════════════════════════════════════╗")
	log.Printf("[ohlcvd] ║  OHLCV continuity engine (%-32s ║", mode+")")
	log.Printf("[ohlcvd] ║  series: %-49s ║", cfg.Symbol+"@"+cfg.Interval)
	log.Printf("[ohlcvd] ║  store: %-50s ║", storeKind+", cache: "+cacheState)
	log.Println("[ohlcvd] ║  [stream] → [consumer] → [store] → [bus] → [hub|cache]    ║")
	log.Printf("[ohlcvd] ║  http %-52s ║", cfg.HTTPAddr+", metrics "+cfg.MetricsAddr)
	log.Println("[ohlcvd] ╚════════════════════════════════════════════════════════════╝")

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[ohlcvd] shutdown signal received, draining...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	if cache != nil {
		cache.Close()
	}
	log.Println("[ohlcvd] shutdown complete.")
}
