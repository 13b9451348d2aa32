// cmd/streamsim hosts the local kline WebSocket simulator. It speaks the
// exchange wire format, so a staging ohlcvd points UPSTREAM_WS_URL at it and
// runs the full ingest path without touching the live exchange. Fault knobs
// produce gaps, duplicate finals and late fills on demand.
//
// Config (env vars):
//
//	SIM_ADDR          — listen address (default ":9010")
//	SIM_SYMBOL        — simulated symbol (default "XRPUSDT")
//	SIM_INTERVAL      — simulated interval (default "1m")
//	SIM_START_PRICE   — opening price of the walk (default 1.00)
//	SIM_BAR_EVERY_MS  — wall time per simulated bar (default 1000)
//	SIM_TICKS_PER_BAR — partial updates inside each bar (default 4)
//	SIM_DROP_EVERY    — withhold every Nth final, creating a gap (0 off)
//	SIM_LATE_AFTER    — re-emit withheld finals N bars later (0 = lost)
//	SIM_DUP_EVERY     — send every Nth final twice (0 off)
//	SIM_SEED          — price walk seed (0 seeds from wallclock)
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"ohlcv-systemv1/internal/upstream/sim"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("[streamsim] starting kline simulator...")

	addr := envOrDefault("SIM_ADDR", ":9010")
	cfg := sim.Config{
		Symbol:      envOrDefault("SIM_SYMBOL", "XRPUSDT"),
		Interval:    envOrDefault("SIM_INTERVAL", "1m"),
		StartPrice:  envFloatOrDefault("SIM_START_PRICE", 1.00),
		BarEvery:    time.Duration(envIntOrDefault("SIM_BAR_EVERY_MS", 1000)) * time.Millisecond,
		TicksPerBar: envIntOrDefault("SIM_TICKS_PER_BAR", 4),
		DropEvery:   envIntOrDefault("SIM_DROP_EVERY", 0),
		LateAfter:   envIntOrDefault("SIM_LATE_AFTER", 0),
		DupEvery:    envIntOrDefault("SIM_DUP_EVERY", 0),
		Seed:        int64(envIntOrDefault("SIM_SEED", 0)),
	}

	srv, err := sim.New(cfg)
	if err != nil {
		log.Fatalf("[streamsim] config error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("[streamsim] feed error: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/ws/", srv)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"streamsim"}`)
	})

	httpSrv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Printf("[streamsim] listening on %s (stream: ws://localhost%s/ws/...)", addr, addr)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[streamsim] server error: %v", err)
		}
	}()

	<-sigCh
	log.Println("[streamsim] shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloatOrDefault(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
