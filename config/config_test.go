package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"SYMBOL", "INTERVAL", "ORCH_POLL_INTERVAL_MS",
		"PUSH_PARTIAL_COALESCE", "POSTGRES_DSN", "REDIS_ADDR",
	} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.Symbol != "BTCUSDT" || cfg.Interval != "1m" {
		t.Fatalf("series = %s@%s", cfg.Symbol, cfg.Interval)
	}
	if cfg.OrchPollInterval != 15*time.Second {
		t.Fatalf("poll interval = %s", cfg.OrchPollInterval)
	}
	if !cfg.PushPartialCoalesce {
		t.Fatal("coalescing should default on")
	}
	if cfg.PostgresDSN != "" || cfg.RedisAddr != "" {
		t.Fatal("external stores should default off")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SYMBOL", "XRPUSDT")
	t.Setenv("ORCH_POLL_INTERVAL_MS", "2500")
	t.Setenv("PUSH_PARTIAL_COALESCE", "false")
	t.Setenv("BACKFILL_CONCURRENCY", "7")
	t.Setenv("STAGING_MODE", "true")

	cfg := Load()
	if cfg.Symbol != "XRPUSDT" {
		t.Fatalf("symbol = %s", cfg.Symbol)
	}
	if cfg.OrchPollInterval != 2500*time.Millisecond {
		t.Fatalf("poll interval = %s", cfg.OrchPollInterval)
	}
	if cfg.PushPartialCoalesce {
		t.Fatal("coalescing should be off")
	}
	if cfg.BackfillConcurrency != 7 || !cfg.StagingMode {
		t.Fatalf("concurrency = %d staging = %t", cfg.BackfillConcurrency, cfg.StagingMode)
	}
}

func TestLoadFallsBackOnGarbage(t *testing.T) {
	t.Setenv("BACKFILL_CONCURRENCY", "many")
	t.Setenv("PUSH_HEARTBEAT_MS", "-5")
	t.Setenv("STAGING_MODE", "maybe")

	cfg := Load()
	if cfg.BackfillConcurrency != 2 {
		t.Fatalf("concurrency = %d, want default", cfg.BackfillConcurrency)
	}
	if cfg.PushHeartbeat != 15*time.Second {
		t.Fatalf("heartbeat = %s, want default", cfg.PushHeartbeat)
	}
	if cfg.StagingMode {
		t.Fatal("staging should fall back to off")
	}
}
