// Package config loads the daemon's runtime configuration from the
// environment. One immutable struct built at startup; no hot reload.
package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds every runtime knob. All fields have usable defaults so a
// bare environment starts a single-node staging-friendly instance;
// component constructors validate the values they consume.
type Config struct {
	// Series under management.
	Symbol   string
	Interval string

	// Canonical store. A non-empty PostgresDSN selects the pgx store and
	// its advisory locks; empty falls back to the embedded sqlite store.
	PostgresDSN  string
	SQLitePath   string
	StoreLockKey string

	// Hot-tail cache. Empty RedisAddr disables it; the cache is advisory
	// so nothing else changes.
	RedisAddr     string
	RedisPassword string

	// Upstream endpoints. Empty URLs mean the live exchange; staging
	// points them at the simulator.
	StagingMode     bool
	UpstreamWSURL   string
	UpstreamRESTURL string

	// Backfill worker.
	BackfillConcurrency  int
	BackfillPageSize     int
	BackfillMaxPages     int
	BackfillRetryMax     int
	BackfillRetryBackoff time.Duration

	// Gap orchestrator.
	OrchPollInterval time.Duration

	// Continuity scanner.
	ScannerHorizonDays int
	ScannerSchedule    string

	// Push hub.
	PushHeartbeat       time.Duration
	PushQueueSize       int
	PushPartialCoalesce bool

	// Delta API.
	DeltaLimitMax int

	// HTTP surfaces.
	HTTPAddr    string
	MetricsAddr string

	// Admin gate and alerting. Empty values disable each.
	AdminTOTPSecret  string
	AlertWebhookURL  string
	TelegramBotToken string
	TelegramChatID   string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Symbol:   getEnv("SYMBOL", "BTCUSDT"),
		Interval: getEnv("INTERVAL", "1m"),

		PostgresDSN:  getEnv("POSTGRES_DSN", ""),
		SQLitePath:   getEnv("SQLITE_PATH", "data/ohlcv.db"),
		StoreLockKey: getEnv("STORE_LOCK_KEY", "ohlcv_orchestrator"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		StagingMode:     getEnvBool("STAGING_MODE", false),
		UpstreamWSURL:   getEnv("UPSTREAM_WS_URL", ""),
		UpstreamRESTURL: getEnv("UPSTREAM_REST_URL", ""),

		BackfillConcurrency:  getEnvInt("BACKFILL_CONCURRENCY", 2),
		BackfillPageSize:     getEnvInt("BACKFILL_PAGE_SIZE", 1000),
		BackfillMaxPages:     getEnvInt("BACKFILL_MAX_PAGES", 50),
		BackfillRetryMax:     getEnvInt("BACKFILL_RETRY_MAX", 3),
		BackfillRetryBackoff: getEnvMS("BACKFILL_RETRY_BACKOFF_MS", 500*time.Millisecond),

		OrchPollInterval: getEnvMS("ORCH_POLL_INTERVAL_MS", 15*time.Second),

		ScannerHorizonDays: getEnvInt("SCANNER_HORIZON_DAYS", 7),
		ScannerSchedule:    getEnv("SCANNER_SCHEDULE", "1h"),

		PushHeartbeat:       getEnvMS("PUSH_HEARTBEAT_MS", 15*time.Second),
		PushQueueSize:       getEnvInt("PUSH_SUBSCRIBER_QUEUE_SIZE", 64),
		PushPartialCoalesce: getEnvBool("PUSH_PARTIAL_COALESCE", true),

		DeltaLimitMax: getEnvInt("DELTA_LIMIT_MAX", 1000),

		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		AdminTOTPSecret:  getEnv("ADMIN_TOTP_SECRET", ""),
		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] %s=%q is not an integer, using %d", key, v, fallback)
		return fallback
	}
	return n
}

// getEnvMS reads a millisecond count into a duration.
func getEnvMS(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		log.Printf("[config] %s=%q is not a millisecond count, using %s", key, v, fallback)
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] %s=%q is not a boolean, using %t", key, v, fallback)
		return fallback
	}
	return b
}
