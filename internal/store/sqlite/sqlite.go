// Package sqlite implements the canonical store, gap repository and
// backfill-run log on a single SQLite file. It exists for single-node and
// staging deployments; semantics mirror the postgres package exactly.
package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to the database file, e.g. "data/ohlcv.db"
}

// Store is a single-writer SQLite store.
type Store struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database in WAL mode and ensures the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer: serialize all access through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol      TEXT    NOT NULL,
			interval    TEXT    NOT NULL,
			open_time   INTEGER NOT NULL,
			close_time  INTEGER NOT NULL,
			open        REAL    NOT NULL,
			high        REAL    NOT NULL,
			low         REAL    NOT NULL,
			close       REAL    NOT NULL,
			volume      REAL    NOT NULL,
			trade_count INTEGER NOT NULL DEFAULT 0,
			is_closed   INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (symbol, interval, open_time)
		);

		CREATE TABLE IF NOT EXISTS gap_segments (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol          TEXT    NOT NULL,
			interval        TEXT    NOT NULL,
			from_open_time  INTEGER NOT NULL,
			to_open_time    INTEGER NOT NULL,
			missing_bars    INTEGER NOT NULL,
			state           TEXT    NOT NULL DEFAULT 'open',
			detected_at     INTEGER NOT NULL,
			retry_count     INTEGER NOT NULL DEFAULT 0,
			last_attempt_at INTEGER,
			last_error      TEXT    NOT NULL DEFAULT '',
			merged_into     INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_gap_segments_series ON gap_segments (symbol, interval, detected_at DESC);
		CREATE INDEX IF NOT EXISTS idx_gap_segments_state  ON gap_segments (state);

		CREATE TABLE IF NOT EXISTS backfill_runs (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol         TEXT    NOT NULL,
			interval       TEXT    NOT NULL,
			from_open_time INTEGER NOT NULL,
			to_open_time   INTEGER NOT NULL,
			expected_bars  INTEGER NOT NULL,
			loaded_bars    INTEGER NOT NULL DEFAULT 0,
			status         TEXT    NOT NULL DEFAULT 'pending',
			attempts       INTEGER NOT NULL DEFAULT 0,
			last_error     TEXT    NOT NULL DEFAULT '',
			started_at     INTEGER NOT NULL,
			finished_at    INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_backfill_runs_series ON backfill_runs (symbol, interval, started_at DESC);

		CREATE TABLE IF NOT EXISTS candle_repairs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol      TEXT    NOT NULL,
			interval    TEXT    NOT NULL,
			open_time   INTEGER NOT NULL,
			close_time  INTEGER NOT NULL,
			open        REAL    NOT NULL,
			high        REAL    NOT NULL,
			low         REAL    NOT NULL,
			close       REAL    NOT NULL,
			volume      REAL    NOT NULL,
			trade_count INTEGER NOT NULL DEFAULT 0,
			repaired_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_candle_repairs_series ON candle_repairs (symbol, interval, open_time);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// epoch ms helpers: sqlite stores timestamps as INTEGER milliseconds.

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
