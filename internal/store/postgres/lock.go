package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"ohlcv-systemv1/internal/model"
)

// AdvisoryLock implements model.AdvisoryLocker on Postgres session locks.
// A session lock lives on one connection, so the lock pins a dedicated
// connection from the pool for as long as it is held. Losing that
// connection loses the lock; Ping exposes that to the holder.
type AdvisoryLock struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	conn *pgxpool.Conn
	key  int64
}

// NewAdvisoryLock builds a locker over the store's pool.
func (s *Store) NewAdvisoryLock() *AdvisoryLock {
	return &AdvisoryLock{pool: s.pool}
}

// TryLock attempts a non-blocking acquire of the named lock.
func (l *AdvisoryLock) TryLock(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return false, fmt.Errorf("advisory lock: already holding key %d", l.key)
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock: acquire conn: %w: %w", model.ErrStoreUnavailable, err)
	}
	id := lockID(key)
	var got bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&got); err != nil {
		conn.Release()
		return false, fmt.Errorf("advisory lock: try: %w: %w", model.ErrStoreUnavailable, err)
	}
	if !got {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	l.key = id
	log.Printf("[postgres] advisory lock %q (%d) acquired", key, id)
	return true, nil
}

// Unlock releases the held lock and its connection.
func (l *AdvisoryLock) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	id := lockID(key)
	if id != l.key {
		return fmt.Errorf("advisory lock: unlock key mismatch: holding %d, asked %d", l.key, id)
	}
	var released bool
	err := l.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, id).Scan(&released)
	l.conn.Release()
	l.conn = nil
	l.key = 0
	if err != nil {
		return fmt.Errorf("advisory lock: unlock: %w: %w", model.ErrStoreUnavailable, err)
	}
	if !released {
		log.Printf("[postgres] advisory lock %q was not held at unlock", key)
	}
	return nil
}

// Ping verifies the lock-holding session is still alive.
func (l *AdvisoryLock) Ping(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("advisory lock: %w: no session held", model.ErrStoreUnavailable)
	}
	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("advisory lock: session lost: %w: %w", model.ErrStoreUnavailable, err)
	}
	return nil
}

// lockID hashes the configured lock key into the bigint space Postgres
// advisory locks use.
func lockID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}
