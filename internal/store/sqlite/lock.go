package sqlite

import (
	"context"
	"fmt"
	"sync"
)

// ProcessLock emulates the advisory-lock port for single-node deployments,
// where the fleet is one process and in-memory exclusion is sufficient.
// Multi-node deployments must use the postgres locker.
type ProcessLock struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewProcessLock builds an empty lock table.
func NewProcessLock() *ProcessLock {
	return &ProcessLock{held: make(map[string]bool)}
}

// TryLock acquires the named lock if free.
func (l *ProcessLock) TryLock(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

// Unlock releases the named lock.
func (l *ProcessLock) Unlock(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held[key] {
		return fmt.Errorf("process lock: %q not held", key)
	}
	delete(l.held, key)
	return nil
}

// Ping always succeeds: an in-process lock cannot lose its session.
func (l *ProcessLock) Ping(context.Context) error { return nil }
