package model

import "errors"

// Shared failure classes. Concrete stores and adapters wrap these so
// callers can classify with errors.Is without importing driver packages.
var (
	// ErrStoreUnavailable marks transient storage failures (connectivity,
	// serialization conflicts, timeouts). Callers retry with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrIntegrity marks a key collision with divergent content or a broken
	// constraint the engine cannot resolve on its own.
	ErrIntegrity = errors.New("integrity violation")

	// ErrNotFound marks a lookup for a row that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition marks a state change whose precondition failed,
	// e.g. recovering a segment that was never in progress.
	ErrInvalidTransition = errors.New("invalid state transition")
)
