//go:build !cgo

package sqlite

import (
	"fmt"

	"ohlcv-systemv1/internal/model"
)

// classify maps driver errors onto the shared failure classes. Without cgo
// mattn/go-sqlite3 is a registration-only stub: every connection fails before
// a sqlite3.Error can be produced, so there are no error codes to inspect and
// any driver error is a store-availability failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
}
