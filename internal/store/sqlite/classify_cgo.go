//go:build cgo

package sqlite

import (
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"

	"ohlcv-systemv1/internal/model"
)

// classify maps driver errors onto the shared failure classes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrConstraint:
			return fmt.Errorf("%w: %w", model.ErrIntegrity, err)
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
		}
		return err
	}
	return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
}
