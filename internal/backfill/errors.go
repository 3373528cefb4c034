package backfill

import (
	"errors"

	"github.com/rotisserie/eris"
)

// ErrEmptyQuery is returned when a predicate has no query text.
var ErrEmptyQuery = eris.New("backfill: empty query")

// StoreError wraps a Listing Store failure. Unlike scrape failures it is
// never absorbed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "backfill: store " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError reports whether err is, or wraps, a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
