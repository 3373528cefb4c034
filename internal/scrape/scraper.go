// Package scrape wraps the external scrape primitive: given a query and a
// target count it returns raw listing candidates.
package scrape

import (
	"context"
	"errors"
	"fmt"

	"github.com/sells-group/supplier-backfill/internal/model"
)

// Scraper runs one scrape for a free-text query. It may return fewer than
// target listings, and may return listings together with an error when the
// scrape was cut short.
type Scraper interface {
	Scrape(ctx context.Context, query string, target int) ([]model.RawListing, error)
	Name() string
}

// Error wraps any failure of the scrape primitive. Callers treat it as
// expected: zero (or partial) new listings, never a fatal condition.
type Error struct {
	Source  string
	Query   string
	Partial int
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("scrape: %s %q failed (%d partial): %v", e.Source, e.Query, e.Partial, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsError reports whether err is, or wraps, a scrape Error.
func IsError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

// AsError returns the scrape Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var se *Error
	ok := errors.As(err, &se)
	return se, ok
}
