package backfill

import (
	"context"

	"github.com/sells-group/supplier-backfill/internal/model"
)

// Counter counts listings matching a predicate.
type Counter interface {
	CountListings(ctx context.Context, pred model.SearchPredicate) (int, error)
}

// Decision is the outcome of a coverage check.
type Decision struct {
	Current       int  `json:"current"`
	Desired       int  `json:"desired"`
	Deficit       int  `json:"deficit"`
	NeedsBackfill bool `json:"needs_backfill"`
}

// Detector decides whether the store holds enough listings for a predicate.
// It is read-only and leaves policy (strict filters, empty queries) to callers.
type Detector struct {
	store Counter
}

// NewDetector creates a Detector over store.
func NewDetector(store Counter) *Detector {
	return &Detector{store: store}
}

// CurrentCount returns how many stored listings match pred.
func (d *Detector) CurrentCount(ctx context.Context, pred model.SearchPredicate) (int, error) {
	n, err := d.store.CountListings(ctx, pred)
	if err != nil {
		return 0, &StoreError{Op: "count listings", Err: err}
	}
	return n, nil
}

// NeedsBackfill reports whether fewer than desired listings match pred.
func (d *Detector) NeedsBackfill(ctx context.Context, pred model.SearchPredicate, desired int) (bool, error) {
	dec, err := d.Check(ctx, pred, desired)
	if err != nil {
		return false, err
	}
	return dec.NeedsBackfill, nil
}

// Check counts matches for pred and compares against desired.
func (d *Detector) Check(ctx context.Context, pred model.SearchPredicate, desired int) (*Decision, error) {
	n, err := d.CurrentCount(ctx, pred)
	if err != nil {
		return nil, err
	}
	dec := &Decision{Current: n, Desired: desired}
	if n < desired {
		dec.NeedsBackfill = true
		dec.Deficit = desired - n
	}
	return dec, nil
}
