// Package store persists listings, the sweep cursor and bulk job state.
package store

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/supplier-backfill/internal/model"
)

// Singleton row keys.
const (
	SweepCursorKey = "jit_sweep"
	BulkJobKey     = "bulk"
)

// ErrNotFound is returned when a keyed lookup has no row.
var ErrNotFound = eris.New("store: not found")

// ListOptions pages through FindListings results.
type ListOptions struct {
	Limit  int
	Offset int
}

// ListingStore holds listing records keyed by phone number.
type ListingStore interface {
	// CountListings counts records matching pred. An empty predicate counts everything.
	CountListings(ctx context.Context, pred model.SearchPredicate) (int, error)
	// FindListings returns matching records, verified and best-rated first.
	FindListings(ctx context.Context, pred model.SearchPredicate, opts ListOptions) ([]model.ListingRecord, error)
	// UpsertListings inserts or merges records by key and returns how many
	// distinct keys were written.
	UpsertListings(ctx context.Context, records []model.ListingRecord) (int, error)
	GetListing(ctx context.Context, key string) (*model.ListingRecord, error)
}

// CursorStore holds the sweep cursor singleton.
type CursorStore interface {
	// GetSweepCursor returns the zero state when no cursor was saved yet.
	GetSweepCursor(ctx context.Context) (*model.SweepCursorState, error)
	SaveSweepCursor(ctx context.Context, state model.SweepCursorState) error
}

// JobStore holds the durable bulk job snapshot.
type JobStore interface {
	SaveBulkJob(ctx context.Context, snap *model.BulkJobSnapshot) error
	// LoadBulkJob returns nil, nil when no job was ever saved.
	LoadBulkJob(ctx context.Context) (*model.BulkJobSnapshot, error)
}

// Store is the full persistence interface.
type Store interface {
	ListingStore
	CursorStore
	JobStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// MergeBatch collapses records sharing a key into one, applying the same
// rules the stores use when a record meets an existing row. Order of first
// appearance is kept.
func MergeBatch(records []model.ListingRecord) []model.ListingRecord {
	idx := make(map[string]int, len(records))
	out := make([]model.ListingRecord, 0, len(records))
	for _, r := range records {
		if r.Key == "" {
			continue
		}
		if i, ok := idx[r.Key]; ok {
			out[i] = mergeRecord(out[i], r)
			continue
		}
		r.Tags = mergeTags(nil, r.Tags)
		idx[r.Key] = len(out)
		out = append(out, r)
	}
	return out
}

// mergeRecord applies incoming onto existing. Display name, category and
// non-zero rating/images take the newer value; city and address only when
// the newer one is meaningful; tags are unioned; verified never downgrades.
func mergeRecord(existing, incoming model.ListingRecord) model.ListingRecord {
	out := existing
	if incoming.DisplayName != "" {
		out.DisplayName = incoming.DisplayName
	}
	if incoming.CategoryLabel != "" {
		out.CategoryLabel = incoming.CategoryLabel
	}
	if incoming.City != "" && incoming.City != model.UnknownCity {
		out.City = incoming.City
	}
	if incoming.Address != "" {
		out.Address = incoming.Address
	}
	if incoming.Rating > 0 {
		out.Rating = incoming.Rating
	}
	if len(incoming.Images) > 0 {
		out.Images = incoming.Images
	}
	out.Tags = mergeTags(existing.Tags, incoming.Tags)
	out.Verified = existing.Verified || incoming.Verified
	if !incoming.UpdatedAt.IsZero() {
		out.UpdatedAt = incoming.UpdatedAt
	}
	return out
}

// mergeTags returns the sorted case-sensitive union of a and b without blanks.
func mergeTags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, t := range list {
			t = strings.TrimSpace(t)
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// matchTerms returns the lowercase text terms every matching record must
// contain: the query, plus the category when it names something else.
func matchTerms(pred model.SearchPredicate) []string {
	var terms []string
	q := strings.ToLower(strings.TrimSpace(pred.Query))
	if q != "" {
		terms = append(terms, q)
	}
	c := strings.ToLower(strings.TrimSpace(pred.Category))
	if c != "" && c != q {
		terms = append(terms, c)
	}
	return terms
}

// likePattern escapes s for a LIKE ... ESCAPE '\' substring match.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func normalizeListOptions(opts ListOptions) ListOptions {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 500 {
		opts.Limit = 500
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return opts
}
