package backfill

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sells-group/supplier-backfill/internal/model"
	"github.com/sells-group/supplier-backfill/internal/store"
)

// fakeScraper returns fixed listings. When gate is set every call blocks
// until it is closed.
type fakeScraper struct {
	listings []model.RawListing
	err      error
	gate     chan struct{}
	started  chan struct{}

	calls   atomic.Int32
	mu      sync.Mutex
	queries []string
	targets []int
}

func (f *fakeScraper) Name() string { return "fake" }

func (f *fakeScraper) Scrape(ctx context.Context, query string, target int) ([]model.RawListing, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.targets = append(f.targets, target)
	f.mu.Unlock()
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	return f.listings, f.err
}

// memStore is an in-memory listing store that counts by exact tag match.
type memStore struct {
	mu        sync.Mutex
	records   map[string]model.ListingRecord
	countErr  error
	upsertErr error
	upserts   int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]model.ListingRecord)}
}

func (m *memStore) CountListings(_ context.Context, pred model.SearchPredicate) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErr != nil {
		return 0, m.countErr
	}
	n := 0
	for _, r := range m.records {
		if hasTag(r, pred.Query) && (pred.Location == "" || hasTag(r, pred.Location)) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) UpsertListings(_ context.Context, records []model.ListingRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return 0, m.upsertErr
	}
	m.upserts++
	merged := store.MergeBatch(records)
	for _, r := range merged {
		if old, ok := m.records[r.Key]; ok {
			r.Tags = append(append([]string{}, old.Tags...), r.Tags...)
		}
		m.records[r.Key] = r
	}
	return len(merged), nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func hasTag(r model.ListingRecord, tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// fakeBackfiller records calls and returns a fixed outcome.
type fakeBackfiller struct {
	result *Result
	err    error
	onCall func()

	mu      sync.Mutex
	targets []int
}

func (f *fakeBackfiller) Backfill(_ context.Context, _ model.SearchPredicate, target int) (*Result, error) {
	f.mu.Lock()
	f.targets = append(f.targets, target)
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall()
	}
	return f.result, f.err
}

func (f *fakeBackfiller) calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.targets...)
}
