package scrape

import (
	"context"
	"sync"

	"github.com/sells-group/supplier-backfill/internal/model"
)

type scrapeCall struct {
	listings []model.RawListing
	err      error
}

// fakeScraper replays calls in order; the last entry repeats.
type fakeScraper struct {
	name string

	mu      sync.Mutex
	calls   []scrapeCall
	queries []string
}

func (f *fakeScraper) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeScraper) Scrape(_ context.Context, query string, _ int) ([]model.RawListing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.queries)
	f.queries = append(f.queries, query)
	if len(f.calls) == 0 {
		return nil, nil
	}
	if i >= len(f.calls) {
		i = len(f.calls) - 1
	}
	return f.calls[i].listings, f.calls[i].err
}

func (f *fakeScraper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}
