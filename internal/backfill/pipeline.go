// Package backfill detects coverage gaps in the listing store and fills them
// by scraping the external source on demand.
package backfill

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/supplier-backfill/internal/model"
	"github.com/sells-group/supplier-backfill/internal/scrape"
)

// Upserter writes listing records.
type Upserter interface {
	UpsertListings(ctx context.Context, records []model.ListingRecord) (int, error)
}

// Result describes one Backfill call.
type Result struct {
	Query     string `json:"query"`
	Scraped   int    `json:"scraped"`
	Persisted int    `json:"persisted"`
	Dropped   int    `json:"dropped"`
	// Shared is set when the caller joined a scrape already in flight.
	Shared bool `json:"shared,omitempty"`
	// Skipped is set when the query was scraped within the cooldown.
	Skipped bool `json:"skipped,omitempty"`
}

// PipelineStats are cumulative counters since process start.
type PipelineStats struct {
	Scrapes        int64 `json:"scrapes"`
	SharedWaits    int64 `json:"shared_waits"`
	CooldownSkips  int64 `json:"cooldown_skips"`
	ScrapeFailures int64 `json:"scrape_failures"`
	StoreFailures  int64 `json:"store_failures"`
	Persisted      int64 `json:"persisted"`
	Dropped        int64 `json:"dropped"`
	InFlight       int64 `json:"in_flight"`
}

type pipelineCounters struct {
	scrapes        atomic.Int64
	shared         atomic.Int64
	skipped        atomic.Int64
	scrapeFailures atomic.Int64
	storeFailures  atomic.Int64
	persisted      atomic.Int64
	dropped        atomic.Int64
	inFlight       atomic.Int64
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithCooldown skips re-scraping a query that completed within d.
func WithCooldown(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.cooldown = d
	}
}

// Pipeline runs scrape-and-persist cycles. At most one scrape per
// normalized query is in flight at a time; concurrent callers for the same
// query wait on that scrape's result.
type Pipeline struct {
	scraper  scrape.Scraper
	store    Upserter
	group    singleflight.Group
	cooldown time.Duration

	mu         sync.Mutex
	lastScrape map[string]time.Time

	stats   pipelineCounters
	nowFunc func() time.Time
	log     *zap.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(scraper scrape.Scraper, store Upserter, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		scraper:    scraper,
		store:      store,
		lastScrape: make(map[string]time.Time),
		nowFunc:    time.Now,
		log:        zap.L().With(zap.String("component", "backfill.pipeline")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Backfill scrapes up to target listings for pred and upserts them.
//
// A scrape failure returns *scrape.Error together with a Result counting
// whatever partial listings were still persisted. A store failure returns
// *StoreError. If ctx ends while waiting, the shared scrape keeps running
// for the other waiters.
func (p *Pipeline) Backfill(ctx context.Context, pred model.SearchPredicate, target int) (*Result, error) {
	query := BuildScrapeQuery(pred)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if target <= 0 {
		target = 1
	}
	key := NormalizeQuery(query)

	if p.inCooldown(key) {
		p.stats.skipped.Add(1)
		p.log.Debug("scrape skipped, query in cooldown", zap.String("query", query))
		return &Result{Query: query, Skipped: true}, nil
	}

	ch := p.group.DoChan(key, func() (val any, err error) {
		defer func() {
			if r := recover(); r != nil {
				p.stats.scrapeFailures.Add(1)
				val = &Result{Query: query}
				err = &scrape.Error{Source: p.scraper.Name(), Query: query, Err: eris.Errorf("panic: %v", r)}
			}
		}()
		return p.run(context.WithoutCancel(ctx), key, query, pred, target)
	})

	select {
	case <-ctx.Done():
		return &Result{Query: query}, eris.Wrap(ctx.Err(), "backfill: wait for scrape")
	case res := <-ch:
		out := *res.Val.(*Result)
		if res.Shared {
			out.Shared = true
			p.stats.shared.Add(1)
		}
		return &out, res.Err
	}
}

func (p *Pipeline) run(ctx context.Context, key, query string, pred model.SearchPredicate, target int) (*Result, error) {
	res := &Result{Query: query}
	start := p.nowFunc()

	p.stats.scrapes.Add(1)
	raws, scrapeErr := p.scrape(ctx, query, target)

	records, dropped := NormalizeBatch(raws, pred, p.nowFunc().UTC())
	res.Scraped = len(raws)
	res.Dropped = dropped
	p.stats.dropped.Add(int64(dropped))

	if len(records) > 0 {
		n, err := p.store.UpsertListings(ctx, records)
		if err != nil {
			p.stats.storeFailures.Add(1)
			p.log.Error("persist failed", zap.String("query", query), zap.Int("records", len(records)), zap.Error(err))
			return res, &StoreError{Op: "upsert listings", Err: err}
		}
		res.Persisted = n
		p.stats.persisted.Add(int64(n))
	}

	if scrapeErr != nil {
		p.stats.scrapeFailures.Add(1)
		se, ok := scrape.AsError(scrapeErr)
		if !ok {
			se = &scrape.Error{Source: p.scraper.Name(), Query: query, Partial: len(raws), Err: scrapeErr}
		}
		p.log.Warn("scrape failed",
			zap.String("query", query),
			zap.Int("target", target),
			zap.Int("persisted", res.Persisted),
			zap.Duration("elapsed", p.nowFunc().Sub(start)),
			zap.Error(scrapeErr),
		)
		return res, se
	}

	p.markScraped(key)
	p.log.Info("backfill complete",
		zap.String("query", query),
		zap.Int("target", target),
		zap.Int("scraped", res.Scraped),
		zap.Int("persisted", res.Persisted),
		zap.Int("dropped", res.Dropped),
		zap.Duration("elapsed", p.nowFunc().Sub(start)),
	)
	return res, nil
}

func (p *Pipeline) scrape(ctx context.Context, query string, target int) ([]model.RawListing, error) {
	p.stats.inFlight.Add(1)
	defer p.stats.inFlight.Add(-1)
	return p.scraper.Scrape(ctx, query, target)
}

func (p *Pipeline) inCooldown(key string) bool {
	if p.cooldown <= 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.lastScrape[key]
	return ok && p.nowFunc().Sub(last) < p.cooldown
}

func (p *Pipeline) markScraped(key string) {
	if p.cooldown <= 0 {
		return
	}
	now := p.nowFunc()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastScrape[key] = now
	if len(p.lastScrape) > 4096 {
		for k, t := range p.lastScrape {
			if now.Sub(t) >= p.cooldown {
				delete(p.lastScrape, k)
			}
		}
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Scrapes:        p.stats.scrapes.Load(),
		SharedWaits:    p.stats.shared.Load(),
		CooldownSkips:  p.stats.skipped.Load(),
		ScrapeFailures: p.stats.scrapeFailures.Load(),
		StoreFailures:  p.stats.storeFailures.Load(),
		Persisted:      p.stats.persisted.Load(),
		Dropped:        p.stats.dropped.Load(),
		InFlight:       p.stats.inFlight.Load(),
	}
}
