package scrape

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-backfill/internal/model"
)

// Chain tries scrapers in order and returns the first non-empty result.
// When every scraper fails, the largest partial result is returned along
// with the last error.
type Chain struct {
	scrapers []Scraper
}

// NewChain creates a Chain. Nil scrapers are skipped.
func NewChain(scrapers ...Scraper) *Chain {
	c := &Chain{}
	for _, s := range scrapers {
		if s != nil {
			c.scrapers = append(c.scrapers, s)
		}
	}
	return c
}

// Name implements Scraper.
func (c *Chain) Name() string { return "chain" }

// Len returns the number of scrapers in the chain.
func (c *Chain) Len() int { return len(c.scrapers) }

// Scrape implements Scraper.
func (c *Chain) Scrape(ctx context.Context, query string, target int) ([]model.RawListing, error) {
	if len(c.scrapers) == 0 {
		return nil, eris.New("scrape: chain has no scrapers")
	}

	var (
		best    []model.RawListing
		lastErr error
	)
	for _, s := range c.scrapers {
		listings, err := s.Scrape(ctx, query, target)
		if err == nil && len(listings) > 0 {
			return listings, nil
		}
		if len(listings) > len(best) {
			best = listings
		}
		if err != nil {
			zap.L().Debug("scrape: scraper failed, trying next",
				zap.String("scraper", s.Name()),
				zap.String("query", query),
				zap.Error(err),
			)
			lastErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}

	if lastErr != nil {
		return best, eris.Wrap(lastErr, "scrape: all scrapers failed")
	}
	return best, nil
}
