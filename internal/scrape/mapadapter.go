package scrape

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-backfill/internal/model"
	"github.com/sells-group/supplier-backfill/internal/resilience"
	"github.com/sells-group/supplier-backfill/pkg/mapscraper"
)

// MapAdapter exposes a mapscraper client as a Scraper.
type MapAdapter struct {
	client mapscraper.Client
	name   string
}

// NewMapAdapter adapts client. name labels the source in logs and errors.
func NewMapAdapter(client mapscraper.Client, name string) *MapAdapter {
	if name == "" {
		name = "mapscraper"
	}
	return &MapAdapter{client: client, name: name}
}

// Name implements Scraper.
func (a *MapAdapter) Name() string { return a.name }

// Scrape implements Scraper.
func (a *MapAdapter) Scrape(ctx context.Context, query string, target int) ([]model.RawListing, error) {
	resp, err := a.client.Search(ctx, query, target)
	if err != nil {
		var se *mapscraper.StatusError
		if errors.As(err, &se) && resilience.IsTransientStatus(se.StatusCode) {
			return nil, resilience.NewTransientError(err, se.StatusCode)
		}
		return nil, eris.Wrapf(err, "scrape: %s search", a.name)
	}

	if resp.Partial {
		zap.L().Debug("scrape: partial result accepted",
			zap.String("source", a.name),
			zap.String("query", query),
			zap.Int("results", len(resp.Results)),
		)
	}

	out := make([]model.RawListing, 0, len(resp.Results))
	for _, l := range resp.Results {
		out = append(out, model.RawListing{
			Name:     strings.TrimSpace(l.Name),
			Phone:    strings.TrimSpace(l.Phone),
			City:     strings.TrimSpace(l.City),
			Category: strings.TrimSpace(l.Category),
			Address:  strings.TrimSpace(l.Address),
			Images:   l.Images,
			Rating:   l.Rating,
		})
	}
	return out, nil
}
