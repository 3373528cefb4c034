package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-backfill/internal/backfill"
	"github.com/sells-group/supplier-backfill/internal/bulk"
	"github.com/sells-group/supplier-backfill/internal/catalog"
	"github.com/sells-group/supplier-backfill/internal/monitoring"
	"github.com/sells-group/supplier-backfill/internal/resilience"
	"github.com/sells-group/supplier-backfill/internal/scrape"
	"github.com/sells-group/supplier-backfill/internal/store"
	"github.com/sells-group/supplier-backfill/internal/sweep"
	"github.com/sells-group/supplier-backfill/pkg/mapscraper"
)

// backfillEnv holds the store, scraper and backfill components shared by
// the serve/ensure/bulk/sweep commands.
type backfillEnv struct {
	Store    store.Store
	Catalog  *catalog.Catalog
	Scraper  *scrape.Resilient
	Pipeline *backfill.Pipeline
	Coverage *backfill.Coverage
	Bulk     *bulk.Job
	Sweeper  *sweep.Sweeper
}

// Close releases resources held by the environment.
func (e *backfillEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// Collector builds a metrics collector over the environment.
func (e *backfillEnv) Collector() *monitoring.Collector {
	return monitoring.NewCollector(monitoring.Sources{
		Bulk:     e.Bulk,
		Pipeline: e.Pipeline,
		Breaker:  e.Scraper,
		Cursor:   e.Store,
	})
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "backfill.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initScraper builds the primary scraper, and the fallback when one is
// configured, each behind its own rate limiter, retry policy and breaker.
func initScraper() (*scrape.Resilient, scrape.Scraper) {
	timeout := time.Duration(cfg.Scraper.TimeoutSecs) * time.Second
	policy := resilience.PolicyFromConfig(cfg.Resilience)

	wrap := func(name, baseURL string) *scrape.Resilient {
		client := mapscraper.NewClient(cfg.Scraper.Key,
			mapscraper.WithBaseURL(baseURL),
			mapscraper.WithTimeout(timeout),
			// Resilient owns retries.
			mapscraper.WithRetry(1, 0),
		)
		breakerCfg := resilience.BreakerFromConfig(cfg.Resilience)
		breakerCfg.OnStateChange = func(from, to resilience.BreakerState) {
			zap.L().Warn("scraper circuit breaker state change",
				zap.String("scraper", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
		return scrape.NewResilient(scrape.NewMapAdapter(client, name), scrape.ResilientOptions{
			RatePerSec: cfg.Scraper.RateLimitPerSec,
			Burst:      cfg.Scraper.Burst,
			Timeout:    timeout,
			Policy:     policy,
			Breaker:    resilience.NewBreaker(breakerCfg),
		})
	}

	primary := wrap("mapscraper", cfg.Scraper.BaseURL)
	if cfg.Scraper.FallbackURL == "" {
		return primary, primary
	}
	return primary, scrape.NewChain(primary, wrap("mapscraper-fallback", cfg.Scraper.FallbackURL))
}

// initEnv opens and migrates the store, loads the catalog and wires the
// backfill components. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*backfillEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	primary, scraper := initScraper()
	pipeline := backfill.NewPipeline(scraper, st,
		backfill.WithCooldown(time.Duration(cfg.Scraper.CooldownSecs)*time.Second),
	)
	coverage := backfill.NewCoverage(backfill.NewDetector(st), pipeline,
		backfill.WithMinTarget(cfg.Backfill.MinTarget),
		backfill.WithMaxTarget(cfg.Backfill.FullCategoryTarget),
		backfill.WithMaxAsync(int64(cfg.Backfill.MaxAsync)),
	)

	job := bulk.NewJob(pipeline, bulk.Options{
		Tasks:        bulk.CatalogSource(cat),
		TargetCount:  cfg.Bulk.TargetCount,
		Store:        st,
		SyncInterval: time.Duration(cfg.Bulk.SyncIntervalSecs) * time.Second,
	})

	cities := cfg.Sweep.Cities
	if len(cities) == 0 {
		cities = cat.PriorityCities()
	}
	if len(cities) == 0 {
		cities = cat.CityNames()
	}
	sweeper := sweep.New(pipeline, st, cat.Products(), sweep.Options{
		BatchSize:       cfg.Sweep.BatchSize,
		TargetCount:     cfg.Sweep.TargetCount,
		PolitenessDelay: time.Duration(cfg.Sweep.PolitenessDelayMs) * time.Millisecond,
		Cities:          cities,
	})

	zap.L().Info("backfill environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.Int("products", len(cat.Products())),
		zap.Int("cities", len(cat.Cities)),
		zap.Bool("fallback_scraper", cfg.Scraper.FallbackURL != ""),
	)

	return &backfillEnv{
		Store:    st,
		Catalog:  cat,
		Scraper:  primary,
		Pipeline: pipeline,
		Coverage: coverage,
		Bulk:     job,
		Sweeper:  sweeper,
	}, nil
}
