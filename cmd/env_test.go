package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/supplier-backfill/internal/config"
	"github.com/sells-group/supplier-backfill/internal/model"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store:   config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "env.db")},
		Scraper: config.ScraperConfig{BaseURL: "http://127.0.0.1:1", TimeoutSecs: 1, RateLimitPerSec: 10, Burst: 1},
		Backfill: config.BackfillConfig{
			DefaultPageSize: 20, FullCategoryTarget: 100, MinTarget: 5, MaxAsync: 2,
		},
		Bulk:  config.BulkConfig{Concurrency: 2, TargetCount: 10, SyncIntervalSecs: 1},
		Sweep: config.SweepConfig{BatchSize: 2, TargetCount: 10},
		Log:   config.LogConfig{Level: "info", Format: "json"},
	}
}

func TestInitEnv_SQLite(t *testing.T) {
	cfg = testConfig(t)
	env, err := initEnv(context.Background(), "backfill")
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Pipeline)
	assert.NotNil(t, env.Coverage)
	assert.Equal(t, "closed", env.Scraper.BreakerState().String())
	assert.Equal(t, model.JobStateIdle, env.Bulk.Progress().State)

	snap, err := env.Collector().Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Sweep.CurrentIndex)
}

func TestInitEnv_SweepFallsBackToAllCities(t *testing.T) {
	cfg = testConfig(t)
	cfg.Sweep.BatchSize = 1
	cfg.Resilience.MaxAttempts = 1
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`categories:
  - name: Pipes
    products: [GI Pipes]
cities:
  - name: Delhi
  - name: Pune
`), 0o644))
	cfg.Catalog.Path = path

	env, err := initEnv(context.Background(), "backfill")
	require.NoError(t, err)
	defer env.Close()

	res, err := env.Sweeper.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Contains(t, []string{"Delhi", "Pune"}, res.City)
	assert.Equal(t, 1, res.ProcessedCount)
}

func TestInitEnv_ValidationFails(t *testing.T) {
	cfg = testConfig(t)
	cfg.Bulk.Concurrency = 0
	_, err := initEnv(context.Background(), "backfill")
	assert.Error(t, err)
}

func TestInitScraper_Fallback(t *testing.T) {
	cfg = testConfig(t)
	primary, s := initScraper()
	assert.Same(t, primary, s)

	cfg.Scraper.FallbackURL = "http://127.0.0.1:2"
	primary, s = initScraper()
	assert.NotSame(t, primary, s)
	assert.Equal(t, "chain", s.Name())
}

func TestInitStore_UnknownDriver(t *testing.T) {
	cfg = testConfig(t)
	cfg.Store.Driver = "mysql"
	_, err := initStore(context.Background())
	assert.Error(t, err)
}
