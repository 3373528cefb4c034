package backfill

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/supplier-backfill/internal/model"
	"github.com/sells-group/supplier-backfill/internal/scrape"
	"github.com/sells-group/supplier-backfill/internal/store"
)

func rawListings(n int, prefix string) []model.RawListing {
	out := make([]model.RawListing, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.RawListing{
			Name:  fmt.Sprintf("%s Supplier %d", prefix, i),
			Phone: fmt.Sprintf("98100%05d", i),
		})
	}
	return out
}

func TestPipeline_ConcurrentCallersShareOneScrape(t *testing.T) {
	gate := make(chan struct{})
	sc := &fakeScraper{listings: rawListings(3, "A"), gate: gate, started: make(chan struct{}, 1)}
	st := newMemStore()
	p := NewPipeline(sc, st)

	pred := model.SearchPredicate{Query: "Steel Pipes", Location: "Delhi"}
	const callers = 10

	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errs := make([]error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = p.Backfill(context.Background(), pred, 15)
	}()
	<-sc.started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Different spelling of the same query joins the same flight.
			q := pred
			if i%2 == 0 {
				q.Query = "steel  PIPES"
			}
			results[i], errs[i] = p.Backfill(context.Background(), q, 15)
		}(i)
	}

	require.Eventually(t, func() bool { return p.Stats().InFlight == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), sc.calls.Load(), "one scrape for all callers")
	shared := 0
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, 3, results[i].Persisted)
		if results[i].Shared {
			shared++
		}
	}
	assert.Equal(t, callers-1, shared)
	assert.Equal(t, 1, st.upserts)
	assert.Equal(t, int64(1), p.Stats().Scrapes)
}

func TestPipeline_DifferentQueriesRunIndependently(t *testing.T) {
	sc := &fakeScraper{listings: rawListings(1, "A")}
	p := NewPipeline(sc, newMemStore())

	_, err := p.Backfill(context.Background(), model.SearchPredicate{Query: "Cement", Location: "Pune"}, 5)
	require.NoError(t, err)
	_, err = p.Backfill(context.Background(), model.SearchPredicate{Query: "Cement", Location: "Delhi"}, 5)
	require.NoError(t, err)

	assert.Equal(t, int32(2), sc.calls.Load())
	assert.Equal(t, []string{"Wholesale Cement in Pune", "Wholesale Cement in Delhi"}, sc.queries)
}

func TestPipeline_SteelPipesScenario(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "scenario.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	pred := model.SearchPredicate{Query: "Steel Pipes", Location: "Delhi"}

	// Five existing records, two of which the scrape will see again.
	var existing []model.ListingRecord
	for i := 0; i < 5; i++ {
		existing = append(existing, model.ListingRecord{
			Key:           fmt.Sprintf("98100%05d", i),
			DisplayName:   fmt.Sprintf("Existing %d", i),
			City:          "Delhi",
			CategoryLabel: "Steel Pipes",
			Tags:          []string{"Steel Pipes", "Delhi"},
		})
	}
	_, err = st.UpsertListings(ctx, existing)
	require.NoError(t, err)

	detector := NewDetector(st)
	dec, err := detector.Check(ctx, pred, 20)
	require.NoError(t, err)
	assert.True(t, dec.NeedsBackfill)
	assert.Equal(t, 15, dec.Deficit)

	raws := rawListings(12, "Scraped")
	for i := range raws {
		raws[i].Phone = fmt.Sprintf("98100%05d", i+3)
	}
	raws[4].Phone = ""
	raws[9].Phone = "   "

	sc := &fakeScraper{listings: raws}
	res, err := NewPipeline(sc, st).Backfill(ctx, pred, dec.Deficit)
	require.NoError(t, err)

	assert.Equal(t, 12, res.Scraped)
	assert.Equal(t, 2, res.Dropped)
	assert.Equal(t, 10, res.Persisted)
	assert.Equal(t, []int{15}, sc.targets)

	after, err := detector.CurrentCount(ctx, pred)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after, 10)
	assert.LessOrEqual(t, after, 15)
	assert.Equal(t, 13, after, "two of the ten collided with existing keys")

	rec, err := st.GetListing(ctx, "9810000003")
	require.NoError(t, err)
	assert.Contains(t, rec.Tags, model.ScrapedTag)
	assert.Equal(t, "Delhi", rec.City, "unknown city from the scrape keeps the stored city")
}

func TestPipeline_ScrapeErrorPersistsPartial(t *testing.T) {
	boom := errors.New("navigation timeout")
	sc := &fakeScraper{listings: rawListings(2, "P"), err: boom}
	st := newMemStore()
	p := NewPipeline(sc, st)

	res, err := p.Backfill(context.Background(), model.SearchPredicate{Query: "Spices"}, 10)

	require.Error(t, err)
	se, ok := scrape.AsError(err)
	require.True(t, ok)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "Wholesale Spices", se.Query)
	assert.Equal(t, 2, res.Persisted)
	assert.Equal(t, 2, st.len())
	assert.Equal(t, int64(1), p.Stats().ScrapeFailures)
}

func TestPipeline_StoreErrorPropagates(t *testing.T) {
	sc := &fakeScraper{listings: rawListings(2, "P")}
	st := newMemStore()
	st.upsertErr = errors.New("connection refused")
	p := NewPipeline(sc, st)

	_, err := p.Backfill(context.Background(), model.SearchPredicate{Query: "Spices"}, 10)

	require.Error(t, err)
	assert.True(t, IsStoreError(err))
	assert.False(t, scrape.IsError(err))
	assert.Equal(t, int64(1), p.Stats().StoreFailures)
}

func TestPipeline_NoResultsIsNotAnError(t *testing.T) {
	p := NewPipeline(&fakeScraper{}, newMemStore())

	res, err := p.Backfill(context.Background(), model.SearchPredicate{Query: "Unobtainium"}, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Persisted)
}

func TestPipeline_EmptyQuery(t *testing.T) {
	p := NewPipeline(&fakeScraper{}, newMemStore())

	_, err := p.Backfill(context.Background(), model.SearchPredicate{Location: "Delhi"}, 10)
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestPipeline_Cooldown(t *testing.T) {
	sc := &fakeScraper{listings: rawListings(1, "C")}
	p := NewPipeline(sc, newMemStore(), WithCooldown(10*time.Minute))
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	p.nowFunc = func() time.Time { return now }
	pred := model.SearchPredicate{Query: "Jute Bags", Location: "Kolkata"}

	_, err := p.Backfill(context.Background(), pred, 5)
	require.NoError(t, err)

	res, err := p.Backfill(context.Background(), pred, 5)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, int32(1), sc.calls.Load())

	now = now.Add(11 * time.Minute)
	res, err = p.Backfill(context.Background(), pred, 5)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, int32(2), sc.calls.Load())
	assert.Equal(t, int64(1), p.Stats().CooldownSkips)
}

func TestPipeline_FailedScrapeDoesNotStartCooldown(t *testing.T) {
	sc := &fakeScraper{err: errors.New("down")}
	p := NewPipeline(sc, newMemStore(), WithCooldown(time.Hour))
	pred := model.SearchPredicate{Query: "Jute Bags"}

	_, err := p.Backfill(context.Background(), pred, 5)
	require.Error(t, err)
	_, err = p.Backfill(context.Background(), pred, 5)
	require.Error(t, err)
	assert.Equal(t, int32(2), sc.calls.Load())
}

func TestPipeline_CallerCancelDoesNotAbortSharedScrape(t *testing.T) {
	gate := make(chan struct{})
	sc := &fakeScraper{listings: rawListings(2, "S"), gate: gate, started: make(chan struct{}, 1)}
	st := newMemStore()
	p := NewPipeline(sc, st)
	pred := model.SearchPredicate{Query: "Hosiery", Location: "Ludhiana"}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Backfill(ctx, pred, 5)
		errCh <- err
	}()
	<-sc.started

	waiter := make(chan *Result, 1)
	go func() {
		res, _ := p.Backfill(context.Background(), pred, 5)
		waiter <- res
	}()

	cancel()
	err := <-errCh
	require.ErrorIs(t, err, context.Canceled)

	time.Sleep(50 * time.Millisecond)
	close(gate)
	res := <-waiter
	require.NotNil(t, res)
	assert.Equal(t, 2, res.Persisted)
	assert.Equal(t, 2, st.len())
	assert.Equal(t, int32(1), sc.calls.Load())
}

type panicScraper struct{}

func (panicScraper) Name() string { return "panic" }

func (panicScraper) Scrape(context.Context, string, int) ([]model.RawListing, error) {
	panic("browser crashed")
}

func TestPipeline_PanicBecomesScrapeError(t *testing.T) {
	p := NewPipeline(panicScraper{}, newMemStore())

	_, err := p.Backfill(context.Background(), model.SearchPredicate{Query: "x"}, 1)
	require.Error(t, err)
	assert.True(t, scrape.IsError(err))
	assert.Contains(t, err.Error(), "browser crashed")
	assert.Zero(t, p.Stats().InFlight)
}
