package sweep

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/supplier-backfill/internal/catalog"
	"github.com/sells-group/supplier-backfill/internal/model"
	"github.com/sells-group/supplier-backfill/internal/store"
)

func makeProducts(n int) []catalog.Product {
	out := make([]catalog.Product, n)
	for i := range out {
		out[i] = catalog.Product{Name: fmt.Sprintf("product-%02d", i), Category: "Hardware"}
	}
	return out
}

func newTestSweeper(r Runner, c store.CursorStore, n, batch int) *Sweeper {
	s := New(r, c, makeProducts(n), Options{
		BatchSize: batch,
		Cities:    []string{"Pune", "Surat", "Jaipur"},
		Rand:      rand.New(rand.NewPCG(7, 7)),
	})
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestRunBatch_WalksCatalogAndWraps(t *testing.T) {
	runner := &fakeRunner{}
	cursor := &memCursor{}
	s := newTestSweeper(runner, cursor, 12, 5)
	ctx := context.Background()

	want := []struct {
		processed int
		next      int
	}{{5, 5}, {5, 10}, {2, 15}}
	for i, w := range want {
		res, err := s.RunBatch(ctx)
		require.NoError(t, err, "batch %d", i)
		assert.Equal(t, w.processed, res.ProcessedCount, "batch %d", i)
		assert.Equal(t, w.next, res.NextIndex, "batch %d", i)
		assert.False(t, res.CycleComplete)
		assert.Equal(t, 12, res.TotalProducts)
	}

	res, err := s.RunBatch(ctx)
	require.NoError(t, err)
	assert.True(t, res.CycleComplete)
	assert.Equal(t, 0, res.ProcessedCount)
	assert.Equal(t, 0, cursor.index())

	calls := runner.calls()
	require.Len(t, calls, 12)
	for i, pred := range calls {
		assert.Equal(t, fmt.Sprintf("product-%02d", i), pred.Query)
		assert.Equal(t, "Hardware", pred.Category)
	}

	res, err = s.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.NextIndex)
	assert.Equal(t, "product-00", runner.calls()[12].Query)
}

func TestRunBatch_OneCityPerBatch(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestSweeper(runner, &memCursor{}, 10, 5)

	res, err := s.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Contains(t, []string{"Pune", "Surat", "Jaipur"}, res.City)
	for _, pred := range runner.calls() {
		assert.Equal(t, res.City, pred.Location)
	}
}

func TestRunBatch_ItemFailuresDoNotAbort(t *testing.T) {
	runner := &fakeRunner{fail: map[string]error{
		"product-01": errors.New("scrape timeout"),
		"product-03": errors.New("store down"),
	}}
	cursor := &memCursor{}
	s := newTestSweeper(runner, cursor, 10, 5)

	res, err := s.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.ProcessedCount)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 6, res.Persisted)
	assert.Equal(t, 5, cursor.index())
}

func TestRunBatch_PanicIsItemFailure(t *testing.T) {
	runner := &fakeRunner{onRun: func(pred model.SearchPredicate) {
		if pred.Query == "product-00" {
			panic("bad listing")
		}
	}}
	s := newTestSweeper(runner, &memCursor{}, 3, 3)

	res, err := s.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Succeeded)
}

func TestBackfill_PanicErrorHasStack(t *testing.T) {
	runner := &fakeRunner{onRun: func(model.SearchPredicate) { panic("bad listing") }}
	s := newTestSweeper(runner, &memCursor{}, 1, 1)

	_, err := s.backfill(context.Background(), model.SearchPredicate{Query: "product-00"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked: bad listing")
	assert.NotEmpty(t, eris.StackFrames(err))
}

func TestRunBatch_PolitenessDelayBetweenItems(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestSweeper(runner, &memCursor{}, 10, 4)
	s.delay = 3 * time.Second

	var slept []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, err := s.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second}, slept)
}

func TestRunBatch_CancelKeepsCursor(t *testing.T) {
	runner := &fakeRunner{}
	cursor := &memCursor{state: model.SweepCursorState{CurrentIndex: 5}}
	s := newTestSweeper(runner, cursor, 20, 5)
	s.delay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	s.sleep = sleepCtx
	runner.onRun = func(model.SearchPredicate) { cancel() }

	_, err := s.RunBatch(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 5, cursor.index())
	assert.Equal(t, 0, cursor.saves)
	assert.Len(t, runner.calls(), 1)
}

func TestRunBatch_RejectsConcurrentBatch(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{})}
	s := newTestSweeper(runner, &memCursor{}, 10, 2)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.RunBatch(context.Background())
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool { return len(runner.calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := s.RunBatch(context.Background())
	assert.ErrorIs(t, err, ErrInProgress)

	close(runner.gate)
	wg.Wait()
}

func TestRunBatch_OvershootWrapsNextCall(t *testing.T) {
	runner := &fakeRunner{}
	cursor := &memCursor{state: model.SweepCursorState{CurrentIndex: 40}}
	s := newTestSweeper(runner, cursor, 12, 5)

	res, err := s.RunBatch(context.Background())
	require.NoError(t, err)
	assert.True(t, res.CycleComplete)
	assert.Empty(t, runner.calls())
	assert.Equal(t, 0, cursor.index())
}

func TestRunBatch_RequiresCities(t *testing.T) {
	s := New(&fakeRunner{}, &memCursor{}, makeProducts(3), Options{})
	_, err := s.RunBatch(context.Background())
	assert.Error(t, err)
}

func TestRunBatch_CursorSurvivesRestartOnSQLite(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "sweep.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	first := newTestSweeper(&fakeRunner{}, st, 8, 3)
	_, err = first.RunBatch(ctx)
	require.NoError(t, err)

	runner := &fakeRunner{}
	second := newTestSweeper(runner, st, 8, 3)
	res, err := second.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, res.NextIndex)
	assert.Equal(t, "product-03", runner.calls()[0].Query)

	state, err := st.GetSweepCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, state.CurrentIndex)
	require.NotNil(t, state.LastRun)
}

func TestRun_StopsOnCancel(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestSweeper(runner, &memCursor{}, 4, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(runner.calls()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
