package api

import (
	"context"
	"sync"

	"github.com/sells-group/supplier-backfill/internal/backfill"
	"github.com/sells-group/supplier-backfill/internal/model"
	"github.com/sells-group/supplier-backfill/internal/monitoring"
	"github.com/sells-group/supplier-backfill/internal/store"
)

type fakeCoverage struct {
	mu        sync.Mutex
	report    *backfill.CoverageReport
	err       error
	asyncOK   bool
	desired   []int
	preds     []model.SearchPredicate
	asyncPred []model.SearchPredicate
}

func (f *fakeCoverage) EnsureCoverage(_ context.Context, pred model.SearchPredicate, desired int) (*backfill.CoverageReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preds = append(f.preds, pred)
	f.desired = append(f.desired, desired)
	return f.report, f.err
}

func (f *fakeCoverage) EnsureCoverageAsync(pred model.SearchPredicate, desired int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asyncPred = append(f.asyncPred, pred)
	f.desired = append(f.desired, desired)
	return f.asyncOK
}

type fakeListings struct {
	records []model.ListingRecord
	err     error
	pingErr error
	opts    []store.ListOptions
}

func (f *fakeListings) CountListings(context.Context, model.SearchPredicate) (int, error) {
	return len(f.records), f.err
}

func (f *fakeListings) FindListings(_ context.Context, _ model.SearchPredicate, opts store.ListOptions) ([]model.ListingRecord, error) {
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	end := min(opts.Offset+opts.Limit, len(f.records))
	if opts.Offset >= end {
		return nil, nil
	}
	return f.records[opts.Offset:end], nil
}

func (f *fakeListings) Ping(context.Context) error { return f.pingErr }

type fakeBulk struct {
	progress    model.JobProgress
	err         error
	concurrency int
	stopped     bool
}

func (f *fakeBulk) Start(_ context.Context, n int) (model.JobProgress, error) {
	f.concurrency = n
	return f.progress, f.err
}

func (f *fakeBulk) Pause() (model.JobProgress, error) { return f.progress, f.err }

func (f *fakeBulk) Resume(_ context.Context, n int) (model.JobProgress, error) {
	f.concurrency = n
	return f.progress, f.err
}

func (f *fakeBulk) Stop() model.JobProgress {
	f.stopped = true
	return f.progress
}

func (f *fakeBulk) Progress() model.JobProgress { return f.progress }

type fakeSweep struct {
	res *model.SweepResult
	err error
}

func (f *fakeSweep) RunBatch(context.Context) (*model.SweepResult, error) { return f.res, f.err }

type fakeMetrics struct {
	snap *monitoring.MetricsSnapshot
	err  error
}

func (f *fakeMetrics) Collect(context.Context) (*monitoring.MetricsSnapshot, error) {
	return f.snap, f.err
}
