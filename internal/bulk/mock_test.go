package bulk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sells-group/supplier-backfill/internal/backfill"
	"github.com/sells-group/supplier-backfill/internal/model"
)

// fakeRunner records every task it is handed. hook runs before the
// call returns and may fail or panic on purpose.
type fakeRunner struct {
	calls atomic.Int64
	gate  chan struct{}

	mu   sync.Mutex
	seen map[string]int
	hook func(n int64, pred model.SearchPredicate) error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{seen: make(map[string]int)}
}

func (f *fakeRunner) Backfill(_ context.Context, pred model.SearchPredicate, _ int) (*backfill.Result, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.seen[pred.Query+" @ "+pred.Location]++
	hook := f.hook
	f.mu.Unlock()

	if f.gate != nil {
		<-f.gate
	}
	if hook != nil {
		if err := hook(n, pred); err != nil {
			return nil, err
		}
	}
	return &backfill.Result{Query: pred.Query, Persisted: 1}, nil
}

func (f *fakeRunner) seenCounts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.seen))
	for k, v := range f.seen {
		out[k] = v
	}
	return out
}

// memJobStore keeps the latest snapshot in memory.
type memJobStore struct {
	mu    sync.Mutex
	snap  *model.BulkJobSnapshot
	saves int
}

func (m *memJobStore) SaveBulkJob(_ context.Context, snap *model.BulkJobSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	cp.Queue = append([]model.BackfillTask(nil), snap.Queue...)
	m.snap = &cp
	m.saves++
	return nil
}

func (m *memJobStore) LoadBulkJob(context.Context) (*model.BulkJobSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, nil
}

func (m *memJobStore) latest() *model.BulkJobSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func makeTasks(n int) []model.BackfillTask {
	tasks := make([]model.BackfillTask, n)
	for i := range tasks {
		tasks[i] = model.BackfillTask{
			ProductName:   fmt.Sprintf("product-%03d", i),
			CityName:      "Pune",
			CategoryLabel: "Steel",
		}
	}
	return tasks
}

func taskSource(n int) func() []model.BackfillTask {
	return func() []model.BackfillTask { return makeTasks(n) }
}
