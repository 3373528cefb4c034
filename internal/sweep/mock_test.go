package sweep

import (
	"context"
	"sync"

	"github.com/sells-group/supplier-backfill/internal/backfill"
	"github.com/sells-group/supplier-backfill/internal/model"
)

type fakeRunner struct {
	mu    sync.Mutex
	preds []model.SearchPredicate
	fail  map[string]error
	gate  chan struct{}
	onRun func(pred model.SearchPredicate)
}

func (f *fakeRunner) Backfill(_ context.Context, pred model.SearchPredicate, _ int) (*backfill.Result, error) {
	f.mu.Lock()
	f.preds = append(f.preds, pred)
	err := f.fail[pred.Query]
	onRun := f.onRun
	f.mu.Unlock()

	if onRun != nil {
		onRun(pred)
	}
	if f.gate != nil {
		<-f.gate
	}
	if err != nil {
		return nil, err
	}
	return &backfill.Result{Query: pred.Query, Persisted: 2}, nil
}

func (f *fakeRunner) calls() []model.SearchPredicate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.SearchPredicate(nil), f.preds...)
}

type memCursor struct {
	mu    sync.Mutex
	state model.SweepCursorState
	saves int
}

func (m *memCursor) GetSweepCursor(context.Context) (*model.SweepCursorState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	return &s, nil
}

func (m *memCursor) SaveSweepCursor(_ context.Context, state model.SweepCursorState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.saves++
	return nil
}

func (m *memCursor) index() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CurrentIndex
}
