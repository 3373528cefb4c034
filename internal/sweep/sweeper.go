// Package sweep walks the product catalog a batch at a time, persisting a
// cursor between invocations so an external scheduler can drive it.
package sweep

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-backfill/internal/backfill"
	"github.com/sells-group/supplier-backfill/internal/catalog"
	"github.com/sells-group/supplier-backfill/internal/model"
	"github.com/sells-group/supplier-backfill/internal/store"
)

// ErrInProgress is returned when a batch is requested while one is running.
var ErrInProgress = eris.New("sweep: batch already in progress")

// Runner backfills one predicate.
type Runner interface {
	Backfill(ctx context.Context, pred model.SearchPredicate, target int) (*backfill.Result, error)
}

// Options configures a Sweeper.
type Options struct {
	BatchSize       int
	TargetCount     int
	PolitenessDelay time.Duration
	// Cities are the candidates a batch picks its city from.
	Cities []string
	// Rand seeds city selection; nil uses a random seed.
	Rand *rand.Rand
}

// Sweeper runs cursor-driven sweep batches.
type Sweeper struct {
	runner   Runner
	cursor   store.CursorStore
	products []catalog.Product
	cities   []string
	batch    int
	target   int
	delay    time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	running atomic.Bool
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	log     *zap.Logger
}

// New creates a sweeper over products. The product order must be stable
// between processes since the cursor is an offset into it.
func New(runner Runner, cursor store.CursorStore, products []catalog.Product, opts Options) *Sweeper {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.TargetCount <= 0 {
		opts.TargetCount = 20
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Sweeper{
		runner:   runner,
		cursor:   cursor,
		products: products,
		cities:   opts.Cities,
		batch:    opts.BatchSize,
		target:   opts.TargetCount,
		delay:    opts.PolitenessDelay,
		rng:      opts.Rand,
		sleep:    sleepCtx,
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.L().With(zap.String("component", "sweep.sweeper")),
	}
}

// RunBatch processes the next batch and advances the cursor by the batch
// size. Once the cursor has passed the end of the catalog the call resets it
// to zero and returns without scraping.
func (s *Sweeper) RunBatch(ctx context.Context) (*model.SweepResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrInProgress
	}
	defer s.running.Store(false)

	total := len(s.products)
	if total == 0 {
		return nil, eris.New("sweep: catalog has no products")
	}
	if len(s.cities) == 0 {
		return nil, eris.New("sweep: no candidate cities")
	}

	state, err := s.cursor.GetSweepCursor(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "sweep: load cursor")
	}
	idx := max(state.CurrentIndex, 0)

	if idx >= total {
		if err := s.cursor.SaveSweepCursor(ctx, model.SweepCursorState{CurrentIndex: 0, LastRun: state.LastRun}); err != nil {
			return nil, eris.Wrap(err, "sweep: reset cursor")
		}
		s.log.Info("sweep cycle complete, cursor reset", zap.Int("total_products", total))
		return &model.SweepResult{NextIndex: 0, TotalProducts: total, CycleComplete: true}, nil
	}

	end := min(idx+s.batch, total)
	city := s.pickCity()
	res := &model.SweepResult{TotalProducts: total, City: city}

	log := s.log.With(zap.Int("index", idx), zap.String("city", city))
	log.Info("sweep batch starting", zap.Int("batch", end-idx))

	for i, p := range s.products[idx:end] {
		if i > 0 && s.delay > 0 {
			if err := s.sleep(ctx, s.delay); err != nil {
				return nil, eris.Wrap(err, "sweep: batch interrupted")
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "sweep: batch interrupted")
		}

		pred := model.SearchPredicate{Query: p.Name, Location: city, Category: p.Category}
		out, err := s.backfill(ctx, pred)
		if err != nil && ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "sweep: batch interrupted")
		}
		res.ProcessedCount++
		if err != nil {
			res.Failed++
			log.Warn("sweep item failed", zap.String("product", p.Name), zap.Error(err))
			continue
		}
		res.Succeeded++
		if out != nil {
			res.Persisted += out.Persisted
		}
	}

	now := s.now()
	res.NextIndex = idx + s.batch
	if err := s.cursor.SaveSweepCursor(ctx, model.SweepCursorState{CurrentIndex: res.NextIndex, LastRun: &now}); err != nil {
		return nil, eris.Wrap(err, "sweep: save cursor")
	}

	log.Info("sweep batch done",
		zap.Int("processed", res.ProcessedCount),
		zap.Int("failed", res.Failed),
		zap.Int("persisted", res.Persisted),
		zap.Int("next_index", res.NextIndex),
	)
	return res, nil
}

// Run invokes RunBatch immediately and then every interval until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	s.log.Info("starting sweep loop", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunBatch(ctx); err != nil {
			switch {
			case eris.Is(err, ErrInProgress):
				s.log.Debug("sweep batch skipped, previous still running")
			case ctx.Err() != nil:
			default:
				s.log.Error("sweep batch failed", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			s.log.Info("sweep loop stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) backfill(ctx context.Context, pred model.SearchPredicate) (res *backfill.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("sweep: backfill %q panicked: %v", pred.Query, r)
		}
	}()
	return s.runner.Backfill(ctx, pred, s.target)
}

func (s *Sweeper) pickCity() string {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.cities[s.rng.IntN(len(s.cities))]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
