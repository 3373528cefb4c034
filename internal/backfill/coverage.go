package backfill

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/supplier-backfill/internal/model"
	"github.com/sells-group/supplier-backfill/internal/scrape"
)

// Backfiller runs one scrape-and-persist cycle.
type Backfiller interface {
	Backfill(ctx context.Context, pred model.SearchPredicate, target int) (*Result, error)
}

// CoverageReport describes one EnsureCoverage call.
type CoverageReport struct {
	Query         string  `json:"query"`
	Desired       int     `json:"desired"`
	Before        int     `json:"before"`
	After         int     `json:"after"`
	SkippedStrict bool    `json:"skipped_strict,omitempty"`
	Backfilled    bool    `json:"backfilled"`
	ScrapeFailed  bool    `json:"scrape_failed,omitempty"`
	Result        *Result `json:"result,omitempty"`
}

// CoverageOption configures a Coverage.
type CoverageOption func(*Coverage)

// WithMinTarget sets the smallest scrape target requested for a gap.
func WithMinTarget(n int) CoverageOption {
	return func(c *Coverage) {
		c.minTarget = n
	}
}

// WithMaxTarget caps the scrape target requested for a gap. 0 means no cap.
func WithMaxTarget(n int) CoverageOption {
	return func(c *Coverage) {
		c.maxTarget = n
	}
}

// WithMaxAsync bounds the number of background backfills.
func WithMaxAsync(n int64) CoverageOption {
	return func(c *Coverage) {
		if n > 0 {
			c.async = semaphore.NewWeighted(n)
		}
	}
}

// Coverage combines the Detector and a Backfiller into the ensure-coverage
// operation used by search and category handlers.
type Coverage struct {
	detector  *Detector
	pipeline  Backfiller
	minTarget int
	maxTarget int
	async     *semaphore.Weighted
	wg        sync.WaitGroup
	log       *zap.Logger
}

// NewCoverage creates a Coverage.
func NewCoverage(detector *Detector, pipeline Backfiller, opts ...CoverageOption) *Coverage {
	c := &Coverage{
		detector: detector,
		pipeline: pipeline,
		async:    semaphore.NewWeighted(8),
		log:      zap.L().With(zap.String("component", "backfill.coverage")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureCoverage backfills pred until desired listings match, or as close as
// one scrape gets. Scrape failures are logged and absorbed; store failures
// are returned.
func (c *Coverage) EnsureCoverage(ctx context.Context, pred model.SearchPredicate, desired int) (*CoverageReport, error) {
	if strings.TrimSpace(pred.Query) == "" {
		return nil, ErrEmptyQuery
	}

	dec, err := c.detector.Check(ctx, pred, desired)
	if err != nil {
		return nil, err
	}
	report := &CoverageReport{Query: pred.Query, Desired: desired, Before: dec.Current, After: dec.Current}

	if pred.Strict() {
		report.SkippedStrict = true
		return report, nil
	}
	if !dec.NeedsBackfill {
		return report, nil
	}

	target := dec.Deficit
	if target < c.minTarget {
		target = c.minTarget
	}
	if c.maxTarget > 0 && target > c.maxTarget {
		target = c.maxTarget
	}

	res, err := c.pipeline.Backfill(ctx, pred, target)
	report.Result = res
	switch {
	case err == nil:
	case scrape.IsError(err):
		report.ScrapeFailed = true
		c.log.Warn("backfill scrape failed, serving existing listings",
			zap.String("query", pred.Query),
			zap.String("location", pred.Location),
			zap.Int("current", dec.Current),
			zap.Error(err),
		)
	default:
		return report, err
	}
	report.Backfilled = res != nil && !res.Skipped

	after, err := c.detector.CurrentCount(ctx, pred)
	if err != nil {
		return report, err
	}
	report.After = after
	return report, nil
}

// EnsureCoverageAsync runs EnsureCoverage in the background and returns at
// once. It reports false when the background slots are all taken, in which
// case nothing is started.
func (c *Coverage) EnsureCoverageAsync(pred model.SearchPredicate, desired int) bool {
	if strings.TrimSpace(pred.Query) == "" || pred.Strict() {
		return false
	}
	if !c.async.TryAcquire(1) {
		c.log.Debug("async backfill dropped, all slots busy", zap.String("query", pred.Query))
		return false
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.async.Release(1)
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("async backfill panicked", zap.String("query", pred.Query), zap.Any("panic", r))
			}
		}()

		report, err := c.EnsureCoverage(context.Background(), pred, desired)
		if err != nil {
			c.log.Error("async backfill failed", zap.String("query", pred.Query), zap.Error(err))
			return
		}
		c.log.Debug("async backfill finished",
			zap.String("query", pred.Query),
			zap.Int("before", report.Before),
			zap.Int("after", report.After),
		)
	}()
	return true
}

// Wait blocks until background backfills finish or ctx ends.
func (c *Coverage) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
