// Package monitoring gathers backfill health metrics and raises webhook alerts.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/supplier-backfill/internal/backfill"
	"github.com/sells-group/supplier-backfill/internal/model"
	"github.com/sells-group/supplier-backfill/internal/resilience"
	"github.com/sells-group/supplier-backfill/internal/store"
)

// MetricsSnapshot holds a point-in-time view of backfill health.
type MetricsSnapshot struct {
	// Bulk job.
	Bulk         *model.JobProgress `json:"bulk,omitempty"`
	BulkFailRate float64            `json:"bulk_fail_rate"`

	// Request-driven pipeline since process start.
	Pipeline           *backfill.PipelineStats `json:"pipeline,omitempty"`
	ScrapeFailRate     float64                 `json:"scrape_fail_rate"`
	ScrapeBreakerState string                  `json:"scrape_breaker_state,omitempty"`
	ScrapeFailStreak   int                     `json:"scrape_fail_streak"`

	// Sweep cursor.
	Sweep         *model.SweepCursorState `json:"sweep,omitempty"`
	SweepAgeHours float64                 `json:"sweep_age_hours,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// BulkSource reports bulk job progress.
type BulkSource interface {
	Progress() model.JobProgress
}

// PipelineSource reports pipeline counters.
type PipelineSource interface {
	Stats() backfill.PipelineStats
}

// BreakerSource reports the scrape circuit breaker state.
type BreakerSource interface {
	BreakerState() resilience.BreakerState
	BreakerFailures() int
}

// Sources lists what a Collector reads. Nil sources are skipped.
type Sources struct {
	Bulk     BulkSource
	Pipeline PipelineSource
	Breaker  BreakerSource
	Cursor   store.CursorStore
}

// Collector gathers metrics from the running components.
type Collector struct {
	src Sources
	now func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(src Sources) *Collector {
	return &Collector{src: src, now: func() time.Time { return time.Now().UTC() }}
}

// Collect gathers a snapshot of backfill metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{CollectedAt: now}

	if c.src.Bulk != nil {
		p := c.src.Bulk.Progress()
		snap.Bulk = &p
		if p.Completed > 0 {
			snap.BulkFailRate = float64(p.Failed) / float64(p.Completed)
		}
	}

	if c.src.Pipeline != nil {
		s := c.src.Pipeline.Stats()
		snap.Pipeline = &s
		if s.Scrapes > 0 {
			snap.ScrapeFailRate = float64(s.ScrapeFailures) / float64(s.Scrapes)
		}
	}

	if c.src.Breaker != nil {
		snap.ScrapeBreakerState = c.src.Breaker.BreakerState().String()
		snap.ScrapeFailStreak = c.src.Breaker.BreakerFailures()
	}

	if c.src.Cursor != nil {
		state, err := c.src.Cursor.GetSweepCursor(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: load sweep cursor")
		}
		snap.Sweep = state
		if state != nil && state.LastRun != nil {
			snap.SweepAgeHours = now.Sub(*state.LastRun).Hours()
		}
	}

	return snap, nil
}
