package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/supplier-backfill/internal/config"
)

// Checker runs periodic alert checks in the background. An alert is sent
// when it is first raised and again only after it has cleared.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	// active is only touched by the goroutine running check.
	active map[AlertType]bool
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		active:    make(map[AlertType]bool),
	}
}

// Run checks once, then on every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Float64("failure_rate_threshold", c.cfg.FailureRateThreshold),
		zap.Int("min_completed_tasks", c.cfg.MinCompletedTasks),
		zap.Int("sweep_stale_hours", c.cfg.SweepStaleHours),
		zap.Bool("webhook", c.cfg.WebhookURL != ""),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.check(ctx, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	raised := make(map[AlertType]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		raised[a.Type] = true
		if !c.active[a.Type] {
			fresh = append(fresh, a)
		}
	}
	for t := range c.active {
		if !raised[t] {
			log.Info("monitoring: alert cleared", zap.String("type", string(t)))
		}
	}
	c.active = raised

	if len(fresh) == 0 {
		log.Debug("monitoring: no new alerts", zap.Int("active", len(raised)))
		return
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_raised", len(fresh)),
		zap.Int("alerts_active", len(raised)),
		zap.Int("alerts_sent", sent),
		zap.String("breaker", snap.ScrapeBreakerState),
	)
}
