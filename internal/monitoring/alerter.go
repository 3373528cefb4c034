package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-backfill/internal/config"
	"github.com/sells-group/supplier-backfill/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertBulkFailureRate   AlertType = "bulk_failure_rate"
	AlertScrapeFailureRate AlertType = "scrape_failure_rate"
	AlertCircuitOpen       AlertType = "scrape_circuit_open"
	AlertSweepStale        AlertType = "sweep_stale"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()
	minTasks := int64(max(a.cfg.MinCompletedTasks, 1))

	if b := snap.Bulk; b != nil && b.Completed >= minTasks && snap.BulkFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertBulkFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Bulk backfill failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d completed, job %s)",
				snap.BulkFailRate*100, a.cfg.FailureRateThreshold*100,
				b.Failed, b.Completed, b.JobID,
			),
			Details: map[string]any{
				"failure_rate": snap.BulkFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       b.Failed,
				"completed":    b.Completed,
				"state":        b.State,
			},
			Timestamp: now,
		})
	}

	if p := snap.Pipeline; p != nil && p.Scrapes >= minTasks && snap.ScrapeFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertScrapeFailureRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Scrape failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d scrapes)",
				snap.ScrapeFailRate*100, a.cfg.FailureRateThreshold*100,
				p.ScrapeFailures, p.Scrapes,
			),
			Details: map[string]any{
				"failure_rate": snap.ScrapeFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       p.ScrapeFailures,
				"scrapes":      p.Scrapes,
			},
			Timestamp: now,
		})
	}

	if snap.ScrapeBreakerState == resilience.StateOpen.String() {
		alerts = append(alerts, Alert{
			Type:      AlertCircuitOpen,
			Severity:  "high",
			Message:   "Scrape service circuit breaker is open; backfill requests are being rejected",
			Details:   map[string]any{"state": snap.ScrapeBreakerState},
			Timestamp: now,
		})
	}

	if a.cfg.SweepStaleHours > 0 && snap.Sweep != nil && snap.Sweep.LastRun != nil &&
		snap.SweepAgeHours > float64(a.cfg.SweepStaleHours) {
		alerts = append(alerts, Alert{
			Type:     AlertSweepStale,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Sweep last ran %.1fh ago (threshold %dh, cursor at %d)",
				snap.SweepAgeHours, a.cfg.SweepStaleHours, snap.Sweep.CurrentIndex,
			),
			Details: map[string]any{
				"age_hours":     snap.SweepAgeHours,
				"current_index": snap.Sweep.CurrentIndex,
				"last_run":      snap.Sweep.LastRun,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
