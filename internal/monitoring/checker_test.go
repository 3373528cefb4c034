package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-backfill/internal/config"
	"github.com/sells-group/supplier-backfill/internal/resilience"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	collector := NewCollector(Sources{})
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, FailureRateThreshold: 0.10}
	checker := NewChecker(collector, NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(Sources{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.NotNil(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var got atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		got.Store(alert.Type)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, FailureRateThreshold: 0.5}
	checker := NewChecker(
		NewCollector(Sources{Breaker: stubBreaker{state: resilience.StateOpen}}),
		NewAlerter(cfg),
		cfg,
	)

	checker.check(context.Background(), zap.NewNop())
	assert.Equal(t, AlertCircuitOpen, got.Load())
}

func TestChecker_SendsOnlyNewAlerts(t *testing.T) {
	var sent atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		sent.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, FailureRateThreshold: 0.5}
	collector := NewCollector(Sources{Breaker: stubBreaker{state: resilience.StateOpen, failures: 5}})
	checker := NewChecker(collector, NewAlerter(cfg), cfg)
	log := zap.NewNop()

	checker.check(context.Background(), log)
	checker.check(context.Background(), log)
	assert.Equal(t, int64(1), sent.Load(), "open breaker alerts once while it stays open")

	collector.src.Breaker = stubBreaker{state: resilience.StateClosed}
	checker.check(context.Background(), log)
	assert.Empty(t, checker.active)

	collector.src.Breaker = stubBreaker{state: resilience.StateOpen, failures: 5}
	checker.check(context.Background(), log)
	assert.Equal(t, int64(2), sent.Load())
}
