package resilience

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(BreakerConfig{FailureThreshold: threshold, Cooldown: cooldown})
	b.nowFunc = clk.Now
	return b, clk
}

var errScrape = errors.New("scrape failed")

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("call %d rejected: %v", i, err)
		}
		b.Record(errScrape)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v after 2 failures, want closed", b.State())
	}

	_ = b.Allow()
	b.Record(errScrape)
	if b.State() != StateOpen {
		t.Fatalf("state = %v after 3 failures, want open", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow on open breaker = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.Record(errScrape)
	b.Record(errScrape)
	b.Record(nil)
	if b.Failures() != 0 {
		t.Errorf("failures = %d after success, want 0", b.Failures())
	}
	b.Record(errScrape)
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)

	_ = b.Allow()
	b.Record(errScrape)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	clk.Advance(61 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v after cooldown, want half-open", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second concurrent probe = %v, want ErrCircuitOpen", err)
	}

	b.Record(nil)
	if b.State() != StateClosed {
		t.Errorf("state = %v after successful probe, want closed", b.State())
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)

	_ = b.Allow()
	b.Record(errScrape)
	clk.Advance(2 * time.Minute)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.Record(errScrape)
	if b.State() != StateOpen {
		t.Errorf("state = %v after failed probe, want open", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_CountsFilter(t *testing.T) {
	ignored := errors.New("no results")
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		Counts:           func(err error) bool { return !errors.Is(err, ignored) },
	})

	b.Record(ignored)
	if b.State() != StateClosed {
		t.Errorf("state = %v, uncounted error must not trip", b.State())
	}
}

func TestBreakerState_String(t *testing.T) {
	if got := BreakerState(42).String(); got != "unknown" {
		t.Errorf("String() = %q, want unknown", got)
	}
}

func TestBreaker_ReleaseFreesProbe(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)

	_ = b.Allow()
	b.Record(errScrape)
	clk.Advance(2 * time.Minute)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.Release()
	if err := b.Allow(); err != nil {
		t.Errorf("probe after release rejected: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Errorf("state = %v, want half-open", b.State())
	}
}
