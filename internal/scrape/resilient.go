package scrape

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/supplier-backfill/internal/model"
	"github.com/sells-group/supplier-backfill/internal/resilience"
)

// ResilientOptions configures a Resilient scraper. Zero values disable the
// corresponding protection.
type ResilientOptions struct {
	// RatePerSec and Burst throttle calls to the external source.
	RatePerSec float64
	Burst      int
	// Timeout bounds a single attempt.
	Timeout time.Duration
	Policy  resilience.Policy
	Breaker *resilience.Breaker
}

// Resilient adds politeness throttling, retries and a circuit breaker to a
// Scraper. Every failure comes back as *Error.
type Resilient struct {
	next    Scraper
	limiter *rate.Limiter
	timeout time.Duration
	policy  resilience.Policy
	breaker *resilience.Breaker
	log     *zap.Logger
}

// NewResilient wraps next.
func NewResilient(next Scraper, opts ResilientOptions) *Resilient {
	r := &Resilient{
		next:    next,
		timeout: opts.Timeout,
		policy:  opts.Policy,
		breaker: opts.Breaker,
		log:     zap.L().With(zap.String("component", "scrape.resilient"), zap.String("source", next.Name())),
	}
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	if r.policy.OnRetry == nil {
		r.policy.OnRetry = func(attempt int, err error) {
			r.log.Warn("retrying scrape", zap.Int("attempt", attempt), zap.Error(err))
		}
	}
	return r
}

// Name implements Scraper.
func (r *Resilient) Name() string { return r.next.Name() }

// BreakerState reports the breaker state, or closed when no breaker is set.
func (r *Resilient) BreakerState() resilience.BreakerState {
	if r.breaker == nil {
		return resilience.StateClosed
	}
	return r.breaker.State()
}

// BreakerFailures reports consecutive failures counted by the breaker.
func (r *Resilient) BreakerFailures() int {
	if r.breaker == nil {
		return 0
	}
	return r.breaker.Failures()
}

// Scrape implements Scraper.
func (r *Resilient) Scrape(ctx context.Context, query string, target int) ([]model.RawListing, error) {
	start := time.Now()

	if r.breaker != nil {
		if err := r.breaker.Allow(); err != nil {
			return nil, &Error{Source: r.Name(), Query: query, Err: err}
		}
	}

	listings, err := resilience.Retry(ctx, r.policy, func(ctx context.Context) ([]model.RawListing, error) {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		return r.next.Scrape(ctx, query, target)
	})

	if r.breaker != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			r.breaker.Release()
		} else {
			r.breaker.Record(err)
		}
	}

	if err != nil {
		r.log.Warn("scrape failed",
			zap.String("query", query),
			zap.Int("partial", len(listings)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return listings, &Error{Source: r.Name(), Query: query, Partial: len(listings), Err: err}
	}

	r.log.Info("scrape complete",
		zap.String("query", query),
		zap.Int("target", target),
		zap.Int("results", len(listings)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return listings, nil
}
