package resilience

import (
	"time"

	"github.com/sells-group/supplier-backfill/internal/config"
)

// PolicyFromConfig builds a retry policy, keeping defaults for unset values.
func PolicyFromConfig(c config.ResilienceConfig) Policy {
	p := DefaultPolicy()
	if c.MaxAttempts > 0 {
		p.Attempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		p.BaseDelay = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		p.MaxDelay = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	if c.JitterFraction >= 0 {
		p.Jitter = c.JitterFraction
	}
	return p
}

// BreakerFromConfig builds a breaker config, keeping defaults for unset values.
func BreakerFromConfig(c config.ResilienceConfig) BreakerConfig {
	bc := BreakerConfig{FailureThreshold: 5, Cooldown: 60 * time.Second}
	if c.FailureThreshold > 0 {
		bc.FailureThreshold = c.FailureThreshold
	}
	if c.ResetTimeoutSecs > 0 {
		bc.Cooldown = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	return bc
}
