package resilience

import (
	"math"
	"math/rand"
	"time"

	"github.com/FairForge/assetvault/internal/engine"
)

// RetryPolicy defines how to retry failed operations
type RetryPolicy struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
}

// DefaultRetryPolicy returns production defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Validate checks configuration
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return engine.ErrConfig("retry.max_retries", "must not be negative, got %d", p.MaxRetries)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return engine.ErrConfig("retry.delay", "delays must not be negative")
	}
	if p.MaxDelay < p.InitialDelay {
		return engine.ErrConfig("retry.max_delay", "must be at least initial_delay (%s)", p.InitialDelay)
	}
	if p.Multiplier < 1 {
		return engine.ErrConfig("retry.multiplier", "must be at least 1, got %v", p.Multiplier)
	}
	return nil
}

// Delay computes the wait before retry number attempt (0-based)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	// Exponential backoff: delay = initial * (multiplier ^ attempt)
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))

	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// Jitter between 0.5x and 1.5x the delay, still capped
	if p.Jitter {
		delay = delay * (0.5 + rand.Float64())
		if delay > float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
		}
	}

	return time.Duration(delay)
}
