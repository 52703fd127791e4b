package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig is the raw retry configuration for one dependency.
type RetryConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
}

// RetryPolicy is an immutable, validated retry configuration shared by every call to a dependency.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
	// Retryable decides whether a failed attempt is worth repeating. Defaults to IsRetryable.
	Retryable func(error) bool
	// Rand returns a uniform value in [0,1). Defaults to math/rand/v2; tests seed it.
	Rand func() float64
}

// NewRetryPolicy validates cfg and returns a policy. Misconfiguration fails fast.
func NewRetryPolicy(cfg RetryConfig) (RetryPolicy, error) {
	if cfg.MaxAttempts < 1 {
		return RetryPolicy{}, fmt.Errorf("%w: max attempts must be >= 1, got %d", ErrInvalidConfig, cfg.MaxAttempts)
	}
	if cfg.BaseDelay <= 0 {
		return RetryPolicy{}, fmt.Errorf("%w: base delay must be > 0, got %v", ErrInvalidConfig, cfg.BaseDelay)
	}
	if cfg.Multiplier < 1 {
		return RetryPolicy{}, fmt.Errorf("%w: multiplier must be >= 1, got %v", ErrInvalidConfig, cfg.Multiplier)
	}
	maxDelay := cfg.MaxDelay
	if maxDelay == 0 {
		maxDelay = cfg.BaseDelay
	}
	if maxDelay < cfg.BaseDelay {
		return RetryPolicy{}, fmt.Errorf("%w: max delay %v is below base delay %v", ErrInvalidConfig, maxDelay, cfg.BaseDelay)
	}
	if cfg.JitterFraction < 0 || cfg.JitterFraction > 1 {
		return RetryPolicy{}, fmt.Errorf("%w: jitter fraction must be within [0,1], got %v", ErrInvalidConfig, cfg.JitterFraction)
	}

	return RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		BaseDelay:      cfg.BaseDelay,
		MaxDelay:       maxDelay,
		Multiplier:     cfg.Multiplier,
		JitterFraction: cfg.JitterFraction,
		Retryable:      IsRetryable,
		Rand:           rand.Float64,
	}, nil
}

// Delay returns the wait before the retry that follows attempt (1-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	raw := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if math.IsInf(raw, 0) || math.IsNaN(raw) || raw > float64(p.MaxDelay) {
		raw = float64(p.MaxDelay)
	}

	if p.JitterFraction > 0 {
		random := p.Rand
		if random == nil {
			random = rand.Float64
		}
		// u in [-1, 1)
		u := 2*random() - 1
		raw += raw * p.JitterFraction * u
	}
	if raw <= 0 {
		return 0
	}
	return time.Duration(raw)
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable == nil {
		return IsRetryable(err)
	}
	return p.Retryable(err)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
