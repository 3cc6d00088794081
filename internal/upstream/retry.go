package upstream

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig controls RetryOnRateLimit.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig returns 3 attempts with delays growing from 4s to at most 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 4 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryOnRateLimit runs fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached. Rate-limit and transient network errors are retried
// with exponential backoff; every other error is returned after one attempt.
// Delays between attempts never decrease and never exceed MaxDelay.
func RetryOnRateLimit(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	sleep := cfg.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	delay := cfg.InitialDelay
	var previous time.Duration

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := applyJitter(delay)
		if wait < previous {
			wait = previous
		}
		if wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}
		previous = wait

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, wait, lastErr)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}

func retryable(err error) bool {
	return IsRateLimited(err) || isTransientError(err)
}

// applyJitter adds up to +20% so concurrent callers do not retry in lockstep.
func applyJitter(d time.Duration) time.Duration {
	factor := 1 + rand.Float64()*0.2
	return time.Duration(float64(d) * factor)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
