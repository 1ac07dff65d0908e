package solana

import (
	"context"
	"math/rand"
	"time"

	"rentreclaim/internal/types"
)

// RetryConfig bounds exponential backoff.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64 // fraction of the delay, 0..1
}

// DefaultRetryConfig is used for RPC reads.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        8 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (c RetryConfig) Delay(attempt int) time.Duration {
	backoff := c.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * c.BackoffMultiplier)
		if c.MaxBackoff > 0 && backoff > c.MaxBackoff {
			backoff = c.MaxBackoff
			break
		}
	}
	if c.Jitter > 0 {
		jitter := time.Duration(float64(backoff) * c.Jitter * (rand.Float64()*2 - 1))
		backoff += jitter
	}
	if backoff < 0 {
		backoff = 0
	}
	return backoff
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. fn receives the 1-based attempt number.
func Retry(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !types.IsRetryable(lastErr) || attempt == attempts {
			return lastErr
		}

		timer := time.NewTimer(cfg.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
