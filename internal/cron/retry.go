package cron

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig controls exponential backoff for maintenance jobs and
// background embedding batches.
type RetryConfig struct {
	MaxRetries int           // retries after the first attempt; 0 = run once
	BaseDelay  time.Duration // first backoff delay
	MaxDelay   time.Duration // backoff cap
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Retryable lets an error opt out of retries (e.g. validation failures).
type Retryable interface {
	Retryable() bool
}

// Do runs fn until it succeeds, returns a non-retryable error, the retry
// budget runs out, or ctx is done. It reports how many attempts ran.
func Do[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var (
		zero T
		err  error
	)
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		var out T
		out, err = fn(ctx)
		if err == nil {
			return out, attempt + 1, nil
		}
		if r, ok := err.(Retryable); ok && !r.Retryable() {
			return zero, attempt + 1, err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		timer := time.NewTimer(backoffWithJitter(cfg.BaseDelay, cfg.MaxDelay, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt + 1, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, cfg.MaxRetries + 1, err
}

// backoffWithJitter is min(base*2^attempt, max) ±25%.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	delay := max
	if attempt < 32 {
		if d := base << uint(attempt); d > 0 && d < max {
			delay = d
		}
	}
	quarter := delay / 4
	if quarter > 0 {
		delay += time.Duration(rand.Int64N(int64(quarter*2))) - quarter
	}
	return delay
}
