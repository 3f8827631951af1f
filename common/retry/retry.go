// Package retry provides bounded retry loops with pluggable backoff for
// transient errors.
//
// Usage:
//
//	err := retry.Do(ctx, retry.Config{
//	    MaxAttempts: 3,
//	    Backoff:     retry.Linear(time.Second),
//	}, func(attempt int) error {
//	    return client.Call()
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// BackoffFunc returns the wait that follows failed attempt (0-indexed).
type BackoffFunc func(attempt int) time.Duration

// SleepFunc suspends the caller for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config controls the retry behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts (including the first).
	// Zero or negative values are treated as 1 (no retries).
	MaxAttempts int
	// Backoff computes the wait after each failed attempt. Defaults to
	// Exponential(DefaultConfig.InitialDelay, DefaultConfig.MaxDelay).
	Backoff BackoffFunc
	// InitialDelay and MaxDelay parameterise the default exponential backoff
	// when Backoff is nil.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// ShouldRetry is an optional predicate that lets callers classify errors
	// as retryable.  When nil, all non-nil errors are retried.
	ShouldRetry func(err error) bool
	// OnRetry, when set, is called before each wait with the failed attempt
	// index, its error and the wait about to happen.
	OnRetry func(attempt int, err error, delay time.Duration)
	// Sleep replaces the timer-based wait. Tests use it to record delays.
	Sleep SleepFunc
}

// DefaultConfig provides sensible defaults for short-lived network calls.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
}

// Linear waits base*(attempt+1) after failed attempt (0-indexed).
func Linear(base time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return base * time.Duration(attempt+1)
	}
}

// Exponential doubles initial after every failure, capped at max.
func Exponential(initial, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		d := initial
		for i := 0; i < attempt; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		return d
	}
}

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn up to cfg.MaxAttempts times, waiting cfg.Backoff(attempt)
// between attempts.  fn receives the 0-indexed attempt number. It stops early
// when ctx is cancelled, fn returns nil, or ShouldRetry rejects the error.
// The error from the last attempt is returned.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Backoff == nil {
		if cfg.InitialDelay <= 0 {
			cfg.InitialDelay = DefaultConfig.InitialDelay
		}
		if cfg.MaxDelay <= 0 {
			cfg.MaxDelay = DefaultConfig.MaxDelay
		}
		cfg.Backoff = Exponential(cfg.InitialDelay, cfg.MaxDelay)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = Sleep
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool { return true }
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := cfg.Backoff(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		} else {
			slog.Debug("retry: attempt failed, retrying",
				"attempt", attempt+1, "max", cfg.MaxAttempts,
				"err", lastErr, "delay", delay)
		}
		if err := cfg.Sleep(ctx, delay); err != nil {
			return errors.Join(lastErr, err)
		}
	}

	return lastErr
}
