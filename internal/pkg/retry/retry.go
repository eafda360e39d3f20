// Package retry runs startup operations with capped exponential backoff.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// MaxBackoff caps the delay between attempts.
const MaxBackoff = 16 * time.Second

// Do calls fn up to attempts times, sleeping between failures.
// attempts <= 0 is treated as 1. The last error is returned wrapped.
func Do(ctx context.Context, attempts int, op string, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				slog.Info("operation succeeded after retry", "operation", op, "attempts", attempt)
			}
			return nil
		}

		if attempt < attempts {
			backoff := Backoff(attempt)
			slog.Warn("operation failed, retrying",
				"operation", op,
				"attempt", attempt,
				"max_attempts", attempts,
				"backoff", backoff,
				"error", lastErr,
			)
			if !sleep(ctx, backoff) {
				return fmt.Errorf("%s cancelled: %w", op, ctx.Err())
			}
		}
	}

	return fmt.Errorf("%s after %d attempts: %w", op, attempts, lastErr)
}

// Backoff returns exponential backoff duration for attempt, capped at MaxBackoff.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 5 {
		return MaxBackoff
	}
	backoff := time.Duration(1<<(attempt-1)) * time.Second
	if backoff > MaxBackoff {
		backoff = MaxBackoff
	}
	return backoff
}

// sleep waits for duration or context cancellation. Returns false if cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
