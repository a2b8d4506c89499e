package retry

import (
	"context"
	"time"
)

// Policy is a shared retry-with-backoff policy for downstream publishes
// (cache writes, broadcaster, processed topic). One policy object is built
// at startup and reused by every call site.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Backoff returns the sleep duration before the given retry attempt.
// Attempts step 1x/2.5x/5x the base delay, then stay at 5x.
func (p Policy) Backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return p.BaseDelay
	case 1:
		return p.BaseDelay * 5 / 2
	default:
		return p.BaseDelay * 5
	}
}

// Do runs fn until it succeeds, the attempt budget is spent, or ctx ends.
// The last error is returned when all attempts fail.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-time.After(p.Backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
