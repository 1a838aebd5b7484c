package sync

import (
	"context"
	"time"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffMax  = 30 * time.Second
)

// backoffDelay returns the exponential delay for a retry attempt,
// capped at backoffMax.
func backoffDelay(attempt int) time.Duration {
	delay := backoffBase << attempt
	if delay > backoffMax || delay <= 0 {
		return backoffMax
	}

	return delay
}

// sleep waits for the given duration unless the context ends first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
