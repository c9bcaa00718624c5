package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotReady signals that the platform accepted the request but the
// artifact is still being prepared (HTTP 202). RetryNotReady keeps polling
// while an operation returns it.
var ErrNotReady = errors.New("not ready yet")

const maxNotReadyAttempts = 10

// notReadyDelay follows an exponential start (2s, 4s, 8s) and then settles
// at a fixed 10s poll. Swappable in tests.
var notReadyDelay = func(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 2 * time.Second
	case 1:
		return 4 * time.Second
	case 2:
		return 8 * time.Second
	default:
		return 10 * time.Second
	}
}

// RetryNotReady runs op until it succeeds, fails with a real error, or
// exhausts the retry budget while still not ready. Sleeps honor ctx.
func RetryNotReady(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < maxNotReadyAttempts; attempt++ {
		err = op()
		if err == nil || !errors.Is(err, ErrNotReady) {
			return err
		}

		timer := time.NewTimer(notReadyDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("still not ready after %d attempts: %w", maxNotReadyAttempts, err)
}
