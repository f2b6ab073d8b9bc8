package dispatch

import (
	"context"
	"fmt"
	"time"
)

// DefaultRetryDelay is the initial wait between generation attempts. Each
// subsequent wait doubles.
const DefaultRetryDelay = time.Second

// ImageMaxAttempts bounds image generation retries. Image calls are expensive
// enough that looping until an outer timeout fires is not acceptable.
const ImageMaxAttempts = 2

// backoff runs fn until it succeeds, waiting base between the first two
// attempts and doubling after every failure. maxAttempts <= 0 means
// unbounded; the caller's context is then the only stop condition, so every
// unbounded call site must sit under an external timeout or cancellation.
//
// The wait is a cooperative timer select, never a busy loop.
func backoff(ctx context.Context, base time.Duration, maxAttempts int, fn func(context.Context) error) error {
	if base <= 0 {
		base = DefaultRetryDelay
	}
	delay := base
	attempt := 0
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}
