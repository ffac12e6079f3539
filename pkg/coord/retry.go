package coord

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const retryAttempts = 3

// ErrUnavailable wraps a backend error that persisted through all retry
// attempts. The API layer maps it to 503.
var ErrUnavailable = errors.New("coordination backend unavailable")

// Retry runs fn up to three times with exponential backoff (100 ms, 200 ms,
// 400 ms). Logical errors (ErrNotFound, ErrCompareFailed) and context
// cancellation abort immediately; only transient backend failures are
// retried. Every coordination-backend call site goes through this helper so
// the retry policy lives in exactly one place.
func Retry(ctx context.Context, fn func() error) error {
	backoff := 100 * time.Millisecond

	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err = fn()
		if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrCompareFailed) {
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
