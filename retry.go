package agora

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Defaults for network operations against the storage gateway.
const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 1 * time.Second
)

// Retry runs op up to attempts times, sleeping delay between tries. The
// interval is flat, not exponential: a gateway read either answers within a
// beat or the data hasn't propagated yet. The context cancels the wait, so
// stopping a session never hangs on a sleeping retry.
func Retry(ctx context.Context, label string, attempts int, delay time.Duration, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt < attempts {
			logrus.Debugf("🔁 %s failed (attempt %d/%d), retrying in %v: %v", label, attempt, attempts, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	logrus.Warnf("🔁 %s failed after %d attempts: %v", label, attempts, lastErr)
	return fmt.Errorf("%s: %w", label, lastErr)
}

// RetryValue is Retry for operations that produce a value.
func RetryValue[T any](ctx context.Context, label string, attempts int, delay time.Duration, op func() (T, error)) (T, error) {
	var result T
	err := Retry(ctx, label, attempts, delay, func() error {
		var opErr error
		result, opErr = op()
		return opErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
