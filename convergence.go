package agora

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrConvergenceTimeout is returned when a broadcast never became observable
// within its retry budget. The payload may still propagate later; the caller
// just stops waiting for it.
var ErrConvergenceTimeout = errors.New("broadcast did not converge")

// Convergence defaults. One initial broadcast plus MaxRetries re-broadcasts,
// polling the condition once per interval.
const (
	DefaultConvergenceRetries  = 5
	DefaultConvergenceInterval = 1 * time.Second
)

// WaitOptions configures WaitForBroadcast.
type WaitOptions struct {
	// Broadcast sends the payload. Called once immediately and again after
	// every poll where the condition still reports false.
	Broadcast func(ctx context.Context) error
	// Condition reports whether the network now reflects the broadcast.
	// Errors count as "not yet": gossip reads are flaky, and a failed poll
	// shouldn't burn the whole wait.
	Condition func(ctx context.Context) (bool, error)

	MaxRetries int           // 0 means DefaultConvergenceRetries
	Interval   time.Duration // 0 means DefaultConvergenceInterval
}

// WaitForBroadcast sends a broadcast and polls until the condition confirms
// it took effect, re-broadcasting on every unsuccessful poll. GSOC delivery
// is best-effort, so a single send can simply vanish; repeating it until the
// effect is observable is what gives the protocol its at-least-once feel.
//
// Cancelling the context aborts the wait between polls without leaking the
// timer.
func WaitForBroadcast(ctx context.Context, opts WaitOptions) error {
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = DefaultConvergenceRetries
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultConvergenceInterval
	}

	if err := opts.Broadcast(ctx); err != nil {
		logrus.Debugf("📣 initial broadcast failed, will retry: %v", err)
	}

	for attempt := 0; attempt <= retries; attempt++ {
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}

		ok, err := opts.Condition(ctx)
		if err != nil {
			logrus.Debugf("📣 convergence check failed (attempt %d/%d): %v", attempt+1, retries+1, err)
		}
		if ok {
			return nil
		}
		if attempt < retries {
			if err := opts.Broadcast(ctx); err != nil {
				logrus.Debugf("📣 re-broadcast failed (attempt %d/%d): %v", attempt+1, retries+1, err)
			}
		}
	}

	convergenceTimeoutsTotal.Inc()
	return ErrConvergenceTimeout
}
