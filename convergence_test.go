package agora

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWaitForBroadcastImmediateSuccess(t *testing.T) {
	broadcasts := 0
	err := WaitForBroadcast(context.Background(), WaitOptions{
		Broadcast: func(ctx context.Context) error {
			broadcasts++
			return nil
		},
		Condition: func(ctx context.Context) (bool, error) {
			return true, nil
		},
		MaxRetries: 3,
		Interval:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("expected convergence, got %v", err)
	}
	if broadcasts != 1 {
		t.Errorf("expected a single broadcast, got %d", broadcasts)
	}
}

func TestWaitForBroadcastRebroadcastsUntilObserved(t *testing.T) {
	broadcasts := 0
	polls := 0
	err := WaitForBroadcast(context.Background(), WaitOptions{
		Broadcast: func(ctx context.Context) error {
			broadcasts++
			return nil
		},
		Condition: func(ctx context.Context) (bool, error) {
			polls++
			return polls >= 3, nil
		},
		MaxRetries: 5,
		Interval:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("expected convergence, got %v", err)
	}
	if polls != 3 {
		t.Errorf("expected 3 polls, got %d", polls)
	}
	// Initial send plus a re-broadcast after each of the two failed polls.
	if broadcasts != 3 {
		t.Errorf("expected 3 broadcasts, got %d", broadcasts)
	}
}

func TestWaitForBroadcastExhaustsRetries(t *testing.T) {
	broadcasts := 0
	err := WaitForBroadcast(context.Background(), WaitOptions{
		Broadcast: func(ctx context.Context) error {
			broadcasts++
			return nil
		},
		Condition: func(ctx context.Context) (bool, error) {
			return false, nil
		},
		MaxRetries: 2,
		Interval:   time.Millisecond,
	})
	if !errors.Is(err, ErrConvergenceTimeout) {
		t.Fatalf("expected ErrConvergenceTimeout, got %v", err)
	}
	if broadcasts != 3 {
		t.Errorf("expected 3 broadcasts before giving up, got %d", broadcasts)
	}
}

func TestWaitForBroadcastConditionErrorsCountAsNotYet(t *testing.T) {
	polls := 0
	err := WaitForBroadcast(context.Background(), WaitOptions{
		Broadcast: func(ctx context.Context) error { return nil },
		Condition: func(ctx context.Context) (bool, error) {
			polls++
			if polls == 1 {
				return false, errors.New("gossip read flaked")
			}
			return true, nil
		},
		MaxRetries: 3,
		Interval:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("a flaky poll should not fail the wait, got %v", err)
	}
	if polls != 2 {
		t.Errorf("expected 2 polls, got %d", polls)
	}
}

func TestWaitForBroadcastStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := WaitForBroadcast(ctx, WaitOptions{
		Broadcast: func(ctx context.Context) error { return nil },
		Condition: func(ctx context.Context) (bool, error) { return false, nil },
		MaxRetries: 100,
		Interval:   time.Hour,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
