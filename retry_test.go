package agora

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "flaky op", 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), "doomed op", 3, time.Millisecond, func() error {
		calls++
		return boom
	})

	if err == nil {
		t.Fatal("expected an error after exhausting attempts")
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped original error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 calls, got %d", calls)
	}
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, "cancelled op", 3, time.Millisecond, func() error {
		calls++
		return errors.New("should not run")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("op should never run on a cancelled context, ran %d times", calls)
	}
}

func TestRetryCancelDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, "slow op", 5, time.Hour, func() error {
			calls++
			return errors.New("keep retrying")
		})
	}()

	// Give the first attempt time to fail and enter the wait.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("retry did not unblock after cancellation")
	}
	if calls != 1 {
		t.Errorf("expected a single attempt before cancellation, got %d", calls)
	}
}

func TestRetryValueReturnsResult(t *testing.T) {
	calls := 0
	value, err := RetryValue(context.Background(), "value op", 3, time.Millisecond, func() (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("not yet")
		}
		return "payload", nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "payload" {
		t.Errorf("expected payload, got %q", value)
	}
}

func TestRetryValueZeroOnFailure(t *testing.T) {
	value, err := RetryValue(context.Background(), "doomed value op", 2, time.Millisecond, func() (int, error) {
		return 42, errors.New("boom")
	})

	if err == nil {
		t.Fatal("expected an error")
	}
	if value != 0 {
		t.Errorf("expected zero value on failure, got %d", value)
	}
}
