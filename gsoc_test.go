package agora

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryGsocFansOutToSubscribers(t *testing.T) {
	gsoc := NewMemoryGsoc()
	ctx := context.Background()

	var first, second, other atomic.Int32
	if _, err := gsoc.Subscribe("room", ResourceUsers, func(data []byte) { first.Add(1) }); err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	if _, err := gsoc.Subscribe("room", ResourceUsers, func(data []byte) { second.Add(1) }); err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	// Same topic, different resource: must not hear the broadcast.
	if _, err := gsoc.Subscribe("room", ResourceHistory, func(data []byte) { other.Add(1) }); err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	if err := gsoc.Broadcast(ctx, "room", ResourceUsers, []byte("hello")); err != nil {
		t.Fatalf("broadcasting: %v", err)
	}

	waitFor(t, time.Second, "both subscribers to hear the broadcast", func() bool {
		return first.Load() == 1 && second.Load() == 1
	})
	if other.Load() != 0 {
		t.Error("broadcast leaked onto another resource")
	}
}

func TestMemoryGsocFetchLatestReturnsNewestPayload(t *testing.T) {
	gsoc := NewMemoryGsoc()
	ctx := context.Background()

	if _, err := gsoc.FetchLatest(ctx, "room", ResourceHistory); !errors.Is(err, ErrNoPayload) {
		t.Fatalf("expected ErrNoPayload on a fresh channel, got %v", err)
	}

	if err := gsoc.Broadcast(ctx, "room", ResourceHistory, []byte("old")); err != nil {
		t.Fatalf("broadcasting: %v", err)
	}
	if err := gsoc.Broadcast(ctx, "room", ResourceHistory, []byte("new")); err != nil {
		t.Fatalf("broadcasting: %v", err)
	}

	latest, err := gsoc.FetchLatest(ctx, "room", ResourceHistory)
	if err != nil {
		t.Fatalf("fetching latest: %v", err)
	}
	if string(latest) != "new" {
		t.Errorf("expected the newest payload, got %q", latest)
	}
}

func TestMemoryGsocCancelStopsDelivery(t *testing.T) {
	gsoc := NewMemoryGsoc()
	ctx := context.Background()

	var delivered atomic.Int32
	subscription, err := gsoc.Subscribe("room", ResourceUsers, func(data []byte) { delivered.Add(1) })
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	if err := gsoc.Broadcast(ctx, "room", ResourceUsers, []byte("one")); err != nil {
		t.Fatalf("broadcasting: %v", err)
	}
	waitFor(t, time.Second, "first delivery", func() bool { return delivered.Load() == 1 })

	subscription.Cancel()
	if err := gsoc.Broadcast(ctx, "room", ResourceUsers, []byte("two")); err != nil {
		t.Fatalf("broadcasting: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if delivered.Load() != 1 {
		t.Errorf("cancelled subscription still delivered, count %d", delivered.Load())
	}
}

func TestMemoryGsocCopiesPayloads(t *testing.T) {
	gsoc := NewMemoryGsoc()
	ctx := context.Background()

	received := make(chan []byte, 1)
	if _, err := gsoc.Subscribe("room", ResourceUsers, func(data []byte) { received <- data }); err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	original := []byte("pristine")
	if err := gsoc.Broadcast(ctx, "room", ResourceUsers, original); err != nil {
		t.Fatalf("broadcasting: %v", err)
	}
	original[0] = 'X'

	select {
	case payload := <-received:
		if !bytes.Equal(payload, []byte("pristine")) {
			t.Errorf("subscriber saw the caller's mutation: %q", payload)
		}
		// A subscriber scribbling on its copy must not corrupt the retained
		// payload either.
		payload[0] = 'Y'
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	latest, err := gsoc.FetchLatest(ctx, "room", ResourceUsers)
	if err != nil {
		t.Fatalf("fetching latest: %v", err)
	}
	if !bytes.Equal(latest, []byte("pristine")) {
		t.Errorf("retained payload was corrupted: %q", latest)
	}
}
