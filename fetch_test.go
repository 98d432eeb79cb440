package agora

import (
	"context"
	"testing"
	"time"

	"github.com/agora-chat/agora/types"
	"github.com/agora-chat/agora/utilities/keyring"
)

// testFetchFixture adds a roster, bus and fetcher on top of the history
// fixture. Tests drive Sweep directly instead of running the fetch loop.
type testFetchFixture struct {
	*testHistoryFixture
	roster  *Roster
	bus     *EventBus
	events  *eventCollector
	fetcher *MessageFetcher
}

func newFetchFixture(t *testing.T, topic types.Topic, idleThreshold time.Duration) *testFetchFixture {
	t.Helper()
	fx := newHistoryFixture(t, topic)
	roster := NewRoster(false)
	bus := NewEventBus()
	events := &eventCollector{}
	bus.AddListener(events.listener())
	fetcher := NewMessageFetcher(topic, fx.self, fx.storage, roster, fx.store, bus, nil, time.Hour, idleThreshold)
	return &testFetchFixture{
		testHistoryFixture: fx,
		roster:             roster,
		bus:                bus,
		events:             events,
		fetcher:            fetcher,
	}
}

func (fx *testFetchFixture) writeFeedEntry(t *testing.T, kp Keypair, text string, index int64) {
	t.Helper()
	payload := signedMessagePayload(t, kp, "peer", fx.store.topic, text, index)
	if err := fx.storage.WriteFeedEntry(context.Background(), fx.store.topic, kp, index, payload); err != nil {
		t.Fatalf("writing feed entry %d: %v", index, err)
	}
}

func TestFetcherJumpsToAnnouncedIndex(t *testing.T) {
	fx := newFetchFixture(t, "jump-chat", time.Hour)
	ctx := context.Background()
	alice := generateTestKeypair(t)

	fx.writeFeedEntry(t, alice, "hello-0", 0)
	fx.writeFeedEntry(t, alice, "hello-1", 1)
	fx.roster.Upsert(ActiveUser{Address: alice.Address(), Username: "alice", Ts: time.Now().UnixMilli(), Index: 1})

	fx.fetcher.Sweep(ctx)

	received := fx.events.ofKind(EventMessageReceived)
	if len(received) != 1 {
		t.Fatalf("expected to start at the announced index, got %d messages", len(received))
	}
	if received[0].Message.Text != "hello-1" {
		t.Errorf("expected hello-1, got %q", received[0].Message.Text)
	}
	if got := fx.fetcher.LastRead(alice.Address()); got != 1 {
		t.Errorf("expected read cursor at 1, got %d", got)
	}

	// The next sweep resumes behind the cursor, not the announcement.
	fx.writeFeedEntry(t, alice, "hello-2", 2)
	fx.fetcher.Sweep(ctx)

	received = fx.events.ofKind(EventMessageReceived)
	if len(received) != 2 || received[1].Message.Text != "hello-2" {
		t.Fatalf("expected hello-2 on the second sweep, got %+v", received)
	}
}

func TestFetcherWaitsForFirstAnnouncement(t *testing.T) {
	fx := newFetchFixture(t, "quiet-chat", time.Hour)
	ctx := context.Background()
	alice := generateTestKeypair(t)
	now := time.Now().UnixMilli()

	// Alice is present but has never claimed a feed position.
	fx.roster.Upsert(ActiveUser{Address: alice.Address(), Username: "alice", Ts: now, Index: -1})
	fx.writeFeedEntry(t, alice, "unannounced", 0)
	fx.fetcher.Sweep(ctx)

	if got := fx.events.count(EventMessageReceived); got != 0 {
		t.Fatalf("nothing to fetch before the first announcement, got %d messages", got)
	}

	fx.roster.Upsert(ActiveUser{Address: alice.Address(), Username: "alice", Ts: now, Index: 0})
	fx.fetcher.Sweep(ctx)

	received := fx.events.ofKind(EventMessageReceived)
	if len(received) != 1 || received[0].Message.Text != "unannounced" {
		t.Fatalf("expected the announced message, got %+v", received)
	}
}

func TestFetcherSkipsGarbageWithoutWedging(t *testing.T) {
	fx := newFetchFixture(t, "garbage-chat", time.Hour)
	ctx := context.Background()
	alice := generateTestKeypair(t)

	if err := fx.storage.WriteFeedEntry(ctx, "garbage-chat", alice, 0, []byte("not a message")); err != nil {
		t.Fatalf("writing garbage entry: %v", err)
	}
	fx.writeFeedEntry(t, alice, "after-garbage", 1)
	fx.roster.Upsert(ActiveUser{Address: alice.Address(), Username: "alice", Ts: time.Now().UnixMilli(), Index: 0})

	fx.fetcher.Sweep(ctx)

	received := fx.events.ofKind(EventMessageReceived)
	if len(received) != 1 || received[0].Message.Text != "after-garbage" {
		t.Fatalf("garbage must be skipped, not block the feed, got %+v", received)
	}
	if got := fx.fetcher.LastRead(alice.Address()); got != 1 {
		t.Errorf("cursor should advance past the garbage, got %d", got)
	}
}

func TestFetcherDropsEntriesSignedBySomeoneElse(t *testing.T) {
	fx := newFetchFixture(t, "spoof-chat", time.Hour)
	ctx := context.Background()
	alice := generateTestKeypair(t)
	mallory := generateTestKeypair(t)

	// A validly signed message from mallory replayed onto alice's feed.
	stolen := signedMessagePayload(t, mallory, "mallory", "spoof-chat", "not alice", 0)
	if err := fx.storage.WriteFeedEntry(ctx, "spoof-chat", alice, 0, stolen); err != nil {
		t.Fatalf("writing replayed entry: %v", err)
	}
	fx.roster.Upsert(ActiveUser{Address: alice.Address(), Username: "alice", Ts: time.Now().UnixMilli(), Index: 0})

	fx.fetcher.Sweep(ctx)

	if got := fx.events.count(EventMessageReceived); got != 0 {
		t.Fatalf("replayed messages must be dropped, got %d", got)
	}
	if got := fx.fetcher.LastRead(alice.Address()); got != 0 {
		t.Errorf("cursor still advances past dropped entries, got %d", got)
	}
}

func TestFetcherSkipsOwnFeed(t *testing.T) {
	fx := newFetchFixture(t, "self-chat", time.Hour)

	fx.roster.Upsert(ActiveUser{Address: fx.self, Username: "me", Ts: time.Now().UnixMilli(), Index: 0})
	fx.fetcher.Sweep(context.Background())

	if got := fx.events.count(EventMessageReceived); got != 0 {
		t.Fatalf("own messages are observed locally, not fetched, got %d", got)
	}
	if got := fx.fetcher.LastRead(fx.self); got != -1 {
		t.Errorf("own feed should never be read, cursor at %d", got)
	}
}

func TestFetcherEvictsIdleParticipants(t *testing.T) {
	fx := newFetchFixture(t, "idle-chat", time.Second)
	alice := generateTestKeypair(t).Address()
	now := time.Now().UnixMilli()

	// Alice has history, then goes silent for far longer than the threshold.
	fx.store.UpdateLocal([]ActiveUser{{Address: alice, Username: "alice", Ts: now - 10_000, Index: -1}})
	fx.roster.Upsert(ActiveUser{Address: alice, Username: "alice", Ts: now - 10_000, Index: -1})

	fx.fetcher.Sweep(context.Background())

	left := fx.events.ofKind(EventUserLeft)
	if len(left) != 1 || left[0].User.Address != alice {
		t.Fatalf("expected a departure event for alice, got %+v", left)
	}
	if fx.roster.Contains(alice) {
		t.Error("evicted participant should leave the roster")
	}

	snapshot, err := fx.store.TrimmedCopy()
	if err != nil {
		t.Fatalf("copying snapshot: %v", err)
	}
	events := snapshot.Users[alice].Events
	if len(events) == 0 || events[len(events)-1].Type != PresenceLeft {
		t.Errorf("departure should be recorded in history, got %+v", events)
	}
}

func TestFetcherVerifiesThroughKeyCache(t *testing.T) {
	fx := newFetchFixture(t, "cached-chat", time.Hour)
	ctx := context.Background()
	self := generateTestKeypair(t)
	alice := generateTestKeypair(t)

	keys := keyring.New(self.PrivateKey, self.Address(), AddressOf)
	fx.fetcher.keys = keys

	fx.writeFeedEntry(t, alice, "first", 0)
	fx.roster.Upsert(ActiveUser{Address: alice.Address(), Username: "alice", Ts: time.Now().UnixMilli(), Index: 0})
	fx.fetcher.Sweep(ctx)

	if got := fx.events.count(EventMessageReceived); got != 1 {
		t.Fatalf("expected the first message, got %d", got)
	}
	if !keys.Has(alice.Address()) {
		t.Error("a fully verified message should warm the key cache")
	}

	// Second message verifies through the cached key.
	fx.writeFeedEntry(t, alice, "second", 1)
	fx.fetcher.Sweep(ctx)
	if got := fx.events.count(EventMessageReceived); got != 2 {
		t.Fatalf("expected the cached-key message too, got %d", got)
	}
}
