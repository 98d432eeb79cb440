package agora

import (
	"errors"
	"reflect"
	"testing"

	"github.com/agora-chat/agora/types"
)

func snapshotWith(address types.Address, username types.UserName, entries []MessageEntry, events []PresenceEvent) *HistorySnapshot {
	s := NewHistorySnapshot()
	s.Users[address] = &UserHistory{Username: username, Entries: entries, Events: events}
	return s
}

func TestMergeSnapshotsIsCommutative(t *testing.T) {
	a := snapshotWith("addr-a", "alice",
		[]MessageEntry{{Index: 0, Ts: 100}, {Index: 1, Ts: 200}},
		[]PresenceEvent{{Type: PresenceJoined, Ts: 50}})
	b := snapshotWith("addr-b", "bob",
		[]MessageEntry{{Index: 0, Ts: 150}},
		nil)
	b.Users["addr-a"] = &UserHistory{Entries: []MessageEntry{{Index: 2, Ts: 300}}}

	ab := MergeSnapshots(a, b)
	ba := MergeSnapshots(b, a)

	if !reflect.DeepEqual(ab.Users["addr-a"].Entries, ba.Users["addr-a"].Entries) {
		t.Errorf("merge order changed entries: %+v vs %+v", ab.Users["addr-a"].Entries, ba.Users["addr-a"].Entries)
	}
	if ab.TotalEntries() != 4 || ba.TotalEntries() != 4 {
		t.Errorf("expected 4 entries both ways, got %d and %d", ab.TotalEntries(), ba.TotalEntries())
	}
}

func TestMergeSnapshotsIsIdempotent(t *testing.T) {
	a := snapshotWith("addr-a", "alice",
		[]MessageEntry{{Index: 0, Ts: 100}, {Index: 1, Ts: 200}},
		[]PresenceEvent{{Type: PresenceJoined, Ts: 50}})

	once := MergeSnapshots(a, nil)
	twice := MergeSnapshots(once, a)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("merging a snapshot into itself should change nothing:\n%+v\nvs\n%+v", once, twice)
	}
}

func TestMergeSnapshotsDeduplicates(t *testing.T) {
	a := snapshotWith("addr-a", "alice",
		[]MessageEntry{{Index: 0, Ts: 100}},
		[]PresenceEvent{{Type: PresenceJoined, Ts: 50}})
	b := snapshotWith("addr-a", "alice",
		[]MessageEntry{{Index: 0, Ts: 120}}, // same index, a later opinion about when
		[]PresenceEvent{{Type: PresenceJoined, Ts: 50}})

	merged := MergeSnapshots(a, b)
	user := merged.Users["addr-a"]

	if len(user.Entries) != 1 {
		t.Fatalf("same feed index must merge to one entry, got %d", len(user.Entries))
	}
	if user.Entries[0].Ts != 120 {
		t.Errorf("later timestamp should win, got %d", user.Entries[0].Ts)
	}
	if len(user.Events) != 1 {
		t.Errorf("identical events must merge to one, got %d", len(user.Events))
	}
}

func TestMergeSnapshotsKeepsUsername(t *testing.T) {
	a := snapshotWith("addr-a", "", []MessageEntry{{Index: 0, Ts: 100}}, nil)
	b := snapshotWith("addr-a", "alice", nil, nil)

	merged := MergeSnapshots(a, b)
	if merged.Users["addr-a"].Username != "alice" {
		t.Errorf("merge should pick up the known username, got %q", merged.Users["addr-a"].Username)
	}
}

func TestTrimDropsOldestBatch(t *testing.T) {
	s := NewHistorySnapshot()
	user := &UserHistory{Username: "alice"}
	for i := int64(0); i < 100; i++ {
		user.Entries = append(user.Entries, MessageEntry{Index: i, Ts: 1000 + i})
	}
	s.Users["addr-a"] = user

	dropped, err := s.Trim(1, 10) // absurdly small budget forces a trim
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if dropped != 10 {
		t.Fatalf("expected one batch of 10 dropped, got %d", dropped)
	}
	if s.TotalEntries() != 90 {
		t.Errorf("expected 90 entries left, got %d", s.TotalEntries())
	}
	// The oldest ten (indexes 0..9) are the victims.
	for _, entry := range s.Users["addr-a"].Entries {
		if entry.Index < 10 {
			t.Errorf("entry %d should have been trimmed", entry.Index)
		}
	}
}

func TestTrimIsNoopUnderBudget(t *testing.T) {
	s := snapshotWith("addr-a", "alice", []MessageEntry{{Index: 0, Ts: 100}}, nil)

	dropped, err := s.Trim(DefaultHistoryMaxBytes, DefaultTrimBatch)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if dropped != 0 {
		t.Errorf("snapshot under budget must not be trimmed, dropped %d", dropped)
	}
}

func TestHistoryRefSupersedes(t *testing.T) {
	older := HistoryRef{Gen: 3, Ts: 5000}
	newer := HistoryRef{Gen: 4, Ts: 1000}

	if !newer.Supersedes(older) {
		t.Error("higher generation wins regardless of timestamp")
	}
	if older.Supersedes(newer) {
		t.Error("lower generation must not win")
	}

	tieA := HistoryRef{Gen: 4, Ts: 1000}
	tieB := HistoryRef{Gen: 4, Ts: 2000}
	if !tieB.Supersedes(tieA) {
		t.Error("same generation: later timestamp wins")
	}
}

func TestDecodeHistoryRefAcceptsSeed(t *testing.T) {
	seed := HistoryRef{Gen: 0, Ref: "", Updater: "addr-a", Ts: 12345}
	data, err := seed.Encode()
	if err != nil {
		t.Fatalf("encoding: %v", err)
	}

	decoded, err := DecodeHistoryRef(data)
	if err != nil {
		t.Fatalf("the generation-zero seed entry is legal: %v", err)
	}
	if decoded.Gen != 0 || decoded.Updater != "addr-a" {
		t.Errorf("round trip mangled the seed: %+v", decoded)
	}
}

func TestDecodeHistoryRefRejectsIncomplete(t *testing.T) {
	cases := map[string]string{
		"no updater": `{"gen":1,"ref":"abc","ts":123}`,
		"no ts":      `{"gen":1,"ref":"abc","updater":"addr-a"}`,
		"garbage":    `}{`,
	}
	for name, payload := range cases {
		if _, err := DecodeHistoryRef([]byte(payload)); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("%s: expected ErrInvalidPayload, got %v", name, err)
		}
	}
}

func TestSnapshotValidateRejectsMalformed(t *testing.T) {
	badEvent := snapshotWith("addr-a", "alice", nil, []PresenceEvent{{Type: "lurked", Ts: 100}})
	if err := badEvent.Validate(); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("unknown presence event should be rejected, got %v", err)
	}

	badEntry := snapshotWith("addr-a", "alice", []MessageEntry{{Index: -4, Ts: 100}}, nil)
	if err := badEntry.Validate(); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("negative index should be rejected, got %v", err)
	}

	nilUsers := &HistorySnapshot{}
	if err := nilUsers.Validate(); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("missing users map should be rejected, got %v", err)
	}
}

func TestLatestEntriesPicksNewest(t *testing.T) {
	s := NewHistorySnapshot()
	s.Users["addr-a"] = &UserHistory{Entries: []MessageEntry{{Index: 0, Ts: 100}, {Index: 1, Ts: 300}}}
	s.Users["addr-b"] = &UserHistory{Entries: []MessageEntry{{Index: 0, Ts: 200}}}

	latest := s.LatestEntries(2)
	if len(latest) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(latest))
	}
	// Ascending by timestamp: addr-b@200 then addr-a@300.
	if latest[0].Entry.Ts != 200 || latest[1].Entry.Ts != 300 {
		t.Errorf("expected the two newest in ascending order, got %+v", latest)
	}
}
