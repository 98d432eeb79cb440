package agora

import (
	"fmt"
	"sort"

	"github.com/agora-chat/agora/types"
	"github.com/goccy/go-json"
)

// Presence event types recorded in the shared history.
const (
	PresenceJoined = "joined"
	PresenceLeft   = "left"
)

// History size limits. A snapshot is trimmed once its serialized form grows
// past DefaultHistoryMaxBytes; trimming drops the TrimBatch oldest message
// entries in one go so the store isn't re-serializing after every message.
const (
	DefaultHistoryMaxBytes = 2 << 20 // 2 MiB, pre-compression
	DefaultTrimBatch       = 10000
)

// PresenceEvent marks a membership transition: somebody joined the chat or
// was evicted after going idle.
type PresenceEvent struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"` // unix ms
}

// MessageEntry records that a participant's feed has a message at Index.
// The entry carries no content; readers resolve the feed themselves.
type MessageEntry struct {
	Index int64 `json:"index"`
	Ts    int64 `json:"ts"` // unix ms
}

// UserHistory is everything the shared history remembers about one
// participant.
type UserHistory struct {
	Username types.UserName  `json:"username,omitempty"`
	Events   []PresenceEvent `json:"events,omitempty"`
	Entries  []MessageEntry  `json:"entries,omitempty"`
}

// HistorySnapshot is the replicated chat history. It behaves like a state
// CRDT: snapshots from different peers merge by set union on composite keys
// (events by type+ts, entries by feed index), so merging is commutative,
// associative and idempotent regardless of gossip order.
type HistorySnapshot struct {
	Users map[types.Address]*UserHistory `json:"users"`
}

// NewHistorySnapshot creates an empty snapshot.
func NewHistorySnapshot() *HistorySnapshot {
	return &HistorySnapshot{Users: make(map[types.Address]*UserHistory)}
}

// HistoryRef is one entry on the shared history resource: a pointer to a
// full snapshot in storage plus the mandate naming which participant
// publishes the next one. Gen increases by exactly one per published
// checkpoint.
type HistoryRef struct {
	Gen     uint64          `json:"gen"`
	Ref     types.Reference `json:"ref"`
	Updater types.Address   `json:"updater" validate:"required"`
	Ts      int64           `json:"ts" validate:"required"` // unix ms
}

// Supersedes reports whether this entry wins over other when both are
// candidates for the same publish slot: higher generation first, later
// timestamp as the tie-break.
func (h HistoryRef) Supersedes(other HistoryRef) bool {
	if h.Gen != other.Gen {
		return h.Gen > other.Gen
	}
	return h.Ts > other.Ts
}

// Encode serializes the entry for broadcast.
func (h HistoryRef) Encode() ([]byte, error) {
	return json.Marshal(h)
}

// DecodeHistoryRef parses and schema-validates a checkpoint entry from the
// broadcast layer. Gen 0 with an empty ref is legal: that's the seed entry
// a fresh chat starts from.
func DecodeHistoryRef(data []byte) (HistoryRef, error) {
	var h HistoryRef
	if err := json.Unmarshal(data, &h); err != nil {
		return HistoryRef{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if h.Updater == "" || h.Ts == 0 {
		return HistoryRef{}, fmt.Errorf("%w: history entry missing updater or ts", ErrInvalidPayload)
	}
	return h, nil
}

// MergeSnapshots unions two snapshots into a fresh one. Neither input is
// modified. Per user: events are deduplicated by (type, ts); entries are
// deduplicated by feed index, keeping the later timestamp when two peers
// disagree about when an index appeared. Output slices are sorted ascending
// by timestamp so every replica serializes the same state identically.
func MergeSnapshots(a, b *HistorySnapshot) *HistorySnapshot {
	merged := NewHistorySnapshot()
	for _, src := range []*HistorySnapshot{a, b} {
		if src == nil || src.Users == nil {
			continue
		}
		for address, user := range src.Users {
			if user == nil {
				continue
			}
			target, ok := merged.Users[address]
			if !ok {
				target = &UserHistory{}
				merged.Users[address] = target
			}
			if target.Username == "" {
				target.Username = user.Username
			}
			target.Events = append(target.Events, user.Events...)
			target.Entries = append(target.Entries, user.Entries...)
		}
	}
	for _, user := range merged.Users {
		user.Events = dedupeEvents(user.Events)
		user.Entries = dedupeEntries(user.Entries)
	}
	return merged
}

// dedupeEvents keys by (type, ts) and sorts ascending by ts, type.
func dedupeEvents(events []PresenceEvent) []PresenceEvent {
	if len(events) == 0 {
		return nil
	}
	type eventKey struct {
		Type string
		Ts   int64
	}
	seen := make(map[eventKey]bool, len(events))
	result := make([]PresenceEvent, 0, len(events))
	for _, e := range events {
		key := eventKey{e.Type, e.Ts}
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Ts != result[j].Ts {
			return result[i].Ts < result[j].Ts
		}
		return result[i].Type < result[j].Type
	})
	return result
}

// dedupeEntries keys by feed index, keeping the later timestamp, and sorts
// ascending by ts with index as tie-break so ordering is total.
func dedupeEntries(entries []MessageEntry) []MessageEntry {
	if len(entries) == 0 {
		return nil
	}
	byIndex := make(map[int64]MessageEntry, len(entries))
	for _, e := range entries {
		if existing, ok := byIndex[e.Index]; !ok || e.Ts > existing.Ts {
			byIndex[e.Index] = e
		}
	}
	result := make([]MessageEntry, 0, len(byIndex))
	for _, e := range byIndex {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Ts != result[j].Ts {
			return result[i].Ts < result[j].Ts
		}
		return result[i].Index < result[j].Index
	})
	return result
}

// Validate structurally checks a snapshot fetched from an untrusted ref.
func (s *HistorySnapshot) Validate() error {
	if s.Users == nil {
		return fmt.Errorf("%w: snapshot without users map", ErrInvalidPayload)
	}
	for address, user := range s.Users {
		if address == "" || user == nil {
			return fmt.Errorf("%w: snapshot has empty user record", ErrInvalidPayload)
		}
		for _, e := range user.Events {
			if e.Type != PresenceJoined && e.Type != PresenceLeft {
				return fmt.Errorf("%w: unknown presence event %q", ErrInvalidPayload, e.Type)
			}
			if e.Ts <= 0 {
				return fmt.Errorf("%w: presence event without timestamp", ErrInvalidPayload)
			}
		}
		for _, e := range user.Entries {
			if e.Index < 0 || e.Ts <= 0 {
				return fmt.Errorf("%w: malformed message entry %d@%d", ErrInvalidPayload, e.Index, e.Ts)
			}
		}
	}
	return nil
}

// TotalEntries counts message entries across all users.
func (s *HistorySnapshot) TotalEntries() int {
	total := 0
	for _, user := range s.Users {
		total += len(user.Entries)
	}
	return total
}

// SerializedSize measures how large the snapshot is on the wire before
// compression. The trim budget is checked against this.
func (s *HistorySnapshot) SerializedSize() (int, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// AddressedEntry pairs a message entry with the participant it belongs to.
type AddressedEntry struct {
	Address types.Address
	Entry   MessageEntry
}

// LatestEntries returns the newest n message entries across all users,
// sorted ascending by timestamp (oldest of the batch first). Used to page
// backwards through history.
func (s *HistorySnapshot) LatestEntries(n int) []AddressedEntry {
	if n <= 0 {
		return nil
	}
	all := s.flattenEntries()
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// flattenEntries lists every entry sorted ascending by (ts, address, index).
func (s *HistorySnapshot) flattenEntries() []AddressedEntry {
	all := make([]AddressedEntry, 0, s.TotalEntries())
	for address, user := range s.Users {
		for _, entry := range user.Entries {
			all = append(all, AddressedEntry{Address: address, Entry: entry})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Entry.Ts != all[j].Entry.Ts {
			return all[i].Entry.Ts < all[j].Entry.Ts
		}
		if all[i].Address != all[j].Address {
			return all[i].Address < all[j].Address
		}
		return all[i].Entry.Index < all[j].Entry.Index
	})
	return all
}

// Trim drops the `batch` oldest message entries when the serialized snapshot
// exceeds maxBytes. One batch per call, so a trim is a single cut rather than
// shaving entries one by one. Returns how many entries were dropped.
func (s *HistorySnapshot) Trim(maxBytes, batch int) (int, error) {
	size, err := s.SerializedSize()
	if err != nil {
		return 0, err
	}
	if size <= maxBytes {
		return 0, nil
	}

	all := s.flattenEntries()
	if batch > len(all) {
		batch = len(all)
	}
	drop := make(map[types.Address]map[int64]bool, len(s.Users))
	for _, victim := range all[:batch] {
		if drop[victim.Address] == nil {
			drop[victim.Address] = make(map[int64]bool)
		}
		drop[victim.Address][victim.Entry.Index] = true
	}

	for address, user := range s.Users {
		victims := drop[address]
		if len(victims) == 0 {
			continue
		}
		kept := user.Entries[:0]
		for _, entry := range user.Entries {
			if !victims[entry.Index] {
				kept = append(kept, entry)
			}
		}
		user.Entries = kept
	}
	return batch, nil
}
