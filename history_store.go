package agora

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agora-chat/agora/types"
	"github.com/sirupsen/logrus"
)

// DefaultSelectBatch is how many messages a single fetch-previous call pages
// in.
const DefaultSelectBatch = 10

// DefaultLoadedCacheSize bounds how many already-loaded messages the store
// remembers. Paging backwards re-surfaces a message only once this many
// newer ones have been loaded since.
const DefaultLoadedCacheSize = 1024

// HistoryStore owns the local replica of the shared chat history: the merged
// snapshot, the current checkpoint entry, and the bookkeeping that keeps
// repeated reads from re-surfacing the same messages.
type HistoryStore struct {
	topic    types.Topic
	self     types.Address
	gsoc     GsocClient
	resolver *SnapshotResolver

	maxBytes  int
	trimBatch int

	snapshot *HistorySnapshot
	current  HistoryRef
	recorded map[types.Address]int64 // highest feed index folded in per user
	loaded   *loadedCache
	mu       sync.Mutex
}

// NewHistoryStore creates a store with an empty snapshot. Zero sizes take
// the defaults.
func NewHistoryStore(topic types.Topic, self types.Address, gsoc GsocClient, resolver *SnapshotResolver, maxBytes, trimBatch, loadedEntries int) *HistoryStore {
	if maxBytes <= 0 {
		maxBytes = DefaultHistoryMaxBytes
	}
	if trimBatch <= 0 {
		trimBatch = DefaultTrimBatch
	}
	if loadedEntries <= 0 {
		loadedEntries = DefaultLoadedCacheSize
	}
	return &HistoryStore{
		topic:     topic,
		self:      self,
		gsoc:      gsoc,
		resolver:  resolver,
		maxBytes:  maxBytes,
		trimBatch: trimBatch,
		snapshot:  NewHistorySnapshot(),
		recorded:  make(map[types.Address]int64),
		loaded:    newLoadedCache(loadedEntries),
	}
}

// Init loads the chat's current checkpoint entry and merges its snapshot.
//
// A chat nobody has checkpointed yet starts from the seed entry: generation
// zero, no snapshot, the local participant mandated as first updater. A
// malformed latest entry is treated the same way; trusting garbage would be
// worse than starting fresh, and the next honest updater heals the fork.
func (h *HistoryStore) Init(ctx context.Context) (HistoryRef, error) {
	entry := HistoryRef{Gen: 0, Ref: "", Updater: h.self, Ts: time.Now().UnixMilli()}

	payload, err := h.gsoc.FetchLatest(ctx, h.topic, ResourceHistory)
	switch {
	case err == nil:
		decoded, decodeErr := DecodeHistoryRef(payload)
		if decodeErr != nil {
			logrus.Warnf("📰 latest history entry is malformed, starting fresh: %v", decodeErr)
		} else {
			entry = decoded
		}
	case errors.Is(err, ErrNoPayload):
		logrus.Infof("📰 no history yet on %s, seeding generation 0", h.topic)
	default:
		return HistoryRef{}, fmt.Errorf("fetch history entry: %w", err)
	}

	if err := h.MergeRemote(ctx, entry.Ref); err != nil {
		// A dead ref shouldn't keep anyone out of the chat. The ledger has
		// recorded the failure; live traffic rebuilds history from here.
		logrus.Warnf("📰 could not load snapshot behind %s: %v", entry.Ref, err)
	}
	h.CommitEntry(entry)
	return entry, nil
}

// MergeRemote resolves a snapshot reference and merges it into the local
// replica. A nil resolution (banned or already-consumed ref) is a no-op.
func (h *HistoryStore) MergeRemote(ctx context.Context, ref types.Reference) error {
	remote, err := h.resolver.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	if remote == nil {
		return nil
	}
	h.mu.Lock()
	h.snapshot = MergeSnapshots(h.snapshot, remote)
	h.updateGaugesLocked()
	h.mu.Unlock()
	snapshotMergesTotal.Inc()
	return nil
}

// UpdateLocal folds the roster into local history: first sightings get a
// joined event, announced feed positions become message entries. Announced
// indexes below what's already recorded are ignored.
func (h *HistoryStore) UpdateLocal(users []ActiveUser) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, user := range users {
		record, ok := h.snapshot.Users[user.Address]
		if !ok {
			record = &UserHistory{Username: user.Username}
			record.Events = append(record.Events, PresenceEvent{Type: PresenceJoined, Ts: user.Ts})
			h.snapshot.Users[user.Address] = record
			logrus.Debugf("👋 %s (%s) joined the history", user.Username, user.Address)
		}
		if record.Username == "" {
			record.Username = user.Username
		}
		if user.Index < 0 {
			continue
		}
		if last, seen := h.recorded[user.Address]; seen && user.Index <= last {
			continue
		}
		record.Entries = append(record.Entries, MessageEntry{Index: user.Index, Ts: user.Ts})
		h.recorded[user.Address] = user.Index
	}
	h.updateGaugesLocked()
}

// RecordLeft appends departure events for evicted participants.
func (h *HistoryStore) RecordLeft(users []ActiveUser, now int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, user := range users {
		record, ok := h.snapshot.Users[user.Address]
		if !ok {
			continue
		}
		record.Events = append(record.Events, PresenceEvent{Type: PresenceLeft, Ts: now})
	}
}

// TrimmedCopy trims the local snapshot to budget and returns a detached copy
// safe to upload while the store keeps mutating.
func (h *HistoryStore) TrimmedCopy() (*HistorySnapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dropped, err := h.snapshot.Trim(h.maxBytes, h.trimBatch)
	if err != nil {
		return nil, err
	}
	if dropped > 0 {
		logrus.Infof("✂️ trimmed %d oldest history entries to stay under %d bytes", dropped, h.maxBytes)
	}
	h.updateGaugesLocked()
	return MergeSnapshots(h.snapshot, nil), nil
}

// CommitEntry records a checkpoint entry as current if it supersedes the one
// we hold.
func (h *HistoryStore) CommitEntry(entry HistoryRef) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current.Ts == 0 || entry.Supersedes(h.current) {
		h.current = entry
	}
}

// Current returns the checkpoint entry the store considers latest.
func (h *HistoryStore) Current() HistoryRef {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// LastRecordedIndex returns the highest feed index folded in for a user,
// -1 when none.
func (h *HistoryStore) LastRecordedIndex(address types.Address) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if index, ok := h.recorded[address]; ok {
		return index
	}
	return -1
}

// SelectLatestMessages returns up to n of the newest message entries that
// haven't been handed out before, oldest first. Each returned entry is
// remembered so the next call pages further back instead of repeating.
func (h *HistoryStore) SelectLatestMessages(n int) []AddressedEntry {
	if n <= 0 {
		n = DefaultSelectBatch
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	all := h.snapshot.flattenEntries()
	selected := make([]AddressedEntry, 0, n)
	// Walk newest to oldest, collecting unseen entries.
	for i := len(all) - 1; i >= 0 && len(selected) < n; i-- {
		if h.loaded.contains(all[i].Address, all[i].Entry.Index) {
			continue
		}
		selected = append(selected, all[i])
	}
	// Reverse into ascending time order and mark as loaded.
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}
	for _, entry := range selected {
		h.loaded.add(entry.Address, entry.Entry.Index)
	}
	return selected
}

// TotalEntries reports the size of the local snapshot.
func (h *HistoryStore) TotalEntries() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot.TotalEntries()
}

// LatestEntriesView returns the newest n entries without consuming them;
// unlike SelectLatestMessages it leaves the already-loaded cache alone.
func (h *HistoryStore) LatestEntriesView(n int) []AddressedEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot.LatestEntries(n)
}

func (h *HistoryStore) updateGaugesLocked() {
	historyEntriesGauge.Set(float64(h.snapshot.TotalEntries()))
	if size, err := h.snapshot.SerializedSize(); err == nil {
		historyBytesGauge.Set(float64(size))
	}
}

// loadedCache is a fixed-capacity LRU of (address, index) pairs.
type loadedKey struct {
	address types.Address
	index   int64
}

type loadedCache struct {
	capacity int
	order    *list.List
	items    map[loadedKey]*list.Element
}

func newLoadedCache(capacity int) *loadedCache {
	if capacity <= 0 {
		capacity = DefaultLoadedCacheSize
	}
	return &loadedCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[loadedKey]*list.Element),
	}
}

func (c *loadedCache) contains(address types.Address, index int64) bool {
	element, ok := c.items[loadedKey{address, index}]
	if ok {
		c.order.MoveToFront(element)
	}
	return ok
}

func (c *loadedCache) add(address types.Address, index int64) {
	key := loadedKey{address, index}
	if element, ok := c.items[key]; ok {
		c.order.MoveToFront(element)
		return
	}
	c.items[key] = c.order.PushFront(key)
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(loadedKey))
	}
}
