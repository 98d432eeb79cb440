package agora

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agora-chat/agora/types"
	"github.com/agora-chat/agora/utilities/keyring"
	"github.com/sirupsen/logrus"
)

// DefaultFetchInterval is how often the fetcher sweeps active users' feeds
// for new messages.
const DefaultFetchInterval = 1 * time.Second

// MessageFetcher polls the message feeds of everyone on the roster and emits
// verified messages on the event bus. Each sweep also retires idle users and
// folds the roster into local history.
type MessageFetcher struct {
	topic   types.Topic
	self    types.Address
	storage StorageClient
	roster  *Roster
	history *HistoryStore
	bus     *EventBus
	keys    *keyring.Keyring

	interval      time.Duration
	idleThreshold time.Duration

	lastRead map[types.Address]int64
	mu       sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMessageFetcher creates a fetcher. keys may be nil; zero durations take
// the defaults.
func NewMessageFetcher(topic types.Topic, self types.Address, storage StorageClient, roster *Roster, history *HistoryStore, bus *EventBus, keys *keyring.Keyring, interval, idleThreshold time.Duration) *MessageFetcher {
	if interval <= 0 {
		interval = DefaultFetchInterval
	}
	if idleThreshold <= 0 {
		idleThreshold = DefaultIdleEviction
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MessageFetcher{
		topic:         topic,
		self:          self,
		storage:       storage,
		roster:        roster,
		history:       history,
		bus:           bus,
		keys:          keys,
		interval:      interval,
		idleThreshold: idleThreshold,
		lastRead:      make(map[types.Address]int64),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start begins sweeping.
func (f *MessageFetcher) Start() {
	go f.fetchLoop()
}

// Stop halts the sweep loop.
func (f *MessageFetcher) Stop() {
	f.cancel()
}

func (f *MessageFetcher) fetchLoop() {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.Sweep(f.ctx)
		case <-f.ctx.Done():
			return
		}
	}
}

// Sweep runs one fetch pass: evict the idle, fold the roster into history,
// then drain every other user's feed. One user's failure never blocks the
// rest of the roster.
func (f *MessageFetcher) Sweep(ctx context.Context) {
	now := time.Now().UnixMilli()

	evicted := f.roster.EvictIdle(f.idleThreshold, now)
	if len(evicted) > 0 {
		f.history.RecordLeft(evicted, now)
		rosterEvictionsTotal.Add(float64(len(evicted)))
		for i := range evicted {
			user := evicted[i]
			f.bus.Emit(ChatEvent{Kind: EventUserLeft, User: &user, Ts: now})
		}
	}

	users := f.roster.Snapshot()
	activeUsersGauge.Set(float64(len(users)))
	f.history.UpdateLocal(users)

	for _, user := range users {
		if user.Address == f.self {
			continue
		}
		if err := f.drainUser(ctx, user); err != nil {
			fetchErrorsTotal.Inc()
			logrus.Debugf("🕳️ fetching from %s stopped: %v", user.Address, err)
		}
	}
}

// drainUser reads a user's feed forward from where we left off (or from
// their announced position, whichever is further) until the feed runs dry.
// Entries that fail to decode or verify are skipped but still advance the
// read position; a single garbage entry must not wedge the feed forever.
func (f *MessageFetcher) drainUser(ctx context.Context, user ActiveUser) error {
	start, ok := f.resumeIndex(user)
	if !ok {
		return nil
	}

	for index := start; ; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := f.storage.ReadFeedEntry(ctx, f.topic, user.Address, index)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		f.setLastRead(user.Address, index)

		message, err := DecodeMessageWith(data, f.keys)
		if err != nil {
			fetchErrorsTotal.Inc()
			logrus.Debugf("🗑️ dropping feed entry %d from %s: %v", index, user.Address, err)
			continue
		}
		if message.Address != user.Address {
			fetchErrorsTotal.Inc()
			logrus.Warnf("🗑️ feed entry %d on %s's feed signed by %s, dropping", index, user.Address, message.Address)
			continue
		}

		messagesReceivedTotal.Inc()
		f.bus.Emit(ChatEvent{Kind: EventMessageReceived, MessageID: message.ID, Message: &message, Ts: message.Ts})
	}
}

// resumeIndex decides where to start reading a user's feed. A user who has
// never announced a post and was never read has nothing to fetch.
func (f *MessageFetcher) resumeIndex(user ActiveUser) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	last, seen := f.lastRead[user.Address]
	if !seen {
		last = -1
	}
	if user.Index < 0 && !seen {
		return 0, false
	}

	start := last + 1
	if user.Index > start {
		// The announcement is ahead of our cursor: jump forward. Anything
		// we skip is recoverable through history.
		start = user.Index
	}
	return start, true
}

// LastRead reports the highest feed index consumed for a user, -1 when none.
func (f *MessageFetcher) LastRead(address types.Address) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index, ok := f.lastRead[address]; ok {
		return index
	}
	return -1
}

func (f *MessageFetcher) setLastRead(address types.Address, index int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if current, ok := f.lastRead[address]; !ok || index > current {
		f.lastRead[address] = index
	}
}
