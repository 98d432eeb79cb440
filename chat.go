package agora

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agora-chat/agora/types"
	"github.com/agora-chat/agora/utilities/keyring"
	"github.com/sirupsen/logrus"
)

var (
	// ErrIdentityMismatch means the keypair doesn't derive to the address
	// the config pinned.
	ErrIdentityMismatch = errors.New("keypair does not match configured address")

	// ErrNotStarted is returned by operations that need a running session.
	ErrNotStarted = errors.New("chat session not started")
)

// Chat is one participant's session in a topic: it announces presence,
// publishes messages to its own feed, polls everyone else's, and takes its
// turns as history updater when mandated.
type Chat struct {
	config  ChatConfig
	keypair Keypair
	self    types.Address

	storage  StorageClient
	gsoc     GsocClient
	bus      *EventBus
	keys     *keyring.Keyring
	ledger   *RefLedger
	roster   *Roster
	resolver *SnapshotResolver
	history  *HistoryStore
	updater  *UpdaterCoordinator
	fetcher  *MessageFetcher

	ownIndex int64
	sendMu   sync.Mutex

	subscriptions []Subscription
	started       bool
	startedMu     sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewChat assembles a session. Nothing touches the network until Start.
func NewChat(config ChatConfig, keypair Keypair, storage StorageClient, gsoc GsocClient) (*Chat, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	self := keypair.Address()
	if config.Address != "" && config.Address != self {
		return nil, fmt.Errorf("%w: derived %s, configured %s", ErrIdentityMismatch, self, config.Address)
	}

	codec, err := NewSnapshotCodec()
	if err != nil {
		return nil, fmt.Errorf("snapshot codec: %w", err)
	}

	bus := NewEventBus()
	keys := keyring.New(keypair.PrivateKey, self, AddressOf)
	ledger := NewRefLedger()
	roster := NewRoster(config.EnforceMonotonicIndex)
	resolver := NewSnapshotResolver(storage, codec, ledger)
	history := NewHistoryStore(config.Topic, self, gsoc, resolver, config.HistoryMaxBytes, config.TrimBatch, config.LoadedCacheEntries)
	updater := NewUpdaterCoordinator(config.Topic, self, gsoc, roster, history, resolver)
	updater.interval = config.UpdaterInterval
	fetcher := NewMessageFetcher(config.Topic, self, storage, roster, history, bus, keys, config.FetchInterval, config.IdleEviction)

	ctx, cancel := context.WithCancel(context.Background())
	return &Chat{
		config:   config,
		keypair:  keypair,
		self:     self,
		storage:  storage,
		gsoc:     gsoc,
		bus:      bus,
		keys:     keys,
		ledger:   ledger,
		roster:   roster,
		resolver: resolver,
		history:  history,
		updater:  updater,
		fetcher:  fetcher,
		ownIndex: -1,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start joins the chat: resume our feed position, load history, subscribe to
// the gossip channels, announce ourselves, and spin up the loops. Calling
// Start on a running session is a no-op.
func (c *Chat) Start(ctx context.Context) error {
	c.startedMu.Lock()
	defer c.startedMu.Unlock()
	if c.started {
		return nil
	}

	index, err := c.storage.LatestFeedIndex(ctx, c.config.Topic, c.self)
	if err != nil {
		return fmt.Errorf("resume feed position: %w", err)
	}
	c.ownIndex = index

	entry, err := c.history.Init(ctx)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	c.updater.HandleEntry(entry)

	userSub, err := c.gsoc.Subscribe(c.config.Topic, ResourceUsers, c.handleUserPayload)
	if err != nil {
		return fmt.Errorf("subscribe users: %w", err)
	}
	historySub, err := c.gsoc.Subscribe(c.config.Topic, ResourceHistory, c.handleHistoryPayload)
	if err != nil {
		userSub.Cancel()
		return fmt.Errorf("subscribe history: %w", err)
	}
	c.subscriptions = []Subscription{userSub, historySub}

	c.announce(ctx)
	go c.announceLoop()
	c.fetcher.Start()
	c.updater.Start()

	c.started = true
	logrus.Infof("💬 %s joined %s as %s (feed at %d)", c.config.Username, c.config.Topic, c.self, c.ownIndex)
	return nil
}

// Stop leaves the chat. Idempotent, and terminal: a stopped session cannot be
// restarted, rejoining takes a fresh NewChat. There is no leave payload on the
// wire; peers notice our announcements stopping and evict us as idle, so the
// departure is only recorded in local history.
func (c *Chat) Stop() {
	c.startedMu.Lock()
	defer c.startedMu.Unlock()
	if !c.started {
		return
	}
	for _, sub := range c.subscriptions {
		sub.Cancel()
	}
	c.subscriptions = nil
	c.updater.Stop()
	c.fetcher.Stop()
	c.cancel()
	c.history.RecordLeft([]ActiveUser{{Address: c.self}}, time.Now().UnixMilli())
	c.ledger.Reset()
	c.started = false
	logrus.Infof("👋 %s left %s", c.config.Username, c.config.Topic)
}

// SendMessage signs a message, appends it to our feed, and announces the new
// feed position. Sends are serialized so feed indexes stay gapless. A non-empty
// id pins the message identity (a caller resending after a REQUEST_ERROR keeps
// the same id); empty means a fresh UUID.
func (c *Chat) SendMessage(ctx context.Context, messageType, text, targetID, id string) (Message, error) {
	if !c.isStarted() {
		return Message{}, ErrNotStarted
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	message := NewMessage(messageType, text, targetID, id, c.config.Username, c.self, c.config.Topic)
	message.Index = c.ownIndex + 1
	message.Sign(c.keypair)
	if err := message.Validate(); err != nil {
		return Message{}, err
	}
	c.bus.Emit(ChatEvent{Kind: EventRequestInitiated, MessageID: message.ID, Message: &message})

	data, err := message.Encode()
	if err != nil {
		c.emitSendError(message.ID, err)
		return Message{}, err
	}

	err = Retry(ctx, "write feed entry", DefaultRetryAttempts, DefaultRetryDelay, func() error {
		return c.storage.WriteFeedEntry(ctx, c.config.Topic, c.keypair, message.Index, data)
	})
	if err != nil {
		c.emitSendError(message.ID, err)
		return Message{}, err
	}

	c.ownIndex = message.Index
	messagesSentTotal.Inc()
	c.bus.Emit(ChatEvent{Kind: EventRequestUploaded, MessageID: message.ID, Message: &message})

	// Announce right away so readers learn the new feed position without
	// waiting for the next heartbeat.
	c.announceAt(ctx, message.Index)
	return message, nil
}

// FetchPreviousMessages pages older messages out of the shared history,
// oldest first. Repeated calls walk further back.
func (c *Chat) FetchPreviousMessages(ctx context.Context, n int) ([]Message, error) {
	if !c.isStarted() {
		return nil, ErrNotStarted
	}
	if n <= 0 {
		n = c.config.SelectBatch
	}

	entries := c.history.SelectLatestMessages(n)
	c.bus.Emit(ChatEvent{Kind: EventLoadingPrevious})

	messages := make([]Message, 0, len(entries))
	for _, entry := range entries {
		data, err := c.storage.ReadFeedEntry(ctx, c.config.Topic, entry.Address, entry.Entry.Index)
		if err != nil {
			fetchErrorsTotal.Inc()
			logrus.Debugf("🕳️ history entry %d of %s unreadable: %v", entry.Entry.Index, entry.Address, err)
			continue
		}
		message, err := DecodeMessageWith(data, c.keys)
		if err != nil {
			fetchErrorsTotal.Inc()
			logrus.Debugf("🗑️ history entry %d of %s invalid: %v", entry.Entry.Index, entry.Address, err)
			continue
		}
		if message.Address != entry.Address {
			fetchErrorsTotal.Inc()
			continue
		}
		messages = append(messages, message)
	}
	return messages, nil
}

// Address returns the session's derived identity.
func (c *Chat) Address() types.Address { return c.self }

// Username returns the display name announced to the roster.
func (c *Chat) Username() types.UserName { return c.config.Username }

// Topic returns the chat topic.
func (c *Chat) Topic() types.Topic { return c.config.Topic }

// Events exposes the bus for UI listeners.
func (c *Chat) Events() *EventBus { return c.bus }

// ActiveUsers lists the current roster.
func (c *Chat) ActiveUsers() []ActiveUser { return c.roster.Snapshot() }

// History exposes the history store, mostly for the inspector.
func (c *Chat) History() *HistoryStore { return c.history }

// Ledger exposes the ref ledger, mostly for the inspector.
func (c *Chat) Ledger() *RefLedger { return c.ledger }

// Keys exposes the verified-key cache, mostly for the inspector.
func (c *Chat) Keys() *keyring.Keyring { return c.keys }

// OwnIndex reports our latest feed position, -1 before the first post.
func (c *Chat) OwnIndex() int64 {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.ownIndex
}

func (c *Chat) isStarted() bool {
	c.startedMu.Lock()
	defer c.startedMu.Unlock()
	return c.started
}

func (c *Chat) emitSendError(messageID string, err error) {
	c.bus.Emit(ChatEvent{Kind: EventRequestError, MessageID: messageID, Error: err.Error()})
}

// announce broadcasts our presence and latest feed position, and folds it
// straight into the local roster so we never depend on hearing our own
// broadcast back.
func (c *Chat) announce(ctx context.Context) {
	c.sendMu.Lock()
	index := c.ownIndex
	c.sendMu.Unlock()
	c.announceAt(ctx, index)
}

func (c *Chat) announceAt(ctx context.Context, index int64) {
	announcement := NewUserAnnouncement(c.config.Username, c.self, index)
	announcement.Sign(c.keypair)
	payload, err := announcement.Encode()
	if err != nil {
		logrus.Warnf("❌ encoding announcement: %v", err)
		return
	}
	c.roster.Upsert(announcement.ToActiveUser())
	if err := c.gsoc.Broadcast(ctx, c.config.Topic, ResourceUsers, payload); err != nil {
		logrus.Warnf("❌ announcing presence: %v", err)
	}
}

func (c *Chat) announceLoop() {
	ticker := time.NewTicker(c.config.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.announce(c.ctx)
		case <-c.ctx.Done():
			return
		}
	}
}

// handleUserPayload processes a presence announcement from the broadcast
// channel. Unverifiable payloads are dropped; newcomers raise USER_JOINED.
func (c *Chat) handleUserPayload(data []byte) {
	announcement, err := DecodeUserAnnouncement(data)
	if err != nil {
		logrus.Debugf("🗑️ dropping announcement: %v", err)
		return
	}
	user := announcement.ToActiveUser()
	// Pre-warm the key cache so feed reads from this user verify cheaply.
	_ = c.keys.RegisterBase64(user.Address, announcement.PublicKey)
	isNew := !c.roster.Contains(user.Address)
	if !c.roster.Upsert(user) {
		return
	}
	if isNew && user.Address != c.self {
		logrus.Infof("👋 %s (%s) is here", user.Username, user.Address)
		c.bus.Emit(ChatEvent{Kind: EventUserJoined, User: &user, Ts: user.Ts})
	}
}

// handleHistoryPayload processes a history checkpoint entry from the
// broadcast channel and hands it to the updater coordinator.
func (c *Chat) handleHistoryPayload(data []byte) {
	entry, err := DecodeHistoryRef(data)
	if err != nil {
		logrus.Debugf("🗑️ dropping history entry: %v", err)
		return
	}
	c.updater.HandleEntry(entry)
}
