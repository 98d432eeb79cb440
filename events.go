package agora

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventKind names a chat lifecycle notification.
type EventKind string

const (
	// Send lifecycle: emitted in order for every SendMessage call.
	EventRequestInitiated EventKind = "REQUEST_INITIATED"
	EventRequestUploaded  EventKind = "REQUEST_UPLOADED"
	EventRequestError     EventKind = "REQUEST_ERROR"

	// EventMessageReceived carries a verified incoming message.
	EventMessageReceived EventKind = "MESSAGE_RECEIVED"

	// EventLoadingPrevious announces a page of older messages being loaded
	// from history.
	EventLoadingPrevious EventKind = "LOADING_PREVIOUS_MESSAGES"

	// Roster changes.
	EventUserJoined EventKind = "USER_JOINED"
	EventUserLeft   EventKind = "USER_LEFT"
)

// ChatEvent is the payload handed to listeners. Fields beyond Kind and Ts are
// populated per kind: Message for message events, User for roster events,
// Error for failures.
type ChatEvent struct {
	Kind      EventKind
	MessageID string
	Message   *Message
	User      *ActiveUser
	Error     string
	Ts        int64
}

// EventListener receives chat events.
type EventListener func(ChatEvent)

// EventBus fans chat events out to registered listeners.
type EventBus struct {
	listeners   []EventListener
	listenersMu sync.RWMutex
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// AddListener registers a callback. Listeners are called synchronously, in
// registration order, on the goroutine that emits.
func (b *EventBus) AddListener(listener EventListener) {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	b.listeners = append(b.listeners, listener)
}

// Emit delivers an event to every listener. A panicking listener is logged
// and skipped; application callbacks must not take the engine down.
func (b *EventBus) Emit(event ChatEvent) {
	if event.Ts == 0 {
		event.Ts = time.Now().UnixMilli()
	}

	b.listenersMu.RLock()
	listeners := b.listeners
	b.listenersMu.RUnlock()

	for _, listener := range listeners {
		b.callListener(listener, event)
	}
}

func (b *EventBus) callListener(listener EventListener, event ChatEvent) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("❌ event listener panicked on %s: %v", event.Kind, r)
		}
	}()
	listener(event)
}
