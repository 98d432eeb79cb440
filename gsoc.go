package agora

import (
	"context"
	"errors"
	"sync"

	"github.com/agora-chat/agora/types"
)

// The two gossip resources every chat uses. Presence announcements travel on
// the users resource; history checkpoint entries travel on the history
// resource.
const (
	ResourceUsers   = "users"
	ResourceHistory = "history"
)

// ErrNoPayload is returned by FetchLatest when nothing has ever been
// broadcast on a resource. A brand-new chat starts here.
var ErrNoPayload = errors.New("no payload on resource")

// Subscription is a live broadcast subscription; Cancel stops deliveries.
type Subscription interface {
	Cancel()
}

// GsocClient is the gossip broadcast primitive. Broadcasts on a (topic,
// resource) pair fan out to every subscribed participant, best-effort and
// unordered; FetchLatest retrieves the most recent payload for late joiners.
type GsocClient interface {
	Broadcast(ctx context.Context, topic types.Topic, resource string, data []byte) error
	Subscribe(topic types.Topic, resource string, fn func(data []byte)) (Subscription, error)
	FetchLatest(ctx context.Context, topic types.Topic, resource string) ([]byte, error)
}

type gsocChannel struct {
	topic    types.Topic
	resource string
}

type memorySubscriber struct {
	gsoc    *MemoryGsoc
	channel gsocChannel
	id      int
}

func (s *memorySubscriber) Cancel() {
	s.gsoc.mu.Lock()
	defer s.gsoc.mu.Unlock()
	delete(s.gsoc.subscribers[s.channel], s.id)
}

// MemoryGsoc is an in-process GsocClient. Multiple sessions sharing one
// MemoryGsoc see each other's broadcasts, which is how the tests wire two
// participants together without a broker.
type MemoryGsoc struct {
	latest      map[gsocChannel][]byte
	subscribers map[gsocChannel]map[int]func([]byte)
	nextID      int
	mu          sync.Mutex
}

// NewMemoryGsoc creates an empty in-memory broadcast fabric.
func NewMemoryGsoc() *MemoryGsoc {
	return &MemoryGsoc{
		latest:      make(map[gsocChannel][]byte),
		subscribers: make(map[gsocChannel]map[int]func([]byte)),
	}
}

// Broadcast stores the payload as the channel's latest and fans it out to
// subscribers. Delivery is asynchronous, matching the real network: the
// broadcaster never blocks on a slow receiver.
func (g *MemoryGsoc) Broadcast(_ context.Context, topic types.Topic, resource string, data []byte) error {
	channel := gsocChannel{topic, resource}
	stored := make([]byte, len(data))
	copy(stored, data)

	g.mu.Lock()
	g.latest[channel] = stored
	handlers := make([]func([]byte), 0, len(g.subscribers[channel]))
	for _, fn := range g.subscribers[channel] {
		handlers = append(handlers, fn)
	}
	g.mu.Unlock()

	broadcastsTotal.WithLabelValues(resource).Inc()

	for _, fn := range handlers {
		payload := make([]byte, len(stored))
		copy(payload, stored)
		go fn(payload)
	}
	return nil
}

// Subscribe registers a handler for future broadcasts on the channel.
func (g *MemoryGsoc) Subscribe(topic types.Topic, resource string, fn func(data []byte)) (Subscription, error) {
	channel := gsocChannel{topic, resource}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.subscribers[channel] == nil {
		g.subscribers[channel] = make(map[int]func([]byte))
	}
	g.nextID++
	id := g.nextID
	g.subscribers[channel][id] = fn
	return &memorySubscriber{gsoc: g, channel: channel, id: id}, nil
}

// FetchLatest returns the most recent broadcast, ErrNoPayload when the
// channel has never carried one.
func (g *MemoryGsoc) FetchLatest(_ context.Context, topic types.Topic, resource string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, ok := g.latest[gsocChannel{topic, resource}]
	if !ok {
		return nil, ErrNoPayload
	}
	result := make([]byte, len(data))
	copy(result, data)
	return result, nil
}
