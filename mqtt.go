package agora

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/agora-chat/agora/types"
)

// mqttTopicPrefix namespaces every chat channel on the broker.
const mqttTopicPrefix = "agora"

// fetchLatestWait is how long FetchLatest gives the broker to deliver a
// retained message after subscribing before concluding the channel is empty.
const fetchLatestWait = 1500 * time.Millisecond

func channelTopic(topic types.Topic, resource string) string {
	return fmt.Sprintf("%s/%s/%s", mqttTopicPrefix, topic, resource)
}

// MqttGsoc is the broker-backed GsocClient. Broadcasts are published
// retained at QoS 1, which makes the broker keep the newest payload per
// channel; that retained copy is what FetchLatest hands to late joiners.
type MqttGsoc struct {
	client mqtt.Client

	latest      map[gsocChannel][]byte
	subscribers map[gsocChannel]map[int]func([]byte)
	nextID      int
	mu          sync.Mutex
}

type mqttSubscriber struct {
	gsoc    *MqttGsoc
	channel gsocChannel
	id      int
}

func (s *mqttSubscriber) Cancel() {
	s.gsoc.mu.Lock()
	defer s.gsoc.mu.Unlock()
	delete(s.gsoc.subscribers[s.channel], s.id)
}

// NewMqttGsoc builds the client. Connect must be called before use.
func NewMqttGsoc(host, user, pass, clientID string) *MqttGsoc {
	g := &MqttGsoc{
		latest:      make(map[gsocChannel][]byte),
		subscribers: make(map[gsocChannel]map[int]func([]byte)),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(host)
	opts.SetClientID(clientID)
	opts.SetUsername(user)
	opts.SetPassword(pass)
	opts.SetAutoReconnect(true)
	opts.OnConnect = g.onConnectHandler()
	opts.OnConnectionLost = connectLostHandler
	g.client = mqtt.NewClient(opts)
	return g
}

// Connect dials the broker and waits for the session.
func (g *MqttGsoc) Connect() error {
	token := g.client.Connect()
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Close disconnects, allowing in-flight publishes a moment to drain.
func (g *MqttGsoc) Close() {
	g.client.Disconnect(250)
}

// onConnectHandler resubscribes every known channel; paho calls it on the
// initial connect and after every reconnect.
func (g *MqttGsoc) onConnectHandler() mqtt.OnConnectHandler {
	return func(client mqtt.Client) {
		logrus.Println("Connected to MQTT")

		g.mu.Lock()
		channels := make([]gsocChannel, 0, len(g.subscribers))
		for channel := range g.subscribers {
			channels = append(channels, channel)
		}
		g.mu.Unlock()

		for _, channel := range channels {
			if err := g.subscribeBroker(channel); err != nil {
				logrus.Warnf("❌ resubscribing %s/%s: %v", channel.topic, channel.resource, err)
			}
		}
	}
}

func (g *MqttGsoc) subscribeBroker(channel gsocChannel) error {
	handler := func(client mqtt.Client, msg mqtt.Message) {
		g.dispatch(channel, msg.Payload())
	}
	token := g.client.Subscribe(channelTopic(channel.topic, channel.resource), 1, handler)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// dispatch records the payload as the channel's latest and fans it out.
func (g *MqttGsoc) dispatch(channel gsocChannel, payload []byte) {
	stored := make([]byte, len(payload))
	copy(stored, payload)

	g.mu.Lock()
	g.latest[channel] = stored
	handlers := make([]func([]byte), 0, len(g.subscribers[channel]))
	for _, fn := range g.subscribers[channel] {
		handlers = append(handlers, fn)
	}
	g.mu.Unlock()

	for _, fn := range handlers {
		data := make([]byte, len(stored))
		copy(data, stored)
		go fn(data)
	}
}

// Broadcast publishes retained at QoS 1 so the broker holds the channel's
// newest payload for late joiners.
func (g *MqttGsoc) Broadcast(ctx context.Context, topic types.Topic, resource string, data []byte) error {
	token := g.client.Publish(channelTopic(topic, resource), 1, true, data)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	broadcastsTotal.WithLabelValues(resource).Inc()
	return nil
}

// Subscribe registers a handler and makes sure the broker subscription for
// the channel exists.
func (g *MqttGsoc) Subscribe(topic types.Topic, resource string, fn func(data []byte)) (Subscription, error) {
	channel := gsocChannel{topic, resource}

	g.mu.Lock()
	needBroker := g.subscribers[channel] == nil
	if needBroker {
		g.subscribers[channel] = make(map[int]func([]byte))
	}
	g.nextID++
	id := g.nextID
	g.subscribers[channel][id] = fn
	g.mu.Unlock()

	if needBroker && g.client.IsConnected() {
		if err := g.subscribeBroker(channel); err != nil {
			g.mu.Lock()
			delete(g.subscribers[channel], id)
			g.mu.Unlock()
			return nil, err
		}
	}
	return &mqttSubscriber{gsoc: g, channel: channel, id: id}, nil
}

// FetchLatest returns the channel's most recent payload. If we haven't heard
// one yet it briefly ensures a subscription and waits for the broker to
// replay the retained message; a channel nobody ever published on yields
// ErrNoPayload.
func (g *MqttGsoc) FetchLatest(ctx context.Context, topic types.Topic, resource string) ([]byte, error) {
	channel := gsocChannel{topic, resource}

	if data, ok := g.cachedLatest(channel); ok {
		return data, nil
	}

	g.mu.Lock()
	needBroker := g.subscribers[channel] == nil
	if needBroker {
		g.subscribers[channel] = make(map[int]func([]byte))
	}
	g.mu.Unlock()
	if needBroker {
		if err := g.subscribeBroker(channel); err != nil {
			return nil, err
		}
	}

	deadline := time.After(fetchLatestWait)
	for {
		select {
		case <-time.After(50 * time.Millisecond):
			if data, ok := g.cachedLatest(channel); ok {
				return data, nil
			}
		case <-deadline:
			return nil, ErrNoPayload
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (g *MqttGsoc) cachedLatest(channel gsocChannel) ([]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, ok := g.latest[channel]
	if !ok {
		return nil, false
	}
	result := make([]byte, len(data))
	copy(result, data)
	return result, true
}

var connectLostHandler mqtt.ConnectionLostHandler = func(client mqtt.Client, err error) {
	logrus.Printf("MQTT Connection lost: %v", err)
}
