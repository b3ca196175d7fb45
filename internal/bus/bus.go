// Package bus fans events out to topic subscribers.
//
// LocalBus delivers within one process. RedisBus wraps a LocalBus and relays
// every published event through a single Redis pub/sub channel so that
// subscribers in other processes receive it too. Delivery is best-effort:
// a subscriber whose buffer is full misses the event.
package bus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/tbourn/go-rental-chat/internal/observability"
)

// PresenceTopic carries user-online / user-offline events for everyone.
const PresenceTopic = "presence"

// ConversationTopic returns the topic for a conversation's room.
func ConversationTopic(id string) string { return "conversation:" + id }

// UserTopic returns the topic for one user's personal channel.
func UserTopic(id string) string { return "user:" + id }

// Event is a named payload. Its JSON form is also the WebSocket frame.
type Event struct {
	Type string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// NewEvent marshals data into an Event of the given type.
func NewEvent(typ string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, Data: raw}, nil
}

// Bus is the publish/subscribe surface used by the pipeline and gateway.
type Bus interface {
	Publish(ctx context.Context, topic string, ev Event) error
	Subscribe(topic string) *Subscription
}

// Subscription receives events for one topic on C until Close.
type Subscription struct {
	C <-chan Event

	topic string
	id    uint64
	ch    chan Event
	bus   *LocalBus
	once  sync.Once
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.remove(s) })
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// LocalBus is an in-process Bus. Safe for concurrent use.
type LocalBus struct {
	buffer int

	mu     sync.RWMutex
	nextID uint64
	topics map[string]map[uint64]*Subscription
}

// NewLocal returns a LocalBus with the given subscriber buffer size
// (DefaultBuffer when <= 0).
func NewLocal(buffer int) *LocalBus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &LocalBus{buffer: buffer, topics: make(map[string]map[uint64]*Subscription)}
}

// Subscribe registers a new subscriber on topic.
func (b *LocalBus) Subscribe(topic string) *Subscription {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{C: ch, topic: topic, id: b.nextID, ch: ch, bus: b}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[uint64]*Subscription)
		b.topics[topic] = subs
	}
	subs[s.id] = s
	return s
}

func (b *LocalBus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[s.topic]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(b.topics, s.topic)
		}
	}
	close(s.ch)
}

// Publish delivers ev to every current subscriber of topic without
// blocking. It never fails; the error return satisfies Bus.
func (b *LocalBus) Publish(_ context.Context, topic string, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.topics[topic] {
		select {
		case s.ch <- ev:
		default:
			observability.FanoutDropped.WithLabelValues(topicKind(topic)).Inc()
		}
	}
	return nil
}

// Subscribers returns the number of subscribers on topic.
func (b *LocalBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func topicKind(topic string) string {
	if i := strings.IndexByte(topic, ':'); i > 0 {
		return topic[:i]
	}
	return topic
}
