package bus

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-rental-chat/internal/observability"
)

// envelope is the relay wire format.
type envelope struct {
	Origin string `json:"origin"`
	Topic  string `json:"topic"`
	Event  Event  `json:"event"`
}

// RedisBus delivers locally first, then relays through Redis. Envelopes that
// come back with this node's origin are ignored, so local subscribers see
// each event once.
type RedisBus struct {
	local   *LocalBus
	client  redis.UniversalClient
	channel string
	nodeID  string
	log     zerolog.Logger

	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedis wraps local with a relay over channel.
func NewRedis(local *LocalBus, client redis.UniversalClient, channel string, log zerolog.Logger) *RedisBus {
	return &RedisBus{
		local:   local,
		client:  client,
		channel: channel,
		nodeID:  uuid.NewString(),
		log:     log,
	}
}

// NodeID identifies this process on the relay.
func (b *RedisBus) NodeID() string { return b.nodeID }

// Start subscribes to the relay channel and begins re-delivering events from
// other nodes. It returns once the subscription is confirmed.
func (b *RedisBus) Start(ctx context.Context) error {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}
	b.pubsub = ps
	b.done = make(chan struct{})
	go b.receive(ps.Channel())
	return nil
}

func (b *RedisBus) receive(msgs <-chan *redis.Message) {
	defer close(b.done)
	for msg := range msgs {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			observability.RelayErrors.Inc()
			b.log.Warn().Err(err).Msg("relay: undecodable envelope")
			continue
		}
		if env.Origin == b.nodeID || env.Topic == "" {
			continue
		}
		_ = b.local.Publish(context.Background(), env.Topic, env.Event)
	}
}

// Close stops the relay receive loop.
func (b *RedisBus) Close() error {
	if b.pubsub == nil {
		return nil
	}
	err := b.pubsub.Close()
	<-b.done
	return err
}

// Subscribe registers a local subscriber.
func (b *RedisBus) Subscribe(topic string) *Subscription { return b.local.Subscribe(topic) }

// Publish delivers to local subscribers and relays to other nodes. Relay
// failures are logged and counted but not returned; local delivery has
// already happened.
func (b *RedisBus) Publish(ctx context.Context, topic string, ev Event) error {
	_ = b.local.Publish(ctx, topic, ev)

	payload, err := json.Marshal(envelope{Origin: b.nodeID, Topic: topic, Event: ev})
	if err == nil {
		err = b.client.Publish(ctx, b.channel, payload).Err()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.RelayErrors.Inc()
		b.log.Warn().Err(err).Str("topic", topic).Msg("relay publish failed")
	}
	return nil
}
