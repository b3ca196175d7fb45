// Package presence turns registry transitions into user-online and
// user-offline events on the presence topic.
//
// Publishing is decoupled from the connect/disconnect path through a bounded
// queue. When the queue is full the transition is dropped; clients recover
// the truth from IsOnline (REST presence endpoint) on their next query.
package presence

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-rental-chat/internal/bus"
	"github.com/tbourn/go-rental-chat/internal/observability"
	"github.com/tbourn/go-rental-chat/internal/registry"
)

// DefaultQueue is the transition queue capacity.
const DefaultQueue = 1024

// Tracker publishes presence transitions. Create with New, then Run.
type Tracker struct {
	reg   *registry.Registry
	bus   bus.Bus
	queue chan registry.Transition
	log   zerolog.Logger
}

// New wires a Tracker to reg's transitions.
func New(reg *registry.Registry, b bus.Bus, queue int, log zerolog.Logger) *Tracker {
	if queue <= 0 {
		queue = DefaultQueue
	}
	t := &Tracker{reg: reg, bus: b, queue: make(chan registry.Transition, queue), log: log}
	reg.Observe(t.enqueue)
	return t
}

// enqueue runs under the registry shard lock and must not block.
func (t *Tracker) enqueue(tr registry.Transition) {
	select {
	case t.queue <- tr:
	default:
		observability.PresenceDropped.Inc()
	}
}

// Run publishes queued transitions until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr := <-t.queue:
			t.publish(ctx, tr)
		}
	}
}

func (t *Tracker) publish(ctx context.Context, tr registry.Transition) {
	observability.OnlineUsers.Set(float64(t.reg.OnlineCount()))

	typ := bus.EventUserOffline
	if tr.Online {
		typ = bus.EventUserOnline
	}
	ev, err := bus.NewEvent(typ, bus.PresencePayload{UserID: tr.UserID})
	if err != nil {
		return
	}
	if err := t.bus.Publish(ctx, bus.PresenceTopic, ev); err != nil {
		t.log.Debug().Err(err).Str("user_id", tr.UserID).Msg("presence publish failed")
	}
}

// IsOnline reports whether userID has a live connection in this process.
func (t *Tracker) IsOnline(userID string) bool { return t.reg.IsOnline(userID) }
