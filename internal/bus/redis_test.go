package bus

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newNode(t *testing.T, addr string) *RedisBus {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	b := NewRedis(NewLocal(16), client, "test:events", zerolog.Nop())
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		_ = b.Close()
		_ = client.Close()
	})
	return b
}

func TestRedisBus_CrossNodeDeliveryOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	nodeA := newNode(t, mr.Addr())
	nodeB := newNode(t, mr.Addr())
	if nodeA.NodeID() == nodeB.NodeID() {
		t.Fatalf("node ids must differ")
	}

	subA := nodeA.Subscribe("user:u2")
	subB := nodeB.Subscribe("user:u2")

	ev, _ := NewEvent("new-message-notification", map[string]string{"conversationId": "c1"})
	if err := nodeA.Publish(context.Background(), "user:u2", ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := recv(t, subA); got.Type != ev.Type {
		t.Fatalf("local subscriber got %+v", got)
	}
	got := recv(t, subB)
	if got.Type != ev.Type || string(got.Data) != string(ev.Data) {
		t.Fatalf("remote subscriber got %+v", got)
	}
	// The relay echo of A's own envelope must not duplicate delivery on A.
	expectNone(t, subA)
	expectNone(t, subB)
}

func TestRedisBus_RelayFailureKeepsLocalDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	b := NewRedis(NewLocal(4), client, "test:events", zerolog.Nop())
	sub := b.Subscribe("conversation:c1")

	mr.Close()
	ev, _ := NewEvent("new-message", nil)
	if err := b.Publish(context.Background(), "conversation:c1", ev); err != nil {
		t.Fatalf("relay failure must not fail Publish: %v", err)
	}
	if got := recv(t, sub); got.Type != "new-message" {
		t.Fatalf("local delivery lost: %+v", got)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close without Start: %v", err)
	}
}

func TestRedisBus_StartFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	b := NewRedis(NewLocal(4), client, "x", zerolog.Nop())
	if err := b.Start(context.Background()); err == nil {
		t.Fatalf("Start should fail when Redis is down")
	}
}
