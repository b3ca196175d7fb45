package services

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-rental-chat/internal/bus"
	"github.com/tbourn/go-rental-chat/internal/domain"
	"github.com/tbourn/go-rental-chat/internal/notify"
	"github.com/tbourn/go-rental-chat/internal/ratelimit"
	"github.com/tbourn/go-rental-chat/internal/repo"
)

type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
}

func (p *fakePresence) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

func (p *fakePresence) set(userID string, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.online == nil {
		p.online = map[string]bool{}
	}
	p.online[userID] = on
}

type fakeNotifier struct {
	mu   sync.Mutex
	jobs []notify.Job
	err  error
}

func (n *fakeNotifier) Enqueue(j notify.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, j)
	return n.err
}

type fixture struct {
	store    *repo.Store
	bus      *bus.LocalBus
	presence *fakePresence
	notifier *fakeNotifier
	clock    time.Time
	msgs     *MessageService
	convs    *ConversationService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "svc.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}

	f := &fixture{
		store:    repo.NewStore(db),
		bus:      bus.NewLocal(64),
		presence: &fakePresence{},
		notifier: &fakeNotifier{},
		clock:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	now := func() time.Time { return f.clock }
	f.msgs = &MessageService{
		Store:           f.store,
		Bus:             f.bus,
		Limiter:         ratelimit.NewMemory(20, time.Minute),
		Presence:        f.presence,
		Notifier:        f.notifier,
		Log:             zerolog.Nop(),
		MaxContentRunes: 5000,
		MaxAttachments:  10,
		EditWindow:      15 * time.Minute,
		PreviewRunes:    100,
		Now:             now,
	}
	f.convs = &ConversationService{Store: f.store, Bus: f.bus, Log: zerolog.Nop(), Now: now}
	return f
}

func (f *fixture) conversation(t *testing.T, a, b string) *domain.Conversation {
	t.Helper()
	c, _, err := f.convs.CreateOrGet(context.Background(), a, b, nil)
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	return c
}

func (f *fixture) send(t *testing.T, convID, sender, content string) *domain.Message {
	t.Helper()
	m, err := f.msgs.Send(context.Background(), SendInput{ConversationID: convID, SenderID: sender, Content: content})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	return m
}

// next returns the next buffered event on sub, failing if none arrives.
func next(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no event on %s", sub.Topic())
		return bus.Event{}
	}
}

func expectNone(t *testing.T, sub *bus.Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected %s on %s", ev.Type, sub.Topic())
	default:
	}
}

func TestSend_PersistsAndFansOut(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")

	room := f.bus.Subscribe(bus.ConversationTopic(conv.ID))
	senderTopic := f.bus.Subscribe(bus.UserTopic("alice"))
	recipientTopic := f.bus.Subscribe(bus.UserTopic("bob"))
	defer room.Close()
	defer senderTopic.Close()
	defer recipientTopic.Close()

	m := f.send(t, conv.ID, "alice", "  hello bob  ")
	if m.Seq != 1 || m.Content != "hello bob" || m.Type != domain.MessageText {
		t.Fatalf("unexpected message: %+v", m)
	}

	for _, sub := range []*bus.Subscription{room, senderTopic} {
		ev := next(t, sub)
		if ev.Type != bus.EventNewMessage {
			t.Fatalf("%s: got %s", sub.Topic(), ev.Type)
		}
		var got domain.Message
		if err := json.Unmarshal(ev.Data, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.ID != m.ID || got.Seq != 1 {
			t.Fatalf("payload mismatch: %+v", got)
		}
	}

	ev := next(t, recipientTopic)
	if ev.Type != bus.EventNewMessageNotification {
		t.Fatalf("recipient got %s", ev.Type)
	}
	var note bus.NotificationPayload
	_ = json.Unmarshal(ev.Data, &note)
	if note.MessageID != m.ID || note.SenderID != "alice" || note.Preview != "hello bob" {
		t.Fatalf("notification payload: %+v", note)
	}
	expectNone(t, recipientTopic)

	if len(f.notifier.jobs) != 1 {
		t.Fatalf("expected 1 notification job, got %d", len(f.notifier.jobs))
	}
	j := f.notifier.jobs[0]
	if j.Seq != 1 || j.RecipientID != "bob" || j.RecipientOnline {
		t.Fatalf("job: %+v", j)
	}

	stored, err := f.store.GetMessage(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if stored.DeliveredAt != nil {
		t.Fatalf("offline recipient must not mark delivered")
	}
	c, _ := f.store.GetConversation(context.Background(), conv.ID)
	if c.LastMessageAt == nil || !c.LastMessageAt.Equal(m.CreatedAt) {
		t.Fatalf("last_message_at not advanced: %v", c.LastMessageAt)
	}
}

func TestSend_OnlineRecipientMarksDelivered(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")
	f.presence.set("bob", true)

	m := f.send(t, conv.ID, "alice", "hi")
	stored, err := f.store.GetMessage(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if stored.DeliveredAt == nil {
		t.Fatalf("expected delivered_at for online recipient")
	}
	if !f.notifier.jobs[0].RecipientOnline {
		t.Fatalf("job should record recipient online")
	}
}

func TestSend_SequenceAndNotifierFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = notify.ErrQueueFull
	conv := f.conversation(t, "alice", "bob")

	a := f.send(t, conv.ID, "alice", "one")
	b := f.send(t, conv.ID, "bob", "two")
	c := f.send(t, conv.ID, "alice", "three")
	if a.Seq != 1 || b.Seq != 2 || c.Seq != 3 {
		t.Fatalf("seqs: %d %d %d", a.Seq, b.Seq, c.Seq)
	}
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")

	many := make([]string, 11)
	for i := range many {
		many[i] = "https://cdn.example/a.png"
	}
	cases := []struct {
		name string
		in   SendInput
		want error
	}{
		{"empty", SendInput{Content: "   "}, ErrEmptyMessage},
		{"too long", SendInput{Content: strings.Repeat("é", 5001)}, ErrContentTooLong},
		{"too many attachments", SendInput{Attachments: many}, ErrTooManyAttachments},
		{"bad type", SendInput{Content: "x", Type: "video"}, ErrInvalidType},
		{"blank attachment", SendInput{Attachments: []string{" "}}, ErrInvalidAttachment},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.in.ConversationID = conv.ID
			tc.in.SenderID = "alice"
			_, err := f.msgs.Send(context.Background(), tc.in)
			if !errors.Is(err, tc.want) || !errors.Is(err, ErrValidation) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}

	// Exactly at the limit and attachment-only messages are accepted.
	if _, err := f.msgs.Send(context.Background(), SendInput{ConversationID: conv.ID, SenderID: "alice", Content: strings.Repeat("é", 5000)}); err != nil {
		t.Fatalf("5000 runes: %v", err)
	}
	m, err := f.msgs.Send(context.Background(), SendInput{ConversationID: conv.ID, SenderID: "alice", Type: domain.MessageImage, Attachments: many[:10]})
	if err != nil {
		t.Fatalf("attachments only: %v", err)
	}
	if len(m.Attachments) != 10 {
		t.Fatalf("attachments: %v", m.Attachments)
	}
}

func TestSend_Authorization(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")

	_, err := f.msgs.Send(context.Background(), SendInput{ConversationID: conv.ID, SenderID: "mallory", Content: "hi"})
	if !errors.Is(err, ErrForbidden) || !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("non-participant: %v", err)
	}
	_, err = f.msgs.Send(context.Background(), SendInput{ConversationID: "missing", SenderID: "alice", Content: "hi"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing conversation: %v", err)
	}
	if n, _ := f.store.UnreadCount(context.Background(), "bob"); n != 0 {
		t.Fatalf("rejected sends must not persist, unread=%d", n)
	}
}

func TestSend_RateLimited(t *testing.T) {
	f := newFixture(t)
	lim := ratelimit.NewMemory(2, time.Minute)
	lim.SetClock(func() time.Time { return f.clock })
	f.msgs.Limiter = lim
	conv := f.conversation(t, "alice", "bob")

	f.send(t, conv.ID, "alice", "1")
	f.send(t, conv.ID, "alice", "2")
	_, err := f.msgs.Send(context.Background(), SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "3"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter <= 0 || rl.RetryAfter > time.Minute {
		t.Fatalf("retry after: %+v", rl)
	}

	// Other senders keep their own quota.
	f.send(t, conv.ID, "bob", "still fine")

	f.clock = f.clock.Add(time.Minute)
	f.send(t, conv.ID, "alice", "after window")
}

func TestSend_StoreUnavailable(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")
	sqlDB, _ := f.store.DB.DB()
	_ = sqlDB.Close()

	_, err := f.msgs.Send(context.Background(), SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "hi"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

func TestEdit(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")
	m := f.send(t, conv.ID, "alice", "draft")
	room := f.bus.Subscribe(bus.ConversationTopic(conv.ID))
	defer room.Close()

	if _, err := f.msgs.Edit(context.Background(), m.ID, "bob", "hijack"); !errors.Is(err, ErrNotSender) {
		t.Fatalf("non-sender edit: %v", err)
	}
	if _, err := f.msgs.Edit(context.Background(), m.ID, "alice", " "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("empty edit: %v", err)
	}

	f.clock = f.clock.Add(15 * time.Minute)
	got, err := f.msgs.Edit(context.Background(), m.ID, "alice", "final")
	if err != nil {
		t.Fatalf("edit at window edge: %v", err)
	}
	if got.Content != "final" || got.EditedAt == nil || got.Seq != m.Seq {
		t.Fatalf("edited: %+v", got)
	}
	if ev := next(t, room); ev.Type != bus.EventMessageUpdated {
		t.Fatalf("got %s", ev.Type)
	}

	f.clock = f.clock.Add(time.Second)
	if _, err := f.msgs.Edit(context.Background(), m.ID, "alice", "late"); !errors.Is(err, ErrEditWindowExpired) {
		t.Fatalf("late edit: %v", err)
	}
	if _, err := f.msgs.Edit(context.Background(), "nope", "alice", "x"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("missing: %v", err)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")
	m := f.send(t, conv.ID, "alice", "oops")
	room := f.bus.Subscribe(bus.ConversationTopic(conv.ID))
	defer room.Close()

	if err := f.msgs.Delete(context.Background(), m.ID, "bob"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-sender delete: %v", err)
	}
	if err := f.msgs.Delete(context.Background(), m.ID, "alice"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ev := next(t, room)
	var p bus.DeletedPayload
	_ = json.Unmarshal(ev.Data, &p)
	if ev.Type != bus.EventMessageDeleted || p.MessageID != m.ID {
		t.Fatalf("event %s %+v", ev.Type, p)
	}
	if err := f.msgs.Delete(context.Background(), m.ID, "alice"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("second delete: %v", err)
	}

	items, total, err := f.msgs.List(context.Background(), conv.ID, "bob", 1, 10)
	if err != nil || total != 0 || len(items) != 0 {
		t.Fatalf("deleted message still listed: %d %v", total, err)
	}
}

func TestListAndSearch(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")
	for _, c := range []string{"Is the flat free?", "yes, 100% free", "great"} {
		f.send(t, conv.ID, "alice", c)
	}

	items, total, err := f.msgs.List(context.Background(), conv.ID, "bob", 0, 0)
	if err != nil || total != 3 || len(items) != 3 || items[0].Seq != 1 {
		t.Fatalf("list: total=%d len=%d err=%v", total, len(items), err)
	}
	if _, _, err := f.msgs.List(context.Background(), conv.ID, "mallory", 1, 10); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider list: %v", err)
	}

	hits, n, err := f.msgs.Search(context.Background(), conv.ID, "bob", "100%", 1, 10)
	if err != nil || n != 1 || len(hits) != 1 {
		t.Fatalf("search: n=%d err=%v", n, err)
	}
	if _, _, err := f.msgs.Search(context.Background(), conv.ID, "bob", "  ", 1, 10); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("empty query: %v", err)
	}
	if _, _, err := f.msgs.Search(context.Background(), conv.ID, "mallory", "free", 1, 10); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider search: %v", err)
	}
}

func TestCreateOrGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, _, err := f.convs.CreateOrGet(ctx, "alice", "alice", nil); !errors.Is(err, ErrSelfConversation) {
		t.Fatalf("self: %v", err)
	}
	if _, _, err := f.convs.CreateOrGet(ctx, "alice", " ", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank other: %v", err)
	}

	a, created, err := f.convs.CreateOrGet(ctx, "alice", "bob", nil)
	if err != nil || !created {
		t.Fatalf("first: created=%v err=%v", created, err)
	}
	blank := "  "
	b, created, err := f.convs.CreateOrGet(ctx, "bob", "alice", &blank)
	if err != nil || created || b.ID != a.ID {
		t.Fatalf("symmetric lookup: created=%v id=%s err=%v", created, b.ID, err)
	}

	listing := "listing-1"
	c, created, err := f.convs.CreateOrGet(ctx, "bob", "alice", &listing)
	if err != nil || !created || c.ID == a.ID {
		t.Fatalf("listing-scoped: created=%v err=%v", created, err)
	}
}

func TestMarkRead_EmitsOnceWithCount(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")
	f.send(t, conv.ID, "alice", "one")
	f.send(t, conv.ID, "alice", "two")
	f.send(t, conv.ID, "bob", "mine")

	room := f.bus.Subscribe(bus.ConversationTopic(conv.ID))
	author := f.bus.Subscribe(bus.UserTopic("alice"))
	defer room.Close()
	defer author.Close()

	if n, _ := f.convs.UnreadCount(context.Background(), "bob"); n != 2 {
		t.Fatalf("unread before: %d", n)
	}
	n, err := f.convs.MarkRead(context.Background(), conv.ID, "bob")
	if err != nil || n != 2 {
		t.Fatalf("MarkRead: n=%d err=%v", n, err)
	}
	for _, sub := range []*bus.Subscription{room, author} {
		ev := next(t, sub)
		var p bus.ReadPayload
		_ = json.Unmarshal(ev.Data, &p)
		if ev.Type != bus.EventMessageRead || p.ReaderID != "bob" || p.Count != 2 {
			t.Fatalf("%s: %s %+v", sub.Topic(), ev.Type, p)
		}
	}

	n, err = f.convs.MarkRead(context.Background(), conv.ID, "bob")
	if err != nil || n != 0 {
		t.Fatalf("second MarkRead: n=%d err=%v", n, err)
	}
	expectNone(t, room)
	if n, _ := f.convs.UnreadCount(context.Background(), "bob"); n != 0 {
		t.Fatalf("unread after: %d", n)
	}
	if _, err := f.convs.MarkRead(context.Background(), conv.ID, "mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider: %v", err)
	}
}

func TestMarkMessageRead(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")
	m := f.send(t, conv.ID, "alice", "ping")
	room := f.bus.Subscribe(bus.ConversationTopic(conv.ID))
	defer room.Close()

	if n, err := f.msgs.MarkMessageRead(context.Background(), m.ID, "alice"); err != nil || n != 0 {
		t.Fatalf("own message: n=%d err=%v", n, err)
	}
	expectNone(t, room)

	n, err := f.msgs.MarkMessageRead(context.Background(), m.ID, "bob")
	if err != nil || n != 1 {
		t.Fatalf("MarkMessageRead: n=%d err=%v", n, err)
	}
	ev := next(t, room)
	var p bus.ReadPayload
	_ = json.Unmarshal(ev.Data, &p)
	if p.MessageID != m.ID || p.Count != 1 {
		t.Fatalf("payload: %+v", p)
	}
	if _, err := f.msgs.MarkMessageRead(context.Background(), "missing", "bob"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("missing: %v", err)
	}
}

func TestTyping(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")
	room := f.bus.Subscribe(bus.ConversationTopic(conv.ID))
	defer room.Close()

	if err := f.convs.Typing(context.Background(), conv.ID, "alice", true); err != nil {
		t.Fatalf("Typing: %v", err)
	}
	if err := f.convs.Typing(context.Background(), conv.ID, "alice", false); err != nil {
		t.Fatalf("Typing stop: %v", err)
	}
	if ev := next(t, room); ev.Type != bus.EventUserTyping {
		t.Fatalf("got %s", ev.Type)
	}
	if ev := next(t, room); ev.Type != bus.EventUserStoppedTyping {
		t.Fatalf("got %s", ev.Type)
	}
	if err := f.convs.Typing(context.Background(), conv.ID, "mallory", true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider typing: %v", err)
	}
}

func TestListConversations(t *testing.T) {
	f := newFixture(t)
	c1 := f.conversation(t, "alice", "bob")
	c2 := f.conversation(t, "alice", "carol")
	f.send(t, c1.ID, "bob", "older")
	f.clock = f.clock.Add(time.Minute)
	f.send(t, c2.ID, "carol", "newer")

	items, total, err := f.convs.List(context.Background(), "alice", 1, 500)
	if err != nil || total != 2 || len(items) != 2 {
		t.Fatalf("List: total=%d err=%v", total, err)
	}
	if items[0].Conversation.ID != c2.ID || items[0].OtherParticipantID != "carol" || items[0].UnreadCount != 1 {
		t.Fatalf("first row: %+v", items[0])
	}
	if items[1].LastMessage == nil || items[1].LastMessage.Content != "older" {
		t.Fatalf("second row preview: %+v", items[1].LastMessage)
	}
}

func TestRateLimitError(t *testing.T) {
	err := error(&RateLimitError{RetryAfter: 1500 * time.Millisecond})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Is(ErrRateLimited) = false")
	}
	if errors.Is(err, ErrValidation) {
		t.Fatalf("rate limit must not match validation")
	}
	if !strings.Contains(err.Error(), "retry after 2s") {
		t.Fatalf("message: %q", err.Error())
	}
}

func TestNormalizePage(t *testing.T) {
	cases := []struct{ page, limit, wp, wl int }{
		{0, 0, 1, defaultPageSize},
		{-3, 10, 1, 10},
		{2, 1000, 2, maxPageSize},
	}
	for _, c := range cases {
		p, l := normalizePage(c.page, c.limit)
		if p != c.wp || l != c.wl {
			t.Fatalf("normalizePage(%d,%d) = %d,%d", c.page, c.limit, p, l)
		}
	}
}
