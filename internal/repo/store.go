// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file binds the free repository functions into Store,
// the conversation store the message pipeline depends on.
package repo

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-rental-chat/internal/domain"
)

const lockStripes = 64

// stripedLock serializes work per key with a fixed set of mutexes. Two keys
// may share a stripe; that only costs parallelism.
type stripedLock struct {
	mu [lockStripes]sync.Mutex
}

func (l *stripedLock) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &l.mu[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// Store is the GORM-backed conversation store and user directory.
//
// Find-or-create is serialized per participant pair and appends per
// conversation inside this process; the unique indexes cover writers in
// other processes.
type Store struct {
	DB *gorm.DB

	pairs stripedLock
	convs stripedLock
}

// NewStore returns a Store over db.
func NewStore(db *gorm.DB) *Store { return &Store{DB: db} }

// FindOrCreate returns the conversation between a and b for the listing,
// creating it when absent. created reports whether this call inserted it.
func (s *Store) FindOrCreate(ctx context.Context, a, b string, listingID *string) (*domain.Conversation, bool, error) {
	p1, p2 := domain.OrderedPair(a, b)
	unlock := s.pairs.lock(p1 + "\x00" + p2 + "\x00" + listingKey(listingID))
	defer unlock()

	c, err := FindConversation(ctx, s.DB, a, b, listingID)
	if err == nil {
		return c, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	c, err = CreateConversation(ctx, s.DB, a, b, listingID, time.Now().UTC())
	if errors.Is(err, ErrDuplicate) {
		// Another process won the race.
		c, err = FindConversation(ctx, s.DB, a, b, listingID)
		return c, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	return GetConversation(ctx, s.DB, id)
}

// AppendMessage persists a message with the next sequence number of its
// conversation.
func (s *Store) AppendMessage(ctx context.Context, conversationID, senderID, content, typ string, attachments []string, at time.Time) (*domain.Message, error) {
	unlock := s.convs.lock(conversationID)
	defer unlock()
	return AppendMessage(ctx, s.DB, conversationID, senderID, content, typ, attachments, at)
}

func (s *Store) TouchLastMessage(ctx context.Context, conversationID string, at time.Time) error {
	return TouchLastMessage(ctx, s.DB, conversationID, at)
}

func (s *Store) MarkDelivered(ctx context.Context, messageID string, at time.Time) error {
	return MarkDelivered(ctx, s.DB, messageID, at)
}

func (s *Store) MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error) {
	return MarkConversationRead(ctx, s.DB, conversationID, readerID, at)
}

func (s *Store) MarkMessageRead(ctx context.Context, messageID, readerID string, at time.Time) (int64, error) {
	return MarkMessageRead(ctx, s.DB, messageID, readerID, at)
}

func (s *Store) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return UnreadCount(ctx, s.DB, userID)
}

// ListConversations returns one inbox page with last-message previews and
// unread counts. It issues four queries whatever the page size.
func (s *Store) ListConversations(ctx context.Context, userID string, page, limit int) ([]domain.ConversationSummary, int64, error) {
	total, err := CountConversations(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	out := []domain.ConversationSummary{}
	if total == 0 {
		return out, 0, nil
	}

	convs, err := ListConversationsPage(ctx, s.DB, userID, offset(page, limit), limit)
	if err != nil {
		return nil, 0, err
	}
	if len(convs) == 0 {
		return out, total, nil
	}

	ids := make([]string, len(convs))
	for i := range convs {
		ids[i] = convs[i].ID
	}
	unread, err := UnreadByConversation(ctx, s.DB, userID, ids)
	if err != nil {
		return nil, 0, err
	}
	last, err := LastMessages(ctx, s.DB, ids)
	if err != nil {
		return nil, 0, err
	}

	for _, c := range convs {
		sum := domain.ConversationSummary{
			Conversation:       c,
			OtherParticipantID: c.Other(userID),
			UnreadCount:        unread[c.ID],
		}
		if m, ok := last[c.ID]; ok {
			m := m
			sum.LastMessage = &m
		}
		out = append(out, sum)
	}
	return out, total, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, page, limit int) ([]domain.Message, int64, error) {
	total, err := CountMessages(ctx, s.DB, conversationID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}
	items, err := ListMessagesPage(ctx, s.DB, conversationID, offset(page, limit), limit)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *Store) SearchMessages(ctx context.Context, conversationID, query string, page, limit int) ([]domain.Message, int64, error) {
	return SearchMessages(ctx, s.DB, conversationID, query, offset(page, limit), limit)
}

func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	return GetMessage(ctx, s.DB, id)
}

func (s *Store) UpdateMessageContent(ctx context.Context, id, content string, at time.Time) (*domain.Message, error) {
	return UpdateMessageContent(ctx, s.DB, id, content, at)
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	return SoftDeleteMessage(ctx, s.DB, id)
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return GetUser(ctx, s.DB, id)
}

func (s *Store) GetListing(ctx context.Context, id string) (*domain.Listing, error) {
	return GetListing(ctx, s.DB, id)
}

// Idempotency returns the live send record for (user, conversation, key).
func (s *Store) Idempotency(ctx context.Context, userID, conversationID, key string, now time.Time) (*domain.Idempotency, error) {
	return GetIdempotency(ctx, s.DB, userID, conversationID, key, now)
}

// RememberSend records that key produced messageID for ttl.
func (s *Store) RememberSend(ctx context.Context, userID, conversationID, key, messageID string, status int, ttl time.Duration, now time.Time) error {
	_, err := CreateIdempotency(ctx, s.DB, userID, conversationID, key, messageID, status, ttl, now)
	return err
}

// MessagesStats feeds conversation history ETags.
func (s *Store) MessagesStats(ctx context.Context, conversationID string) (int64, *time.Time, error) {
	return MessagesStats(ctx, s.DB, conversationID)
}

func offset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}
