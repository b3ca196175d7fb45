// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model and the inbox aggregates built on top of it.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. They follow the "thin repository"
// approach: no authorization or business rules, only persistence and query
// composition. Missing rows surface as ErrNotFound (gorm.ErrRecordNotFound).
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-rental-chat/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// FindConversation looks a conversation up by its unordered participant pair
// and optional listing.
func FindConversation(ctx context.Context, db *gorm.DB, a, b string, listingID *string) (*domain.Conversation, error) {
	p1, p2 := domain.OrderedPair(a, b)
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("participant1_id = ? AND participant2_id = ? AND listing_key = ?", p1, p2, listingKey(listingID)).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateConversation inserts a conversation for the pair. A concurrent
// insert of the same pair surfaces as ErrDuplicate.
func CreateConversation(ctx context.Context, db *gorm.DB, a, b string, listingID *string, now time.Time) (*domain.Conversation, error) {
	p1, p2 := domain.OrderedPair(a, b)
	c := &domain.Conversation{
		ID:             uuid.NewString(),
		Participant1ID: p1,
		Participant2ID: p2,
		ListingID:      listingID,
		ListingKey:     listingKey(listingID),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return c, nil
}

// GetConversation fetches a conversation by ID.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// TouchLastMessage advances last_message_at. The timestamp never moves
// backwards, so out-of-order touches are no-ops.
func TouchLastMessage(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND (last_message_at IS NULL OR last_message_at < ?)", id, at).
		UpdateColumns(map[string]any{"last_message_at": at, "updated_at": at}).Error
}

// CountConversations returns how many conversations the user takes part in.
func CountConversations(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("participant1_id = ? OR participant2_id = ?", userID, userID).
		Count(&n).Error
	return n, err
}

// ListConversationsPage returns a page of the user's conversations, most
// recently active first. Conversations without messages sort last.
func ListConversationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Where("participant1_id = ? OR participant2_id = ?", userID, userID).
		Order("last_message_at DESC, created_at DESC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UnreadByConversation returns, for each of the given conversations, the
// number of messages not sent by userID that are still unread. Conversations
// with nothing unread are absent from the map. One query regardless of len(ids).
func UnreadByConversation(ctx context.Context, db *gorm.DB, userID string, ids []string) (map[string]int64, error) {
	out := make(map[string]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []struct {
		ConversationID string
		N              int64
	}
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Select("conversation_id, COUNT(*) AS n").
		Where("conversation_id IN ? AND sender_id <> ? AND read_at IS NULL", ids, userID).
		Group("conversation_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.ConversationID] = r.N
	}
	return out, nil
}

// LastMessages returns the newest visible message of each given conversation.
// One query regardless of len(ids).
func LastMessages(ctx context.Context, db *gorm.DB, ids []string) (map[string]domain.Message, error) {
	out := make(map[string]domain.Message, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	latest := db.Model(&domain.Message{}).
		Select("conversation_id, MAX(seq) AS max_seq").
		Where("conversation_id IN ? AND deleted_at IS NULL", ids).
		Group("conversation_id")

	var msgs []domain.Message
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Joins("JOIN (?) AS latest ON latest.conversation_id = messages.conversation_id AND latest.max_seq = messages.seq", latest).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		out[m.ConversationID] = m
	}
	return out, nil
}

// UnreadCount returns the total number of unread messages addressed to
// userID across all conversations, in a single aggregate query.
func UnreadCount(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Joins("JOIN conversations c ON c.id = messages.conversation_id").
		Where("(c.participant1_id = ? OR c.participant2_id = ?) AND messages.sender_id <> ? AND messages.read_at IS NULL",
			userID, userID, userID).
		Count(&n).Error
	return n, err
}

func listingKey(listingID *string) string {
	if listingID == nil {
		return ""
	}
	return strings.TrimSpace(*listingID)
}

// isUniqueViolation matches both gorm's translated error and the plain-text
// errors glebarez/sqlite returns for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
