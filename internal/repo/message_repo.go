// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message model.
package repo

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-rental-chat/internal/domain"
)

// AppendMessage assigns the next sequence number of the conversation and
// inserts the message in one transaction. The counter bump runs first so the
// transaction holds the write lock before it reads the new value.
//
// created_at never goes backwards along seq: a timestamp older than the
// previous message's is raised to it.
func AppendMessage(ctx context.Context, db *gorm.DB, conversationID, senderID, content, typ string, attachments []string, now time.Time) (*domain.Message, error) {
	var m *domain.Message
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Conversation{}).
			Where("id = ?", conversationID).
			UpdateColumn("message_seq", gorm.Expr("message_seq + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		var seq int64
		if err := tx.Model(&domain.Conversation{}).
			Select("message_seq").
			Where("id = ?", conversationID).
			Scan(&seq).Error; err != nil {
			return err
		}

		if seq > 1 {
			var prev domain.Message
			if err := tx.Unscoped().
				Select("created_at").
				Where("conversation_id = ? AND seq = ?", conversationID, seq-1).
				Limit(1).
				Find(&prev).Error; err != nil {
				return err
			}
			if prev.CreatedAt.After(now) {
				now = prev.CreatedAt
			}
		}

		m = &domain.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			SenderID:       senderID,
			Content:        content,
			Attachments:    domain.Attachments(attachments),
			Type:           typ,
			Seq:            seq,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return tx.Omit(clause.Associations).Create(m).Error
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMessage fetches a visible (not soft-deleted) message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// MarkDelivered stamps delivered_at once. Later calls are no-ops.
func MarkDelivered(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ? AND delivered_at IS NULL", id).
		UpdateColumns(map[string]any{"delivered_at": at, "updated_at": at}).Error
}

// MarkConversationRead marks every unread message in the conversation that
// was not sent by readerID as read. Undelivered messages are stamped
// delivered at the same instant so read_at >= delivered_at holds.
// Returns the number of messages that changed.
func MarkConversationRead(ctx context.Context, db *gorm.DB, conversationID, readerID string, at time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND read_at IS NULL", conversationID, readerID).
		UpdateColumns(readStamp(at))
	return res.RowsAffected, res.Error
}

// MarkMessageRead marks a single message read, unless readerID sent it or
// it is already read. Returns the number of rows changed (0 or 1).
func MarkMessageRead(ctx context.Context, db *gorm.DB, id, readerID string, at time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ? AND sender_id <> ? AND read_at IS NULL", id, readerID).
		UpdateColumns(readStamp(at))
	return res.RowsAffected, res.Error
}

func readStamp(at time.Time) map[string]any {
	return map[string]any{
		"read_at":      at,
		"delivered_at": gorm.Expr("COALESCE(delivered_at, ?)", at),
		"updated_at":   at,
	}
}

// CountMessages returns the number of visible messages in a conversation.
func CountMessages(ctx context.Context, db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("conversation_id = ?", conversationID).
		Count(&total).Error
	return total, err
}

// ListMessagesPage returns one page of a conversation. Page offsets count
// back from the newest message; the returned slice is in chronological
// (seq ascending) order.
func ListMessagesPage(ctx context.Context, db *gorm.DB, conversationID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

// SearchMessages returns a page of messages whose content contains query as
// a literal substring (LIKE wildcards in query are escaped), plus the total
// number of matches. Paging and ordering follow ListMessagesPage.
func SearchMessages(ctx context.Context, db *gorm.DB, conversationID, query string, offset, limit int) ([]domain.Message, int64, error) {
	pattern := "%" + escapeLike(query) + "%"
	matching := func() *gorm.DB {
		return db.WithContext(ctx).
			Model(&domain.Message{}).
			Where(`conversation_id = ? AND content LIKE ? ESCAPE '\'`, conversationID, pattern)
	}

	var total int64
	if err := matching().Count(&total).Error; err != nil {
		return nil, 0, err
	}
	out := []domain.Message{}
	if total == 0 {
		return out, 0, nil
	}
	if err := matching().Order("seq DESC").Offset(offset).Limit(limit).Find(&out).Error; err != nil {
		return nil, 0, err
	}
	reverse(out)
	return out, total, nil
}

// UpdateMessageContent replaces the content and stamps edited_at.
func UpdateMessageContent(ctx context.Context, db *gorm.DB, id, content string, at time.Time) (*domain.Message, error) {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{"content": content, "edited_at": at, "updated_at": at})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return GetMessage(ctx, db, id)
}

// SoftDeleteMessage hides a message. The row is kept.
func SoftDeleteMessage(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Message{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

func reverse(ms []domain.Message) {
	for i, j := 0, len(ms)-1; i < j; i, j = i+1, j-1 {
		ms[i], ms[j] = ms[j], ms[i]
	}
}
