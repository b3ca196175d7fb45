package services

import (
	"context"
	"time"

	"github.com/tbourn/go-rental-chat/internal/domain"
	"github.com/tbourn/go-rental-chat/internal/notify"
)

// Store is the persistence contract of the messaging core. Missing rows are
// reported with repo.ErrNotFound (gorm.ErrRecordNotFound).
type Store interface {
	// FindOrCreate returns the conversation for the unordered pair and
	// listing, creating it if needed. created reports an insert.
	FindOrCreate(ctx context.Context, a, b string, listingID *string) (conv *domain.Conversation, created bool, err error)
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// AppendMessage persists a message with the next per-conversation seq.
	AppendMessage(ctx context.Context, conversationID, senderID, content, typ string, attachments []string, at time.Time) (*domain.Message, error)
	// TouchLastMessage advances the conversation's last activity; never moves it back.
	TouchLastMessage(ctx context.Context, conversationID string, at time.Time) error

	MarkDelivered(ctx context.Context, messageID string, at time.Time) error
	// MarkRead marks the reader's unread messages in a conversation; returns how many changed.
	MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error)
	MarkMessageRead(ctx context.Context, messageID, readerID string, at time.Time) (int64, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)

	ListConversations(ctx context.Context, userID string, page, limit int) ([]domain.ConversationSummary, int64, error)
	ListMessages(ctx context.Context, conversationID string, page, limit int) ([]domain.Message, int64, error)
	SearchMessages(ctx context.Context, conversationID, query string, page, limit int) ([]domain.Message, int64, error)

	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	UpdateMessageContent(ctx context.Context, id, content string, at time.Time) (*domain.Message, error)
	DeleteMessage(ctx context.Context, id string) error
}

// Presence answers whether a user currently has a live connection.
type Presence interface {
	IsOnline(userID string) bool
}

// Notifier accepts e-mail fallback jobs without blocking.
type Notifier interface {
	Enqueue(j notify.Job) error
}

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit
}
