package handlers

import (
	"context"
	"time"

	"github.com/tbourn/go-rental-chat/internal/domain"
	"github.com/tbourn/go-rental-chat/internal/services"
)

// ConversationService is the conversation API the handlers call.
type ConversationService interface {
	CreateOrGet(ctx context.Context, userID, otherID string, listingID *string) (*domain.Conversation, bool, error)
	List(ctx context.Context, userID string, page, limit int) ([]domain.ConversationSummary, int64, error)
	Authorize(ctx context.Context, conversationID, userID string) (*domain.Conversation, error)
	MarkRead(ctx context.Context, conversationID, readerID string) (int64, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
}

// MessageService is the message API the handlers call.
type MessageService interface {
	Send(ctx context.Context, in services.SendInput) (*domain.Message, error)
	List(ctx context.Context, conversationID, userID string, page, limit int) ([]domain.Message, int64, error)
	Search(ctx context.Context, conversationID, userID, query string, page, limit int) ([]domain.Message, int64, error)
	Edit(ctx context.Context, messageID, userID, content string) (*domain.Message, error)
	Delete(ctx context.Context, messageID, userID string) error
}

// SendLog backs idempotent sends and history ETags.
type SendLog interface {
	Idempotency(ctx context.Context, userID, conversationID, key string, now time.Time) (*domain.Idempotency, error)
	RememberSend(ctx context.Context, userID, conversationID, key, messageID string, status int, ttl time.Duration, now time.Time) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	MessagesStats(ctx context.Context, conversationID string) (int64, *time.Time, error)
}

// Presence answers online checks.
type Presence interface {
	IsOnline(userID string) bool
}

// Handlers groups the REST endpoints.
type Handlers struct {
	convs    ConversationService
	msgs     MessageService
	sends    SendLog
	presence Presence

	// IdempotencyTTL is how long a send key is remembered.
	IdempotencyTTL time.Duration
}

// New returns Handlers over the given services.
func New(convs ConversationService, msgs MessageService, sends SendLog, presence Presence) *Handlers {
	return &Handlers{convs: convs, msgs: msgs, sends: sends, presence: presence, IdempotencyTTL: 24 * time.Hour}
}
