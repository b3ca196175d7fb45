// Package services – ConversationService
//
// ConversationService owns two-party conversations: find-or-create for a
// pair of users (optionally scoped to a listing), the inbox, participant
// checks, read receipts and typing indicators. Events go out on the bus to
// the conversation topic and to the personal topics of the affected users.

package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-rental-chat/internal/bus"
	"github.com/tbourn/go-rental-chat/internal/domain"
	"github.com/tbourn/go-rental-chat/internal/repo"
)

// ConversationService coordinates conversation lifecycle and read state.
type ConversationService struct {
	Store Store
	Bus   bus.Bus
	Log   zerolog.Logger

	// Now defaults to time.Now; tests pin it.
	Now func() time.Time
}

func (s *ConversationService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// CreateOrGet returns the conversation between userID and otherID for the
// listing, creating it on first contact. created reports an insert.
func (s *ConversationService) CreateOrGet(ctx context.Context, userID, otherID string, listingID *string) (*domain.Conversation, bool, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "CreateOrGet",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("other.id", otherID),
		),
	)
	defer span.End()

	otherID = strings.TrimSpace(otherID)
	if userID == "" || otherID == "" {
		return nil, false, ErrMissingParticipant
	}
	if userID == otherID {
		return nil, false, ErrSelfConversation
	}
	if listingID != nil {
		if l := strings.TrimSpace(*listingID); l == "" {
			listingID = nil
		} else {
			listingID = &l
		}
	}

	conv, created, err := s.Store.FindOrCreate(ctx, userID, otherID, listingID)
	if err != nil {
		return nil, false, storeErr(err)
	}
	span.SetAttributes(attribute.String("conversation.id", conv.ID), attribute.Bool("created", created))
	return conv, created, nil
}

// List returns one inbox page for userID, most recent activity first.
func (s *ConversationService) List(ctx context.Context, userID string, page, limit int) ([]domain.ConversationSummary, int64, error) {
	page, limit = normalizePage(page, limit)

	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "List",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", limit),
		),
	)
	defer span.End()

	items, total, err := s.Store.ListConversations(ctx, userID, page, limit)
	if err != nil {
		return nil, 0, storeErr(err)
	}
	return items, total, nil
}

// Authorize loads the conversation and checks that userID takes part in it.
func (s *ConversationService) Authorize(ctx context.Context, conversationID, userID string) (*domain.Conversation, error) {
	return authorize(ctx, s.Store, conversationID, userID)
}

// UnreadCount returns how many messages addressed to userID are unread.
func (s *ConversationService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "UnreadCount",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	n, err := s.Store.UnreadCount(ctx, userID)
	if err != nil {
		return 0, storeErr(err)
	}
	return n, nil
}

// MarkRead marks every message sent to readerID in the conversation as read
// and returns how many changed. Repeating the call returns 0 and emits
// nothing.
func (s *ConversationService) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "MarkRead",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("user.id", readerID),
		),
	)
	defer span.End()

	conv, err := authorize(ctx, s.Store, conversationID, readerID)
	if err != nil {
		return 0, err
	}

	at := s.now()
	n, err := s.Store.MarkRead(ctx, conversationID, readerID, at)
	if err != nil {
		return 0, storeErr(err)
	}
	span.SetAttributes(attribute.Int64("read.count", n))
	if n > 0 {
		publishRead(ctx, s.Bus, s.Log, conv, bus.ReadPayload{
			ConversationID: conversationID,
			ReaderID:       readerID,
			Count:          n,
			ReadAt:         at.Format(time.RFC3339Nano),
		})
	}
	return n, nil
}

// Typing broadcasts a typing indicator to the conversation room.
func (s *ConversationService) Typing(ctx context.Context, conversationID, userID string, started bool) error {
	if _, err := authorize(ctx, s.Store, conversationID, userID); err != nil {
		return err
	}
	typ := bus.EventUserStoppedTyping
	if started {
		typ = bus.EventUserTyping
	}
	ev, err := bus.NewEvent(typ, bus.TypingPayload{ConversationID: conversationID, UserID: userID})
	if err != nil {
		return err
	}
	return s.Bus.Publish(ctx, bus.ConversationTopic(conversationID), ev)
}

// authorize re-reads the conversation so membership is never taken from a
// stale cache.
func authorize(ctx context.Context, st Store, conversationID, userID string) (*domain.Conversation, error) {
	conv, err := st.GetConversation(ctx, conversationID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return conv, nil
}

// publishRead sends message-read to the room and to the other participant,
// who is the author of the messages just read.
func publishRead(ctx context.Context, b bus.Bus, log zerolog.Logger, conv *domain.Conversation, p bus.ReadPayload) {
	ev, err := bus.NewEvent(bus.EventMessageRead, p)
	if err != nil {
		log.Error().Err(err).Msg("encode message-read")
		return
	}
	for _, topic := range []string{
		bus.ConversationTopic(conv.ID),
		bus.UserTopic(conv.Other(p.ReaderID)),
	} {
		if err := b.Publish(ctx, topic, ev); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("publish message-read")
		}
	}
}
