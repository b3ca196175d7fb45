// Package services – MessageService
//
// MessageService runs the send pipeline: rate-limit gate, validation,
// participant check, persistence with a per-conversation sequence number,
// fan-out, delivery marking, and the e-mail fallback hand-off. It also
// serves message history, search, edits, deletes and single-message read
// receipts.
//
// Fan-out, delivery marking and notification are best effort once the
// message is stored: their failures are logged and never fail the send.

package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-rental-chat/internal/bus"
	"github.com/tbourn/go-rental-chat/internal/domain"
	"github.com/tbourn/go-rental-chat/internal/notify"
	"github.com/tbourn/go-rental-chat/internal/observability"
	"github.com/tbourn/go-rental-chat/internal/ratelimit"
	"github.com/tbourn/go-rental-chat/internal/repo"
)

const (
	defaultMaxContentRunes = 5000
	defaultMaxAttachments  = 10
	defaultPreviewRunes    = 100
)

// SendInput is one outbound message as submitted by a client.
type SendInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           string
	Attachments    []string
}

// MessageService coordinates message persistence and delivery.
type MessageService struct {
	Store    Store
	Bus      bus.Bus
	Limiter  ratelimit.Limiter
	Presence Presence
	Notifier Notifier
	Log      zerolog.Logger

	MaxContentRunes int
	MaxAttachments  int
	// EditWindow bounds how long after sending a message may be edited.
	// Zero disables the bound.
	EditWindow   time.Duration
	PreviewRunes int

	Now func() time.Time
}

func (s *MessageService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Send validates and persists in, then fans it out. The returned message is
// the stored row, including its sequence number.
func (s *MessageService) Send(ctx context.Context, in SendInput) (*domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("conversation.id", in.ConversationID),
			attribute.String("user.id", in.SenderID),
		),
	)
	defer span.End()

	if err := s.admit(ctx, in.SenderID); err != nil {
		return nil, err
	}

	content, typ, err := s.validate(in)
	if err != nil {
		return nil, err
	}

	conv, err := authorize(ctx, s.Store, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, err
	}

	at := s.now()
	msg, err := s.Store.AppendMessage(ctx, conv.ID, in.SenderID, content, typ, in.Attachments, at)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	observability.MessagesSent.WithLabelValues(typ).Inc()
	span.SetAttributes(attribute.String("message.id", msg.ID), attribute.Int64("message.seq", msg.Seq))

	if err := s.Store.TouchLastMessage(ctx, conv.ID, msg.CreatedAt); err != nil {
		s.Log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("touch last message")
	}

	recipient := conv.Other(in.SenderID)
	s.fanOut(ctx, msg, recipient)

	online := s.Presence != nil && s.Presence.IsOnline(recipient)
	if online {
		if err := s.Store.MarkDelivered(ctx, msg.ID, s.now()); err != nil {
			s.Log.Warn().Err(err).Str("message_id", msg.ID).Msg("mark delivered")
		}
	}

	if s.Notifier != nil {
		job := notify.Job{
			ConversationID:  conv.ID,
			ListingID:       conv.ListingID,
			MessageID:       msg.ID,
			Seq:             msg.Seq,
			SenderID:        in.SenderID,
			RecipientID:     recipient,
			Content:         msg.Content,
			RecipientOnline: online,
		}
		if err := s.Notifier.Enqueue(job); err != nil {
			s.Log.Warn().Err(err).Str("message_id", msg.ID).Msg("enqueue notification")
		}
	}
	return msg, nil
}

// admit consumes one unit of the sender's quota. A limiter error lets the
// send through; the Redis limiter already degrades to local counting.
func (s *MessageService) admit(ctx context.Context, senderID string) error {
	if s.Limiter == nil {
		return nil
	}
	d, err := s.Limiter.Allow(ctx, senderID)
	if err != nil {
		s.Log.Warn().Err(err).Str("user_id", senderID).Msg("rate limiter unavailable, admitting send")
		return nil
	}
	if !d.Allowed {
		observability.RateLimited.Inc()
		return &RateLimitError{RetryAfter: d.RetryAfter(s.now())}
	}
	return nil
}

func (s *MessageService) validate(in SendInput) (content, typ string, err error) {
	typ = in.Type
	if typ == "" {
		typ = domain.MessageText
	}
	if !domain.ValidMessageType(typ) {
		return "", "", ErrInvalidType
	}
	maxAtt := s.MaxAttachments
	if maxAtt <= 0 {
		maxAtt = defaultMaxAttachments
	}
	if len(in.Attachments) > maxAtt {
		return "", "", ErrTooManyAttachments
	}
	for _, a := range in.Attachments {
		if strings.TrimSpace(a) == "" {
			return "", "", ErrInvalidAttachment
		}
	}
	content, err = s.checkContent(in.Content, len(in.Attachments) > 0)
	return content, typ, err
}

// checkContent trims content and enforces the emptiness and length rules.
func (s *MessageService) checkContent(raw string, hasAttachments bool) (string, error) {
	content := strings.TrimSpace(raw)
	if content == "" && !hasAttachments {
		return "", ErrEmptyMessage
	}
	maxRunes := s.MaxContentRunes
	if maxRunes <= 0 {
		maxRunes = defaultMaxContentRunes
	}
	if utf8.RuneCountInString(content) > maxRunes {
		return "", ErrContentTooLong
	}
	return content, nil
}

func (s *MessageService) fanOut(ctx context.Context, msg *domain.Message, recipient string) {
	ev, err := bus.NewEvent(bus.EventNewMessage, msg)
	if err != nil {
		s.Log.Error().Err(err).Str("message_id", msg.ID).Msg("encode new-message")
		return
	}
	s.publish(ctx, bus.ConversationTopic(msg.ConversationID), ev)
	s.publish(ctx, bus.UserTopic(msg.SenderID), ev)

	previewRunes := s.PreviewRunes
	if previewRunes <= 0 {
		previewRunes = defaultPreviewRunes
	}
	note, err := bus.NewEvent(bus.EventNewMessageNotification, bus.NotificationPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		Preview:        notify.Preview(msg.Content, previewRunes),
	})
	if err != nil {
		s.Log.Error().Err(err).Str("message_id", msg.ID).Msg("encode new-message-notification")
		return
	}
	s.publish(ctx, bus.UserTopic(recipient), note)
}

func (s *MessageService) publish(ctx context.Context, topic string, ev bus.Event) {
	if err := s.Bus.Publish(ctx, topic, ev); err != nil {
		s.Log.Warn().Err(err).Str("topic", topic).Str("event", ev.Type).Msg("publish")
	}
}

// List returns one page of a conversation's history for a participant.
// Page 1 is the newest window; messages within a page are oldest first.
func (s *MessageService) List(ctx context.Context, conversationID, userID string, page, limit int) ([]domain.Message, int64, error) {
	page, limit = normalizePage(page, limit)

	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "List",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", limit),
		),
	)
	defer span.End()

	if _, err := authorize(ctx, s.Store, conversationID, userID); err != nil {
		return nil, 0, err
	}
	items, total, err := s.Store.ListMessages(ctx, conversationID, page, limit)
	if err != nil {
		return nil, 0, storeErr(err)
	}
	return items, total, nil
}

// Search returns messages of the conversation whose content contains query,
// matched literally and case-insensitively for ASCII.
func (s *MessageService) Search(ctx context.Context, conversationID, userID, query string, page, limit int) ([]domain.Message, int64, error) {
	page, limit = normalizePage(page, limit)

	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Search",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("user.id", userID),
			attribute.Int("page", page),
		),
	)
	defer span.End()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, 0, ErrEmptyQuery
	}
	if _, err := authorize(ctx, s.Store, conversationID, userID); err != nil {
		return nil, 0, err
	}
	items, total, err := s.Store.SearchMessages(ctx, conversationID, query, page, limit)
	if err != nil {
		return nil, 0, storeErr(err)
	}
	return items, total, nil
}

// Edit replaces the content of a message. Only its sender may edit, and only
// while the edit window (inclusive) is open.
func (s *MessageService) Edit(ctx context.Context, messageID, userID, content string) (*domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Edit",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	msg, err := s.ownMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	at := s.now()
	if s.EditWindow > 0 && at.Sub(msg.CreatedAt) > s.EditWindow {
		return nil, ErrEditWindowExpired
	}
	content, err = s.checkContent(content, len(msg.Attachments) > 0)
	if err != nil {
		return nil, err
	}

	updated, err := s.Store.UpdateMessageContent(ctx, messageID, content, at)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}

	if ev, err := bus.NewEvent(bus.EventMessageUpdated, updated); err == nil {
		s.publish(ctx, bus.ConversationTopic(updated.ConversationID), ev)
	}
	return updated, nil
}

// Delete soft-deletes a message. Only its sender may delete it.
func (s *MessageService) Delete(ctx context.Context, messageID, userID string) error {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Delete",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	msg, err := s.ownMessage(ctx, messageID, userID)
	if err != nil {
		return err
	}
	err = s.Store.DeleteMessage(ctx, messageID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrMessageNotFound
	}
	if err != nil {
		return storeErr(err)
	}

	ev, err := bus.NewEvent(bus.EventMessageDeleted, bus.DeletedPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
	})
	if err == nil {
		s.publish(ctx, bus.ConversationTopic(msg.ConversationID), ev)
	}
	return nil
}

// MarkMessageRead marks a single message as read by readerID. Reading one's
// own message, or one already read, changes nothing and emits nothing.
func (s *MessageService) MarkMessageRead(ctx context.Context, messageID, readerID string) (int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "MarkMessageRead",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("user.id", readerID),
		),
	)
	defer span.End()

	msg, err := s.Store.GetMessage(ctx, messageID)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, ErrMessageNotFound
	}
	if err != nil {
		return 0, storeErr(err)
	}
	conv, err := authorize(ctx, s.Store, msg.ConversationID, readerID)
	if err != nil {
		return 0, err
	}

	at := s.now()
	n, err := s.Store.MarkMessageRead(ctx, messageID, readerID, at)
	if err != nil {
		return 0, storeErr(err)
	}
	if n > 0 {
		publishRead(ctx, s.Bus, s.Log, conv, bus.ReadPayload{
			ConversationID: conv.ID,
			ReaderID:       readerID,
			MessageID:      messageID,
			Count:          n,
			ReadAt:         at.Format(time.RFC3339Nano),
		})
	}
	return n, nil
}

// ownMessage loads a message and checks that userID sent it.
func (s *MessageService) ownMessage(ctx context.Context, messageID, userID string) (*domain.Message, error) {
	msg, err := s.Store.GetMessage(ctx, messageID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	if msg.SenderID != userID {
		return nil, ErrNotSender
	}
	return msg, nil
}
