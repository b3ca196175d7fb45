// Package services defines the business logic of the messaging core:
// conversations, the message send pipeline, edits, deletes, read receipts
// and typing indicators.
//
// This file centralizes service-level errors. Each concrete error wraps one
// of five kinds (ErrValidation, ErrRateLimited, ErrNotFound, ErrForbidden,
// ErrStoreUnavailable) so transports can map by kind with errors.Is and still
// report the specific reason.
package services

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds.
var (
	// ErrValidation marks input the caller must fix before retrying.
	ErrValidation = errors.New("validation failed")

	// ErrRateLimited marks a send rejected by the per-sender limiter. The
	// concrete error is a *RateLimitError.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrNotFound marks a missing conversation or message.
	ErrNotFound = errors.New("not found")

	// ErrForbidden marks an authenticated caller acting outside its rights.
	ErrForbidden = errors.New("forbidden")

	// ErrStoreUnavailable marks a persistence failure; the caller may retry.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Validation errors.
var (
	ErrEmptyMessage       = fmt.Errorf("%w: message has no content and no attachments", ErrValidation)
	ErrContentTooLong     = fmt.Errorf("%w: content too long", ErrValidation)
	ErrTooManyAttachments = fmt.Errorf("%w: too many attachments", ErrValidation)
	ErrInvalidType        = fmt.Errorf("%w: unknown message type", ErrValidation)
	ErrInvalidAttachment  = fmt.Errorf("%w: blank attachment reference", ErrValidation)
	ErrSelfConversation   = fmt.Errorf("%w: cannot start a conversation with yourself", ErrValidation)
	ErrMissingParticipant = fmt.Errorf("%w: participant is required", ErrValidation)
	ErrEmptyQuery         = fmt.Errorf("%w: search query is empty", ErrValidation)
)

// Lookup and permission errors.
var (
	ErrConversationNotFound = fmt.Errorf("%w: conversation", ErrNotFound)
	ErrMessageNotFound      = fmt.Errorf("%w: message", ErrNotFound)

	ErrNotParticipant    = fmt.Errorf("%w: not a participant of this conversation", ErrForbidden)
	ErrNotSender         = fmt.Errorf("%w: only the sender may change this message", ErrForbidden)
	ErrEditWindowExpired = fmt.Errorf("%w: edit window has expired", ErrForbidden)
)

// RateLimitError is returned when a sender exceeds the send quota.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

// Is makes errors.Is(err, ErrRateLimited) hold.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// storeErr wraps a persistence failure as ErrStoreUnavailable, keeping the cause.
func storeErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
