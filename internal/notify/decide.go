// Package notify sends the e-mail fallback for chat messages.
//
// Only the first message of a conversation is considered. Landlords are
// e-mailed whenever they have notifications enabled, even if they are
// online, because the first inquiry about a listing is the one they must not
// miss. Everyone else is e-mailed only when offline. Delivery runs on a
// bounded worker pool and never affects the send that triggered it.
package notify

import "github.com/tbourn/go-rental-chat/internal/domain"

// Skip reasons reported by Decide.
const (
	ReasonNotFirst = "not_first_message"
	ReasonDisabled = "notifications_disabled"
	ReasonNoEmail  = "no_email"
	ReasonOnline   = "recipient_online"
)

// Input is everything the notification rule looks at.
type Input struct {
	Seq             int64
	RecipientRole   string
	RecipientOnline bool
	EmailEnabled    bool
	Email           string
}

// Decide reports whether to send, or the reason for skipping.
func Decide(in Input) (send bool, reason string) {
	switch {
	case in.Seq != 1:
		return false, ReasonNotFirst
	case !in.EmailEnabled:
		return false, ReasonDisabled
	case in.Email == "":
		return false, ReasonNoEmail
	case in.RecipientRole == domain.RoleLandlord:
		return true, ""
	case in.RecipientOnline:
		return false, ReasonOnline
	default:
		return true, ""
	}
}
