package notify

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/go-rental-chat/internal/domain"
)

// Notification is a fully rendered-ready e-mail about a new conversation.
type Notification struct {
	To              string
	RecipientName   string
	RecipientRole   string
	SenderName      string
	Preview         string
	ListingTitle    string
	ConversationID  string
	Link            string
	UnsubscribeLink string
}

// Subject returns the e-mail subject line.
func (n Notification) Subject() string {
	s := "New message from " + n.SenderName
	if n.ListingTitle != "" {
		s += " - " + n.ListingTitle
	}
	return s
}

// Composer builds notifications with links into the frontend.
type Composer struct {
	FrontendURL  string
	PreviewRunes int
}

// Compose builds the notification for recipient about a message from
// senderName. listingTitle may be empty.
func (c Composer) Compose(recipient *domain.User, senderName, listingTitle, conversationID, content string) Notification {
	base := strings.TrimRight(c.FrontendURL, "/")
	link := base + "/messages/" + conversationID
	if recipient.Role == domain.RoleLandlord {
		link = base + "/landlord/dashboard?conversationId=" + conversationID
	}
	name := strings.TrimSpace(recipient.Name)
	if name == "" {
		name = "there"
	}
	return Notification{
		To:              recipient.Email,
		RecipientName:   name,
		RecipientRole:   recipient.Role,
		SenderName:      displayName(senderName),
		Preview:         Preview(content, c.PreviewRunes),
		ListingTitle:    strings.TrimSpace(listingTitle),
		ConversationID:  conversationID,
		Link:            link,
		UnsubscribeLink: base + "/settings",
	}
}

// Preview truncates s to n runes, appending "..." when it was cut.
func Preview(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

// displayName title-cases a sender name. A cases.Caser is stateful, so a
// fresh one is built per call.
func displayName(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return "Someone"
	}
	return cases.Title(language.Und).String(name)
}
