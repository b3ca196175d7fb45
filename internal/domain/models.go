// Package domain defines the persistence models for two-party conversations,
// their messages, and the read-only projections of users and listings that
// the messaging core needs. These types are mapped with GORM and shared by
// the repository, service and transport layers.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Message types accepted by the pipeline.
const (
	MessageText   = "text"
	MessageImage  = "image"
	MessageFile   = "file"
	MessageSystem = "system"
)

// User roles.
const (
	RoleStudent  = "student"
	RoleLandlord = "landlord"
	RoleAdmin    = "admin"
)

// ValidMessageType reports whether t is one of the known message types.
func ValidMessageType(t string) bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

// Conversation is a two-party thread, optionally scoped to a listing.
//
// Participants are stored as an ordered pair (Participant1ID < Participant2ID)
// so (A,B) and (B,A) resolve to the same row. ListingKey mirrors ListingID
// with "" for no listing, which lets the unique index cover both cases.
// MessageSeq is the last sequence number handed out to a message.
type Conversation struct {
	ID             string     `json:"id"              gorm:"type:char(36);primaryKey"`
	Participant1ID string     `json:"participant1_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_conv_pair_listing,priority:1;index:idx_conv_p1"`
	Participant2ID string     `json:"participant2_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_conv_pair_listing,priority:2;index:idx_conv_p2"`
	ListingID      *string    `json:"listing_id,omitempty" gorm:"type:varchar(64)"`
	ListingKey     string     `json:"-"               gorm:"type:varchar(64);not null;default:'';uniqueIndex:ux_conv_pair_listing,priority:3"`
	MessageSeq     int64      `json:"-"               gorm:"not null;default:0"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty" gorm:"index"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participant1ID == userID || c.Participant2ID == userID)
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) string {
	if c.Participant1ID == userID {
		return c.Participant2ID
	}
	return c.Participant1ID
}

// OrderedPair returns a and b in storage order.
func OrderedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Attachments is a list of attachment references stored as a JSON array.
type Attachments []string

// Value implements driver.Valuer.
func (a Attachments) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(a))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (a *Attachments) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return errors.New("attachments: unsupported column type")
	}
	if len(raw) == 0 {
		*a = nil
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*a = out
	return nil
}

// Message is one entry in a conversation. Seq is strictly increasing per
// conversation and orders messages independently of clock resolution.
// When set, ReadAt >= DeliveredAt >= CreatedAt.
type Message struct {
	ID             string         `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string         `json:"conversation_id" gorm:"type:char(36);not null;uniqueIndex:ux_msg_conv_seq,priority:1"`
	SenderID       string         `json:"sender_id"       gorm:"type:varchar(64);not null;index"`
	Content        string         `json:"content"         gorm:"type:text;not null;default:''"`
	Attachments    Attachments    `json:"attachments"     gorm:"type:text"`
	Type           string         `json:"type"            gorm:"type:varchar(16);not null;default:'text';check:type IN ('text','image','file','system')"`
	Seq            int64          `json:"seq"             gorm:"not null;uniqueIndex:ux_msg_conv_seq,priority:2"`
	CreatedAt      time.Time      `json:"created_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	ReadAt         *time.Time     `json:"read_at,omitempty" gorm:"index"`
	EditedAt       *time.Time     `json:"edited_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `json:"-"               gorm:"index"`

	// Conversation is the parent thread.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// User is the slice of the account record the messaging core reads.
type User struct {
	ID                 string `json:"id"    gorm:"type:varchar(64);primaryKey"`
	Name               string `json:"name"  gorm:"type:varchar(255);not null;default:''"`
	Email              string `json:"email" gorm:"type:varchar(255);not null;default:''"`
	Role               string `json:"role"  gorm:"type:varchar(16);not null;default:'student'"`
	EmailNotifications bool   `json:"email_notifications" gorm:"not null"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Listing is the slice of a rental listing used in notification copy.
type Listing struct {
	ID         string `json:"id"          gorm:"type:varchar(64);primaryKey"`
	Title      string `json:"title"       gorm:"type:varchar(255);not null;default:''"`
	LandlordID string `json:"landlord_id" gorm:"type:varchar(64);index"`
}

// TableName returns the database table name for Listing.
func (Listing) TableName() string { return "listings" }

// ConversationSummary is one row of a user's inbox: the conversation, its
// newest visible message (if any) and how many messages the user has not
// read yet.
type ConversationSummary struct {
	Conversation       Conversation `json:"conversation"`
	OtherParticipantID string       `json:"other_participant_id"`
	LastMessage        *Message     `json:"last_message,omitempty"`
	UnreadCount        int64        `json:"unread_count"`
}
