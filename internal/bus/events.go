package bus

// Server-to-client event names.
const (
	EventNewMessage             = "new-message"
	EventNewMessageNotification = "new-message-notification"
	EventMessageUpdated         = "message-updated"
	EventMessageDeleted         = "message-deleted"
	EventMessageRead            = "message-read"
	EventUserOnline             = "user-online"
	EventUserOffline            = "user-offline"
	EventUserTyping             = "user-typing"
	EventUserStoppedTyping      = "user-stopped-typing"
	EventJoinedConversation     = "joined-conversation"
	EventError                  = "error"
)

// PresencePayload is the data of user-online / user-offline.
type PresencePayload struct {
	UserID string `json:"userId"`
}

// TypingPayload is the data of user-typing / user-stopped-typing.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// NotificationPayload is the data of new-message-notification.
type NotificationPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	SenderID       string `json:"senderId"`
	Preview        string `json:"preview"`
}

// ReadPayload is the data of message-read. MessageID is set when a single
// message was marked; Count is the number of messages that changed.
type ReadPayload struct {
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId"`
	MessageID      string `json:"messageId,omitempty"`
	Count          int64  `json:"count"`
	ReadAt         string `json:"readAt"`
}

// DeletedPayload is the data of message-deleted.
type DeletedPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// ErrorPayload is the data of a client-scoped error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// RetryAfterMs is set on rate-limit rejections.
	RetryAfterMs int64 `json:"retryAfterMs,omitempty"`
}
