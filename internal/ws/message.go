package ws

type EventType string

const (
	EventNewMessage  EventType = "new_message"
	EventMessageRead EventType = "message_read"
	EventTyping      EventType = "typing"
	EventUserOnline  EventType = "user_online"
	EventUserOffline EventType = "user_offline"
	EventChatCreated EventType = "chat_created"
	EventChatUpdated EventType = "chat_updated"
	EventUnreadTotal EventType = "unread_total"
	EventError       EventType = "error"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type    EventType `json:"type"`
	ChatID  string    `json:"chat_id,omitempty"`
	Content string    `json:"content,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// TypingPayload is broadcast when a user is typing.
type TypingPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// MessageReadPayload is broadcast when a member reads a chat.
type MessageReadPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// UserStatusPayload is broadcast for online/offline status.
type UserStatusPayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// UnreadTotalPayload carries the aggregated unread counter for the
// receiving user, recomputed after every delivery or read.
type UnreadTotalPayload struct {
	Total int `json:"total"`
}
