package model

import "time"

type Chat struct {
	ID        string    `json:"id"`
	CID       string    `json:"cid"`
	IsGroup   bool      `json:"is_group"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ChatMember struct {
	ChatID      string    `json:"chat_id"`
	UserID      string    `json:"user_id"`
	Online      bool      `json:"online"`
	UnreadCount int       `json:"unread_count"`
	LastReadAt  time.Time `json:"last_read_at"`
	JoinedAt    time.Time `json:"joined_at"`
}

// ChatSummary is one row of the chat list: the chat plus the caller's
// unread counter and a last-message preview, sorted by Chat.UpdatedAt.
type ChatSummary struct {
	Chat        Chat         `json:"chat"`
	LastMessage *Message     `json:"last_message,omitempty"`
	Members     []UserPublic `json:"members"`
	UnreadCount int          `json:"unread_count"`
}
