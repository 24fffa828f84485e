package model

import "time"

type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	IsDeleted bool      `json:"is_deleted"`
	CreatedAt time.Time `json:"created_at"`

	Sender *UserPublic `json:"sender,omitempty"`
	// ReadBy lists the user IDs that have acknowledged this message.
	// Populated only where the caller asks for it (chat history).
	ReadBy []string `json:"read_by,omitempty"`
}
