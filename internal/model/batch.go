package model

import "time"

// EmailBatch is one pending accumulation window of unread activity for one
// recipient. At most one unprocessed batch exists per user (enforced by a
// partial unique index in the store); once processed it is terminal and a
// later message opens a fresh batch.
type EmailBatch struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	FirstMessageAt time.Time  `json:"first_message_at"`
	Processed      bool       `json:"processed"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
}
