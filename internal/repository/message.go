package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dialog/internal/logger"
	"github.com/dialog/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Post persists a message and, in the same transaction, bumps the chat's
// updated_at and increments unread_count for every other member. The counter
// update is a single SQL increment against the member rows, never a
// read-modify-write in Go, so concurrent sends cannot lose updates.
func (r *MessageRepository) Post(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Post", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.Post begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, content, is_deleted, created_at)
		 VALUES ($1, $2, $3, $4, false, $5)`,
		m.ID, m.ChatID, m.SenderID, m.Content, m.CreatedAt,
	); err != nil {
		return fmt.Errorf("msgRepo.Post insert: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE chats SET updated_at = $1 WHERE id = $2`,
		m.CreatedAt, m.ChatID,
	); err != nil {
		return fmt.Errorf("msgRepo.Post touch chat: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE chat_members SET unread_count = unread_count + 1
		 WHERE chat_id = $1 AND user_id != $2`,
		m.ChatID, m.SenderID,
	); err != nil {
		return fmt.Errorf("msgRepo.Post counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.Post commit: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	sender := &model.UserPublic{}
	err := r.pool.QueryRow(ctx,
		`SELECT m.id, m.chat_id, m.sender_id, m.content, m.is_deleted, m.created_at,
		        u.id, u.username, u.avatar_url, u.is_online, u.last_seen_at
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.id = $1`, id,
	).Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.IsDeleted, &m.CreatedAt,
		&sender.ID, &sender.Username, &sender.AvatarURL, &sender.IsOnline, &sender.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	m.Sender = sender
	return m, nil
}

// ChatHistory returns messages of a chat in ascending (created_at, id) order —
// stable under repeated calls. Soft-deleted messages are excluded. ReadBy is
// populated from message_reads.
func (r *MessageRepository) ChatHistory(ctx context.Context, chatID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ChatHistory", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT m.id, m.chat_id, m.sender_id, m.content, m.is_deleted, m.created_at,
		        u.id, u.username, u.avatar_url, u.is_online, u.last_seen_at,
		        COALESCE(array_agg(mr.user_id::text) FILTER (WHERE mr.user_id IS NOT NULL), '{}')
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 LEFT JOIN message_reads mr ON mr.message_id = m.id
		 WHERE m.chat_id = $1 AND m.is_deleted = false
		 GROUP BY m.id, u.id
		 ORDER BY m.created_at, m.id
		 LIMIT $2 OFFSET $3`, chatID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ChatHistory query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		sender := &model.UserPublic{}
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.IsDeleted, &m.CreatedAt,
			&sender.ID, &sender.Username, &sender.AvatarURL, &sender.IsOnline, &sender.LastSeenAt,
			&m.ReadBy); err != nil {
			return nil, fmt.Errorf("msgRepo.ChatHistory scan: %w", err)
		}
		m.Sender = sender
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ChatHistory rows: %w", err)
	}
	return messages, nil
}

// GetLastVisible returns the newest non-deleted message of a chat for the
// chat-list preview, or nil if the chat has no visible messages.
func (r *MessageRepository) GetLastVisible(ctx context.Context, chatID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetLastVisible", time.Now())()
	m := &model.Message{}
	sender := &model.UserPublic{}
	err := r.pool.QueryRow(ctx,
		`SELECT m.id, m.chat_id, m.sender_id, m.content, m.is_deleted, m.created_at,
		        u.id, u.username, u.avatar_url, u.is_online, u.last_seen_at
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.chat_id = $1 AND m.is_deleted = false
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT 1`, chatID,
	).Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.IsDeleted, &m.CreatedAt,
		&sender.ID, &sender.Username, &sender.AvatarURL, &sender.IsOnline, &sender.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetLastVisible: %w", err)
	}
	m.Sender = sender
	return m, nil
}

// SoftDelete hides a message from rendering and unread accounting but keeps
// the row for audit. The sender's recipients may still hold a stale counter
// for it, so the member counters of the chat are reconciled in the same
// transaction from the live read-state.
func (r *MessageRepository) SoftDelete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var chatID string
	err = tx.QueryRow(ctx,
		`UPDATE messages SET is_deleted = true, content = '' WHERE id = $1 RETURNING chat_id`,
		id,
	).Scan(&chatID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete update: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE chat_members cm SET unread_count = (
			SELECT COUNT(*) FROM messages m
			WHERE m.chat_id = cm.chat_id AND m.sender_id != cm.user_id
			  AND m.is_deleted = false AND m.created_at > cm.last_read_at
		 ) WHERE cm.chat_id = $1`,
		chatID,
	); err != nil {
		return fmt.Errorf("msgRepo.SoftDelete reconcile: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.SoftDelete commit: %w", err)
	}
	return nil
}
