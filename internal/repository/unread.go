package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/dialog/internal/logger"
	"github.com/dialog/internal/model"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UnreadRepository answers unread questions two ways: the O(1) per-member
// counters for the hot path (sidebar badge), and the live read-state scan used
// by the digest promotion job, which must not trust anything cached.
type UnreadRepository struct {
	pool *pgxpool.Pool
}

func NewUnreadRepository(pool *pgxpool.Pool) *UnreadRepository {
	return &UnreadRepository{pool: pool}
}

// TotalForUser sums the incrementally maintained unread counters across all
// of the user's chats. No recomputation from raw messages here.
func (r *UnreadRepository) TotalForUser(ctx context.Context, userID string) (int, error) {
	defer logger.DeferLogDuration("unread.TotalForUser", time.Now())()
	var total int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(unread_count), 0) FROM chat_members WHERE user_id = $1`,
		userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("unreadRepo.TotalForUser: %w", err)
	}
	return total, nil
}

// RecentUnread returns the messages the user has genuinely not read yet:
// authored by someone else, in a chat the user belongs to, created within the
// window, not soft-deleted, and absent from the user's message_reads. This is
// the live set the promotion job re-checks before emailing — a user who read
// everything through normal use yields an empty result.
func (r *UnreadRepository) RecentUnread(ctx context.Context, userID string, window time.Duration) ([]model.Message, error) {
	defer logger.DeferLogDuration("unread.RecentUnread", time.Now())()
	cutoff := time.Now().UTC().Add(-window)
	rows, err := r.pool.Query(ctx,
		`SELECT m.id, m.chat_id, m.sender_id, m.content, m.is_deleted, m.created_at,
		        u.id, u.username, u.avatar_url, u.is_online, u.last_seen_at
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 JOIN chat_members cm ON cm.chat_id = m.chat_id AND cm.user_id = $1
		 WHERE m.sender_id != $1
		   AND m.is_deleted = false
		   AND m.created_at >= $2
		   AND NOT EXISTS (
		       SELECT 1 FROM message_reads mr
		       WHERE mr.message_id = m.id AND mr.user_id = $1)
		 ORDER BY m.created_at, m.id`, userID, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("unreadRepo.RecentUnread query: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0, 16)
	for rows.Next() {
		var m model.Message
		sender := &model.UserPublic{}
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.IsDeleted, &m.CreatedAt,
			&sender.ID, &sender.Username, &sender.AvatarURL, &sender.IsOnline, &sender.LastSeenAt); err != nil {
			return nil, fmt.Errorf("unreadRepo.RecentUnread scan: %w", err)
		}
		m.Sender = sender
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unreadRepo.RecentUnread rows: %w", err)
	}
	return msgs, nil
}
