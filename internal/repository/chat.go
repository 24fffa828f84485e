package repository

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/dialog/internal/logger"
	"github.com/dialog/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const chatCols = `id, cid, is_group, created_by, created_at, updated_at`

type ChatRepository struct {
	pool *pgxpool.Pool
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

func scanChat(s interface{ Scan(dest ...any) error }, c *model.Chat) error {
	return s.Scan(&c.ID, &c.CID, &c.IsGroup, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
}

const cidAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newCID generates the externally-shareable short code used in chat URLs.
func newCID() string {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand practically never fails; fall back to a uuid-derived code.
		return uuid.New().String()[:10]
	}
	for i := range b {
		b[i] = cidAlphabet[int(b[i])%len(cidAlphabet)]
	}
	return string(b)
}

// directKey builds the normalized pair key for a 1:1 chat: the two user ids
// sorted lexicographically and joined with ':'. The unique index on this key
// is what makes concurrent find-or-create yield exactly one chat.
func directKey(userA, userB string) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return userA + ":" + userB
}

// FindOrCreateDirectChat returns the 1:1 chat between the two users, creating
// it together with both member rows on first contact. Idempotent and safe
// under concurrent calls from either side.
func (r *ChatRepository) FindOrCreateDirectChat(ctx context.Context, userA, userB string) (*model.Chat, bool, error) {
	defer logger.DeferLogDuration("chat.FindOrCreateDirectChat", time.Now())()
	key := directKey(userA, userB)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("chatRepo.FindOrCreateDirectChat begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	c := &model.Chat{
		ID:        uuid.New().String(),
		CID:       newCID(),
		IsGroup:   false,
		CreatedBy: userA,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var insertedID string
	err = tx.QueryRow(ctx,
		`INSERT INTO chats (id, cid, is_group, direct_key, created_by, created_at, updated_at)
		 VALUES ($1, $2, false, $3, $4, $5, $5)
		 ON CONFLICT (direct_key) WHERE direct_key IS NOT NULL DO NOTHING
		 RETURNING id`,
		c.ID, c.CID, key, userA, now,
	).Scan(&insertedID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the race (or the chat already existed): return the winner.
		existing := &model.Chat{}
		row := tx.QueryRow(ctx, `SELECT `+chatCols+` FROM chats WHERE direct_key = $1`, key)
		if err := scanChat(row, existing); err != nil {
			return nil, false, fmt.Errorf("chatRepo.FindOrCreateDirectChat select: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("chatRepo.FindOrCreateDirectChat commit: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("chatRepo.FindOrCreateDirectChat insert: %w", err)
	}

	for _, uid := range []string{userA, userB} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO chat_members (chat_id, user_id, unread_count, last_read_at, joined_at)
			 VALUES ($1, $2, 0, $3, $3) ON CONFLICT DO NOTHING`,
			c.ID, uid, now,
		); err != nil {
			return nil, false, fmt.Errorf("chatRepo.FindOrCreateDirectChat member: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("chatRepo.FindOrCreateDirectChat commit: %w", err)
	}
	return c, true, nil
}

func (r *ChatRepository) GetByID(ctx context.Context, id string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetByID", time.Now())()
	c := &model.Chat{}
	row := r.pool.QueryRow(ctx, `SELECT `+chatCols+` FROM chats WHERE id = $1`, id)
	if err := scanChat(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("chatRepo.GetByID: %w", err)
	}
	return c, nil
}

func (r *ChatRepository) GetByCID(ctx context.Context, cid string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetByCID", time.Now())()
	c := &model.Chat{}
	row := r.pool.QueryRow(ctx, `SELECT `+chatCols+` FROM chats WHERE cid = $1`, cid)
	if err := scanChat(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("chatRepo.GetByCID: %w", err)
	}
	return c, nil
}

// LookupSource tags how a chat reference was resolved.
type LookupSource int

const (
	FoundByCode LookupSource = iota // matched the external cid
	FoundByID                       // fell back to the internal id
)

// ResolvedChat is the result of the external-or-internal lookup.
type ResolvedChat struct {
	Chat *model.Chat
	By   LookupSource
}

// Resolve tries the externally-shareable cid first and falls back to the
// internal id, so old links by internal id keep working.
func (r *ChatRepository) Resolve(ctx context.Context, ref string) (*ResolvedChat, error) {
	defer logger.DeferLogDuration("chat.Resolve", time.Now())()
	if c, err := r.GetByCID(ctx, ref); err == nil {
		return &ResolvedChat{Chat: c, By: FoundByCode}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	c, err := r.GetByID(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &ResolvedChat{Chat: c, By: FoundByID}, nil
}

func (r *ChatRepository) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	defer logger.DeferLogDuration("chat.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2)`,
		chatID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("chatRepo.IsMember: %w", err)
	}
	return exists, nil
}

func (r *ChatRepository) GetMemberIDs(ctx context.Context, chatID string) ([]string, error) {
	defer logger.DeferLogDuration("chat.GetMemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM chat_members WHERE chat_id = $1`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetMemberIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("chatRepo.GetMemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetMemberIDs rows: %w", err)
	}
	return ids, nil
}

func (r *ChatRepository) GetMembers(ctx context.Context, chatID string) ([]model.User, error) {
	defer logger.DeferLogDuration("chat.GetMembers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.username, u.email, u.avatar_url, u.last_seen_at, u.is_online, u.created_at
		 FROM users u
		 JOIN chat_members cm ON cm.user_id = u.id
		 WHERE cm.chat_id = $1
		 ORDER BY cm.joined_at`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetMembers query: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, 8)
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("chatRepo.GetMembers scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetMembers rows: %w", err)
	}
	return users, nil
}

func (r *ChatRepository) GetMember(ctx context.Context, chatID, userID string) (*model.ChatMember, error) {
	defer logger.DeferLogDuration("chat.GetMember", time.Now())()
	m := &model.ChatMember{}
	err := r.pool.QueryRow(ctx,
		`SELECT chat_id, user_id, online, unread_count, last_read_at, joined_at
		 FROM chat_members WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID,
	).Scan(&m.ChatID, &m.UserID, &m.Online, &m.UnreadCount, &m.LastReadAt, &m.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetMember: %w", err)
	}
	return m, nil
}

// GetUserChats returns the user's chats sorted by updated_at (chat-list order).
func (r *ChatRepository) GetUserChats(ctx context.Context, userID string) ([]model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetUserChats", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.cid, c.is_group, c.created_by, c.created_at, c.updated_at
		 FROM chats c
		 JOIN chat_members cm ON cm.chat_id = c.id
		 WHERE cm.user_id = $1
		 ORDER BY c.updated_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetUserChats query: %w", err)
	}
	defer rows.Close()

	chats := make([]model.Chat, 0, 16)
	for rows.Next() {
		var c model.Chat
		if err := scanChat(rows, &c); err != nil {
			return nil, fmt.Errorf("chatRepo.GetUserChats scan: %w", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetUserChats rows: %w", err)
	}
	return chats, nil
}

// MarkRead resets the member's unread counter, records last_read_at and
// backfills message_reads for everything visible so far. One transaction:
// the counter and the read set never disagree. Idempotent.
func (r *ChatRepository) MarkRead(ctx context.Context, chatID, userID string, now time.Time) error {
	defer logger.DeferLogDuration("chat.MarkRead", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("chatRepo.MarkRead begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE chat_members SET unread_count = 0, last_read_at = $1
		 WHERE chat_id = $2 AND user_id = $3`,
		now, chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.MarkRead counter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO message_reads (message_id, user_id, read_at)
		 SELECT m.id, $1, $2 FROM messages m
		 WHERE m.chat_id = $3 AND m.sender_id != $1 AND m.is_deleted = false
		 ON CONFLICT DO NOTHING`,
		userID, now, chatID,
	); err != nil {
		return fmt.Errorf("chatRepo.MarkRead reads: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("chatRepo.MarkRead commit: %w", err)
	}
	return nil
}

// SetMemberOnline flips the advisory presence flag on every membership row of
// the user. Best-effort: callers log and swallow the error.
func (r *ChatRepository) SetMemberOnline(ctx context.Context, userID string, online bool) error {
	defer logger.DeferLogDuration("chat.SetMemberOnline", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE chat_members SET online = $1 WHERE user_id = $2`,
		online, userID,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.SetMemberOnline: %w", err)
	}
	return nil
}
