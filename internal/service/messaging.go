package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dialog/internal/logger"
	"github.com/dialog/internal/model"
	"github.com/dialog/internal/repository"
	"github.com/google/uuid"
)

var (
	// ErrNotAMember — the acting user does not belong to the chat. Never retried.
	ErrNotAMember = errors.New("not a member of the chat")
	// ErrEmptyContent — message content is blank after trimming. Never retried.
	ErrEmptyContent = errors.New("empty message content")
)

// MessagingService owns the write path of the chat store: validation, the
// transactional post, unread counters and the email-batch hook. Handlers and
// the ws hub both go through it so the two entry points cannot drift.
type MessagingService struct {
	chatRepo   *repository.ChatRepository
	msgRepo    *repository.MessageRepository
	unreadRepo *repository.UnreadRepository
	batchRepo  *repository.BatchRepository
}

func NewMessagingService(
	chatRepo *repository.ChatRepository,
	msgRepo *repository.MessageRepository,
	unreadRepo *repository.UnreadRepository,
	batchRepo *repository.BatchRepository,
) *MessagingService {
	return &MessagingService{
		chatRepo: chatRepo, msgRepo: msgRepo, unreadRepo: unreadRepo, batchRepo: batchRepo,
	}
}

// retryOnce повторяет операцию один раз при ошибке стора: потерянный инкремент
// счётчика ломает инвариант непрочитанного, поэтому send/read пути получают
// одну повторную попытку перед возвратом ошибки вызывающему. Sentinel-ошибки
// (ErrNotFound: нет членства, нет строки) не повторяются — это не сбой стора.
func retryOnce(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil || ctx.Err() != nil || errors.Is(err, repository.ErrNotFound) {
		return err
	}
	logger.Errorf("%s failed, retrying once: %v", op, err)
	return fn()
}

// PostMessage validates, durably persists the message (insert + chat bump +
// atomic counter increments in one transaction) and opens-or-extends the
// email batch for every other member. The batch hook is decoupled: its
// failure is logged, never surfaced to the sender.
func (s *MessagingService) PostMessage(ctx context.Context, chatID, senderID, content string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	isMember, err := s.chatRepo.IsMember(ctx, chatID, senderID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, ErrNotAMember
	}

	m := &model.Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := retryOnce(ctx, "postMessage", func() error {
		return s.msgRepo.Post(ctx, m)
	}); err != nil {
		return nil, err
	}

	s.openRecipientBatches(ctx, chatID, senderID, m.CreatedAt)
	return m, nil
}

// openRecipientBatches открывает/продлевает батч каждому получателю после
// коммита сообщения. Работает на отвязанном контексте: обрыв соединения
// отправителя сразу после коммита не должен оставить получателя без
// запланированного письма. Presence не учитывается — онлайн-получатель всё
// равно получает батч, лишнее письмо отсеет live-проверка promotion job.
func (s *MessagingService) openRecipientBatches(ctx context.Context, chatID, senderID string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	memberIDs, err := s.chatRepo.GetMemberIDs(ctx, chatID)
	if err != nil {
		logger.Errorf("postMessage get members for batches chat=%s: %v", chatID, err)
		return
	}
	for _, uid := range memberIDs {
		if uid == senderID {
			continue
		}
		uid := uid
		if err := retryOnce(ctx, "batch open", func() error {
			return s.batchRepo.OpenOrExtend(ctx, uid, at)
		}); err != nil {
			logger.Errorf("postMessage open batch user=%s: %v", uid, err)
		}
	}
}

// MarkChatRead resets the member's unread counter and read marker. Idempotent:
// reading an already-read chat is a no-op with the same end state.
func (s *MessagingService) MarkChatRead(ctx context.Context, chatID, userID string) error {
	err := retryOnce(ctx, "markChatRead", func() error {
		return s.chatRepo.MarkRead(ctx, chatID, userID, time.Now().UTC())
	})
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotAMember
	}
	return err
}

// TotalUnread returns the user's cross-chat unread total from the maintained
// counters (O(1) per chat, no message scan).
func (s *MessagingService) TotalUnread(ctx context.Context, userID string) (int, error) {
	return s.unreadRepo.TotalForUser(ctx, userID)
}

// ChatSummaries builds the chat list: updated_at order, last visible message
// preview and the caller's own unread counter per chat.
func (s *MessagingService) ChatSummaries(ctx context.Context, userID string) ([]model.ChatSummary, error) {
	chats, err := s.chatRepo.GetUserChats(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]model.ChatSummary, 0, len(chats))
	for i := range chats {
		summary, err := s.summarize(ctx, &chats[i], userID)
		if err != nil {
			logger.Errorf("chatSummaries chat=%s: %v", chats[i].ID, err)
			continue
		}
		out = append(out, *summary)
	}
	return out, nil
}

func (s *MessagingService) summarize(ctx context.Context, chat *model.Chat, userID string) (*model.ChatSummary, error) {
	members, err := s.chatRepo.GetMembers(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	pubMembers := make([]model.UserPublic, 0, len(members))
	for _, m := range members {
		pubMembers = append(pubMembers, m.ToPublic())
	}

	lastMsg, err := s.msgRepo.GetLastVisible(ctx, chat.ID)
	if err != nil {
		logger.Errorf("summarize last message chat=%s: %v", chat.ID, err)
	}

	unread := 0
	if member, err := s.chatRepo.GetMember(ctx, chat.ID, userID); err == nil {
		unread = member.UnreadCount
	} else {
		logger.Errorf("summarize member chat=%s user=%s: %v", chat.ID, userID, err)
	}

	return &model.ChatSummary{
		Chat:        *chat,
		LastMessage: lastMsg,
		Members:     pubMembers,
		UnreadCount: unread,
	}, nil
}

// Summary is exported for the ws hub, which pushes an updated chat row to
// connected members after a post.
func (s *MessagingService) Summary(ctx context.Context, chat *model.Chat, userID string) (*model.ChatSummary, error) {
	return s.summarize(ctx, chat, userID)
}
