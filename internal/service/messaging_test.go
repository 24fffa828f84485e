package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dialog/internal/repository"
)

func TestPostMessage_Validation(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	svc, chatRepo, _ := newTestService()
	alice := seedUser(t, "alice")
	bob := seedUser(t, "bob")
	eve := seedUser(t, "eve")

	chat, _, err := chatRepo.FindOrCreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	if _, err := svc.PostMessage(ctx, chat.ID, alice, "   "); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("blank content: got %v, want ErrEmptyContent", err)
	}
	if _, err := svc.PostMessage(ctx, chat.ID, eve, "hi"); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("outsider post: got %v, want ErrNotAMember", err)
	}

	m, err := svc.PostMessage(ctx, chat.ID, alice, "  hello  ")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if m.Content != "hello" {
		t.Fatalf("content = %q, want trimmed", m.Content)
	}
	if m.ID == "" || m.CreatedAt.IsZero() {
		t.Fatalf("message not fully populated: %+v", m)
	}
}

func TestPostMessage_OpensBatchForRecipient(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	svc, chatRepo, batchRepo := newTestService()
	alice := seedUser(t, "alice")
	bob := seedUser(t, "bob")

	chat, _, err := chatRepo.FindOrCreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	first, err := svc.PostMessage(ctx, chat.ID, alice, "first")
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	// Батч открыт для получателя, не для отправителя.
	open, err := batchRepo.GetOpenForUser(ctx, bob)
	if err != nil {
		t.Fatalf("recipient batch: %v", err)
	}
	// Postgres хранит микросекунды, Go — наносекунды.
	if open.FirstMessageAt.Sub(first.CreatedAt).Abs() > time.Millisecond {
		t.Fatalf("batch anchored at %v, message at %v", open.FirstMessageAt, first.CreatedAt)
	}
	if _, err := batchRepo.GetOpenForUser(ctx, alice); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("sender must not get a batch, got %v", err)
	}

	// Второе сообщение переиспользует открытый батч с прежним якорем.
	if _, err := svc.PostMessage(ctx, chat.ID, alice, "second"); err != nil {
		t.Fatalf("post second: %v", err)
	}
	still, err := batchRepo.GetOpenForUser(ctx, bob)
	if err != nil {
		t.Fatalf("batch after second: %v", err)
	}
	if still.ID != open.ID {
		t.Fatalf("second message created a new batch")
	}
	if !still.FirstMessageAt.Equal(open.FirstMessageAt) {
		t.Fatalf("second message moved first_message_at")
	}
}

func TestMarkChatRead(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	svc, chatRepo, _ := newTestService()
	alice := seedUser(t, "alice")
	bob := seedUser(t, "bob")
	eve := seedUser(t, "eve")

	chat, _, err := chatRepo.FindOrCreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if _, err := svc.PostMessage(ctx, chat.ID, alice, "hi"); err != nil {
		t.Fatalf("post: %v", err)
	}

	if err := svc.MarkChatRead(ctx, chat.ID, eve); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("outsider read: got %v, want ErrNotAMember", err)
	}

	if err := svc.MarkChatRead(ctx, chat.ID, bob); err != nil {
		t.Fatalf("read: %v", err)
	}
	total, err := svc.TotalUnread(ctx, bob)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 0 {
		t.Fatalf("total after read = %d, want 0", total)
	}

	// Идемпотентность.
	if err := svc.MarkChatRead(ctx, chat.ID, bob); err != nil {
		t.Fatalf("repeat read: %v", err)
	}
}

func TestTotalUnread_AcrossChats(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	svc, chatRepo, _ := newTestService()
	alice := seedUser(t, "alice")
	bob := seedUser(t, "bob")
	carol := seedUser(t, "carol")

	chatAB, _, err := chatRepo.FindOrCreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("chat ab: %v", err)
	}
	chatAC, _, err := chatRepo.FindOrCreateDirectChat(ctx, alice, carol)
	if err != nil {
		t.Fatalf("chat ac: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := svc.PostMessage(ctx, chatAB.ID, bob, "b"); err != nil {
			t.Fatalf("post ab: %v", err)
		}
	}
	if _, err := svc.PostMessage(ctx, chatAC.ID, carol, "c"); err != nil {
		t.Fatalf("post ac: %v", err)
	}

	total, err := svc.TotalUnread(ctx, alice)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
}

func TestChatSummaries(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	svc, chatRepo, _ := newTestService()
	alice := seedUser(t, "alice")
	bob := seedUser(t, "bob")
	carol := seedUser(t, "carol")

	chatAB, _, err := chatRepo.FindOrCreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("chat ab: %v", err)
	}
	chatAC, _, err := chatRepo.FindOrCreateDirectChat(ctx, alice, carol)
	if err != nil {
		t.Fatalf("chat ac: %v", err)
	}

	if _, err := svc.PostMessage(ctx, chatAB.ID, bob, "hello from bob"); err != nil {
		t.Fatalf("post: %v", err)
	}

	summaries, err := svc.ChatSummaries(ctx, alice)
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("summaries len = %d, want 2", len(summaries))
	}
	// Чат с активностью всплывает наверх.
	if summaries[0].Chat.ID != chatAB.ID {
		t.Fatalf("active chat not first")
	}
	if summaries[0].UnreadCount != 1 {
		t.Fatalf("unread = %d, want 1", summaries[0].UnreadCount)
	}
	if summaries[0].LastMessage == nil || summaries[0].LastMessage.Content != "hello from bob" {
		t.Fatalf("last message preview missing")
	}
	if len(summaries[0].Members) != 2 {
		t.Fatalf("members = %d, want 2", len(summaries[0].Members))
	}
	for _, s := range summaries {
		if s.Chat.ID == chatAC.ID {
			if s.LastMessage != nil || s.UnreadCount != 0 {
				t.Fatalf("empty chat summary polluted: %+v", s)
			}
		}
	}
}

func TestOpenRecipientBatches_SurvivesCallerCancel(t *testing.T) {
	resetDB(t)
	svc, chatRepo, batchRepo := newTestService()
	alice := seedUser(t, "alice")
	bob := seedUser(t, "bob")

	chat, _, err := chatRepo.FindOrCreateDirectChat(context.Background(), alice, bob)
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	// Клиент оборвал соединение сразу после коммита сообщения: bookkeeping
	// планировщика всё равно должен открыть батч получателю.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.openRecipientBatches(ctx, chat.ID, alice, time.Now().UTC())

	batch, err := batchRepo.GetOpenForUser(context.Background(), bob)
	if err != nil {
		t.Fatalf("recipient batch after caller cancel: %v", err)
	}
	if batch.Processed {
		t.Fatalf("fresh batch marked processed")
	}
}

func TestRetryOnce_SentinelNotRetried(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := retryOnce(ctx, "markChatRead", func() error {
		calls++
		return repository.ErrNotFound
	})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if calls != 1 {
		t.Fatalf("membership error retried %d times, want a single attempt", calls)
	}

	// Транзиентная ошибка стора получает ровно одну повторную попытку.
	calls = 0
	err = retryOnce(ctx, "postMessage", func() error {
		calls++
		if calls == 1 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("transient error: err=%v calls=%d, want nil after one retry", err, calls)
	}
}

func TestPostMessage_UnknownChat(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	svc, _, _ := newTestService()
	alice := seedUser(t, "alice")

	if _, err := svc.PostMessage(ctx, uuid.New().String(), alice, "hi"); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("unknown chat: got %v, want ErrNotAMember", err)
	}
}
