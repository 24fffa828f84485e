package digest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dialog/internal/model"
	"github.com/dialog/internal/repository"
)

type sentEmail struct {
	to       Recipient
	messages []model.Message
}

// fakeSender записывает отправки; fail включает режим отказа. Если заданы
// entered/release, Send сигналит о входе и блокируется до release — для
// тестов перекрывающихся запусков.
type fakeSender struct {
	mu      sync.Mutex
	sent    []sentEmail
	fail    bool
	entered chan struct{}
	release chan struct{}
}

func (f *fakeSender) Send(ctx context.Context, to Recipient, messages []model.Message) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("smtp unavailable")
	}
	f.sent = append(f.sent, sentEmail{to: to, messages: messages})
	return nil
}

func (f *fakeSender) emails() []sentEmail {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentEmail, len(f.sent))
	copy(out, f.sent)
	return out
}

type fixture struct {
	promoter *Promoter
	sender   *fakeSender
	chatRepo *repository.ChatRepository
	msgRepo  *repository.MessageRepository
	batches  *repository.BatchRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	resetDB(t)
	sender := &fakeSender{}
	batchRepo := repository.NewBatchRepository(testPool)
	unreadRepo := repository.NewUnreadRepository(testPool)
	userRepo := repository.NewUserRepository(testPool)
	return &fixture{
		promoter: NewPromoter(batchRepo, unreadRepo, userRepo, sender, 15*time.Minute),
		sender:   sender,
		chatRepo: repository.NewChatRepository(testPool),
		msgRepo:  repository.NewMessageRepository(testPool),
		batches:  batchRepo,
	}
}

func (f *fixture) post(t *testing.T, chatID, senderID, content string, at time.Time) *model.Message {
	t.Helper()
	ctx := context.Background()
	m := &model.Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: at,
	}
	if err := f.msgRepo.Post(ctx, m); err != nil {
		t.Fatalf("post %q: %v", content, err)
	}
	if err := f.batches.OpenOrExtend(ctx, otherMember(t, f.chatRepo, chatID, senderID), at); err != nil {
		t.Fatalf("open batch: %v", err)
	}
	return m
}

func otherMember(t *testing.T, repo *repository.ChatRepository, chatID, senderID string) string {
	t.Helper()
	ids, err := repo.GetMemberIDs(context.Background(), chatID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	for _, id := range ids {
		if id != senderID {
			return id
		}
	}
	t.Fatalf("no counterpart in chat %s", chatID)
	return ""
}

func TestProcess_SendsAggregatedDigest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := seedUser(t, "alice")
	bob := seedUser(t, "bob")

	chat, _, err := f.chatRepo.FindOrCreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	start := time.Now().UTC().Add(-20 * time.Minute)
	f.post(t, chat.ID, alice, "first", start)
	f.post(t, chat.ID, alice, "second", start.Add(time.Minute))

	summary, err := f.promoter.Process(ctx, time.Now())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if summary.TotalBatches != 1 || summary.EmailsSent != 1 || summary.Skipped != 0 || summary.Errors != 0 {
		t.Fatalf("summary = %+v", summary)
	}

	emails := f.sender.emails()
	if len(emails) != 1 {
		t.Fatalf("emails = %d, want exactly one for both messages", len(emails))
	}
	if emails[0].to.ID != bob {
		t.Fatalf("email went to %s, want bob", emails[0].to.ID)
	}
	if len(emails[0].messages) != 2 {
		t.Fatalf("digest carried %d messages, want 2", len(emails[0].messages))
	}

	// Батч закрыт; повторный запуск ничего не шлёт.
	if _, err := f.batches.GetOpenForUser(ctx, bob); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("batch still open after send: %v", err)
	}
	summary, err = f.promoter.Process(ctx, time.Now())
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if summary.TotalBatches != 0 || len(f.sender.emails()) != 1 {
		t.Fatalf("second run re-sent the digest: %+v", summary)
	}
}

func TestProcess_SkipsWhenAlreadyRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := seedUser(t, "alice")
	bob := seedUser(t, "bob")

	chat, _, err := f.chatRepo.FindOrCreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	start := time.Now().UTC().Add(-20 * time.Minute)
	f.post(t, chat.ID, alice, "seen in app", start)

	// Пользователь успел прочитать до запуска job.
	if err := f.chatRepo.MarkRead(ctx, chat.ID, bob, time.Now().UTC()); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	summary, err := f.promoter.Process(ctx, time.Now())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if summary.TotalBatches != 1 || summary.Skipped != 1 || summary.EmailsSent != 0 {
		t.Fatalf("summary = %+v, want skip without email", summary)
	}
	if len(f.sender.emails()) != 0 {
		t.Fatalf("email sent for fully read batch")
	}

	// Скип всё равно закрывает батч.
	if _, err := f.batches.GetOpenForUser(ctx, bob); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("skipped batch left open: %v", err)
	}
}

func TestProcess_SendFailureLeavesBatchOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := seedUser(t, "alice")
	bob := seedUser(t, "bob")

	chat, _, err := f.chatRepo.FindOrCreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	f.post(t, chat.ID, alice, "stuck", time.Now().UTC().Add(-20*time.Minute))

	f.sender.fail = true
	summary, err := f.promoter.Process(ctx, time.Now())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if summary.Errors != 1 || summary.EmailsSent != 0 {
		t.Fatalf("summary = %+v, want one error", summary)
	}
	if _, err := f.batches.GetOpenForUser(ctx, bob); err != nil {
		t.Fatalf("failed batch must stay open: %v", err)
	}

	// Следующий запуск после восстановления SMTP досылает.
	f.sender.fail = false
	summary, err = f.promoter.Process(ctx, time.Now())
	if err != nil {
		t.Fatalf("retry process: %v", err)
	}
	if summary.EmailsSent != 1 {
		t.Fatalf("retry summary = %+v, want one email", summary)
	}
	if len(f.sender.emails()) != 1 {
		t.Fatalf("emails = %d after retry", len(f.sender.emails()))
	}
}

func TestProcess_OverlappingRunsSendOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := seedUser(t, "alice")
	bob := seedUser(t, "bob")

	chat, _, err := f.chatRepo.FindOrCreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	f.post(t, chat.ID, alice, "only once", time.Now().UTC().Add(-20*time.Minute))

	f.sender.entered = make(chan struct{}, 1)
	f.sender.release = make(chan struct{})
	now := time.Now()

	var first *Summary
	var firstErr error
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		first, firstErr = f.promoter.Process(ctx, now)
	}()

	// Первый запуск взял claim и завис в отправке; второй запуск в этот
	// момент не должен отправить письмо по тому же батчу.
	<-f.sender.entered
	f.sender.entered = nil
	second, err := f.promoter.Process(ctx, now)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if second.EmailsSent != 0 || second.Errors != 0 || second.Skipped != 0 {
		t.Fatalf("overlapping run acted on a held batch: %+v", second)
	}

	close(f.sender.release)
	<-firstDone
	if firstErr != nil {
		t.Fatalf("first process: %v", firstErr)
	}
	if first.EmailsSent != 1 {
		t.Fatalf("first summary = %+v, want one email", first)
	}
	if got := len(f.sender.emails()); got != 1 {
		t.Fatalf("emails = %d, want exactly one delivery", got)
	}
	if _, err := f.batches.GetOpenForUser(ctx, bob); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("batch left open after overlapping runs: %v", err)
	}
}

func TestProcess_YoungBatchUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := seedUser(t, "alice")
	bob := seedUser(t, "bob")

	chat, _, err := f.chatRepo.FindOrCreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	f.post(t, chat.ID, alice, "just now", time.Now().UTC().Add(-5*time.Minute))

	summary, err := f.promoter.Process(ctx, time.Now())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if summary.TotalBatches != 0 || len(f.sender.emails()) != 0 {
		t.Fatalf("young batch promoted early: %+v", summary)
	}
	if _, err := f.batches.GetOpenForUser(ctx, bob); err != nil {
		t.Fatalf("young batch must remain open: %v", err)
	}
}
