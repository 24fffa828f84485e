package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dialog/internal/model"
)

func TestFindOrCreateDirectChat_Idempotent(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	repo := NewChatRepository(testPool)
	alice := seedUser(t, "alice")
	bob := seedUser(t, "bob")

	first, created, err := repo.FindOrCreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if !created {
		t.Fatalf("first call should create the chat")
	}
	if first.CID == "" {
		t.Fatalf("expected non-empty cid")
	}

	second, created, err := repo.FindOrCreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if created {
		t.Fatalf("second call should find the existing chat")
	}
	if second.ID != first.ID {
		t.Fatalf("expected same chat, got %s and %s", first.ID, second.ID)
	}

	// Порядок участников не влияет на результат.
	swapped, created, err := repo.FindOrCreateDirectChat(ctx, bob, alice)
	if err != nil {
		t.Fatalf("swapped call: %v", err)
	}
	if created || swapped.ID != first.ID {
		t.Fatalf("swapped order must resolve to the same chat")
	}

	members, err := repo.GetMemberIDs(ctx, first.ID)
	if err != nil {
		t.Fatalf("get members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
}

func TestFindOrCreateDirectChat_Concurrent(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	repo := NewChatRepository(testPool)
	alice := seedUser(t, "alice")
	bob := seedUser(t, "bob")

	const n = 8
	var wg sync.WaitGroup
	ids := make([]string, n)
	createdCount := 0
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := alice, bob
			if i%2 == 1 {
				a, b = bob, alice
			}
			chat, created, err := repo.FindOrCreateDirectChat(ctx, a, b)
			if err != nil {
				t.Errorf("concurrent create: %v", err)
				return
			}
			ids[i] = chat.ID
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("got different chats: %s vs %s", ids[0], ids[i])
		}
	}
	if createdCount != 1 {
		t.Fatalf("expected exactly one creation, got %d", createdCount)
	}

	var total int
	if err := testPool.QueryRow(ctx, "SELECT COUNT(*) FROM chats").Scan(&total); err != nil {
		t.Fatalf("count chats: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected a single chat row, got %d", total)
	}
}

func TestResolve(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	repo := NewChatRepository(testPool)
	alice := seedUser(t, "alice")
	bob := seedUser(t, "bob")

	chat, _, err := repo.FindOrCreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	byCID, err := repo.Resolve(ctx, chat.CID)
	if err != nil {
		t.Fatalf("resolve by cid: %v", err)
	}
	if byCID.By != FoundByCode || byCID.Chat.ID != chat.ID {
		t.Fatalf("expected FoundByCode for %s", chat.CID)
	}

	byID, err := repo.Resolve(ctx, chat.ID)
	if err != nil {
		t.Fatalf("resolve by id: %v", err)
	}
	if byID.By != FoundByID || byID.Chat.ID != chat.ID {
		t.Fatalf("expected FoundByID for %s", chat.ID)
	}

	if _, err := repo.Resolve(ctx, uuid.New().String()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkRead(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	chatRepo := NewChatRepository(testPool)
	msgRepo := NewMessageRepository(testPool)
	alice := seedUser(t, "alice")
	bob := seedUser(t, "bob")

	chat, _, err := chatRepo.FindOrCreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	for i := 0; i < 3; i++ {
		m := &model.Message{
			ID:        uuid.New().String(),
			ChatID:    chat.ID,
			SenderID:  alice,
			Content:   "hi",
			CreatedAt: time.Now().UTC(),
		}
		if err := msgRepo.Post(ctx, m); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}

	member, err := chatRepo.GetMember(ctx, chat.ID, bob)
	if err != nil {
		t.Fatalf("get member: %v", err)
	}
	if member.UnreadCount != 3 {
		t.Fatalf("expected unread 3, got %d", member.UnreadCount)
	}

	now := time.Now().UTC()
	if err := chatRepo.MarkRead(ctx, chat.ID, bob, now); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	member, err = chatRepo.GetMember(ctx, chat.ID, bob)
	if err != nil {
		t.Fatalf("get member after read: %v", err)
	}
	if member.UnreadCount != 0 {
		t.Fatalf("expected unread 0 after read, got %d", member.UnreadCount)
	}
	if member.LastReadAt.Before(now.Truncate(time.Second)) {
		t.Fatalf("expected last_read_at to advance, got %v", member.LastReadAt)
	}

	// Повторное чтение ничего не меняет.
	if err := chatRepo.MarkRead(ctx, chat.ID, bob, now.Add(time.Second)); err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}
	member, _ = chatRepo.GetMember(ctx, chat.ID, bob)
	if member.UnreadCount != 0 {
		t.Fatalf("repeat read changed counter: %d", member.UnreadCount)
	}
}

func TestMarkRead_NotMember(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	chatRepo := NewChatRepository(testPool)
	alice := seedUser(t, "alice")
	bob := seedUser(t, "bob")
	eve := seedUser(t, "eve")

	chat, _, err := chatRepo.FindOrCreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if err := chatRepo.MarkRead(ctx, chat.ID, eve, time.Now().UTC()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-member, got %v", err)
	}
}
