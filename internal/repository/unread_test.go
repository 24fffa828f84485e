package repository

import (
	"context"
	"testing"
	"time"
)

func TestTotalForUser(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	chatRepo := NewChatRepository(testPool)
	msgRepo := NewMessageRepository(testPool)
	unreadRepo := NewUnreadRepository(testPool)
	alice := seedUser(t, "alice")
	bob := seedUser(t, "bob")
	carol := seedUser(t, "carol")

	total, err := unreadRepo.TotalForUser(ctx, alice)
	if err != nil {
		t.Fatalf("total (no chats): %v", err)
	}
	if total != 0 {
		t.Fatalf("total for user without chats = %d, want 0", total)
	}

	chatAB, _, err := chatRepo.FindOrCreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("chat ab: %v", err)
	}
	chatAC, _, err := chatRepo.FindOrCreateDirectChat(ctx, alice, carol)
	if err != nil {
		t.Fatalf("chat ac: %v", err)
	}

	base := time.Now().UTC().Add(time.Second)
	postMessage(t, msgRepo, chatAB.ID, bob, "b1", base)
	postMessage(t, msgRepo, chatAB.ID, bob, "b2", base.Add(time.Second))
	postMessage(t, msgRepo, chatAC.ID, carol, "c1", base.Add(2*time.Second))

	total, err = unreadRepo.TotalForUser(ctx, alice)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}

	// Чтение одного чата уменьшает агрегат только на его долю.
	if err := chatRepo.MarkRead(ctx, chatAB.ID, alice, base.Add(3*time.Second)); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	total, err = unreadRepo.TotalForUser(ctx, alice)
	if err != nil {
		t.Fatalf("total after read: %v", err)
	}
	if total != 1 {
		t.Fatalf("total after read = %d, want 1", total)
	}
}

func TestRecentUnread(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	chatRepo := NewChatRepository(testPool)
	msgRepo := NewMessageRepository(testPool)
	unreadRepo := NewUnreadRepository(testPool)
	alice := seedUser(t, "alice")
	bob := seedUser(t, "bob")

	chat, _, err := chatRepo.FindOrCreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	now := time.Now().UTC()
	old := postMessage(t, msgRepo, chat.ID, bob, "old", now.Add(-2*time.Hour))
	fresh := postMessage(t, msgRepo, chat.ID, bob, "fresh", now)
	postMessage(t, msgRepo, chat.ID, alice, "own", now.Add(time.Second))

	recent, err := unreadRepo.RecentUnread(ctx, alice, time.Hour)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != fresh.ID {
		t.Fatalf("recent = %d messages, want only the fresh one", len(recent))
	}
	for _, m := range recent {
		if m.ID == old.ID {
			t.Fatalf("message outside the window included")
		}
	}

	// После чтения live-набор пуст, даже при свежих сообщениях.
	if err := chatRepo.MarkRead(ctx, chat.ID, alice, now.Add(2*time.Second)); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	recent, err = unreadRepo.RecentUnread(ctx, alice, time.Hour)
	if err != nil {
		t.Fatalf("recent after read: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("recent after read = %d, want 0", len(recent))
	}
}

func TestRecentUnread_Deleted(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	chatRepo := NewChatRepository(testPool)
	msgRepo := NewMessageRepository(testPool)
	unreadRepo := NewUnreadRepository(testPool)
	alice := seedUser(t, "alice")
	bob := seedUser(t, "bob")

	chat, _, err := chatRepo.FindOrCreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	m := postMessage(t, msgRepo, chat.ID, bob, "gone", time.Now().UTC())
	if err := msgRepo.SoftDelete(ctx, m.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	recent, err := unreadRepo.RecentUnread(ctx, alice, time.Hour)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("deleted message leaked into recent unread")
	}
}
