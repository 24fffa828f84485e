package presence

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	exp time.Time
}

// MemoryStore — in-memory реализация для -dev и тестов (один процесс).
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memItem
	ttl   time.Duration
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{items: make(map[string]memItem), ttl: ttl}
}

func (s *MemoryStore) SetOnline(ctx context.Context, chatID, userID string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(chatID, userID)
	if !online {
		delete(s.items, k)
		return nil
	}
	s.items[k] = memItem{exp: time.Now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Heartbeat(ctx context.Context, chatID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(chatID, userID)
	if _, ok := s.items[k]; ok {
		s.items[k] = memItem{exp: time.Now().Add(s.ttl)}
	}
	return nil
}

func (s *MemoryStore) IsOnline(ctx context.Context, chatID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key(chatID, userID)]
	if !ok || time.Now().After(v.exp) {
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Close() error { return nil }
