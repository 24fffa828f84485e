// Package presence держит эфемерный online/offline статус участников чатов.
// Это advisory-состояние: оно никогда не является предусловием корректности
// доставки или учёта непрочитанного, ошибки стора глотаются вызывающими.
package presence

import (
	"context"
	"time"
)

// Store — хранилище presence-флагов (chat, user) с TTL.
// Реализации: redis.Client (общий для инстансов), memory.Client (для -dev и тестов).
type Store interface {
	// SetOnline ставит/снимает флаг для пары (chatID, userID).
	SetOnline(ctx context.Context, chatID, userID string, online bool) error
	// Heartbeat продлевает TTL существующего флага (по ws ping).
	Heartbeat(ctx context.Context, chatID, userID string) error
	// IsOnline возвращает текущий флаг; отсутствие ключа = offline.
	IsOnline(ctx context.Context, chatID, userID string) (bool, error)
	Close() error
}

// DefaultTTL — время жизни флага без heartbeat.
const DefaultTTL = 90 * time.Second
