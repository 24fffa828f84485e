package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore хранит presence-ключи presence:{chatID}:{userID} с TTL.
// Ключ с любым значением = online; отсутствие ключа = offline.
type RedisStore struct {
	cli *redis.Client
	ttl time.Duration
}

func NewRedisStore(cli *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{cli: cli, ttl: ttl}
}

func key(chatID, userID string) string {
	return "presence:" + chatID + ":" + userID
}

func (s *RedisStore) SetOnline(ctx context.Context, chatID, userID string, online bool) error {
	if !online {
		return s.cli.Del(ctx, key(chatID, userID)).Err()
	}
	return s.cli.Set(ctx, key(chatID, userID), "1", s.ttl).Err()
}

func (s *RedisStore) Heartbeat(ctx context.Context, chatID, userID string) error {
	// Expire на отсутствующем ключе — no-op: reconnect проставит ключ заново.
	return s.cli.Expire(ctx, key(chatID, userID), s.ttl).Err()
}

func (s *RedisStore) IsOnline(ctx context.Context, chatID, userID string) (bool, error) {
	n, err := s.cli.Exists(ctx, key(chatID, userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Close() error {
	return s.cli.Close()
}
