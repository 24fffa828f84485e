// Package push хранит Web Push-подписки в Redis и отправляет уведомления
// через VAPID. Отправка всегда best-effort: ошибка пуша никогда не влияет
// на доставку сообщения.
package push

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/redis/go-redis/v9"

	"github.com/dialog/internal/logger"
)

const (
	redisKeyPrefix  = "push:subs:"
	maxSubsPerUser  = 10
	subscriptionTTL = 30 * 24 * time.Hour
)

// Subscription — браузерная push-подписка в формате Push API.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Notification — содержимое пуша для получателя.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Notifier управляет подписками пользователя и рассылает уведомления
// на все его устройства.
type Notifier struct {
	redis *redis.Client
	vapid *webpush.Options
}

// NewNotifier создаёт Notifier. Если VAPID-ключи пустые, подписки сохраняются,
// но отправка не выполняется.
func NewNotifier(rdb *redis.Client, publicKey, privateKey string) *Notifier {
	var opts *webpush.Options
	if publicKey != "" && privateKey != "" {
		opts = &webpush.Options{
			Subscriber:      "dialog-push",
			VAPIDPublicKey:  publicKey,
			VAPIDPrivateKey: privateKey,
			TTL:             30,
		}
	}
	return &Notifier{redis: rdb, vapid: opts}
}

// Enabled сообщает, настроена ли отправка (VAPID-ключи заданы).
func (n *Notifier) Enabled() bool { return n.vapid != nil }

// Subscribe сохраняет подписку пользователя. Храним не больше maxSubsPerUser
// последних подписок на пользователя.
func (n *Notifier) Subscribe(ctx context.Context, userID string, sub Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	key := redisKeyPrefix + userID
	pipe := n.redis.Pipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -maxSubsPerUser, -1)
	pipe.Expire(ctx, key, subscriptionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Unsubscribe удаляет подписку с указанным endpoint.
func (n *Notifier) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	key := redisKeyPrefix + userID
	list, err := n.redis.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	var kept []string
	for _, item := range list {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != endpoint {
			kept = append(kept, item)
		}
	}
	n.redis.Del(ctx, key)
	for _, v := range kept {
		n.redis.RPush(ctx, key, v)
	}
	if len(kept) > 0 {
		n.redis.Expire(ctx, key, subscriptionTTL)
	}
	return nil
}

// Notify отправляет уведомление на все подписки пользователя. Протухшие
// подписки (410/404) удаляются по ходу. Ошибки логируются и не возвращаются.
func (n *Notifier) Notify(ctx context.Context, userID string, note Notification) {
	if n.vapid == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	key := redisKeyPrefix + userID
	list, err := n.redis.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		logger.Errorf("push notify redis: %v", err)
		return
	}
	payload, _ := json.Marshal(note)
	for _, item := range list {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) != nil || sub.Endpoint == "" {
			continue
		}
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, n.vapid)
		if err != nil {
			logger.Errorf("push send %s: %v", shortEndpoint(sub.Endpoint), err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == 410 || resp.StatusCode == 404 {
			if err := n.Unsubscribe(ctx, userID, sub.Endpoint); err != nil {
				logger.Errorf("push drop stale sub: %v", err)
			}
		}
	}
}

func shortEndpoint(endpoint string) string {
	if len(endpoint) > 50 {
		return endpoint[:50]
	}
	return strings.TrimSpace(endpoint)
}
