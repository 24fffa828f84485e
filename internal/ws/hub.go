package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dialog/internal/logger"
	"github.com/dialog/internal/model"
	"github.com/dialog/internal/presence"
	"github.com/dialog/internal/repository"
	"github.com/dialog/internal/service"
)

// PushNotifier отправляет пуш-уведомления. Если nil — пуши не отправляются.
type PushNotifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int

	svc      *service.MessagingService
	chatRepo *repository.ChatRepository
	userRepo *repository.UserRepository
	presence presence.Store
	push     PushNotifier

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(
	svc *service.MessagingService,
	chatRepo *repository.ChatRepository,
	userRepo *repository.UserRepository,
	pres presence.Store,
	maxConns int,
	push PushNotifier,
) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		svc:        svc,
		chatRepo:   chatRepo,
		userRepo:   userRepo,
		presence:   pres,
		push:       push,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.userRepo.SetOnline(ctx, c.userID, true); err != nil {
		logger.Errorf("ws set online user=%s: %v", c.userID, err)
	}
	// Presence — advisory: ошибки не мешают подключению.
	if chats, err := h.chatRepo.GetUserChats(ctx, c.userID); err == nil {
		chatIDs := make([]string, 0, len(chats))
		for _, chat := range chats {
			chatIDs = append(chatIDs, chat.ID)
			if err := h.presence.SetOnline(ctx, chat.ID, c.userID, true); err != nil {
				logger.Errorf("ws presence on chat=%s user=%s: %v", chat.ID, c.userID, err)
			}
		}
		c.setChatIDs(chatIDs)
	} else {
		logger.Errorf("ws get chats for presence user=%s: %v", c.userID, err)
	}
	if err := h.chatRepo.SetMemberOnline(ctx, c.userID, true); err != nil {
		logger.Errorf("ws member online user=%s: %v", c.userID, err)
	}
	h.broadcastUserStatus(c.userID, true)

	// Актуальный агрегат непрочитанного сразу после подключения.
	if total, err := h.svc.TotalUnread(ctx, c.userID); err == nil {
		h.sendToClient(c, OutgoingMessage{Type: EventUnreadTotal, Payload: UnreadTotalPayload{Total: total}})
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	lastClient := len(clients) == 0
	if lastClient {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	if lastClient {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.userRepo.SetOnline(ctx, c.userID, false); err != nil {
			logger.Errorf("ws set offline user=%s: %v", c.userID, err)
		}
		for _, chatID := range c.chatIDs() {
			if err := h.presence.SetOnline(ctx, chatID, c.userID, false); err != nil {
				logger.Errorf("ws presence off chat=%s user=%s: %v", chatID, c.userID, err)
			}
		}
		if err := h.chatRepo.SetMemberOnline(ctx, c.userID, false); err != nil {
			logger.Errorf("ws member offline user=%s: %v", c.userID, err)
		}
		h.broadcastUserStatus(c.userID, false)
	}
}

// heartbeat продлевает presence-TTL по ws pong.
func (h *Hub) heartbeat(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, chatID := range c.chatIDs() {
		if err := h.presence.Heartbeat(ctx, chatID, c.userID); err != nil {
			logger.Errorf("ws heartbeat chat=%s user=%s: %v", chatID, c.userID, err)
		}
	}
}

// HandleMessage dispatches incoming WebSocket messages.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventNewMessage:
		h.handleNewMessage(ctx, c, msg)
	case EventMessageRead:
		h.handleMessageRead(ctx, c, msg)
	case EventTyping:
		h.handleTyping(ctx, c, msg)
	default:
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "unknown event type"})
	}
}

func (h *Hub) handleNewMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleNewMessage", time.Now())()
	if msg.ChatID == "" || msg.Content == "" {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "chat_id and content required"})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	m, err := h.svc.PostMessage(ctx, msg.ChatID, c.userID, msg.Content)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotAMember):
			h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "not a member"})
		case errors.Is(err, service.ErrEmptyContent):
			h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "content required"})
		default:
			logger.Errorf("ws post message chat=%s user=%s: %v", msg.ChatID, c.userID, err)
			h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "failed to save message"})
		}
		return
	}

	chat, err := h.chatRepo.GetByID(ctx, msg.ChatID)
	if err != nil {
		logger.Errorf("ws get chat=%s: %v", msg.ChatID, err)
		return
	}
	h.NotifyMessagePosted(ctx, chat, m)
}

// NotifyMessagePosted рассылает уже закоммиченное сообщение: событие
// new_message всем участникам чата, обновлённую карточку чата каждому
// подключённому участнику и пересчитанный агрегат непрочитанного получателям.
// Вызывается и ws-хабом, и HTTP-обработчиком после сохранения.
func (h *Hub) NotifyMessagePosted(ctx context.Context, chat *model.Chat, m *model.Message) {
	defer logger.DeferLogDuration("ws.NotifyMessagePosted", time.Now())()
	if m.Sender == nil {
		if sender, err := h.userRepo.GetByID(ctx, m.SenderID); err != nil {
			logger.Errorf("ws get sender user=%s: %v", m.SenderID, err)
		} else {
			pub := sender.ToPublic()
			m.Sender = &pub
		}
	}

	memberIDs, err := h.chatRepo.GetMemberIDs(ctx, chat.ID)
	if err != nil {
		logger.Errorf("ws get members chat=%s: %v", chat.ID, err)
		return
	}

	out := OutgoingMessage{Type: EventNewMessage, Payload: m}
	for _, uid := range memberIDs {
		h.sendToUser(uid, out)
		if !h.hasClients(uid) {
			continue
		}
		// Карточка чата персональная: у каждого участника свой счётчик.
		if summary, err := h.svc.Summary(ctx, chat, uid); err != nil {
			logger.Errorf("ws chat summary chat=%s user=%s: %v", chat.ID, uid, err)
		} else {
			h.sendToUser(uid, OutgoingMessage{Type: EventChatUpdated, Payload: summary})
		}
		if uid != m.SenderID {
			h.sendUnreadTotal(ctx, uid)
		}
	}

	// Пуш-уведомления получателям (кроме отправителя)
	if h.push != nil {
		senderName := ""
		if m.Sender != nil {
			senderName = m.Sender.Username
		}
		if senderName == "" {
			senderName = "Сообщение"
		}
		body := truncateRunes(m.Content, 120)
		data := map[string]string{"chat_id": chat.ID, "message_id": m.ID}
		for _, uid := range memberIDs {
			if uid != m.SenderID {
				uid := uid
				go h.push.Notify(context.Background(), uid, senderName, body, data)
			}
		}
	}
}

func (h *Hub) handleMessageRead(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.ChatID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.svc.MarkChatRead(ctx, msg.ChatID, c.userID); err != nil {
		if !errors.Is(err, service.ErrNotAMember) {
			logger.Errorf("ws mark read chat=%s user=%s: %v", msg.ChatID, c.userID, err)
		}
		return
	}

	memberIDs, err := h.chatRepo.GetMemberIDs(ctx, msg.ChatID)
	if err != nil {
		logger.Errorf("ws get members for read chat=%s: %v", msg.ChatID, err)
		return
	}

	out := OutgoingMessage{
		Type: EventMessageRead,
		Payload: MessageReadPayload{
			ChatID: msg.ChatID,
			UserID: c.userID,
		},
	}
	for _, uid := range memberIDs {
		if uid != c.userID {
			h.sendToUser(uid, out)
		}
	}
	h.sendUnreadTotal(ctx, c.userID)
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.ChatID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	memberIDs, err := h.chatRepo.GetMemberIDs(ctx, msg.ChatID)
	if err != nil {
		logger.Errorf("ws get members for typing chat=%s: %v", msg.ChatID, err)
		return
	}

	out := OutgoingMessage{
		Type: EventTyping,
		Payload: TypingPayload{
			ChatID: msg.ChatID,
			UserID: c.userID,
		},
	}
	for _, uid := range memberIDs {
		if uid != c.userID {
			h.sendToUser(uid, out)
		}
	}
}

// sendUnreadTotal пересчитывает агрегат и шлёт его всем подключениям пользователя.
func (h *Hub) sendUnreadTotal(ctx context.Context, userID string) {
	total, err := h.svc.TotalUnread(ctx, userID)
	if err != nil {
		logger.Errorf("ws unread total user=%s: %v", userID, err)
		return
	}
	h.sendToUser(userID, OutgoingMessage{Type: EventUnreadTotal, Payload: UnreadTotalPayload{Total: total}})
}

func (h *Hub) broadcastUserStatus(userID string, online bool) {
	evType := EventUserOffline
	if online {
		evType = EventUserOnline
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chats, err := h.chatRepo.GetUserChats(ctx, userID)
	if err != nil {
		logger.Errorf("ws get chats for status broadcast user=%s: %v", userID, err)
		return
	}

	out := OutgoingMessage{
		Type: evType,
		Payload: UserStatusPayload{
			UserID: userID,
			Online: online,
		},
	}

	notified := make(map[string]struct{}, 16)
	for _, chat := range chats {
		memberIDs, err := h.chatRepo.GetMemberIDs(ctx, chat.ID)
		if err != nil {
			logger.Errorf("ws get members for status broadcast chat=%s: %v", chat.ID, err)
			continue
		}
		for _, uid := range memberIDs {
			if uid == userID {
				continue
			}
			if _, ok := notified[uid]; ok {
				continue
			}
			notified[uid] = struct{}{}
			h.sendToUser(uid, out)
		}
	}
}

// BroadcastToChat sends a message to all members of a chat.
func (h *Hub) BroadcastToChat(ctx context.Context, chatID string, msg OutgoingMessage) {
	defer logger.DeferLogDuration("ws.BroadcastToChat", time.Now())()
	memberIDs, err := h.chatRepo.GetMemberIDs(ctx, chatID)
	if err != nil {
		logger.Errorf("ws broadcast to chat %s: %v", chatID, err)
		return
	}
	for _, uid := range memberIDs {
		h.sendToUser(uid, msg)
	}
}

// NotifyChatCreated informs both sides of a freshly created direct chat.
func (h *Hub) NotifyChatCreated(ctx context.Context, chatID string) {
	h.BroadcastToChat(ctx, chatID, OutgoingMessage{Type: EventChatCreated, Payload: map[string]string{"chat_id": chatID}})
}

func (h *Hub) hasClients(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// truncateRunes обрезает по рунам, не разрывая UTF-8 последовательность.
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

func (h *Hub) sendToUser(userID string, msg OutgoingMessage) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
