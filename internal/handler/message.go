package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dialog/internal/middleware"
	"github.com/dialog/internal/model"
	"github.com/dialog/internal/repository"
	"github.com/dialog/internal/service"
	"github.com/dialog/internal/ws"
)

type MessageHandler struct {
	msgRepo  *repository.MessageRepository
	chatRepo *repository.ChatRepository
	svc      *service.MessagingService
	hub      *ws.Hub
}

func NewMessageHandler(
	msgRepo *repository.MessageRepository,
	chatRepo *repository.ChatRepository,
	svc *service.MessagingService,
	hub *ws.Hub,
) *MessageHandler {
	return &MessageHandler{msgRepo: msgRepo, chatRepo: chatRepo, svc: svc, hub: hub}
}

// resolveMemberChat разрешает ссылку на чат (cid или id) и проверяет членство.
// Пишет ответ об ошибке сам; nil означает, что ответ уже отправлен.
func (h *MessageHandler) resolveMemberChat(w http.ResponseWriter, r *http.Request, userID string) *model.Chat {
	ref := chi.URLParam(r, "ref")
	resolved, err := h.chatRepo.Resolve(r.Context(), ref)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return nil
		}
		writeError(w, http.StatusInternalServerError, "failed to get chat")
		return nil
	}
	isMember, err := h.chatRepo.IsMember(r.Context(), resolved.Chat.ID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return nil
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a member")
		return nil
	}
	return resolved.Chat
}

// GetMessages возвращает историю чата в хронологическом порядке (created_at,
// затем id для стабильности при равных метках времени). Удалённые не входят.
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	chat := h.resolveMemberChat(w, r, userID)
	if chat == nil {
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	messages, err := h.msgRepo.ChatHistory(r.Context(), chat.ID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

func (h *MessageHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	chat := h.resolveMemberChat(w, r, userID)
	if chat == nil {
		return
	}

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	m, err := h.svc.PostMessage(r.Context(), chat.ID, userID, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmptyContent):
			writeError(w, http.StatusBadRequest, "content required")
		case errors.Is(err, service.ErrNotAMember):
			writeError(w, http.StatusForbidden, "not a member")
		default:
			writeError(w, http.StatusInternalServerError, "failed to post message")
		}
		return
	}

	h.hub.NotifyMessagePosted(r.Context(), chat, m)
	writeJSON(w, http.StatusCreated, m)
}

// MarkAsRead сбрасывает счётчик непрочитанного для текущего пользователя.
// Идемпотентен: повторное чтение уже прочитанного чата ничего не меняет.
func (h *MessageHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	chat := h.resolveMemberChat(w, r, userID)
	if chat == nil {
		return
	}

	if err := h.svc.MarkChatRead(r.Context(), chat.ID, userID); err != nil {
		if errors.Is(err, service.ErrNotAMember) {
			writeError(w, http.StatusForbidden, "not a member")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to mark as read")
		return
	}

	h.hub.BroadcastToChat(r.Context(), chat.ID, ws.OutgoingMessage{
		Type:    ws.EventMessageRead,
		Payload: ws.MessageReadPayload{ChatID: chat.ID, UserID: userID},
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DeleteMessage скрывает сообщение (soft delete). Только своё.
func (h *MessageHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	m, err := h.msgRepo.GetByID(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get message")
		return
	}
	if m.SenderID != userID {
		writeError(w, http.StatusForbidden, "can only delete own messages")
		return
	}

	if err := h.msgRepo.SoftDelete(r.Context(), messageID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete message")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
