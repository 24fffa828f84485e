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

type ChatHandler struct {
	chatRepo *repository.ChatRepository
	userRepo *repository.UserRepository
	svc      *service.MessagingService
	hub      *ws.Hub
}

func NewChatHandler(chatRepo *repository.ChatRepository, userRepo *repository.UserRepository, svc *service.MessagingService, hub *ws.Hub) *ChatHandler {
	return &ChatHandler{chatRepo: chatRepo, userRepo: userRepo, svc: svc, hub: hub}
}

type CreateDirectChatRequest struct {
	UserID string `json:"user_id"`
}

// chatResponse is a ChatSummary annotated with how the chat reference
// was matched when looked up by the client.
type chatResponse struct {
	model.ChatSummary
	ResolvedBy string `json:"resolved_by,omitempty"`
}

// CreateDirectChat находит или создаёт личный чат с указанным пользователем.
// Повторный вызов (и параллельный с обеих сторон) возвращает тот же чат.
func (h *ChatHandler) CreateDirectChat(w http.ResponseWriter, r *http.Request) {
	var req CreateDirectChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	currentUserID := middleware.GetUserID(r.Context())
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	if req.UserID == currentUserID {
		writeError(w, http.StatusBadRequest, "cannot create chat with yourself")
		return
	}

	if _, err := h.userRepo.GetByID(r.Context(), req.UserID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get user")
		return
	}

	chat, created, err := h.chatRepo.FindOrCreateDirectChat(r.Context(), currentUserID, req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	summary, err := h.svc.Summary(r.Context(), chat, currentUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enrich chat")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.hub.NotifyChatCreated(r.Context(), chat.ID)
	}
	writeJSON(w, status, summary)
}

func (h *ChatHandler) GetUserChats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	summaries, err := h.svc.ChatSummaries(ctx, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get chats")
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

// GetChat принимает внешний код чата (cid) или внутренний id; сперва
// пробуем cid, затем id. В ответе resolved_by показывает, что совпало.
func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	userID := middleware.GetUserID(r.Context())

	resolved, err := h.chatRepo.Resolve(r.Context(), ref)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get chat")
		return
	}

	isMember, err := h.chatRepo.IsMember(r.Context(), resolved.Chat.ID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}

	summary, err := h.svc.Summary(r.Context(), resolved.Chat, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enrich chat")
		return
	}

	resp := chatResponse{ChatSummary: *summary}
	switch resolved.By {
	case repository.FoundByCode:
		resp.ResolvedBy = "cid"
	case repository.FoundByID:
		resp.ResolvedBy = "id"
	}
	writeJSON(w, http.StatusOK, resp)
}

// UnreadTotal возвращает агрегированный счётчик непрочитанного по всем чатам.
func (h *ChatHandler) UnreadTotal(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	total, err := h.svc.TotalUnread(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get unread total")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"total": total})
}
