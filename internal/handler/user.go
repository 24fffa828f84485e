package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dialog/internal/model"
	"github.com/dialog/internal/repository"
)

// UserHandler обслуживает локальное зеркало пользователей. Аккаунты живут
// в сервисе авторизации, сюда они попадают через внутренний провиженинг.
type UserHandler struct {
	userRepo *repository.UserRepository
}

func NewUserHandler(userRepo *repository.UserRepository) *UserHandler {
	return &UserHandler{userRepo: userRepo}
}

type ProvisionUserRequest struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

// Provision создаёт (или подтверждает) локальную запись пользователя.
// Идемпотентен: повторный вызов с тем же id отвечает 200.
func (h *UserHandler) Provision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, "username and email required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	if existing, err := h.userRepo.GetByID(r.Context(), req.ID); err == nil {
		writeJSON(w, http.StatusOK, existing.ToPublic())
		return
	}

	u := &model.User{
		ID:        req.ID,
		Username:  req.Username,
		Email:     req.Email,
		AvatarURL: req.AvatarURL,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.userRepo.Create(r.Context(), u); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, u.ToPublic())
}

func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, err := h.userRepo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get user")
		return
	}
	writeJSON(w, http.StatusOK, u.ToPublic())
}

func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if limit > 500 {
		limit = 500
	}
	users, err := h.userRepo.ListAll(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	result := make([]model.UserPublic, 0, len(users))
	for i := range users {
		result = append(result, users[i].ToPublic())
	}
	writeJSON(w, http.StatusOK, result)
}
