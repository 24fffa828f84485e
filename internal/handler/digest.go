package handler

import (
	"net/http"
	"time"

	"github.com/dialog/internal/digest"
	"github.com/dialog/internal/logger"
)

// DigestHandler запускает promotion job по внешнему расписанию (cron бьёт
// в этот эндпоинт каждые ~15 минут). Сам процесс не держит таймеров.
type DigestHandler struct {
	promoter *digest.Promoter
}

func NewDigestHandler(promoter *digest.Promoter) *DigestHandler {
	return &DigestHandler{promoter: promoter}
}

func (h *DigestHandler) Run(w http.ResponseWriter, r *http.Request) {
	summary, err := h.promoter.Process(r.Context(), time.Now())
	if err != nil {
		logger.Errorf("digest run: %v", err)
		writeError(w, http.StatusInternalServerError, "digest run failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
