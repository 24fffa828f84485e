package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// CronAuth защищает служебные job-эндпоинты (например, запуск дайджеста):
// требуется Authorization: Bearer <secret>. Пустой secret запрещает всё —
// эндпоинт не должен молча открываться из-за незаданной конфигурации.
func CronAuth(secret string) func(http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, `{"error":"cron endpoint disabled"}`, http.StatusForbidden)
				return
			}
			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
