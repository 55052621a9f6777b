package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

// RequestLogger логирует каждый запрос: метод, путь, статус, длительность.
// Участник берётся из заголовка, потому что аутентификация идёт глубже по цепочке.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		entry := log.WithFields(log.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      status,
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  chimw.GetReqID(r.Context()),
		})
		if member := r.Header.Get(HeaderMemberID); member != "" {
			entry = entry.WithField("member_id", member)
		}

		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("HTTP-запрос")
		case status >= http.StatusBadRequest:
			entry.Warn("HTTP-запрос")
		default:
			entry.Info("HTTP-запрос")
		}
	})
}
