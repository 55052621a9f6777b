package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/points-ledger/internal/common"
)

// Recoverer перехватывает панику в обработчике, логирует стек и отвечает 500.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			log.WithFields(log.Fields{
				"component":  "panic_recovery",
				"panic":      fmt.Sprintf("%v", rec),
				"stack":      string(debug.Stack()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"request_id": chimw.GetReqID(r.Context()),
			}).Error("ПАНИКА в обработчике — восстановлено")

			common.WriteError(w, fmt.Errorf("паника: %v", rec))
		}()

		next.ServeHTTP(w, r)
	})
}
