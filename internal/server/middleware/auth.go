// Package middleware содержит HTTP-обработчики-обёртки: аутентификацию,
// логирование, восстановление после паники, rate-limiting,
// идемпотентность и трассировку.
package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/points-ledger/internal/auth"
	"serotonyl.ru/points-ledger/internal/common"
)

// Заголовки, которые проставляет внешний шлюз аутентификации.
const (
	HeaderMemberID = "X-Member-ID"
	HeaderAdminKey = "X-Admin-Key"
)

// Authenticator проверяет сервисный токен и определяет вызывающего.
type Authenticator struct {
	serviceToken []byte
	adminKeyHash string
}

// NewAuthenticator создаёт проверку по токену сервиса и (опционально) хешу ключа админа.
func NewAuthenticator(serviceToken, adminKeyHash string) *Authenticator {
	return &Authenticator{
		serviceToken: []byte(serviceToken),
		adminKeyHash: adminKeyHash,
	}
}

// Middleware кладёт common.Caller в контекст или отвечает 401/400.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), a.serviceToken) != 1 {
			common.WriteError(w, fmt.Errorf("неверный сервисный токен: %w", common.ErrUnauthorized))
			return
		}

		var caller common.Caller
		if raw := r.Header.Get(HeaderMemberID); raw != "" {
			id, err := common.ParseMemberID(raw)
			if err != nil {
				common.WriteError(w, err)
				return
			}
			caller.MemberID = id
		}

		if key := r.Header.Get(HeaderAdminKey); key != "" {
			if a.adminKeyHash == "" || !auth.VerifyKey(key, a.adminKeyHash) {
				log.WithFields(log.Fields{
					"member_id":   caller.MemberID,
					"remote_addr": r.RemoteAddr,
				}).Warn("Неверный ключ администратора")
				common.WriteError(w, fmt.Errorf("неверный ключ администратора: %w", common.ErrUnauthorized))
				return
			}
			caller.IsAdmin = true
		}

		next.ServeHTTP(w, r.WithContext(common.WithCaller(r.Context(), caller)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
