package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/points-ledger/internal/cache"
	"serotonyl.ru/points-ledger/internal/common"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	maxIdempotencyKeyLen = 255
	// inFlightTTL — сколько живёт метка «запрос выполняется», если процесс упал.
	inFlightTTL = 2 * time.Minute
)

const (
	stateInFlight = "in_flight"
	stateDone     = "done"
)

// storedResponse — ответ, сохранённый под ключом идемпотентности.
type storedResponse struct {
	State       string `json:"state"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Idempotency повторяет сохранённый ответ для POST с тем же Idempotency-Key.
type Idempotency struct {
	cache cache.Cache
	ttl   time.Duration
}

func NewIdempotency(c cache.Cache, ttl time.Duration) *Idempotency {
	return &Idempotency{cache: c, ttl: ttl}
}

// Middleware работает только для POST с заголовком Idempotency-Key.
// Ключ привязан к участнику и пути. Ответы, которые со временем могут
// измениться (5xx, 429, оплата ещё не завершена), не сохраняются.
func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if r.Method != http.MethodPost || raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(raw) > maxIdempotencyKeyLen {
			common.WriteError(w, common.Validationf("Idempotency-Key длиннее %d символов", maxIdempotencyKeyLen))
			return
		}

		ctx := r.Context()
		key := i.cacheKey(r, raw)
		logger := log.WithField("idempotency_key", raw)

		marker, _ := json.Marshal(storedResponse{State: stateInFlight})
		won, err := i.cache.SetNX(ctx, key, marker, inFlightTTL)
		if err != nil {
			logger.WithError(err).Warn("Кеш идемпотентности недоступен, выполняем без него")
			next.ServeHTTP(w, r)
			return
		}

		if !won {
			i.replay(ctx, w, key, logger)
			return
		}

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		completed := false
		defer func() {
			if !completed {
				_ = i.cache.Delete(context.WithoutCancel(ctx), key)
			}
		}()

		next.ServeHTTP(rec, r)

		if retryable(rec) {
			return
		}
		stored := storedResponse{
			State:       stateDone,
			Status:      rec.status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.body.Bytes(),
		}
		if err := cache.SetJSON(context.WithoutCancel(ctx), i.cache, key, stored, i.ttl); err != nil {
			logger.WithError(err).Warn("Не удалось сохранить ответ для Idempotency-Key")
			return
		}
		completed = true
	})
}

func (i *Idempotency) replay(ctx context.Context, w http.ResponseWriter, key string, logger *log.Entry) {
	var stored storedResponse
	err := cache.GetJSON(ctx, i.cache, key, &stored)
	switch {
	case errors.Is(err, cache.ErrNotFound), err == nil && stored.State != stateDone:
		common.WriteError(w, common.ErrIdempotencyInFlight)
		return
	case err != nil:
		logger.WithError(err).Error("Ошибка чтения кеша идемпотентности")
		common.WriteError(w, err)
		return
	}

	logger.WithField("status", stored.Status).Debug("Повтор сохранённого ответа")
	if stored.ContentType != "" {
		w.Header().Set("Content-Type", stored.ContentType)
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write(stored.Body)
}

// transientCodes — коды ошибок, повтор которых с тем же ключом
// должен снова дойти до обработчика.
var transientCodes = map[string]bool{
	"payment_pending": true,
}

// retryable сообщает, что ответ нельзя закреплять за ключом.
func retryable(rec *recorder) bool {
	if rec.status >= http.StatusInternalServerError || rec.status == http.StatusTooManyRequests {
		return true
	}
	if rec.status < http.StatusBadRequest {
		return false
	}
	var env common.Envelope
	if err := json.Unmarshal(rec.body.Bytes(), &env); err != nil || env.Error == nil {
		return false
	}
	return transientCodes[env.Error.Code]
}

func (i *Idempotency) cacheKey(r *http.Request, raw string) string {
	member := "anon"
	if c, ok := common.CallerFrom(r.Context()); ok {
		member = strconv.FormatInt(c.MemberID, 10)
	}
	return "idem:" + member + ":" + r.URL.Path + ":" + raw
}

// recorder пишет ответ клиенту и параллельно копит его для сохранения.
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
