// Package purchase — webhook.go принимает уведомления платёжных систем.
// Вебхук лишь подсказывает, какую покупку проверить: статус и сумма
// всё равно берутся из Verify.
package purchase

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/gateway"
)

// maxWebhookBytes — вебхуки больше этого не читаем.
const maxWebhookBytes = 256 << 10

// WebhookHandler обслуживает POST /webhooks/{provider}.
type WebhookHandler struct {
	service  *Service
	gateways *gateway.Registry
}

// NewWebhookHandler создаёт обработчик вебхуков.
func NewWebhookHandler(service *Service, gateways *gateway.Registry) *WebhookHandler {
	return &WebhookHandler{service: service, gateways: gateways}
}

// Register вешает маршрут. Аутентификация — подписью провайдера, без токена сервиса.
func (h *WebhookHandler) Register(r chi.Router) {
	r.Post("/webhooks/{provider}", h.handle)
}

type webhookAck struct {
	Received  bool   `json:"received"`
	Ignored   bool   `json:"ignored,omitempty"`
	Reference string `json:"reference,omitempty"`
}

func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	gw, ok := h.gateways.Get(provider)
	if !ok {
		common.WriteError(w, common.Validationf("неизвестный провайдер %q", provider))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		common.WriteError(w, common.Validationf("не удалось прочитать тело вебхука"))
		return
	}

	logger := log.WithField("provider", provider)

	reference, err := gw.ParseWebhook(r.Header, body)
	switch {
	case errors.Is(err, gateway.ErrInvalidSignature):
		logger.Warn("Вебхук с неверной подписью отклонён")
		common.WriteError(w, fmt.Errorf("%v: %w", err, common.ErrUnauthorized))
		return
	case errors.Is(err, gateway.ErrIgnoredEvent):
		logger.WithError(err).Debug("Вебхук пропущен")
		common.WriteData(w, http.StatusOK, webhookAck{Received: true, Ignored: true})
		return
	case err != nil:
		common.WriteError(w, err)
		return
	}

	logger = logger.WithField("reference", reference)

	res, err := h.service.Verify(r.Context(), common.SystemCaller, reference)
	if err != nil {
		// Провайдеру всё равно отвечаем 200, иначе он будет слать повторы
		logger.WithError(err).Warn("Вебхук получен, покупка не зачислена")
	} else if !res.AlreadyProcessed {
		logger.Info("Покупка зачислена по вебхуку")
	}

	common.WriteData(w, http.StatusOK, webhookAck{Received: true, Reference: reference})
}
