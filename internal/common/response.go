// Package common — response.go формирует единый JSON-конверт ответов:
//
//	{"success": true, "data": {...}}
//	{"success": false, "error": {"code": "...", "message": "..."}}
package common

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// Envelope — конверт любого ответа API.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody — машиночитаемый код и человекочитаемое сообщение.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorMapping связывает доменную ошибку с HTTP-статусом и кодом.
// Порядок важен: более специфичные ошибки идут раньше.
var errorMapping = []struct {
	err    error
	status int
	code   string
}{
	{ErrInvalidPackage, http.StatusBadRequest, "invalid_package"},
	{ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{ErrSelfTransfer, http.StatusBadRequest, "self_transfer"},
	{ErrValidation, http.StatusBadRequest, "validation_error"},
	{ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{ErrPaymentFailed, http.StatusPaymentRequired, "payment_failed"},
	{ErrMemberBanned, http.StatusForbidden, "member_banned"},
	{ErrForbidden, http.StatusForbidden, "forbidden"},
	{ErrMemberNotFound, http.StatusNotFound, "member_not_found"},
	{ErrPurchaseNotFound, http.StatusNotFound, "purchase_not_found"},
	{ErrInsufficientBalance, http.StatusConflict, "insufficient_balance"},
	{ErrPurchaseFailed, http.StatusConflict, "purchase_failed"},
	{ErrPaymentPending, http.StatusConflict, "payment_pending"},
	{ErrIdempotencyInFlight, http.StatusConflict, "idempotency_in_flight"},
	{ErrIntegrityViolation, http.StatusUnprocessableEntity, "integrity_violation"},
	{ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{ErrGatewayUnavailable, http.StatusBadGateway, "gateway_unavailable"},
}

// Classify возвращает HTTP-статус и код для ошибки.
// Неизвестные ошибки — 500 internal_error.
func Classify(err error) (int, string) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// WriteJSON пишет произвольное значение как JSON.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Ошибка записи JSON-ответа")
	}
}

// WriteData пишет успешный ответ.
func WriteData(w http.ResponseWriter, status int, data interface{}) {
	WriteJSON(w, status, Envelope{Success: true, Data: data})
}

// WriteError пишет ошибку в конверте.
// Текст внутренних ошибок и ответов платёжной системы наружу
// не отдаётся, только логируется.
func WriteError(w http.ResponseWriter, err error) {
	status, code := Classify(err)
	message := err.Error()
	switch status {
	case http.StatusInternalServerError:
		log.WithError(err).Error("Внутренняя ошибка при обработке запроса")
		message = "внутренняя ошибка сервера"
	case http.StatusBadGateway:
		log.WithError(err).Warn("Платёжная система недоступна")
		message = ErrGatewayUnavailable.Error()
	}
	WriteJSON(w, status, Envelope{
		Success: false,
		Error:   &ErrorBody{Code: code, Message: message},
	})
}

// DecodeJSON читает тело запроса в v. Лишние поля и мусор после объекта запрещены.
func DecodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return Validationf("некорректное тело запроса: %v", err)
	}
	if dec.More() {
		return Validationf("некорректное тело запроса: ожидается один JSON-объект")
	}
	return nil
}
