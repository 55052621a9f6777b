// Package purchase — покупка баллов за деньги: создание оплаты
// и идемпотентное зачисление после подтверждения платёжной системой.
// models.go описывает покупку и запросы/ответы API.
package purchase

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"serotonyl.ru/points-ledger/internal/features/catalog"
)

// Status — состояние покупки. Переходы только pending → success | failed.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// referencePrefix — префикс внешней ссылки на оплату.
const referencePrefix = "PTS-"

// Purchase — строка таблицы purchases.
type Purchase struct {
	ID                uuid.UUID              `json:"id"`
	MemberID          int64                  `json:"memberId"`
	PackageMode       catalog.Mode           `json:"packageMode"`
	PointsAmount      int64                  `json:"pointsAmount"`
	LocalAmount       int64                  `json:"localAmount"` // Целые единицы валюты
	ExchangeRate      decimal.Decimal        `json:"exchangeRate"`
	Currency          string                 `json:"currency"`
	ExternalReference string                 `json:"externalReference"`
	GatewayHandle     string                 `json:"gatewayHandle,omitempty"`
	CheckoutURL       string                 `json:"checkoutUrl,omitempty"`
	Status            Status                 `json:"status"`
	PaymentMethod     string                 `json:"paymentMethod"` // Имя платёжной системы
	Metadata          map[string]interface{} `json:"metadata"`
	CompletedAt       *time.Time             `json:"completedAt,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`
}

// InitiateRequest — тело POST /purchase.
type InitiateRequest struct {
	Mode         catalog.Mode `json:"mode"`
	PointsAmount int64        `json:"pointsAmount"`
	LocalAmount  int64        `json:"localAmount"`
	CallbackURL  string       `json:"callbackUrl,omitempty"`
}

// InitiateResult — ответ POST /purchase.
type InitiateResult struct {
	Purchase    *Purchase `json:"purchase"`
	CheckoutURL string    `json:"checkoutUrl"`
	Reference   string    `json:"reference"`
}

// VerifyRequest — тело POST /purchase/verify.
type VerifyRequest struct {
	Reference string `json:"reference"`
}

// VerifyResult — итог проверки. AlreadyProcessed=true, если баллы
// были зачислены раньше (этим или параллельным вызовом).
type VerifyResult struct {
	Purchase         *Purchase `json:"purchase"`
	AlreadyProcessed bool      `json:"alreadyProcessed"`
}

// Page — страница истории покупок.
type Page struct {
	Purchases []Purchase `json:"purchases"`
	Page      int        `json:"page"`
	PageSize  int        `json:"pageSize"`
	Total     int64      `json:"total"`
}

// RecheckStats — итог прохода фоновой перепроверки.
type RecheckStats struct {
	Checked      int `json:"checked"`
	Settled      int `json:"settled"`
	Failed       int `json:"failed"`
	Expired      int `json:"expired"`
	StillPending int `json:"stillPending"`
	Errors       int `json:"errors"`
}

// NewReference генерирует внешнюю ссылку: PTS- и 32 hex-символа UUIDv4.
func NewReference() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return referencePrefix + hex.EncodeToString(id[:]), nil
}
