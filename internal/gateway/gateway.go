// Package gateway приводит платёжные системы к одному интерфейсу:
// создать оплату, проверить её статус и разобрать вебхук.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Ошибки разбора вебхуков
var (
	// ErrInvalidSignature — подпись вебхука не сошлась
	ErrInvalidSignature = errors.New("неверная подпись вебхука")
	// ErrIgnoredEvent — событие валидно, но нас не интересует
	ErrIgnoredEvent = errors.New("событие вебхука пропущено")
)

// Outcome — нормализованный итог оплаты.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

// InitializeRequest — параметры создания оплаты.
type InitializeRequest struct {
	Amount        int64 // В целых единицах местной валюты
	Currency      string
	Reference     string // Передаётся провайдеру без изменений
	CustomerEmail string
	RedirectURL   string
	Metadata      map[string]interface{}
}

// Checkout — куда отправить покупателя.
type Checkout struct {
	CheckoutURL    string
	ProviderHandle string // access_code у Paystack, ссылка у Flutterwave
}

// Verification — ответ провайдера о статусе оплаты.
type Verification struct {
	Outcome               Outcome
	Amount                decimal.Decimal // В единицах валюты, с копейками
	Currency              string
	Channel               string
	PaidAt                *time.Time
	ProviderTransactionID string
	RawStatus             string
}

// Gateway — адаптер одной платёжной системы.
type Gateway interface {
	Name() string
	Initialize(ctx context.Context, req InitializeRequest) (*Checkout, error)
	Verify(ctx context.Context, reference string) (*Verification, error)
	// ParseWebhook проверяет подпись и возвращает reference оплаты.
	ParseWebhook(header http.Header, body []byte) (string, error)
}

// Registry хранит все настроенные адаптеры.
type Registry struct {
	gateways    map[string]Gateway
	defaultName string
}

// NewRegistry собирает реестр. defaultName должен быть среди адаптеров.
func NewRegistry(defaultName string, gateways ...Gateway) (*Registry, error) {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways)), defaultName: defaultName}
	for _, g := range gateways {
		r.gateways[g.Name()] = g
	}
	if _, ok := r.gateways[defaultName]; !ok {
		return nil, fmt.Errorf("платёжная система по умолчанию %q не настроена", defaultName)
	}
	return r, nil
}

// Default — адаптер для новых покупок.
func (r *Registry) Default() Gateway {
	return r.gateways[r.defaultName]
}

// Get возвращает адаптер по имени (paymentMethod покупки).
func (r *Registry) Get(name string) (Gateway, bool) {
	g, ok := r.gateways[name]
	return g, ok
}

// Names возвращает имена настроенных адаптеров по алфавиту.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for n := range r.gateways {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
