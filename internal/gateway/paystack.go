package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"serotonyl.ru/points-ledger/internal/common"
)

// Paystack считает суммы в kobo (1/100 найры).
const paystackMinorUnits = 2

// PaystackName — имя адаптера (paymentMethod покупки).
const PaystackName = "paystack"

// PaystackOptions — настройки адаптера Paystack.
type PaystackOptions struct {
	SecretKey string
	BaseURL   string
	Timeout   time.Duration
	Retries   int // Повторы Initialize при сетевых ошибках
}

// Paystack — адаптер https://paystack.com.
type Paystack struct {
	client  *apiClient
	secret  []byte
	retries int
}

// NewPaystack создаёт адаптер Paystack.
func NewPaystack(opts PaystackOptions) *Paystack {
	return &Paystack{
		client:  newAPIClient(PaystackName, opts.BaseURL, opts.SecretKey, opts.Timeout),
		secret:  []byte(opts.SecretKey),
		retries: opts.Retries,
	}
}

func (p *Paystack) Name() string { return PaystackName }

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Initialize создаёт транзакцию и возвращает ссылку на оплату.
func (p *Paystack) Initialize(ctx context.Context, req InitializeRequest) (*Checkout, error) {
	body := map[string]interface{}{
		"email":     req.CustomerEmail,
		"amount":    toMinor(req.Amount, paystackMinorUnits),
		"currency":  req.Currency,
		"reference": req.Reference,
		"metadata":  req.Metadata,
	}
	if req.RedirectURL != "" {
		body["callback_url"] = req.RedirectURL
	}

	var env paystackEnvelope
	if err := p.client.call(ctx, "initialize", http.MethodPost, "/transaction/initialize", body, &env, p.retries); err != nil {
		return nil, err
	}

	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
	}
	if err := p.decode(env, &data); err != nil {
		return nil, err
	}
	if data.AuthorizationURL == "" {
		return nil, p.unavailable("пустой authorization_url")
	}
	return &Checkout{CheckoutURL: data.AuthorizationURL, ProviderHandle: data.AccessCode}, nil
}

// Verify запрашивает статус транзакции по reference.
func (p *Paystack) Verify(ctx context.Context, reference string) (*Verification, error) {
	var env paystackEnvelope
	path := "/transaction/verify/" + url.PathEscape(reference)
	if err := p.client.call(ctx, "verify", http.MethodGet, path, nil, &env, 0); err != nil {
		return nil, err
	}

	var data struct {
		ID       int64      `json:"id"`
		Status   string     `json:"status"`
		Amount   int64      `json:"amount"` // kobo
		Currency string     `json:"currency"`
		Channel  string     `json:"channel"`
		PaidAt   *time.Time `json:"paid_at"`
	}
	if err := p.decode(env, &data); err != nil {
		return nil, err
	}

	return &Verification{
		Outcome:               paystackOutcome(data.Status),
		Amount:                fromMinor(data.Amount, paystackMinorUnits),
		Currency:              data.Currency,
		Channel:               data.Channel,
		PaidAt:                data.PaidAt,
		ProviderTransactionID: fmt.Sprintf("%d", data.ID),
		RawStatus:             data.Status,
	}, nil
}

// ParseWebhook проверяет x-paystack-signature (HMAC-SHA512 тела на секретном ключе).
// Интересует только charge.success.
func (p *Paystack) ParseWebhook(header http.Header, body []byte) (string, error) {
	sig, err := hex.DecodeString(strings.TrimSpace(header.Get("x-paystack-signature")))
	if err != nil || len(sig) == 0 {
		return "", ErrInvalidSignature
	}
	mac := hmac.New(sha512.New, p.secret)
	mac.Write(body)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return "", ErrInvalidSignature
	}

	var event struct {
		Event string `json:"event"`
		Data  struct {
			Reference string `json:"reference"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return "", fmt.Errorf("некорректный вебхук paystack: %v: %w", err, ErrIgnoredEvent)
	}
	if event.Event != "charge.success" {
		return "", fmt.Errorf("событие %q: %w", event.Event, ErrIgnoredEvent)
	}
	if event.Data.Reference == "" {
		return "", fmt.Errorf("вебхук без reference: %w", ErrIgnoredEvent)
	}
	return event.Data.Reference, nil
}

// SignPaystackWebhook считает подпись тела так же, как Paystack.
func SignPaystackWebhook(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *Paystack) decode(env paystackEnvelope, out interface{}) error {
	if !env.Status {
		return p.unavailable("status=false: " + env.Message)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return p.unavailable("некорректный data: " + err.Error())
	}
	return nil
}

func (p *Paystack) unavailable(reason string) error {
	return fmt.Errorf("%s: %s: %w", PaystackName, reason, common.ErrGatewayUnavailable)
}

func paystackOutcome(status string) Outcome {
	switch status {
	case "success":
		return OutcomeSucceeded
	case "failed", "reversed":
		return OutcomeFailed
	default:
		return OutcomePending
	}
}

// toMinor переводит целые единицы в минорные (найры → kobo).
func toMinor(amount int64, places int32) int64 {
	return decimal.NewFromInt(amount).Shift(places).IntPart()
}

// fromMinor переводит минорные единицы обратно, сохраняя дробную часть.
func fromMinor(amount int64, places int32) decimal.Decimal {
	return decimal.NewFromInt(amount).Shift(-places)
}
