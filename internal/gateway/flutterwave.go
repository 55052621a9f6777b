package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"serotonyl.ru/points-ledger/internal/common"
)

// FlutterwaveName — имя адаптера (paymentMethod покупки).
const FlutterwaveName = "flutterwave"

// FlutterwaveOptions — настройки адаптера Flutterwave.
type FlutterwaveOptions struct {
	SecretKey   string
	WebhookHash string // Значение заголовка verif-hash из дашборда
	BaseURL     string
	Timeout     time.Duration
	Retries     int
}

// Flutterwave — адаптер https://flutterwave.com. Суммы в целых единицах валюты.
type Flutterwave struct {
	client      *apiClient
	webhookHash []byte
	retries     int
}

// NewFlutterwave создаёт адаптер Flutterwave.
func NewFlutterwave(opts FlutterwaveOptions) *Flutterwave {
	return &Flutterwave{
		client:      newAPIClient(FlutterwaveName, opts.BaseURL, opts.SecretKey, opts.Timeout),
		webhookHash: []byte(opts.WebhookHash),
		retries:     opts.Retries,
	}
}

func (f *Flutterwave) Name() string { return FlutterwaveName }

type flutterwaveEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Initialize создаёт платёжную ссылку (Standard checkout).
func (f *Flutterwave) Initialize(ctx context.Context, req InitializeRequest) (*Checkout, error) {
	body := map[string]interface{}{
		"tx_ref":       req.Reference,
		"amount":       req.Amount,
		"currency":     req.Currency,
		"redirect_url": req.RedirectURL,
		"customer":     map[string]string{"email": req.CustomerEmail},
		"meta":         req.Metadata,
	}

	var env flutterwaveEnvelope
	if err := f.client.call(ctx, "initialize", http.MethodPost, "/v3/payments", body, &env, f.retries); err != nil {
		return nil, err
	}

	var data struct {
		Link string `json:"link"`
	}
	if err := f.decode(env, &data); err != nil {
		return nil, err
	}
	if data.Link == "" {
		return nil, f.unavailable("пустой link")
	}
	return &Checkout{CheckoutURL: data.Link, ProviderHandle: data.Link}, nil
}

// Verify ищет транзакцию по tx_ref.
func (f *Flutterwave) Verify(ctx context.Context, reference string) (*Verification, error) {
	var env flutterwaveEnvelope
	path := "/v3/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(reference)
	if err := f.client.call(ctx, "verify", http.MethodGet, path, nil, &env, 0); err != nil {
		return nil, err
	}

	var data struct {
		ID          int64           `json:"id"`
		Status      string          `json:"status"`
		Amount      decimal.Decimal `json:"amount"`
		Currency    string          `json:"currency"`
		PaymentType string          `json:"payment_type"`
		CreatedAt   *time.Time      `json:"created_at"`
	}
	if err := f.decode(env, &data); err != nil {
		return nil, err
	}

	v := &Verification{
		Outcome:               flutterwaveOutcome(data.Status),
		Amount:                data.Amount,
		Currency:              data.Currency,
		Channel:               data.PaymentType,
		ProviderTransactionID: strconv.FormatInt(data.ID, 10),
		RawStatus:             data.Status,
	}
	if v.Outcome == OutcomeSucceeded {
		v.PaidAt = data.CreatedAt
	}
	return v, nil
}

// ParseWebhook сверяет verif-hash с секретом из настроек.
// Интересует только charge.completed.
func (f *Flutterwave) ParseWebhook(header http.Header, body []byte) (string, error) {
	got := []byte(header.Get("verif-hash"))
	if len(f.webhookHash) == 0 || subtle.ConstantTimeCompare(got, f.webhookHash) != 1 {
		return "", ErrInvalidSignature
	}

	var event struct {
		Event string `json:"event"`
		Data  struct {
			TxRef string `json:"tx_ref"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return "", fmt.Errorf("некорректный вебхук flutterwave: %v: %w", err, ErrIgnoredEvent)
	}
	if event.Event != "charge.completed" {
		return "", fmt.Errorf("событие %q: %w", event.Event, ErrIgnoredEvent)
	}
	if event.Data.TxRef == "" {
		return "", fmt.Errorf("вебхук без tx_ref: %w", ErrIgnoredEvent)
	}
	return event.Data.TxRef, nil
}

func (f *Flutterwave) decode(env flutterwaveEnvelope, out interface{}) error {
	if env.Status != "success" {
		return f.unavailable("status=" + env.Status + ": " + env.Message)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return f.unavailable("некорректный data: " + err.Error())
	}
	return nil
}

func (f *Flutterwave) unavailable(reason string) error {
	return fmt.Errorf("%s: %s: %w", FlutterwaveName, reason, common.ErrGatewayUnavailable)
}

func flutterwaveOutcome(status string) Outcome {
	switch status {
	case "successful":
		return OutcomeSucceeded
	case "failed", "cancelled":
		return OutcomeFailed
	default:
		return OutcomePending
	}
}
