package gateway

import (
	"fmt"

	"serotonyl.ru/points-ledger/internal/config"
)

// FromConfig создаёт адаптеры для всех провайдеров, у которых задан секрет.
func FromConfig(cfg *config.Config) (*Registry, error) {
	var gws []Gateway
	if cfg.PaystackSecretKey != "" {
		gws = append(gws, NewPaystack(PaystackOptions{
			SecretKey: cfg.PaystackSecretKey,
			BaseURL:   cfg.PaystackBaseURL,
			Timeout:   cfg.PaymentTimeout,
			Retries:   cfg.PaymentInitRetries,
		}))
	}
	if cfg.FlutterwaveSecretKey != "" {
		gws = append(gws, NewFlutterwave(FlutterwaveOptions{
			SecretKey:   cfg.FlutterwaveSecretKey,
			WebhookHash: cfg.FlutterwaveWebhookHash,
			BaseURL:     cfg.FlutterwaveBaseURL,
			Timeout:     cfg.PaymentTimeout,
			Retries:     cfg.PaymentInitRetries,
		}))
	}

	reg, err := NewRegistry(cfg.PaymentProvider, gws...)
	if err != nil {
		return nil, fmt.Errorf("ошибка настройки платёжных систем: %w", err)
	}
	return reg, nil
}
