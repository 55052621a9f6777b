package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"serotonyl.ru/points-ledger/internal/common"
)

// maxResponseBytes — ответы провайдеров больше этого не читаем.
const maxResponseBytes = 1 << 20

// retryBackoff умножается на номер попытки.
var retryBackoff = 200 * time.Millisecond

// statusError — провайдер ответил не 2xx. Тело ответа в текст ошибки
// не попадает: оно уходит только в лог и атрибуты span.
type statusError struct {
	provider string
	code     int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s ответил %d", e.provider, e.code)
}

// apiClient — общий JSON-клиент для API провайдеров.
type apiClient struct {
	provider string
	baseURL  string
	secret   string
	http     *http.Client
	tracer   trace.Tracer
}

func newAPIClient(provider, baseURL, secret string, timeout time.Duration) *apiClient {
	return &apiClient{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		secret:   secret,
		http:     &http.Client{Timeout: timeout},
		tracer:   otel.Tracer("points-ledger/gateway"),
	}
}

// call выполняет запрос под одним span. retries > 0 разрешает повторы
// при сетевых ошибках и 5xx. Любая проблема транспорта или ответа
// оборачивается в ErrGatewayUnavailable.
func (c *apiClient) call(ctx context.Context, op, method, path string, in, out interface{}, retries int) error {
	ctx, span := c.tracer.Start(ctx, c.provider+"."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.provider", c.provider),
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)

	var err error
	for attempt := 0; ; attempt++ {
		err = c.do(ctx, method, path, in, out)
		if err == nil || attempt >= retries || !retryable(err) || ctx.Err() != nil {
			break
		}

		log.WithError(err).WithFields(log.Fields{
			"provider": c.provider,
			"op":       op,
			"attempt":  attempt + 1,
		}).Warn("Повтор запроса к платёжной системе")
		span.AddEvent("retry", trace.WithAttributes(attribute.Int("attempt", attempt+1)))

		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(attempt+1) * retryBackoff):
		}
		if ctx.Err() != nil {
			break
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s %s: %v: %w", c.provider, op, err, common.ErrGatewayUnavailable)
	}
	return nil
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("ошибка сериализации запроса: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("ошибка чтения ответа: %w", err)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := truncate(string(raw), 200)
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("http.response_body", body))
		log.WithFields(log.Fields{
			"provider": c.provider,
			"status":   resp.StatusCode,
			"path":     path,
			"body":     body,
		}).Warn("Платёжная система ответила ошибкой")
		return &statusError{provider: c.provider, code: resp.StatusCode}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("некорректный JSON в ответе: %w", err)
	}
	return nil
}

// retryable — стоит ли повторять запрос с тем же reference.
// 4xx не повторяем: провайдер уже принял решение.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
