// Package tracing настраивает OpenTelemetry: экспорт в Jaeger или no-op.
package tracing

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace/noop"

	"serotonyl.ru/points-ledger/internal/config"
)

// Config — настройки трассировки.
type Config struct {
	Enabled     bool
	Endpoint    string // Jaeger collector, например http://localhost:14268/api/traces
	ServiceName string
	Environment string
}

// ConfigFrom берёт настройки трассировки из конфигурации сервиса.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.TracingEndpoint,
		ServiceName: cfg.TracingService,
		Environment: cfg.AppEnv,
	}
}

// Init регистрирует глобальный TracerProvider и возвращает функцию остановки,
// которая сбрасывает накопленные спаны.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "points-ledger"
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	if err != nil {
		return nil, fmt.Errorf("ошибка создания Jaeger-экспортёра: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания ресурса трассировки: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.WithFields(log.Fields{
		"endpoint": cfg.Endpoint,
		"service":  cfg.ServiceName,
	}).Info("Трассировка включена")

	return tp.Shutdown, nil
}
