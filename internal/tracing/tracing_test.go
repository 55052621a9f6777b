package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestInitDisabledInstallsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, ok := otel.GetTracerProvider().(noop.TracerProvider); !ok {
		t.Fatalf("expected noop provider, got %T", otel.GetTracerProvider())
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitEnabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{
		Enabled:     true,
		Endpoint:    "http://127.0.0.1:1/api/traces",
		Environment: "test",
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "op")
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Экспорт в недоступный коллектор не должен ронять остановку
	_ = shutdown(ctx)
}
