// Package telemetry wires the agent's OpenTelemetry tracer. Builds are
// long-running and multi-stage, so traces are the cheapest way to see where
// a slow build spends its time.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

// InitTracer installs a stdout trace exporter as the global provider and
// returns its shutdown hook. A failed exporter init is logged and traced
// spans become no-ops; the agent keeps running.
func InitTracer(ctx context.Context, serviceName string, logger *zap.Logger) func(context.Context) error {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		logger.Warn("telemetry exporter init failed", zap.Error(err))
		return func(context.Context) error { return nil }
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown
}
