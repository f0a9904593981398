// Package otel wires a tracer-only OpenTelemetry pipeline: it installs
// the global tracer provider and propagators. The LLM, search, and
// page-fetch calls do not start spans of their own; spans are recorded
// only where code calls common/logger.StartSpan. There is no log exporter or HTTP
// middleware here: webweaver has no HTTP server in its core, and logs
// go through log/slog (see common/logger), not an OTel log bridge.
package otel

import (
	"context"
	"fmt"

	"github.com/webweaver-dev/webweaver/core/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const serviceName = "webweaver"

// Telemetry owns the tracer provider's lifecycle.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
}

// Shutdown flushes and stops the tracer provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.tracerProvider == nil {
		return nil
	}
	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracer shutdown: %w", err)
	}
	return nil
}

// Setup configures the global tracer provider when tracing is enabled
// in Settings. Returns (nil, nil) when disabled.
func Setup(ctx context.Context, cfg config.Settings) (*Telemetry, error) {
	if !cfg.OTelOn || cfg.OTelOTLP == "" {
		return nil, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(cfg.OTelOTLP+"/v1/traces"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Telemetry{tracerProvider: tracerProvider}, nil
}
