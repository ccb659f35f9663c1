// Package telemetry provides OpenTelemetry tracing setup.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Config describes the traced service.
type Config struct {
	ServiceName string
	Version     string
	// SampleRatio is the fraction of root spans sampled, clamped to [0, 1].
	SampleRatio float64
}

// InitTracerProvider installs the global tracer provider and the W3C trace
// context propagator used to stamp outgoing notifications.
func InitTracerProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("service name is required")
	}
	attrs := resource.WithAttributes(semconv.ServiceName(cfg.ServiceName))
	if cfg.Version != "" {
		attrs = resource.WithAttributes(semconv.ServiceName(cfg.ServiceName), semconv.ServiceVersion(cfg.Version))
	}
	res, err := resource.New(ctx, attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	ratio := min(max(cfg.SampleRatio, 0), 1)
	// TODO: attach a span exporter once a collector endpoint is configurable.
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}
