// Package telemetry wires the engine's Emit cascade into OpenTelemetry
// tracing; the Queue Client's produce/consume cycle is not traced. It mirrors the teacher
// package's OTLP-over-HTTP exporter setup: environment-driven, sampled,
// disabled by default so that unit tests never need a collector running.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"eve.evalgo.org/flowengine/internal/config"
)

// Provider wraps the process-wide TracerProvider. A nil *Provider is valid
// and produces no-op tracers, so callers can hold onto the result of
// Init unconditionally.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Init builds a Provider from cfg. When cfg.Enabled is false, it returns a
// Provider backed by otel's global no-op tracer, so Tracer() is always
// safe to call.
func Init(cfg config.TelemetryConfig) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: otel.Tracer("flowengine")}, nil
	}

	ctx := context.Background()

	exporter, err := otlptrace.New(
		ctx,
		otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(stripProtocol(cfg.OTLPEndpoint)),
			otlptracehttp.WithInsecure(),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRatio >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplingRatio <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRatio)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp, tracer: tp.Tracer("flowengine")}, nil
}

// Tracer returns the provider's tracer, falling back to the global one when
// p is nil.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer("flowengine")
	}
	return p.tracer
}

// StartSpan starts a span named name on p's tracer, tolerating a nil
// receiver the same way Tracer does.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, attrs...)
}

// Shutdown flushes and stops the underlying TracerProvider. It is a no-op
// when telemetry was never enabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(shutdownCtx)
}

func stripProtocol(endpoint string) string {
	switch {
	case len(endpoint) > 7 && endpoint[:7] == "http://":
		return endpoint[7:]
	case len(endpoint) > 8 && endpoint[:8] == "https://":
		return endpoint[8:]
	default:
		return endpoint
	}
}
