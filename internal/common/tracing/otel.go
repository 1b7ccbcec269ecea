// Package tracing owns the process tracer provider. Until Init succeeds every
// tracer it hands out is a no-op.
package tracing

import (
	"context"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kandev/sessionhub/internal/common/config"
	"github.com/kandev/sessionhub/internal/common/constants"
)

var (
	noopProvider = noop.NewTracerProvider()
	active       atomic.Pointer[sdktrace.TracerProvider]
)

// Init exports spans over OTLP/HTTP to cfg.Endpoint. It does nothing when
// tracing is disabled. Endpoints with an http:// scheme are sent in plaintext.
func Init(ctx context.Context, cfg config.TracingConfig) error {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil
	}

	exporter, err := otlptracehttp.New(ctx, exporterOptions(cfg.Endpoint)...)
	if err != nil {
		return err
	}

	name := cfg.ServiceName
	if name == "" {
		name = constants.EventSource
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(name)))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	if prev := active.Swap(provider); prev != nil {
		_ = prev.Shutdown(ctx)
	}
	otel.SetTracerProvider(provider)
	return nil
}

func exporterOptions(endpoint string) []otlptracehttp.Option {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	case strings.HasPrefix(endpoint, "http://"):
		return []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint), otlptracehttp.WithInsecure()}
	default:
		return []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure()}
	}
}

// Tracer returns a named tracer from the active provider.
func Tracer(name string) trace.Tracer {
	if p := active.Load(); p != nil {
		return p.Tracer(name)
	}
	return noopProvider.Tracer(name)
}

// Shutdown flushes pending spans and reverts to the no-op provider.
func Shutdown(ctx context.Context) error {
	p := active.Swap(nil)
	if p == nil {
		return nil
	}
	return p.Shutdown(ctx)
}
