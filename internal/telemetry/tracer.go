// Package telemetry builds the span exporter selected by configuration.
package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"

	"labqc/internal/config"
	"labqc/internal/core"
)

const serviceName = "labqc"

// ShutdownFunc flushes and stops the exporter.
type ShutdownFunc func(context.Context) error

func noShutdown(context.Context) error { return nil }

// NewTracer returns the service tracer for cfg.Exporter:
//
//	log   spans become zap entries on logger
//	none  spans are discarded
//	otlp  spans are batched to an OTLP/HTTP collector at cfg.Endpoint
func NewTracer(ctx context.Context, cfg config.Trace, logger *zap.Logger, version string) (core.Tracer, ShutdownFunc, error) {
	switch cfg.Exporter {
	case "", "log":
		return core.NewZapTracer(logger), noShutdown, nil
	case "none":
		return core.NewOtelTracer(nil), noShutdown, nil
	case "otlp":
		provider, err := newTracerProvider(ctx, cfg, version)
		if err != nil {
			return nil, nil, err
		}
		return core.NewOtelTracer(provider), provider.Shutdown, nil
	default:
		return nil, nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}

func newTracerProvider(ctx context.Context, cfg config.Trace, version string) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(stripScheme(cfg.Endpoint))}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	)
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRate))),
	), nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// stripScheme turns http://host:4318 into host:4318; the exporter wants a bare endpoint.
func stripScheme(endpoint string) string {
	for _, scheme := range []string{"http://", "https://"} {
		endpoint = strings.TrimPrefix(endpoint, scheme)
	}
	return strings.TrimSuffix(endpoint, "/")
}
