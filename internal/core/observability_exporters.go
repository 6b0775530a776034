package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// MetricsRecorder observes the outcome of service operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// TransitionRecorder is implemented by recorders that also count retest
// status transitions.
type TransitionRecorder interface {
	ObserveTransition(from, to RetestStatus)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan ends a span with the operation's error, if any.
type TraceSpan interface {
	End(err error)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// PrometheusMetricsRecorder exports operation latency, results, and retest
// status transitions.
type PrometheusMetricsRecorder struct {
	duration    *prometheus.HistogramVec
	results     *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

// NewPrometheusMetricsRecorder registers the labqc collectors on reg. A nil
// registerer uses the default registry.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) *PrometheusMetricsRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusMetricsRecorder{
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "labqc",
				Subsystem: "service",
				Name:      "operation_duration_seconds",
				Help:      "Duration of service operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		// Labels: operation, result (success, error)
		results: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "labqc",
				Subsystem: "service",
				Name:      "operations_total",
				Help:      "Total number of service operations by result",
			},
			[]string{"operation", "result"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "labqc",
				Subsystem: "retest",
				Name:      "transitions_total",
				Help:      "Total number of retest request status transitions",
			},
			[]string{"from", "to"},
		),
	}
}

// Observe records a service operation outcome.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	result := "error"
	if success {
		result = "success"
	}
	r.duration.WithLabelValues(operation).Observe(duration.Seconds())
	r.results.WithLabelValues(operation, result).Inc()
}

// ObserveTransition counts a retest status change.
func (r *PrometheusMetricsRecorder) ObserveTransition(from, to RetestStatus) {
	r.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// ZapTracer emits each span as a debug log entry, or a warning when it failed.
type ZapTracer struct {
	logger *zap.Logger
}

// NewZapTracer constructs a tracer writing to logger.
func NewZapTracer(logger *zap.Logger) *ZapTracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapTracer{logger: logger.Named("trace")}
}

// Start implements Tracer.
func (t *ZapTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &zapSpan{logger: t.logger, operation: operation, started: time.Now()}
}

type zapSpan struct {
	logger    *zap.Logger
	operation string
	started   time.Time
}

func (s *zapSpan) End(err error) {
	fields := []zap.Field{
		zap.String("operation", s.operation),
		zap.Duration("duration", time.Since(s.started)),
	}
	if err != nil {
		s.logger.Warn("span failed", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Debug("span", fields...)
}

const otelInstrumentation = "labqc/internal/core"

// OtelTracer records service operations as OpenTelemetry spans.
type OtelTracer struct {
	tracer trace.Tracer
}

// NewOtelTracer builds a tracer from provider. A nil provider records nothing.
func NewOtelTracer(provider trace.TracerProvider) *OtelTracer {
	if provider == nil {
		provider = noop.NewTracerProvider()
	}
	return &OtelTracer{tracer: provider.Tracer(otelInstrumentation)}
}

// Start implements Tracer.
func (t *OtelTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	ctx, span := t.tracer.Start(ctx, "labqc."+operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("labqc.operation", operation)),
	)
	return ctx, otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}
