// Package observability wires the Provider Layer's ambient metrics and
// tracing: Prometheus counters/histograms registered on an injectable
// registry, and an OpenTelemetry tracer wrapping each adapter call
// (§2.1 ambient stack). Adapters and the resilience wrapper report
// through Metrics; nothing in this package talks to a specific backend.
package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/inherent-design/atlas-sub002/providers"

// Metrics is the Provider Layer's Prometheus instrument set, scoped to
// the three counters/histograms SPEC_FULL names explicitly:
// atlas_provider_requests_total, atlas_provider_request_duration_seconds,
// atlas_circuit_breaker_state.
type Metrics struct {
	tracer trace.Tracer
	meter  metric.Meter

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec

	tokenTotal metric.Int64Counter
}

// NewMetrics registers the Provider Layer's instruments on registry. A
// nil registry uses prometheus.DefaultRegisterer, matching promauto's own
// default — pass a dedicated *prometheus.Registry in tests or whenever
// multiple ResilientProvider instances must not collide on global
// registration.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	meter := otel.Meter(instrumentationName)

	tokenTotal, _ := meter.Int64Counter("atlas.provider.tokens.total",
		metric.WithDescription("Total tokens consumed across provider calls"),
		metric.WithUnit("{token}"))

	return &Metrics{
		tracer:     otel.Tracer(instrumentationName),
		meter:      meter,
		tokenTotal: tokenTotal,

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atlas",
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Total provider requests, labeled by provider, operation, and outcome.",
		}, []string{"provider", "operation", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "atlas",
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "Provider call latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider", "operation"}),

		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "atlas",
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Circuit breaker state per provider: 0=closed, 1=open, 2=half_open.",
		}, []string{"provider"}),
	}
}

// InitProvider installs the process-wide OTel SDK providers: a meter
// provider with the given readers (a Prometheus bridge reader, typically)
// and a tracer provider that records but, absent an exporter, never
// exports spans. Call once at startup before constructing any Metrics;
// returns a shutdown func to flush both providers on exit.
func InitProvider(traceExporter sdktrace.SpanExporter, metricReaders ...sdkmetric.Reader) (shutdown func(context.Context) error) {
	metricOpts := make([]sdkmetric.Option, 0, len(metricReaders))
	for _, r := range metricReaders {
		metricOpts = append(metricOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(metricOpts...)
	otel.SetMeterProvider(mp)

	tpOpts := []sdktrace.TracerProviderOption{}
	if traceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(traceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return err
		}
		return mp.Shutdown(ctx)
	}
}

// Operation names the call being instrumented, for the "operation" label.
type Operation string

const (
	OpGenerate        Operation = "generate"
	OpStream          Operation = "stream"
	OpValidateAPIKey  Operation = "validate_api_key"
	OpAvailableModels Operation = "available_models"
)

// StartSpan opens a span named "atlas.provider.<operation>" tagged with
// provider and model, returning the derived context the caller should
// propagate into the adapter call.
func (m *Metrics) StartSpan(ctx context.Context, provider, model string, op Operation) (context.Context, trace.Span) {
	if m == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, "atlas.provider."+string(op), trace.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	))
}

// RecordCall records one completed provider call's duration and outcome,
// and ends span. err is nil for a successful call.
func (m *Metrics) RecordCall(span trace.Span, provider string, op Operation, duration time.Duration, err error) {
	defer span.End()
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
	}
	m.requestsTotal.WithLabelValues(provider, string(op), status).Inc()
	m.requestDuration.WithLabelValues(provider, string(op)).Observe(duration.Seconds())
}

// RecordTokenUsage adds inputTokens+outputTokens to the OTel token counter,
// tagged by provider and model. Safe to call with a zero usage.
func (m *Metrics) RecordTokenUsage(ctx context.Context, provider, model string, inputTokens, outputTokens int) {
	if m == nil || m.tokenTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	)
	m.tokenTotal.Add(ctx, int64(inputTokens+outputTokens), attrs)
}

// breakerStateValue maps a circuit breaker state to the gauge's
// documented 0/1/2 encoding. Takes an int rather than circuitbreaker.State,
// so this package does not import circuitbreaker.
func breakerStateValue(state int) float64 { return float64(state) }

// SetBreakerState publishes provider's current circuit breaker state,
// using circuitbreaker.State's own iota ordering (closed=0, open=1,
// half_open=2, matching circuitbreaker.StateClosed/StateOpen/
// StateHalfOpen) as the gauge value.
func (m *Metrics) SetBreakerState(provider string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(provider).Set(breakerStateValue(state))
}
