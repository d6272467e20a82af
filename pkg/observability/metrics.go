package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics records gateway-level measurements. An uninitialized
// *PrometheusMetrics satisfies it as a no-op, so callers never guard.
type Metrics interface {
	RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, reqSize, respSize int64)
	RecordUpstreamCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordContinuation(ctx context.Context, reason string, rounds int)
	RecordRouteDecision(ctx context.Context, requested, target string, degraded bool)
	RecordHistoryCompression(ctx context.Context, strategy string, savedChars int)
}

type PrometheusMetrics struct {
	httpDuration      metric.Float64Histogram
	httpRequestsTotal metric.Int64Counter

	upstreamDuration    metric.Float64Histogram
	upstreamInputTokens metric.Int64Counter
	upstreamOutputToks  metric.Int64Counter
	upstreamErrorsTotal metric.Int64Counter

	continuationsTotal metric.Int64Counter
	continuationRounds metric.Float64Histogram

	routeDecisionsTotal metric.Int64Counter

	historySavedChars metric.Int64Counter
}

func InitMetrics(ctx context.Context, serviceName string) (*PrometheusMetrics, error) {
	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter(serviceName)

	m := &PrometheusMetrics{}

	m.httpDuration, err = meter.Float64Histogram(
		"relay_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	m.httpRequestsTotal, err = meter.Int64Counter(
		"relay_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	m.upstreamDuration, err = meter.Float64Histogram(
		"relay_upstream_request_duration_seconds",
		metric.WithDescription("Upstream request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream duration histogram: %w", err)
	}

	m.upstreamInputTokens, err = meter.Int64Counter(
		"relay_upstream_tokens_input_total",
		metric.WithDescription("Total input tokens sent upstream"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream input tokens counter: %w", err)
	}

	m.upstreamOutputToks, err = meter.Int64Counter(
		"relay_upstream_tokens_output_total",
		metric.WithDescription("Total output tokens received from upstream"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream output tokens counter: %w", err)
	}

	m.upstreamErrorsTotal, err = meter.Int64Counter(
		"relay_upstream_errors_total",
		metric.WithDescription("Total upstream errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream errors counter: %w", err)
	}

	m.continuationsTotal, err = meter.Int64Counter(
		"relay_continuations_total",
		metric.WithDescription("Total responses that needed continuation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create continuations counter: %w", err)
	}

	m.continuationRounds, err = meter.Float64Histogram(
		"relay_continuation_rounds",
		metric.WithDescription("Continuation rounds per truncated response"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create continuation rounds histogram: %w", err)
	}

	m.routeDecisionsTotal, err = meter.Int64Counter(
		"relay_route_decisions_total",
		metric.WithDescription("Total routing decisions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create route decisions counter: %w", err)
	}

	m.historySavedChars, err = meter.Int64Counter(
		"relay_history_saved_chars_total",
		metric.WithDescription("Total characters removed by history compression"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create history saved chars counter: %w", err)
	}

	return m, nil
}

func (m *PrometheusMetrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, reqSize, respSize int64) {
	if m == nil || m.httpDuration == nil || m.httpRequestsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("path", path),
	}

	m.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		append(attrs, attribute.Int("status", status))...))
}

func (m *PrometheusMetrics) RecordUpstreamCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.upstreamDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
	}

	m.upstreamDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if inputTokens > 0 && m.upstreamInputTokens != nil {
		m.upstreamInputTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(attrs...))
	}
	if outputTokens > 0 && m.upstreamOutputToks != nil {
		m.upstreamOutputToks.Add(ctx, int64(outputTokens), metric.WithAttributes(attrs...))
	}
	if err != nil && m.upstreamErrorsTotal != nil {
		m.upstreamErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordContinuation(ctx context.Context, reason string, rounds int) {
	if m == nil || m.continuationsTotal == nil || m.continuationRounds == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("reason", reason),
	}

	m.continuationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.continuationRounds.Record(ctx, float64(rounds), metric.WithAttributes(attrs...))
}

func (m *PrometheusMetrics) RecordRouteDecision(ctx context.Context, requested, target string, degraded bool) {
	if m == nil || m.routeDecisionsTotal == nil {
		return
	}

	m.routeDecisionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("requested", requested),
		attribute.String("target", target),
		attribute.Bool("degraded", degraded),
	))
}

func (m *PrometheusMetrics) RecordHistoryCompression(ctx context.Context, strategy string, savedChars int) {
	if m == nil || m.historySavedChars == nil {
		return
	}

	if savedChars > 0 {
		m.historySavedChars.Add(ctx, int64(savedChars), metric.WithAttributes(
			attribute.String("strategy", strategy),
		))
	}
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	if globalMetrics == nil {
		return (*PrometheusMetrics)(nil)
	}
	return globalMetrics
}
