// Package observability wires OpenTelemetry metrics and tracing for the
// gateway: a Prometheus-exported meter, an optional OTLP tracer, and HTTP
// middleware that feeds both.
package observability

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kadirpekel/relay/pkg/config"
)

type Manager struct {
	cfg            config.ObservabilityConfig
	tracerProvider trace.TracerProvider
	metrics        Metrics
	mu             sync.RWMutex
}

// NewManager builds an uninitialized manager. Until Initialize runs (or when
// the config is disabled) the tracer and metrics are no-ops.
func NewManager(cfg config.ObservabilityConfig) *Manager {
	cfg.SetDefaults()
	return &Manager{
		cfg:            cfg,
		tracerProvider: noop.NewTracerProvider(),
		metrics:        &PrometheusMetrics{},
	}
}

// NoopManager returns a manager that records nothing. Use when observability
// is disabled outright.
func NoopManager() *Manager {
	return NewManager(config.ObservabilityConfig{})
}

func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.IsEnabled() {
		return nil
	}

	tp, err := InitGlobalTracer(ctx, m.cfg)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	if config.BoolValue(m.cfg.Metrics.Enabled, true) {
		metrics, err := InitMetrics(ctx, m.cfg.ServiceName)
		if err != nil {
			return err
		}
		m.metrics = metrics
	}

	SetGlobalMetrics(m.metrics)
	return nil
}

func (m *Manager) Tracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracerProvider.Tracer(name)
}

func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// MetricsEnabled reports whether the Prometheus endpoint should be mounted.
func (m *Manager) MetricsEnabled() bool {
	return m.cfg.IsEnabled() && config.BoolValue(m.cfg.Metrics.Enabled, true)
}

// MetricsPath is the exposition endpoint path, "/metrics" by default.
func (m *Manager) MetricsPath() string {
	return m.cfg.Metrics.Path
}

// MetricsHandler serves the Prometheus exposition format. The otel exporter
// registers with the default registry, so the stock promhttp handler works.
func (m *Manager) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Middleware records a span and HTTP metrics around each request.
func (m *Manager) Middleware() func(http.Handler) http.Handler {
	return HTTPMiddleware(m.Tracer(DefaultServiceName), m.Metrics())
}

func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if spt, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		return spt.Shutdown(ctx)
	}
	return nil
}
