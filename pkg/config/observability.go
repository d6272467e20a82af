package config

import "fmt"

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// Enabled is the master switch; off means no-op metrics and tracer.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// ServiceName and ServiceVersion label exported telemetry.
	ServiceName    string `yaml:"service_name,omitempty" json:"service_name,omitempty"`
	ServiceVersion string `yaml:"service_version,omitempty" json:"service_version,omitempty"`

	Metrics MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	Tracing TracingConfig `yaml:"tracing,omitempty" json:"tracing,omitempty"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// OTLPEndpoint is the gRPC collector address.
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty"`

	// SampleRate is the trace sampling ratio (0.0-1.0).
	SampleRate float64 `yaml:"sample_rate,omitempty" json:"sample_rate,omitempty"`

	// Insecure disables TLS to the collector.
	Insecure *bool `yaml:"insecure,omitempty" json:"insecure,omitempty"`
}

// SetDefaults sets default values for ObservabilityConfig.
func (c *ObservabilityConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(false)
	}
	if c.ServiceName == "" {
		c.ServiceName = "relay"
	}
	if c.Metrics.Enabled == nil {
		c.Metrics.Enabled = BoolPtr(true)
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.Enabled == nil {
		c.Tracing.Enabled = BoolPtr(false)
	}
	if c.Tracing.OTLPEndpoint == "" {
		c.Tracing.OTLPEndpoint = "localhost:4317"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}
	if c.Tracing.Insecure == nil {
		c.Tracing.Insecure = BoolPtr(true)
	}
}

// Validate validates the ObservabilityConfig.
func (c *ObservabilityConfig) Validate() error {
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be 0.0-1.0, got %f", c.Tracing.SampleRate)
	}
	return nil
}

// IsEnabled returns true if observability is enabled.
func (c *ObservabilityConfig) IsEnabled() bool {
	return c != nil && c.Enabled != nil && *c.Enabled
}
