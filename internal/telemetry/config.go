// Package telemetry manages OpenTelemetry tracer and meter providers.
//
// Telemetry failures never crash the service; initialization errors leave a
// degraded instance whose Tracer and Meter methods return no-op
// implementations from the global providers.
package telemetry

import (
	"fmt"
	"time"
)

// Config holds telemetry initialization settings.
type Config struct {
	// Enabled turns telemetry on. When false, New returns a no-op instance.
	Enabled bool

	// ServiceName identifies this service in traces and metrics.
	ServiceName string

	// ServiceVersion is stamped on the resource.
	ServiceVersion string

	// Endpoint is the OTLP collector host:port. Empty disables export even
	// when Enabled is true.
	Endpoint string

	// Protocol selects the OTLP transport: grpc or http.
	Protocol string

	// Insecure disables TLS on the exporter connection.
	Insecure bool

	// SampleRate is the trace sampling ratio in [0,1]. 1 samples everything.
	SampleRate float64

	// ExportInterval is the metric push period.
	ExportInterval time.Duration

	// ShutdownTimeout bounds provider shutdown when the caller's context
	// has no deadline.
	ShutdownTimeout time.Duration
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.Enabled && c.ServiceName == "" {
		return fmt.Errorf("service name required when telemetry is enabled")
	}
	if c.Protocol == "" {
		c.Protocol = "grpc"
	}
	if c.Protocol != "grpc" && c.Protocol != "http" {
		return fmt.Errorf("invalid otlp protocol: %s", c.Protocol)
	}
	if c.SampleRate == 0 {
		c.SampleRate = 1.0
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate must be in [0,1], got %v", c.SampleRate)
	}
	if c.ExportInterval == 0 {
		c.ExportInterval = 30 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return nil
}
