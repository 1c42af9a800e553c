package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "disabled needs nothing", cfg: Config{}, wantErr: false},
		{name: "enabled without name", cfg: Config{Enabled: true}, wantErr: true},
		{name: "enabled with name", cfg: Config{Enabled: true, ServiceName: "mevzuatd"}, wantErr: false},
		{name: "bad protocol", cfg: Config{Enabled: true, ServiceName: "mevzuatd", Protocol: "udp"}, wantErr: true},
		{name: "bad sample rate", cfg: Config{Enabled: true, ServiceName: "mevzuatd", SampleRate: 2}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{Enabled: true, ServiceName: "mevzuatd"}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "grpc", cfg.Protocol)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.Equal(t, 30*time.Second, cfg.ExportInterval)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestNewDisabledIsNoop(t *testing.T) {
	tel, err := New(context.Background(), &Config{})
	require.NoError(t, err)
	require.NotNil(t, tel)

	// No providers, but Tracer and Meter must still hand back usable
	// no-op implementations.
	tracer := tel.Tracer("test")
	_, span := tracer.Start(context.Background(), "op")
	span.End()

	meter := tel.Meter("test")
	counter, err := meter.Int64Counter("ops")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	assert.False(t, tel.Degraded())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNewEnabledWithoutEndpointIsNoop(t *testing.T) {
	tel, err := New(context.Background(), &Config{Enabled: true, ServiceName: "mevzuatd"})
	require.NoError(t, err)
	assert.False(t, tel.Degraded())
	assert.NoError(t, tel.ForceFlush(context.Background()))
}

func TestNilTelemetryIsSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Degraded())
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
