package config

import (
	"strings"
	"testing"
)

// validConfig returns a Config that passes Validate after defaults.
func validConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Postgres.DSN = "postgres://localhost/mevzuat"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}, wantErr: ""},
		{
			name:    "port too large",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "invalid server port",
		},
		{
			name:    "missing dsn",
			mutate:  func(c *Config) { c.Postgres.DSN = "" },
			wantErr: "postgres dsn is required",
		},
		{
			name:    "zero dimensions",
			mutate:  func(c *Config) { c.Embedding.Dimensions = -1 },
			wantErr: "embedding dimensions",
		},
		{
			name:    "default_k above max_k",
			mutate:  func(c *Config) { c.Retrieval.DefaultK = 21 },
			wantErr: "default_k",
		},
		{
			name:    "threshold above one",
			mutate:  func(c *Config) { c.Retrieval.DefaultThreshold = 1.5 },
			wantErr: "default_threshold",
		},
		{
			name:    "oversample zero",
			mutate:  func(c *Config) { c.Retrieval.Oversample = -1 },
			wantErr: "oversample",
		},
		{
			name:    "overlap not below target",
			mutate:  func(c *Config) { c.Chunking.OverlapChars = c.Chunking.TargetChars },
			wantErr: "overlap_chars",
		},
		{
			name:    "min above target",
			mutate:  func(c *Config) { c.Chunking.MinChars = c.Chunking.TargetChars + 1 },
			wantErr: "min_chars",
		},
		{
			name:    "negative grant",
			mutate:  func(c *Config) { c.Credits.InitialGrant = -5 },
			wantErr: "credit amounts",
		},
		{
			name:    "parallelism zero",
			mutate:  func(c *Config) { c.Ingest.Parallelism = -2 },
			wantErr: "parallelism",
		},
		{
			name:    "bad otlp protocol",
			mutate:  func(c *Config) { c.Observability.OTLPProtocol = "udp" },
			wantErr: "otlp protocol",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMaxFileSizeBytes(t *testing.T) {
	c := IngestConfig{MaxFileSizeMB: 100}
	if got := c.MaxFileSizeBytes(); got != 100*1024*1024 {
		t.Errorf("MaxFileSizeBytes() = %d, want %d", got, 100*1024*1024)
	}
}
