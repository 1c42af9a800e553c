// Package config provides configuration loading for mevzuatd.
//
// Configuration is read from a YAML file, overridden by environment
// variables, then filled with defaults and validated. Secrets use the
// Secret type so they never appear in logs or serialized output.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete mevzuatd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Log           LogConfig           `koanf:"log"`
	Observability ObservabilityConfig `koanf:"observability"`
	Postgres      PostgresConfig      `koanf:"postgres"`
	Redis         RedisConfig         `koanf:"redis"`
	Queue         QueueConfig         `koanf:"queue"`
	Blob          BlobConfig          `koanf:"blob"`
	Extract       ExtractConfig       `koanf:"extract"`
	Embedding     EmbeddingConfig     `koanf:"embedding"`
	Generation    GenerationConfig    `koanf:"generation"`
	Qdrant        QdrantConfig        `koanf:"qdrant"`
	Retrieval     RetrievalConfig     `koanf:"retrieval"`
	Chunking      ChunkingConfig      `koanf:"chunking"`
	Credits       CreditsConfig       `koanf:"credits"`
	Ingest        IngestConfig        `koanf:"ingest"`
	Auth          AuthConfig          `koanf:"auth"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	RequestTimeout  Duration `koanf:"request_timeout"`
}

// LogConfig holds structured logging configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`
	// Format is json or console.
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	// OTLPEndpoint is host:port of the collector; empty disables export.
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	// OTLPProtocol is grpc or http.
	OTLPProtocol string `koanf:"otlp_protocol"`
}

// PostgresConfig holds the metadata store connection settings.
type PostgresConfig struct {
	// DSN is the full connection string. Treated as a secret because it
	// usually embeds a password.
	DSN            Secret `koanf:"dsn"`
	MaxConns       int32  `koanf:"max_conns"`
	MigrateOnStart bool   `koanf:"migrate_on_start"`
}

// RedisConfig holds cache connection settings and entry lifetimes.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password Secret `koanf:"password"`
	DB       int    `koanf:"db"`

	// AnswerTTL bounds how long a composed answer is replayed.
	AnswerTTL Duration `koanf:"answer_ttl"`
	// EmbeddingTTL bounds the query-embedding memo.
	EmbeddingTTL Duration `koanf:"embedding_ttl"`
	// MaintenanceTTL bounds the cached maintenance flag.
	MaintenanceTTL Duration `koanf:"maintenance_ttl"`
}

// QueueConfig holds the ingestion work queue settings.
type QueueConfig struct {
	URL        string `koanf:"url"`
	Stream     string `koanf:"stream"`
	Subject    string `koanf:"subject"`
	Durable    string `koanf:"durable"`
	MaxDeliver int    `koanf:"max_deliver"`
}

// BlobConfig holds the source-file object store settings.
type BlobConfig struct {
	Bucket string `koanf:"bucket"`
	Prefix string `koanf:"prefix"`
}

// ExtractConfig holds the Document AI processor settings.
type ExtractConfig struct {
	// ProcessorName is the full resource name:
	// projects/{p}/locations/{l}/processors/{id}.
	ProcessorName string `koanf:"processor_name"`
	// Endpoint overrides the regional API endpoint.
	Endpoint string `koanf:"endpoint"`
}

// EmbeddingConfig holds the embedding model settings. Dimensions is fixed
// per collection: changing it requires a re-index.
type EmbeddingConfig struct {
	APIKey  Secret `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	// Dimensions is the vector width the collection was created with.
	Dimensions int `koanf:"dimensions"`
	// BatchSize caps texts per embedding request.
	BatchSize int `koanf:"batch_size"`
	// RequestsPerMinute throttles calls to the embedding API; 0 disables.
	RequestsPerMinute int `koanf:"requests_per_minute"`
}

// GenerationConfig holds answer-generation provider settings. OpenAI is the
// primary provider; Anthropic is the failover.
type GenerationConfig struct {
	OpenAIAPIKey  Secret `koanf:"openai_api_key"`
	OpenAIModel   string `koanf:"openai_model"`
	OpenAIBaseURL string `koanf:"openai_base_url"`

	AnthropicAPIKey Secret `koanf:"anthropic_api_key"`
	AnthropicModel  string `koanf:"anthropic_model"`

	// Timeout bounds one generation call, not the whole failover chain.
	Timeout     Duration `koanf:"timeout"`
	MaxTokens   int      `koanf:"max_tokens"`
	Temperature float32  `koanf:"temperature"`

	// BreakerFailures consecutive failures open a provider's breaker for
	// BreakerCooldown.
	BreakerFailures int      `koanf:"breaker_failures"`
	BreakerCooldown Duration `koanf:"breaker_cooldown"`
}

// QdrantConfig holds vector index connection settings.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	APIKey     Secret `koanf:"api_key"`
	UseTLS     bool   `koanf:"use_tls"`
	Collection string `koanf:"collection"`
}

// RetrievalConfig holds query planning defaults and admission limits.
type RetrievalConfig struct {
	DefaultK         int     `koanf:"default_k"`
	MaxK             int     `koanf:"max_k"`
	DefaultThreshold float64 `koanf:"default_threshold"`
	// Oversample multiplies k for the index query before threshold and
	// dedupe filtering.
	Oversample         int `koanf:"oversample"`
	RateLimitPerMinute int `koanf:"rate_limit_per_minute"`
	MaxQueryChars      int `koanf:"max_query_chars"`
}

// ChunkingConfig holds passage segmentation parameters.
type ChunkingConfig struct {
	TargetChars  int `koanf:"target_chars"`
	OverlapChars int `koanf:"overlap_chars"`
	MinChars     int `koanf:"min_chars"`
	// MaxChars hard-caps one passage; single lines longer than this are
	// split so a passage always fits the embedding input window.
	MaxChars int `koanf:"max_chars"`
}

// CreditsConfig holds credit accounting parameters.
type CreditsConfig struct {
	CostPerAsk          int64 `koanf:"cost_per_ask"`
	InitialGrant        int64 `koanf:"initial_grant"`
	InitialGrantPremium int64 `koanf:"initial_grant_premium"`
}

// IngestConfig holds ingestion worker settings.
type IngestConfig struct {
	Parallelism int `koanf:"parallelism"`
	MaxAttempts int `koanf:"max_attempts"`
	// JobTimeout bounds one pipeline run for a single document.
	JobTimeout Duration `koanf:"job_timeout"`
	// StaleAfter is how long a document may sit in the processing state
	// before the sweeper re-queues it.
	StaleAfter    Duration `koanf:"stale_after"`
	SweepInterval Duration `koanf:"sweep_interval"`
	MaxFileSizeMB int      `koanf:"max_file_size_mb"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	// BootstrapAdminToken seeds a static admin credential on first start
	// so the first real admin account can be created. Empty disables it.
	BootstrapAdminToken Secret `koanf:"bootstrap_admin_token"`
	BootstrapAdminEmail string `koanf:"bootstrap_admin_email"`
}

// MaxFileSizeBytes returns the upload cap in bytes.
func (c IngestConfig) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

// Validate validates the configuration after defaults are applied.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	if c.Observability.OTLPProtocol != "grpc" && c.Observability.OTLPProtocol != "http" {
		return fmt.Errorf("invalid otlp protocol: %s (must be grpc or http)", c.Observability.OTLPProtocol)
	}

	if !c.Postgres.DSN.IsSet() {
		return errors.New("postgres dsn is required")
	}
	if c.Qdrant.Collection == "" {
		return errors.New("qdrant collection is required")
	}

	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Embedding.BatchSize < 1 {
		return fmt.Errorf("embedding batch size must be at least 1, got %d", c.Embedding.BatchSize)
	}

	if c.Retrieval.MaxK < 1 {
		return fmt.Errorf("retrieval max_k must be at least 1, got %d", c.Retrieval.MaxK)
	}
	if c.Retrieval.DefaultK < 1 || c.Retrieval.DefaultK > c.Retrieval.MaxK {
		return fmt.Errorf("retrieval default_k must be in 1..%d, got %d", c.Retrieval.MaxK, c.Retrieval.DefaultK)
	}
	if c.Retrieval.DefaultThreshold < 0 || c.Retrieval.DefaultThreshold > 1 {
		return fmt.Errorf("retrieval default_threshold must be in [0,1], got %v", c.Retrieval.DefaultThreshold)
	}
	if c.Retrieval.Oversample < 1 {
		return fmt.Errorf("retrieval oversample must be at least 1, got %d", c.Retrieval.Oversample)
	}

	if c.Chunking.TargetChars < 1 {
		return fmt.Errorf("chunking target_chars must be positive, got %d", c.Chunking.TargetChars)
	}
	if c.Chunking.OverlapChars < 0 || c.Chunking.OverlapChars >= c.Chunking.TargetChars {
		return fmt.Errorf("chunking overlap_chars must be in [0,target), got %d", c.Chunking.OverlapChars)
	}
	if c.Chunking.MinChars < 1 || c.Chunking.MinChars > c.Chunking.TargetChars {
		return fmt.Errorf("chunking min_chars must be in 1..target, got %d", c.Chunking.MinChars)
	}
	if c.Chunking.MaxChars < c.Chunking.TargetChars {
		return fmt.Errorf("chunking max_chars must be at least target_chars, got %d", c.Chunking.MaxChars)
	}

	if c.Credits.CostPerAsk < 0 || c.Credits.InitialGrant < 0 || c.Credits.InitialGrantPremium < 0 {
		return errors.New("credit amounts cannot be negative")
	}

	if c.Ingest.Parallelism < 1 {
		return fmt.Errorf("ingest parallelism must be at least 1, got %d", c.Ingest.Parallelism)
	}
	if c.Ingest.MaxAttempts < 1 {
		return fmt.Errorf("ingest max_attempts must be at least 1, got %d", c.Ingest.MaxAttempts)
	}
	if c.Ingest.MaxFileSizeMB < 1 {
		return fmt.Errorf("ingest max_file_size_mb must be at least 1, got %d", c.Ingest.MaxFileSizeMB)
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = Duration(60 * time.Second)
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "mevzuatd"
	}
	if cfg.Observability.OTLPProtocol == "" {
		cfg.Observability.OTLPProtocol = "grpc"
	}

	if cfg.Postgres.MaxConns == 0 {
		cfg.Postgres.MaxConns = 8
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.AnswerTTL == 0 {
		cfg.Redis.AnswerTTL = Duration(30 * time.Minute)
	}
	if cfg.Redis.EmbeddingTTL == 0 {
		cfg.Redis.EmbeddingTTL = Duration(time.Hour)
	}
	if cfg.Redis.MaintenanceTTL == 0 {
		cfg.Redis.MaintenanceTTL = Duration(30 * time.Second)
	}

	if cfg.Queue.URL == "" {
		cfg.Queue.URL = "nats://localhost:4222"
	}
	if cfg.Queue.Stream == "" {
		cfg.Queue.Stream = "INGEST"
	}
	if cfg.Queue.Subject == "" {
		cfg.Queue.Subject = "ingest.document"
	}
	if cfg.Queue.Durable == "" {
		cfg.Queue.Durable = "ingest-workers"
	}
	if cfg.Queue.MaxDeliver == 0 {
		cfg.Queue.MaxDeliver = 5
	}

	if cfg.Blob.Prefix == "" {
		cfg.Blob.Prefix = "documents"
	}

	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 1536
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 64
	}
	if cfg.Embedding.RequestsPerMinute == 0 {
		cfg.Embedding.RequestsPerMinute = 600
	}

	if cfg.Generation.OpenAIModel == "" {
		cfg.Generation.OpenAIModel = "gpt-4o-mini"
	}
	if cfg.Generation.AnthropicModel == "" {
		cfg.Generation.AnthropicModel = "claude-3-5-haiku-latest"
	}
	if cfg.Generation.Timeout == 0 {
		cfg.Generation.Timeout = Duration(30 * time.Second)
	}
	if cfg.Generation.MaxTokens == 0 {
		cfg.Generation.MaxTokens = 1024
	}
	if cfg.Generation.BreakerFailures == 0 {
		cfg.Generation.BreakerFailures = 3
	}
	if cfg.Generation.BreakerCooldown == 0 {
		cfg.Generation.BreakerCooldown = Duration(30 * time.Second)
	}

	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = "localhost"
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = 6334
	}
	if cfg.Qdrant.Collection == "" {
		cfg.Qdrant.Collection = "passages"
	}

	if cfg.Retrieval.DefaultK == 0 {
		cfg.Retrieval.DefaultK = 5
	}
	if cfg.Retrieval.MaxK == 0 {
		cfg.Retrieval.MaxK = 20
	}
	if cfg.Retrieval.DefaultThreshold == 0 {
		cfg.Retrieval.DefaultThreshold = 0.70
	}
	if cfg.Retrieval.Oversample == 0 {
		cfg.Retrieval.Oversample = 2
	}
	if cfg.Retrieval.RateLimitPerMinute == 0 {
		cfg.Retrieval.RateLimitPerMinute = 30
	}
	if cfg.Retrieval.MaxQueryChars == 0 {
		cfg.Retrieval.MaxQueryChars = 1000
	}

	if cfg.Chunking.TargetChars == 0 {
		cfg.Chunking.TargetChars = 1200
	}
	if cfg.Chunking.OverlapChars == 0 {
		cfg.Chunking.OverlapChars = 200
	}
	if cfg.Chunking.MinChars == 0 {
		cfg.Chunking.MinChars = 300
	}
	if cfg.Chunking.MaxChars == 0 {
		cfg.Chunking.MaxChars = 6000
	}

	if cfg.Credits.CostPerAsk == 0 {
		cfg.Credits.CostPerAsk = 1
	}
	if cfg.Credits.InitialGrant == 0 {
		cfg.Credits.InitialGrant = 30
	}
	if cfg.Credits.InitialGrantPremium == 0 {
		cfg.Credits.InitialGrantPremium = 300
	}

	if cfg.Ingest.Parallelism == 0 {
		cfg.Ingest.Parallelism = 1
	}
	if cfg.Ingest.MaxAttempts == 0 {
		cfg.Ingest.MaxAttempts = 3
	}
	if cfg.Ingest.JobTimeout == 0 {
		cfg.Ingest.JobTimeout = Duration(10 * time.Minute)
	}
	if cfg.Ingest.StaleAfter == 0 {
		cfg.Ingest.StaleAfter = Duration(15 * time.Minute)
	}
	if cfg.Ingest.SweepInterval == 0 {
		cfg.Ingest.SweepInterval = Duration(5 * time.Minute)
	}
	if cfg.Ingest.MaxFileSizeMB == 0 {
		cfg.Ingest.MaxFileSizeMB = 100
	}
}
