package embed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/logging"
)

const instrumentationName = "github.com/bilisim1995/mevzuatgpt-server-sub000/internal/embed"

// OpenAIConfig configures the OpenAI embedding client.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string

	// Model is the embedding model name.
	Model string

	// Dimensions is the vector width the index was created with. Responses
	// of any other width fail with ErrDimensionMismatch.
	Dimensions int

	// BatchSize caps texts per API request; larger inputs are split.
	BatchSize int

	// RequestsPerMinute throttles API calls; 0 disables throttling.
	RequestsPerMinute int

	// MaxRetries bounds retries of rate-limited requests.
	MaxRetries int

	// RetryBackoff is the initial backoff; it doubles per attempt.
	RetryBackoff time.Duration
}

func (c *OpenAIConfig) applyDefaults() {
	if c.Model == "" {
		c.Model = string(openai.SmallEmbedding3)
	}
	if c.Dimensions == 0 {
		c.Dimensions = 1536
	}
	if c.BatchSize == 0 {
		c.BatchSize = 64
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
}

// OpenAI is the OpenAI implementation of Embedder.
type OpenAI struct {
	client  *openai.Client
	config  OpenAIConfig
	limiter *rate.Limiter
	logger  *logging.Logger
	tracer  trace.Tracer
}

// NewOpenAI creates the embedder.
func NewOpenAI(cfg OpenAIConfig, logger *logging.Logger) (*OpenAI, error) {
	cfg.applyDefaults()
	if cfg.APIKey == "" {
		return nil, errors.New("embed: api key is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute/10+1)
	}

	return &OpenAI{
		client:  openai.NewClientWithConfig(clientCfg),
		config:  cfg,
		limiter: limiter,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
	}, nil
}

// Dimensions is the configured vector width.
func (o *OpenAI) Dimensions() int { return o.config.Dimensions }

// Model is the configured model name.
func (o *OpenAI) Model() string { return o.config.Model }

// EmbedOne embeds a single text.
func (o *OpenAI) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in order, splitting into API batches of at most
// BatchSize. A failed sub-batch fails the whole call; the caller retries
// at its own granularity.
func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := o.tracer.Start(ctx, "embed.batch")
	defer span.End()
	span.SetAttributes(
		attribute.Int("texts", len(texts)),
		attribute.String("model", o.config.Model),
	)

	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if t == "" {
			return nil, fmt.Errorf("%w: empty text at index %d", ErrInvalidInput, i)
		}
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += o.config.BatchSize {
		end := min(start+o.config.BatchSize, len(texts))
		vecs, err := o.embedGroup(ctx, texts[start:end])
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// embedGroup performs one API request with rate limiting and retry on 429.
func (o *OpenAI) embedGroup(ctx context.Context, texts []string) ([][]float32, error) {
	backoff := o.config.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= o.config.MaxRetries; attempt++ {
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input:      texts,
			Model:      openai.EmbeddingModel(o.config.Model),
			Dimensions: o.config.Dimensions,
		})
		if err == nil {
			return o.collect(resp, len(texts))
		}

		lastErr = classify(err)
		if !errors.Is(lastErr, ErrRateLimited) || attempt == o.config.MaxRetries {
			return nil, lastErr
		}

		o.logger.Warn(ctx, "embedding request rate limited, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil, lastErr
}

// collect validates and orders the response vectors.
func (o *OpenAI) collect(resp openai.EmbeddingResponse, want int) ([][]float32, error) {
	if len(resp.Data) != want {
		return nil, fmt.Errorf("embed: expected %d vectors, got %d", want, len(resp.Data))
	}
	vecs := make([][]float32, want)
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= want {
			return nil, fmt.Errorf("embed: response index %d out of range", d.Index)
		}
		if len(d.Embedding) != o.config.Dimensions {
			return nil, fmt.Errorf("%w: expected %d, got %d",
				ErrDimensionMismatch, o.config.Dimensions, len(d.Embedding))
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// classify translates provider errors into the package sentinels.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	return fmt.Errorf("embed: request failed: %w", err)
}

var _ Embedder = (*OpenAI)(nil)
