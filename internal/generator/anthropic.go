package generator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AnthropicConfig configures the Anthropic messages provider.
type AnthropicConfig struct {
	APIKey string
	Model  string
}

// Anthropic is the Anthropic messages provider, used as the failover.
type Anthropic struct {
	client anthropic.Client
	model  anthropic.Model
	tracer trace.Tracer
}

// NewAnthropic creates the provider.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("generator: anthropic api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-haiku-latest"
	}

	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  anthropic.Model(cfg.Model),
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// Name identifies the provider.
func (a *Anthropic) Name() string { return "anthropic" }

// Complete generates text through the messages API.
func (a *Anthropic) Complete(ctx context.Context, systemPrompt, userPrompt string, opts Options) (*Completion, error) {
	ctx, span := a.tracer.Start(ctx, "generator.anthropic")
	defer span.End()
	span.SetAttributes(attribute.String("model", string(a.model)))

	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       a.model,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(float64(opts.Temperature)),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, classifyAnthropic(err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}

	span.SetAttributes(
		attribute.Int64("tokens_in", msg.Usage.InputTokens),
		attribute.Int64("tokens_out", msg.Usage.OutputTokens),
	)
	return &Completion{
		Text:      b.String(),
		TokensIn:  int(msg.Usage.InputTokens),
		TokensOut: int(msg.Usage.OutputTokens),
	}, nil
}

// classifyAnthropic maps upstream outages and throttling to ErrUnavailable.
func classifyAnthropic(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable,
			529: // anthropic "overloaded"
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return fmt.Errorf("generator: anthropic request failed: %w", err)
}

var _ Provider = (*Anthropic)(nil)
