package generator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/bilisim1995/mevzuatgpt-server-sub000/internal/generator"

// OpenAIConfig configures the OpenAI chat provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAI is the OpenAI chat-completion provider.
type OpenAI struct {
	client *openai.Client
	model  string
	tracer trace.Tracer
}

// NewOpenAI creates the provider.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("generator: openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// Name identifies the provider.
func (o *OpenAI) Name() string { return "openai" }

// Complete generates text through the chat completions API.
func (o *OpenAI) Complete(ctx context.Context, systemPrompt, userPrompt string, opts Options) (*Completion, error) {
	ctx, span := o.tracer.Start(ctx, "generator.openai")
	defer span.End()
	span.SetAttributes(attribute.String("model", o.model))

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("generator: openai returned no choices")
	}

	span.SetAttributes(
		attribute.Int("tokens_in", resp.Usage.PromptTokens),
		attribute.Int("tokens_out", resp.Usage.CompletionTokens),
	)
	return &Completion{
		Text:      resp.Choices[0].Message.Content,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}, nil
}

// classifyOpenAI maps upstream outages and throttling to ErrUnavailable so
// the composer fails over; everything else is terminal.
func classifyOpenAI(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return fmt.Errorf("generator: openai request failed: %w", err)
}

var _ Provider = (*OpenAI)(nil)
