// Package generator produces answer text from a prompt pair.
//
// Providers are interchangeable behind the Provider interface; each one is
// wrapped in a circuit breaker so a dead upstream short-circuits instead of
// burning the per-request timeout. Failover across providers is the
// composer's job, not the provider's.
package generator

import (
	"context"
	"errors"
)

// ErrUnavailable marks a provider that cannot answer right now: breaker
// open, timeout, rate limit or upstream outage. The composer falls over to
// the next provider on this error.
var ErrUnavailable = errors.New("generator: provider unavailable")

// Options tune one completion call.
type Options struct {
	MaxTokens   int
	Temperature float32
}

// Completion is the provider output with token accounting.
type Completion struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Provider is the answer-generation capability.
type Provider interface {
	// Name identifies the provider in logs and query metadata.
	Name() string

	// Complete generates text for the prompt pair.
	Complete(ctx context.Context, systemPrompt, userPrompt string, opts Options) (*Completion, error)
}
