package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/logging"
)

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	// Failures is the consecutive-failure count that opens the breaker.
	Failures uint32

	// Cooldown is how long the breaker stays open before probing again.
	Cooldown time.Duration
}

func (c *BreakerConfig) applyDefaults() {
	if c.Failures == 0 {
		c.Failures = 3
	}
	if c.Cooldown == 0 {
		c.Cooldown = 30 * time.Second
	}
}

// Breaker wraps a Provider with a circuit breaker. While the breaker is
// open, calls fail immediately with ErrUnavailable so the composer moves
// to the next provider without waiting out the request timeout.
type Breaker struct {
	provider Provider
	cb       *gobreaker.CircuitBreaker
	logger   *logging.Logger
}

// NewBreaker wraps the provider.
func NewBreaker(provider Provider, cfg BreakerConfig, logger *logging.Logger) *Breaker {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}

	b := &Breaker{provider: provider, logger: logger}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    provider.Name(),
		Timeout: cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "generator breaker state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return b
}

// Name identifies the wrapped provider.
func (b *Breaker) Name() string { return b.provider.Name() }

// Complete delegates through the breaker.
func (b *Breaker) Complete(ctx context.Context, systemPrompt, userPrompt string, opts Options) (*Completion, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return b.provider.Complete(ctx, systemPrompt, userPrompt, opts)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: breaker open for %s", ErrUnavailable, b.provider.Name())
		}
		return nil, err
	}
	return result.(*Completion), nil
}

var _ Provider = (*Breaker)(nil)
