// Package embed computes dense vectors for passages and queries.
//
// The embedder enforces the system-wide vector dimension: any response
// vector of a different width is an invariant violation, never silently
// accepted, because the index was created with a fixed width.
package embed

import (
	"context"
	"errors"
)

// Failure sentinels. RateLimited is retryable; InvalidInput and
// DimensionMismatch are terminal for the text in question.
var (
	ErrRateLimited       = errors.New("embed: provider rate limited")
	ErrInvalidInput      = errors.New("embed: input rejected by provider")
	ErrDimensionMismatch = errors.New("embed: vector dimension mismatch")
)

// Embedder is the embedding capability.
type Embedder interface {
	// EmbedOne embeds a single text.
	EmbedOne(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in order. The result has one vector per
	// input text.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the vector width this embedder produces.
	Dimensions() int

	// Model names the embedding model, used in cache keys so a model
	// change never replays stale vectors.
	Model() string
}
