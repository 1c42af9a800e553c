package embed

import (
	"errors"
	"net/http"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	rateLimited := &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}
	assert.True(t, errors.Is(classify(rateLimited), ErrRateLimited))

	badInput := &openai.APIError{HTTPStatusCode: http.StatusBadRequest}
	assert.True(t, errors.Is(classify(badInput), ErrInvalidInput))

	serverErr := &openai.APIError{HTTPStatusCode: http.StatusInternalServerError}
	err := classify(serverErr)
	assert.False(t, errors.Is(err, ErrRateLimited))
	assert.False(t, errors.Is(err, ErrInvalidInput))

	plain := classify(errors.New("conn refused"))
	assert.False(t, errors.Is(plain, ErrRateLimited))
}

func TestCollectValidatesDimensions(t *testing.T) {
	o := &OpenAI{config: OpenAIConfig{Dimensions: 3}}

	resp := openai.EmbeddingResponse{Data: []openai.Embedding{
		{Index: 1, Embedding: []float32{4, 5, 6}},
		{Index: 0, Embedding: []float32{1, 2, 3}},
	}}
	vecs, err := o.collect(resp, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, vecs[0], "vectors reordered by response index")
	assert.Equal(t, []float32{4, 5, 6}, vecs[1])

	short := openai.EmbeddingResponse{Data: []openai.Embedding{
		{Index: 0, Embedding: []float32{1, 2}},
	}}
	_, err = o.collect(short, 1)
	assert.True(t, errors.Is(err, ErrDimensionMismatch))

	missing := openai.EmbeddingResponse{Data: []openai.Embedding{
		{Index: 0, Embedding: []float32{1, 2, 3}},
	}}
	_, err = o.collect(missing, 2)
	assert.Error(t, err)
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{}, nil)
	assert.Error(t, err)

	e, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1536, e.Dimensions())
	assert.Equal(t, string(openai.SmallEmbedding3), e.Model())
}
