package composer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/apperr"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/generator"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/planner"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/scorer"
)

type stubProvider struct {
	name  string
	text  string
	err   error
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Complete(_ context.Context, _, _ string, _ generator.Options) (*generator.Completion, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &generator.Completion{Text: s.text, TokensIn: 100, TokensOut: 50}, nil
}

func samplePassages() []planner.RetrievedPassage {
	return []planner.RetrievedPassage{
		{
			DocumentID: uuid.New(),
			Title:      "Vergi Usul Kanunu",
			Page:       12,
			LineStart:  4,
			LineEnd:    9,
			Text:       "Ödeme süresi otuz gündür.",
			Similarity: 0.92,
		},
		{
			DocumentID: uuid.New(),
			Title:      "Tahsilat Genel Tebliği",
			Page:       3,
			LineStart:  1,
			LineEnd:    5,
			Text:       "Süre uzatımı başvuruya tabidir.",
			Similarity: 0.81,
		},
	}
}

func TestComposeHappyPath(t *testing.T) {
	primary := &stubProvider{name: "openai", text: "Ödeme süresi otuz gündür [#1]. Uzatma mümkündür [#2]."}
	c := New(primary, nil, Config{}, nil)

	res, err := c.Compose(context.Background(), "ödeme süresi nedir", samplePassages())
	require.NoError(t, err)

	assert.True(t, res.Generated)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, 100, res.TokensIn)
	assert.Equal(t, 50, res.TokensOut)
	require.Len(t, res.Citations, 2)
	assert.Equal(t, 1, res.Citations[0].Anchor)
	assert.Equal(t, "Vergi Usul Kanunu", res.Citations[0].Title)
	assert.Equal(t, 12, res.Citations[0].Page)
}

func TestComposeEmptyEvidenceSkipsProviders(t *testing.T) {
	primary := &stubProvider{name: "openai", text: "olmamalı"}
	c := New(primary, nil, Config{}, nil)

	res, err := c.Compose(context.Background(), "soru", nil)
	require.NoError(t, err)

	assert.False(t, res.Generated)
	assert.Contains(t, res.Answer, "yeterli bilgi bulunamadı")
	assert.Zero(t, primary.calls)
}

func TestComposeFailsOverOnce(t *testing.T) {
	primary := &stubProvider{name: "openai", err: generator.ErrUnavailable}
	fallback := &stubProvider{name: "anthropic", text: "Cevap [#1]."}
	c := New(primary, fallback, Config{}, nil)

	res, err := c.Compose(context.Background(), "soru", samplePassages())
	require.NoError(t, err)

	assert.Equal(t, "anthropic", res.Provider)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, fallback.calls)
}

func TestComposeBothProvidersFail(t *testing.T) {
	primary := &stubProvider{name: "openai", err: generator.ErrUnavailable}
	fallback := &stubProvider{name: "anthropic", err: generator.ErrUnavailable}
	c := New(primary, fallback, Config{ProviderTimeout: time.Second}, nil)

	_, err := c.Compose(context.Background(), "soru", samplePassages())
	require.Error(t, err)
	assert.Equal(t, apperr.KindGeneratorFailed, apperr.KindOf(err))
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, fallback.calls)
}

func TestResolveCitationsStripsHallucinated(t *testing.T) {
	passages := samplePassages()
	answer, citations := resolveCitations("Gerçek [#1] ve uydurma [#7] kaynak.", passages)

	assert.Equal(t, "Gerçek [#1] ve uydurma kaynak.", answer)
	require.Len(t, citations, 1)
	assert.Equal(t, 1, citations[0].Anchor)
}

func TestBuildUserPromptLayout(t *testing.T) {
	prompt := buildUserPrompt("ödeme süresi nedir", samplePassages())

	assert.Contains(t, prompt, "[#1] Vergi Usul Kanunu, sayfa 12:")
	assert.Contains(t, prompt, "[#2] Tahsilat Genel Tebliği, sayfa 3:")
	assert.Contains(t, prompt, "Soru: ödeme süresi nedir")
	// Best passage comes first.
	assert.Less(t, strings.Index(prompt, "[#1]"), strings.Index(prompt, "[#2]"))
}

func TestDecorate(t *testing.T) {
	answer := "Cevap metni."

	out, authoritative := Decorate(answer, scorer.Breakdown{})
	assert.Equal(t, answer, out)
	assert.True(t, authoritative)

	out, authoritative = Decorate(answer, scorer.Breakdown{CaveatNeeded: true})
	assert.Contains(t, out, "Uyarı:")
	assert.Contains(t, out, answer)
	assert.True(t, authoritative)

	out, authoritative = Decorate(answer, scorer.Breakdown{CaveatNeeded: true, InsufficientEvidence: true})
	assert.Contains(t, out, "Yetersiz kanıt:")
	assert.False(t, authoritative)
}
