package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/apperr"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/cache"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/vectorindex"
)

type stubEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (s *stubEmbedder) EmbedOne(context.Context, string) ([]float32, error) {
	s.calls++
	return s.vec, s.err
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, s.err
}

func (s *stubEmbedder) Dimensions() int { return len(s.vec) }
func (s *stubEmbedder) Model() string   { return "stub-embedding" }

type stubIndex struct {
	hits      []vectorindex.Hit
	err       error
	lastLimit int
	lastFilt  *vectorindex.Filter
}

func (s *stubIndex) EnsureCollection(context.Context) error { return nil }
func (s *stubIndex) Upsert(context.Context, []vectorindex.Passage) error {
	return nil
}

func (s *stubIndex) Search(_ context.Context, _ []float32, limit int, filter *vectorindex.Filter) ([]vectorindex.Hit, error) {
	s.lastLimit = limit
	s.lastFilt = filter
	return s.hits, s.err
}

func (s *stubIndex) DeleteByDocument(context.Context, uuid.UUID) error { return nil }
func (s *stubIndex) CountByDocument(context.Context, uuid.UUID) (int, error) {
	return len(s.hits), nil
}
func (s *stubIndex) HealthCheck(context.Context) error { return nil }
func (s *stubIndex) Close() error                      { return nil }

func testCoordinator(t *testing.T) *cache.Coordinator {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.NewRedisFromClient(client)
	return cache.NewCoordinator(c, cache.CoordinatorConfig{}, nil)
}

func hit(doc uuid.UUID, page int, score float64) vectorindex.Hit {
	return vectorindex.Hit{
		DocumentID: doc,
		Page:       page,
		Score:      score,
		Text:       "madde metni",
		Title:      "Vergi Usul Kanunu",
	}
}

func newPlanner(t *testing.T, emb *stubEmbedder, idx *stubIndex) *Planner {
	t.Helper()
	return New(emb, idx, testCoordinator(t), Config{}, nil)
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestNormalizeDefaults(t *testing.T) {
	p := newPlanner(t, &stubEmbedder{vec: []float32{1}}, &stubIndex{})

	plan, err := p.Normalize(Request{Query: "  Ödeme   SÜRESİ  "})
	require.NoError(t, err)
	assert.Equal(t, 5, plan.K)
	assert.InDelta(t, 0.70, plan.Threshold, 1e-9)
	assert.True(t, plan.UseCache)
	assert.Equal(t, "ödeme süresi", plan.Normalized)
	assert.NotEmpty(t, plan.Fingerprint)
}

func TestNormalizeRejectsBadInput(t *testing.T) {
	p := newPlanner(t, &stubEmbedder{vec: []float32{1}}, &stubIndex{})

	cases := []struct {
		name string
		req  Request
	}{
		{"empty query", Request{Query: "   "}},
		{"k too small", Request{Query: "soru", K: intPtr(0)}},
		{"k too large", Request{Query: "soru", K: intPtr(21)}},
		{"threshold negative", Request{Query: "soru", Threshold: floatPtr(-0.1)}},
		{"threshold above one", Request{Query: "soru", Threshold: floatPtr(1.1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Normalize(tc.req)
			require.Error(t, err)
			assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
		})
	}
}

func TestRetrieveOversamplesAndFilters(t *testing.T) {
	docA, docB := uuid.New(), uuid.New()
	idx := &stubIndex{hits: []vectorindex.Hit{
		hit(docA, 1, 0.95),
		hit(docA, 1, 0.90), // duplicate (doc, page), dropped
		hit(docB, 3, 0.80),
		hit(docA, 2, 0.50), // under threshold, dropped
	}}
	p := newPlanner(t, &stubEmbedder{vec: []float32{1, 2}}, idx)

	plan, err := p.Normalize(Request{Query: "ödeme süresi", K: intPtr(3), Threshold: floatPtr(0.70), Institution: "GİB"})
	require.NoError(t, err)

	passages, err := p.Retrieve(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, 6, idx.lastLimit) // k * oversample
	require.NotNil(t, idx.lastFilt)
	assert.Equal(t, "GİB", idx.lastFilt.Institution)

	require.Len(t, passages, 2)
	assert.Equal(t, docA, passages[0].DocumentID)
	assert.InDelta(t, 0.95, passages[0].Similarity, 1e-9)
	assert.Equal(t, docB, passages[1].DocumentID)
}

func TestRetrieveThresholdExtremes(t *testing.T) {
	doc := uuid.New()
	idx := &stubIndex{hits: []vectorindex.Hit{
		hit(doc, 1, 0.9), hit(doc, 2, 0.6), hit(doc, 3, 0.3),
	}}
	p := newPlanner(t, &stubEmbedder{vec: []float32{1}}, idx)

	plan, err := p.Normalize(Request{Query: "soru", K: intPtr(3), Threshold: floatPtr(1.0)})
	require.NoError(t, err)
	passages, err := p.Retrieve(context.Background(), plan)
	require.NoError(t, err)
	assert.Empty(t, passages)

	plan, err = p.Normalize(Request{Query: "soru", K: intPtr(3), Threshold: floatPtr(0.0)})
	require.NoError(t, err)
	passages, err = p.Retrieve(context.Background(), plan)
	require.NoError(t, err)
	assert.Len(t, passages, 3)
}

func TestRetrieveMemoizesEmbedding(t *testing.T) {
	emb := &stubEmbedder{vec: []float32{0.1, 0.2}}
	p := newPlanner(t, emb, &stubIndex{})

	plan, err := p.Normalize(Request{Query: "Ödeme süresi nedir"})
	require.NoError(t, err)

	_, err = p.Retrieve(context.Background(), plan)
	require.NoError(t, err)
	_, err = p.Retrieve(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, 1, emb.calls)
}

func TestRetrieveSearchFailureClassified(t *testing.T) {
	idx := &stubIndex{err: errors.New("connection refused")}
	p := newPlanner(t, &stubEmbedder{vec: []float32{1}}, idx)

	plan, err := p.Normalize(Request{Query: "soru"})
	require.NoError(t, err)

	_, err = p.Retrieve(context.Background(), plan)
	require.Error(t, err)
	assert.Equal(t, apperr.KindAdapterUnavailable, apperr.KindOf(err))
}

func TestAdmitQuota(t *testing.T) {
	p := New(&stubEmbedder{vec: []float32{1}}, &stubIndex{}, testCoordinator(t),
		Config{AsksPerMinute: 2}, nil)
	ctx := context.Background()

	require.NoError(t, p.Admit(ctx, "u1"))
	require.NoError(t, p.Admit(ctx, "u1"))

	err := p.Admit(ctx, "u1")
	require.Error(t, err)
	assert.Equal(t, apperr.KindRateLimited, apperr.KindOf(err))
	meta := apperr.MetaOf(err)
	require.NotNil(t, meta)
	assert.Contains(t, meta, "retry_after_seconds")

	// A different user is unaffected.
	require.NoError(t, p.Admit(ctx, "u2"))
}
