package registry

import (
	"context"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/apperr"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/auth"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/blob"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/cache"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/config"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/extract"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/generator"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/queue"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/vectorindex"
)

type stubEmbedder struct{ dim int }

func (s *stubEmbedder) EmbedOne(context.Context, string) ([]float32, error) {
	return make([]float32, s.dim), nil
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, s.dim)
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return s.dim }
func (s *stubEmbedder) Model() string   { return "stub-embedding" }

type stubIndex struct{}

func (stubIndex) EnsureCollection(context.Context) error              { return nil }
func (stubIndex) Upsert(context.Context, []vectorindex.Passage) error { return nil }
func (stubIndex) Search(context.Context, []float32, int, *vectorindex.Filter) ([]vectorindex.Hit, error) {
	return nil, nil
}
func (stubIndex) DeleteByDocument(context.Context, uuid.UUID) error      { return nil }
func (stubIndex) CountByDocument(context.Context, uuid.UUID) (int, error) { return 0, nil }
func (stubIndex) HealthCheck(context.Context) error                      { return nil }
func (stubIndex) Close() error                                           { return nil }

type stubBlobs struct{}

func (stubBlobs) Put(_ context.Context, key, _ string, _ io.Reader) (*blob.PutResult, error) {
	return &blob.PutResult{URL: "gs://test/" + key}, nil
}
func (stubBlobs) Get(context.Context, string) ([]byte, error) { return nil, blob.ErrNotFound }
func (stubBlobs) DeleteByURL(context.Context, string) error   { return nil }

type stubQueue struct{}

func (stubQueue) Enqueue(context.Context, queue.Job) error          { return nil }
func (stubQueue) Consume(context.Context, int, queue.Handler) error { return nil }
func (stubQueue) Close() error                                      { return nil }

type stubExtractor struct{}

func (stubExtractor) Extract(context.Context, []byte, string) (*extract.Result, error) {
	return &extract.Result{}, nil
}

type stubProvider struct{ name string }

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Complete(_ context.Context, _, _ string, _ generator.Options) (*generator.Completion, error) {
	return &generator.Completion{Text: "tamam"}, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Embedding.Dimensions = 4
	cfg.Retrieval.DefaultK = 5
	cfg.Retrieval.MaxK = 20
	cfg.Retrieval.DefaultThreshold = 0.70
	cfg.Retrieval.Oversample = 2
	cfg.Chunking.TargetChars = 1200
	cfg.Chunking.OverlapChars = 200
	cfg.Chunking.MinChars = 300
	cfg.Chunking.MaxChars = 6000
	cfg.Credits.CostPerAsk = 1
	cfg.Credits.InitialGrant = 30
	cfg.Ingest.MaxFileSizeMB = 100
	return cfg
}

func testOptions(t *testing.T) Options {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return Options{
		Config:      testConfig(),
		Cache:       cache.NewRedisFromClient(client),
		Queue:       stubQueue{},
		Blobs:       stubBlobs{},
		Extractor:   stubExtractor{},
		Embedder:    &stubEmbedder{dim: 4},
		Primary:     &stubProvider{name: "openai"},
		Fallback:    &stubProvider{name: "anthropic"},
		VectorIndex: stubIndex{},
	}
}

func TestNewFromOptionsWiresServices(t *testing.T) {
	r, err := NewFromOptions(testOptions(t))
	require.NoError(t, err)

	assert.NotNil(t, r.Query())
	assert.NotNil(t, r.Catalog())
	assert.NotNil(t, r.Credits())
	assert.NotNil(t, r.Worker())
	assert.NotNil(t, r.Sweeper())
	assert.NotNil(t, r.Coordinator())
	assert.NotNil(t, r.Verifier())
	require.NoError(t, r.Close())
}

func TestNewFromOptionsDimensionMismatch(t *testing.T) {
	opts := testOptions(t)
	opts.Embedder = &stubEmbedder{dim: 1536}

	_, err := NewFromOptions(opts)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvariantViolation, apperr.KindOf(err))
}

func TestNewFromOptionsBootstrapAdminToken(t *testing.T) {
	opts := testOptions(t)
	opts.Config.Auth.BootstrapAdminToken = config.Secret("seed-token")
	opts.Config.Auth.BootstrapAdminEmail = "ops@example.com"

	r, err := NewFromOptions(opts)
	require.NoError(t, err)

	id, err := r.Verifier().Verify(context.Background(), "seed-token")
	require.NoError(t, err)
	assert.Equal(t, bootstrapAdminID, id.UserID)
	assert.Equal(t, model.RoleAdmin, id.Role)

	_, err = r.Verifier().Verify(context.Background(), "wrong")
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestNewFromOptionsCustomVerifier(t *testing.T) {
	opts := testOptions(t)
	v := auth.NewStaticVerifier()
	v.Register("tok", auth.Identity{UserID: "u1", Role: model.RoleUser})
	opts.Verifier = v

	r, err := NewFromOptions(opts)
	require.NoError(t, err)

	id, err := r.Verifier().Verify(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
}
