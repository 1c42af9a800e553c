package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
)

func testCoordinator(t *testing.T) (*Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisFromClient(client)
	t.Cleanup(func() { _ = c.Close() })
	return NewCoordinator(c, CoordinatorConfig{}, nil), mr
}

func TestNormalizeQueryTurkishCasing(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"dotted capital I", "İDARE", "idare"},
		{"dotless lowering", "ISPARTA", "ısparta"},
		{"mixed", "Ödeme  Süresi\tNedir", "ödeme süresi nedir"},
		{"already normal", "ödeme süresi", "ödeme süresi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeQuery(tt.input))
		})
	}
}

func TestFingerprintStability(t *testing.T) {
	a := Fingerprint("Ödeme süresi", "SGK", 5, 0.70)
	b := Fingerprint("ödeme   SÜRESİ", "SGK", 5, 0.70)
	assert.Equal(t, a, b, "normalization folds case and whitespace")

	assert.NotEqual(t, a, Fingerprint("Ödeme süresi", "GİB", 5, 0.70))
	assert.NotEqual(t, a, Fingerprint("Ödeme süresi", "SGK", 6, 0.70))
	assert.NotEqual(t, a, Fingerprint("Ödeme süresi", "SGK", 5, 0.75))
}

func TestAnswerMemoRoundTrip(t *testing.T) {
	co, _ := testCoordinator(t)
	ctx := context.Background()
	fp := Fingerprint("soru", "", 5, 0.7)

	_, ok := co.GetAnswer(ctx, fp)
	assert.False(t, ok)

	co.StoreAnswer(ctx, fp, []byte(`{"answer":"cevap"}`))
	val, ok := co.GetAnswer(ctx, fp)
	require.True(t, ok)
	assert.JSONEq(t, `{"answer":"cevap"}`, string(val))
}

func TestEmbeddingMemoRoundTrip(t *testing.T) {
	co, _ := testCoordinator(t)
	ctx := context.Background()

	vec := []float32{0.25, -1.5, 3.125}
	co.StoreEmbedding(ctx, "text-embedding-3-small", "ödeme süresi", vec)

	got, ok := co.GetEmbedding(ctx, "text-embedding-3-small", "ödeme süresi")
	require.True(t, ok)
	assert.Equal(t, vec, got)

	// A different model never replays another model's vectors.
	_, ok = co.GetEmbedding(ctx, "text-embedding-3-large", "ödeme süresi")
	assert.False(t, ok)
}

func TestAllowEnforcesQuota(t *testing.T) {
	co, _ := testCoordinator(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		ok, _ := co.Allow(ctx, "user-1", 3, now)
		assert.True(t, ok, "request %d within quota", i+1)
	}

	ok, retryAfter := co.Allow(ctx, "user-1", 3, now)
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)

	// Another user has an independent counter.
	ok, _ = co.Allow(ctx, "user-2", 3, now)
	assert.True(t, ok)
}

func TestAllowFailsOpenWhenCacheDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	co := NewCoordinator(NewRedisFromClient(client), CoordinatorConfig{}, nil)
	mr.Close()

	ok, _ := co.Allow(context.Background(), "user-1", 1, time.Now())
	assert.True(t, ok)
}

func TestMaintenanceMemo(t *testing.T) {
	co, _ := testCoordinator(t)
	ctx := context.Background()

	_, ok := co.GetMaintenance(ctx)
	assert.False(t, ok)

	flag := &model.MaintenanceFlag{Enabled: true, Title: "Bakım", Message: "Kısa süreli bakım"}
	co.StoreMaintenance(ctx, flag)

	got, ok := co.GetMaintenance(ctx)
	require.True(t, ok)
	assert.True(t, got.Enabled)
	assert.Equal(t, "Bakım", got.Title)

	co.InvalidateMaintenance(ctx)
	_, ok = co.GetMaintenance(ctx)
	assert.False(t, ok)
}

func TestDecodeVectorRejectsMalformed(t *testing.T) {
	_, err := decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}
