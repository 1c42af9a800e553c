package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCache(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisFromClient(client)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisGetSet(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", []byte("değer"), time.Minute))
	val, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("değer"), val)

	// Expiry honors the TTL.
	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisIncrSetsTTLOnce(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()

	n, err := c.Incr(ctx, "ctr", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.Incr(ctx, "ctr", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ttl := mr.TTL("ctr")
	assert.True(t, ttl > 0 && ttl <= time.Minute)

	mr.FastForward(2 * time.Minute)
	n, err = c.Incr(ctx, "ctr", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "counter resets after the bucket expires")
}

func TestRedisDeleteIsIdempotent(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))
	require.NoError(t, c.Delete(ctx, "k"))
}
