package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/bilisim1995/mevzuatgpt-server-sub000/internal/cache"

// RedisConfig configures the redis connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis is the redis implementation of Cache.
type Redis struct {
	client *redis.Client
	tracer trace.Tracer
}

// NewRedis connects to redis and verifies reachability.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	r := &Redis{client: client, tracer: otel.Tracer(instrumentationName)}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.HealthCheck(pingCtx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return r, nil
}

// NewRedisFromClient wraps an existing client. Tests use this with
// miniredis.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client, tracer: otel.Tracer(instrumentationName)}
}

// Close releases the connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// HealthCheck verifies the cache is reachable.
func (r *Redis) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: ping failed: %w", err)
	}
	return nil
}

// Get returns the value and whether the key was present.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span := r.tracer.Start(ctx, "cache.get")
	defer span.End()
	span.SetAttributes(attribute.String("key", key))

	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("hit", false))
		return nil, false, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	span.SetAttributes(attribute.Bool("hit", true))
	return val, true, nil
}

// Set stores the value with a lifetime.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := r.tracer.Start(ctx, "cache.set")
	defer span.End()
	span.SetAttributes(attribute.String("key", key))

	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: del %s: %w", key, err)
	}
	return nil
}

// Incr increments a counter, binding the lifetime on first increment.
func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "cache.incr")
	defer span.End()
	span.SetAttributes(attribute.String("key", key))

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("cache: incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

var _ Cache = (*Redis)(nil)
