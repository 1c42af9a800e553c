package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/logging"
)

const instrumentationName = "github.com/bilisim1995/mevzuatgpt-server-sub000/internal/blob"

// GCSConfig configures the Cloud Storage backed store.
type GCSConfig struct {
	// Bucket is the bucket name objects are written to.
	Bucket string

	// Prefix is the key prefix for document objects.
	Prefix string

	// MaxRetries bounds transient-fault retries per call.
	MaxRetries int

	// RetryBackoff is the initial backoff; it doubles per attempt.
	RetryBackoff time.Duration
}

func (c *GCSConfig) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.Prefix == "" {
		c.Prefix = "documents"
	}
}

// GCS is the Cloud Storage implementation of Store.
type GCS struct {
	client *storage.Client
	config GCSConfig
	logger *logging.Logger
	tracer trace.Tracer
}

// NewGCS creates a Cloud Storage store. The client carries its own
// credentials from the environment.
func NewGCS(ctx context.Context, cfg GCSConfig, logger *logging.Logger) (*GCS, error) {
	cfg.applyDefaults()
	if cfg.Bucket == "" {
		return nil, errors.New("blob: bucket is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob: creating storage client: %w", err)
	}

	return &GCS{
		client: client,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}

// Put streams the object and returns its gs:// locator.
func (g *GCS) Put(ctx context.Context, key, contentType string, r io.Reader) (*PutResult, error) {
	ctx, span := g.tracer.Start(ctx, "blob.put")
	defer span.End()
	span.SetAttributes(
		attribute.String("bucket", g.config.Bucket),
		attribute.String("key", key),
	)

	w := g.client.Bucket(g.config.Bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType

	size, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("blob: writing object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("blob: finalizing object %s: %w", key, err)
	}

	url := fmt.Sprintf("gs://%s/%s", g.config.Bucket, key)
	g.logger.Debug(ctx, "stored blob",
		zap.String("url", url),
		zap.Int64("size_bytes", size),
	)
	return &PutResult{URL: url, Size: size}, nil
}

// Get reads the full object behind a gs:// locator.
func (g *GCS) Get(ctx context.Context, url string) ([]byte, error) {
	ctx, span := g.tracer.Start(ctx, "blob.get")
	defer span.End()
	span.SetAttributes(attribute.String("url", url))

	bucket, key, err := splitURL(url)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var data []byte
	err = g.retry(ctx, "get", func() error {
		r, err := g.client.Bucket(bucket).Object(key).NewReader(ctx)
		if err != nil {
			return err
		}
		defer r.Close()
		data, err = io.ReadAll(r)
		return err
	})
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("blob: reading object %s: %w", url, err)
	}
	return data, nil
}

// DeleteByURL removes the object; missing objects are ignored.
func (g *GCS) DeleteByURL(ctx context.Context, url string) error {
	ctx, span := g.tracer.Start(ctx, "blob.delete")
	defer span.End()
	span.SetAttributes(attribute.String("url", url))

	bucket, key, err := splitURL(url)
	if err != nil {
		span.RecordError(err)
		return err
	}

	err = g.retry(ctx, "delete", func() error {
		return g.client.Bucket(bucket).Object(key).Delete(ctx)
	})
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("blob: deleting object %s: %w", url, err)
	}
	return nil
}

// retry runs op with exponential backoff. Not-found errors are never
// retried; they are a stable answer, not a fault.
func (g *GCS) retry(ctx context.Context, name string, op func() error) error {
	backoff := g.config.RetryBackoff
	var err error
	for attempt := 0; attempt <= g.config.MaxRetries; attempt++ {
		err = op()
		if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
			return err
		}
		if attempt == g.config.MaxRetries {
			break
		}
		g.logger.Warn(ctx, "blob operation retrying",
			zap.String("op", name),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return err
}

var _ Store = (*GCS)(nil)
