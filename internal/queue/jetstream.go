package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/logging"
)

const instrumentationName = "github.com/bilisim1995/mevzuatgpt-server-sub000/internal/queue"

// JetStreamConfig configures the NATS JetStream work queue.
type JetStreamConfig struct {
	// URL is the NATS server address.
	URL string

	// Stream is the JetStream stream name.
	Stream string

	// Subject is the subject jobs are published to.
	Subject string

	// Durable is the pull consumer name shared by the worker pool.
	Durable string

	// MaxDeliver caps deliveries per job before the server gives up.
	MaxDeliver int

	// RetryDelay is the redelivery backoff for jobs the handler asked to
	// retry.
	RetryDelay time.Duration
}

func (c *JetStreamConfig) applyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = "INGEST"
	}
	if c.Subject == "" {
		c.Subject = "ingest.document"
	}
	if c.Durable == "" {
		c.Durable = "ingest-workers"
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = 5
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 30 * time.Second
	}
}

// JetStream is the NATS implementation of Queue.
type JetStream struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	config JetStreamConfig
	logger *logging.Logger
	tracer trace.Tracer
}

// NewJetStream connects and ensures the work-queue stream exists.
func NewJetStream(cfg JetStreamConfig, logger *logging.Logger) (*JetStream, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}

	conn, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: connecting to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: creating jetstream context: %w", err)
	}

	q := &JetStream{
		conn:   conn,
		js:     js,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}
	if err := q.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

// Close drains and releases the connection.
func (q *JetStream) Close() error {
	return q.conn.Drain()
}

// ensureStream creates the work-queue stream on first start.
func (q *JetStream) ensureStream() error {
	_, err := q.js.StreamInfo(q.config.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("queue: reading stream info: %w", err)
	}

	_, err = q.js.AddStream(&nats.StreamConfig{
		Name:      q.config.Stream,
		Subjects:  []string{q.config.Subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("queue: creating stream %s: %w", q.config.Stream, err)
	}
	return nil
}

// Enqueue publishes a job.
func (q *JetStream) Enqueue(ctx context.Context, job Job) error {
	ctx, span := q.tracer.Start(ctx, "queue.enqueue")
	defer span.End()
	span.SetAttributes(
		attribute.String("document_id", job.DocumentID.String()),
		attribute.Int("attempt", job.Attempt),
	)

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshaling job: %w", err)
	}

	if _, err := q.js.Publish(q.config.Subject, payload, nats.Context(ctx)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("queue: publishing job: %w", err)
	}

	q.logger.Info(ctx, "enqueued ingest job",
		zap.String("document_id", job.DocumentID.String()),
		zap.Int("attempt", job.Attempt),
	)
	return nil
}

// Consume runs a pull-consumer pool until the context is canceled. Each
// worker fetches, handles and acknowledges jobs one at a time; parallelism
// is worker count, not in-flight messages per worker.
func (q *JetStream) Consume(ctx context.Context, parallelism int, h Handler) error {
	if parallelism < 1 {
		parallelism = 1
	}

	sub, err := q.js.PullSubscribe(q.config.Subject, q.config.Durable,
		nats.BindStream(q.config.Stream),
		nats.MaxDeliver(q.config.MaxDeliver),
		nats.AckExplicit(),
		nats.AckWait(2*time.Minute),
	)
	if err != nil {
		return fmt.Errorf("queue: creating pull consumer: %w", err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			q.logger.Warn(ctx, "unsubscribing pull consumer failed", zap.Error(err))
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < parallelism; i++ {
		g.Go(func() error {
			return q.consumeLoop(ctx, sub, h)
		})
	}
	return g.Wait()
}

func (q *JetStream) consumeLoop(ctx context.Context, sub *nats.Subscription, h Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(5*time.Second))
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			q.logger.Warn(ctx, "fetching jobs failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			q.handle(ctx, msg, h)
		}
	}
}

func (q *JetStream) handle(ctx context.Context, msg *nats.Msg, h Handler) {
	ctx, span := q.tracer.Start(ctx, "queue.handle")
	defer span.End()

	var job Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		// A payload that never parses can never succeed.
		q.logger.Error(ctx, "dropping malformed job payload", zap.Error(err))
		span.RecordError(err)
		_ = msg.Term()
		return
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}

	span.SetAttributes(
		attribute.String("document_id", job.DocumentID.String()),
		attribute.Int("attempt", job.Attempt),
	)

	switch h(ctx, job) {
	case Done:
		if err := msg.Ack(); err != nil {
			q.logger.Warn(ctx, "acking job failed", zap.Error(err))
		}
	case Retry:
		if err := msg.NakWithDelay(q.config.RetryDelay); err != nil {
			q.logger.Warn(ctx, "naking job failed", zap.Error(err))
		}
	case Drop:
		if err := msg.Term(); err != nil {
			q.logger.Warn(ctx, "terminating job failed", zap.Error(err))
		}
	}
}

var _ Queue = (*JetStream)(nil)
