package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATSServer starts an embedded NATS server with JetStream.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func testQueue(t *testing.T) *JetStream {
	t.Helper()
	server := startTestNATSServer(t)
	q, err := NewJetStream(JetStreamConfig{
		URL:        server.ClientURL(),
		RetryDelay: 100 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueConsumeRoundTrip(t *testing.T) {
	q := testQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	docID := uuid.New()
	require.NoError(t, q.Enqueue(ctx, Job{DocumentID: docID, Attempt: 1}))

	received := make(chan Job, 1)
	consumeCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(consumeCtx, 1, func(_ context.Context, job Job) Outcome {
			received <- job
			return Done
		})
	}()

	select {
	case job := <-received:
		assert.Equal(t, docID, job.DocumentID)
		assert.Equal(t, 1, job.Attempt)
	case <-ctx.Done():
		t.Fatal("job never delivered")
	}

	stop()
	require.NoError(t, <-done)
}

func TestRetryRedelivers(t *testing.T) {
	q := testQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, Job{DocumentID: uuid.New(), Attempt: 1}))

	var mu sync.Mutex
	deliveries := 0
	finished := make(chan struct{})

	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = q.Consume(consumeCtx, 1, func(_ context.Context, _ Job) Outcome {
			mu.Lock()
			deliveries++
			n := deliveries
			mu.Unlock()
			if n == 1 {
				return Retry
			}
			close(finished)
			return Done
		})
	}()

	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("retried job never redelivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, deliveries, 2)
}

func TestDropTerminatesJob(t *testing.T) {
	q := testQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, Job{DocumentID: uuid.New(), Attempt: 1}))

	var mu sync.Mutex
	deliveries := 0
	first := make(chan struct{}, 1)

	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = q.Consume(consumeCtx, 1, func(_ context.Context, _ Job) Outcome {
			mu.Lock()
			deliveries++
			mu.Unlock()
			select {
			case first <- struct{}{}:
			default:
			}
			return Drop
		})
	}()

	select {
	case <-first:
	case <-ctx.Done():
		t.Fatal("job never delivered")
	}

	// Give a redelivery a chance to happen; none should.
	time.Sleep(2 * time.Second)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, deliveries)
}
