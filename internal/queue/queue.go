// Package queue carries ingestion jobs between the upload surface and the
// worker pool.
//
// Delivery is at-least-once: the consumer side must be idempotent. A job
// names a document, not work to do; the worker re-reads the document state
// and decides for itself, so duplicate deliveries collapse into no-ops.
package queue

import (
	"context"

	"github.com/google/uuid"
)

// Job is one ingestion request.
type Job struct {
	// DocumentID names the document to process.
	DocumentID uuid.UUID `json:"document_id"`

	// Attempt counts ingest attempts for this document, starting at 1.
	// Requeues after retryable failures increment it.
	Attempt int `json:"attempt"`
}

// Outcome tells the queue what to do with a delivered job.
type Outcome int

const (
	// Done acknowledges the job; it is never redelivered.
	Done Outcome = iota

	// Retry schedules a redelivery after a backoff.
	Retry

	// Drop terminates the job without retrying, for jobs that can never
	// succeed.
	Drop
)

// Handler processes one delivered job.
type Handler func(ctx context.Context, job Job) Outcome

// Queue is the work-queue capability.
type Queue interface {
	// Enqueue publishes a job.
	Enqueue(ctx context.Context, job Job) error

	// Consume delivers jobs to the handler with the given parallelism,
	// blocking until the context is canceled.
	Consume(ctx context.Context, parallelism int, h Handler) error

	// Close releases the connection.
	Close() error
}
