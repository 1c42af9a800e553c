// Package ingest processes uploaded documents into indexed passages.
//
// The worker consumes jobs from the queue: claim → fetch blob → extract →
// chunk → embed → purge old passages → upsert → complete. Delivery is
// at-least-once, so every step is idempotent: the claim is a CAS, point ids
// are deterministic, and the purge before upsert makes reprocessing replace
// instead of accumulate.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/blob"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/chunker"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/embed"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/extract"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/logging"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/metastore"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/queue"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/vectorindex"
)

const instrumentationName = "github.com/bilisim1995/mevzuatgpt-server-sub000/internal/ingest"

// Store is the slice of the metastore the worker needs.
type Store interface {
	GetDocument(ctx context.Context, id uuid.UUID) (*model.Document, error)
	ClaimProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, passageCount int, meta map[string]any) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	Requeue(ctx context.Context, id uuid.UUID) error
}

// Config tunes the worker.
type Config struct {
	// Parallelism is the number of concurrent ingest jobs.
	Parallelism int

	// MaxAttempts bounds retries of retryable failures per document.
	MaxAttempts int

	// JobTimeout is the wall-clock limit for one ingest run.
	JobTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
}

// Worker runs the ingestion pipeline.
type Worker struct {
	store     Store
	blobs     blob.Store
	extractor extract.Extractor
	chunks    *chunker.Chunker
	embedder  embed.Embedder
	index     vectorindex.Index
	jobs      queue.Queue
	cfg       Config
	logger    *logging.Logger
	tracer    trace.Tracer
}

// NewWorker builds the worker.
func NewWorker(store Store, blobs blob.Store, extractor extract.Extractor, chunks *chunker.Chunker, embedder embed.Embedder, index vectorindex.Index, jobs queue.Queue, cfg Config, logger *logging.Logger) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Worker{
		store:     store,
		blobs:     blobs,
		extractor: extractor,
		chunks:    chunks,
		embedder:  embedder,
		index:     index,
		jobs:      jobs,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
	}
}

// Run consumes ingest jobs until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	return w.jobs.Consume(ctx, w.cfg.Parallelism, w.Handle)
}

// Handle processes one delivered job.
func (w *Worker) Handle(ctx context.Context, job queue.Job) queue.Outcome {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	ctx, span := w.tracer.Start(ctx, "ingest.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("document_id", job.DocumentID.String()),
		attribute.Int("attempt", job.Attempt),
	)

	claimed, err := w.store.ClaimProcessing(ctx, job.DocumentID)
	if err != nil {
		span.RecordError(err)
		w.logger.Warn(ctx, "claim failed, will retry",
			zap.String("document_id", job.DocumentID.String()), zap.Error(err))
		return queue.Retry
	}
	if !claimed {
		// Already processed or being processed elsewhere; duplicate
		// deliveries collapse here.
		return queue.Done
	}

	if err := w.process(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return w.recover(ctx, job, err)
	}
	return queue.Done
}

// process runs the pipeline for a claimed document.
func (w *Worker) process(ctx context.Context, job queue.Job) error {
	doc, err := w.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return err
	}

	data, err := w.blobs.Get(ctx, doc.BlobURL)
	if err != nil {
		return err
	}

	result, err := w.extractor.Extract(ctx, data, "application/pdf")
	if err != nil {
		return err
	}

	passages, err := w.chunks.Split(flattenLines(result))
	if err != nil {
		return err
	}

	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}
	vectors, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}

	points := make([]vectorindex.Passage, len(passages))
	for i, p := range passages {
		points[i] = vectorindex.Passage{
			DocumentID:  doc.ID,
			ChunkIndex:  p.Index,
			Vector:      vectors[i],
			Text:        p.Text,
			Page:        p.Page,
			LineStart:   p.LineStart,
			LineEnd:     p.LineEnd,
			Institution: doc.Institution,
			Title:       doc.Title,
		}
	}

	// Purge-then-upsert makes a reprocess replace the passage set wholesale
	// even when the new chunking produces fewer passages.
	if err := w.index.DeleteByDocument(ctx, doc.ID); err != nil {
		return err
	}
	if err := w.index.Upsert(ctx, points); err != nil {
		return err
	}

	meta := map[string]any{
		"extraction_method":     result.Method,
		"extraction_confidence": result.Confidence,
		"page_count":            len(result.Pages),
		"attempt":               job.Attempt,
	}
	if err := w.store.MarkCompleted(ctx, doc.ID, len(passages), meta); err != nil {
		return err
	}

	w.logger.Info(ctx, "document completed",
		zap.String("document_id", doc.ID.String()),
		zap.Int("passage_count", len(passages)),
		zap.Float64("extraction_confidence", result.Confidence))
	return nil
}

// recover classifies a pipeline failure: terminal failures mark the
// document failed; retryable ones re-enqueue with the attempt counter
// bumped, up to the limit.
func (w *Worker) recover(ctx context.Context, job queue.Job, cause error) queue.Outcome {
	docID := job.DocumentID

	switch {
	case errors.Is(cause, chunker.ErrEmptyDocument):
		w.fail(ctx, docID, model.FailureEmptyDocument)
		return queue.Done

	case errors.Is(cause, extract.ErrUnreadable):
		w.fail(ctx, docID, model.FailureExtractionFailed)
		return queue.Done

	case errors.Is(cause, embed.ErrDimensionMismatch),
		errors.Is(cause, vectorindex.ErrDimensionMismatch):
		w.fail(ctx, docID, "vector dimension mismatch")
		return queue.Done

	case errors.Is(cause, embed.ErrInvalidInput):
		w.fail(ctx, docID, "embedding provider rejected passage text")
		return queue.Done
	}

	if job.Attempt >= w.cfg.MaxAttempts {
		w.fail(ctx, docID, "retries exhausted: "+cause.Error())
		return queue.Done
	}

	// Transient fault: release the claim and publish a fresh job with the
	// attempt counter bumped.
	if err := w.store.Requeue(ctx, docID); err != nil {
		w.logger.Error(ctx, "could not release claim for retry",
			zap.String("document_id", docID.String()), zap.Error(err))
		return queue.Retry
	}
	if err := w.jobs.Enqueue(ctx, queue.Job{DocumentID: docID, Attempt: job.Attempt + 1}); err != nil {
		w.logger.Error(ctx, "could not enqueue retry, relying on redelivery",
			zap.String("document_id", docID.String()), zap.Error(err))
		return queue.Retry
	}

	w.logger.Warn(ctx, "ingest attempt failed, retry enqueued",
		zap.String("document_id", docID.String()),
		zap.Int("next_attempt", job.Attempt+1),
		zap.Error(cause))
	return queue.Done
}

func (w *Worker) fail(ctx context.Context, docID uuid.UUID, reason string) {
	if err := w.store.MarkFailed(ctx, docID, reason); err != nil {
		w.logger.Error(ctx, "could not mark document failed",
			zap.String("document_id", docID.String()), zap.Error(err))
		return
	}
	w.logger.Warn(ctx, "document failed",
		zap.String("document_id", docID.String()),
		zap.String("reason", reason))
}

// flattenLines converts the extraction tree into chunker input.
func flattenLines(result *extract.Result) []chunker.Line {
	var lines []chunker.Line
	for _, page := range result.Pages {
		for _, l := range page.Lines {
			lines = append(lines, chunker.Line{
				Page:   page.Number,
				Number: l.Number,
				Text:   l.Text,
			})
		}
	}
	return lines
}

// ensure metastore satisfies the worker's store slice.
var _ Store = (*metastore.Store)(nil)
