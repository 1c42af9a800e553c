// Package catalog is the document management service behind the admin
// surface: upload, listing, reprocessing and tombstoning.
//
// Upload is the only write path that touches three adapters in sequence
// (blob, metastore, queue); the blob write is compensated when the metadata
// insert fails, so no orphaned objects accumulate.
package catalog

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/apperr"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/blob"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/logging"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/metastore"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/queue"
)

const instrumentationName = "github.com/bilisim1995/mevzuatgpt-server-sub000/internal/catalog"

// blobPrefix is the key prefix for uploaded source files.
const blobPrefix = "documents"

// Store is the slice of the metastore the catalog needs.
type Store interface {
	InsertDocument(ctx context.Context, doc *model.Document) error
	GetDocument(ctx context.Context, id uuid.UUID) (*model.Document, error)
	ListDocuments(ctx context.Context, f metastore.DocumentFilter) ([]*model.Document, error)
	Requeue(ctx context.Context, id uuid.UUID) error
	Tombstone(ctx context.Context, id uuid.UUID) error
}

// Config tunes upload limits and listing defaults.
type Config struct {
	// MaxFileBytes caps an uploaded file; the boundary value is accepted.
	MaxFileBytes int64

	// ListLimitDefault and ListLimitMax bound catalog pagination.
	ListLimitDefault int
	ListLimitMax     int
}

func (c *Config) applyDefaults() {
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = 100_000_000
	}
	if c.ListLimitDefault <= 0 {
		c.ListLimitDefault = 50
	}
	if c.ListLimitMax <= 0 {
		c.ListLimitMax = 200
	}
}

// UploadInput is one multipart upload, already parsed by the transport.
type UploadInput struct {
	Title       string
	Filename    string
	ContentType string
	Size        int64
	Content     io.Reader

	Institution string
	DocType     model.DocumentType
	Category    string
	Keywords    []string
	PublishedAt *time.Time
	Language    string

	UploaderID string
	Metadata   map[string]any
}

// Service is the document catalog.
type Service struct {
	store  Store
	blobs  blob.Store
	jobs   queue.Queue
	cfg    Config
	logger *logging.Logger
	tracer trace.Tracer
}

// New builds the catalog service.
func New(store Store, blobs blob.Store, jobs queue.Queue, cfg Config, logger *logging.Logger) *Service {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		store:  store,
		blobs:  blobs,
		jobs:   jobs,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}
}

// Upload validates the file, stores it, records the document as pending and
// enqueues the ingest job.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*model.Document, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.upload")
	defer span.End()

	if err := s.validateUpload(in); err != nil {
		return nil, err
	}

	docID := uuid.New()
	span.SetAttributes(attribute.String("document_id", docID.String()))

	key := blob.ObjectKey(blobPrefix, docID.String(), in.Filename)
	put, err := s.blobs.Put(ctx, key, in.ContentType, io.LimitReader(in.Content, in.Size))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, apperr.Wrap(apperr.KindAdapterUnavailable, "storing upload", err)
	}

	language := in.Language
	if language == "" {
		language = "tr"
	}
	docType := in.DocType
	if docType == "" {
		docType = model.DocTypeOther
	}

	doc := &model.Document{
		ID:               docID,
		Title:            in.Title,
		Filename:         in.Filename,
		BlobURL:          put.URL,
		SizeBytes:        in.Size,
		Institution:      in.Institution,
		DocType:          docType,
		Category:         in.Category,
		Keywords:         in.Keywords,
		PublishedAt:      in.PublishedAt,
		Language:         language,
		UploaderID:       in.UploaderID,
		Metadata:         in.Metadata,
		ProcessingStatus: model.ProcessingPending,
		Visibility:       model.VisibilityActive,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		// Compensate the blob write so no orphan remains.
		if delErr := s.blobs.DeleteByURL(ctx, put.URL); delErr != nil {
			s.logger.Warn(ctx, "orphaned upload blob not cleaned",
				zap.String("url", put.URL), zap.Error(delErr))
		}
		span.RecordError(err)
		return nil, apperr.Wrap(apperr.KindAdapterUnavailable, "recording document", err)
	}

	if err := s.jobs.Enqueue(ctx, queue.Job{DocumentID: docID, Attempt: 1}); err != nil {
		// Document stays pending; an admin reprocess re-enqueues it.
		s.logger.Error(ctx, "ingest enqueue failed, document left pending",
			zap.String("document_id", docID.String()), zap.Error(err))
		span.RecordError(err)
		return nil, apperr.Wrap(apperr.KindAdapterUnavailable, "enqueueing ingest job", err)
	}

	s.logger.Info(ctx, "document uploaded",
		zap.String("document_id", docID.String()),
		zap.String("title", in.Title),
		zap.Int64("size_bytes", in.Size))
	return doc, nil
}

// Get loads one document.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Document, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, classify(err, "loading document")
	}
	return doc, nil
}

// List returns documents matching the filter, newest first.
func (s *Service) List(ctx context.Context, f metastore.DocumentFilter) ([]*model.Document, error) {
	if f.Limit <= 0 {
		f.Limit = s.cfg.ListLimitDefault
	}
	if f.Limit > s.cfg.ListLimitMax {
		f.Limit = s.cfg.ListLimitMax
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	docs, err := s.store.ListDocuments(ctx, f)
	if err != nil {
		return nil, classify(err, "listing documents")
	}
	return docs, nil
}

// Reprocess re-enqueues an ingest run for a completed or failed document.
// The run replaces the document's passages wholesale.
func (s *Service) Reprocess(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "catalog.reprocess")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", id.String()))

	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return classify(err, "loading document")
	}
	if doc.Visibility == model.VisibilityDeleted {
		return apperr.New(apperr.KindInvalidInput, "document is deleted")
	}
	if doc.ProcessingStatus != model.ProcessingCompleted && doc.ProcessingStatus != model.ProcessingFailed {
		return apperr.Newf(apperr.KindInvalidInput, "document is %s, reprocess needs completed or failed", doc.ProcessingStatus)
	}

	if err := s.store.Requeue(ctx, id); err != nil {
		return classify(err, "requeueing document")
	}
	if err := s.jobs.Enqueue(ctx, queue.Job{DocumentID: id, Attempt: 1}); err != nil {
		span.RecordError(err)
		return apperr.Wrap(apperr.KindAdapterUnavailable, "enqueueing reprocess job", err)
	}

	s.logger.Info(ctx, "document reprocess enqueued", zap.String("document_id", id.String()))
	return nil
}

// Delete tombstones a document. Its passages and blob are purged
// asynchronously by the sweeper.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "catalog.delete")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", id.String()))

	if err := s.store.Tombstone(ctx, id); err != nil {
		return classify(err, "tombstoning document")
	}
	s.logger.Info(ctx, "document tombstoned", zap.String("document_id", id.String()))
	return nil
}

func (s *Service) validateUpload(in UploadInput) error {
	if strings.TrimSpace(in.Title) == "" {
		return apperr.New(apperr.KindInvalidInput, "title is required")
	}
	if strings.TrimSpace(in.Filename) == "" {
		return apperr.New(apperr.KindInvalidInput, "filename is required")
	}
	if in.Size < 1 {
		return apperr.New(apperr.KindInvalidInput, "file is empty")
	}
	if in.Size > s.cfg.MaxFileBytes {
		return apperr.Newf(apperr.KindInvalidInput, "file exceeds %d bytes", s.cfg.MaxFileBytes)
	}
	if !isPDF(in.ContentType, in.Filename) {
		return apperr.New(apperr.KindInvalidInput, "only PDF uploads are accepted")
	}
	if in.DocType != "" && !model.ValidDocumentType(in.DocType) {
		return apperr.Newf(apperr.KindInvalidInput, "unknown document type %q", in.DocType)
	}
	if in.Content == nil {
		return apperr.New(apperr.KindInvalidInput, "file content is missing")
	}
	return nil
}

func isPDF(contentType, filename string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	if ct == "application/pdf" {
		return true
	}
	return ct == "" && strings.HasSuffix(strings.ToLower(filename), ".pdf")
}

func classify(err error, action string) error {
	if errors.Is(err, metastore.ErrNotFound) {
		return apperr.Wrap(apperr.KindNotFound, action, err)
	}
	return apperr.Wrap(apperr.KindAdapterUnavailable, action, err)
}
