package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
)

const documentColumns = `id, title, filename, blob_url, size_bytes, institution, doc_type,
	category, keywords, published_at, language, uploader_id, metadata,
	processing_status, processing_error, passage_count, visibility, purged_at,
	created_at, updated_at`

// DocumentFilter narrows a catalog listing. Zero values mean no constraint.
type DocumentFilter struct {
	ProcessingStatus model.ProcessingStatus
	Visibility       model.Visibility
	Institution      string
	Limit            int
	Offset           int
}

// InsertDocument stores a freshly uploaded document record.
func (s *Store) InsertDocument(ctx context.Context, doc *model.Document) error {
	ctx, span := s.tracer.Start(ctx, "metastore.insert_document")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", doc.ID.String()))

	keywords, err := json.Marshal(doc.Keywords)
	if err != nil {
		return fmt.Errorf("metastore: marshaling keywords: %w", err)
	}
	metadata, err := marshalBag(doc.Metadata)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (id, title, filename, blob_url, size_bytes, institution,
			doc_type, category, keywords, published_at, language, uploader_id, metadata,
			processing_status, visibility, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now(),now())`,
		doc.ID, doc.Title, doc.Filename, doc.BlobURL, doc.SizeBytes, doc.Institution,
		doc.DocType, doc.Category, keywords, doc.PublishedAt, doc.Language,
		doc.UploaderID, metadata, model.ProcessingPending, model.VisibilityActive,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("metastore: inserting document: %w", err)
	}
	return nil
}

// GetDocument loads one document.
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (*model.Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	return scanDocument(row)
}

// ListDocuments returns documents matching the filter, newest first.
func (s *Store) ListDocuments(ctx context.Context, f DocumentFilter) ([]*model.Document, error) {
	ctx, span := s.tracer.Start(ctx, "metastore.list_documents")
	defer span.End()

	query := `SELECT ` + documentColumns + ` FROM documents WHERE 1=1`
	args := []any{}
	if f.ProcessingStatus != "" {
		args = append(args, f.ProcessingStatus)
		query += fmt.Sprintf(" AND processing_status = $%d", len(args))
	}
	if f.Visibility != "" {
		args = append(args, f.Visibility)
		query += fmt.Sprintf(" AND visibility = $%d", len(args))
	}
	if f.Institution != "" {
		args = append(args, f.Institution)
		query += fmt.Sprintf(" AND institution = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("metastore: listing documents: %w", err)
	}
	defer rows.Close()

	var docs []*model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ClaimProcessing is the compare-and-set transition pending → processing.
// It returns false when another worker holds the document or the document
// is not in a claimable state, which the caller treats as an idempotent
// drop.
func (s *Store) ClaimProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "metastore.claim_processing")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", id.String()))

	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET processing_status = $1, processing_error = '', updated_at = now()
		WHERE id = $2 AND processing_status = $3`,
		model.ProcessingActive, id, model.ProcessingPending,
	)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("metastore: claiming document: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted finishes a processing run, recording the passage count and
// extraction details.
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID, passageCount int, meta map[string]any) error {
	ctx, span := s.tracer.Start(ctx, "metastore.mark_completed")
	defer span.End()

	metadata, err := marshalBag(meta)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET processing_status = $1, passage_count = $2,
			metadata = metadata || $3, updated_at = now()
		WHERE id = $4 AND processing_status = $5`,
		model.ProcessingCompleted, passageCount, metadata, id, model.ProcessingActive,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("metastore: completing document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document %s not in processing state", ErrNotFound, id)
	}
	return nil
}

// MarkFailed finishes a processing run with a failure reason.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	ctx, span := s.tracer.Start(ctx, "metastore.mark_failed")
	defer span.End()

	_, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET processing_status = $1, processing_error = $2, updated_at = now()
		WHERE id = $3`,
		model.ProcessingFailed, reason, id,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("metastore: failing document: %w", err)
	}
	return nil
}

// Requeue returns a document to pending for a fresh ingest attempt. Allowed
// from completed, failed or processing (sweeper reclaim).
func (s *Store) Requeue(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET processing_status = $1, processing_error = '', updated_at = now()
		WHERE id = $2`,
		model.ProcessingPending, id,
	)
	if err != nil {
		return fmt.Errorf("metastore: requeueing document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	return nil
}

// StaleProcessing lists documents stuck in processing since before the
// cutoff. The sweeper resets these after a worker crash.
func (s *Store) StaleProcessing(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM documents
		WHERE processing_status = $1 AND updated_at < $2`,
		model.ProcessingActive, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("metastore: listing stale documents: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Tombstone marks a document deleted. Passages are purged asynchronously;
// PurgedAt stays null until the purge lands.
func (s *Store) Tombstone(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET visibility = $1, purged_at = NULL, updated_at = now()
		WHERE id = $2 AND visibility <> $1`,
		model.VisibilityDeleted, id,
	)
	if err != nil {
		return fmt.Errorf("metastore: tombstoning document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	return nil
}

// PendingPurges lists tombstoned documents whose passages are still live.
func (s *Store) PendingPurges(ctx context.Context) ([]*model.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM documents
		WHERE visibility = $1 AND purged_at IS NULL`,
		model.VisibilityDeleted,
	)
	if err != nil {
		return nil, fmt.Errorf("metastore: listing pending purges: %w", err)
	}
	defer rows.Close()

	var docs []*model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// MarkPurged records that a tombstoned document's passages are gone.
func (s *Store) MarkPurged(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE documents SET purged_at = now(), passage_count = 0, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("metastore: marking document purged: %w", err)
	}
	return nil
}

func scanDocument(row pgx.Row) (*model.Document, error) {
	var (
		doc      model.Document
		keywords []byte
		metadata []byte
	)
	err := row.Scan(
		&doc.ID, &doc.Title, &doc.Filename, &doc.BlobURL, &doc.SizeBytes,
		&doc.Institution, &doc.DocType, &doc.Category, &keywords, &doc.PublishedAt,
		&doc.Language, &doc.UploaderID, &metadata, &doc.ProcessingStatus,
		&doc.ProcessingError, &doc.PassageCount, &doc.Visibility, &doc.PurgedAt,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metastore: scanning document: %w", err)
	}
	if err := json.Unmarshal(keywords, &doc.Keywords); err != nil {
		return nil, fmt.Errorf("metastore: decoding keywords: %w", err)
	}
	if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
		return nil, fmt.Errorf("metastore: decoding metadata: %w", err)
	}
	return &doc, nil
}

// marshalBag serializes a metadata bag, defaulting to an empty object.
func marshalBag(bag map[string]any) ([]byte, error) {
	if bag == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(bag)
	if err != nil {
		return nil, fmt.Errorf("metastore: marshaling metadata: %w", err)
	}
	return data, nil
}
