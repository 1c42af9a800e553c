package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
)

const feedbackColumns = `id, user_id, query_log_id, kind, rating, comment, tags,
	created_at, updated_at`

// UpsertFeedback stores the user's verdict on a query. One entry per
// (user, query log); resubmitting replaces the previous verdict.
func (s *Store) UpsertFeedback(ctx context.Context, fb *model.Feedback) error {
	ctx, span := s.tracer.Start(ctx, "metastore.upsert_feedback")
	defer span.End()

	tags, err := json.Marshal(fb.Tags)
	if err != nil {
		return fmt.Errorf("metastore: marshaling feedback tags: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO feedback (id, user_id, query_log_id, kind, rating, comment, tags)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (user_id, query_log_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			rating = EXCLUDED.rating,
			comment = EXCLUDED.comment,
			tags = EXCLUDED.tags,
			updated_at = now()
		RETURNING id, created_at, updated_at`,
		fb.ID, fb.UserID, fb.QueryLogID, fb.Kind, fb.Rating, fb.Comment, tags,
	).Scan(&fb.ID, &fb.CreatedAt, &fb.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("metastore: upserting feedback: %w", err)
	}
	return nil
}

// FeedbackByQueryLog loads the user's feedback for one query, if any.
func (s *Store) FeedbackByQueryLog(ctx context.Context, userID string, queryLogID uuid.UUID) (*model.Feedback, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+feedbackColumns+` FROM feedback
		WHERE user_id = $1 AND query_log_id = $2`, userID, queryLogID)
	return scanFeedback(row)
}

// FeedbackByUser lists the user's feedback entries, newest first.
func (s *Store) FeedbackByUser(ctx context.Context, userID string, limit, offset int) ([]*model.Feedback, error) {
	query := `SELECT ` + feedbackColumns + ` FROM feedback
		WHERE user_id = $1 ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("metastore: listing feedback: %w", err)
	}
	defer rows.Close()

	var entries []*model.Feedback
	for rows.Next() {
		fb, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fb)
	}
	return entries, rows.Err()
}

func scanFeedback(row pgx.Row) (*model.Feedback, error) {
	var (
		fb   model.Feedback
		tags []byte
	)
	err := row.Scan(&fb.ID, &fb.UserID, &fb.QueryLogID, &fb.Kind, &fb.Rating,
		&fb.Comment, &tags, &fb.CreatedAt, &fb.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metastore: scanning feedback: %w", err)
	}
	if err := json.Unmarshal(tags, &fb.Tags); err != nil {
		return nil, fmt.Errorf("metastore: decoding feedback tags: %w", err)
	}
	return &fb, nil
}
