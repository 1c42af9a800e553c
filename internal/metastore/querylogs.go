package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
)

const queryLogColumns = `id, user_id, session_id, query, kind, institution, k,
	threshold, cache_used, result_count, response_ms, reliability, confidence,
	credits_charged, top_sources, metadata, created_at`

// InsertQueryLog appends one audit record. Entries are immutable.
func (s *Store) InsertQueryLog(ctx context.Context, entry *model.QueryLog) error {
	ctx, span := s.tracer.Start(ctx, "metastore.insert_query_log")
	defer span.End()
	span.SetAttributes(attribute.String("query_log_id", entry.ID.String()))

	sources, err := json.Marshal(entry.TopSources)
	if err != nil {
		return fmt.Errorf("metastore: marshaling top sources: %w", err)
	}
	metadata, err := marshalBag(entry.Metadata)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO query_logs (id, user_id, session_id, query, kind, institution,
			k, threshold, cache_used, result_count, response_ms, reliability,
			confidence, credits_charged, top_sources, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		entry.ID, entry.UserID, entry.SessionID, entry.Query, entry.Kind,
		entry.Institution, entry.K, entry.Threshold, entry.CacheUsed,
		entry.ResultCount, entry.ResponseMS, entry.Reliability, entry.Confidence,
		entry.CreditsCharged, sources, metadata,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("metastore: inserting query log: %w", err)
	}
	return nil
}

// GetQueryLog loads one audit record.
func (s *Store) GetQueryLog(ctx context.Context, id uuid.UUID) (*model.QueryLog, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+queryLogColumns+` FROM query_logs WHERE id = $1`, id)
	return scanQueryLog(row)
}

// QueryLogsByUser lists the user's history, newest first.
func (s *Store) QueryLogsByUser(ctx context.Context, userID string, limit, offset int) ([]*model.QueryLog, error) {
	query := `SELECT ` + queryLogColumns + ` FROM query_logs
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
		return nil, fmt.Errorf("metastore: listing query logs: %w", err)
	}
	defer rows.Close()

	var logs []*model.QueryLog
	for rows.Next() {
		entry, err := scanQueryLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func scanQueryLog(row pgx.Row) (*model.QueryLog, error) {
	var (
		entry    model.QueryLog
		sources  []byte
		metadata []byte
	)
	err := row.Scan(&entry.ID, &entry.UserID, &entry.SessionID, &entry.Query,
		&entry.Kind, &entry.Institution, &entry.K, &entry.Threshold,
		&entry.CacheUsed, &entry.ResultCount, &entry.ResponseMS,
		&entry.Reliability, &entry.Confidence, &entry.CreditsCharged,
		&sources, &metadata, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metastore: scanning query log: %w", err)
	}
	if err := json.Unmarshal(sources, &entry.TopSources); err != nil {
		return nil, fmt.Errorf("metastore: decoding top sources: %w", err)
	}
	if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
		return nil, fmt.Errorf("metastore: decoding metadata: %w", err)
	}
	return &entry, nil
}
