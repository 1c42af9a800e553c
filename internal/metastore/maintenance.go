package metastore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
)

// GetMaintenanceFlag reads the singleton maintenance switch.
func (s *Store) GetMaintenanceFlag(ctx context.Context) (*model.MaintenanceFlag, error) {
	var (
		flag    model.MaintenanceFlag
		allowed []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT enabled, title, message, starts_at, ends_at, allowed_user_ids, updated_at
		FROM maintenance_flag WHERE singleton`).
		Scan(&flag.Enabled, &flag.Title, &flag.Message, &flag.StartsAt,
			&flag.EndsAt, &allowed, &flag.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("metastore: reading maintenance flag: %w", err)
	}
	if err := json.Unmarshal(allowed, &flag.AllowedUserIDs); err != nil {
		return nil, fmt.Errorf("metastore: decoding maintenance allow list: %w", err)
	}
	return &flag, nil
}

// SetMaintenanceFlag replaces the singleton maintenance switch.
func (s *Store) SetMaintenanceFlag(ctx context.Context, flag *model.MaintenanceFlag) error {
	ctx, span := s.tracer.Start(ctx, "metastore.set_maintenance_flag")
	defer span.End()

	allowed, err := json.Marshal(flag.AllowedUserIDs)
	if err != nil {
		return fmt.Errorf("metastore: marshaling maintenance allow list: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE maintenance_flag
		SET enabled = $1, title = $2, message = $3, starts_at = $4, ends_at = $5,
			allowed_user_ids = $6, updated_at = now()
		WHERE singleton`,
		flag.Enabled, flag.Title, flag.Message, flag.StartsAt, flag.EndsAt, allowed,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("metastore: writing maintenance flag: %w", err)
	}
	return nil
}
