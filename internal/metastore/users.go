package metastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
)

const userColumns = `id, email, role, credit_balance, full_name, institution, created_at, updated_at`

// GetUser loads one user.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// EnsureUser inserts the user on first sight and returns whether the row
// was created. Identity comes from the auth provider; the row exists for
// the ledger and role.
func (s *Store) EnsureUser(ctx context.Context, user *model.User) (created bool, err error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, role, full_name, institution, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now(),now())
		ON CONFLICT (id) DO NOTHING`,
		user.ID, user.Email, user.Role, user.FullName, user.Institution,
	)
	if err != nil {
		return false, fmt.Errorf("metastore: ensuring user: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListUserIDs returns every user id, used by the ledger verification sweep.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM users ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("metastore: listing users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("metastore: scanning user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateUserRole changes a user's role.
func (s *Store) UpdateUserRole(ctx context.Context, id string, role model.Role) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET role = $1, updated_at = now() WHERE id = $2`, role, id)
	if err != nil {
		return fmt.Errorf("metastore: updating user role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.Role, &u.CreditBalance,
		&u.FullName, &u.Institution, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metastore: scanning user: %w", err)
	}
	return &u, nil
}
