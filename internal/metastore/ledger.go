package metastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
)

// Ledger sentinels. Callers translate these into the API error taxonomy.
var (
	ErrInsufficientCredits = errors.New("metastore: insufficient credits")
	ErrAlreadyRefunded     = errors.New("metastore: deduction already refunded")
)

const txnColumns = `id, user_id, kind, amount, balance_after, description,
	query_log_id, refunded, refund_of, created_at`

// Deduct charges cost credits from the user and appends the ledger entry.
// Admin accounts get a zero-amount entry and keep their balance untouched.
// Returns ErrInsufficientCredits when the balance cannot cover the cost.
//
// The per-user advisory lock serializes all ledger mutations for one
// account, so balance_after always chains from the previous entry.
func (s *Store) Deduct(ctx context.Context, userID string, cost int64, queryLogID *uuid.UUID, description string) (*model.CreditTransaction, error) {
	ctx, span := s.tracer.Start(ctx, "metastore.deduct")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.Int64("cost", cost),
	)

	if cost < 0 {
		return nil, fmt.Errorf("metastore: negative deduction cost %d", cost)
	}

	var txn *model.CreditTransaction
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		balance, role, err := lockUser(ctx, tx, userID)
		if err != nil {
			return err
		}

		amount := -cost
		if role == model.RoleAdmin {
			amount = 0
		}
		if balance+amount < 0 {
			return ErrInsufficientCredits
		}

		txn, err = appendTxn(ctx, tx, &model.CreditTransaction{
			ID:           uuid.New(),
			UserID:       userID,
			Kind:         model.TxnDeduction,
			Amount:       amount,
			BalanceAfter: balance + amount,
			Description:  description,
			QueryLogID:   queryLogID,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return txn, nil
}

// Refund returns a deduction after a downstream failure. A deduction is
// refunded at most once; a second call returns ErrAlreadyRefunded. The
// refund entry links back to the deduction through refund_of.
func (s *Store) Refund(ctx context.Context, deductionID uuid.UUID, description string) (*model.CreditTransaction, error) {
	ctx, span := s.tracer.Start(ctx, "metastore.refund")
	defer span.End()
	span.SetAttributes(attribute.String("deduction_id", deductionID.String()))

	var txn *model.CreditTransaction
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+txnColumns+` FROM credit_transactions WHERE id = $1`, deductionID)
		deduction, err := scanTxn(row)
		if err != nil {
			return err
		}
		if deduction.Kind != model.TxnDeduction {
			return fmt.Errorf("metastore: transaction %s is not a deduction", deductionID)
		}

		balance, _, err := lockUser(ctx, tx, deduction.UserID)
		if err != nil {
			return err
		}

		// The refunded guard makes the refund idempotent under races; the
		// partial unique index on refund_of backs it at the schema level.
		tag, err := tx.Exec(ctx,
			`UPDATE credit_transactions SET refunded = true
			WHERE id = $1 AND refunded = false`, deductionID)
		if err != nil {
			return fmt.Errorf("metastore: marking deduction refunded: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyRefunded
		}

		txn, err = appendTxn(ctx, tx, &model.CreditTransaction{
			ID:           uuid.New(),
			UserID:       deduction.UserID,
			Kind:         model.TxnRefund,
			Amount:       -deduction.Amount,
			BalanceAfter: balance - deduction.Amount,
			Description:  description,
			QueryLogID:   deduction.QueryLogID,
			RefundOf:     &deduction.ID,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return txn, nil
}

// Grant credits the user with a positive amount (signup grant, bonus or
// purchase).
func (s *Store) Grant(ctx context.Context, userID string, kind model.TxnKind, amount int64, description string) (*model.CreditTransaction, error) {
	ctx, span := s.tracer.Start(ctx, "metastore.grant")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.Int64("amount", amount),
	)

	if amount <= 0 {
		return nil, fmt.Errorf("metastore: grant amount must be positive, got %d", amount)
	}
	if kind != model.TxnInitial && kind != model.TxnBonus && kind != model.TxnPurchase {
		return nil, fmt.Errorf("metastore: %q is not a grant kind", kind)
	}

	var txn *model.CreditTransaction
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		balance, _, err := lockUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		txn, err = appendTxn(ctx, tx, &model.CreditTransaction{
			ID:           uuid.New(),
			UserID:       userID,
			Kind:         kind,
			Amount:       amount,
			BalanceAfter: balance + amount,
			Description:  description,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return txn, nil
}

// Balance returns the user's current spendable balance.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT credit_balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("metastore: reading balance: %w", err)
	}
	return balance, nil
}

// TransactionsByUser lists the user's ledger entries, newest first.
func (s *Store) TransactionsByUser(ctx context.Context, userID string, limit, offset int) ([]*model.CreditTransaction, error) {
	query := `SELECT ` + txnColumns + ` FROM credit_transactions
		WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
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
		return nil, fmt.Errorf("metastore: listing transactions: %w", err)
	}
	defer rows.Close()

	var txns []*model.CreditTransaction
	for rows.Next() {
		txn, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

// VerifyLedger checks the user's ledger invariant: the denormalized
// balance equals the sum of entry amounts, and every entry's balance_after
// chains from the previous one. Returns an error describing the first
// violation.
func (s *Store) VerifyLedger(ctx context.Context, userID string) error {
	ctx, span := s.tracer.Start(ctx, "metastore.verify_ledger")
	defer span.End()

	return s.withTx(ctx, func(tx pgx.Tx) error {
		balance, _, err := lockUser(ctx, tx, userID)
		if err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `
			SELECT amount, balance_after FROM credit_transactions
			WHERE user_id = $1 ORDER BY created_at ASC, id ASC`, userID)
		if err != nil {
			return fmt.Errorf("metastore: reading ledger: %w", err)
		}
		defer rows.Close()

		var running int64
		for rows.Next() {
			var amount, after int64
			if err := rows.Scan(&amount, &after); err != nil {
				return err
			}
			running += amount
			if running != after {
				return fmt.Errorf("metastore: ledger broken for user %s: balance_after %d, running sum %d", userID, after, running)
			}
			if after < 0 {
				return fmt.Errorf("metastore: ledger broken for user %s: negative balance_after %d", userID, after)
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if running != balance {
			return fmt.Errorf("metastore: ledger broken for user %s: sum %d, stored balance %d", userID, running, balance)
		}
		return nil
	})
}

// lockUser takes the per-user advisory lock and reads the current balance
// and role. The lock releases with the enclosing transaction.
func lockUser(ctx context.Context, tx pgx.Tx, userID string) (int64, model.Role, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return 0, "", fmt.Errorf("metastore: taking user lock: %w", err)
	}
	var (
		balance int64
		role    model.Role
	)
	err := tx.QueryRow(ctx,
		`SELECT credit_balance, role FROM users WHERE id = $1`, userID).
		Scan(&balance, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", ErrNotFound
	}
	if err != nil {
		return 0, "", fmt.Errorf("metastore: reading user for lock: %w", err)
	}
	return balance, role, nil
}

// appendTxn inserts the ledger row and updates the denormalized balance.
// Must run under lockUser.
func appendTxn(ctx context.Context, tx pgx.Tx, txn *model.CreditTransaction) (*model.CreditTransaction, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO credit_transactions
			(id, user_id, kind, amount, balance_after, description, query_log_id, refund_of)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		txn.ID, txn.UserID, txn.Kind, txn.Amount, txn.BalanceAfter,
		txn.Description, txn.QueryLogID, txn.RefundOf,
	).Scan(&txn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("metastore: appending ledger entry: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET credit_balance = $1, updated_at = now() WHERE id = $2`,
		txn.BalanceAfter, txn.UserID)
	if err != nil {
		return nil, fmt.Errorf("metastore: updating balance: %w", err)
	}
	return txn, nil
}

func scanTxn(row pgx.Row) (*model.CreditTransaction, error) {
	var t model.CreditTransaction
	err := row.Scan(&t.ID, &t.UserID, &t.Kind, &t.Amount, &t.BalanceAfter,
		&t.Description, &t.QueryLogID, &t.Refunded, &t.RefundOf, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metastore: scanning transaction: %w", err)
	}
	return &t, nil
}
