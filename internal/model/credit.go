package model

import (
	"time"

	"github.com/google/uuid"
)

// TxnKind classifies a ledger entry.
type TxnKind string

const (
	// TxnInitial is the one-time signup grant.
	TxnInitial TxnKind = "initial"
	// TxnDeduction is a charge for a paid operation (negative amount).
	TxnDeduction TxnKind = "deduction"
	// TxnRefund returns a prior deduction after a downstream failure.
	TxnRefund TxnKind = "refund"
	// TxnBonus is a promotional or goodwill grant.
	TxnBonus TxnKind = "bonus"
	// TxnPurchase is a paid top-up.
	TxnPurchase TxnKind = "purchase"
)

// ValidTxnKind reports whether k is a known ledger entry kind.
func ValidTxnKind(k TxnKind) bool {
	switch k {
	case TxnInitial, TxnDeduction, TxnRefund, TxnBonus, TxnPurchase:
		return true
	}
	return false
}

// CreditTransaction is one append-only ledger entry. Entries are never
// updated or deleted except for the Refunded marker, which flips once when
// a deduction is returned.
type CreditTransaction struct {
	// ID is the transaction identifier.
	ID uuid.UUID `json:"id"`

	// UserID is the account the entry belongs to.
	UserID string `json:"user_id"`

	// Kind classifies the entry.
	Kind TxnKind `json:"kind"`

	// Amount is positive for grants and negative for deductions.
	Amount int64 `json:"amount"`

	// BalanceAfter is the account balance immediately after this entry.
	// Within a user's history ordered by creation, each entry's
	// BalanceAfter equals the previous BalanceAfter plus Amount.
	BalanceAfter int64 `json:"balance_after"`

	// Description is a short human-readable reason.
	Description string `json:"description,omitempty"`

	// QueryLogID links a deduction or refund to the query that caused it.
	QueryLogID *uuid.UUID `json:"query_log_id,omitempty"`

	// Refunded marks a deduction that has been returned. A deduction is
	// refunded at most once.
	Refunded bool `json:"refunded"`

	// RefundOf links a refund entry back to the deduction it reverses.
	RefundOf *uuid.UUID `json:"refund_of,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
