package model

import "time"

// Role grants capabilities on the API surface.
type Role string

const (
	// RoleAdmin may manage documents, users, credits and maintenance mode.
	RoleAdmin Role = "admin"
	// RoleUser is the default self-service role.
	RoleUser Role = "user"
	// RolePremium is a user tier with a larger credit allowance.
	RolePremium Role = "premium"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	return r == RoleAdmin || r == RoleUser || r == RolePremium
}

// User is an account known to the credit ledger. Identity and passwords are
// owned by the external auth provider; this record carries the role and the
// denormalized credit balance.
type User struct {
	// ID is the auth-provider subject identifier.
	ID string `json:"id"`

	// Email is the login email, unique across users.
	Email string `json:"email"`

	// Role grants API capabilities.
	Role Role `json:"role"`

	// CreditBalance is the current spendable balance. It always equals the
	// sum of the user's ledger transaction amounts and never goes negative.
	CreditBalance int64 `json:"credit_balance"`

	// FullName is the display name.
	FullName string `json:"full_name,omitempty"`

	// Institution is the user's declared affiliation.
	Institution string `json:"institution,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
