package model

import "time"

// MaintenanceFlag is the single system-wide maintenance switch. While
// enabled, non-admin requests outside the allow list receive a maintenance
// response instead of service.
type MaintenanceFlag struct {
	Enabled bool `json:"enabled"`

	// Title and Message are shown verbatim to blocked clients.
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`

	// StartsAt and EndsAt bound a scheduled window; outside the window the
	// flag behaves as disabled even when Enabled is true.
	StartsAt *time.Time `json:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`

	// AllowedUserIDs bypass the block (operators verifying a deploy).
	AllowedUserIDs []string `json:"allowed_user_ids,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ActiveAt reports whether the flag blocks traffic at the given instant.
func (f *MaintenanceFlag) ActiveAt(now time.Time) bool {
	if f == nil || !f.Enabled {
		return false
	}
	if f.StartsAt != nil && now.Before(*f.StartsAt) {
		return false
	}
	if f.EndsAt != nil && now.After(*f.EndsAt) {
		return false
	}
	return true
}

// Allows reports whether the given user bypasses an active flag.
func (f *MaintenanceFlag) Allows(userID string) bool {
	for _, id := range f.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
