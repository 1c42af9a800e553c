package model

import (
	"time"

	"github.com/google/uuid"
)

// FeedbackKind classifies user feedback on an answered query.
type FeedbackKind string

const (
	FeedbackUp      FeedbackKind = "up"
	FeedbackDown    FeedbackKind = "down"
	FeedbackRating  FeedbackKind = "rating"
	FeedbackComment FeedbackKind = "comment"
	FeedbackBug     FeedbackKind = "bug"
)

// ValidFeedbackKind reports whether k is a known feedback kind.
func ValidFeedbackKind(k FeedbackKind) bool {
	switch k {
	case FeedbackUp, FeedbackDown, FeedbackRating, FeedbackComment, FeedbackBug:
		return true
	}
	return false
}

// Feedback is a user's verdict on one answered query. A user may store at
// most one feedback entry per query log; resubmitting replaces it.
type Feedback struct {
	ID         uuid.UUID    `json:"id"`
	UserID     string       `json:"user_id"`
	QueryLogID uuid.UUID    `json:"query_log_id"`
	Kind       FeedbackKind `json:"kind"`

	// Rating is 1..5 and only meaningful for the rating kind.
	Rating int `json:"rating,omitempty"`

	// Comment is free text, capped by the API layer.
	Comment string `json:"comment,omitempty"`

	// Tags are optional classification labels (wrong-source, outdated...).
	Tags []string `json:"tags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
