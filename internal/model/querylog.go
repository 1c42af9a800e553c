package model

import (
	"time"

	"github.com/google/uuid"
)

// QueryKind distinguishes the retrieval surfaces.
type QueryKind string

const (
	// QueryAsk is retrieval plus answer generation.
	QueryAsk QueryKind = "ask"
	// QuerySearch is retrieval only, no generation and no charge.
	QuerySearch QueryKind = "search"
)

// SourceRef is a compact citation stored with a query log entry.
type SourceRef struct {
	DocumentID uuid.UUID `json:"document_id"`
	Title      string    `json:"title"`
	Page       int       `json:"page"`
	Similarity float64   `json:"similarity"`
}

// QueryLog is the audit record for one retrieval request. Exactly one entry
// is written per answered request; requests rejected before retrieval (rate
// limit, insufficient credits, validation) leave no entry.
type QueryLog struct {
	ID uuid.UUID `json:"id"`

	// UserID is the requesting account.
	UserID string `json:"user_id"`

	// SessionID groups requests from one client session, when provided.
	SessionID string `json:"session_id,omitempty"`

	// Query is the raw query text as submitted.
	Query string `json:"query"`

	// Kind is ask or search.
	Kind QueryKind `json:"kind"`

	// Institution is the retrieval filter applied, if any.
	Institution string `json:"institution,omitempty"`

	// K is the effective passage count requested.
	K int `json:"k"`

	// Threshold is the effective similarity floor applied.
	Threshold float64 `json:"threshold"`

	// CacheUsed marks answers served from the response cache.
	CacheUsed bool `json:"cache_used"`

	// ResultCount is the number of passages that survived filtering.
	ResultCount int `json:"result_count"`

	// ResponseMS is the end-to-end handling time in milliseconds.
	ResponseMS int64 `json:"response_ms"`

	// Reliability is the blended answer quality score in [0,1].
	Reliability float64 `json:"reliability"`

	// Confidence is the retrieval-only confidence score in [0,1].
	Confidence float64 `json:"confidence"`

	// CreditsCharged is the net credit cost of this request after refunds.
	CreditsCharged int64 `json:"credits_charged"`

	// TopSources are the citations backing the answer, best first.
	TopSources []SourceRef `json:"top_sources,omitempty"`

	// Metadata carries provider and timing details for diagnostics.
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
