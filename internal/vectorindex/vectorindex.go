// Package vectorindex stores and searches passage embeddings.
//
// The index is the only owner of passages. Identity is (document id, chunk
// index); point ids are derived deterministically from that pair so a
// reprocess overwrites instead of duplicating. No vendor terms leak out of
// this package: callers speak in passages, hits and filters.
package vectorindex

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrDimensionMismatch is returned by EnsureCollection when the existing
// collection was created with a different vector width. The service refuses
// to start in that state.
var ErrDimensionMismatch = errors.New("vectorindex: collection vector size mismatch")

// Passage is one indexed chunk with its source coordinates. Institution and
// Title are denormalized so retrieval can filter and cite without a
// metadata-store round trip.
type Passage struct {
	DocumentID uuid.UUID
	ChunkIndex int
	Vector     []float32

	Text        string
	Page        int
	LineStart   int
	LineEnd     int
	Institution string
	Title       string
}

// Hit is one search result. Score is cosine similarity in [-1, 1].
type Hit struct {
	DocumentID uuid.UUID
	ChunkIndex int
	Score      float64

	Text        string
	Page        int
	LineStart   int
	LineEnd     int
	Institution string
	Title       string
}

// Filter narrows a search. Zero values mean no constraint.
type Filter struct {
	// Institution keeps only passages from the given issuing body.
	Institution string
}

// Index is the vector-search capability.
type Index interface {
	// EnsureCollection creates the collection on first use and verifies the
	// vector width on every start.
	EnsureCollection(ctx context.Context) error

	// Upsert writes passages, splitting into transport batches internally.
	Upsert(ctx context.Context, passages []Passage) error

	// Search returns the closest passages to the query vector, best first.
	Search(ctx context.Context, vector []float32, limit int, filter *Filter) ([]Hit, error)

	// DeleteByDocument removes every passage of the document. Idempotent.
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error

	// CountByDocument reports how many passages the document has indexed.
	CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error)

	// HealthCheck verifies the engine is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// PointID derives the stable point id for a passage identity.
func PointID(documentID uuid.UUID, chunkIndex int) string {
	return uuid.NewSHA1(documentID, []byte{
		byte(chunkIndex >> 24), byte(chunkIndex >> 16), byte(chunkIndex >> 8), byte(chunkIndex),
	}).String()
}
