// Package vectorindex defines the Vector Index abstraction over embedded
// document chunks. Scores are cosine similarity; higher is better.
package vectorindex

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"
	"github.com/upb/policy-rag/models"
)

// ErrEmptyFilter is returned by Delete when the filter names no document
var ErrEmptyFilter = errors.New("vector filter must name at least one document")

// ErrDimensionMismatch is returned when a vector does not match the index dimension
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Payload is the chunk metadata stored next to each vector
type Payload struct {
	DocumentID   uuid.UUID `json:"document_id"`
	DocumentName string    `json:"document_name"`
	Version      string    `json:"version"`
	Ordinal      int       `json:"ordinal"`
	Section      *string   `json:"section,omitempty"`
	Text         string    `json:"text"`
}

// Point is one chunk vector. ID is the chunk ID and doubles as the vector reference.
type Point struct {
	ID      uuid.UUID
	Vector  []float32
	Payload Payload
}

// ScoredPoint is a search hit
type ScoredPoint struct {
	ID      uuid.UUID
	Score   float64
	Payload Payload
}

// Filter restricts search and delete to a set of documents.
// MinOrdinal, when set, keeps only points with ordinal >= *MinOrdinal.
type Filter struct {
	DocumentIDs []uuid.UUID
	MinOrdinal  *int
}

// Matches reports whether a payload passes the filter
func (f Filter) Matches(p Payload) bool {
	if f.MinOrdinal != nil && p.Ordinal < *f.MinOrdinal {
		return false
	}
	for _, id := range f.DocumentIDs {
		if id == p.DocumentID {
			return true
		}
	}
	return false
}

// Index stores chunk vectors and answers nearest-neighbour queries
type Index interface {
	// Upsert inserts or replaces points by ID
	Upsert(ctx context.Context, points []Point) error

	// Search returns at most k points matching filter, best first.
	// An empty DocumentIDs filter matches nothing.
	Search(ctx context.Context, vector []float32, k int, filter Filter) ([]ScoredPoint, error)

	// Delete removes every point matching filter and returns how many were removed
	Delete(ctx context.Context, filter Filter) (int, error)
}

// ToMatch converts a hit into a retrieval match
func (p ScoredPoint) ToMatch() models.RetrievedMatch {
	return models.RetrievedMatch{
		ChunkID:      p.ID,
		DocumentID:   p.Payload.DocumentID,
		DocumentName: p.Payload.DocumentName,
		Version:      p.Payload.Version,
		Section:      p.Payload.Section,
		Ordinal:      p.Payload.Ordinal,
		Score:        p.Score,
		Text:         p.Payload.Text,
	}
}

// Cosine returns the cosine similarity of a and b, or 0 when either is zero
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// IDStrings converts document IDs into their string form
func IDStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
