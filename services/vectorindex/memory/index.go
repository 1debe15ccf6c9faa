// Package memory is a brute-force in-process vector index.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/policy-rag/services/vectorindex"
)

// Index keeps every point in a map and scans it on search
type Index struct {
	mu     sync.RWMutex
	dim    int
	points map[uuid.UUID]vectorindex.Point
}

// New creates an empty index; dim 0 accepts any dimension
func New(dim int) *Index {
	return &Index{dim: dim, points: make(map[uuid.UUID]vectorindex.Point)}
}

func (x *Index) Upsert(ctx context.Context, points []vectorindex.Point) error {
	for _, p := range points {
		if x.dim > 0 && len(p.Vector) != x.dim {
			return fmt.Errorf("point %s has %d dims, want %d: %w", p.ID, len(p.Vector), x.dim, vectorindex.ErrDimensionMismatch)
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	for _, p := range points {
		p.Vector = append([]float32(nil), p.Vector...)
		x.points[p.ID] = p
	}
	return nil
}

func (x *Index) Search(ctx context.Context, vector []float32, k int, filter vectorindex.Filter) ([]vectorindex.ScoredPoint, error) {
	if k <= 0 || len(filter.DocumentIDs) == 0 {
		return []vectorindex.ScoredPoint{}, nil
	}

	x.mu.RLock()
	hits := make([]vectorindex.ScoredPoint, 0)
	for _, p := range x.points {
		if !filter.Matches(p.Payload) {
			continue
		}
		hits = append(hits, vectorindex.ScoredPoint{
			ID:      p.ID,
			Score:   vectorindex.Cosine(vector, p.Vector),
			Payload: p.Payload,
		})
	}
	x.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID.String() < hits[j].ID.String()
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (x *Index) Delete(ctx context.Context, filter vectorindex.Filter) (int, error) {
	if len(filter.DocumentIDs) == 0 {
		return 0, vectorindex.ErrEmptyFilter
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for id, p := range x.points {
		if filter.Matches(p.Payload) {
			delete(x.points, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored points
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.points)
}
