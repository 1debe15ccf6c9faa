package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/policy-rag/models"
)

// ChunkRepository is an in-memory repositories.ChunkRepository
type ChunkRepository struct {
	mu     sync.RWMutex
	chunks map[uuid.UUID][]*models.Chunk
}

// NewChunkRepository creates an empty chunk store
func NewChunkRepository() *ChunkRepository {
	return &ChunkRepository{chunks: make(map[uuid.UUID][]*models.Chunk)}
}

func (r *ChunkRepository) ReplaceForDocument(ctx context.Context, documentID uuid.UUID, chunks []*models.Chunk) error {
	cp := make([]*models.Chunk, len(chunks))
	for i, c := range chunks {
		v := *c
		cp[i] = &v
	}
	sort.Slice(cp, func(i, j int) bool { return cp[i].Ordinal < cp[j].Ordinal })

	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks[documentID] = cp
	return nil
}

func (r *ChunkRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*models.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.chunks[documentID]
	out := make([]*models.Chunk, len(stored))
	for i, c := range stored {
		v := *c
		out[i] = &v
	}
	return out, nil
}

func (r *ChunkRepository) CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chunks[documentID]), nil
}
