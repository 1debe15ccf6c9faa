// Package memory provides in-process repository implementations for
// development and tests. All stores are safe for concurrent use.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/policy-rag/models"
	"github.com/upb/policy-rag/repositories"
)

// DocumentRepository is an in-memory repositories.DocumentRepository
type DocumentRepository struct {
	mu   sync.RWMutex
	docs map[uuid.UUID]*models.Document
}

// NewDocumentRepository creates an empty document store
func NewDocumentRepository() *DocumentRepository {
	return &DocumentRepository{docs: make(map[uuid.UUID]*models.Document)}
}

func cloneDocument(d *models.Document) *models.Document {
	c := *d
	c.Tags = append([]string{}, d.Tags...)
	if d.EffectiveTo != nil {
		t := *d.EffectiveTo
		c.EffectiveTo = &t
	}
	return &c
}

func (r *DocumentRepository) Create(ctx context.Context, doc *models.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.docs {
		if d.Name == doc.Name && d.Version == doc.Version {
			return fmt.Errorf("policy document %q version %q already exists", doc.Name, doc.Version)
		}
	}
	if doc.Status == models.DocumentStatusActive {
		for _, d := range r.docs {
			if d.Name == doc.Name && d.Status == models.DocumentStatusActive {
				return fmt.Errorf("policy document %q: %w", doc.Name, repositories.ErrActivationConflict)
			}
		}
	}
	r.docs[doc.ID] = cloneDocument(doc)
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.docs[id]
	if !ok {
		return nil, fmt.Errorf("policy document %s: %w", id, repositories.ErrNotFound)
	}
	return cloneDocument(d), nil
}

func (r *DocumentRepository) GetByNameVersion(ctx context.Context, name, version string) (*models.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.docs {
		if d.Name == name && d.Version == version {
			return cloneDocument(d), nil
		}
	}
	return nil, fmt.Errorf("policy document %q version %q: %w", name, version, repositories.ErrNotFound)
}

func (r *DocumentRepository) GetActiveByName(ctx context.Context, name string) (*models.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d := r.activeLocked(name); d != nil {
		return cloneDocument(d), nil
	}
	return nil, fmt.Errorf("active version of %q: %w", name, repositories.ErrNotFound)
}

func (r *DocumentRepository) ListVersions(ctx context.Context, name string) ([]*models.Document, error) {
	return r.filter(func(d *models.Document) bool { return d.Name == name }), nil
}

func (r *DocumentRepository) List(ctx context.Context, status *models.DocumentStatus) ([]*models.Document, error) {
	return r.filter(func(d *models.Document) bool { return status == nil || d.Status == *status }), nil
}

func (r *DocumentRepository) ListActive(ctx context.Context) ([]*models.Document, error) {
	return r.filter(func(d *models.Document) bool { return d.Status == models.DocumentStatusActive }), nil
}

func (r *DocumentRepository) FilterActive(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if d, ok := r.docs[id]; ok && d.Status == models.DocumentStatusActive {
			active = append(active, id)
		}
	}
	return active, nil
}

func (r *DocumentRepository) UpdateContent(ctx context.Context, doc *models.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.docs[doc.ID]
	if !ok {
		return fmt.Errorf("policy document %s: %w", doc.ID, repositories.ErrNotFound)
	}
	doc.UpdatedAt = time.Now().UTC()
	d.ContentHash = doc.ContentHash
	d.ChunkCount = doc.ChunkCount
	d.Tags = append([]string{}, doc.Tags...)
	d.SourceFilename = doc.SourceFilename
	d.EffectiveFrom = doc.EffectiveFrom
	d.UpdatedAt = doc.UpdatedAt
	return nil
}

// Activate swaps the active version under the store lock
func (r *DocumentRepository) Activate(ctx context.Context, id uuid.UUID) (*repositories.ActivationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.docs[id]
	if !ok {
		return nil, fmt.Errorf("policy document %s: %w", id, repositories.ErrNotFound)
	}
	switch target.Status {
	case models.DocumentStatusActive:
		return &repositories.ActivationResult{Activated: cloneDocument(target)}, nil
	case models.DocumentStatusArchived:
		return nil, fmt.Errorf("policy document %s is archived: %w", id, repositories.ErrActivationConflict)
	}

	now := time.Now().UTC()
	result := &repositories.ActivationResult{}

	if prev := r.activeLocked(target.Name); prev != nil {
		effectiveTo := target.EffectiveFrom
		if effectiveTo.Before(prev.EffectiveFrom) {
			effectiveTo = now
		}
		prev.Status = models.DocumentStatusSuperseded
		prev.EffectiveTo = &effectiveTo
		prev.UpdatedAt = now
		result.Superseded = cloneDocument(prev)
	}

	target.Status = models.DocumentStatusActive
	target.EffectiveTo = nil
	target.UpdatedAt = now
	result.Activated = cloneDocument(target)
	return result, nil
}

func (r *DocumentRepository) ArchiveByName(ctx context.Context, name string) ([]*models.Document, error) {
	r.mu.Lock()
	now := time.Now().UTC()
	found := false
	for _, d := range r.docs {
		if d.Name != name {
			continue
		}
		found = true
		if d.Status == models.DocumentStatusArchived {
			continue
		}
		d.Status = models.DocumentStatusArchived
		if d.EffectiveTo == nil {
			t := now
			d.EffectiveTo = &t
		}
		d.UpdatedAt = now
	}
	r.mu.Unlock()

	if !found {
		return nil, fmt.Errorf("policy document %q: %w", name, repositories.ErrNotFound)
	}
	return r.ListVersions(ctx, name)
}

// SetStatus forces a status, bypassing activation rules. Test helper for
// reproducing stores left inconsistent by external writers.
func (r *DocumentRepository) SetStatus(id uuid.UUID, status models.DocumentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.docs[id]; ok {
		d.Status = status
	}
}

func (r *DocumentRepository) activeLocked(name string) *models.Document {
	for _, d := range r.docs {
		if d.Name == name && d.Status == models.DocumentStatusActive {
			return d
		}
	}
	return nil
}

// filter returns matching documents ordered by name, then newest first
func (r *DocumentRepository) filter(keep func(*models.Document) bool) []*models.Document {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Document, 0)
	for _, d := range r.docs {
		if keep(d) {
			out = append(out, cloneDocument(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
