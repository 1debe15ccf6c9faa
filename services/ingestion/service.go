// Package ingestion turns policy documents into indexed, versioned chunks and
// manages version activation, rollback and archival.
package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/policy-rag/models"
	"github.com/upb/policy-rag/repositories"
	"github.com/upb/policy-rag/services"
	"github.com/upb/policy-rag/services/chunker"
	"github.com/upb/policy-rag/services/extract"
	"github.com/upb/policy-rag/services/providers"
	"github.com/upb/policy-rag/services/vectorindex"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MaxEmbedBatchSize is the largest batch sent to the embedding provider in one call
const MaxEmbedBatchSize = 100

// Config controls embedding fan-out
type Config struct {
	EmbedBatchSize   int
	EmbedConcurrency int
}

// Metadata carries optional version attributes
type Metadata struct {
	Tags           []string
	EffectiveFrom  time.Time
	SourceFilename string
	// Activate defaults to true when nil
	Activate *bool
}

func (m Metadata) activate() bool {
	return m.Activate == nil || *m.Activate
}

// IngestRequest is one document version to index
type IngestRequest struct {
	Name     string
	Version  string
	Text     string
	Metadata Metadata
}

// IngestResult describes an indexed version
type IngestResult struct {
	DocumentID    uuid.UUID             `json:"document_id"`
	Name          string                `json:"name"`
	Version       string                `json:"version"`
	ChunksCreated int                   `json:"chunks_created"`
	Status        models.DocumentStatus `json:"status"`
	SupersededID  *uuid.UUID            `json:"superseded_id,omitempty"`
	Reused        bool                  `json:"reused"`
}

// DeleteResult describes an archived document
type DeleteResult struct {
	VersionsArchived int `json:"versions_archived"`
	VectorsPurged    int `json:"vectors_purged"`
}

// Consistency problems reported by CheckConsistency
const (
	IssueMultipleActive = "multiple_active"
	IssueNoActive       = "no_active"
)

// ActivationIssue is a document whose version states break the one-active rule
type ActivationIssue struct {
	Name           string   `json:"name"`
	Problem        string   `json:"problem"`
	ActiveVersions []string `json:"active_versions"`
}

// Service is the ingestion pipeline
type Service struct {
	repos    *repositories.Repositories
	index    vectorindex.Index
	embedder providers.EmbeddingProvider
	chunker  *chunker.Chunker
	cfg      Config
	logger   *zap.Logger
}

// NewService creates a new ingestion service
func NewService(
	repos *repositories.Repositories,
	index vectorindex.Index,
	embedder providers.EmbeddingProvider,
	chunker *chunker.Chunker,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.EmbedBatchSize <= 0 || cfg.EmbedBatchSize > MaxEmbedBatchSize {
		cfg.EmbedBatchSize = MaxEmbedBatchSize
	}
	if cfg.EmbedConcurrency <= 0 {
		cfg.EmbedConcurrency = 4
	}
	return &Service{
		repos:    repos,
		index:    index,
		embedder: embedder,
		chunker:  chunker,
		cfg:      cfg,
		logger:   logger,
	}
}

// Ingest chunks, embeds and indexes one version, then optionally activates it.
// Re-ingesting the same name and version overwrites its chunks and vectors in place.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	start := time.Now()
	name := strings.TrimSpace(req.Name)
	version := strings.TrimSpace(req.Version)
	if name == "" || version == "" {
		return nil, services.NewValidation("document name and version are required")
	}

	text := extract.Clean(req.Text)
	chunks, err := s.chunker.Chunk(text)
	if err != nil {
		return nil, err
	}
	hash := contentHash(text)

	doc, err := s.repos.Documents.GetByNameVersion(ctx, name, version)
	switch {
	case err == nil:
		if doc.Status == models.DocumentStatusArchived {
			return nil, services.NewDomainError(services.ErrorTypeConflict,
				fmt.Sprintf("version %q of %q is archived", version, name), nil)
		}
		if doc.IsActive() && doc.ContentHash == hash && doc.ChunkCount == len(chunks) {
			s.logger.Info("document unchanged, skipping re-index",
				zap.String("name", name),
				zap.String("version", version))
			return &IngestResult{
				DocumentID:    doc.ID,
				Name:          name,
				Version:       version,
				ChunksCreated: doc.ChunkCount,
				Status:        doc.Status,
				Reused:        true,
			}, nil
		}
	case errors.Is(err, repositories.ErrNotFound):
		doc = models.NewDocument(name, version, req.Metadata.EffectiveFrom, req.Metadata.Tags)
		doc.SourceFilename = req.Metadata.SourceFilename
		if err := s.repos.Documents.Create(ctx, doc); err != nil {
			return nil, services.WrapInternal("failed to create document version", err)
		}
	default:
		return nil, services.WrapInternal("failed to look up document version", err)
	}

	vectors, err := s.embedChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}

	records := make([]*models.Chunk, len(chunks))
	points := make([]vectorindex.Point, len(chunks))
	for i, c := range chunks {
		id := models.ChunkID(doc.ID, c.Ordinal)
		records[i] = &models.Chunk{
			ID:         id,
			DocumentID: doc.ID,
			Ordinal:    c.Ordinal,
			Section:    c.Section,
			Text:       c.Text,
			CharCount:  c.CharCount,
			WordCount:  c.WordCount,
			TokenCount: c.TokenCount,
			VectorRef:  id.String(),
		}
		points[i] = vectorindex.Point{
			ID:     id,
			Vector: vectors[i],
			Payload: vectorindex.Payload{
				DocumentID:   doc.ID,
				DocumentName: doc.Name,
				Version:      doc.Version,
				Ordinal:      c.Ordinal,
				Section:      c.Section,
				Text:         c.Text,
			},
		}
	}

	if err := s.writeVectors(ctx, doc.ID, points); err != nil {
		return nil, err
	}

	if len(req.Metadata.Tags) > 0 {
		doc.Tags = req.Metadata.Tags
	}
	if !req.Metadata.EffectiveFrom.IsZero() {
		doc.EffectiveFrom = req.Metadata.EffectiveFrom
	}
	if req.Metadata.SourceFilename != "" {
		doc.SourceFilename = req.Metadata.SourceFilename
	}
	doc.ContentHash = hash
	doc.ChunkCount = len(records)

	result := &IngestResult{
		DocumentID:    doc.ID,
		Name:          doc.Name,
		Version:       doc.Version,
		ChunksCreated: len(records),
		Status:        doc.Status,
	}

	err = services.WithTransaction(ctx, s.repos.Tx, func(ctx context.Context, tx repositories.Transaction) error {
		if err := s.repos.Chunks.ReplaceForDocument(ctx, doc.ID, records); err != nil {
			return err
		}
		if err := s.repos.Documents.UpdateContent(ctx, doc); err != nil {
			return err
		}
		if !req.Metadata.activate() {
			return nil
		}
		activation, err := s.repos.Documents.Activate(ctx, doc.ID)
		if err != nil {
			return err
		}
		result.Status = activation.Activated.Status
		if activation.Superseded != nil {
			result.SupersededID = &activation.Superseded.ID
		}
		return nil
	})
	if err != nil {
		return nil, mapStoreError(err, "failed to store document version")
	}

	s.logger.Info("document ingested",
		zap.String("document_id", doc.ID.String()),
		zap.String("name", doc.Name),
		zap.String("version", doc.Version),
		zap.Int("chunks", len(records)),
		zap.String("status", string(result.Status)),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

// Update ingests newVersion of an existing document and activates it, superseding the
// current active version. Tags are inherited when none are given.
func (s *Service) Update(ctx context.Context, name, newVersion, text string, meta Metadata) (*IngestResult, error) {
	name = strings.TrimSpace(name)
	current, err := s.repos.Documents.GetActiveByName(ctx, name)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.NewNotFound(fmt.Sprintf("no active version of %q", name))
		}
		return nil, services.WrapInternal("failed to load active version", err)
	}
	if current.Version == strings.TrimSpace(newVersion) {
		return nil, services.NewValidation(fmt.Sprintf("version %q is already active", newVersion))
	}

	if len(meta.Tags) == 0 {
		meta.Tags = current.Tags
	}
	activate := true
	meta.Activate = &activate

	return s.Ingest(ctx, IngestRequest{
		Name:     name,
		Version:  newVersion,
		Text:     text,
		Metadata: meta,
	})
}

// Delete archives every version of a document and purges their vectors.
// Calling it again for the same name is harmless.
func (s *Service) Delete(ctx context.Context, name string) (*DeleteResult, error) {
	docs, err := s.repos.Documents.ArchiveByName(ctx, name)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.NewNotFound(fmt.Sprintf("policy document %q not found", name))
		}
		return nil, services.WrapInternal("failed to archive document", err)
	}

	ids := make([]uuid.UUID, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}

	purged := 0
	if len(ids) > 0 {
		purged, err = s.index.Delete(ctx, vectorindex.Filter{DocumentIDs: ids})
		if err != nil {
			return nil, services.WrapInternal("failed to purge document vectors", err)
		}
	}

	s.logger.Info("document archived",
		zap.String("name", name),
		zap.Int("versions", len(docs)),
		zap.Int("vectors_purged", purged))
	return &DeleteResult{VersionsArchived: len(docs), VectorsPurged: purged}, nil
}

// Activate makes an existing version active, e.g. to roll back to a superseded one
func (s *Service) Activate(ctx context.Context, documentID uuid.UUID) (*IngestResult, error) {
	doc, err := s.repos.Documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, mapStoreError(err, "failed to load document version")
	}
	count, err := s.repos.Chunks.CountByDocument(ctx, documentID)
	if err != nil {
		return nil, services.WrapInternal("failed to count chunks", err)
	}
	if count == 0 {
		return nil, services.NewValidation(fmt.Sprintf("version %q of %q has no indexed chunks", doc.Version, doc.Name))
	}

	activation, err := s.repos.Documents.Activate(ctx, documentID)
	if err != nil {
		return nil, mapStoreError(err, "failed to activate document version")
	}

	result := &IngestResult{
		DocumentID:    activation.Activated.ID,
		Name:          activation.Activated.Name,
		Version:       activation.Activated.Version,
		ChunksCreated: count,
		Status:        activation.Activated.Status,
	}
	if activation.Superseded != nil {
		result.SupersededID = &activation.Superseded.ID
	}
	return result, nil
}

// Versions lists every version of a document, newest first
func (s *Service) Versions(ctx context.Context, name string) ([]*models.Document, error) {
	docs, err := s.repos.Documents.ListVersions(ctx, name)
	if err != nil {
		return nil, services.WrapInternal("failed to list versions", err)
	}
	if len(docs) == 0 {
		return nil, services.NewNotFound(fmt.Sprintf("policy document %q not found", name))
	}
	return docs, nil
}

// List returns document versions, optionally filtered by status
func (s *Service) List(ctx context.Context, status *models.DocumentStatus) ([]*models.Document, error) {
	if status != nil && !status.IsValid() {
		return nil, services.NewValidation(fmt.Sprintf("unknown status %q", *status))
	}
	docs, err := s.repos.Documents.List(ctx, status)
	if err != nil {
		return nil, services.WrapInternal("failed to list documents", err)
	}
	return docs, nil
}

// CheckConsistency reports documents with more than one active version and documents
// left with superseded versions but no active one.
func (s *Service) CheckConsistency(ctx context.Context) ([]ActivationIssue, error) {
	docs, err := s.repos.Documents.List(ctx, nil)
	if err != nil {
		return nil, services.WrapInternal("failed to list documents", err)
	}

	type state struct {
		active     []string
		superseded int
	}
	byName := make(map[string]*state)
	var names []string
	for _, d := range docs {
		st, ok := byName[d.Name]
		if !ok {
			st = &state{}
			byName[d.Name] = st
			names = append(names, d.Name)
		}
		switch d.Status {
		case models.DocumentStatusActive:
			st.active = append(st.active, d.Version)
		case models.DocumentStatusSuperseded:
			st.superseded++
		}
	}

	issues := make([]ActivationIssue, 0)
	for _, name := range names {
		st := byName[name]
		switch {
		case len(st.active) > 1:
			issues = append(issues, ActivationIssue{Name: name, Problem: IssueMultipleActive, ActiveVersions: st.active})
		case len(st.active) == 0 && st.superseded > 0:
			issues = append(issues, ActivationIssue{Name: name, Problem: IssueNoActive, ActiveVersions: []string{}})
		}
	}
	for _, issue := range issues {
		s.logger.Error("activation inconsistency",
			zap.String("name", issue.Name),
			zap.String("problem", issue.Problem),
			zap.Strings("active_versions", issue.ActiveVersions))
	}
	return issues, nil
}

// embedChunks embeds chunk texts in bounded-parallel batches, preserving order
func (s *Service) embedChunks(ctx context.Context, chunks []chunker.Chunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.EmbedConcurrency)
	for from := 0; from < len(texts); from += s.cfg.EmbedBatchSize {
		to := min(from+s.cfg.EmbedBatchSize, len(texts))
		g.Go(func() error {
			batch, err := s.embedder.EmbedBatch(gctx, texts[from:to])
			if err != nil {
				return err
			}
			if len(batch) != to-from {
				return fmt.Errorf("embedding provider returned %d vectors for %d chunks", len(batch), to-from)
			}
			copy(vectors[from:to], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("chunk embedding failed",
			zap.Int("chunks", len(texts)),
			zap.Error(err))
		return nil, providers.ToDomainError(err)
	}
	return vectors, nil
}

// writeVectors upserts the version's points batch by batch and removes points
// left over from a longer previous ingestion of the same version
func (s *Service) writeVectors(ctx context.Context, documentID uuid.UUID, points []vectorindex.Point) error {
	for from := 0; from < len(points); from += s.cfg.EmbedBatchSize {
		to := min(from+s.cfg.EmbedBatchSize, len(points))
		if err := s.index.Upsert(ctx, points[from:to]); err != nil {
			return services.WrapInternal("failed to upsert vectors", err)
		}
	}

	minOrdinal := len(points)
	stale, err := s.index.Delete(ctx, vectorindex.Filter{
		DocumentIDs: []uuid.UUID{documentID},
		MinOrdinal:  &minOrdinal,
	})
	if err != nil {
		return services.WrapInternal("failed to remove stale vectors", err)
	}
	if stale > 0 {
		s.logger.Debug("stale vectors removed",
			zap.String("document_id", documentID.String()),
			zap.Int("count", stale))
	}
	return nil
}

func mapStoreError(err error, message string) error {
	var de *services.DomainError
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, repositories.ErrNotFound):
		return services.NewNotFound("policy document version not found")
	case errors.Is(err, repositories.ErrActivationConflict):
		return services.NewDomainError(services.ErrorTypeConflict, "document version could not be activated", err)
	}
	return services.WrapInternal(message, err)
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
