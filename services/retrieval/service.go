// Package retrieval finds the chunks of currently active policy versions that
// best match a question.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/upb/policy-rag/models"
	"github.com/upb/policy-rag/repositories"
	"github.com/upb/policy-rag/services"
	"github.com/upb/policy-rag/services/providers"
	"github.com/upb/policy-rag/services/vectorindex"
	"go.uber.org/zap"
)

// Defaults
const (
	DefaultTopK           = 5
	MaxTopK               = 10
	DefaultScoreThreshold = 0.7
)

// Config holds retrieval defaults
type Config struct {
	TopK           int
	MaxTopK        int
	ScoreThreshold float64
}

// Options override the defaults for one call
type Options struct {
	TopK           int
	ScoreThreshold *float64
}

// Service retrieves matches restricted to active document versions
type Service struct {
	docs     repositories.DocumentRepository
	index    vectorindex.Index
	embedder providers.EmbeddingProvider
	cache    *EmbeddingCache
	cfg      Config
	logger   *zap.Logger
}

// NewService creates a new retrieval service. cache may be nil.
func NewService(
	docs repositories.DocumentRepository,
	index vectorindex.Index,
	embedder providers.EmbeddingProvider,
	cache *EmbeddingCache,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = MaxTopK
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.TopK > cfg.MaxTopK {
		cfg.TopK = cfg.MaxTopK
	}
	return &Service{
		docs:     docs,
		index:    index,
		embedder: embedder,
		cache:    cache,
		cfg:      cfg,
		logger:   logger,
	}
}

// Retrieve embeds the question and returns up to TopK matches scoring at least the
// threshold, best first. No match is not an error: the result is empty.
func (s *Service) Retrieve(ctx context.Context, question string, opts Options) ([]models.RetrievedMatch, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, services.NewValidation("question cannot be empty")
	}

	topK := opts.TopK
	if topK == 0 {
		topK = s.cfg.TopK
	}
	topK = max(1, min(topK, s.cfg.MaxTopK))

	threshold := s.cfg.ScoreThreshold
	if opts.ScoreThreshold != nil {
		threshold = *opts.ScoreThreshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, services.NewValidation("score threshold must be between 0 and 1")
	}

	vector, err := s.embedQuestion(ctx, question)
	if err != nil {
		return nil, err
	}

	activeIDs, err := s.activeDocumentIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(activeIDs) == 0 {
		return []models.RetrievedMatch{}, nil
	}

	hits, err := s.index.Search(ctx, vector, topK, vectorindex.Filter{DocumentIDs: activeIDs})
	if err != nil {
		return nil, services.WrapInternal("vector search failed", err)
	}

	matches := make([]models.RetrievedMatch, 0, len(hits))
	for _, h := range hits {
		if h.Score >= threshold {
			matches = append(matches, h.ToMatch())
		}
	}
	if len(matches) == 0 {
		s.logger.Debug("no match above threshold",
			zap.Int("hits", len(hits)),
			zap.Float64("threshold", threshold))
		return matches, nil
	}

	// a version may have been superseded while the search ran
	matches, err = s.dropInactive(ctx, matches)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].DocumentName != matches[j].DocumentName {
			return matches[i].DocumentName < matches[j].DocumentName
		}
		return matches[i].Ordinal < matches[j].Ordinal
	})
	return matches, nil
}

func (s *Service) embedQuestion(ctx context.Context, question string) ([]float32, error) {
	key := CacheKey(question)
	if vector, ok := s.cache.Get(key); ok {
		return vector, nil
	}

	vector, err := s.embedder.Embed(ctx, question)
	if err != nil {
		s.logger.Warn("question embedding failed", zap.Error(err))
		return nil, providers.ToDomainError(err)
	}
	s.cache.Set(key, vector)
	return vector, nil
}

// activeDocumentIDs returns the active version IDs. A document with more than one
// active version is blocked from retrieval until an operator fixes it.
func (s *Service) activeDocumentIDs(ctx context.Context) ([]uuid.UUID, error) {
	active, err := s.docs.ListActive(ctx)
	if err != nil {
		return nil, services.WrapInternal("failed to load active documents", err)
	}

	byName := make(map[string][]*models.Document, len(active))
	for _, d := range active {
		byName[d.Name] = append(byName[d.Name], d)
	}

	ids := make([]uuid.UUID, 0, len(active))
	for name, versions := range byName {
		if len(versions) > 1 {
			s.logger.Error("document blocked from retrieval",
				zap.String("name", name),
				zap.Int("active_versions", len(versions)),
				zap.String("code", string(services.CodeInconsistentActivation)))
			continue
		}
		ids = append(ids, versions[0].ID)
	}
	return ids, nil
}

func (s *Service) dropInactive(ctx context.Context, matches []models.RetrievedMatch) ([]models.RetrievedMatch, error) {
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, m := range matches {
		if !seen[m.DocumentID] {
			seen[m.DocumentID] = true
			ids = append(ids, m.DocumentID)
		}
	}

	stillActive, err := s.docs.FilterActive(ctx, ids)
	if err != nil {
		return nil, services.WrapInternal("failed to verify active documents", err)
	}
	active := make(map[uuid.UUID]bool, len(stillActive))
	for _, id := range stillActive {
		active[id] = true
	}

	kept := matches[:0]
	for _, m := range matches {
		if active[m.DocumentID] {
			kept = append(kept, m)
		}
	}
	if dropped := len(matches) - len(kept); dropped > 0 {
		s.logger.Info("dropped matches from versions demoted during retrieval", zap.Int("dropped", dropped))
	}
	return kept, nil
}

// CacheStats returns the embedding cache statistics
func (s *Service) CacheStats() CacheStats {
	if s.cache == nil {
		return CacheStats{}
	}
	return s.cache.Stats()
}

// FormatContext renders matches as numbered sources for the generation prompt
func FormatContext(matches []models.RetrievedMatch) string {
	parts := make([]string, len(matches))
	for i, m := range matches {
		parts[i] = fmt.Sprintf("[Source %d] %s (%s) - %s\n%s",
			i+1, m.DocumentName, versionLabel(m.Version), m.SectionLabel(), strings.TrimSpace(m.Text))
	}
	return strings.Join(parts, "\n---\n\n")
}

func versionLabel(version string) string {
	if strings.HasPrefix(version, "v") || strings.HasPrefix(version, "V") {
		return version
	}
	return "v" + version
}
