// Package qdrant is a minimal REST client that stores chunk vectors in a
// Qdrant collection using cosine distance.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/upb/policy-rag/services/vectorindex"
	"go.uber.org/zap"
)

// Config configures the Qdrant client
type Config struct {
	URL        string
	APIKey     string
	Collection string
	Dimension  int
	Timeout    time.Duration
}

// Index implements vectorindex.Index over the Qdrant HTTP API
type Index struct {
	url        string
	apiKey     string
	collection string
	dimension  int
	client     *http.Client
	logger     *zap.Logger
}

// errNotFound marks a 404 from Qdrant
var errNotFound = errors.New("qdrant: not found")

// New creates a client; call EnsureCollection before use
func New(cfg Config, logger *zap.Logger) *Index {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Index{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// EnsureCollection creates the collection and its payload indexes if missing
func (s *Index) EnsureCollection(ctx context.Context) error {
	if s.dimension <= 0 {
		return errors.New("qdrant: invalid dimension")
	}

	err := s.do(ctx, http.MethodGet, s.collectionURL(""), nil, nil)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errNotFound) {
		return err
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.dimension,
			"distance": "Cosine",
		},
	}
	if err := s.do(ctx, http.MethodPut, s.collectionURL(""), body, nil); err != nil {
		return err
	}

	for field, schema := range map[string]string{"document_id": "keyword", "ordinal": "integer"} {
		idx := map[string]any{"field_name": field, "field_schema": schema}
		if err := s.do(ctx, http.MethodPut, s.collectionURL("/index?wait=true"), idx, nil); err != nil {
			return err
		}
	}

	s.logger.Info("qdrant collection created",
		zap.String("collection", s.collection),
		zap.Int("dimension", s.dimension))
	return nil
}

type point struct {
	ID      string              `json:"id"`
	Vector  []float32           `json:"vector"`
	Payload vectorindex.Payload `json:"payload"`
}

func (s *Index) Upsert(ctx context.Context, points []vectorindex.Point) error {
	if len(points) == 0 {
		return nil
	}
	body := make([]point, len(points))
	for i, p := range points {
		if s.dimension > 0 && len(p.Vector) != s.dimension {
			return fmt.Errorf("point %s has %d dims, want %d: %w", p.ID, len(p.Vector), s.dimension, vectorindex.ErrDimensionMismatch)
		}
		body[i] = point{ID: p.ID.String(), Vector: p.Vector, Payload: p.Payload}
	}
	return s.do(ctx, http.MethodPut, s.collectionURL("/points?wait=true"), map[string]any{"points": body}, nil)
}

func (s *Index) Search(ctx context.Context, vector []float32, k int, filter vectorindex.Filter) ([]vectorindex.ScoredPoint, error) {
	if k <= 0 || len(filter.DocumentIDs) == 0 {
		return []vectorindex.ScoredPoint{}, nil
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
		"filter":       buildFilter(filter),
	}
	var resp struct {
		Result []struct {
			ID      string              `json:"id"`
			Score   float64             `json:"score"`
			Payload vectorindex.Payload `json:"payload"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, s.collectionURL("/points/search"), req, &resp); err != nil {
		return nil, err
	}

	hits := make([]vectorindex.ScoredPoint, 0, len(resp.Result))
	for _, r := range resp.Result {
		id, err := uuid.Parse(r.ID)
		if err != nil {
			return nil, fmt.Errorf("qdrant: invalid point id %q: %w", r.ID, err)
		}
		hits = append(hits, vectorindex.ScoredPoint{ID: id, Score: r.Score, Payload: r.Payload})
	}
	return hits, nil
}

func (s *Index) Delete(ctx context.Context, filter vectorindex.Filter) (int, error) {
	if len(filter.DocumentIDs) == 0 {
		return 0, vectorindex.ErrEmptyFilter
	}
	f := buildFilter(filter)

	var count struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, s.collectionURL("/points/count"), map[string]any{"filter": f, "exact": true}, &count); err != nil {
		return 0, err
	}
	if count.Result.Count == 0 {
		return 0, nil
	}

	if err := s.do(ctx, http.MethodPost, s.collectionURL("/points/delete?wait=true"), map[string]any{"filter": f}, nil); err != nil {
		return 0, err
	}
	return count.Result.Count, nil
}

func buildFilter(f vectorindex.Filter) map[string]any {
	must := []map[string]any{
		{"key": "document_id", "match": map[string]any{"any": vectorindex.IDStrings(f.DocumentIDs)}},
	}
	if f.MinOrdinal != nil {
		must = append(must, map[string]any{"key": "ordinal", "range": map[string]any{"gte": *f.MinOrdinal}})
	}
	return map[string]any{"must": must}
}

func (s *Index) collectionURL(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", s.url, s.collection, suffix)
}

func (s *Index) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("qdrant: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("qdrant: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("qdrant %s %s failed: %s: %s", method, url, resp.Status, bytes.TrimSpace(msg))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
