package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/policy-rag/models"
	"github.com/upb/policy-rag/services/vectorindex"
	"go.uber.org/zap"
)

type recorded struct {
	method string
	path   string
	body   map[string]any
}

func newTestServer(t *testing.T, handle func(r recorded, w http.ResponseWriter)) (*Index, *[]recorded) {
	t.Helper()
	var mu sync.Mutex
	var calls []recorded

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		assert.Equal(t, "secret", r.Header.Get("api-key"))
		mu.Lock()
		calls = append(calls, rec)
		mu.Unlock()
		handle(rec, w)
	}))
	t.Cleanup(server.Close)

	idx := New(Config{URL: server.URL, APIKey: "secret", Collection: "policy_chunks", Dimension: 2}, zap.NewNop())
	return idx, &calls
}

func TestEnsureCollection_CreatesWhenMissing(t *testing.T) {
	idx, calls := newTestServer(t, func(r recorded, w http.ResponseWriter) {
		if r.method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"result":true}`))
	})

	require.NoError(t, idx.EnsureCollection(context.Background()))
	require.Len(t, *calls, 4)
	create := (*calls)[1]
	assert.Equal(t, http.MethodPut, create.method)
	assert.Equal(t, "/collections/policy_chunks", create.path)
	vectors := create.body["vectors"].(map[string]any)
	assert.Equal(t, "Cosine", vectors["distance"])
	assert.Equal(t, float64(2), vectors["size"])
}

func TestEnsureCollection_Existing(t *testing.T) {
	idx, calls := newTestServer(t, func(r recorded, w http.ResponseWriter) {
		w.Write([]byte(`{"result":{"status":"green"}}`))
	})

	require.NoError(t, idx.EnsureCollection(context.Background()))
	assert.Len(t, *calls, 1)
}

func TestUpsertAndSearch(t *testing.T) {
	doc := uuid.New()
	chunkID := models.ChunkID(doc, 0)

	idx, calls := newTestServer(t, func(r recorded, w http.ResponseWriter) {
		switch r.path {
		case "/collections/policy_chunks/points/search":
			json.NewEncoder(w).Encode(map[string]any{
				"result": []map[string]any{{
					"id":    chunkID.String(),
					"score": 0.91,
					"payload": map[string]any{
						"document_id":   doc.String(),
						"document_name": "falls",
						"version":       "v2",
						"ordinal":       0,
						"text":          "Report every fall.",
					},
				}},
			})
		default:
			w.Write([]byte(`{"result":{"status":"completed"}}`))
		}
	})

	ctx := context.Background()
	err := idx.Upsert(ctx, []vectorindex.Point{{
		ID:      chunkID,
		Vector:  []float32{1, 0},
		Payload: vectorindex.Payload{DocumentID: doc, DocumentName: "falls", Version: "v2"},
	}})
	require.NoError(t, err)
	upsert := (*calls)[0]
	assert.Equal(t, http.MethodPut, upsert.method)
	assert.Equal(t, "/collections/policy_chunks/points", upsert.path)

	hits, err := idx.Search(ctx, []float32{1, 0}, 5, vectorindex.Filter{DocumentIDs: []uuid.UUID{doc}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, chunkID, hits[0].ID)
	assert.Equal(t, doc, hits[0].Payload.DocumentID)
	assert.Equal(t, "v2", hits[0].Payload.Version)

	search := (*calls)[1]
	filter := search.body["filter"].(map[string]any)
	must := filter["must"].([]any)
	require.Len(t, must, 1)
	match := must[0].(map[string]any)["match"].(map[string]any)
	assert.Equal(t, []any{doc.String()}, match["any"])
}

func TestUpsertDimensionMismatch(t *testing.T) {
	idx, calls := newTestServer(t, func(r recorded, w http.ResponseWriter) {})
	err := idx.Upsert(context.Background(), []vectorindex.Point{{ID: uuid.New(), Vector: []float32{1}}})
	assert.ErrorIs(t, err, vectorindex.ErrDimensionMismatch)
	assert.Empty(t, *calls)
}

func TestDeleteCountsThenDeletes(t *testing.T) {
	idx, calls := newTestServer(t, func(r recorded, w http.ResponseWriter) {
		if r.path == "/collections/policy_chunks/points/count" {
			w.Write([]byte(`{"result":{"count":7}}`))
			return
		}
		w.Write([]byte(`{"result":{"status":"completed"}}`))
	})

	from := 3
	n, err := idx.Delete(context.Background(), vectorindex.Filter{DocumentIDs: []uuid.UUID{uuid.New()}, MinOrdinal: &from})
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	require.Len(t, *calls, 2)
	assert.Equal(t, "/collections/policy_chunks/points/delete", (*calls)[1].path)

	must := (*calls)[1].body["filter"].(map[string]any)["must"].([]any)
	assert.Len(t, must, 2)

	_, err = idx.Delete(context.Background(), vectorindex.Filter{})
	assert.ErrorIs(t, err, vectorindex.ErrEmptyFilter)
}

func TestSearchEmptyFilterSkipsRequest(t *testing.T) {
	idx, calls := newTestServer(t, func(r recorded, w http.ResponseWriter) {})
	hits, err := idx.Search(context.Background(), []float32{1, 0}, 5, vectorindex.Filter{})
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Empty(t, *calls)
}
