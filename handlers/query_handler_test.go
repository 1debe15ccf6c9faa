package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/upb/policy-rag/middleware"
	"github.com/upb/policy-rag/models"
	"github.com/upb/policy-rag/services"
	"github.com/upb/policy-rag/services/query"
	"go.uber.org/zap"
)

func TestQueryHandler_HandleQuery(t *testing.T) {
	logger := zap.NewNop()

	t.Run("answers with sources", func(t *testing.T) {
		queries := new(MockQueryService)
		handler := NewQueryHandler(queries, logger)

		queries.On("Ask", mock.Anything, mock.MatchedBy(func(req query.Request) bool {
			return req.RequesterID == "carer-17" && req.RequesterRole == "carer" &&
				req.Question == "What do I do if a resident falls?" &&
				req.RequestID == "req-abc" && req.TopK == 3 && req.ScoreThreshold == nil
		})).Return(&query.Response{
			Answer:     "Do not move them and call the nurse in charge [Source 1].",
			Sources:    []query.Source{{Document: "Falls Policy", Version: "v2", Section: "General", Score: 0.91, Cited: true}},
			Confidence: models.ConfidenceHigh,
			RequestID:  "req-abc",
			LogID:      models.QueryLogID("req-abc"),
		}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/query",
			strings.NewReader(`{"question":"What do I do if a resident falls?","top_k":3}`))
		req.Header.Set(RequestIDHeader, "req-abc")
		req = withRequester(req, "carer-17", "carer")
		w := httptest.NewRecorder()

		handler.HandleQuery(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "req-abc", w.Header().Get(RequestIDHeader))
		data := decodeData(t, w)
		assert.Equal(t, "high", data["confidence"])
		sources := data["sources"].([]interface{})
		assert.Len(t, sources, 1)
		assert.Equal(t, "Falls Policy", sources[0].(map[string]interface{})["document"])
		queries.AssertExpectations(t)
	})

	t.Run("service from body then requester", func(t *testing.T) {
		tests := []struct {
			name      string
			body      string
			requester string
			want      string
		}{
			{"body wins", `{"question":"Where is the fire assembly point?","service_id":"elm-lodge"}`, "oak-house", "elm-lodge"},
			{"requester default", `{"question":"Where is the fire assembly point?"}`, "oak-house", "oak-house"},
			{"none", `{"question":"Where is the fire assembly point?"}`, "", ""},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				queries := new(MockQueryService)
				handler := NewQueryHandler(queries, logger)
				queries.On("Ask", mock.Anything, mock.MatchedBy(func(req query.Request) bool {
					return req.ServiceID == tt.want
				})).Return(&query.Response{RequestID: "req-svc", Sources: []query.Source{}, Confidence: models.ConfidenceLow}, nil)

				req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(tt.body))
				req = req.WithContext(middleware.WithRequester(req.Context(),
					&middleware.Requester{ID: "carer-17", Role: "carer", ServiceID: tt.requester}))
				w := httptest.NewRecorder()

				handler.HandleQuery(w, req)

				assert.Equal(t, http.StatusOK, w.Code)
				queries.AssertExpectations(t)
			})
		}
	})

	t.Run("missing requester", func(t *testing.T) {
		queries := new(MockQueryService)
		handler := NewQueryHandler(queries, logger)

		w := httptest.NewRecorder()
		handler.HandleQuery(w, httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(`{"question":"x"}`)))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		queries.AssertNotCalled(t, "Ask", mock.Anything, mock.Anything)
	})

	t.Run("invalid body", func(t *testing.T) {
		tests := []struct {
			name  string
			body  string
			field string
		}{
			{"empty question", `{"question":""}`, "question"},
			{"top_k too large", `{"question":"x","top_k":50}`, "top_k"},
			{"threshold out of range", `{"question":"x","score_threshold":1.5}`, "score_threshold"},
			{"question too long", `{"question":"` + strings.Repeat("a", 2001) + `"}`, "question"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				queries := new(MockQueryService)
				handler := NewQueryHandler(queries, logger)

				req := withRequester(httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(tt.body)), "carer-17", "carer")
				w := httptest.NewRecorder()
				handler.HandleQuery(w, req)

				assert.Equal(t, http.StatusBadRequest, w.Code)
				resp := decodeErrorBody(t, w)
				assert.Contains(t, resp.Details, tt.field)
				queries.AssertNotCalled(t, "Ask", mock.Anything, mock.Anything)
			})
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		queries := new(MockQueryService)
		handler := NewQueryHandler(queries, logger)

		req := withRequester(httptest.NewRequest(http.MethodPost, "/api/v1/query",
			strings.NewReader(`{"question":"x","model":"gpt-4"}`)), "carer-17", "carer")
		w := httptest.NewRecorder()
		handler.HandleQuery(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("generation unavailable", func(t *testing.T) {
		queries := new(MockQueryService)
		handler := NewQueryHandler(queries, logger)
		queries.On("Ask", mock.Anything, mock.Anything).
			Return(nil, services.NewGenerationUnavailable("chat completion failed", nil))

		req := withRequester(httptest.NewRequest(http.MethodPost, "/api/v1/query",
			strings.NewReader(`{"question":"What is the falls policy?"}`)), "carer-17", "carer")
		w := httptest.NewRecorder()
		handler.HandleQuery(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		resp := decodeErrorBody(t, w)
		assert.Equal(t, MessageTemporarilyUnavailable, resp.Message)
		assert.Equal(t, "GENERATION_UNAVAILABLE", resp.Details["code"])
	})

	t.Run("empty request id is left to the service", func(t *testing.T) {
		queries := new(MockQueryService)
		handler := NewQueryHandler(queries, logger)
		generated := uuid.NewString()
		queries.On("Ask", mock.Anything, mock.MatchedBy(func(req query.Request) bool {
			return req.RequestID == ""
		})).Return(&query.Response{RequestID: generated, Sources: []query.Source{}, Confidence: models.ConfidenceNone}, nil)

		req := withRequester(httptest.NewRequest(http.MethodPost, "/api/v1/query",
			strings.NewReader(`{"question":"What is the capital of France?"}`)), "carer-17", "carer")
		w := httptest.NewRecorder()
		handler.HandleQuery(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, generated, w.Header().Get(RequestIDHeader))
	})
}
