package handlers

import (
	"context"
	"net/http"

	"github.com/upb/policy-rag/internal/observability"
	"github.com/upb/policy-rag/middleware"
	"github.com/upb/policy-rag/services/query"
	"github.com/upb/policy-rag/utils"
	"go.uber.org/zap"
)

// RequestIDHeader lets a client supply its own idempotency key
const RequestIDHeader = "X-Request-ID"

// QueryRequest is the body of POST /query
type QueryRequest struct {
	Question       string   `json:"question" validate:"required,max=2000"`
	TopK           *int     `json:"top_k,omitempty" validate:"omitempty,min=1,max=10"`
	ScoreThreshold *float64 `json:"score_threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
	// ServiceID defaults to the requester's service
	ServiceID string `json:"service_id,omitempty" validate:"omitempty,max=255"`
}

// QueryService answers questions
type QueryService interface {
	Ask(ctx context.Context, req query.Request) (*query.Response, error)
}

// QueryHandler handles question HTTP requests
type QueryHandler struct {
	queries QueryService
	logger  *zap.Logger
}

// NewQueryHandler creates a new QueryHandler
func NewQueryHandler(queries QueryService, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{
		queries: queries,
		logger:  logger,
	}
}

// HandleQuery handles POST /query
func (h *QueryHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requester := middleware.GetRequesterFromContext(ctx)
	if requester == nil {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	var req QueryRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	ask := query.Request{
		// empty lets the service assign a fresh id
		RequestID:      r.Header.Get(RequestIDHeader),
		RequesterID:    requester.ID,
		RequesterRole:  requester.Role,
		ServiceID:      requester.ServiceID,
		Question:       req.Question,
		ScoreThreshold: req.ScoreThreshold,
	}
	if req.TopK != nil {
		ask.TopK = *req.TopK
	}
	if req.ServiceID != "" {
		ask.ServiceID = req.ServiceID
	}

	resp, err := h.queries.Ask(ctx, ask)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	observability.WithRequest(ctx, h.logger).Debug("question answered",
		zap.String("query_request_id", resp.RequestID),
		zap.String("confidence", string(resp.Confidence)),
		zap.Int("sources", len(resp.Sources)))

	w.Header().Set(RequestIDHeader, resp.RequestID)
	_ = utils.WriteOK(w, resp)
}
