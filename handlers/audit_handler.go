package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/policy-rag/middleware"
	"github.com/upb/policy-rag/models"
	"github.com/upb/policy-rag/services/audit"
	"github.com/upb/policy-rag/utils"
	"go.uber.org/zap"
)

// FeedbackRequest is the body of PUT /audit/logs/{id}/feedback
type FeedbackRequest struct {
	Helpful *bool `json:"helpful" validate:"required"`
}

// AuditService defines the audit read and feedback operations
type AuditService interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.QueryLog, error)
	ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*models.QueryLog, error)
	ListByService(ctx context.Context, serviceID string, limit, offset int) ([]*models.QueryLog, error)
	ListByTimeRange(ctx context.Context, start, end time.Time, limit, offset int) ([]*models.QueryLog, error)
	ListHighRisk(ctx context.Context, keywords []string, since time.Time, limit int) ([]*models.QueryLog, error)
	SetFeedback(ctx context.Context, id uuid.UUID, helpful bool) error
	GetStats(ctx context.Context) (audit.Stats, error)
}

// AuditHandler handles audit log HTTP requests
type AuditHandler struct {
	audit  AuditService
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(auditService AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		audit:  auditService,
		logger: logger,
	}
}

// HandleList handles GET /audit/logs. Filters apply in order: requester,
// service_id, then the from/to time range.
func (h *AuditHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := pageParams(q.Get("limit"), q.Get("offset"))
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	var logs []*models.QueryLog
	if requester := q.Get("requester"); requester != "" {
		logs, err = h.audit.ListByRequester(r.Context(), requester, limit, offset)
	} else if serviceID := q.Get("service_id"); serviceID != "" {
		logs, err = h.audit.ListByService(r.Context(), serviceID, limit, offset)
	} else {
		var from, to time.Time
		if from, err = utils.ParseTime(q.Get("from"), "from"); err != nil {
			HandleValidationError(w, err, h.logger)
			return
		}
		if to, err = utils.ParseTime(q.Get("to"), "to"); err != nil {
			HandleValidationError(w, err, h.logger)
			return
		}
		logs, err = h.audit.ListByTimeRange(r.Context(), from, to, limit, offset)
	}
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, logs)
}

// HandleHighRisk handles GET /audit/logs/high-risk
func (h *AuditHandler) HandleHighRisk(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := utils.ParseTime(q.Get("since"), "since")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	limit, _, err := pageParams(q.Get("limit"), "")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	var keywords []string
	if raw := q.Get("keywords"); raw != "" {
		keywords = strings.Split(raw, ",")
	}

	logs, err := h.audit.ListHighRisk(r.Context(), keywords, since, limit)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, logs)
}

// HandleGet handles GET /audit/logs/{id}
func (h *AuditHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := utils.ParseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	log, err := h.audit.GetByID(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, log)
}

// HandleFeedback handles PUT /audit/logs/{id}/feedback. Requesters may rate
// their own answers; reviewer roles may rate any.
func (h *AuditHandler) HandleFeedback(reviewerRoles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requester := middleware.GetRequesterFromContext(ctx)
		if requester == nil {
			_ = utils.WriteUnauthorized(w, "")
			return
		}

		id, err := utils.ParseUUID(chi.URLParam(r, "id"), "id")
		if err != nil {
			HandleValidationError(w, err, h.logger)
			return
		}
		var req FeedbackRequest
		if err := utils.DecodeJSON(r, &req); err != nil {
			HandleValidationError(w, err, h.logger)
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			HandleValidationError(w, err, h.logger)
			return
		}

		log, err := h.audit.GetByID(ctx, id)
		if err != nil {
			HandleServiceError(w, err, h.logger)
			return
		}
		if log.RequesterID != requester.ID && !hasRole(requester, reviewerRoles) {
			_ = utils.WriteForbidden(w, "Feedback can only be given on your own questions")
			return
		}

		if err := h.audit.SetFeedback(ctx, id, *req.Helpful); err != nil {
			HandleServiceError(w, err, h.logger)
			return
		}
		h.logger.Info("feedback recorded",
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.String("log_id", id.String()),
			zap.Bool("helpful", *req.Helpful))
		_ = utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse{Message: "feedback recorded"})
	}
}

// HandleStats handles GET /audit/stats
func (h *AuditHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.audit.GetStats(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, stats)
}

// pageParams parses optional limit and offset; zero means the service default
func pageParams(limitStr, offsetStr string) (int, int, error) {
	var limit, offset int
	var err error
	if limitStr != "" {
		if limit, err = strconv.Atoi(limitStr); err != nil || limit < 0 {
			return 0, 0, errInvalidParam("limit")
		}
	}
	if offsetStr != "" {
		if offset, err = strconv.Atoi(offsetStr); err != nil || offset < 0 {
			return 0, 0, errInvalidParam("offset")
		}
	}
	return limit, offset, nil
}

type errInvalidParam string

func (e errInvalidParam) Error() string {
	return string(e) + " must be a non-negative integer"
}

func hasRole(requester *middleware.Requester, roles []string) bool {
	for _, role := range roles {
		if requester.Role == role {
			return true
		}
	}
	return false
}
