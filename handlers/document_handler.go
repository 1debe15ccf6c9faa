package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/policy-rag/middleware"
	"github.com/upb/policy-rag/models"
	"github.com/upb/policy-rag/services"
	"github.com/upb/policy-rag/services/extract"
	"github.com/upb/policy-rag/services/ingestion"
	"github.com/upb/policy-rag/utils"
	"go.uber.org/zap"
)

// DefaultMaxUploadBytes bounds an uploaded document when no limit is configured
const DefaultMaxUploadBytes = 20 << 20

// DocumentRequest is the JSON body of POST /documents and PUT /documents/{name}.
// Name comes from the path on PUT.
type DocumentRequest struct {
	Name          string   `json:"name" validate:"omitempty,max=200"`
	Version       string   `json:"version" validate:"required,max=64"`
	Text          string   `json:"text" validate:"required"`
	Tags          []string `json:"tags" validate:"omitempty,max=32,dive,max=64"`
	EffectiveFrom string   `json:"effective_from,omitempty"`
	Activate      *bool    `json:"activate,omitempty"`

	// SourceFilename is set from an upload
	SourceFilename string `json:"-"`
}

// DocumentService defines the ingestion operations exposed over HTTP
type DocumentService interface {
	Ingest(ctx context.Context, req ingestion.IngestRequest) (*ingestion.IngestResult, error)
	Update(ctx context.Context, name, newVersion, text string, meta ingestion.Metadata) (*ingestion.IngestResult, error)
	Delete(ctx context.Context, name string) (*ingestion.DeleteResult, error)
	Activate(ctx context.Context, documentID uuid.UUID) (*ingestion.IngestResult, error)
	Versions(ctx context.Context, name string) ([]*models.Document, error)
	List(ctx context.Context, status *models.DocumentStatus) ([]*models.Document, error)
	CheckConsistency(ctx context.Context) ([]ingestion.ActivationIssue, error)
}

// DocumentHandler handles policy document HTTP requests
type DocumentHandler struct {
	documents      DocumentService
	maxUploadBytes int64
	logger         *zap.Logger
}

// NewDocumentHandler creates a new DocumentHandler
func NewDocumentHandler(documents DocumentService, maxUploadBytes int64, logger *zap.Logger) *DocumentHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &DocumentHandler{
		documents:      documents,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

// HandleCreate handles POST /documents
func (h *DocumentHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := h.parseDocument(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		HandleValidationError(w, errors.New("name is required"), h.logger)
		return
	}
	meta, err := req.metadata()
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	result, err := h.documents.Ingest(ctx, ingestion.IngestRequest{
		Name:     req.Name,
		Version:  req.Version,
		Text:     req.Text,
		Metadata: meta,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("document ingested",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("name", result.Name),
		zap.String("version", result.Version),
		zap.Int("chunks", result.ChunksCreated))
	_ = utils.WriteCreated(w, result)
}

// HandleUpdate handles PUT /documents/{name}
func (h *DocumentHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	req, ok := h.parseDocument(w, r)
	if !ok {
		return
	}
	meta, err := req.metadata()
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	result, err := h.documents.Update(ctx, name, req.Version, req.Text, meta)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("document updated",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("name", result.Name),
		zap.String("version", result.Version))
	_ = utils.WriteOK(w, result)
}

// HandleDelete handles DELETE /documents/{name}
func (h *DocumentHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	result, err := h.documents.Delete(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, result)
}

// HandleList handles GET /documents
func (h *DocumentHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	var status *models.DocumentStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := models.DocumentStatus(s)
		if !st.IsValid() {
			HandleValidationError(w, errors.New("status must be one of: draft, active, superseded, archived"), h.logger)
			return
		}
		status = &st
	}

	docs, err := h.documents.List(r.Context(), status)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, docs)
}

// HandleVersions handles GET /documents/{name}/versions
func (h *DocumentHandler) HandleVersions(w http.ResponseWriter, r *http.Request) {
	docs, err := h.documents.Versions(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, docs)
}

// HandleActivate handles POST /documents/{name}/versions/{id}/activate
func (h *DocumentHandler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")
	id, err := utils.ParseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	versions, err := h.documents.Versions(ctx, name)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if !containsVersion(versions, id) {
		HandleServiceError(w, services.NewNotFound("policy document version not found"), h.logger)
		return
	}

	result, err := h.documents.Activate(ctx, id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("document version activated",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("name", result.Name),
		zap.String("version", result.Version))
	_ = utils.WriteOK(w, result)
}

// HandleConsistency handles GET /documents/consistency
func (h *DocumentHandler) HandleConsistency(w http.ResponseWriter, r *http.Request) {
	issues, err := h.documents.CheckConsistency(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, map[string]interface{}{
		"consistent": len(issues) == 0,
		"issues":     issues,
	})
}

// parseDocument reads a JSON body or a multipart upload. On failure it writes
// the response and returns false.
func (h *DocumentHandler) parseDocument(w http.ResponseWriter, r *http.Request) (*DocumentRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	var (
		req *DocumentRequest
		err error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		req, err = h.parseUpload(r)
	} else {
		req = &DocumentRequest{}
		err = utils.DecodeJSON(r, req)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			_ = utils.WriteError(w, http.StatusRequestEntityTooLarge, "The document is too large.",
				map[string]interface{}{"code": string(services.CodeInvalidInput), "limit_bytes": tooLarge.Limit})
			return nil, false
		}
		if services.IsExtractionFailure(err) {
			HandleServiceError(w, err, h.logger)
			return nil, false
		}
		HandleValidationError(w, err, h.logger)
		return nil, false
	}

	if err := utils.ValidateStruct(req); err != nil {
		HandleValidationError(w, err, h.logger)
		return nil, false
	}
	return req, true
}

// parseUpload reads the multipart form: a "file" part plus name, version, tags
// (comma separated), effective_from and activate fields
func (h *DocumentHandler) parseUpload(r *http.Request) (*DocumentRequest, error) {
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		return nil, err
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, errors.New("file is required")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	text, err := extract.ExtractText(data, header.Header.Get("Content-Type"), header.Filename)
	if err != nil {
		return nil, err
	}

	req := &DocumentRequest{
		Name:           r.FormValue("name"),
		Version:        r.FormValue("version"),
		Text:           text,
		EffectiveFrom:  r.FormValue("effective_from"),
		SourceFilename: header.Filename,
	}
	if tags := r.FormValue("tags"); tags != "" {
		for _, tag := range strings.Split(tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				req.Tags = append(req.Tags, tag)
			}
		}
	}
	if v := r.FormValue("activate"); v != "" {
		activate, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.New("activate must be true or false")
		}
		req.Activate = &activate
	}
	if req.Name == "" {
		req.Name = strings.TrimSuffix(header.Filename, extension(header.Filename))
	}
	return req, nil
}

func (req *DocumentRequest) metadata() (ingestion.Metadata, error) {
	effective, err := utils.ParseTime(req.EffectiveFrom, "effective_from")
	if err != nil {
		return ingestion.Metadata{}, err
	}
	return ingestion.Metadata{
		Tags:           req.Tags,
		EffectiveFrom:  effective,
		SourceFilename: req.SourceFilename,
		Activate:       req.Activate,
	}, nil
}

func containsVersion(versions []*models.Document, id uuid.UUID) bool {
	for _, v := range versions {
		if v.ID == id {
			return true
		}
	}
	return false
}

func extension(filename string) string {
	if i := strings.LastIndex(filename, "."); i > 0 {
		return filename[i:]
	}
	return ""
}
