package handlers

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/policy-rag/models"
	"github.com/upb/policy-rag/services"
	"github.com/upb/policy-rag/services/ingestion"
	"go.uber.org/zap"
)

const fallsText = "Falls Policy\n\nIf a resident falls, do not move them. Call the nurse in charge and record the fall in the incident log."

func multipartBody(t *testing.T, fields map[string]string, filename, contentType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
		header.Set("Content-Type", contentType)
		part, err := mw.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func TestDocumentHandler_HandleCreate(t *testing.T) {
	logger := zap.NewNop()

	t.Run("json body", func(t *testing.T) {
		docs := new(MockDocumentService)
		handler := NewDocumentHandler(docs, 0, logger)

		docs.On("Ingest", mock.Anything, mock.MatchedBy(func(req ingestion.IngestRequest) bool {
			return req.Name == "Falls Policy" && req.Version == "v1" && req.Text == fallsText &&
				len(req.Metadata.Tags) == 1 && req.Metadata.Activate == nil
		})).Return(&ingestion.IngestResult{
			DocumentID:    uuid.New(),
			Name:          "Falls Policy",
			Version:       "v1",
			ChunksCreated: 1,
			Status:        models.DocumentStatusActive,
		}, nil)

		body := `{"name":"Falls Policy","version":"v1","text":"` + strings.ReplaceAll(fallsText, "\n", `\n`) + `","tags":["falls"]}`
		req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()

		handler.HandleCreate(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
		data := decodeData(t, w)
		assert.Equal(t, "Falls Policy", data["name"])
		assert.Equal(t, float64(1), data["chunks_created"])
		docs.AssertExpectations(t)
	})

	t.Run("multipart upload defaults name to filename", func(t *testing.T) {
		docs := new(MockDocumentService)
		handler := NewDocumentHandler(docs, 0, logger)

		docs.On("Ingest", mock.Anything, mock.MatchedBy(func(req ingestion.IngestRequest) bool {
			return req.Name == "falls-policy" && req.Version == "2024-05" &&
				req.Text == fallsText &&
				req.Metadata.SourceFilename == "falls-policy.txt" &&
				assert.ObjectsAreEqual([]string{"falls", "safety"}, req.Metadata.Tags) &&
				req.Metadata.Activate != nil && !*req.Metadata.Activate
		})).Return(&ingestion.IngestResult{Name: "falls-policy", Version: "2024-05", Status: models.DocumentStatusDraft}, nil)

		body, contentType := multipartBody(t, map[string]string{
			"version":  "2024-05",
			"tags":     "falls, safety",
			"activate": "false",
		}, "falls-policy.txt", "text/plain", []byte(fallsText))

		req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", body)
		req.Header.Set("Content-Type", contentType)
		w := httptest.NewRecorder()

		handler.HandleCreate(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
		docs.AssertExpectations(t)
	})

	t.Run("unsupported upload is an extraction failure", func(t *testing.T) {
		docs := new(MockDocumentService)
		handler := NewDocumentHandler(docs, 0, logger)

		body, contentType := multipartBody(t, map[string]string{"version": "v1"},
			"scan.png", "image/png", []byte{0x89, 0x50, 0x4e, 0x47})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", body)
		req.Header.Set("Content-Type", contentType)
		w := httptest.NewRecorder()

		handler.HandleCreate(w, req)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		resp := decodeErrorBody(t, w)
		assert.Equal(t, "EXTRACTION_FAILURE", resp.Details["code"])
		assert.Equal(t, MessageExtractionFailure, resp.Message)
		docs.AssertNotCalled(t, "Ingest", mock.Anything, mock.Anything)
	})

	t.Run("too large", func(t *testing.T) {
		docs := new(MockDocumentService)
		handler := NewDocumentHandler(docs, 64, logger)

		body := `{"name":"Falls Policy","version":"v1","text":"` + strings.Repeat("a", 200) + `"}`
		req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", strings.NewReader(body))
		w := httptest.NewRecorder()

		handler.HandleCreate(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		docs.AssertNotCalled(t, "Ingest", mock.Anything, mock.Anything)
	})

	t.Run("missing name", func(t *testing.T) {
		docs := new(MockDocumentService)
		handler := NewDocumentHandler(docs, 0, logger)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", strings.NewReader(`{"version":"v1","text":"x"}`))
		w := httptest.NewRecorder()

		handler.HandleCreate(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decodeErrorBody(t, w)
		assert.Equal(t, "name is required", resp.Message)
	})

	t.Run("missing version", func(t *testing.T) {
		docs := new(MockDocumentService)
		handler := NewDocumentHandler(docs, 0, logger)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", strings.NewReader(`{"name":"Falls Policy","text":"x"}`))
		w := httptest.NewRecorder()

		handler.HandleCreate(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decodeErrorBody(t, w)
		assert.Equal(t, "version is required", resp.Details["version"])
	})

	t.Run("invalid effective_from", func(t *testing.T) {
		docs := new(MockDocumentService)
		handler := NewDocumentHandler(docs, 0, logger)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/documents",
			strings.NewReader(`{"name":"Falls Policy","version":"v1","text":"x","effective_from":"next week"}`))
		w := httptest.NewRecorder()

		handler.HandleCreate(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestDocumentHandler_HandleUpdate(t *testing.T) {
	docs := new(MockDocumentService)
	handler := NewDocumentHandler(docs, 0, zap.NewNop())

	docs.On("Update", mock.Anything, "Falls Policy", "v2", "updated text", mock.AnythingOfType("ingestion.Metadata")).
		Return(&ingestion.IngestResult{Name: "Falls Policy", Version: "v2", Status: models.DocumentStatusActive}, nil)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/documents/Falls%20Policy",
		strings.NewReader(`{"version":"v2","text":"updated text"}`))
	req = withURLParams(req, map[string]string{"name": "Falls Policy"})
	w := httptest.NewRecorder()

	handler.HandleUpdate(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "v2", decodeData(t, w)["version"])
	docs.AssertExpectations(t)
}

func TestDocumentHandler_HandleDelete(t *testing.T) {
	t.Run("archives", func(t *testing.T) {
		docs := new(MockDocumentService)
		handler := NewDocumentHandler(docs, 0, zap.NewNop())
		docs.On("Delete", mock.Anything, "Falls Policy").Return(&ingestion.DeleteResult{VersionsArchived: 2, VectorsPurged: 6}, nil)

		req := withURLParams(httptest.NewRequest(http.MethodDelete, "/", nil), map[string]string{"name": "Falls Policy"})
		w := httptest.NewRecorder()
		handler.HandleDelete(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(6), decodeData(t, w)["vectors_purged"])
	})

	t.Run("unknown document", func(t *testing.T) {
		docs := new(MockDocumentService)
		handler := NewDocumentHandler(docs, 0, zap.NewNop())
		docs.On("Delete", mock.Anything, "Missing").Return(nil, services.ErrDocumentNotFound)

		req := withURLParams(httptest.NewRequest(http.MethodDelete, "/", nil), map[string]string{"name": "Missing"})
		w := httptest.NewRecorder()
		handler.HandleDelete(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestDocumentHandler_HandleList(t *testing.T) {
	t.Run("filters by status", func(t *testing.T) {
		docs := new(MockDocumentService)
		handler := NewDocumentHandler(docs, 0, zap.NewNop())
		docs.On("List", mock.Anything, mock.MatchedBy(func(s *models.DocumentStatus) bool {
			return s != nil && *s == models.DocumentStatusActive
		})).Return([]*models.Document{{ID: uuid.New(), Name: "Falls Policy", Status: models.DocumentStatusActive}}, nil)

		w := httptest.NewRecorder()
		handler.HandleList(w, httptest.NewRequest(http.MethodGet, "/api/v1/documents?status=active", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		docs.AssertExpectations(t)
	})

	t.Run("invalid status", func(t *testing.T) {
		docs := new(MockDocumentService)
		handler := NewDocumentHandler(docs, 0, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleList(w, httptest.NewRequest(http.MethodGet, "/api/v1/documents?status=live", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		docs.AssertNotCalled(t, "List", mock.Anything, mock.Anything)
	})
}

func TestDocumentHandler_HandleActivate(t *testing.T) {
	v1 := &models.Document{ID: uuid.New(), Name: "Falls Policy", Version: "v1"}
	v2 := &models.Document{ID: uuid.New(), Name: "Falls Policy", Version: "v2"}

	t.Run("activates a version of the named document", func(t *testing.T) {
		docs := new(MockDocumentService)
		handler := NewDocumentHandler(docs, 0, zap.NewNop())
		docs.On("Versions", mock.Anything, "Falls Policy").Return([]*models.Document{v1, v2}, nil)
		docs.On("Activate", mock.Anything, v1.ID).Return(&ingestion.IngestResult{
			DocumentID: v1.ID, Name: "Falls Policy", Version: "v1", Status: models.DocumentStatusActive,
		}, nil)

		req := withURLParams(httptest.NewRequest(http.MethodPost, "/", nil),
			map[string]string{"name": "Falls Policy", "id": v1.ID.String()})
		w := httptest.NewRecorder()
		handler.HandleActivate(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		docs.AssertExpectations(t)
	})

	t.Run("version of another document", func(t *testing.T) {
		docs := new(MockDocumentService)
		handler := NewDocumentHandler(docs, 0, zap.NewNop())
		docs.On("Versions", mock.Anything, "Falls Policy").Return([]*models.Document{v1, v2}, nil)

		req := withURLParams(httptest.NewRequest(http.MethodPost, "/", nil),
			map[string]string{"name": "Falls Policy", "id": uuid.New().String()})
		w := httptest.NewRecorder()
		handler.HandleActivate(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		docs.AssertNotCalled(t, "Activate", mock.Anything, mock.Anything)
	})

	t.Run("invalid id", func(t *testing.T) {
		docs := new(MockDocumentService)
		handler := NewDocumentHandler(docs, 0, zap.NewNop())

		req := withURLParams(httptest.NewRequest(http.MethodPost, "/", nil),
			map[string]string{"name": "Falls Policy", "id": "not-a-uuid"})
		w := httptest.NewRecorder()
		handler.HandleActivate(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decodeErrorBody(t, w)
		assert.Equal(t, "id must be a valid UUID", resp.Message)
	})
}

func TestDocumentHandler_HandleConsistency(t *testing.T) {
	docs := new(MockDocumentService)
	handler := NewDocumentHandler(docs, 0, zap.NewNop())
	docs.On("CheckConsistency", mock.Anything).Return([]ingestion.ActivationIssue{{
		Name:           "Falls Policy",
		Problem:        ingestion.IssueMultipleActive,
		ActiveVersions: []string{"v1", "v2"},
	}}, nil)

	w := httptest.NewRecorder()
	handler.HandleConsistency(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, false, data["consistent"])
	assert.Len(t, data["issues"], 1)
}
