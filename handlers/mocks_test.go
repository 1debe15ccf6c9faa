package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/upb/policy-rag/middleware"
	"github.com/upb/policy-rag/models"
	"github.com/upb/policy-rag/services/audit"
	"github.com/upb/policy-rag/services/ingestion"
	"github.com/upb/policy-rag/services/query"
)

func jsonDecode(w *httptest.ResponseRecorder, dst interface{}) error {
	return json.NewDecoder(w.Body).Decode(dst)
}

// withURLParams attaches chi route parameters to r
func withURLParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func withRequester(r *http.Request, id, role string) *http.Request {
	return r.WithContext(middleware.WithRequester(r.Context(), &middleware.Requester{ID: id, Role: role}))
}

type MockDocumentService struct {
	mock.Mock
}

func (m *MockDocumentService) Ingest(ctx context.Context, req ingestion.IngestRequest) (*ingestion.IngestResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ingestion.IngestResult), args.Error(1)
}

func (m *MockDocumentService) Update(ctx context.Context, name, newVersion, text string, meta ingestion.Metadata) (*ingestion.IngestResult, error) {
	args := m.Called(ctx, name, newVersion, text, meta)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ingestion.IngestResult), args.Error(1)
}

func (m *MockDocumentService) Delete(ctx context.Context, name string) (*ingestion.DeleteResult, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ingestion.DeleteResult), args.Error(1)
}

func (m *MockDocumentService) Activate(ctx context.Context, documentID uuid.UUID) (*ingestion.IngestResult, error) {
	args := m.Called(ctx, documentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ingestion.IngestResult), args.Error(1)
}

func (m *MockDocumentService) Versions(ctx context.Context, name string) ([]*models.Document, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Document), args.Error(1)
}

func (m *MockDocumentService) List(ctx context.Context, status *models.DocumentStatus) ([]*models.Document, error) {
	args := m.Called(ctx, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Document), args.Error(1)
}

func (m *MockDocumentService) CheckConsistency(ctx context.Context) ([]ingestion.ActivationIssue, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ingestion.ActivationIssue), args.Error(1)
}

type MockQueryService struct {
	mock.Mock
}

func (m *MockQueryService) Ask(ctx context.Context, req query.Request) (*query.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*query.Response), args.Error(1)
}

type MockAuditService struct {
	mock.Mock
}

func (m *MockAuditService) GetByID(ctx context.Context, id uuid.UUID) (*models.QueryLog, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.QueryLog), args.Error(1)
}

func (m *MockAuditService) ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*models.QueryLog, error) {
	args := m.Called(ctx, requesterID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.QueryLog), args.Error(1)
}

func (m *MockAuditService) ListByService(ctx context.Context, serviceID string, limit, offset int) ([]*models.QueryLog, error) {
	args := m.Called(ctx, serviceID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.QueryLog), args.Error(1)
}

func (m *MockAuditService) ListByTimeRange(ctx context.Context, start, end time.Time, limit, offset int) ([]*models.QueryLog, error) {
	args := m.Called(ctx, start, end, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.QueryLog), args.Error(1)
}

func (m *MockAuditService) ListHighRisk(ctx context.Context, keywords []string, since time.Time, limit int) ([]*models.QueryLog, error) {
	args := m.Called(ctx, keywords, since, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.QueryLog), args.Error(1)
}

func (m *MockAuditService) SetFeedback(ctx context.Context, id uuid.UUID, helpful bool) error {
	args := m.Called(ctx, id, helpful)
	return args.Error(0)
}

func (m *MockAuditService) GetStats(ctx context.Context) (audit.Stats, error) {
	args := m.Called(ctx)
	return args.Get(0).(audit.Stats), args.Error(1)
}
