package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/policy-rag/models"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// ActivationResult describes the outcome of an atomic activation
type ActivationResult struct {
	Activated  *models.Document
	Superseded *models.Document // nil when no version was active before
}

// DocumentRepository is the Policy Store for document versions.
// At most one version per name may be active; Activate is the only way to change that.
type DocumentRepository interface {
	// Create inserts a new document version
	Create(ctx context.Context, doc *models.Document) error

	// GetByID retrieves a document version by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.Document, error)

	// GetByNameVersion retrieves a document version by name and version label
	GetByNameVersion(ctx context.Context, name, version string) (*models.Document, error)

	// GetActiveByName retrieves the active version of a document
	GetActiveByName(ctx context.Context, name string) (*models.Document, error)

	// ListVersions retrieves every version of a document, newest first
	ListVersions(ctx context.Context, name string) ([]*models.Document, error)

	// List retrieves document versions, optionally filtered by status
	List(ctx context.Context, status *models.DocumentStatus) ([]*models.Document, error)

	// ListActive retrieves all active versions
	ListActive(ctx context.Context) ([]*models.Document, error)

	// FilterActive returns the subset of ids whose versions are currently active
	FilterActive(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)

	// UpdateContent updates hash, counts, tags and source metadata of a version
	UpdateContent(ctx context.Context, doc *models.Document) error

	// Activate atomically makes id the active version of its document, demoting the
	// previous active version to superseded with effective_to set
	Activate(ctx context.Context, id uuid.UUID) (*ActivationResult, error)

	// ArchiveByName marks every version of a document archived and returns them
	ArchiveByName(ctx context.Context, name string) ([]*models.Document, error)
}

// ChunkRepository stores chunk metadata for document versions
type ChunkRepository interface {
	// ReplaceForDocument deletes existing chunks of a version and inserts the given ones
	ReplaceForDocument(ctx context.Context, documentID uuid.UUID, chunks []*models.Chunk) error

	// ListByDocument retrieves the chunks of a version ordered by ordinal
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*models.Chunk, error)

	// CountByDocument returns the number of chunks stored for a version
	CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error)
}

// QueryLogRepository is the append-only Audit Store
type QueryLogRepository interface {
	// Insert inserts a query log; returns false when a log with the same request ID already exists
	Insert(ctx context.Context, log *models.QueryLog) (bool, error)

	// GetByID retrieves a query log by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.QueryLog, error)

	// ListByRequester retrieves query logs for a requester, newest first
	ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*models.QueryLog, error)

	// ListByService retrieves query logs asked from a service or location, newest first
	ListByService(ctx context.Context, serviceID string, limit, offset int) ([]*models.QueryLog, error)

	// ListByTimeRange retrieves query logs created within [start, end), newest first
	ListByTimeRange(ctx context.Context, start, end time.Time, limit, offset int) ([]*models.QueryLog, error)

	// ListHighRisk retrieves query logs whose question or answer mentions any keyword
	ListHighRisk(ctx context.Context, keywords []string, since time.Time, limit int) ([]*models.QueryLog, error)

	// SetFeedback records requester feedback; last write wins
	SetFeedback(ctx context.Context, id uuid.UUID, helpful bool, at time.Time) error
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Documents DocumentRepository
	Chunks    ChunkRepository
	QueryLogs QueryLogRepository
	Tx        TransactionManager
}

// ErrNotFound is wrapped by repository implementations when a record does not exist
var ErrNotFound = errors.New("record not found")

// ErrActivationConflict is wrapped when an activation's compare-and-swap loses a race
var ErrActivationConflict = errors.New("activation conflict")
