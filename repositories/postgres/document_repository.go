package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/policy-rag/models"
	"github.com/upb/policy-rag/repositories"
	"go.uber.org/zap"
)

const documentColumns = `id, name, version, status, effective_from, effective_to, tags,
	source_filename, content_hash, chunk_count, created_at, updated_at`

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation
const uniqueViolation = "23505"

// DocumentRepository implements the repositories.DocumentRepository interface
type DocumentRepository struct {
	db     *DB
	tm     repositories.TransactionManager
	logger *zap.Logger
}

// NewDocumentRepository creates a new document repository
func NewDocumentRepository(db *DB, tm repositories.TransactionManager, logger *zap.Logger) repositories.DocumentRepository {
	return &DocumentRepository{
		db:     db,
		tm:     tm,
		logger: logger,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	doc := &models.Document{}
	var effectiveTo sql.NullTime
	err := row.Scan(
		&doc.ID,
		&doc.Name,
		&doc.Version,
		&doc.Status,
		&doc.EffectiveFrom,
		&effectiveTo,
		pq.Array(&doc.Tags),
		&doc.SourceFilename,
		&doc.ContentHash,
		&doc.ChunkCount,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if effectiveTo.Valid {
		t := effectiveTo.Time
		doc.EffectiveTo = &t
	}
	if doc.Tags == nil {
		doc.Tags = []string{}
	}
	return doc, nil
}

// Create inserts a new document version
func (r *DocumentRepository) Create(ctx context.Context, doc *models.Document) error {
	query := `
		INSERT INTO policy_documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		doc.ID,
		doc.Name,
		doc.Version,
		doc.Status,
		doc.EffectiveFrom,
		doc.EffectiveTo,
		pq.Array(doc.Tags),
		doc.SourceFilename,
		doc.ContentHash,
		doc.ChunkCount,
		doc.CreatedAt,
		doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create policy document: %w", err)
	}

	r.logger.Debug("policy document created",
		zap.String("id", doc.ID.String()),
		zap.String("name", doc.Name),
		zap.String("version", doc.Version))
	return nil
}

// GetByID retrieves a document version by ID
func (r *DocumentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM policy_documents WHERE id = $1`

	doc, err := scanDocument(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("policy document %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get policy document: %w", err)
	}
	return doc, nil
}

// GetByNameVersion retrieves a document version by name and version label
func (r *DocumentRepository) GetByNameVersion(ctx context.Context, name, version string) (*models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM policy_documents WHERE name = $1 AND version = $2`

	doc, err := scanDocument(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, name, version))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("policy document %q version %q: %w", name, version, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get policy document: %w", err)
	}
	return doc, nil
}

// GetActiveByName retrieves the active version of a document
func (r *DocumentRepository) GetActiveByName(ctx context.Context, name string) (*models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM policy_documents WHERE name = $1 AND status = 'active'`

	doc, err := scanDocument(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, name))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("active version of %q: %w", name, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get active policy document: %w", err)
	}
	return doc, nil
}

// ListVersions retrieves every version of a document, newest first
func (r *DocumentRepository) ListVersions(ctx context.Context, name string) ([]*models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM policy_documents WHERE name = $1 ORDER BY created_at DESC`
	return r.queryDocuments(ctx, query, name)
}

// List retrieves document versions, optionally filtered by status
func (r *DocumentRepository) List(ctx context.Context, status *models.DocumentStatus) ([]*models.Document, error) {
	if status != nil {
		query := `SELECT ` + documentColumns + ` FROM policy_documents WHERE status = $1 ORDER BY name, created_at DESC`
		return r.queryDocuments(ctx, query, *status)
	}
	query := `SELECT ` + documentColumns + ` FROM policy_documents ORDER BY name, created_at DESC`
	return r.queryDocuments(ctx, query)
}

// ListActive retrieves all active versions
func (r *DocumentRepository) ListActive(ctx context.Context) ([]*models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM policy_documents WHERE status = 'active' ORDER BY name`
	return r.queryDocuments(ctx, query)
}

// FilterActive returns the subset of ids whose versions are currently active
func (r *DocumentRepository) FilterActive(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return []uuid.UUID{}, nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}

	query := `SELECT id FROM policy_documents WHERE id = ANY($1::uuid[]) AND status = 'active'`
	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, pq.Array(strs))
	if err != nil {
		return nil, fmt.Errorf("failed to filter active documents: %w", err)
	}
	defer rows.Close()

	active := make([]uuid.UUID, 0, len(ids))
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan document id: %w", err)
		}
		active = append(active, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating document ids: %w", err)
	}
	return active, nil
}

// UpdateContent updates hash, counts, tags and source metadata of a version
func (r *DocumentRepository) UpdateContent(ctx context.Context, doc *models.Document) error {
	query := `
		UPDATE policy_documents
		SET content_hash = $2, chunk_count = $3, tags = $4, source_filename = $5,
		    effective_from = $6, updated_at = $7
		WHERE id = $1
	`

	doc.UpdatedAt = time.Now().UTC()
	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		doc.ID,
		doc.ContentHash,
		doc.ChunkCount,
		pq.Array(doc.Tags),
		doc.SourceFilename,
		doc.EffectiveFrom,
		doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update policy document: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("policy document %s: %w", doc.ID, repositories.ErrNotFound)
	}
	return nil
}

// Activate makes id the active version of its document in a single transaction.
// The prior active row is locked and demoted with a compare on its status, so a
// concurrent activation either waits or fails with ErrActivationConflict.
func (r *DocumentRepository) Activate(ctx context.Context, id uuid.UUID) (*repositories.ActivationResult, error) {
	var result *repositories.ActivationResult

	err := r.tm.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		executor := GetExecutor(ctx, r.db)

		target, err := scanDocument(executor.QueryRowContext(ctx,
			`SELECT `+documentColumns+` FROM policy_documents WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("policy document %s: %w", id, repositories.ErrNotFound)
			}
			return fmt.Errorf("failed to lock policy document: %w", err)
		}

		if target.Status == models.DocumentStatusActive {
			result = &repositories.ActivationResult{Activated: target}
			return nil
		}
		if target.Status == models.DocumentStatusArchived {
			return fmt.Errorf("policy document %s is archived: %w", id, repositories.ErrActivationConflict)
		}

		now := time.Now().UTC()
		var superseded *models.Document

		prev, err := scanDocument(executor.QueryRowContext(ctx,
			`SELECT `+documentColumns+` FROM policy_documents WHERE name = $1 AND status = 'active' FOR UPDATE`,
			target.Name))
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to lock active version: %w", err)
		}

		if err == nil {
			effectiveTo := target.EffectiveFrom
			if effectiveTo.Before(prev.EffectiveFrom) {
				effectiveTo = now
			}
			res, err := executor.ExecContext(ctx, `
				UPDATE policy_documents
				SET status = 'superseded', effective_to = $2, updated_at = $3
				WHERE id = $1 AND status = 'active'
			`, prev.ID, effectiveTo, now)
			if err != nil {
				return fmt.Errorf("failed to supersede active version: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return fmt.Errorf("active version of %q changed: %w", target.Name, repositories.ErrActivationConflict)
			}
			prev.Status = models.DocumentStatusSuperseded
			prev.EffectiveTo = &effectiveTo
			prev.UpdatedAt = now
			superseded = prev
		}

		res, err := executor.ExecContext(ctx, `
			UPDATE policy_documents
			SET status = 'active', effective_to = NULL, updated_at = $3
			WHERE id = $1 AND status = $2
		`, target.ID, target.Status, now)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
				return fmt.Errorf("concurrent activation of %q: %w", target.Name, repositories.ErrActivationConflict)
			}
			return fmt.Errorf("failed to activate policy document: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("policy document %s changed: %w", id, repositories.ErrActivationConflict)
		}

		target.Status = models.DocumentStatusActive
		target.EffectiveTo = nil
		target.UpdatedAt = now
		result = &repositories.ActivationResult{Activated: target, Superseded: superseded}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("policy document activated",
		zap.String("id", result.Activated.ID.String()),
		zap.String("name", result.Activated.Name),
		zap.String("version", result.Activated.Version))
	return result, nil
}

// ArchiveByName marks every version of a document archived and returns them
func (r *DocumentRepository) ArchiveByName(ctx context.Context, name string) ([]*models.Document, error) {
	var docs []*models.Document

	err := r.tm.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		now := time.Now().UTC()
		_, err := GetExecutor(ctx, r.db).ExecContext(ctx, `
			UPDATE policy_documents
			SET status = 'archived', effective_to = COALESCE(effective_to, $2), updated_at = $2
			WHERE name = $1 AND status <> 'archived'
		`, name, now)
		if err != nil {
			return fmt.Errorf("failed to archive policy document: %w", err)
		}

		docs, err = r.ListVersions(ctx, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("policy document %q: %w", name, repositories.ErrNotFound)
	}

	r.logger.Info("policy document archived", zap.String("name", name), zap.Int("versions", len(docs)))
	return docs, nil
}

// queryDocuments is a helper function to query multiple documents
func (r *DocumentRepository) queryDocuments(ctx context.Context, query string, args ...interface{}) ([]*models.Document, error) {
	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query policy documents: %w", err)
	}
	defer rows.Close()

	docs := make([]*models.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policy documents: %w", err)
	}
	return docs, nil
}
