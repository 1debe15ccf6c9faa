package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/policy-rag/models"
	"github.com/upb/policy-rag/repositories"
	"go.uber.org/zap"
)

// ChunkRepository implements the repositories.ChunkRepository interface
type ChunkRepository struct {
	db     *DB
	tm     repositories.TransactionManager
	logger *zap.Logger
}

// NewChunkRepository creates a new chunk repository
func NewChunkRepository(db *DB, tm repositories.TransactionManager, logger *zap.Logger) repositories.ChunkRepository {
	return &ChunkRepository{
		db:     db,
		tm:     tm,
		logger: logger,
	}
}

// ReplaceForDocument deletes existing chunks of a version and inserts the given ones
func (r *ChunkRepository) ReplaceForDocument(ctx context.Context, documentID uuid.UUID, chunks []*models.Chunk) error {
	insert := `
		INSERT INTO policy_chunks (id, document_id, ordinal, section, text, char_count, word_count, token_count, vector_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	err := r.tm.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		executor := GetExecutor(ctx, r.db)

		if _, err := executor.ExecContext(ctx, `DELETE FROM policy_chunks WHERE document_id = $1`, documentID); err != nil {
			return fmt.Errorf("failed to delete chunks: %w", err)
		}

		for _, c := range chunks {
			_, err := executor.ExecContext(ctx, insert,
				c.ID,
				documentID,
				c.Ordinal,
				c.Section,
				c.Text,
				c.CharCount,
				c.WordCount,
				c.TokenCount,
				c.VectorRef,
			)
			if err != nil {
				return fmt.Errorf("failed to insert chunk %d: %w", c.Ordinal, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Debug("chunks replaced",
		zap.String("document_id", documentID.String()),
		zap.Int("count", len(chunks)))
	return nil
}

// ListByDocument retrieves the chunks of a version ordered by ordinal
func (r *ChunkRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*models.Chunk, error) {
	query := `
		SELECT id, document_id, ordinal, section, text, char_count, word_count, token_count, vector_ref
		FROM policy_chunks
		WHERE document_id = $1
		ORDER BY ordinal
	`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	chunks := make([]*models.Chunk, 0)
	for rows.Next() {
		c := &models.Chunk{}
		if err := rows.Scan(
			&c.ID,
			&c.DocumentID,
			&c.Ordinal,
			&c.Section,
			&c.Text,
			&c.CharCount,
			&c.WordCount,
			&c.TokenCount,
			&c.VectorRef,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}
	return chunks, nil
}

// CountByDocument returns the number of chunks stored for a version
func (r *ChunkRepository) CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	var count int
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM policy_chunks WHERE document_id = $1`, documentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}
