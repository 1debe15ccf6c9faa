// Package pgvector stores chunk vectors in PostgreSQL with the pgvector extension.
package pgvector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"
	"github.com/upb/policy-rag/services/vectorindex"
	"go.uber.org/zap"
)

// Pool is the subset of *pgxpool.Pool used by the index
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Index implements vectorindex.Index on a policy_vectors table
type Index struct {
	pool      Pool
	dimension int
	logger    *zap.Logger
}

// Connect opens a pgx pool and pings it
func Connect(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgvector pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping pgvector database: %w", err)
	}
	return pool, nil
}

// New creates an index over pool
func New(pool Pool, dimension int, logger *zap.Logger) *Index {
	return &Index{pool: pool, dimension: dimension, logger: logger}
}

// EnsureSchema creates the extension, table and cosine HNSW index
func (x *Index) EnsureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS policy_vectors (
			id UUID PRIMARY KEY,
			document_id UUID NOT NULL,
			document_name TEXT NOT NULL,
			version TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			section TEXT,
			text TEXT NOT NULL,
			embedding vector(%d) NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_policy_vectors_document_id ON policy_vectors(document_id);
		CREATE INDEX IF NOT EXISTS idx_policy_vectors_embedding
			ON policy_vectors USING hnsw (embedding vector_cosine_ops);
	`, x.dimension)

	if _, err := x.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize pgvector schema: %w", err)
	}
	x.logger.Info("pgvector schema initialized", zap.Int("dimension", x.dimension))
	return nil
}

const upsertSQL = `
	INSERT INTO policy_vectors (id, document_id, document_name, version, ordinal, section, text, embedding)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id) DO UPDATE SET
		document_id = EXCLUDED.document_id,
		document_name = EXCLUDED.document_name,
		version = EXCLUDED.version,
		ordinal = EXCLUDED.ordinal,
		section = EXCLUDED.section,
		text = EXCLUDED.text,
		embedding = EXCLUDED.embedding
`

func (x *Index) Upsert(ctx context.Context, points []vectorindex.Point) error {
	if len(points) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range points {
		if len(p.Vector) != x.dimension {
			return fmt.Errorf("point %s has %d dims, want %d: %w", p.ID, len(p.Vector), x.dimension, vectorindex.ErrDimensionMismatch)
		}
		batch.Queue(upsertSQL,
			p.ID,
			p.Payload.DocumentID,
			p.Payload.DocumentName,
			p.Payload.Version,
			p.Payload.Ordinal,
			p.Payload.Section,
			p.Payload.Text,
			pgv.NewVector(p.Vector),
		)
	}

	results := x.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range points {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert vector: %w", err)
		}
	}
	return nil
}

func (x *Index) Search(ctx context.Context, vector []float32, k int, filter vectorindex.Filter) ([]vectorindex.ScoredPoint, error) {
	if k <= 0 || len(filter.DocumentIDs) == 0 {
		return []vectorindex.ScoredPoint{}, nil
	}

	where, args := whereClause(filter, 3)
	query := `
		SELECT id, document_id, document_name, version, ordinal, section, text,
		       1 - (embedding <=> $1) AS score
		FROM policy_vectors
		WHERE ` + where + `
		ORDER BY embedding <=> $1
		LIMIT $2
	`
	rows, err := x.pool.Query(ctx, query, append([]any{pgv.NewVector(vector), k}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}
	defer rows.Close()

	hits := make([]vectorindex.ScoredPoint, 0, k)
	for rows.Next() {
		var hit vectorindex.ScoredPoint
		if err := rows.Scan(
			&hit.ID,
			&hit.Payload.DocumentID,
			&hit.Payload.DocumentName,
			&hit.Payload.Version,
			&hit.Payload.Ordinal,
			&hit.Payload.Section,
			&hit.Payload.Text,
			&hit.Score,
		); err != nil {
			return nil, fmt.Errorf("failed to scan vector: %w", err)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating vectors: %w", err)
	}
	return hits, nil
}

func (x *Index) Delete(ctx context.Context, filter vectorindex.Filter) (int, error) {
	if len(filter.DocumentIDs) == 0 {
		return 0, vectorindex.ErrEmptyFilter
	}

	where, args := whereClause(filter, 1)
	tag, err := x.pool.Exec(ctx, `DELETE FROM policy_vectors WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete vectors: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// whereClause renders filter with placeholders numbered from first
func whereClause(f vectorindex.Filter, first int) (string, []any) {
	where := fmt.Sprintf("document_id = ANY($%d)", first)
	args := []any{f.DocumentIDs}
	if f.MinOrdinal != nil {
		where += fmt.Sprintf(" AND ordinal >= $%d", first+1)
		args = append(args, *f.MinOrdinal)
	}
	return where, args
}
