package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/policy-rag/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return NewDBFromConn(db, logger), nil
}

// NewDBFromConn wraps an existing connection pool
func NewDBFromConn(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{
		DB:     db,
		logger: logger,
	}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

const policySchema = `
	-- Policy document versions
	CREATE TABLE IF NOT EXISTS policy_documents (
		id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		version VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL CHECK (status IN ('draft', 'active', 'superseded', 'archived')),
		effective_from TIMESTAMPTZ NOT NULL,
		effective_to TIMESTAMPTZ,
		tags TEXT[] NOT NULL DEFAULT '{}',
		source_filename VARCHAR(512) NOT NULL DEFAULT '',
		content_hash VARCHAR(64) NOT NULL DEFAULT '',
		chunk_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (name, version)
	);

	-- At most one active version per document
	CREATE UNIQUE INDEX IF NOT EXISTS idx_policy_documents_one_active
		ON policy_documents(name) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_policy_documents_status ON policy_documents(status);

	-- Chunks of a document version
	CREATE TABLE IF NOT EXISTS policy_chunks (
		id UUID PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES policy_documents(id) ON DELETE CASCADE,
		ordinal INTEGER NOT NULL,
		section TEXT,
		text TEXT NOT NULL,
		char_count INTEGER NOT NULL,
		word_count INTEGER NOT NULL,
		token_count INTEGER NOT NULL,
		vector_ref VARCHAR(255) NOT NULL,
		UNIQUE (document_id, ordinal)
	);
`

const queryLogSchema = `
	-- Query audit trail
	CREATE TABLE IF NOT EXISTS query_logs (
		id UUID PRIMARY KEY,
		request_id VARCHAR(255) NOT NULL UNIQUE,
		requester_id VARCHAR(255) NOT NULL,
		requester_role VARCHAR(100) NOT NULL DEFAULT '',
		service_id VARCHAR(255),
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		matches JSONB NOT NULL DEFAULT '[]',
		confidence VARCHAR(10) NOT NULL,
		outcome VARCHAR(32) NOT NULL,
		error_code VARCHAR(64),
		latency_ms INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		helpful BOOLEAN,
		feedback_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_query_logs_requester_id ON query_logs(requester_id);
	CREATE INDEX IF NOT EXISTS idx_query_logs_created_at ON query_logs(created_at);
	ALTER TABLE query_logs ADD COLUMN IF NOT EXISTS service_id VARCHAR(255);
	CREATE INDEX IF NOT EXISTS idx_query_logs_service_id ON query_logs(service_id);
`

// InitSchema initializes the policy store and query log schema
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, policySchema+queryLogSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}

// InitAuditSchema initializes the query log schema only.
// Use for the separate audit database when DATABASE_URL_AUDIT is set.
func (db *DB) InitAuditSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, queryLogSchema); err != nil {
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	db.logger.Info("audit schema initialized successfully")
	return nil
}
