package postgres

import (
	"context"

	"github.com/upb/policy-rag/config"
	"github.com/upb/policy-rag/repositories"
	"go.uber.org/zap"
)

// RepositoryFactory creates and manages all repositories
type RepositoryFactory struct {
	db      *DB
	auditDB *DB // Optional: separate DB for query logs
	logger  *zap.Logger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := NewDB(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	f := &RepositoryFactory{db: db, logger: logger}

	if cfg.AuditDatabase != nil {
		auditDB, err := NewDB(*cfg.AuditDatabase, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		f.auditDB = auditDB
	}

	return f, nil
}

// NewRepositoryFactoryFromDB builds a factory over an existing pool
func NewRepositoryFactoryFromDB(db *DB, logger *zap.Logger) *RepositoryFactory {
	return &RepositoryFactory{db: db, logger: logger}
}

// InitSchema creates the policy store schema, and the audit schema on the
// separate audit database when one is configured.
func (f *RepositoryFactory) InitSchema(ctx context.Context) error {
	if err := f.db.InitSchema(ctx); err != nil {
		return err
	}
	if f.auditDB != nil {
		return f.auditDB.InitAuditSchema(ctx)
	}
	return nil
}

// NewRepositories creates all repository instances
func (f *RepositoryFactory) NewRepositories() *repositories.Repositories {
	auditDB := f.db
	if f.auditDB != nil {
		auditDB = f.auditDB
	}
	tm := NewTransactionManager(f.db, f.logger)
	return &repositories.Repositories{
		Documents: NewDocumentRepository(f.db, tm, f.logger),
		Chunks:    NewChunkRepository(f.db, tm, f.logger),
		QueryLogs: NewQueryLogRepository(auditDB, f.logger),
		Tx:        tm,
	}
}

// GetDB returns the database connection
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// HealthCheck pings the primary and, when separate, the audit database
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if err := f.db.HealthCheck(ctx); err != nil {
		return err
	}
	if f.auditDB != nil {
		return f.auditDB.HealthCheck(ctx)
	}
	return nil
}

// Close closes the database connection(s)
func (f *RepositoryFactory) Close() error {
	if f.auditDB != nil {
		_ = f.auditDB.Close()
	}
	return f.db.Close()
}
