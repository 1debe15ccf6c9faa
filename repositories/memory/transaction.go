package memory

import (
	"context"

	"github.com/upb/policy-rag/repositories"
)

// TransactionManager runs functions directly. Every memory store operation is
// already atomic under its own lock.
type TransactionManager struct{}

// NewTransactionManager creates a pass-through transaction manager
func NewTransactionManager() *TransactionManager {
	return &TransactionManager{}
}

func (tm *TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	return &transaction{ctx: ctx}, nil
}

func (tm *TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	return fn(ctx, &transaction{ctx: ctx})
}

type transaction struct {
	ctx context.Context
}

func (t *transaction) Commit() error            { return nil }
func (t *transaction) Rollback() error          { return nil }
func (t *transaction) Context() context.Context { return t.ctx }

// NewRepositories wires a full set of in-memory repositories
func NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Documents: NewDocumentRepository(),
		Chunks:    NewChunkRepository(),
		QueryLogs: NewQueryLogRepository(),
		Tx:        NewTransactionManager(),
	}
}
