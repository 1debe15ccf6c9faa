package services

import (
	"context"
	"fmt"

	"github.com/upb/policy-rag/repositories"
)

// WithTransaction executes fn through txMgr.InTransaction so repository calls
// made with the passed ctx join the same transaction.
// A panic in fn rolls the transaction back and is re-raised after.
func WithTransaction(ctx context.Context, txMgr repositories.TransactionManager, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	var panicked interface{}

	err := txMgr.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) (err error) {
		defer func() {
			if p := recover(); p != nil {
				panicked = p
				err = fmt.Errorf("panic in transaction: %v", p)
			}
		}()
		return fn(ctx, tx)
	})

	if panicked != nil {
		panic(panicked)
	}
	return err
}

// WithTransactionResult is WithTransaction for functions that return a value.
// The zero value of T is returned when the transaction fails.
func WithTransactionResult[T any](ctx context.Context, txMgr repositories.TransactionManager, fn func(ctx context.Context, tx repositories.Transaction) (T, error)) (T, error) {
	var result T

	err := WithTransaction(ctx, txMgr, func(ctx context.Context, tx repositories.Transaction) error {
		r, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
