package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/upb/policy-rag/repositories"
)

// MockTransaction is a mock implementation of Transaction
type MockTransaction struct {
	mock.Mock
}

func (m *MockTransaction) Commit() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockTransaction) Rollback() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockTransaction) Context() context.Context {
	args := m.Called()
	return args.Get(0).(context.Context)
}

// fakeTxManager commits on success and rolls back on error, like the postgres manager
type fakeTxManager struct {
	tx       *MockTransaction
	beginErr error
}

func (f *fakeTxManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return f.tx, nil
}

func (f *fakeTxManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, err := f.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func TestWithTransaction_Success(t *testing.T) {
	mockTx := new(MockTransaction)
	mockTx.On("Commit").Return(nil)

	err := WithTransaction(context.Background(), &fakeTxManager{tx: mockTx}, func(ctx context.Context, tx repositories.Transaction) error {
		return nil
	})

	assert.NoError(t, err)
	mockTx.AssertExpectations(t)
	mockTx.AssertNotCalled(t, "Rollback")
}

func TestWithTransaction_ErrorInFunction(t *testing.T) {
	mockTx := new(MockTransaction)
	mockTx.On("Rollback").Return(nil)
	expectedErr := errors.New("operation failed")

	err := WithTransaction(context.Background(), &fakeTxManager{tx: mockTx}, func(ctx context.Context, tx repositories.Transaction) error {
		return expectedErr
	})

	assert.Equal(t, expectedErr, err)
	mockTx.AssertExpectations(t)
	mockTx.AssertNotCalled(t, "Commit")
}

func TestWithTransaction_BeginError(t *testing.T) {
	called := false
	err := WithTransaction(context.Background(), &fakeTxManager{beginErr: errors.New("failed to begin transaction")}, func(ctx context.Context, tx repositories.Transaction) error {
		called = true
		return nil
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to begin transaction")
	assert.False(t, called)
}

func TestWithTransaction_Panic(t *testing.T) {
	mockTx := new(MockTransaction)
	mockTx.On("Rollback").Return(nil)

	assert.PanicsWithValue(t, "boom", func() {
		_ = WithTransaction(context.Background(), &fakeTxManager{tx: mockTx}, func(ctx context.Context, tx repositories.Transaction) error {
			panic("boom")
		})
	})
	mockTx.AssertExpectations(t)
}

func TestWithTransactionResult(t *testing.T) {
	t.Run("returns value on commit", func(t *testing.T) {
		mockTx := new(MockTransaction)
		mockTx.On("Commit").Return(nil)

		n, err := WithTransactionResult(context.Background(), &fakeTxManager{tx: mockTx}, func(ctx context.Context, tx repositories.Transaction) (int, error) {
			return 42, nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 42, n)
	})

	t.Run("returns zero value when commit fails", func(t *testing.T) {
		mockTx := new(MockTransaction)
		mockTx.On("Commit").Return(errors.New("commit failed"))

		n, err := WithTransactionResult(context.Background(), &fakeTxManager{tx: mockTx}, func(ctx context.Context, tx repositories.Transaction) (int, error) {
			return 42, nil
		})

		assert.Error(t, err)
		assert.Equal(t, 0, n)
	})
}
