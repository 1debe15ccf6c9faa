package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/policy-rag/models"
	"go.uber.org/zap"
)

func TestChunkRepository_ReplaceForDocument(t *testing.T) {
	db, mock := newMockDB(t)
	tm := NewTransactionManager(db, zap.NewNop())
	repo := NewChunkRepository(db, tm, zap.NewNop())
	docID := uuid.New()

	section := "Section 1: Scope"
	chunks := []*models.Chunk{
		{ID: models.ChunkID(docID, 0), DocumentID: docID, Ordinal: 0, Section: &section, Text: "a", VectorRef: "r0"},
		{ID: models.ChunkID(docID, 1), DocumentID: docID, Ordinal: 1, Text: "b", VectorRef: "r1"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM policy_chunks").WithArgs(docID).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO policy_chunks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO policy_chunks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.ReplaceForDocument(context.Background(), docID, chunks))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChunkRepository_ListByDocument(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChunkRepository(db, NewTransactionManager(db, zap.NewNop()), zap.NewNop())
	docID := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "document_id", "ordinal", "section", "text", "char_count", "word_count", "token_count", "vector_ref"}).
		AddRow(models.ChunkID(docID, 0).String(), docID.String(), 0, "Scope", "hello", 5, 1, 1, "r0").
		AddRow(models.ChunkID(docID, 1).String(), docID.String(), 1, nil, "world", 5, 1, 1, "r1")
	mock.ExpectQuery("FROM policy_chunks").WithArgs(docID).WillReturnRows(rows)

	chunks, err := repo.ListByDocument(context.Background(), docID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.NotNil(t, chunks[0].Section)
	assert.Equal(t, "Scope", *chunks[0].Section)
	assert.Nil(t, chunks[1].Section)
	assert.Equal(t, "General", chunks[1].SectionLabel())
	assert.NoError(t, mock.ExpectationsWereMet())
}
