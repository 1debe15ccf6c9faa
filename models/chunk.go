package models

import (
	"strconv"

	"github.com/google/uuid"
)

// chunkNamespace seeds deterministic chunk IDs so re-ingestion overwrites instead of duplicating
var chunkNamespace = uuid.MustParse("6f1c2a4e-8d3b-4f5a-9c7e-2b1d0a9e8f71")

// Chunk represents a contiguous span of a document version
type Chunk struct {
	ID         uuid.UUID `json:"id" db:"id"`
	DocumentID uuid.UUID `json:"document_id" db:"document_id"`
	Ordinal    int       `json:"ordinal" db:"ordinal"`
	Section    *string   `json:"section,omitempty" db:"section"`
	Text       string    `json:"text" db:"text"`
	CharCount  int       `json:"char_count" db:"char_count"`
	WordCount  int       `json:"word_count" db:"word_count"`
	TokenCount int       `json:"token_count" db:"token_count"`
	VectorRef  string    `json:"vector_ref" db:"vector_ref"`
}

// TableName returns the table name for the Chunk model
func (Chunk) TableName() string {
	return "policy_chunks"
}

// ChunkID derives the stable ID of the chunk at ordinal within a document version
func ChunkID(documentID uuid.UUID, ordinal int) uuid.UUID {
	return uuid.NewSHA1(chunkNamespace, []byte(documentID.String()+":"+strconv.Itoa(ordinal)))
}

// SectionLabel returns the section name or "General" when the chunk has none
func (c *Chunk) SectionLabel() string {
	if c.Section == nil || *c.Section == "" {
		return "General"
	}
	return *c.Section
}

// RetrievedMatch is a chunk returned by retrieval together with its similarity score.
// It is ephemeral and only persisted as a summary inside a QueryLog.
type RetrievedMatch struct {
	ChunkID      uuid.UUID `json:"chunk_id"`
	DocumentID   uuid.UUID `json:"document_id"`
	DocumentName string    `json:"document_name"`
	Version      string    `json:"version"`
	Section      *string   `json:"section,omitempty"`
	Ordinal      int       `json:"ordinal"`
	Score        float64   `json:"score"`
	Text         string    `json:"text"`
}

// SectionLabel returns the section name or "General" when the match has none
func (m RetrievedMatch) SectionLabel() string {
	if m.Section == nil || *m.Section == "" {
		return "General"
	}
	return *m.Section
}

// Summary projects the match onto the form stored in audit records
func (m RetrievedMatch) Summary() MatchSummary {
	return MatchSummary{
		ChunkID:      m.ChunkID,
		DocumentID:   m.DocumentID,
		DocumentName: m.DocumentName,
		Version:      m.Version,
		Section:      m.Section,
		Score:        m.Score,
	}
}
