package models

import (
	"time"

	"github.com/google/uuid"
)

// DocumentStatus represents the lifecycle state of a policy document version
type DocumentStatus string

const (
	// DocumentStatusDraft marks a version whose vectors are being written; never retrievable
	DocumentStatusDraft      DocumentStatus = "draft"
	DocumentStatusActive     DocumentStatus = "active"
	DocumentStatusSuperseded DocumentStatus = "superseded"
	DocumentStatusArchived   DocumentStatus = "archived"
)

// IsValid reports whether the status is one of the known lifecycle states
func (s DocumentStatus) IsValid() bool {
	switch s {
	case DocumentStatusDraft, DocumentStatusActive, DocumentStatusSuperseded, DocumentStatusArchived:
		return true
	}
	return false
}

// Document represents one version of a policy document.
// Name is the document identity; each (name, version) pair gets its own ID.
type Document struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	Name           string         `json:"name" db:"name"`
	Version        string         `json:"version" db:"version"`
	Status         DocumentStatus `json:"status" db:"status"`
	EffectiveFrom  time.Time      `json:"effective_from" db:"effective_from"`
	EffectiveTo    *time.Time     `json:"effective_to,omitempty" db:"effective_to"`
	Tags           []string       `json:"tags" db:"tags"`
	SourceFilename string         `json:"source_filename,omitempty" db:"source_filename"`
	ContentHash    string         `json:"content_hash,omitempty" db:"content_hash"`
	ChunkCount     int            `json:"chunk_count" db:"chunk_count"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Document model
func (Document) TableName() string {
	return "policy_documents"
}

// NewDocument creates a new draft Document version
func NewDocument(name, version string, effectiveFrom time.Time, tags []string) *Document {
	now := time.Now().UTC()
	if effectiveFrom.IsZero() {
		effectiveFrom = now
	}
	if tags == nil {
		tags = []string{}
	}
	return &Document{
		ID:            uuid.New(),
		Name:          name,
		Version:       version,
		Status:        DocumentStatusDraft,
		EffectiveFrom: effectiveFrom,
		Tags:          tags,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsActive reports whether this version is eligible for retrieval
func (d *Document) IsActive() bool {
	return d.Status == DocumentStatusActive
}
