package models

import (
	"time"

	"github.com/google/uuid"
)

// queryLogNamespace seeds log IDs derived from request IDs
var queryLogNamespace = uuid.MustParse("0b8e5d3c-1f47-4a62-b9d0-7c3e2a1f5b84")

// Confidence is the coarse confidence label attached to an answer
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceNone   Confidence = "none"
)

// Rank orders confidence labels from none (0) to high (3)
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	}
	return 0
}

// QueryOutcome records how a served query ended
type QueryOutcome string

const (
	QueryOutcomeAnswered              QueryOutcome = "answered"
	QueryOutcomeRefused               QueryOutcome = "refused"
	QueryOutcomeGenerationUnavailable QueryOutcome = "generation_unavailable"
	QueryOutcomeContentFiltered       QueryOutcome = "content_filtered"
)

// MatchSummary is the audit-side projection of a retrieved match
type MatchSummary struct {
	ChunkID      uuid.UUID `json:"chunk_id"`
	DocumentID   uuid.UUID `json:"document_id"`
	DocumentName string    `json:"document_name"`
	Version      string    `json:"version"`
	Section      *string   `json:"section,omitempty"`
	Score        float64   `json:"score"`
}

// QueryLog represents the immutable audit record of one served query.
// Only the feedback fields change after insert.
type QueryLog struct {
	ID            uuid.UUID      `json:"id" db:"id"`
	RequestID     string         `json:"request_id" db:"request_id"`
	RequesterID   string         `json:"requester_id" db:"requester_id"`
	RequesterRole string         `json:"requester_role,omitempty" db:"requester_role"`
	ServiceID     *string        `json:"service_id,omitempty" db:"service_id"` // care service or location
	Question      string         `json:"question" db:"question"`
	Answer        string         `json:"answer" db:"answer"`
	Matches       []MatchSummary `json:"matches" db:"matches"` // JSONB
	Confidence    Confidence     `json:"confidence" db:"confidence"`
	Outcome       QueryOutcome   `json:"outcome" db:"outcome"`
	ErrorCode     *string        `json:"error_code,omitempty" db:"error_code"`
	LatencyMs     int            `json:"latency_ms" db:"latency_ms"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	Helpful       *bool          `json:"helpful,omitempty" db:"helpful"`
	FeedbackAt    *time.Time     `json:"feedback_at,omitempty" db:"feedback_at"`
}

// TableName returns the table name for the QueryLog model
func (QueryLog) TableName() string {
	return "query_logs"
}

// QueryLogID derives the log ID for a request ID, so retried writes of the same request collide
func QueryLogID(requestID string) uuid.UUID {
	return uuid.NewSHA1(queryLogNamespace, []byte(requestID))
}

// NewQueryLog creates a new QueryLog instance
func NewQueryLog(requestID, requesterID, question string) *QueryLog {
	return &QueryLog{
		ID:          QueryLogID(requestID),
		RequestID:   requestID,
		RequesterID: requesterID,
		Question:    question,
		Matches:     []MatchSummary{},
		Confidence:  ConfidenceNone,
		Outcome:     QueryOutcomeAnswered,
		CreatedAt:   time.Now().UTC(),
	}
}

// WithRole sets the requester role
func (q *QueryLog) WithRole(role string) *QueryLog {
	q.RequesterRole = role
	return q
}

// WithService sets the service or location the question was asked from
func (q *QueryLog) WithService(serviceID string) *QueryLog {
	if serviceID != "" {
		q.ServiceID = &serviceID
	}
	return q
}

// WithAnswer sets the final answer and its confidence
func (q *QueryLog) WithAnswer(answer string, confidence Confidence) *QueryLog {
	q.Answer = answer
	q.Confidence = confidence
	return q
}

// WithMatches records the matches passed to generation
func (q *QueryLog) WithMatches(matches []RetrievedMatch) *QueryLog {
	summaries := make([]MatchSummary, 0, len(matches))
	for _, m := range matches {
		summaries = append(summaries, m.Summary())
	}
	q.Matches = summaries
	return q
}

// WithOutcome sets the outcome and optional error code
func (q *QueryLog) WithOutcome(outcome QueryOutcome, errorCode string) *QueryLog {
	q.Outcome = outcome
	if errorCode != "" {
		q.ErrorCode = &errorCode
	}
	return q
}

// WithLatency sets the end-to-end latency
func (q *QueryLog) WithLatency(d time.Duration) *QueryLog {
	q.LatencyMs = int(d.Milliseconds())
	return q
}
