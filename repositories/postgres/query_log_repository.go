package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/policy-rag/models"
	"github.com/upb/policy-rag/repositories"
	"go.uber.org/zap"
)

const queryLogColumns = `id, request_id, requester_id, requester_role, service_id, question, answer, matches,
	confidence, outcome, error_code, latency_ms, created_at, helpful, feedback_at`

// QueryLogRepository implements the repositories.QueryLogRepository interface
type QueryLogRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewQueryLogRepository creates a new query log repository
func NewQueryLogRepository(db *DB, logger *zap.Logger) repositories.QueryLogRepository {
	return &QueryLogRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a query log. A second insert for the same request ID is a no-op.
func (r *QueryLogRepository) Insert(ctx context.Context, log *models.QueryLog) (bool, error) {
	matches, err := json.Marshal(log.Matches)
	if err != nil {
		return false, fmt.Errorf("failed to encode matches: %w", err)
	}

	query := `
		INSERT INTO query_logs (` + queryLogColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (request_id) DO NOTHING
	`

	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		log.ID,
		log.RequestID,
		log.RequesterID,
		log.RequesterRole,
		log.ServiceID,
		log.Question,
		log.Answer,
		matches,
		log.Confidence,
		log.Outcome,
		log.ErrorCode,
		log.LatencyMs,
		log.CreatedAt,
		log.Helpful,
		log.FeedbackAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert query log: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	r.logger.Debug("query log inserted",
		zap.String("id", log.ID.String()),
		zap.String("request_id", log.RequestID),
		zap.Bool("duplicate", rowsAffected == 0))
	return rowsAffected > 0, nil
}

// GetByID retrieves a query log by ID
func (r *QueryLogRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.QueryLog, error) {
	query := `SELECT ` + queryLogColumns + ` FROM query_logs WHERE id = $1`

	log, err := scanQueryLog(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("query log %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get query log: %w", err)
	}
	return log, nil
}

// ListByRequester retrieves query logs for a requester, newest first
func (r *QueryLogRepository) ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*models.QueryLog, error) {
	query := `
		SELECT ` + queryLogColumns + `
		FROM query_logs
		WHERE requester_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	return r.queryLogs(ctx, query, requesterID, limit, offset)
}

// ListByService retrieves query logs asked from a service or location, newest first
func (r *QueryLogRepository) ListByService(ctx context.Context, serviceID string, limit, offset int) ([]*models.QueryLog, error) {
	query := `
		SELECT ` + queryLogColumns + `
		FROM query_logs
		WHERE service_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	return r.queryLogs(ctx, query, serviceID, limit, offset)
}

// ListByTimeRange retrieves query logs created within [start, end), newest first
func (r *QueryLogRepository) ListByTimeRange(ctx context.Context, start, end time.Time, limit, offset int) ([]*models.QueryLog, error) {
	query := `
		SELECT ` + queryLogColumns + `
		FROM query_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	return r.queryLogs(ctx, query, start, end, limit, offset)
}

// ListHighRisk retrieves query logs whose question or answer mentions any keyword
func (r *QueryLogRepository) ListHighRisk(ctx context.Context, keywords []string, since time.Time, limit int) ([]*models.QueryLog, error) {
	if len(keywords) == 0 {
		return []*models.QueryLog{}, nil
	}
	patterns := make([]string, len(keywords))
	for i, k := range keywords {
		patterns[i] = "%" + escapeLike(k) + "%"
	}

	query := `
		SELECT ` + queryLogColumns + `
		FROM query_logs
		WHERE created_at >= $2
		  AND (question ILIKE ANY($1) OR answer ILIKE ANY($1))
		ORDER BY created_at DESC
		LIMIT $3
	`
	return r.queryLogs(ctx, query, pq.Array(patterns), since, limit)
}

// SetFeedback records requester feedback; last write wins
func (r *QueryLogRepository) SetFeedback(ctx context.Context, id uuid.UUID, helpful bool, at time.Time) error {
	result, err := GetExecutor(ctx, r.db).ExecContext(ctx,
		`UPDATE query_logs SET helpful = $2, feedback_at = $3 WHERE id = $1`, id, helpful, at)
	if err != nil {
		return fmt.Errorf("failed to set feedback: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("query log %s: %w", id, repositories.ErrNotFound)
	}
	return nil
}

func scanQueryLog(row rowScanner) (*models.QueryLog, error) {
	log := &models.QueryLog{}
	var matches []byte
	var serviceID, errorCode sql.NullString
	var helpful sql.NullBool
	var feedbackAt sql.NullTime

	err := row.Scan(
		&log.ID,
		&log.RequestID,
		&log.RequesterID,
		&log.RequesterRole,
		&serviceID,
		&log.Question,
		&log.Answer,
		&matches,
		&log.Confidence,
		&log.Outcome,
		&errorCode,
		&log.LatencyMs,
		&log.CreatedAt,
		&helpful,
		&feedbackAt,
	)
	if err != nil {
		return nil, err
	}

	log.Matches = []models.MatchSummary{}
	if len(matches) > 0 {
		if err := json.Unmarshal(matches, &log.Matches); err != nil {
			return nil, fmt.Errorf("failed to decode matches: %w", err)
		}
	}
	if serviceID.Valid {
		log.ServiceID = &serviceID.String
	}
	if errorCode.Valid {
		log.ErrorCode = &errorCode.String
	}
	if helpful.Valid {
		log.Helpful = &helpful.Bool
	}
	if feedbackAt.Valid {
		log.FeedbackAt = &feedbackAt.Time
	}
	return log, nil
}

// queryLogs is a helper function to query multiple query logs
func (r *QueryLogRepository) queryLogs(ctx context.Context, query string, args ...interface{}) ([]*models.QueryLog, error) {
	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query query logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*models.QueryLog, 0)
	for rows.Next() {
		log, err := scanQueryLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan query log: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating query logs: %w", err)
	}
	return logs, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
