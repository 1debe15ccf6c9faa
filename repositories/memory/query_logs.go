package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/policy-rag/models"
	"github.com/upb/policy-rag/repositories"
)

// QueryLogRepository is an in-memory, append-only repositories.QueryLogRepository
type QueryLogRepository struct {
	mu        sync.RWMutex
	logs      map[uuid.UUID]*models.QueryLog
	byRequest map[string]uuid.UUID
	failWith  error
}

// NewQueryLogRepository creates an empty query log store
func NewQueryLogRepository() *QueryLogRepository {
	return &QueryLogRepository{
		logs:      make(map[uuid.UUID]*models.QueryLog),
		byRequest: make(map[string]uuid.UUID),
	}
}

// FailWith makes every Insert return err until called with nil
func (r *QueryLogRepository) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWith = err
}

// Len returns the number of stored logs
func (r *QueryLogRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.logs)
}

func cloneLog(l *models.QueryLog) *models.QueryLog {
	c := *l
	c.Matches = append([]models.MatchSummary{}, l.Matches...)
	return &c
}

func (r *QueryLogRepository) Insert(ctx context.Context, log *models.QueryLog) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failWith != nil {
		return false, r.failWith
	}
	if _, exists := r.byRequest[log.RequestID]; exists {
		return false, nil
	}
	r.logs[log.ID] = cloneLog(log)
	r.byRequest[log.RequestID] = log.ID
	return true, nil
}

func (r *QueryLogRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.QueryLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.logs[id]
	if !ok {
		return nil, fmt.Errorf("query log %s: %w", id, repositories.ErrNotFound)
	}
	return cloneLog(l), nil
}

func (r *QueryLogRepository) ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*models.QueryLog, error) {
	return page(r.filter(func(l *models.QueryLog) bool { return l.RequesterID == requesterID }), limit, offset), nil
}

func (r *QueryLogRepository) ListByService(ctx context.Context, serviceID string, limit, offset int) ([]*models.QueryLog, error) {
	return page(r.filter(func(l *models.QueryLog) bool {
		return l.ServiceID != nil && *l.ServiceID == serviceID
	}), limit, offset), nil
}

func (r *QueryLogRepository) ListByTimeRange(ctx context.Context, start, end time.Time, limit, offset int) ([]*models.QueryLog, error) {
	return page(r.filter(func(l *models.QueryLog) bool {
		return !l.CreatedAt.Before(start) && l.CreatedAt.Before(end)
	}), limit, offset), nil
}

func (r *QueryLogRepository) ListHighRisk(ctx context.Context, keywords []string, since time.Time, limit int) ([]*models.QueryLog, error) {
	if len(keywords) == 0 {
		return []*models.QueryLog{}, nil
	}
	return page(r.filter(func(l *models.QueryLog) bool {
		if l.CreatedAt.Before(since) {
			return false
		}
		q, a := strings.ToLower(l.Question), strings.ToLower(l.Answer)
		for _, k := range keywords {
			k = strings.ToLower(k)
			if strings.Contains(q, k) || strings.Contains(a, k) {
				return true
			}
		}
		return false
	}), limit, 0), nil
}

func (r *QueryLogRepository) SetFeedback(ctx context.Context, id uuid.UUID, helpful bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.logs[id]
	if !ok {
		return fmt.Errorf("query log %s: %w", id, repositories.ErrNotFound)
	}
	h, ts := helpful, at
	l.Helpful = &h
	l.FeedbackAt = &ts
	return nil
}

// filter returns matching logs newest first
func (r *QueryLogRepository) filter(keep func(*models.QueryLog) bool) []*models.QueryLog {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.QueryLog, 0)
	for _, l := range r.logs {
		if keep(l) {
			out = append(out, cloneLog(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func page(logs []*models.QueryLog, limit, offset int) []*models.QueryLog {
	if offset >= len(logs) {
		return []*models.QueryLog{}
	}
	logs = logs[offset:]
	if limit > 0 && limit < len(logs) {
		logs = logs[:limit]
	}
	return logs
}
