// Package audit records one QueryLog per served query and never loses one:
// records the store rejects are parked in a local outbox and retried.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/upb/policy-rag/models"
	"github.com/upb/policy-rag/repositories"
	"github.com/upb/policy-rag/services"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Read limits
const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// EscalationEvent is the log message and webhook event name for escalated records
const EscalationEvent = "audit_escalation"

// Config holds configuration for the audit Service
type Config struct {
	WriteTimeout     time.Duration
	Workers          int
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	PollInterval     time.Duration
	BatchSize        int
	HighRiskKeywords []string
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		WriteTimeout:   2 * time.Second,
		Workers:        2,
		MaxAttempts:    10,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  5 * time.Minute,
		PollInterval:   2 * time.Second,
		BatchSize:      50,
	}
}

// RecordRequest is the final state of one served query
type RecordRequest struct {
	RequestID     string
	RequesterID   string
	RequesterRole string
	ServiceID     string
	Question      string
	Answer        string
	Matches       []models.RetrievedMatch
	Confidence    models.Confidence
	Outcome       models.QueryOutcome
	ErrorCode     string
	Latency       time.Duration
}

// RecordResult reports where the record went
type RecordResult struct {
	LogID uuid.UUID `json:"log_id"`
	// Queued is true when the store write failed and the record waits in the outbox
	Queued bool `json:"queued"`
}

// Service writes and reads query logs
type Service struct {
	repo    repositories.QueryLogRepository
	outbox  Outbox
	alerter Alerter
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time

	escalations atomic.Int64
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
	mu          sync.Mutex
}

// NewService creates a new audit Service. outbox and alerter may be nil; without
// an outbox a failed store write fails the request.
func NewService(repo repositories.QueryLogRepository, outbox Outbox, alerter Alerter, cfg Config, logger *zap.Logger) *Service {
	def := DefaultConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:    repo,
		outbox:  outbox,
		alerter: alerter,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Record persists the log for a served query. The store write is bounded by
// WriteTimeout; on failure the record is queued and Record still succeeds.
// It errors only when neither the store nor the outbox accepted the record.
func (s *Service) Record(ctx context.Context, req RecordRequest) (*RecordResult, error) {
	if strings.TrimSpace(req.RequestID) == "" {
		return nil, services.NewValidation("request id is required")
	}

	log := models.NewQueryLog(req.RequestID, req.RequesterID, req.Question).
		WithRole(req.RequesterRole).
		WithService(req.ServiceID).
		WithAnswer(req.Answer, req.Confidence).
		WithMatches(req.Matches).
		WithOutcome(req.Outcome, req.ErrorCode).
		WithLatency(req.Latency)
	log.CreatedAt = s.now().UTC()
	if log.Confidence == "" {
		log.Confidence = models.ConfidenceNone
	}
	if log.Outcome == "" {
		log.Outcome = models.QueryOutcomeAnswered
	}

	// the record outlives a client that hung up
	base := context.WithoutCancel(ctx)

	writeErr := s.write(base, log)
	if writeErr == nil {
		return &RecordResult{LogID: log.ID}, nil
	}

	s.logger.Warn("audit write failed, queueing for retry",
		zap.String("request_id", log.RequestID),
		zap.Error(writeErr))

	if s.outbox == nil {
		return nil, s.unavailable(log, writeErr)
	}
	enqueueCtx, cancel := context.WithTimeout(base, s.cfg.WriteTimeout)
	defer cancel()
	if err := s.outbox.Enqueue(enqueueCtx, log, writeErr.Error()); err != nil {
		return nil, s.unavailable(log, errors.Join(writeErr, err))
	}
	return &RecordResult{LogID: log.ID, Queued: true}, nil
}

func (s *Service) write(ctx context.Context, log *models.QueryLog) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	inserted, err := s.repo.Insert(writeCtx, log)
	if err != nil {
		return err
	}
	if !inserted {
		s.logger.Debug("query log already recorded", zap.String("request_id", log.RequestID))
	}
	return nil
}

func (s *Service) unavailable(log *models.QueryLog, err error) error {
	s.logger.Error("audit record could not be persisted",
		zap.String("request_id", log.RequestID),
		zap.String("log_id", log.ID.String()),
		zap.Error(err))
	return services.NewCodedError(services.ErrorTypeUnavailable, services.CodeAuditUnavailable,
		"audit record could not be persisted", err)
}

// Start starts the outbox poller. It is a no-op without an outbox.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}
	s.started = true
	if s.outbox == nil {
		s.logger.Warn("audit outbox disabled, failed writes will fail requests")
		return nil
	}

	s.wg.Add(1)
	go s.poll()

	s.logger.Info("started audit retry worker",
		zap.Int("worker_count", s.cfg.Workers),
		zap.Duration("poll_interval", s.cfg.PollInterval))
	return nil
}

// Stop stops the poller, waiting up to timeout for the current batch
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("audit service not started")
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

func (s *Service) poll() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RetryPending(s.ctx); err != nil && s.ctx.Err() == nil {
				s.logger.Error("audit outbox retry failed", zap.Error(err))
			}
		}
	}
}

// RetryPending makes one pass over the due outbox entries with up to Workers
// concurrent writes. It returns how many entries reached the store.
func (s *Service) RetryPending(ctx context.Context) (int, error) {
	if s.outbox == nil {
		return 0, nil
	}
	entries, err := s.outbox.Due(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	var written atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, entry := range entries {
		g.Go(func() error {
			ok, err := s.retry(gctx, entry)
			if ok {
				written.Add(1)
			}
			return err
		})
	}
	err = g.Wait()
	return int(written.Load()), err
}

// retry writes one entry. Only outbox failures are returned; a failed store write
// is rescheduled.
func (s *Service) retry(ctx context.Context, entry *OutboxEntry) (bool, error) {
	log := entry.Log
	writeErr := s.write(ctx, log)
	if writeErr == nil {
		s.logger.Info("queued audit record written",
			zap.String("request_id", log.RequestID),
			zap.Int("attempts", entry.Attempts+1))
		return true, s.outbox.Remove(ctx, log.RequestID)
	}

	attempts := entry.Attempts + 1
	next := s.now().Add(s.backoff(attempts))
	if err := s.outbox.Reschedule(ctx, log.RequestID, attempts, next, writeErr.Error()); err != nil {
		return false, err
	}

	s.logger.Warn("audit retry failed",
		zap.String("request_id", log.RequestID),
		zap.Int("attempts", attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(writeErr))

	if attempts >= s.cfg.MaxAttempts && !entry.Escalated {
		return false, s.escalate(ctx, entry, attempts, writeErr)
	}
	return false, nil
}

func (s *Service) escalate(ctx context.Context, entry *OutboxEntry, attempts int, cause error) error {
	s.escalations.Add(1)
	s.logger.Error(EscalationEvent,
		zap.String("request_id", entry.Log.RequestID),
		zap.String("log_id", entry.Log.ID.String()),
		zap.Int("attempts", attempts),
		zap.Time("queued_at", entry.CreatedAt),
		zap.Error(cause))

	if s.alerter != nil {
		err := s.alerter.Alert(ctx, Escalation{
			Event:     EscalationEvent,
			RequestID: entry.Log.RequestID,
			LogID:     entry.Log.ID.String(),
			Attempts:  attempts,
			LastError: cause.Error(),
			QueuedAt:  entry.CreatedAt,
		})
		if err != nil {
			s.logger.Warn("audit escalation alert failed", zap.Error(err))
		}
	}
	return s.outbox.MarkEscalated(ctx, entry.Log.RequestID)
}

// backoff doubles from RetryBaseDelay per attempt up to RetryMaxDelay
func (s *Service) backoff(attempts int) time.Duration {
	d := s.cfg.RetryBaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.cfg.RetryMaxDelay {
			return s.cfg.RetryMaxDelay
		}
	}
	return d
}

// GetByID returns a log by its reference
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*models.QueryLog, error) {
	log, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, mapReadError("query log not found", err)
	}
	return log, nil
}

// ListByRequester returns a requester's logs, newest first
func (s *Service) ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*models.QueryLog, error) {
	if strings.TrimSpace(requesterID) == "" {
		return nil, services.NewValidation("requester is required")
	}
	limit, offset, err := normalizePage(limit, offset)
	if err != nil {
		return nil, err
	}
	logs, err := s.repo.ListByRequester(ctx, requesterID, limit, offset)
	if err != nil {
		return nil, services.WrapInternal("failed to list query logs", err)
	}
	return logs, nil
}

// ListByService returns the logs of questions asked from one service or location, newest first
func (s *Service) ListByService(ctx context.Context, serviceID string, limit, offset int) ([]*models.QueryLog, error) {
	if strings.TrimSpace(serviceID) == "" {
		return nil, services.NewValidation("service is required")
	}
	limit, offset, err := normalizePage(limit, offset)
	if err != nil {
		return nil, err
	}
	logs, err := s.repo.ListByService(ctx, serviceID, limit, offset)
	if err != nil {
		return nil, services.WrapInternal("failed to list query logs", err)
	}
	return logs, nil
}

// ListByTimeRange returns logs created in [start, end), newest first. A zero end means now.
func (s *Service) ListByTimeRange(ctx context.Context, start, end time.Time, limit, offset int) ([]*models.QueryLog, error) {
	if end.IsZero() {
		end = s.now().UTC()
	}
	if start.After(end) {
		return nil, services.NewValidation("start must not be after end")
	}
	limit, offset, err := normalizePage(limit, offset)
	if err != nil {
		return nil, err
	}
	logs, err := s.repo.ListByTimeRange(ctx, start, end, limit, offset)
	if err != nil {
		return nil, services.WrapInternal("failed to list query logs", err)
	}
	return logs, nil
}

// ListHighRisk returns logs mentioning any keyword in the question or answer.
// No keywords means the configured high-risk set.
func (s *Service) ListHighRisk(ctx context.Context, keywords []string, since time.Time, limit int) ([]*models.QueryLog, error) {
	kw := cleanKeywords(keywords)
	if len(kw) == 0 {
		kw = cleanKeywords(s.cfg.HighRiskKeywords)
	}
	if len(kw) == 0 {
		return nil, services.NewValidation("no high-risk keywords configured")
	}
	limit, _, err := normalizePage(limit, 0)
	if err != nil {
		return nil, err
	}
	logs, err := s.repo.ListHighRisk(ctx, kw, since, limit)
	if err != nil {
		return nil, services.WrapInternal("failed to list high-risk query logs", err)
	}
	return logs, nil
}

// SetFeedback records whether the answer helped. Repeating it is harmless and the
// last value wins.
func (s *Service) SetFeedback(ctx context.Context, id uuid.UUID, helpful bool) error {
	if err := s.repo.SetFeedback(ctx, id, helpful, s.now().UTC()); err != nil {
		return mapReadError("query log not found", err)
	}
	s.logger.Info("recorded answer feedback", zap.String("log_id", id.String()), zap.Bool("helpful", helpful))
	return nil
}

// Stats represents audit service statistics
type Stats struct {
	PendingRecords   int   `json:"pending_records"`
	EscalatedRecords int   `json:"escalated_records"`
	Escalations      int64 `json:"escalations"`
	WorkerCount      int   `json:"worker_count"`
	OutboxEnabled    bool  `json:"outbox_enabled"`
	Started          bool  `json:"started"`
}

// GetStats returns statistics about the audit service
func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	stats := Stats{
		WorkerCount:   s.cfg.Workers,
		OutboxEnabled: s.outbox != nil,
		Started:       s.started,
		Escalations:   s.escalations.Load(),
	}
	s.mu.Unlock()

	if s.outbox == nil {
		return stats, nil
	}
	pending, escalated, err := s.outbox.Pending(ctx)
	if err != nil {
		return stats, services.WrapInternal("failed to read audit outbox", err)
	}
	stats.PendingRecords = pending
	stats.EscalatedRecords = escalated
	return stats, nil
}

func normalizePage(limit, offset int) (int, int, error) {
	if limit < 0 || offset < 0 {
		return 0, 0, services.NewValidation("limit and offset must not be negative")
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	return min(limit, MaxLimit), offset, nil
}

func cleanKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, k := range in {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func mapReadError(notFound string, err error) error {
	if errors.Is(err, repositories.ErrNotFound) {
		return services.NewNotFound(notFound)
	}
	return services.WrapInternal("failed to access query logs", err)
}
