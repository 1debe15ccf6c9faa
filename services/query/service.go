// Package query runs the question-answering pipeline end to end.
package query

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/policy-rag/models"
	"github.com/upb/policy-rag/services"
	"github.com/upb/policy-rag/services/audit"
	"github.com/upb/policy-rag/services/confidence"
	"github.com/upb/policy-rag/services/generation"
	"github.com/upb/policy-rag/services/providers"
	"github.com/upb/policy-rag/services/retrieval"
	"go.uber.org/zap"
)

// MaxQuestionLength bounds the question in runes
const MaxQuestionLength = 2000

// Retriever finds matches for a question
type Retriever interface {
	Retrieve(ctx context.Context, question string, opts retrieval.Options) ([]models.RetrievedMatch, error)
}

// Generator answers a question from matches
type Generator interface {
	Generate(ctx context.Context, question string, matches []models.RetrievedMatch) (*generation.Answer, error)
	GenerateStream(ctx context.Context, question string, matches []models.RetrievedMatch, onDelta providers.DeltaFunc) (*generation.Answer, error)
}

type generateFunc func(ctx context.Context, question string, matches []models.RetrievedMatch) (*generation.Answer, error)

// Recorder writes the audit record of a served query
type Recorder interface {
	Record(ctx context.Context, req audit.RecordRequest) (*audit.RecordResult, error)
}

// Checker screens a question before it is processed
type Checker interface {
	Check(question string) error
}

// Request is one question from one requester
type Request struct {
	RequestID      string
	RequesterID    string
	RequesterRole  string
	ServiceID      string
	Question       string
	TopK           int
	ScoreThreshold *float64
}

// Source is a match shown to the requester
type Source struct {
	Document string  `json:"document"`
	Version  string  `json:"version"`
	Section  string  `json:"section"`
	Score    float64 `json:"score"`
	Cited    bool    `json:"cited"`
}

// Response is the answer returned to the requester
type Response struct {
	Answer     string            `json:"answer"`
	Sources    []Source          `json:"sources"`
	Confidence models.Confidence `json:"confidence"`
	Emergency  bool              `json:"emergency"`
	RequestID  string            `json:"request_id"`
	LogID      uuid.UUID         `json:"log_id"`
}

// Service orchestrates guard, retrieval, generation, scoring and audit
type Service struct {
	guard      Checker
	retriever  Retriever
	generator  Generator
	recorder   Recorder
	thresholds confidence.Thresholds
	logger     *zap.Logger
}

// NewService creates a new query service. guard may be nil.
func NewService(
	guard Checker,
	retriever Retriever,
	generator Generator,
	recorder Recorder,
	thresholds confidence.Thresholds,
	logger *zap.Logger,
) *Service {
	return &Service{
		guard:      guard,
		retriever:  retriever,
		generator:  generator,
		recorder:   recorder,
		thresholds: thresholds,
		logger:     logger,
	}
}

// Ask answers one question. Every question that passes input validation is
// recorded exactly once, after its answer or failure is final and before Ask returns.
// A successful answer whose audit record cannot be persisted is withheld.
func (s *Service) Ask(ctx context.Context, req Request) (*Response, error) {
	return s.ask(ctx, req, s.generator.Generate)
}

// AskStream answers like Ask and passes the model's text to onDelta as it is
// produced. The Response carries the final answer, which differs from the
// streamed text when a refusal is normalized or an emergency directive is prepended.
func (s *Service) AskStream(ctx context.Context, req Request, onDelta providers.DeltaFunc) (*Response, error) {
	return s.ask(ctx, req, func(ctx context.Context, question string, matches []models.RetrievedMatch) (*generation.Answer, error) {
		return s.generator.GenerateStream(ctx, question, matches, onDelta)
	})
}

func (s *Service) ask(ctx context.Context, req Request, generate generateFunc) (*Response, error) {
	start := time.Now()

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, services.NewValidation("question cannot be empty")
	}
	if len([]rune(question)) > MaxQuestionLength {
		return nil, services.NewValidation("question is too long")
	}
	if strings.TrimSpace(req.RequesterID) == "" {
		return nil, services.NewValidation("requester is required")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	req.Question = question

	logger := s.logger.With(
		zap.String("request_id", req.RequestID),
		zap.String("requester_id", req.RequesterID))
	logger.Info("answering question", zap.Int("question_len", len(question)))

	run := &pipelineRun{req: req, start: start, confidence: models.ConfidenceNone}

	if s.guard != nil {
		if err := s.guard.Check(question); err != nil {
			return nil, s.fail(ctx, logger, run, models.QueryOutcomeContentFiltered, err)
		}
	}

	matches, err := s.retriever.Retrieve(ctx, question, retrieval.Options{
		TopK:           req.TopK,
		ScoreThreshold: req.ScoreThreshold,
	})
	if err != nil {
		if services.IsValidationError(err) {
			return nil, err
		}
		return nil, s.fail(ctx, logger, run, models.QueryOutcomeGenerationUnavailable, err)
	}
	run.matches = matches

	answer, err := generate(ctx, question, matches)
	if err != nil {
		outcome := models.QueryOutcomeGenerationUnavailable
		if services.IsPolicyViolationError(err) {
			outcome = models.QueryOutcomeContentFiltered
		}
		return nil, s.fail(ctx, logger, run, outcome, err)
	}

	run.answer = answer.Text
	run.outcome = models.QueryOutcomeAnswered
	if answer.Refused {
		run.outcome = models.QueryOutcomeRefused
		if len(matches) == 0 {
			run.errorCode = string(services.CodeInsufficientGrounding)
		}
	} else {
		run.confidence = confidence.Score(matches, s.thresholds)
	}

	logID, err := s.record(ctx, run)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Answer:     answer.Text,
		Sources:    sources(matches, answer),
		Confidence: run.confidence,
		Emergency:  answer.Emergency,
		RequestID:  req.RequestID,
		LogID:      logID,
	}

	logger.Info("question answered",
		zap.String("outcome", string(run.outcome)),
		zap.String("confidence", string(resp.Confidence)),
		zap.Int("matches", len(matches)),
		zap.Int("citations", len(answer.Citations)),
		zap.Bool("emergency", answer.Emergency),
		zap.Duration("latency", time.Since(start)))
	return resp, nil
}

// pipelineRun carries the state of one question to its audit record
type pipelineRun struct {
	req        Request
	start      time.Time
	matches    []models.RetrievedMatch
	answer     string
	confidence models.Confidence
	outcome    models.QueryOutcome
	errorCode  string
}

// fail records a failed question and returns cause. An audit failure is logged
// but does not replace cause.
func (s *Service) fail(ctx context.Context, logger *zap.Logger, run *pipelineRun, outcome models.QueryOutcome, cause error) error {
	run.outcome = outcome
	run.errorCode = string(services.GetErrorCode(cause))
	run.confidence = models.ConfidenceNone

	logger.Warn("question not answered",
		zap.String("outcome", string(outcome)),
		zap.String("code", run.errorCode),
		zap.Error(cause))

	if _, err := s.record(ctx, run); err != nil {
		logger.Error("failed to record unanswered question", zap.Error(err))
	}
	return cause
}

func (s *Service) record(ctx context.Context, run *pipelineRun) (uuid.UUID, error) {
	res, err := s.recorder.Record(ctx, audit.RecordRequest{
		RequestID:     run.req.RequestID,
		RequesterID:   run.req.RequesterID,
		RequesterRole: run.req.RequesterRole,
		ServiceID:     run.req.ServiceID,
		Question:      run.req.Question,
		Answer:        run.answer,
		Matches:       run.matches,
		Confidence:    run.confidence,
		Outcome:       run.outcome,
		ErrorCode:     run.errorCode,
		Latency:       time.Since(run.start),
	})
	if err != nil {
		return uuid.Nil, err
	}
	return res.LogID, nil
}

// sources lists the matches behind an answer. A refusal shows none.
func sources(matches []models.RetrievedMatch, answer *generation.Answer) []Source {
	out := make([]Source, 0, len(matches))
	if answer.Refused {
		return out
	}
	cited := make(map[int]bool, len(answer.Citations))
	for _, c := range answer.Citations {
		cited[c.Source] = true
	}
	for i, m := range matches {
		out = append(out, Source{
			Document: m.DocumentName,
			Version:  m.Version,
			Section:  m.SectionLabel(),
			Score:    m.Score,
			Cited:    cited[i+1],
		})
	}
	return out
}
