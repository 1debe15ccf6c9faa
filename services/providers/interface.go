package providers

import (
	"context"
	"errors"
	"time"
)

// EmbeddingProvider turns text into fixed-dimension vectors
type EmbeddingProvider interface {
	// Name returns the provider name (e.g., "openai", "ollama")
	Name() string

	// Embed returns the vector for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per text, in input order
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector size produced by this provider
	Dimension() int
}

// GenerationProvider performs chat-style completions
type GenerationProvider interface {
	// Name returns the provider name
	Name() string

	// Complete runs a single non-streaming completion
	Complete(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error)
}

// DeltaFunc receives completion text as the provider produces it. An error stops the stream.
type DeltaFunc func(delta string) error

// StreamingGenerationProvider is a GenerationProvider that can stream its completion
type StreamingGenerationProvider interface {
	GenerationProvider

	// CompleteStream runs one completion, calling onDelta for each text fragment in
	// order. The returned response carries the full text.
	CompleteStream(ctx context.Context, req *GenerationRequest, onDelta DeltaFunc) (*GenerationResponse, error)
}

// GenerationRequest represents a unified completion request
type GenerationRequest struct {
	// Messages in the conversation, system prompt first
	Messages []Message `json:"messages"`

	// MaxTokens limits the response length
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 to 2.0)
	Temperature float64 `json:"temperature"`

	// User identifier for abuse monitoring
	User string `json:"user,omitempty"`
}

// Message represents a single message in a conversation
type Message struct {
	// Role can be "system", "user", or "assistant"
	Role string `json:"role"`

	// Content is the message text
	Content string `json:"content"`
}

// GenerationResponse represents a unified completion response
type GenerationResponse struct {
	Text string `json:"text"`

	// FinishReason indicates why the completion finished
	// Values: "stop", "length", "content_filter"
	FinishReason string `json:"finish_reason"`

	Model    string        `json:"model"`
	Provider string        `json:"provider"`
	Usage    Usage         `json:"usage"`
	Latency  time.Duration `json:"latency"`
}

// Usage represents token usage statistics
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishReasonContentFilter is reported when the provider withheld the completion
const FinishReasonContentFilter = "content_filter"

// ProviderConfig holds common configuration for providers
type ProviderConfig struct {
	// APIKey for authentication
	APIKey string

	// BaseURL for the API (optional override)
	BaseURL string

	// EmbeddingModel and ChatModel select the models used for each call type
	EmbeddingModel string
	ChatModel      string

	// Dimension is the expected embedding size; 0 means the adapter default
	Dimension int

	// Timeout for a single HTTP call
	Timeout time.Duration

	// Retry governs backoff and throttling around every call
	Retry RetryConfig

	// Additional headers
	Headers map[string]string
}

// Error codes carried by ProviderError
const (
	CodeRateLimited     = "rate_limited"
	CodeUnavailable     = "unavailable"
	CodeContentFiltered = "content_filtered"
	CodeInvalidRequest  = "invalid_request"
	CodeInvalidResponse = "invalid_response"
)

// ProviderError represents an error from a provider
type ProviderError struct {
	// Provider that generated the error
	Provider string

	// Code is one of the Code* constants
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Retryable indicates if the request can be retried
	Retryable bool

	// RetryAfter is the server-suggested wait, zero when absent
	RetryAfter time.Duration

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	msg := e.Provider + ": " + e.Message
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// ClassifyStatus builds the ProviderError for a non-2xx HTTP status.
// 429 and 5xx are retryable; other 4xx are not.
func ClassifyStatus(provider string, statusCode int, message string) *ProviderError {
	switch {
	case statusCode == 429:
		return NewProviderError(provider, CodeRateLimited, message, statusCode, true, nil)
	case statusCode >= 500:
		return NewProviderError(provider, CodeUnavailable, message, statusCode, true, nil)
	default:
		return NewProviderError(provider, CodeInvalidRequest, message, statusCode, false, nil)
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}

// IsRateLimited reports whether err is a provider rate limit
func IsRateLimited(err error) bool {
	var provErr *ProviderError
	return errors.As(err, &provErr) && provErr.Code == CodeRateLimited
}

// IsContentFiltered reports whether the provider refused on content grounds
func IsContentFiltered(err error) bool {
	var provErr *ProviderError
	return errors.As(err, &provErr) && provErr.Code == CodeContentFiltered
}
