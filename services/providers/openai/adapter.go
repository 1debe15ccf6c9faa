package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/upb/policy-rag/services/providers"
	"go.uber.org/zap"
)

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultEmbeddingModel = "text-embedding-3-small"
	defaultChatModel      = "gpt-4o-mini"
	defaultDimension      = 1536
)

// Adapter implements the embedding and generation provider interfaces for
// OpenAI and any OpenAI-compatible endpoint.
type Adapter struct {
	config     providers.ProviderConfig
	httpClient *http.Client
	retrier    *providers.Retrier
	logger     *zap.Logger
}

// NewAdapter creates a new OpenAI adapter
func NewAdapter(config providers.ProviderConfig, logger *zap.Logger) *Adapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = defaultEmbeddingModel
	}
	if config.ChatModel == "" {
		config.ChatModel = defaultChatModel
	}
	if config.Dimension == 0 {
		config.Dimension = defaultDimension
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Adapter{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		retrier: providers.NewRetrier(config.Retry, logger),
		logger:  logger,
	}
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return "openai"
}

// Dimension returns the configured embedding size
func (a *Adapter) Dimension() int {
	return a.config.Dimension
}

// Embed returns the embedding of a single text
func (a *Adapter) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := a.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in one /embeddings call
func (a *Adapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	req := EmbeddingRequest{Model: a.config.EmbeddingModel, Input: texts}
	var resp EmbeddingResponse
	if err := a.post(ctx, "/embeddings", req, &resp); err != nil {
		return nil, err
	}

	if len(resp.Data) != len(texts) {
		return nil, providers.NewProviderError(a.Name(), providers.CodeInvalidResponse,
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(resp.Data)), http.StatusOK, false, nil)
	}

	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		if len(d.Embedding) != a.config.Dimension {
			return nil, providers.NewProviderError(a.Name(), providers.CodeInvalidResponse,
				fmt.Sprintf("embedding dimension %d, want %d", len(d.Embedding), a.config.Dimension), http.StatusOK, false, nil)
		}
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// Complete performs a chat completion request
func (a *Adapter) Complete(ctx context.Context, req *providers.GenerationRequest) (*providers.GenerationResponse, error) {
	startTime := time.Now()

	openaiReq := a.buildChatRequest(req)
	var openaiResp ChatResponse
	if err := a.post(ctx, "/chat/completions", openaiReq, &openaiResp); err != nil {
		return nil, err
	}

	if len(openaiResp.Choices) == 0 {
		return nil, providers.NewProviderError(a.Name(), providers.CodeInvalidResponse, "response has no choices", http.StatusOK, false, nil)
	}
	choice := openaiResp.Choices[0]
	if choice.FinishReason == providers.FinishReasonContentFilter {
		return nil, providers.NewProviderError(a.Name(), providers.CodeContentFiltered, "completion withheld by content filter", http.StatusOK, false, nil)
	}

	return &providers.GenerationResponse{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
		Model:        openaiResp.Model,
		Provider:     a.Name(),
		Usage: providers.Usage{
			PromptTokens:     openaiResp.Usage.PromptTokens,
			CompletionTokens: openaiResp.Usage.CompletionTokens,
			TotalTokens:      openaiResp.Usage.TotalTokens,
		},
		Latency: time.Since(startTime),
	}, nil
}

// CompleteStream performs a chat completion with "stream": true, reading the
// server-sent events. An attempt that fails before any text was delivered is
// retried; once text has reached onDelta the failure is returned as is.
func (a *Adapter) CompleteStream(ctx context.Context, req *providers.GenerationRequest, onDelta providers.DeltaFunc) (*providers.GenerationResponse, error) {
	startTime := time.Now()

	openaiReq := a.buildChatRequest(req)
	openaiReq.Stream = true
	reqBody, err := json.Marshal(openaiReq)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), providers.CodeInvalidRequest, "failed to marshal request", 0, false, err)
	}

	var result *providers.GenerationResponse
	err = a.retrier.Do(ctx, func(ctx context.Context) error {
		httpResp, err := a.send(ctx, "/chat/completions", reqBody)
		if err != nil {
			return err
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(httpResp.Body)
			pe := a.handleErrorResponse(httpResp.StatusCode, respBody)
			pe.RetryAfter = providers.ParseRetryAfter(httpResp.Header.Get("Retry-After"))
			return pe
		}

		result, err = a.readStream(httpResp.Body, onDelta)
		return err
	})
	if err != nil {
		return nil, err
	}

	result.Latency = time.Since(startTime)
	return result, nil
}

// readStream consumes "data:" events until [DONE] or EOF
func (a *Adapter) readStream(body io.Reader, onDelta providers.DeltaFunc) (*providers.GenerationResponse, error) {
	resp := &providers.GenerationResponse{Provider: a.Name()}
	var text strings.Builder
	delivered := false

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		var chunk StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, providers.NewProviderError(a.Name(), providers.CodeInvalidResponse, "failed to unmarshal stream event", http.StatusOK, false, err)
		}
		if chunk.Model != "" {
			resp.Model = chunk.Model
		}
		if chunk.Usage != nil {
			resp.Usage = providers.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason == providers.FinishReasonContentFilter {
			return nil, providers.NewProviderError(a.Name(), providers.CodeContentFiltered, "completion withheld by content filter", http.StatusOK, false, nil)
		}
		if choice.FinishReason != "" {
			resp.FinishReason = choice.FinishReason
		}
		if choice.Delta.Content == "" {
			continue
		}
		if err := onDelta(choice.Delta.Content); err != nil {
			return nil, err
		}
		delivered = true
		text.WriteString(choice.Delta.Content)
	}
	if err := scanner.Err(); err != nil {
		return nil, providers.NewProviderError(a.Name(), providers.CodeUnavailable, "stream interrupted", http.StatusOK, !delivered, err)
	}

	resp.Text = text.String()
	return resp, nil
}

// post sends a JSON request through the retrier and decodes a 200 response into out
func (a *Adapter) post(ctx context.Context, path string, in, out interface{}) error {
	reqBody, err := json.Marshal(in)
	if err != nil {
		return providers.NewProviderError(a.Name(), providers.CodeInvalidRequest, "failed to marshal request", 0, false, err)
	}

	return a.retrier.Do(ctx, func(ctx context.Context) error {
		httpResp, err := a.send(ctx, path, reqBody)
		if err != nil {
			return err
		}
		defer httpResp.Body.Close()

		respBody, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return providers.NewProviderError(a.Name(), providers.CodeUnavailable, "failed to read response", httpResp.StatusCode, true, err)
		}

		if httpResp.StatusCode != http.StatusOK {
			pe := a.handleErrorResponse(httpResp.StatusCode, respBody)
			pe.RetryAfter = providers.ParseRetryAfter(httpResp.Header.Get("Retry-After"))
			return pe
		}

		if err := json.Unmarshal(respBody, out); err != nil {
			return providers.NewProviderError(a.Name(), providers.CodeInvalidResponse, "failed to unmarshal response", httpResp.StatusCode, false, err)
		}
		return nil
	})
}

// send issues one POST with the adapter's auth and extra headers
func (a *Adapter) send(ctx context.Context, path string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), providers.CodeInvalidRequest, "failed to create request", 0, false, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if a.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}
	for k, v := range a.config.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), providers.CodeUnavailable, "HTTP request failed", 0, true, err)
	}
	return httpResp, nil
}

// buildChatRequest converts the unified request to OpenAI format
func (a *Adapter) buildChatRequest(req *providers.GenerationRequest) *ChatRequest {
	openaiReq := &ChatRequest{
		Model:       a.config.ChatModel,
		Messages:    make([]Message, len(req.Messages)),
		Temperature: req.Temperature,
	}

	for i, msg := range req.Messages {
		openaiReq.Messages[i] = Message{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	if req.MaxTokens > 0 {
		openaiReq.MaxTokens = &req.MaxTokens
	}
	if req.User != "" {
		openaiReq.User = &req.User
	}

	return openaiReq
}

// handleErrorResponse handles OpenAI error responses
func (a *Adapter) handleErrorResponse(statusCode int, body []byte) *providers.ProviderError {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return providers.ClassifyStatus(a.Name(), statusCode, http.StatusText(statusCode))
	}

	if errResp.Error.Code == "content_filter" || errResp.Error.Code == "content_policy_violation" {
		return providers.NewProviderError(a.Name(), providers.CodeContentFiltered, errResp.Error.Message, statusCode, false,
			errors.New(errResp.Error.Message))
	}

	pe := providers.ClassifyStatus(a.Name(), statusCode, errResp.Error.Message)
	pe.Cause = errors.New(errResp.Error.Type)
	return pe
}

// OpenAI-specific request/response types

type EmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type EmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
	User        *string   `json:"user,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// StreamChunk is one server-sent event of a streamed completion
type StreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ErrorResponse struct {
	Error Error `json:"error"`
}

type Error struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}
