// Package ollama provides embedding and generation adapters for a local Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/upb/policy-rag/services/providers"
	"go.uber.org/zap"
)

// Default configuration values.
const (
	DefaultBaseURL        = "http://localhost:11434"
	DefaultEmbeddingModel = "nomic-embed-text"
	DefaultChatModel      = "llama3.1"
	DefaultDimension      = 768
	DefaultTimeout        = 120 * time.Second
)

// Adapter talks to the Ollama HTTP API
type Adapter struct {
	config  providers.ProviderConfig
	client  *http.Client
	retrier *providers.Retrier
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

type chatRequest struct {
	Model    string              `json:"model"`
	Messages []providers.Message `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  *options            `json:"options,omitempty"`
}

type options struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature"`
}

type chatResponse struct {
	Model           string            `json:"model"`
	Message         providers.Message `json:"message"`
	Done            bool              `json:"done"`
	DoneReason      string            `json:"done_reason"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
}

// NewAdapter creates a new Ollama adapter
func NewAdapter(cfg providers.ProviderConfig, logger *zap.Logger) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = DefaultDimension
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Adapter{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		retrier: providers.NewRetrier(cfg.Retry, logger),
	}
}

func (a *Adapter) Name() string { return "ollama" }

func (a *Adapter) Dimension() int { return a.config.Dimension }

// Embed returns the L2-normalized embedding of text
func (a *Adapter) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embedResponse
	if err := a.post(ctx, "/api/embeddings", embedRequest{Model: a.config.EmbeddingModel, Prompt: text}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) != a.config.Dimension {
		return nil, providers.NewProviderError(a.Name(), providers.CodeInvalidResponse,
			fmt.Sprintf("embedding dimension %d, want %d", len(resp.Embedding), a.config.Dimension), http.StatusOK, false, nil)
	}
	return normalize(resp.Embedding), nil
}

// EmbedBatch embeds texts one by one; Ollama has no batch endpoint for this API
func (a *Adapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := a.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		vectors[i] = v
	}
	return vectors, nil
}

// Complete runs a non-streaming /api/chat call
func (a *Adapter) Complete(ctx context.Context, req *providers.GenerationRequest) (*providers.GenerationResponse, error) {
	start := time.Now()
	body := chatRequest{
		Model:    a.config.ChatModel,
		Messages: req.Messages,
		Options:  &options{NumPredict: req.MaxTokens, Temperature: req.Temperature},
	}

	var resp chatResponse
	if err := a.post(ctx, "/api/chat", body, &resp); err != nil {
		return nil, err
	}

	return &providers.GenerationResponse{
		Text:         resp.Message.Content,
		FinishReason: resp.DoneReason,
		Model:        resp.Model,
		Provider:     a.Name(),
		Usage: providers.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
		Latency: time.Since(start),
	}, nil
}

func (a *Adapter) post(ctx context.Context, path string, in, out interface{}) error {
	jsonBody, err := json.Marshal(in)
	if err != nil {
		return providers.NewProviderError(a.Name(), providers.CodeInvalidRequest, "marshal request", 0, false, err)
	}

	return a.retrier.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+path, bytes.NewReader(jsonBody))
		if err != nil {
			return providers.NewProviderError(a.Name(), providers.CodeInvalidRequest, "create request", 0, false, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			return providers.NewProviderError(a.Name(), providers.CodeUnavailable, "send request", 0, true, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return providers.ClassifyStatus(a.Name(), resp.StatusCode,
				fmt.Sprintf("ollama error (status %d): %s", resp.StatusCode, string(body)))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return providers.NewProviderError(a.Name(), providers.CodeInvalidResponse, "decode response", resp.StatusCode, false, err)
		}
		return nil
	})
}

// normalize converts to float32 and scales to unit length
func normalize(v []float64) []float32 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	norm := math.Sqrt(sum)

	out := make([]float32, len(v))
	for i, x := range v {
		if norm == 0 {
			out[i] = float32(x)
			continue
		}
		out[i] = float32(x / norm)
	}
	return out
}
