// Package fake provides deterministic in-process providers for development and tests.
package fake

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/upb/policy-rag/services/providers"
)

// DefaultDimension is the embedding size used when none is given
const DefaultDimension = 256

// Embedder produces hashed bag-of-words vectors. Texts sharing words get a
// positive cosine similarity; identical texts score 1.
type Embedder struct {
	dim int

	mu    sync.Mutex
	calls int
	err   error
}

// NewEmbedder creates a fake embedder
func NewEmbedder(dim int) *Embedder {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &Embedder{dim: dim}
}

func (e *Embedder) Name() string   { return "fake" }
func (e *Embedder) Dimension() int { return e.dim }

// FailWith makes subsequent calls return err until reset with nil
func (e *Embedder) FailWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// Calls returns the number of Embed/EmbedBatch calls made
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	err := e.err
	e.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = Vector(t, e.dim)
	}
	return out, nil
}

// Vector returns the normalized hashed bag-of-words vector of text
func Vector(text string, dim int) []float32 {
	v := make([]float64, dim)
	for _, word := range Tokens(text) {
		h := fnv.New32a()
		h.Write([]byte(word))
		v[h.Sum32()%uint32(dim)]++
	}

	var sum float64
	for _, x := range v {
		sum += x * x
	}
	out := make([]float32, dim)
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(x / norm)
	}
	return out
}

// Tokens lowercases text and splits it on anything that is not a letter or digit
func Tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Generator returns scripted completions. When no script entry is left it
// answers with Reply, or echoes "[Source 1]" if Reply is empty.
type Generator struct {
	mu       sync.Mutex
	script   []Step
	Reply    string
	requests []*providers.GenerationRequest
}

// Step is one scripted generator outcome
type Step struct {
	Text string
	Err  error
}

// NewGenerator creates a generator that plays the given steps in order
func NewGenerator(steps ...Step) *Generator {
	return &Generator{script: steps}
}

func (g *Generator) Name() string { return "fake" }

func (g *Generator) Complete(ctx context.Context, req *providers.GenerationRequest) (*providers.GenerationResponse, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	var step Step
	if len(g.script) > 0 {
		step, g.script = g.script[0], g.script[1:]
	} else {
		step.Text = g.Reply
		if step.Text == "" {
			step.Text = "According to the policy [Source 1]."
		}
	}
	g.mu.Unlock()

	if step.Err != nil {
		return nil, step.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &providers.GenerationResponse{
		Text:         step.Text,
		FinishReason: "stop",
		Model:        "fake",
		Provider:     g.Name(),
	}, nil
}

// CompleteStream plays the next step like Complete and delivers its text one word at a time
func (g *Generator) CompleteStream(ctx context.Context, req *providers.GenerationRequest, onDelta providers.DeltaFunc) (*providers.GenerationResponse, error) {
	resp, err := g.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, word := range strings.SplitAfter(resp.Text, " ") {
		if word == "" {
			continue
		}
		if err := onDelta(word); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Requests returns the requests received so far
func (g *Generator) Requests() []*providers.GenerationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*providers.GenerationRequest{}, g.requests...)
}
