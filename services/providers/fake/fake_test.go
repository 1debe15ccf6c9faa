package fake

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/policy-rag/services/providers"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i] * b[i])
	}
	return dot
}

func TestEmbedderDeterministic(t *testing.T) {
	e := NewEmbedder(64)
	a, err := e.Embed(context.Background(), "Report every fall within 24 hours")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "report every FALL within 24 hours!")
	require.NoError(t, err)

	assert.InDelta(t, 1.0, cosine(a, b), 1e-6)

	c, err := e.Embed(context.Background(), "annual leave entitlement")
	require.NoError(t, err)
	assert.Less(t, cosine(a, c), 0.5)
	assert.Equal(t, 3, e.Calls())
}

func TestEmbedderFailure(t *testing.T) {
	e := NewEmbedder(0)
	assert.Equal(t, DefaultDimension, e.Dimension())
	e.FailWith(errors.New("down"))
	_, err := e.EmbedBatch(context.Background(), []string{"x"})
	assert.Error(t, err)
}

func TestGeneratorScript(t *testing.T) {
	g := NewGenerator(Step{Err: errors.New("boom")}, Step{Text: "first"})
	g.Reply = "default"

	_, err := g.Complete(context.Background(), &providers.GenerationRequest{})
	assert.Error(t, err)

	resp, err := g.Complete(context.Background(), &providers.GenerationRequest{})
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Text)

	resp, err = g.Complete(context.Background(), &providers.GenerationRequest{})
	require.NoError(t, err)
	assert.Equal(t, "default", resp.Text)
	assert.Len(t, g.Requests(), 3)
}

func TestGeneratorCompleteStream(t *testing.T) {
	g := NewGenerator(Step{Text: "Call the nurse [Source 1]."})

	var deltas []string
	resp, err := g.CompleteStream(context.Background(), &providers.GenerationRequest{}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Call ", "the ", "nurse ", "[Source ", "1]."}, deltas)
	assert.Equal(t, "Call the nurse [Source 1].", resp.Text)

	stop := errors.New("client gone")
	_, err = g.CompleteStream(context.Background(), &providers.GenerationRequest{}, func(string) error { return stop })
	assert.ErrorIs(t, err, stop)
}
