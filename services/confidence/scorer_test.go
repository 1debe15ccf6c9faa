package confidence

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/policy-rag/models"
)

func matches(scores ...float64) []models.RetrievedMatch {
	out := make([]models.RetrievedMatch, len(scores))
	for i, s := range scores {
		out[i] = models.RetrievedMatch{Ordinal: i, Score: s}
	}
	return out
}

func TestScore(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name   string
		scores []float64
		want   models.Confidence
	}{
		{"no matches", nil, models.ConfidenceNone},
		{"all below base", []float64{0.69, 0.5}, models.ConfidenceLow},
		{"base barely met", []float64{0.72}, models.ConfidenceLow},
		{"exactly base", []float64{0.7}, models.ConfidenceLow},
		{"clear of margin", []float64{0.8}, models.ConfidenceMedium},
		{"high without corroboration", []float64{0.9, 0.6}, models.ConfidenceMedium},
		{"high with corroboration", []float64{0.9, 0.71}, models.ConfidenceHigh},
		{"corroborated but top not high", []float64{0.84, 0.83, 0.8}, models.ConfidenceMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Score(matches(tt.scores...), th))
		})
	}
}

func TestScore_SingleMatchPolicy(t *testing.T) {
	th := DefaultThresholds()
	th.MinCorroborating = 1

	assert.Equal(t, models.ConfidenceHigh, Score(matches(0.9), th))
}

func TestScore_MonotonicInScores(t *testing.T) {
	th := DefaultThresholds()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		n := rng.Intn(6) + 1
		scores := make([]float64, n)
		for j := range scores {
			scores[j] = rng.Float64()
		}
		before := Score(matches(scores...), th)

		raised := append([]float64(nil), scores...)
		k := rng.Intn(n)
		raised[k] = raised[k] + rng.Float64()*(1-raised[k])
		after := Score(matches(raised...), th)

		require.GreaterOrEqual(t, after.Rank(), before.Rank(), "scores %v raised to %v", scores, raised)
	}
}

func TestScore_MonotonicInMatchCount(t *testing.T) {
	th := DefaultThresholds()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 2000; i++ {
		n := rng.Intn(5)
		scores := make([]float64, n)
		for j := range scores {
			scores[j] = rng.Float64()
		}
		before := Score(matches(scores...), th)
		after := Score(matches(append(scores, rng.Float64())...), th)

		require.GreaterOrEqual(t, after.Rank(), before.Rank(), "adding to %v", scores)
	}
}
