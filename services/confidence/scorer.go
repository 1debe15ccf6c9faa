// Package confidence labels an answer by the strength of its supporting matches.
package confidence

import "github.com/upb/policy-rag/models"

// Thresholds configure the scorer
type Thresholds struct {
	// Base is the minimum score a match needs to count as evidence
	Base float64
	// LowMargin is how far above Base the top match must be to rise above low
	LowMargin float64
	// High is the top score needed for high confidence
	High float64
	// MinCorroborating is the number of matches at or above Base, top included, needed for high
	MinCorroborating int
}

// DefaultThresholds returns the standard thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		Base:             0.7,
		LowMargin:        0.05,
		High:             0.85,
		MinCorroborating: 2,
	}
}

// Score labels a set of matches. None is reserved for an empty set: matches
// retrieved under a threshold below Base still ground an answer and score low.
// Adding a match or raising any score never lowers the label.
func Score(matches []models.RetrievedMatch, t Thresholds) models.Confidence {
	top := 0.0
	supporting := 0
	for _, m := range matches {
		if m.Score > top {
			top = m.Score
		}
		if m.Score >= t.Base {
			supporting++
		}
	}

	switch {
	case len(matches) == 0:
		return models.ConfidenceNone
	case supporting == 0:
		return models.ConfidenceLow
	case top >= t.High && supporting >= t.MinCorroborating:
		return models.ConfidenceHigh
	case top >= t.Base+t.LowMargin:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}
