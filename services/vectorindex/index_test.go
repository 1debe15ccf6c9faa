package vectorindex

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestFilterMatches(t *testing.T) {
	doc := uuid.New()
	two := 2

	assert.True(t, Filter{DocumentIDs: []uuid.UUID{doc}}.Matches(Payload{DocumentID: doc}))
	assert.False(t, Filter{DocumentIDs: []uuid.UUID{uuid.New()}}.Matches(Payload{DocumentID: doc}))
	assert.False(t, Filter{}.Matches(Payload{DocumentID: doc}))
	assert.False(t, Filter{DocumentIDs: []uuid.UUID{doc}, MinOrdinal: &two}.Matches(Payload{DocumentID: doc, Ordinal: 1}))
	assert.True(t, Filter{DocumentIDs: []uuid.UUID{doc}, MinOrdinal: &two}.Matches(Payload{DocumentID: doc, Ordinal: 2}))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{2, 0}, []float32{5, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 1}))
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 1}))
}
