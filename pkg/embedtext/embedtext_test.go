package embedtext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashingEmbedIsDeterministic(t *testing.T) {
	h := NewHashing(16)
	ctx := context.Background()

	v1, err := h.Embed(ctx, "graph database query planner")
	require.NoError(t, err)
	v2, err := h.Embed(ctx, "graph database query planner")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Len(t, v1, 16)
}

func TestHashingEmbedDiffersOnDifferentText(t *testing.T) {
	h := NewHashing(16)
	ctx := context.Background()

	v1, err := h.Embed(ctx, "alpha")
	require.NoError(t, err)
	v2, err := h.Embed(ctx, "omega")
	require.NoError(t, err)

	assert.NotEqual(t, v1, v2)
}

func TestHashingEmbedEmptyTextIsZeroVector(t *testing.T) {
	h := NewHashing(8)
	v, err := h.Embed(context.Background(), "   ")
	require.NoError(t, err)
	for _, x := range v {
		assert.Zero(t, x)
	}
}

func TestHashingEmbedRejectsNonPositiveDimension(t *testing.T) {
	h := NewHashing(0)
	_, err := h.Embed(context.Background(), "text")
	assert.Error(t, err)
}

func TestHashingEmbedIsUnitNormalized(t *testing.T) {
	h := NewHashing(32)
	v, err := h.Embed(context.Background(), "some reasonably long piece of text to embed")
	require.NoError(t, err)

	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, sumSq, 0.01)
}
