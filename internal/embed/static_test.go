package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestStaticEmbedder_Deterministic(t *testing.T) {
	// Given: a static embedder
	e := NewStaticEmbedder(128)
	ctx := context.Background()

	// When: embedding the same text twice
	a, err := e.EmbedBatch(ctx, []string{"Bei 300°C wird der Teig knusprig."})
	require.NoError(t, err)
	b, err := e.EmbedBatch(ctx, []string{"Bei 300°C wird der Teig knusprig."})
	require.NoError(t, err)

	// Then: the vectors are identical and unit length
	assert.Equal(t, a, b)
	require.Len(t, a[0], 128)
	assert.InDelta(t, 1.0, cosine(a[0], a[0]), 1e-6)
}

func TestStaticEmbedder_SimilarTextsCloser(t *testing.T) {
	e := NewStaticEmbedder(256)
	vecs, err := e.EmbedBatch(context.Background(), []string{
		"sourdough bread baking temperature",
		"baking sourdough bread at high temperature",
		"quarterly tax filing deadline",
	})
	require.NoError(t, err)

	assert.Greater(t, cosine(vecs[0], vecs[1]), cosine(vecs[0], vecs[2]))
}

func TestStaticEmbedder_EmptyTextIsZeroVector(t *testing.T) {
	e := NewStaticEmbedder(0)
	vecs, err := e.EmbedBatch(context.Background(), []string{"   "})
	require.NoError(t, err)

	assert.Len(t, vecs[0], StaticDimensions)
	for _, v := range vecs[0] {
		assert.Zero(t, v)
	}
}

func TestStaticEmbedder_ModelNameIncludesDimensions(t *testing.T) {
	assert.Equal(t, "static-64", NewStaticEmbedder(64).ModelName())
	assert.Equal(t, 64, NewStaticEmbedder(64).Dimensions())
}

func TestStaticEmbedder_Closed(t *testing.T) {
	e := NewStaticEmbedder(32)
	require.NoError(t, e.Close())

	assert.False(t, e.Available(context.Background()))
	_, err := e.EmbedBatch(context.Background(), []string{"x"})
	assert.Error(t, err)
}

func TestExtractNgrams(t *testing.T) {
	assert.Equal(t, []string{"abc", "bcd"}, extractNgrams([]rune("abcd"), 3))
	assert.Empty(t, extractNgrams([]rune("ab"), 3))
	assert.Equal(t, []string{"grü", "rün"}, extractNgrams(normalizeForNgrams("Grün!"), 3))
}
