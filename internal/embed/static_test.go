package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticEmbedderIsDeterministic(t *testing.T) {
	e := NewStaticEmbedder()
	ctx := context.Background()

	first, err := e.Embed(ctx, "notes about distributed systems")
	require.NoError(t, err)
	second, err := e.Embed(ctx, "notes about distributed systems")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, StaticDimensions)
}

func TestStaticEmbedderVectorsAreNormalized(t *testing.T) {
	e := NewStaticEmbedder()

	vec, err := e.Embed(context.Background(), "some note content with several words")
	require.NoError(t, err)

	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sumSquares), 0.001)
}

func TestStaticEmbedderSimilarTextsScoreCloser(t *testing.T) {
	e := NewStaticEmbedder()
	ctx := context.Background()

	base, err := e.Embed(ctx, "golang concurrency goroutines channels select")
	require.NoError(t, err)
	near, err := e.Embed(ctx, "concurrency in golang with goroutines and channels")
	require.NoError(t, err)
	far, err := e.Embed(ctx, "recipe for tomato soup with basil and cream")
	require.NoError(t, err)

	assert.Greater(t, dot(base, near), dot(base, far),
		"overlapping vocabulary should produce higher similarity")
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func TestStaticEmbedderEmptyText(t *testing.T) {
	e := NewStaticEmbedder()

	vec, err := e.Embed(context.Background(), "   ")
	require.NoError(t, err)
	assert.Len(t, vec, StaticDimensions)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestStaticEmbedderBatchMatchesSingle(t *testing.T) {
	e := NewStaticEmbedder()
	ctx := context.Background()
	texts := []string{"first note", "second note", "third note"}

	batch, err := e.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	for i, text := range texts {
		single, err := e.Embed(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, single, batch[i])
	}
}

func TestStaticEmbedderClosedRejectsEmbeds(t *testing.T) {
	e := NewStaticEmbedder()
	require.NoError(t, e.Close())

	_, err := e.Embed(context.Background(), "text")
	assert.Error(t, err)
}

func TestTokenCounterMonotonicAndEmpty(t *testing.T) {
	c := NewTokenCounter()
	ctx := context.Background()

	zero, err := c.CountTokens(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, zero)

	short, err := c.CountTokens(ctx, "a few words")
	require.NoError(t, err)
	long, err := c.CountTokens(ctx, "a few words repeated a few words repeated a few words repeated")
	require.NoError(t, err)
	assert.Positive(t, short)
	assert.Greater(t, long, short)
}
