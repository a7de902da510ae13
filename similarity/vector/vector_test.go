package vector_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram-go/similarity"
	"github.com/engramlabs/engram-go/similarity/embedder/mock"
	"github.com/engramlabs/engram-go/similarity/vector"
)

func TestVectorRankIdenticalTextWins(t *testing.T) {
	scorer, err := vector.New(mock.New(64), nil)
	require.NoError(t, err)

	query := "rollback failed deployment"
	scores, err := scorer.Rank(context.Background(), query, []similarity.Candidate{
		{ID: "same", Text: query},
		{ID: "other", Text: "refactor logging configuration"},
	})
	require.NoError(t, err)
	require.Len(t, scores, 2)

	assert.InDelta(t, 1.0, scores[0], 1e-4, "same text embeds to the same vector")
	assert.Less(t, scores[1], scores[0])
	for _, s := range scores {
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}

func TestVectorRankDeterministic(t *testing.T) {
	scorer, err := vector.New(mock.New(64), nil)
	require.NoError(t, err)

	candidates := []similarity.Candidate{
		{ID: "a", Text: "write integration tests for the retry path"},
		{ID: "b", Text: "profile allocation hot spots"},
	}
	first, err := scorer.Rank(context.Background(), "retry path tests", candidates)
	require.NoError(t, err)
	second, err := scorer.Rank(context.Background(), "retry path tests", candidates)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestVectorRankEmpty(t *testing.T) {
	scorer, err := vector.New(mock.New(64), nil)
	require.NoError(t, err)
	scores, err := scorer.Rank(context.Background(), "anything", nil)
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestMockEmbedderProperties(t *testing.T) {
	emb := mock.New(64)
	a, err := emb.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	b, err := emb.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	c, err := emb.Embed(context.Background(), "goodbye world")
	require.NoError(t, err)

	require.Len(t, a, 64)
	assert.Equal(t, a, b, "deterministic per text")
	assert.NotEqual(t, a, c)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-4, "unit length")
	assert.Equal(t, 64, emb.Dimensions())
}
