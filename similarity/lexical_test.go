package similarity_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram-go/similarity"
)

func TestLexicalRankOrdering(t *testing.T) {
	lex, err := similarity.NewLexical()
	require.NoError(t, err)

	scores, err := lex.Rank(context.Background(), "fix flaky authentication test", []similarity.Candidate{
		{ID: "exact", Text: "fix flaky authentication test"},
		{ID: "close", Text: "flaky authentication test keeps failing in CI"},
		{ID: "far", Text: "upgrade postgres driver dependency"},
	})
	require.NoError(t, err)
	require.Len(t, scores, 3)

	for _, s := range scores {
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
	assert.Equal(t, 1.0, scores[0], "identical text scores 1")
	assert.Greater(t, scores[1], scores[2])
	assert.Zero(t, scores[2], "no shared tokens")
}

func TestLexicalContainment(t *testing.T) {
	lex, err := similarity.NewLexical()
	require.NoError(t, err)

	scores, err := lex.Rank(context.Background(), "database migration", []similarity.Candidate{
		{ID: "long", Text: "run the database migration then verify row counts and rebuild indexes"},
	})
	require.NoError(t, err)
	// Short query fully contained in a long candidate still scores above
	// plain Jaccard.
	assert.Greater(t, scores[0], 0.5)
}

func TestLexicalEmptyInputs(t *testing.T) {
	lex, err := similarity.NewLexical()
	require.NoError(t, err)

	scores, err := lex.Rank(context.Background(), "", []similarity.Candidate{{ID: "a", Text: "anything"}})
	require.NoError(t, err)
	assert.Zero(t, scores[0])

	scores, err = lex.Rank(context.Background(), "the and of", []similarity.Candidate{{ID: "a", Text: "the and of"}})
	require.NoError(t, err)
	assert.Zero(t, scores[0], "stopwords only")

	scores, err = lex.Rank(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.Empty(t, scores)
}
