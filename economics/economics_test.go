package economics_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram-go/economics"
	"github.com/engramlabs/engram-go/store"
)

func newTracker(t *testing.T) *economics.Tracker {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	return economics.New(st, nil)
}

func TestRecordAccumulates(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Record(ctx, "proj", economics.Sample{
		DiscoveryTokens: 100, FullTokens: 400, CandidateTokens: 3000,
	}))
	require.NoError(t, tr.Record(ctx, "proj", economics.Sample{
		DiscoveryTokens: 50, FullTokens: 200, CandidateTokens: 1000,
	}))

	totals, err := tr.Totals("proj")
	require.NoError(t, err)
	assert.Equal(t, int64(2), totals.Calls)
	assert.Equal(t, int64(150), totals.DiscoveryTokens)
	assert.Equal(t, int64(600), totals.FullTokens)
	assert.Equal(t, int64(4000), totals.CandidateTokens)
	// saved = (3000-400-100) + (1000-200-50)
	assert.Equal(t, int64(3250), totals.SavedTokens)
	assert.False(t, totals.UpdatedAt.IsZero())
}

func TestSavingsNeverNegative(t *testing.T) {
	tr := newTracker(t)
	require.NoError(t, tr.Record(context.Background(), "proj", economics.Sample{
		DiscoveryTokens: 500, FullTokens: 800, CandidateTokens: 600,
	}))
	totals, err := tr.Totals("proj")
	require.NoError(t, err)
	assert.Zero(t, totals.SavedTokens)
}

func TestTotalsIsolatedPerNamespace(t *testing.T) {
	tr := newTracker(t)
	require.NoError(t, tr.Record(context.Background(), "alpha", economics.Sample{FullTokens: 10}))

	totals, err := tr.Totals("beta")
	require.NoError(t, err)
	assert.Zero(t, totals.Calls)
}

func TestReset(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.Record(ctx, "proj", economics.Sample{DiscoveryTokens: 9, CandidateTokens: 90}))
	require.NoError(t, tr.Reset(ctx, "proj"))

	totals, err := tr.Totals("proj")
	require.NoError(t, err)
	assert.Zero(t, totals.Calls)
	assert.Zero(t, totals.DiscoveryTokens)
	assert.Zero(t, totals.SavedTokens)
	assert.False(t, totals.LastReset.IsZero())
}
