package disclose_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram-go/core"
	"github.com/engramlabs/engram-go/disclose"
	"github.com/engramlabs/engram-go/store"
)

func seed(t *testing.T) (*disclose.Index, *store.FileStore) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 6; i++ {
		ep := &core.EpisodeTrace{
			ID:        fmt.Sprintf("ep-%d", i),
			Namespace: "proj",
			Goal:      fmt.Sprintf("task number %d", i),
			Outcome:   core.OutcomeSuccess,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, st.Put(ctx, ep))
	}
	pat := &core.SemanticPattern{
		ID: "pat-1", Namespace: "proj",
		Category:    core.CategorySuccessPattern,
		Description: "batch the writes",
		Confidence:  0.8,
		CreatedAt:   base.Add(10 * time.Minute),
	}
	require.NoError(t, st.Put(ctx, pat))
	return disclose.New(st, nil), st
}

func TestSummaryIsCheapMetadata(t *testing.T) {
	ix, _ := seed(t)
	s, err := ix.Summary(context.Background(), "proj")
	require.NoError(t, err)

	assert.Equal(t, 6, s.Counts[core.KindEpisode])
	assert.Equal(t, 1, s.Counts[core.KindPattern])
	require.Len(t, s.TopPatterns, 1)
	assert.Equal(t, "batch the writes", s.TopPatterns[0].Title)
	assert.Greater(t, s.TokenCost, 0)
	// Layer 1 never embeds per-episode content.
	assert.Less(t, s.TokenCost, 200)
}

func TestTimelineNewestFirstAndLimited(t *testing.T) {
	ix, _ := seed(t)
	tl, err := ix.Timeline(context.Background(), "proj", 3)
	require.NoError(t, err)

	require.Len(t, tl.Entries, 3)
	assert.Equal(t, "pat-1", tl.Entries[0].ID)
	assert.Equal(t, "ep-5", tl.Entries[1].ID)
	assert.Greater(t, tl.TokenCost, 0)

	all, err := ix.Timeline(context.Background(), "proj", 0)
	require.NoError(t, err)
	assert.Len(t, all.Entries, 7)
}

func TestFullReturnsEntityWithCost(t *testing.T) {
	ix, _ := seed(t)
	e, cost, err := ix.Full(context.Background(), "proj", core.KindEpisode, "ep-0")
	require.NoError(t, err)
	assert.Equal(t, "ep-0", e.EntityID())
	assert.Greater(t, cost, 0)

	_, _, err = ix.Full(context.Background(), "proj", core.KindEpisode, "missing")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestSummaryEmptyNamespace(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	ix := disclose.New(st, nil)

	s, err := ix.Summary(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Empty(t, s.Counts)
	assert.Empty(t, s.TopPatterns)
}

func TestRebuildRestoresViews(t *testing.T) {
	ix, st := seed(t)
	ctx := context.Background()

	// Clobber the cached views, then rebuild from entity files.
	require.NoError(t, st.UpdateMeta(ctx, "proj", func(m *store.NamespaceMeta) error {
		m.Counts = map[core.Kind]int{}
		m.Timeline = nil
		m.TopPatterns = nil
		return nil
	}))
	require.NoError(t, ix.Rebuild(ctx, "proj"))

	s, err := ix.Summary(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, 6, s.Counts[core.KindEpisode])
	tl, err := ix.Timeline(ctx, "proj", 0)
	require.NoError(t, err)
	assert.Len(t, tl.Entries, 7)
}
