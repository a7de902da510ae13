package consolidate_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram-go/consolidate"
	"github.com/engramlabs/engram-go/core"
	"github.com/engramlabs/engram-go/hooks"
	"github.com/engramlabs/engram-go/importance"
	"github.com/engramlabs/engram-go/similarity"
	"github.com/engramlabs/engram-go/store"
)

type fixture struct {
	store    *store.FileStore
	pipeline *consolidate.Pipeline
	imp      *importance.Engine
}

func newFixture(t *testing.T, opts ...consolidate.Option) *fixture {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	lex, err := similarity.NewLexical()
	require.NoError(t, err)
	imp := importance.New(st, importance.Config{}, nil)
	return &fixture{
		store:    st,
		pipeline: consolidate.New(st, lex, imp, opts...),
		imp:      imp,
	}
}

func (f *fixture) putEpisode(t *testing.T, ns, id, goal string, actions []string, outcome core.Outcome, detail string, created time.Time) *core.EpisodeTrace {
	t.Helper()
	ep := &core.EpisodeTrace{
		ID: id, Namespace: ns, Goal: goal,
		Actions: actions, Outcome: outcome, ErrorDetail: detail,
		CreatedAt: created,
	}
	ep.Importance = f.imp.Initial(ep)
	ep.ImportanceUpdatedAt = created
	require.NoError(t, f.store.Put(context.Background(), ep))
	return ep
}

func (f *fixture) patterns(t *testing.T, ns string) []*core.SemanticPattern {
	t.Helper()
	list, err := f.store.List(context.Background(), ns, core.KindPattern, store.Filter{})
	require.NoError(t, err)
	out := make([]*core.SemanticPattern, len(list))
	for i, e := range list {
		out[i] = e.(*core.SemanticPattern)
	}
	return out
}

func TestRepeatedFailuresBecomeAntiPattern(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		f.putEpisode(t, "proj", fmt.Sprintf("ep-%d", i),
			"deploy service to staging cluster",
			[]string{"build image", "push image", "apply manifest"},
			core.OutcomeFailure, "image pull secret missing",
			base.Add(time.Duration(i)*time.Minute))
	}

	report, err := f.pipeline.Run(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, 3, report.EpisodesExamined)
	assert.Equal(t, 1, report.PatternsCreated)
	assert.Equal(t, 3, report.EpisodesArchived)

	pats := f.patterns(t, "proj")
	require.Len(t, pats, 1)
	pat := pats[0]
	assert.Equal(t, core.CategoryAntiPattern, pat.Category)
	assert.GreaterOrEqual(t, pat.Confidence, 0.5, "three corroborating episodes")
	assert.Len(t, pat.Provenance, 3)
	assert.NotEmpty(t, pat.Description)

	// Source episodes are archived, not deleted: still valid provenance.
	for i := 0; i < 3; i++ {
		e, err := f.store.Get(ctx, "proj", core.KindEpisode, fmt.Sprintf("ep-%d", i))
		require.NoError(t, err)
		assert.True(t, e.(*core.EpisodeTrace).Archived)
	}

	m, err := f.store.Meta("proj")
	require.NoError(t, err)
	assert.False(t, m.Watermark.IsZero())
	assert.Zero(t, m.EpisodesSinceConsolidation)
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		f.putEpisode(t, "proj", fmt.Sprintf("ep-%d", i),
			"database connection pool exhausted during batch import",
			nil, core.OutcomeFailure, "too many clients",
			base.Add(time.Duration(i)*time.Minute))
	}

	_, err := f.pipeline.Run(ctx, "proj")
	require.NoError(t, err)
	first := f.patterns(t, "proj")
	require.Len(t, first, 1)
	provenance := append([]string(nil), first[0].Provenance...)

	// Simulate a crash after promotion but before the watermark advanced:
	// rewind the watermark and archival, then re-run over the same episodes.
	require.NoError(t, f.store.UpdateMeta(ctx, "proj", func(m *store.NamespaceMeta) error {
		m.Watermark = time.Time{}
		return nil
	}))
	for i := 0; i < 3; i++ {
		e, err := f.store.Get(ctx, "proj", core.KindEpisode, fmt.Sprintf("ep-%d", i))
		require.NoError(t, err)
		ep := e.(*core.EpisodeTrace)
		ep.Archived = false
		require.NoError(t, f.store.Put(ctx, ep))
	}

	report, err := f.pipeline.Run(ctx, "proj")
	require.NoError(t, err)
	assert.Zero(t, report.PatternsCreated, "re-processing the same episodes creates nothing")

	second := f.patterns(t, "proj")
	require.Len(t, second, 1)
	assert.Equal(t, provenance, second[0].Provenance, "provenance unchanged")
}

func TestSuccessesWithSharedSequenceBecomeSkill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	steps := []string{"checkout branch", "run generator", "commit artifacts"}
	for i := 0; i < 2; i++ {
		f.putEpisode(t, "proj", fmt.Sprintf("ep-%d", i),
			"regenerate protobuf bindings", steps,
			core.OutcomeSuccess, "", base.Add(time.Duration(i)*time.Minute))
	}

	report, err := f.pipeline.Run(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, 1, report.SkillsCreated)
	assert.Zero(t, report.PatternsCreated)

	list, err := f.store.List(ctx, "proj", core.KindSkill, store.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	sk := list[0].(*core.ProceduralSkill)
	assert.Equal(t, steps, sk.Steps)
	assert.Equal(t, 2, sk.UsageCount)
	assert.Equal(t, 1.0, sk.SuccessRate)
	assert.Len(t, sk.Provenance, 2)
}

func TestSkillStrengthenedByLaterRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	steps := []string{"stop worker", "drain queue", "restart worker"}
	for i := 0; i < 2; i++ {
		f.putEpisode(t, "proj", fmt.Sprintf("ep-%d", i),
			"recover stuck job queue", steps,
			core.OutcomeSuccess, "", base.Add(time.Duration(i)*time.Minute))
	}
	_, err := f.pipeline.Run(ctx, "proj")
	require.NoError(t, err)

	for i := 2; i < 4; i++ {
		f.putEpisode(t, "proj", fmt.Sprintf("ep-%d", i),
			"recover stuck job queue", steps,
			core.OutcomeSuccess, "", base.Add(time.Duration(i)*time.Minute))
	}
	report, err := f.pipeline.Run(ctx, "proj")
	require.NoError(t, err)
	assert.Zero(t, report.SkillsCreated)
	assert.Equal(t, 1, report.SkillsStrengthened)

	list, err := f.store.List(ctx, "proj", core.KindSkill, store.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	sk := list[0].(*core.ProceduralSkill)
	assert.Equal(t, 4, sk.UsageCount)
	assert.Len(t, sk.Provenance, 4)
}

func TestPartialOutcomesStayEpisodic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		f.putEpisode(t, "proj", fmt.Sprintf("ep-%d", i),
			"half-finished refactor of config loader",
			nil, core.OutcomePartial, "", base.Add(time.Duration(i)*time.Minute))
	}

	report, err := f.pipeline.Run(ctx, "proj")
	require.NoError(t, err)
	assert.Zero(t, report.PatternsCreated)
	assert.Zero(t, report.SkillsCreated)
	assert.Zero(t, report.EpisodesArchived)
}

func TestSingletonClustersNotPromoted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	f.putEpisode(t, "proj", "ep-0", "unique one-off investigation of cache stampede",
		nil, core.OutcomeFailure, "stampede", base)
	f.putEpisode(t, "proj", "ep-1", "completely unrelated dependency bump",
		nil, core.OutcomeFailure, "conflict", base.Add(time.Minute))

	report, err := f.pipeline.Run(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Clusters)
	assert.Zero(t, report.PatternsCreated, "no corroboration, no promotion")
	assert.Zero(t, report.EpisodesArchived)
}

func TestMaybeRunHonorsTrigger(t *testing.T) {
	f := newFixture(t, consolidate.WithConfig(consolidate.Config{TriggerEpisodes: 3}))
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	f.putEpisode(t, "proj", "ep-0", "warm cache on boot", nil, core.OutcomeSuccess, "", base)
	report, err := f.pipeline.MaybeRun(ctx, "proj")
	require.NoError(t, err)
	assert.False(t, report.Ran, "below threshold")

	f.putEpisode(t, "proj", "ep-1", "warm cache on boot", nil, core.OutcomeSuccess, "", base.Add(time.Minute))
	f.putEpisode(t, "proj", "ep-2", "warm cache on boot", nil, core.OutcomeSuccess, "", base.Add(2*time.Minute))
	report, err = f.pipeline.MaybeRun(ctx, "proj")
	require.NoError(t, err)
	assert.True(t, report.Ran)
}

func TestRetainedSingletonsDoNotStarveNewEpisodes(t *testing.T) {
	f := newFixture(t, consolidate.WithConfig(consolidate.Config{MaxBatch: 2}))
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	// Four unrelated one-off failures: never promoted, never archived, so
	// they stay below the watermark as live episode files.
	goals := []string{
		"migrate billing database schema",
		"tune garbage collector pause target",
		"rewrite auth token parser",
		"profile image resize worker",
	}
	for i, goal := range goals {
		f.putEpisode(t, "proj", fmt.Sprintf("ep-%d", i), goal, nil,
			core.OutcomeFailure, "one-off", base.Add(time.Duration(i)*time.Minute))
	}

	r1, err := f.pipeline.Run(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, 2, r1.EpisodesExamined)
	r2, err := f.pipeline.Run(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, 2, r2.EpisodesExamined)

	// The watermark is now past all four retained singletons; a fresh
	// episode must still be selected.
	f.putEpisode(t, "proj", "ep-4", "upgrade kafka consumer group", nil,
		core.OutcomeFailure, "one-off", base.Add(10*time.Minute))
	r3, err := f.pipeline.Run(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, 1, r3.EpisodesExamined, "retained singletons must not crowd out new episodes")
}

func TestTruncatedBatchKeepsBacklogCounting(t *testing.T) {
	f := newFixture(t, consolidate.WithConfig(consolidate.Config{MaxBatch: 2}))
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, goal := range []string{
		"warm cache on boot",
		"rotate tls certificates",
		"rebuild search index",
	} {
		f.putEpisode(t, "proj", fmt.Sprintf("ep-%d", i), goal, nil,
			core.OutcomeSuccess, "", base.Add(time.Duration(i)*time.Minute))
	}

	report, err := f.pipeline.Run(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, 2, report.EpisodesExamined)

	m, err := f.store.Meta("proj")
	require.NoError(t, err)
	assert.Equal(t, 1, m.EpisodesSinceConsolidation,
		"the unexamined episode still counts toward the next trigger")
}

func TestCrossLinkingRelatesPatterns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Hour)

	// First run produces one anti-pattern about connection pool limits.
	for i := 0; i < 2; i++ {
		f.putEpisode(t, "proj", fmt.Sprintf("pool-%d", i),
			"postgres connection pool limit reached during import",
			nil, core.OutcomeFailure, "pool exhausted", base.Add(time.Duration(i)*time.Minute))
	}
	_, err := f.pipeline.Run(ctx, "proj")
	require.NoError(t, err)

	// Second run produces a closely related pattern; the two should link.
	for i := 0; i < 2; i++ {
		f.putEpisode(t, "proj", fmt.Sprintf("timeout-%d", i),
			"postgres connection timeout during import",
			nil, core.OutcomeFailure, "connection timeout", base.Add(time.Hour+time.Duration(i)*time.Minute))
	}
	_, err = f.pipeline.Run(ctx, "proj")
	require.NoError(t, err)

	pats := f.patterns(t, "proj")
	if len(pats) < 2 {
		// Close descriptions may corroborate the same pattern instead;
		// both behaviors preserve knowledge without duplication.
		assert.Len(t, pats, 1)
		assert.Len(t, pats[0].Provenance, 4)
		return
	}
	for _, p := range pats {
		assert.NotEmpty(t, p.Relations, "related patterns are cross-linked")
	}
}

func TestConsolidationEmitsHook(t *testing.T) {
	ch := hooks.NewChannel(4)
	f := newFixture(t, consolidate.WithEmitter(ch))
	ctx := context.Background()

	f.putEpisode(t, "proj", "ep-0", "noop", nil, core.OutcomeSuccess, "", time.Now().Add(-time.Minute))
	_, err := f.pipeline.Run(ctx, "proj")
	require.NoError(t, err)

	select {
	case n := <-ch.C():
		assert.Equal(t, hooks.EventConsolidated, n.Event)
		assert.Equal(t, "proj", n.Namespace)
	default:
		t.Fatal("expected a consolidation notification")
	}
}

func TestTemplateSummarizer(t *testing.T) {
	episodes := []*core.EpisodeTrace{
		{Goal: "ship the release", Outcome: core.OutcomeFailure, ErrorDetail: "signing key expired"},
		{Goal: "ship the release", Outcome: core.OutcomeFailure, ErrorDetail: "signing key expired"},
	}
	desc, err := consolidate.TemplateSummarizer{}.Summarize(context.Background(), core.CategoryAntiPattern, episodes)
	require.NoError(t, err)
	assert.Contains(t, desc, "2 occurrences")
	assert.Contains(t, desc, "ship the release")
	assert.Contains(t, desc, "signing key expired")
}
