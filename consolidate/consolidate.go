// Package consolidate turns episodic traces into durable knowledge:
// clusters of similar episodes become procedural skills and semantic
// patterns, consumed episodes are archived, and a watermark marks how far
// promotion has progressed.
//
// Runs are serialized per namespace by a lock distinct from the
// entity-write lock, so episode writes never wait on a pass. A crash
// mid-run is safe: the watermark only advances after every derived entity
// is durable, and provenance-overlap deduplication makes re-processing the
// same episodes a no-op.
package consolidate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/core"
	"github.com/engramlabs/engram-go/hooks"
	"github.com/engramlabs/engram-go/importance"
	"github.com/engramlabs/engram-go/similarity"
	"github.com/engramlabs/engram-go/store"
)

// Config tunes clustering and linking.
type Config struct {
	// MinClusterSize is the corroboration threshold for promotion.
	MinClusterSize int
	// SimilarityThreshold is the minimum goal-text score for two episodes
	// to share a cluster.
	SimilarityThreshold float64
	// TriggerEpisodes makes MaybeRun start a pass once this many new
	// episodes accumulated since the last run.
	TriggerEpisodes int
	// MaxBatch caps episodes examined per run.
	MaxBatch int
	// LinkThreshold is the minimum text overlap for cross-linking two
	// patterns.
	LinkThreshold float64
	// MaxLinks caps relations added per pattern per run.
	MaxLinks int
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		MinClusterSize:      2,
		SimilarityThreshold: 0.5,
		TriggerEpisodes:     10,
		MaxBatch:            500,
		LinkThreshold:       0.3,
		MaxLinks:            5,
	}
}

// Pipeline runs consolidation passes. All durable state flows through the
// shared store handle.
type Pipeline struct {
	store      *store.FileStore
	scorer     similarity.Scorer
	imp        *importance.Engine
	summarizer Summarizer
	emitter    hooks.Emitter
	cfg        Config
	log        *zap.Logger
}

// Option configures the pipeline.
type Option func(*Pipeline)

// WithSummarizer installs a description summarizer (e.g. LLM-backed). The
// template fallback remains in place for summarizer failures.
func WithSummarizer(s Summarizer) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.summarizer = s
		}
	}
}

// WithEmitter sets the hook emitter notified when a run completes.
func WithEmitter(e hooks.Emitter) Option {
	return func(p *Pipeline) {
		if e != nil {
			p.emitter = e
		}
	}
}

// WithConfig overrides the default tuning.
func WithConfig(cfg Config) Option {
	return func(p *Pipeline) {
		def := DefaultConfig()
		if cfg.MinClusterSize < 2 {
			cfg.MinClusterSize = def.MinClusterSize
		}
		if cfg.SimilarityThreshold <= 0 {
			cfg.SimilarityThreshold = def.SimilarityThreshold
		}
		if cfg.TriggerEpisodes <= 0 {
			cfg.TriggerEpisodes = def.TriggerEpisodes
		}
		if cfg.MaxBatch <= 0 {
			cfg.MaxBatch = def.MaxBatch
		}
		if cfg.LinkThreshold <= 0 {
			cfg.LinkThreshold = def.LinkThreshold
		}
		if cfg.MaxLinks <= 0 {
			cfg.MaxLinks = def.MaxLinks
		}
		p.cfg = cfg
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// New creates a Pipeline.
func New(st *store.FileStore, scorer similarity.Scorer, imp *importance.Engine, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      st,
		scorer:     scorer,
		imp:        imp,
		summarizer: TemplateSummarizer{},
		emitter:    hooks.Discard,
		cfg:        DefaultConfig(),
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Report summarizes one consolidation run.
type Report struct {
	Namespace            string    `json:"namespace"`
	Ran                  bool      `json:"ran"`
	EpisodesExamined     int       `json:"episodes_examined"`
	Clusters             int       `json:"clusters"`
	SkillsCreated        int       `json:"skills_created"`
	SkillsStrengthened   int       `json:"skills_strengthened"`
	PatternsCreated      int       `json:"patterns_created"`
	PatternsStrengthened int       `json:"patterns_strengthened"`
	EpisodesArchived     int       `json:"episodes_archived"`
	Watermark            time.Time `json:"watermark,omitzero"`
}

// MaybeRun starts a pass only when enough new episodes accumulated since
// the last one. Used by the accumulation trigger.
func (p *Pipeline) MaybeRun(ctx context.Context, ns string) (*Report, error) {
	m, err := p.store.Meta(ns)
	if err != nil {
		return nil, err
	}
	if m.EpisodesSinceConsolidation < p.cfg.TriggerEpisodes {
		return &Report{Namespace: ns, Ran: false, Watermark: m.Watermark}, nil
	}
	return p.Run(ctx, ns)
}

// Run executes one consolidation pass under the namespace's consolidation
// lock. Failures are returned for the caller to log and retry on the next
// trigger; they never block episode writes or retrieval.
func (p *Pipeline) Run(ctx context.Context, ns string) (*Report, error) {
	report := &Report{Namespace: ns, Ran: true}
	err := p.store.WithConsolidationLock(ctx, ns, func() error {
		return p.run(ctx, ns, report)
	})
	if err != nil {
		return nil, err
	}
	p.emitter.Emit(hooks.Notification{
		Event:     hooks.EventConsolidated,
		Namespace: ns,
		At:        time.Now(),
	})
	return report, nil
}

func (p *Pipeline) run(ctx context.Context, ns string, report *Report) error {
	meta, err := p.store.Meta(ns)
	if err != nil {
		return err
	}
	watermark := meta.Watermark

	episodes, err := p.unconsolidated(ctx, ns, watermark)
	if err != nil {
		return err
	}
	report.EpisodesExamined = len(episodes)
	report.Watermark = watermark
	if len(episodes) == 0 {
		return nil
	}

	clusters, err := p.cluster(ctx, episodes)
	if err != nil {
		return err
	}
	report.Clusters = len(clusters)

	var consumed []*core.EpisodeTrace
	var touched []*core.SemanticPattern
	newest := watermark
	for _, ep := range episodes {
		if ep.CreatedAt.After(newest) {
			newest = ep.CreatedAt
		}
	}

	for _, cl := range clusters {
		if len(cl) < p.cfg.MinClusterSize {
			continue
		}
		switch cl[0].Outcome {
		case core.OutcomeSuccess:
			if sharedActionSequence(cl) {
				if err := p.promoteSkill(ctx, ns, cl, report); err != nil {
					return err
				}
			} else {
				pat, err := p.promotePattern(ctx, ns, core.CategorySuccessPattern, cl, report)
				if err != nil {
					return err
				}
				if pat != nil {
					touched = append(touched, pat)
				}
			}
			consumed = append(consumed, cl...)
		case core.OutcomeFailure:
			pat, err := p.promotePattern(ctx, ns, core.CategoryAntiPattern, cl, report)
			if err != nil {
				return err
			}
			if pat != nil {
				touched = append(touched, pat)
			}
			consumed = append(consumed, cl...)
		default:
			// Partial outcomes stay episodic until a clearer signal
			// arrives.
		}
	}

	if err := p.crossLink(ctx, ns, touched); err != nil {
		return err
	}

	for _, ep := range consumed {
		if ep.Archived {
			continue
		}
		ep.Archived = true
		if err := p.store.Put(ctx, ep); err != nil {
			return fmt.Errorf("archive episode %s: %w", ep.ID, err)
		}
		report.EpisodesArchived++
	}

	// Commit point: everything derived is durable, so the watermark may
	// move.
	report.Watermark = newest
	err = p.store.UpdateMeta(ctx, ns, func(m *store.NamespaceMeta) error {
		if newest.After(m.Watermark) {
			m.Watermark = newest
		}
		// Only the examined episodes are accounted for; a MaxBatch
		// truncation leaves the backlog counting toward the next trigger.
		m.EpisodesSinceConsolidation -= report.EpisodesExamined
		if m.EpisodesSinceConsolidation < 0 {
			m.EpisodesSinceConsolidation = 0
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}

	p.log.Info("consolidation complete",
		zap.String("namespace", ns),
		zap.Int("episodes", report.EpisodesExamined),
		zap.Int("clusters", report.Clusters),
		zap.Int("skills_created", report.SkillsCreated),
		zap.Int("patterns_created", report.PatternsCreated),
		zap.Int("archived", report.EpisodesArchived))
	return nil
}

// unconsolidated selects episodes strictly newer than the watermark,
// oldest first, capped at MaxBatch. The watermark goes into the query so
// the listing limit never lands on episodes an earlier pass already
// covered but left unarchived (singletons, partials); Since is inclusive,
// so ties at the boundary still need the strict check below.
func (p *Pipeline) unconsolidated(ctx context.Context, ns string, watermark time.Time) ([]*core.EpisodeTrace, error) {
	list, err := p.store.List(ctx, ns, core.KindEpisode, store.Filter{
		Since: watermark,
		Limit: p.cfg.MaxBatch * 2,
	})
	if err != nil {
		return nil, err
	}
	var out []*core.EpisodeTrace
	for _, e := range list {
		ep, ok := e.(*core.EpisodeTrace)
		if !ok || !ep.CreatedAt.After(watermark) {
			continue
		}
		out = append(out, ep)
		if len(out) >= p.cfg.MaxBatch {
			break
		}
	}
	return out, nil
}

// cluster greedily groups episodes by goal-text similarity and identical
// outcome. Clustering is private to the invocation; nothing is persisted
// here.
func (p *Pipeline) cluster(ctx context.Context, episodes []*core.EpisodeTrace) ([][]*core.EpisodeTrace, error) {
	assigned := make([]bool, len(episodes))
	var clusters [][]*core.EpisodeTrace

	for i, seed := range episodes {
		if assigned[i] {
			continue
		}
		assigned[i] = true
		cluster := []*core.EpisodeTrace{seed}

		var rest []similarity.Candidate
		var restIdx []int
		for j := i + 1; j < len(episodes); j++ {
			if assigned[j] || episodes[j].Outcome != seed.Outcome {
				continue
			}
			rest = append(rest, similarity.Candidate{ID: episodes[j].ID, Text: episodes[j].Goal})
			restIdx = append(restIdx, j)
		}
		if len(rest) > 0 {
			scores, err := p.scorer.Rank(ctx, seed.Goal, rest)
			if err != nil {
				return nil, fmt.Errorf("cluster scoring: %w", err)
			}
			for k, score := range scores {
				if score >= p.cfg.SimilarityThreshold {
					j := restIdx[k]
					assigned[j] = true
					cluster = append(cluster, episodes[j])
				}
			}
		}
		clusters = append(clusters, cluster)
	}
	return clusters, nil
}

// promoteSkill creates or strengthens a ProceduralSkill from a cluster of
// successful episodes sharing an action sequence.
func (p *Pipeline) promoteSkill(ctx context.Context, ns string, cl []*core.EpisodeTrace, report *Report) error {
	existing, err := p.findSkill(ctx, ns, cl[0].Actions)
	if err != nil {
		return err
	}

	now := time.Now()
	if existing == nil {
		skill := &core.ProceduralSkill{
			ID:          uuid.New().String(),
			Namespace:   ns,
			Name:        headline(cl[0].Goal),
			Steps:       append([]string(nil), cl[0].Actions...),
			Triggers:    triggersOf(cl),
			SuccessRate: 1.0,
			UsageCount:  len(cl),
			Provenance:  episodeIDs(cl),
			CreatedAt:   now,
		}
		skill.Importance = p.imp.Initial(skill)
		skill.ImportanceUpdatedAt = now
		if err := p.store.Put(ctx, skill); err != nil {
			return fmt.Errorf("create skill: %w", err)
		}
		report.SkillsCreated++
		return nil
	}

	fresh := newProvenance(existing.Provenance, cl)
	if len(fresh) == 0 {
		// Re-run over the same episodes; nothing new to fold in.
		return nil
	}
	existing.Provenance = append(existing.Provenance, fresh...)
	for range fresh {
		existing.RecordUse(true)
	}
	existing.Triggers = mergeStrings(existing.Triggers, triggersOf(cl))
	existing.Importance = p.imp.Initial(existing)
	existing.ImportanceUpdatedAt = now
	if err := p.store.Put(ctx, existing); err != nil {
		return fmt.Errorf("strengthen skill %s: %w", existing.ID, err)
	}
	report.SkillsStrengthened++
	return nil
}

func (p *Pipeline) findSkill(ctx context.Context, ns string, actions []string) (*core.ProceduralSkill, error) {
	list, err := p.store.List(ctx, ns, core.KindSkill, store.Filter{})
	if err != nil {
		return nil, err
	}
	want := strings.Join(actions, "\x00")
	for _, e := range list {
		if sk, ok := e.(*core.ProceduralSkill); ok {
			if strings.Join(sk.Steps, "\x00") == want {
				return sk, nil
			}
		}
	}
	return nil, nil
}

// promotePattern creates or strengthens a SemanticPattern for a recurring
// failure mode or success approach. Deduplication checks provenance
// overlap first, so re-clustering the same episodes never duplicates a
// pattern. Returns the written pattern for cross-linking.
func (p *Pipeline) promotePattern(ctx context.Context, ns, category string, cl []*core.EpisodeTrace, report *Report) (*core.SemanticPattern, error) {
	existing, err := p.findPattern(ctx, ns, category, cl)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if existing == nil {
		desc, err := p.describe(ctx, category, cl)
		if err != nil {
			return nil, err
		}
		pat := &core.SemanticPattern{
			ID:          uuid.New().String(),
			Namespace:   ns,
			Category:    category,
			Description: desc,
			Provenance:  episodeIDs(cl),
			CreatedAt:   now,
		}
		pat.Confidence = confidence(len(pat.Provenance))
		pat.Importance = p.imp.Initial(pat)
		pat.ImportanceUpdatedAt = now
		if err := p.store.Put(ctx, pat); err != nil {
			return nil, fmt.Errorf("create pattern: %w", err)
		}
		report.PatternsCreated++
		return pat, nil
	}

	fresh := newProvenance(existing.Provenance, cl)
	if len(fresh) == 0 {
		return existing, nil
	}
	existing.Provenance = append(existing.Provenance, fresh...)
	existing.Confidence = confidence(len(existing.Provenance))
	existing.Importance = p.imp.Initial(existing)
	existing.ImportanceUpdatedAt = now
	if err := p.store.Put(ctx, existing); err != nil {
		return nil, fmt.Errorf("strengthen pattern %s: %w", existing.ID, err)
	}
	report.PatternsStrengthened++
	return existing, nil
}

// findPattern locates an existing pattern this cluster corroborates:
// first by provenance overlap, then by description similarity within the
// category.
func (p *Pipeline) findPattern(ctx context.Context, ns, category string, cl []*core.EpisodeTrace) (*core.SemanticPattern, error) {
	list, err := p.store.List(ctx, ns, core.KindPattern, store.Filter{Category: category})
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(cl))
	for _, ep := range cl {
		ids[ep.ID] = true
	}

	var candidates []similarity.Candidate
	var patterns []*core.SemanticPattern
	for _, e := range list {
		pat, ok := e.(*core.SemanticPattern)
		if !ok || pat.Deprecated {
			continue
		}
		for _, src := range pat.Provenance {
			if ids[src] {
				return pat, nil
			}
		}
		candidates = append(candidates, similarity.Candidate{ID: pat.ID, Text: pat.Description})
		patterns = append(patterns, pat)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	scores, err := p.scorer.Rank(ctx, cl[0].Goal, candidates)
	if err != nil {
		return nil, err
	}
	best, bestScore := -1, 0.0
	for i, score := range scores {
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best >= 0 && bestScore >= p.cfg.SimilarityThreshold {
		return patterns[best], nil
	}
	return nil, nil
}

// crossLink adds associative relations between the run's patterns and
// existing patterns with overlapping text or the same category. Relations
// are id references only; the graph may freely contain cycles.
func (p *Pipeline) crossLink(ctx context.Context, ns string, touched []*core.SemanticPattern) error {
	if len(touched) == 0 {
		return nil
	}
	list, err := p.store.List(ctx, ns, core.KindPattern, store.Filter{})
	if err != nil {
		return err
	}

	for _, pat := range touched {
		var candidates []similarity.Candidate
		var others []*core.SemanticPattern
		for _, e := range list {
			other, ok := e.(*core.SemanticPattern)
			if !ok || other.ID == pat.ID || other.Deprecated {
				continue
			}
			candidates = append(candidates, similarity.Candidate{ID: other.ID, Text: other.Text()})
			others = append(others, other)
		}
		if len(candidates) == 0 {
			continue
		}
		scores, err := p.scorer.Rank(ctx, pat.Text(), candidates)
		if err != nil {
			return err
		}

		type scored struct {
			pat   *core.SemanticPattern
			score float64
		}
		var related []scored
		for i, score := range scores {
			if score >= p.cfg.LinkThreshold {
				related = append(related, scored{others[i], score})
			}
		}
		sort.Slice(related, func(i, j int) bool { return related[i].score > related[j].score })
		if len(related) > p.cfg.MaxLinks {
			related = related[:p.cfg.MaxLinks]
		}

		changed := false
		for _, r := range related {
			if addRelation(pat, r.pat.ID) {
				changed = true
			}
			if addRelation(r.pat, pat.ID) {
				if err := p.store.Put(ctx, r.pat); err != nil {
					return fmt.Errorf("link pattern %s: %w", r.pat.ID, err)
				}
			}
		}
		if changed {
			if err := p.store.Put(ctx, pat); err != nil {
				return fmt.Errorf("link pattern %s: %w", pat.ID, err)
			}
		}
	}
	return nil
}

func (p *Pipeline) describe(ctx context.Context, category string, cl []*core.EpisodeTrace) (string, error) {
	desc, err := p.summarizer.Summarize(ctx, category, cl)
	if err == nil && desc != "" {
		return desc, nil
	}
	if err != nil {
		p.log.Warn("summarizer failed, using template", zap.Error(err))
	}
	return TemplateSummarizer{}.summarize(category, cl), nil
}

// confidence maps corroboration count to [0, 1): n/(n+1). Two sources are
// enough to cross 0.5; certainty is asymptotic, never absolute.
func confidence(n int) float64 {
	if n <= 0 {
		return 0
	}
	return float64(n) / float64(n+1)
}

func sharedActionSequence(cl []*core.EpisodeTrace) bool {
	if len(cl[0].Actions) == 0 {
		return false
	}
	want := strings.Join(cl[0].Actions, "\x00")
	for _, ep := range cl[1:] {
		if strings.Join(ep.Actions, "\x00") != want {
			return false
		}
	}
	return true
}

func episodeIDs(cl []*core.EpisodeTrace) []string {
	ids := make([]string, len(cl))
	for i, ep := range cl {
		ids[i] = ep.ID
	}
	sort.Strings(ids)
	return ids
}

func newProvenance(have []string, cl []*core.EpisodeTrace) []string {
	seen := make(map[string]bool, len(have))
	for _, id := range have {
		seen[id] = true
	}
	var fresh []string
	for _, ep := range cl {
		if !seen[ep.ID] {
			fresh = append(fresh, ep.ID)
		}
	}
	sort.Strings(fresh)
	return fresh
}

func triggersOf(cl []*core.EpisodeTrace) []string {
	var out []string
	for _, ep := range cl {
		out = append(out, headline(ep.Goal))
	}
	return dedupe(out)
}

func mergeStrings(a, b []string) []string {
	return dedupe(append(append([]string(nil), a...), b...))
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func addRelation(pat *core.SemanticPattern, id string) bool {
	for _, r := range pat.Relations {
		if r == id {
			return false
		}
	}
	pat.Relations = append(pat.Relations, id)
	return true
}

func headline(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	const max = 100
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
