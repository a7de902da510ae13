// Package engram is a layered, file-backed memory subsystem for coding
// agents: agents record episodic traces of finished tasks, a consolidation
// pipeline distills recurring episodes into semantic patterns and
// procedural skills, and a budget-aware retriever assembles a bounded
// context package for new tasks through progressively detailed views.
//
// The Service facade wires every component around one shared store handle.
// Multiple processes may open the same root concurrently; coordination is
// advisory file locking, so no daemon is required.
package engram

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/consolidate"
	"github.com/engramlabs/engram-go/core"
	"github.com/engramlabs/engram-go/disclose"
	"github.com/engramlabs/engram-go/economics"
	"github.com/engramlabs/engram-go/hooks"
	"github.com/engramlabs/engram-go/importance"
	"github.com/engramlabs/engram-go/retrieve"
	"github.com/engramlabs/engram-go/similarity"
	"github.com/engramlabs/engram-go/store"
)

// Service is the assembled memory subsystem.
type Service struct {
	store     *store.FileStore
	imp       *importance.Engine
	index     *disclose.Index
	econ      *economics.Tracker
	retriever *retrieve.Retriever
	pipeline  *consolidate.Pipeline
	events    *hooks.Channel
	scorer    similarity.Scorer
	log       *zap.Logger

	autoConsolidate bool
}

type options struct {
	log             *zap.Logger
	scorer          similarity.Scorer
	emitters        []hooks.Emitter
	summarizer      consolidate.Summarizer
	storeCfg        store.Config
	importanceCfg   importance.Config
	retrieveCfg     retrieve.Config
	consolidateCfg  consolidate.Config
	eventBuffer     int
	autoConsolidate bool
}

// Option configures the Service.
type Option func(*options)

// WithLogger sets the structured logger shared by all components.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithScorer overrides the text-similarity backend. The default is the
// lexical scorer; pass a vector scorer for embedding-based relevance.
func WithScorer(s similarity.Scorer) Option {
	return func(o *options) {
		if s != nil {
			o.scorer = s
		}
	}
}

// WithEmitter adds a hook emitter alongside the built-in event stream
// bridge.
func WithEmitter(e hooks.Emitter) Option {
	return func(o *options) {
		if e != nil {
			o.emitters = append(o.emitters, e)
		}
	}
}

// WithSummarizer installs an LLM-backed pattern summarizer.
func WithSummarizer(s consolidate.Summarizer) Option {
	return func(o *options) { o.summarizer = s }
}

// WithStoreConfig overrides store tuning (lock retries, timeline size).
func WithStoreConfig(cfg store.Config) Option {
	return func(o *options) { o.storeCfg = cfg }
}

// WithImportanceConfig overrides scoring constants.
func WithImportanceConfig(cfg importance.Config) Option {
	return func(o *options) { o.importanceCfg = cfg }
}

// WithRetrieveConfig overrides retrieval weights and budget shares.
func WithRetrieveConfig(cfg retrieve.Config) Option {
	return func(o *options) { o.retrieveCfg = cfg }
}

// WithConsolidateConfig overrides consolidation tuning.
func WithConsolidateConfig(cfg consolidate.Config) Option {
	return func(o *options) { o.consolidateCfg = cfg }
}

// WithAutoConsolidate makes RecordEpisode check the accumulation trigger
// after each write and run consolidation when it fires.
func WithAutoConsolidate(enabled bool) Option {
	return func(o *options) { o.autoConsolidate = enabled }
}

// WithEventBuffer sets the event stream buffer capacity.
func WithEventBuffer(n int) Option {
	return func(o *options) { o.eventBuffer = n }
}

// New opens (creating if needed) the memory root and assembles the
// Service.
func New(root string, opts ...Option) (*Service, error) {
	o := &options{log: zap.NewNop(), autoConsolidate: true}
	for _, opt := range opts {
		opt(o)
	}
	if o.scorer == nil {
		lex, err := similarity.NewLexical()
		if err != nil {
			return nil, fmt.Errorf("lexical scorer: %w", err)
		}
		o.scorer = lex
	}

	events := hooks.NewChannel(o.eventBuffer)
	emitter := hooks.FanOut(append([]hooks.Emitter{events}, o.emitters...))

	st, err := store.New(root,
		store.WithLogger(o.log.Named("store")),
		store.WithEmitter(emitter),
		store.WithConfig(o.storeCfg),
	)
	if err != nil {
		return nil, err
	}

	imp := importance.New(st, o.importanceCfg, o.log.Named("importance"))
	index := disclose.New(st, o.log.Named("disclose"))
	econ := economics.New(st, o.log.Named("economics"))
	retriever := retrieve.New(st, index, imp, o.scorer, econ, o.retrieveCfg, o.log.Named("retrieve"))

	pipelineOpts := []consolidate.Option{
		consolidate.WithEmitter(emitter),
		consolidate.WithConfig(o.consolidateCfg),
		consolidate.WithLogger(o.log.Named("consolidate")),
	}
	if o.summarizer != nil {
		pipelineOpts = append(pipelineOpts, consolidate.WithSummarizer(o.summarizer))
	}
	pipeline := consolidate.New(st, o.scorer, imp, pipelineOpts...)

	return &Service{
		store:           st,
		imp:             imp,
		index:           index,
		econ:            econ,
		retriever:       retriever,
		pipeline:        pipeline,
		events:          events,
		scorer:          o.scorer,
		log:             o.log,
		autoConsolidate: o.autoConsolidate,
	}, nil
}

// EpisodeInput describes one finished task to record.
type EpisodeInput struct {
	Namespace   string
	TaskID      string
	Role        string
	Goal        string
	Actions     []string
	Outcome     core.Outcome
	ErrorDetail string
}

// RecordEpisode stores a new episodic trace with its initial importance.
// When auto-consolidation is on, the accumulation trigger is checked after
// the write; a triggered run's failure is logged, never surfaced, so
// recording stays cheap and reliable.
func (s *Service) RecordEpisode(ctx context.Context, in EpisodeInput) (*core.EpisodeTrace, error) {
	now := time.Now()
	ep := &core.EpisodeTrace{
		ID:          uuid.New().String(),
		Namespace:   in.Namespace,
		TaskID:      in.TaskID,
		Role:        in.Role,
		Goal:        in.Goal,
		Actions:     append([]string(nil), in.Actions...),
		Outcome:     in.Outcome,
		ErrorDetail: in.ErrorDetail,
		CreatedAt:   now,
	}
	ep.Importance = s.imp.Initial(ep)
	ep.ImportanceUpdatedAt = now
	if err := s.store.Put(ctx, ep); err != nil {
		return nil, err
	}

	if s.autoConsolidate {
		if _, err := s.pipeline.MaybeRun(ctx, in.Namespace); err != nil {
			s.log.Warn("triggered consolidation failed",
				zap.String("namespace", in.Namespace), zap.Error(err))
		}
	}
	return ep, nil
}

// Put writes a pattern or skill directly. Episodes should normally go
// through RecordEpisode so scoring and triggers apply.
func (s *Service) Put(ctx context.Context, e core.Entity) error {
	b := e.Book()
	if b.Importance == 0 {
		b.Importance = s.imp.Initial(e)
		b.ImportanceUpdatedAt = time.Now()
	}
	return s.store.Put(ctx, e)
}

// Get returns one entity by id.
func (s *Service) Get(ctx context.Context, ns string, kind core.Kind, id string) (core.Entity, error) {
	return s.store.Get(ctx, ns, kind, id)
}

// Retrieve assembles a budget-bounded context package.
func (s *Service) Retrieve(ctx context.Context, req retrieve.Request) (*retrieve.Result, error) {
	return s.retriever.Retrieve(ctx, req)
}

// Summary returns the Layer-1 namespace view.
func (s *Service) Summary(ctx context.Context, ns string) (*disclose.Summary, error) {
	return s.index.Summary(ctx, ns)
}

// Timeline returns the Layer-2 recency view.
func (s *Service) Timeline(ctx context.Context, ns string, limit int) (*disclose.Timeline, error) {
	return s.index.Timeline(ctx, ns, limit)
}

// Consolidate forces a consolidation pass now.
func (s *Service) Consolidate(ctx context.Context, ns string) (*consolidate.Report, error) {
	return s.pipeline.Run(ctx, ns)
}

// DeprecatePattern marks a pattern as superseded by another. Deprecated
// patterns keep their provenance but drop out of summaries, dedup, and
// cross-linking. supersededBy may be empty for a plain retirement.
func (s *Service) DeprecatePattern(ctx context.Context, ns, id, supersededBy string) error {
	e, err := s.store.Get(ctx, ns, core.KindPattern, id)
	if err != nil {
		return err
	}
	pat := e.(*core.SemanticPattern)
	if supersededBy != "" {
		if _, err := s.store.Get(ctx, ns, core.KindPattern, supersededBy); err != nil {
			return fmt.Errorf("superseding pattern: %w", err)
		}
	}
	pat.Deprecated = true
	pat.SupersededBy = supersededBy
	return s.store.Put(ctx, pat)
}

// RecordSkillUse folds one observed invocation of a skill into its
// success rate and usage count.
func (s *Service) RecordSkillUse(ctx context.Context, ns, id string, success bool) (*core.ProceduralSkill, error) {
	e, err := s.store.Get(ctx, ns, core.KindSkill, id)
	if err != nil {
		return nil, err
	}
	sk := e.(*core.ProceduralSkill)
	sk.RecordUse(success)
	if err := s.store.Put(ctx, sk); err != nil {
		return nil, err
	}
	return sk, nil
}

// Economics returns the accumulated token counters for a namespace.
func (s *Service) Economics(ns string) (*economics.Totals, error) {
	return s.econ.Totals(ns)
}

// ResetEconomics zeroes the counters.
func (s *Service) ResetEconomics(ctx context.Context, ns string) error {
	return s.econ.Reset(ctx, ns)
}

// Purge deletes a namespace and everything in it.
func (s *Service) Purge(ctx context.Context, ns string) error {
	return s.store.DeleteNamespace(ctx, ns)
}

// Namespaces lists the namespaces present in the store.
func (s *Service) Namespaces() ([]string, error) {
	return s.store.Namespaces()
}

// RebuildIndex recomputes the cached disclosure layers for a namespace.
func (s *Service) RebuildIndex(ctx context.Context, ns string) error {
	return s.index.Rebuild(ctx, ns)
}

// Events returns the notification stream bridge. Single consumer; the
// HTTP server's event hub subscribes here.
func (s *Service) Events() *hooks.Channel { return s.events }

// Store exposes the shared store handle for advanced callers.
func (s *Service) Store() *store.FileStore { return s.store }

// Index exposes the disclosure views.
func (s *Service) Index() *disclose.Index { return s.index }

// Retriever exposes the budget-aware retriever.
func (s *Service) Retriever() *retrieve.Retriever { return s.retriever }

// Pipeline exposes the consolidation pipeline.
func (s *Service) Pipeline() *consolidate.Pipeline { return s.pipeline }

// Tracker exposes the token-economics tracker.
func (s *Service) Tracker() *economics.Tracker { return s.econ }
