// Package retrieve assembles a bounded context package for a task: given a
// task type, a free-text query, and a token budget, it selects the
// highest-value memories across all three kinds and all three disclosure
// layers.
//
// The spending order is fixed by design, not as an optimization: up to
// ~20% of the budget goes to the Layer-1 index, up to ~40% cumulative to
// the Layer-2 timeline, and only the remainder to Layer-3 full reads. The
// retriever therefore never burns its whole budget on full records of
// low-value entities before it has even seen what exists.
package retrieve

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/core"
	"github.com/engramlabs/engram-go/disclose"
	"github.com/engramlabs/engram-go/economics"
	"github.com/engramlabs/engram-go/importance"
	"github.com/engramlabs/engram-go/similarity"
	"github.com/engramlabs/engram-go/store"
)

// Config holds the tuned retrieval constants. Exposed as configuration:
// the defaults are documented starting points, not requirements.
type Config struct {
	// Relevance score weights; should sum to 1.
	ImportanceWeight float64
	RecencyWeight    float64
	RelevanceWeight  float64
	// Layer1Share and Layer2Share are cumulative budget fractions for the
	// discovery layers.
	Layer1Share float64
	Layer2Share float64
	// RecencyHalfLifeDays normalizes the recency term.
	RecencyHalfLifeDays float64
	// MaxCandidates caps how many entities are scored per call.
	MaxCandidates int
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		ImportanceWeight:    0.4,
		RecencyWeight:       0.3,
		RelevanceWeight:     0.3,
		Layer1Share:         0.2,
		Layer2Share:         0.4,
		RecencyHalfLifeDays: 7,
		MaxCandidates:       200,
	}
}

// Request describes one retrieval call.
type Request struct {
	Namespace string `json:"namespace"`
	TaskType  string `json:"task_type"`
	Query     string `json:"query"`
	// Budget is the maximum total token cost of the result. Zero yields
	// an empty, well-formed result; it is never an error.
	Budget int `json:"budget"`
}

// Item is one selected memory.
type Item struct {
	Kind       core.Kind   `json:"kind"`
	ID         string      `json:"id"`
	Score      float64     `json:"score"`
	Importance float64     `json:"importance"`
	Line       string      `json:"line"`
	// Entity is the full record for Layer-3 selections, nil for entries
	// surfaced only through the timeline.
	Entity    core.Entity `json:"entity,omitempty"`
	TokenCost int         `json:"token_cost"`
	Layer     int         `json:"layer"`
}

// Cost breaks the spend down by layer.
type Cost struct {
	Layer1 int `json:"layer1"`
	Layer2 int `json:"layer2"`
	Layer3 int `json:"layer3"`
	Total  int `json:"total"`
}

// Result is the bounded context package.
type Result struct {
	RetrievalID string            `json:"retrieval_id"`
	Namespace   string            `json:"namespace"`
	TaskType    string            `json:"task_type,omitempty"`
	Query       string            `json:"query,omitempty"`
	Budget      int               `json:"budget"`
	Summary     *disclose.Summary `json:"summary,omitempty"`
	Items       []Item            `json:"items"`
	Cost        Cost              `json:"cost"`
}

// Retriever selects memories. Content reads are lock-free and may observe
// a state slightly stale relative to an in-flight write; only the
// importance boost writes back.
type Retriever struct {
	store  *store.FileStore
	index  *disclose.Index
	imp    *importance.Engine
	scorer similarity.Scorer
	econ   *economics.Tracker
	cfg    Config
	log    *zap.Logger
}

// New creates a Retriever. econ may be nil to skip cost tracking.
func New(st *store.FileStore, index *disclose.Index, imp *importance.Engine, scorer similarity.Scorer, econ *economics.Tracker, cfg Config, log *zap.Logger) *Retriever {
	def := DefaultConfig()
	if cfg.ImportanceWeight+cfg.RecencyWeight+cfg.RelevanceWeight <= 0 {
		cfg.ImportanceWeight = def.ImportanceWeight
		cfg.RecencyWeight = def.RecencyWeight
		cfg.RelevanceWeight = def.RelevanceWeight
	}
	if cfg.Layer1Share <= 0 || cfg.Layer1Share >= 1 {
		cfg.Layer1Share = def.Layer1Share
	}
	if cfg.Layer2Share <= cfg.Layer1Share || cfg.Layer2Share >= 1 {
		cfg.Layer2Share = def.Layer2Share
	}
	if cfg.RecencyHalfLifeDays <= 0 {
		cfg.RecencyHalfLifeDays = def.RecencyHalfLifeDays
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Retriever{store: st, index: index, imp: imp, scorer: scorer, econ: econ, cfg: cfg, log: log}
}

// Retrieve returns the best-effort memory package within the budget. It
// never fails for budget reasons.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (*Result, error) {
	res := &Result{
		RetrievalID: uuid.New().String(),
		Namespace:   req.Namespace,
		TaskType:    req.TaskType,
		Query:       req.Query,
		Budget:      req.Budget,
		Items:       []Item{},
	}
	if req.Namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	if req.Budget <= 0 {
		return res, nil
	}
	now := time.Now()

	// Layer 1: the fixed-cost index view.
	layer1Budget := int(float64(req.Budget) * r.cfg.Layer1Share)
	summary, err := r.index.Summary(ctx, req.Namespace)
	if err != nil {
		return nil, err
	}
	if summary.TokenCost <= layer1Budget {
		res.Summary = summary
		res.Cost.Layer1 = summary.TokenCost
	}

	// Layer 2: timeline lines until the cumulative discovery share is
	// spent.
	discoveryBudget := int(float64(req.Budget) * r.cfg.Layer2Share)
	timeline, err := r.index.Timeline(ctx, req.Namespace, 0)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]int) // entity id -> index in res.Items
	for _, entry := range timeline.Entries {
		cost := core.EstimateTokens(entry.Line) + core.EstimateTokens(entry.ID)
		if res.Cost.Layer1+res.Cost.Layer2+cost > discoveryBudget {
			break
		}
		res.Cost.Layer2 += cost
		seen[entry.ID] = len(res.Items)
		res.Items = append(res.Items, Item{
			Kind:      entry.Kind,
			ID:        entry.ID,
			Line:      entry.Line,
			TokenCost: cost,
			Layer:     2,
		})
	}

	// Layer 3: score every candidate, then spend the remainder on full
	// records in value order.
	candidates, err := r.candidates(ctx, req.Namespace)
	if err != nil {
		return nil, err
	}
	scored, candidateTokens, err := r.score(ctx, req, candidates, now)
	if err != nil {
		return nil, err
	}

	remaining := req.Budget - res.Cost.Layer1 - res.Cost.Layer2
	var boosted []core.Entity
	for _, sc := range scored {
		cost := fullCost(sc.entity)
		if cost > remaining {
			continue
		}
		remaining -= cost
		res.Cost.Layer3 += cost
		item := Item{
			Kind:       sc.entity.Kind(),
			ID:         sc.entity.EntityID(),
			Score:      sc.score,
			Importance: sc.importance,
			Line:       sc.entity.Line(),
			Entity:     sc.entity,
			TokenCost:  cost,
			Layer:      3,
		}
		if idx, ok := seen[item.ID]; ok {
			// Upgrade the timeline line to the full record; its line cost
			// moves from the discovery spend to the full-read spend.
			lineCost := res.Items[idx].TokenCost
			res.Cost.Layer2 -= lineCost
			res.Cost.Layer3 += lineCost
			item.TokenCost += lineCost
			res.Items[idx] = item
		} else {
			res.Items = append(res.Items, item)
		}
		boosted = append(boosted, sc.entity)
	}
	res.Cost.Total = res.Cost.Layer1 + res.Cost.Layer2 + res.Cost.Layer3

	// Present full records first, best score first; bare timeline lines
	// keep their recency order after them.
	sort.SliceStable(res.Items, func(i, j int) bool {
		if res.Items[i].Layer != res.Items[j].Layer {
			return res.Items[i].Layer > res.Items[j].Layer
		}
		if res.Items[i].Layer == 3 {
			return res.Items[i].Score > res.Items[j].Score
		}
		return false
	})

	// One retrieval, one boost per selected entity.
	for _, e := range boosted {
		if err := r.imp.ApplyAccess(ctx, e, res.RetrievalID, now); err != nil {
			r.log.Warn("access boost failed",
				zap.String("namespace", req.Namespace),
				zap.String("id", e.EntityID()),
				zap.Error(err))
		}
	}

	if r.econ != nil {
		sample := economics.Sample{
			DiscoveryTokens: res.Cost.Layer1 + res.Cost.Layer2,
			FullTokens:      res.Cost.Layer3,
			CandidateTokens: candidateTokens,
		}
		if err := r.econ.Record(ctx, req.Namespace, sample); err != nil {
			r.log.Warn("economics record failed", zap.Error(err))
		}
	}
	return res, nil
}

type scoredEntity struct {
	entity     core.Entity
	score      float64
	importance float64
}

// candidates gathers the scoring pool across all kinds, newest first.
func (r *Retriever) candidates(ctx context.Context, ns string) ([]core.Entity, error) {
	var out []core.Entity
	for _, kind := range core.Kinds() {
		list, err := r.store.List(ctx, ns, kind, store.Filter{
			Descending: true,
			Limit:      r.cfg.MaxCandidates,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, list...)
	}
	if len(out) > r.cfg.MaxCandidates {
		sort.Slice(out, func(i, j int) bool { return out[i].Created().After(out[j].Created()) })
		out = out[:r.cfg.MaxCandidates]
	}
	return out, nil
}

func (r *Retriever) score(ctx context.Context, req Request, entities []core.Entity, now time.Time) ([]scoredEntity, int, error) {
	if len(entities) == 0 {
		return nil, 0, nil
	}
	query := req.Query
	if req.TaskType != "" {
		query = req.TaskType + " " + query
	}
	texts := make([]similarity.Candidate, len(entities))
	candidateTokens := 0
	for i, e := range entities {
		texts[i] = similarity.Candidate{ID: e.EntityID(), Text: e.Text()}
		candidateTokens += fullCost(e)
	}
	relevance, err := r.scorer.Rank(ctx, query, texts)
	if err != nil {
		return nil, 0, fmt.Errorf("relevance scoring: %w", err)
	}

	scored := make([]scoredEntity, len(entities))
	for i, e := range entities {
		imp := r.imp.Decayed(e, now)
		scored[i] = scoredEntity{
			entity:     e,
			importance: imp,
			score: r.cfg.ImportanceWeight*imp +
				r.cfg.RecencyWeight*r.recency(e, now) +
				r.cfg.RelevanceWeight*relevance[i],
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if scored[i].importance != scored[j].importance {
			return scored[i].importance > scored[j].importance
		}
		return scored[i].entity.Created().After(scored[j].entity.Created())
	})
	return scored, candidateTokens, nil
}

func (r *Retriever) recency(e core.Entity, now time.Time) float64 {
	ageDays := now.Sub(e.Created()).Hours() / 24
	if ageDays <= 0 {
		return 1
	}
	return math.Pow(0.5, ageDays/r.cfg.RecencyHalfLifeDays)
}

func fullCost(e core.Entity) int {
	b, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return core.EstimateTokens(string(b))
}
