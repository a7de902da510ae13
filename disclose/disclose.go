// Package disclose serves the three progressive-disclosure views over the
// entity store: a fixed-cost namespace summary (Layer 1), a recency
// timeline of one-line entries (Layer 2), and full records by id
// (Layer 3).
//
// Layers 1 and 2 come straight from the namespace metadata the store
// maintains incrementally on every put, so their cost stays flat no matter
// how much history accumulates. Every view reports its own token cost so
// the retriever can budget against it.
package disclose

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/core"
	"github.com/engramlabs/engram-go/store"
)

// Index provides the layered views. It holds only the shared store handle,
// never a copy of entity state.
type Index struct {
	store *store.FileStore
	log   *zap.Logger
}

// New creates an Index over the store.
func New(st *store.FileStore, log *zap.Logger) *Index {
	if log == nil {
		log = zap.NewNop()
	}
	return &Index{store: st, log: log}
}

// Summary is the Layer-1 view: counters and top pattern titles only,
// nothing per-episode.
type Summary struct {
	Namespace                  string             `json:"namespace"`
	Counts                     map[core.Kind]int  `json:"counts"`
	Categories                 map[string]int     `json:"categories,omitempty"`
	TopPatterns                []store.PatternRef `json:"top_patterns,omitempty"`
	EpisodesSinceConsolidation int                `json:"episodes_since_consolidation"`
	Watermark                  time.Time          `json:"watermark,omitzero"`
	TokenCost                  int                `json:"token_cost"`
}

// Summary returns the Layer-1 view for a namespace.
func (ix *Index) Summary(ctx context.Context, ns string) (*Summary, error) {
	m, err := ix.store.Meta(ns)
	if err != nil {
		return nil, err
	}
	s := &Summary{
		Namespace:                  ns,
		Counts:                     m.Counts,
		Categories:                 m.Categories,
		TopPatterns:                m.TopPatterns,
		EpisodesSinceConsolidation: m.EpisodesSinceConsolidation,
		Watermark:                  m.Watermark,
	}
	s.TokenCost = costOf(s)
	return s, nil
}

// Timeline is the Layer-2 view: one line per recent entity, newest first,
// with ids for Layer-3 drill-down.
type Timeline struct {
	Namespace string                `json:"namespace"`
	Entries   []store.TimelineEntry `json:"entries"`
	TokenCost int                   `json:"token_cost"`
}

// Timeline returns up to limit recent entries (0 means all cached).
func (ix *Index) Timeline(ctx context.Context, ns string, limit int) (*Timeline, error) {
	m, err := ix.store.Meta(ns)
	if err != nil {
		return nil, err
	}
	entries := m.Timeline
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	t := &Timeline{Namespace: ns, Entries: entries}
	t.TokenCost = costOf(t)
	return t, nil
}

// Full is the Layer-3 read: the complete record, fetched by id only after
// the cheaper layers indicated relevance. Returns the entity and its token
// cost.
func (ix *Index) Full(ctx context.Context, ns string, kind core.Kind, id string) (core.Entity, int, error) {
	e, err := ix.store.Get(ctx, ns, kind, id)
	if err != nil {
		return nil, 0, err
	}
	return e, costOf(e), nil
}

// Rebuild recomputes the cached layers from the entity files. Recovery
// path only; normal maintenance is incremental.
func (ix *Index) Rebuild(ctx context.Context, ns string) error {
	ix.log.Info("rebuilding disclosure index", zap.String("namespace", ns))
	return ix.store.RebuildMeta(ctx, ns)
}

func costOf(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return core.EstimateTokens(string(b))
}
