// Package economics tracks the token cost of discovery reads (Layers 1-2)
// versus full reads (Layer 3) per namespace, proving out the
// progressive-disclosure design: savings are the full-detail cost the
// retriever avoided by looking at cheap views first.
//
// Counters are append-only and survive process restarts; they reset only
// on explicit user command.
package economics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/store"
)

const sidecarName = "economics"

// Sample is the cost record of one retrieval call.
type Sample struct {
	// DiscoveryTokens spent on Layer-1/2 views.
	DiscoveryTokens int
	// FullTokens spent on Layer-3 reads actually performed.
	FullTokens int
	// CandidateTokens is what reading every scored candidate at full
	// detail would have cost.
	CandidateTokens int
}

// Totals are the accumulated per-namespace counters.
type Totals struct {
	Calls           int64     `json:"calls"`
	DiscoveryTokens int64     `json:"discovery_tokens"`
	FullTokens      int64     `json:"full_tokens"`
	CandidateTokens int64     `json:"candidate_tokens"`
	SavedTokens     int64     `json:"saved_tokens"`
	LastReset       time.Time `json:"last_reset,omitzero"`
	UpdatedAt       time.Time `json:"updated_at,omitzero"`
}

// Tracker persists the counters through the shared store handle.
type Tracker struct {
	store *store.FileStore
	log   *zap.Logger
}

// New creates a Tracker.
func New(st *store.FileStore, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{store: st, log: log}
}

// Record folds one retrieval's costs into the namespace counters.
func (t *Tracker) Record(ctx context.Context, ns string, s Sample) error {
	var totals Totals
	return t.store.UpdateSidecar(ctx, ns, sidecarName, &totals, func() error {
		totals.Calls++
		totals.DiscoveryTokens += int64(s.DiscoveryTokens)
		totals.FullTokens += int64(s.FullTokens)
		totals.CandidateTokens += int64(s.CandidateTokens)
		if saved := s.CandidateTokens - s.FullTokens - s.DiscoveryTokens; saved > 0 {
			totals.SavedTokens += int64(saved)
		}
		totals.UpdatedAt = time.Now()
		return nil
	})
}

// Totals returns the accumulated counters for a namespace.
func (t *Tracker) Totals(ns string) (*Totals, error) {
	var totals Totals
	if err := t.store.ReadSidecar(ns, sidecarName, &totals); err != nil {
		return nil, err
	}
	return &totals, nil
}

// Reset zeroes the counters. Explicit user command only.
func (t *Tracker) Reset(ctx context.Context, ns string) error {
	var totals Totals
	err := t.store.UpdateSidecar(ctx, ns, sidecarName, &totals, func() error {
		totals = Totals{LastReset: time.Now(), UpdatedAt: time.Now()}
		return nil
	})
	if err == nil {
		t.log.Info("economics counters reset", zap.String("namespace", ns))
	}
	return err
}
