// Package importance computes and maintains the relevance score of every
// entity: an initial score at write time, exponential time decay evaluated
// lazily at read time, and an idempotent boost when retrieval selects an
// entity.
//
// Decay never needs a background sweep: the stored score plus its
// timestamp fully determine the effective score at any instant.
package importance

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/core"
	"github.com/engramlabs/engram-go/store"
)

// Config holds the tuned scoring constants. The defaults are starting
// points, not load-bearing requirements; every deployment can override
// them.
type Config struct {
	// HalfLifeDays is the decay half-life per kind. Episodes decay
	// fastest, procedural skills slowest.
	HalfLifeDays map[core.Kind]float64
	// BoostFraction of the remaining headroom to 1.0 applied per
	// retrieval: importance += boost * (1 - importance).
	BoostFraction float64
	// FailureLearningFloor is the minimum initial score for failed
	// episodes that carry actionable error detail, so lessons aren't
	// born already forgotten.
	FailureLearningFloor float64
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		HalfLifeDays: map[core.Kind]float64{
			core.KindEpisode: 7,
			core.KindPattern: 30,
			core.KindSkill:   90,
		},
		BoostFraction:        0.15,
		FailureLearningFloor: 0.55,
	}
}

// Engine scores entities. It persists boost bookkeeping through the shared
// store handle and never caches entity state itself.
type Engine struct {
	store *store.FileStore
	cfg   Config
	log   *zap.Logger
}

// New creates an Engine. A zero-valued cfg falls back to DefaultConfig.
func New(st *store.FileStore, cfg Config, log *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.HalfLifeDays == nil {
		cfg.HalfLifeDays = def.HalfLifeDays
	}
	if cfg.BoostFraction <= 0 {
		cfg.BoostFraction = def.BoostFraction
	}
	if cfg.FailureLearningFloor <= 0 {
		cfg.FailureLearningFloor = def.FailureLearningFloor
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: st, cfg: cfg, log: log}
}

// Initial computes the write-time score for an entity.
func (e *Engine) Initial(ent core.Entity) float64 {
	var score float64
	switch v := ent.(type) {
	case *core.EpisodeTrace:
		score = 0.5
		switch v.Outcome {
		case core.OutcomeSuccess:
			score += 0.2
		case core.OutcomePartial:
			score += 0.05
		case core.OutcomeFailure:
			score -= 0.1
		}
		if v.ErrorDetail != "" {
			score += 0.1
		}
		if len(v.Actions) > 5 {
			score += 0.05
		}
		// Failures carrying a concrete error are lessons, not noise.
		if v.Outcome == core.OutcomeFailure && v.ErrorDetail != "" && score < e.cfg.FailureLearningFloor {
			score = e.cfg.FailureLearningFloor
		}
	case *core.SemanticPattern:
		score = 0.4 + 0.25*v.Confidence + 0.05*float64(min(len(v.Provenance), 6))
	case *core.ProceduralSkill:
		score = 0.5 + 0.3*v.SuccessRate + 0.02*float64(min(v.UsageCount, 10))
	default:
		score = 0.5
	}
	return clamp(score)
}

// Decayed returns the effective score of an entity at the given instant.
// Pure function of stored state: reading twice within the same instant
// yields the same value, and nothing is persisted.
func (e *Engine) Decayed(ent core.Entity, now time.Time) float64 {
	b := ent.Book()
	stored := clamp(b.Importance)
	halfLife := e.cfg.HalfLifeDays[ent.Kind()]
	if halfLife <= 0 {
		return stored
	}
	age := now.Sub(b.ImportanceUpdatedAt)
	if age <= 0 {
		return stored
	}
	halfLives := age.Hours() / 24 / halfLife
	return clamp(stored * math.Pow(0.5, halfLives))
}

// ApplyAccess records one logical retrieval of an entity: the decayed
// score is boosted toward 1.0 and the access bookkeeping updated, then
// persisted. Idempotent per retrieval id: re-applying the same id is a
// no-op, so internal re-reads within one retrieval never double-boost.
func (e *Engine) ApplyAccess(ctx context.Context, ent core.Entity, retrievalID string, now time.Time) error {
	if retrievalID == "" {
		return fmt.Errorf("retrieval id is required")
	}
	b := ent.Book()
	if b.LastBoostID == retrievalID {
		return nil
	}
	decayed := e.Decayed(ent, now)
	b.Importance = clamp(decayed + e.cfg.BoostFraction*(1-decayed))
	b.ImportanceUpdatedAt = now
	if now.After(b.LastAccessed) {
		b.LastAccessed = now
	}
	b.AccessCount++
	b.LastBoostID = retrievalID

	if err := e.store.Put(ctx, ent); err != nil {
		return fmt.Errorf("persist access boost: %w", err)
	}
	e.log.Debug("importance boosted",
		zap.String("namespace", ent.EntityNamespace()),
		zap.String("id", ent.EntityID()),
		zap.Float64("importance", b.Importance))
	return nil
}

func clamp(v float64) float64 {
	if v < core.ImportanceFloor {
		return core.ImportanceFloor
	}
	if v > 1.0 {
		return 1.0
	}
	return v
}
