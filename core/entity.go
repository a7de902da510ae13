// Package core defines the entity records shared by every component of the
// memory subsystem: episodic traces, semantic patterns, and procedural
// skills, plus the typed errors the store surfaces.
//
// All three kinds are namespaced by project/workspace identifier and carry
// the same importance bookkeeping. The store owns the on-disk
// representation; every other component borrows entities through it and
// never keeps a second copy across calls.
package core

import (
	"fmt"
	"strings"
	"time"
)

// ImportanceFloor is the hard lower bound on importance. Decay approaches
// it asymptotically; entities are never structurally deleted by decay
// alone, only superseded or explicitly purged.
const ImportanceFloor = 0.01

// Bookkeeping holds the importance and access fields shared by all entity
// kinds. ImportanceUpdatedAt is the reference point for lazy decay: the
// stored Importance is exact as of that instant and decays from there.
type Bookkeeping struct {
	Importance          float64   `json:"importance"`
	ImportanceUpdatedAt time.Time `json:"importance_updated_at"`
	LastAccessed        time.Time `json:"last_accessed,omitzero"`
	AccessCount         int       `json:"access_count"`
	// LastBoostID is the retrieval id of the last applied boost, making
	// the boost idempotent per logical access.
	LastBoostID string `json:"last_boost_id,omitempty"`
}

// Entity is implemented by all three memory kinds. It exposes only the
// metadata the index layers and the importance engine need; components
// type-switch to the concrete record when they need full content.
type Entity interface {
	EntityID() string
	EntityNamespace() string
	Kind() Kind
	Created() time.Time

	// Book returns the mutable importance/access bookkeeping.
	Book() *Bookkeeping

	// Line returns a one-line summary for the Layer-2 timeline. It must
	// be derivable from metadata alone (no full-text assembly).
	Line() string

	// Text returns the free text used for similarity scoring against a
	// retrieval query.
	Text() string
}

// EpisodeTrace records one concrete task execution. It is written once by
// the orchestration layer when a task completes; only bookkeeping and the
// Archived flag mutate afterwards.
type EpisodeTrace struct {
	ID        string    `json:"id"`
	Namespace string    `json:"namespace"`
	TaskID    string    `json:"task_id"`
	Role      string    `json:"role"`
	Goal      string    `json:"goal"`
	Actions   []string  `json:"actions,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	ErrorDetail string  `json:"error_detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	// Archived is set by consolidation once the episode has been promoted
	// into semantic memory. Archived episodes are excluded from retrieval
	// candidates but remain valid provenance targets.
	Archived bool `json:"archived,omitempty"`

	Bookkeeping
}

func (e *EpisodeTrace) EntityID() string        { return e.ID }
func (e *EpisodeTrace) EntityNamespace() string { return e.Namespace }
func (e *EpisodeTrace) Kind() Kind              { return KindEpisode }
func (e *EpisodeTrace) Created() time.Time      { return e.CreatedAt }
func (e *EpisodeTrace) Book() *Bookkeeping      { return &e.Bookkeeping }

func (e *EpisodeTrace) Line() string {
	return fmt.Sprintf("[%s] %s (%d steps, %s)", e.Outcome, firstLine(e.Goal), len(e.Actions), e.Role)
}

func (e *EpisodeTrace) Text() string {
	parts := []string{e.Goal}
	parts = append(parts, e.Actions...)
	if e.ErrorDetail != "" {
		parts = append(parts, e.ErrorDetail)
	}
	return strings.Join(parts, "\n")
}

// SemanticPattern is a generalized insight distilled from one or more
// episodes. Patterns are never silently deleted; a superseded pattern is
// marked Deprecated and linked to its replacement.
type SemanticPattern struct {
	ID          string   `json:"id"`
	Namespace   string   `json:"namespace"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
	// Relations holds ids of associatively linked patterns. The link graph
	// is cyclic by nature, so entries are id references resolved on
	// demand, never embedded records.
	Relations  []string  `json:"relations,omitempty"`
	Provenance []string  `json:"provenance,omitempty"`
	Deprecated bool      `json:"deprecated,omitempty"`
	SupersededBy string  `json:"superseded_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	Bookkeeping
}

func (p *SemanticPattern) EntityID() string        { return p.ID }
func (p *SemanticPattern) EntityNamespace() string { return p.Namespace }
func (p *SemanticPattern) Kind() Kind              { return KindPattern }
func (p *SemanticPattern) Created() time.Time      { return p.CreatedAt }
func (p *SemanticPattern) Book() *Bookkeeping      { return &p.Bookkeeping }

func (p *SemanticPattern) Line() string {
	return fmt.Sprintf("[%s] %s (confidence %.2f, %d sources)", p.Category, firstLine(p.Description), p.Confidence, len(p.Provenance))
}

func (p *SemanticPattern) Text() string {
	return p.Category + "\n" + p.Description
}

// ProceduralSkill is a named, reusable action sequence with a success-rate
// statistic maintained across invocations.
type ProceduralSkill struct {
	ID        string   `json:"id"`
	Namespace string   `json:"namespace"`
	Name      string   `json:"name"`
	Steps     []string `json:"steps,omitempty"`
	// Triggers are textual conditions matched against task descriptions.
	Triggers    []string  `json:"triggers,omitempty"`
	SuccessRate float64   `json:"success_rate"`
	UsageCount  int       `json:"usage_count"`
	// Provenance lists the episodes that corroborated this skill, making
	// consolidation re-runs idempotent.
	Provenance []string  `json:"provenance,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	Bookkeeping
}

func (s *ProceduralSkill) EntityID() string        { return s.ID }
func (s *ProceduralSkill) EntityNamespace() string { return s.Namespace }
func (s *ProceduralSkill) Kind() Kind              { return KindSkill }
func (s *ProceduralSkill) Created() time.Time      { return s.CreatedAt }
func (s *ProceduralSkill) Book() *Bookkeeping      { return &s.Bookkeeping }

func (s *ProceduralSkill) Line() string {
	return fmt.Sprintf("%s (%d steps, %.0f%% success over %d uses)", s.Name, len(s.Steps), s.SuccessRate*100, s.UsageCount)
}

func (s *ProceduralSkill) Text() string {
	return s.Name + "\n" + strings.Join(s.Triggers, "\n") + "\n" + strings.Join(s.Steps, "\n")
}

// RecordUse folds one more observed invocation outcome into the skill's
// running success rate.
func (s *ProceduralSkill) RecordUse(success bool) {
	total := s.SuccessRate * float64(s.UsageCount)
	if success {
		total++
	}
	s.UsageCount++
	s.SuccessRate = total / float64(s.UsageCount)
}

// Category returns the free-text grouping tag for the entity, or "" for
// kinds that have none. Used by the Layer-1 category counters.
func Category(e Entity) string {
	if p, ok := e.(*SemanticPattern); ok {
		return p.Category
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 120
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
