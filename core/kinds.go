package core

import "fmt"

// Kind identifies one of the three memory kinds held by the store.
type Kind string

const (
	KindEpisode Kind = "episode"
	KindPattern Kind = "pattern"
	KindSkill   Kind = "skill"
)

// Kinds lists all valid kinds in a stable order.
func Kinds() []Kind {
	return []Kind{KindEpisode, KindPattern, KindSkill}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindEpisode, KindPattern, KindSkill:
		return true
	}
	return false
}

// ParseKind converts a string (e.g. from a CLI flag or URL path segment)
// into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
	return k, nil
}

// Outcome records how a task execution ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomePartial, OutcomeFailure:
		return true
	}
	return false
}

// Well-known pattern categories produced by consolidation. Category remains
// free text; these are the values the pipeline itself emits.
const (
	CategoryAntiPattern    = "anti-pattern"
	CategorySuccessPattern = "success-pattern"
)
