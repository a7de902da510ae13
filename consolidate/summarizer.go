package consolidate

import (
	"context"
	"fmt"
	"strings"

	"github.com/engramlabs/engram-go/core"
)

// Summarizer produces the description text for a newly promoted pattern.
// The template implementation is always available; an LLM-backed one can
// be plugged in for richer prose. A summarizer failure falls back to the
// template, never blocks the pipeline.
type Summarizer interface {
	Summarize(ctx context.Context, category string, episodes []*core.EpisodeTrace) (string, error)
}

// TemplateSummarizer builds descriptions deterministically from episode
// metadata. No dependencies, no network.
type TemplateSummarizer struct{}

func (t TemplateSummarizer) Summarize(ctx context.Context, category string, episodes []*core.EpisodeTrace) (string, error) {
	return t.summarize(category, episodes), nil
}

func (t TemplateSummarizer) summarize(category string, episodes []*core.EpisodeTrace) string {
	goal := headline(episodes[0].Goal)
	var b strings.Builder
	switch category {
	case core.CategoryAntiPattern:
		fmt.Fprintf(&b, "Recurring failure (%d occurrences): %s", len(episodes), goal)
		if detail := lastErrorDetail(episodes); detail != "" {
			fmt.Fprintf(&b, "\nObserved error: %s", headline(detail))
		}
	case core.CategorySuccessPattern:
		fmt.Fprintf(&b, "Reliable approach (%d corroborating runs): %s", len(episodes), goal)
		if steps := episodes[0].Actions; len(steps) > 0 {
			fmt.Fprintf(&b, "\nTypical sequence: %s", strings.Join(steps, " -> "))
		}
	default:
		fmt.Fprintf(&b, "Recurring behavior (%d occurrences): %s", len(episodes), goal)
	}
	return b.String()
}

func lastErrorDetail(episodes []*core.EpisodeTrace) string {
	for i := len(episodes) - 1; i >= 0; i-- {
		if episodes[i].ErrorDetail != "" {
			return episodes[i].ErrorDetail
		}
	}
	return ""
}
