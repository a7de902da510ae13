// Package similarity provides the pluggable text-relevance scoring used by
// the retriever and the consolidation clusterer.
//
// Two backends exist: a dependency-free lexical-overlap scorer (always
// available) and an embedding-based scorer in the vector subpackage
// (loaded only when an embedder is configured). The backend is selected at
// startup, never hardcoded at call sites.
package similarity

import "context"

// Candidate is one text to score against a query.
type Candidate struct {
	ID   string
	Text string
}

// Scorer ranks candidate texts by relevance to a query.
type Scorer interface {
	// Name identifies the backend for logs and CLI output.
	Name() string

	// Rank returns one score in [0, 1] per candidate, in input order.
	Rank(ctx context.Context, query string, candidates []Candidate) ([]float64, error)
}

// Embedder converts text to a vector. Implementations live under
// similarity/embedder; the subsystem never implements an embedding model
// itself.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
