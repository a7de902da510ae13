package similarity

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/dgraph-io/ristretto"
)

// Lexical scores relevance by token overlap. It needs no model, no
// network, and no files, so it is the always-available default backend.
//
// Token sets are derived data, cached in ristretto keyed by the source
// text; the cache never holds entity state.
type Lexical struct {
	cache *ristretto.Cache
}

// NewLexical creates the lexical scorer.
func NewLexical() (*Lexical, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     4 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("token cache: %w", err)
	}
	return &Lexical{cache: cache}, nil
}

func (l *Lexical) Name() string { return "lexical" }

// Rank scores candidates by a blend of Jaccard overlap and containment, so
// a short query matching a long candidate still scores well.
func (l *Lexical) Rank(ctx context.Context, query string, candidates []Candidate) ([]float64, error) {
	q := l.tokens(query)
	out := make([]float64, len(candidates))
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = overlap(q, l.tokens(c.Text))
	}
	return out, nil
}

func overlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	var shared int
	for tok := range small {
		if _, ok := large[tok]; ok {
			shared++
		}
	}
	if shared == 0 {
		return 0
	}
	jaccard := float64(shared) / float64(len(a)+len(b)-shared)
	containment := float64(shared) / float64(len(small))
	return 0.5*jaccard + 0.5*containment
}

func (l *Lexical) tokens(text string) map[string]struct{} {
	if v, ok := l.cache.Get(text); ok {
		return v.(map[string]struct{})
	}
	set := tokenize(text)
	l.cache.Set(text, set, int64(len(set)+1))
	return set
}

func tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		set[f] = struct{}{}
	}
	return set
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "that": true, "the": true,
	"to": true, "was": true, "were": true, "with": true,
}
