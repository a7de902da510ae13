// Package vector scores text relevance with embeddings, using chromem-go
// as the in-process vector index. It is the optional higher-quality
// backend; the subsystem always works without it via the lexical scorer.
package vector

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/dgraph-io/ristretto"
	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/similarity"
)

// Scorer ranks candidates by cosine similarity of their embeddings to the
// query embedding. Each Rank call builds an ephemeral chromem collection;
// embeddings themselves are cached (derived data keyed by text, never
// entity state).
type Scorer struct {
	embedder similarity.Embedder
	db       *chromem.DB
	cache    *ristretto.Cache
	log      *zap.Logger
	seq      atomic.Uint64
}

// New creates the vector scorer around a configured embedder.
func New(embedder similarity.Embedder, log *zap.Logger) (*Scorer, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 50_000,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return &Scorer{
		embedder: embedder,
		db:       chromem.NewDB(),
		cache:    cache,
		log:      log,
	}, nil
}

func (s *Scorer) Name() string { return "vector" }

// Rank embeds the query and candidates, indexes the candidates in an
// ephemeral collection, and reads back cosine similarities.
func (s *Scorer) Rank(ctx context.Context, query string, candidates []similarity.Candidate) ([]float64, error) {
	scores := make([]float64, len(candidates))
	if len(candidates) == 0 {
		return scores, nil
	}
	queryEmb, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	name := fmt.Sprintf("rank-%d", s.seq.Add(1))
	col, err := s.db.CreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	defer func() {
		if err := s.db.DeleteCollection(name); err != nil {
			s.log.Warn("delete rank collection", zap.Error(err))
		}
	}()

	for i, c := range candidates {
		emb, err := s.embed(ctx, c.Text)
		if err != nil {
			return nil, fmt.Errorf("embed candidate %s: %w", c.ID, err)
		}
		doc := chromem.Document{
			ID:        strconv.Itoa(i),
			Content:   c.Text,
			Embedding: emb,
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return nil, fmt.Errorf("index candidate %s: %w", c.ID, err)
		}
	}

	results, err := col.QueryEmbedding(ctx, queryEmb, len(candidates), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}
	for _, res := range results {
		idx, err := strconv.Atoi(res.ID)
		if err != nil || idx < 0 || idx >= len(candidates) {
			continue
		}
		scores[idx] = clamp01(float64(res.Similarity))
	}
	return scores, nil
}

func (s *Scorer) embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := s.cache.Get(text); ok {
		return v.([]float32), nil
	}
	emb, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	s.cache.Set(text, emb, int64(len(emb)*4))
	return emb, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
