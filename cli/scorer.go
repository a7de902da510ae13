package cli

import (
	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/similarity"
	"github.com/engramlabs/engram-go/similarity/embedder/mock"
	"github.com/engramlabs/engram-go/similarity/vector"
)

// buildScorer resolves the --backend flag. "vector" uses the deterministic
// mock embedder, good enough for structure-level relevance without model
// files; build with -tags onnx for real sentence embeddings.
func buildScorer(backend string, log *zap.Logger) (similarity.Scorer, error) {
	switch backend {
	case "", "lexical":
		return similarity.NewLexical()
	case "vector":
		return vector.New(mock.New(384), log.Named("vector"))
	default:
		return buildScorerExtra(backend, log)
	}
}
