//go:build onnx

package cli

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/similarity"
	"github.com/engramlabs/engram-go/similarity/embedder/onnx"
	"github.com/engramlabs/engram-go/similarity/vector"
)

// vector-onnx ranks with real sentence embeddings. Model paths come from
// the environment so hook scripts can point at a shared model directory.
func buildScorerExtra(backend string, log *zap.Logger) (similarity.Scorer, error) {
	if backend != "vector-onnx" {
		return nil, fmt.Errorf("unknown similarity backend %q", backend)
	}
	embedder, err := onnx.New(onnx.Config{
		ModelPath:         os.Getenv("ENGRAM_ONNX_MODEL"),
		TokenizerPath:     os.Getenv("ENGRAM_ONNX_TOKENIZER"),
		SharedLibraryPath: os.Getenv("ENGRAM_ONNX_LIBRARY"),
	}, log.Named("onnx"))
	if err != nil {
		return nil, fmt.Errorf("onnx embedder: %w", err)
	}
	return vector.New(embedder, log.Named("vector"))
}
