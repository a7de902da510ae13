//go:build !onnx

package cli

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/engramlabs/engram-go/similarity"
)

func buildScorerExtra(backend string, log *zap.Logger) (similarity.Scorer, error) {
	return nil, fmt.Errorf("unknown similarity backend %q (vector-onnx requires building with -tags onnx)", backend)
}
