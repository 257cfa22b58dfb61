//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var errNoCGO = errors.New("ONNX runtime requires CGO; build with CGO_ENABLED=1 and onnxruntime")

// ONNXRuntime stub type when built without CGO (see onnx.go for real implementation).
type ONNXRuntime struct {
	dir ModelDir
}

// NewONNXRuntime returns an error when built without CGO (ONNX not available).
func NewONNXRuntime(_ ModelDir, _ string, _ *zap.Logger) (*ONNXRuntime, error) {
	return nil, errNoCGO
}

func (r *ONNXRuntime) Inspect(id string, kind Kind) (ModelInfo, error) {
	return r.dir.Inspect(id, kind)
}

func (r *ONNXRuntime) LoadTransformer(context.Context, string) (TransformerModel, error) {
	return nil, errNoCGO
}

func (r *ONNXRuntime) LoadPenultimate(context.Context, string) (PenultimateModel, error) {
	return nil, errNoCGO
}
