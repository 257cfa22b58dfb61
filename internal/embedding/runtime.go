package embedding

import (
	"context"
	"errors"
	"image"

	"github.com/hyperjump/featcache/internal/lifecycle"
)

// ModelInfo is what a runtime can report about a backend without loading its weights.
type ModelInfo struct {
	// ProjectionDim is the embedding width after projection (transformer backends).
	ProjectionDim int
	// NumHiddenStates is the number of hidden states the backend exposes, embeddings included.
	NumHiddenStates int
	// FeatureDim is the width of the penultimate representation (alternative backends).
	FeatureDim int
}

// HiddenState is one layer's output: one row per position, position 0 being
// the summary token.
type HiddenState [][]float32

// Pool extracts the summary token.
func (h HiddenState) Pool() ([]float32, error) {
	if len(h) == 0 || len(h[0]) == 0 {
		return nil, errors.New("empty hidden state")
	}
	return h[0], nil
}

// TransformerModel is a loaded vision transformer.
type TransformerModel interface {
	lifecycle.Placeable
	// HiddenStates runs the vision tower and returns every hidden state in stack order.
	HiddenStates(ctx context.Context, img image.Image) ([]HiddenState, error)
	// Project maps a pooled representation into the embedding space.
	Project(pooled []float32) ([]float32, error)
}

// PenultimateModel is a loaded backend exposing one fixed penultimate representation.
type PenultimateModel interface {
	lifecycle.Placeable
	Penultimate(ctx context.Context, img image.Image) ([]float32, error)
}

// Runtime locates and loads backend weights.
type Runtime interface {
	// Inspect describes a backend cheaply. It fails when the backend does not exist.
	Inspect(id string, kind Kind) (ModelInfo, error)
	LoadTransformer(ctx context.Context, id string) (TransformerModel, error)
	LoadPenultimate(ctx context.Context, id string) (PenultimateModel, error)
}
