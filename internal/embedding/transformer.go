package embedding

import (
	"context"
	"fmt"
	"image"

	"github.com/hyperjump/featcache/internal/lifecycle"
	"github.com/hyperjump/featcache/internal/models"
)

// VisionTransformerAdapter is the default backend. Its output is the
// concatenation of the projected, pooled hidden states picked by its layer selector.
type VisionTransformerAdapter struct {
	id     string
	layers models.LayerSelector
	info   ModelInfo
	handle *lifecycle.Handle[TransformerModel]
}

func (a *VisionTransformerAdapter) Kind() Kind { return KindVisionTransformer }

func (a *VisionTransformerAdapter) Identity() models.ExtractorIdentity {
	return models.ExtractorIdentity{Backends: []string{a.id}, Layers: a.layers}
}

func (a *VisionTransformerAdapter) Dimension() int {
	return a.info.ProjectionDim * a.layers.Count()
}

// Layers returns the active layer selector.
func (a *VisionTransformerAdapter) Layers() models.LayerSelector { return a.layers }

// State reports the placement of the weights.
func (a *VisionTransformerAdapter) State() (lifecycle.State, models.Device) { return a.handle.State() }

func (a *VisionTransformerAdapter) EnsureReady(ctx context.Context, device models.Device) error {
	return a.handle.EnsureReady(ctx, device)
}

func (a *VisionTransformerAdapter) Release(ctx context.Context) error { return a.handle.Release(ctx) }

func (a *VisionTransformerAdapter) Unload() error { return a.handle.Unload() }

// selectLayers maps the selector onto indices into a stack of n hidden states.
func (a *VisionTransformerAdapter) selectLayers(n int) ([]int, error) {
	switch {
	case len(a.layers.HiddenStates) > 0:
		idx := make([]int, len(a.layers.HiddenStates))
		for i, off := range a.layers.HiddenStates {
			if off >= n {
				return nil, fmt.Errorf("hidden state offset %d out of range (%d states)", off, n)
			}
			idx[i] = n - 1 - off
		}
		return idx, nil
	case a.layers.LastN > 0:
		if a.layers.LastN > n {
			return nil, fmt.Errorf("last %d layers requested, backend returned %d", a.layers.LastN, n)
		}
		idx := make([]int, 0, a.layers.LastN)
		for i := n - a.layers.LastN; i < n; i++ {
			idx = append(idx, i)
		}
		return idx, nil
	default:
		if n == 0 {
			return nil, fmt.Errorf("backend returned no hidden states")
		}
		return []int{n - 1}, nil
	}
}

func (a *VisionTransformerAdapter) Compute(ctx context.Context, img image.Image) (models.FeatureVector, error) {
	state, device := a.handle.State()
	m, ok := a.handle.Model()
	if !ok || state != lifecycle.StateReady {
		return models.FeatureVector{}, fmt.Errorf("%s: %w", a.id, ErrNotReady)
	}
	states, err := m.HiddenStates(ctx, img)
	if err != nil {
		return models.FeatureVector{}, fmt.Errorf("%s: hidden states: %w", a.id, err)
	}
	idx, err := a.selectLayers(len(states))
	if err != nil {
		return models.FeatureVector{}, fmt.Errorf("%s: %w", a.id, err)
	}
	out := make([]float32, 0, a.Dimension())
	for _, i := range idx {
		pooled, err := states[i].Pool()
		if err != nil {
			return models.FeatureVector{}, fmt.Errorf("%s: layer %d: %w", a.id, i, err)
		}
		projected, err := m.Project(pooled)
		if err != nil {
			return models.FeatureVector{}, fmt.Errorf("%s: projection: %w", a.id, err)
		}
		if len(projected) != a.info.ProjectionDim {
			return models.FeatureVector{}, fmt.Errorf("%s: projection returned %d features, want %d", a.id, len(projected), a.info.ProjectionDim)
		}
		out = append(out, projected...)
	}
	return models.NewFeatureVector(out, device), nil
}
