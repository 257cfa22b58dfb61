package embedding

import (
	"context"
	"fmt"
	"image"

	"github.com/hyperjump/featcache/internal/lifecycle"
	"github.com/hyperjump/featcache/internal/models"
)

// AlternativeArchitectureAdapter wraps a backend that exposes one fixed
// penultimate representation. Layer selection does not apply to it.
type AlternativeArchitectureAdapter struct {
	id     string
	info   ModelInfo
	handle *lifecycle.Handle[PenultimateModel]
}

func (a *AlternativeArchitectureAdapter) Kind() Kind { return KindAlternative }

func (a *AlternativeArchitectureAdapter) Identity() models.ExtractorIdentity {
	return models.ExtractorIdentity{Backends: []string{a.id}}
}

func (a *AlternativeArchitectureAdapter) Dimension() int { return a.info.FeatureDim }

// State reports the placement of the weights.
func (a *AlternativeArchitectureAdapter) State() (lifecycle.State, models.Device) {
	return a.handle.State()
}

func (a *AlternativeArchitectureAdapter) EnsureReady(ctx context.Context, device models.Device) error {
	return a.handle.EnsureReady(ctx, device)
}

func (a *AlternativeArchitectureAdapter) Release(ctx context.Context) error {
	return a.handle.Release(ctx)
}

func (a *AlternativeArchitectureAdapter) Unload() error { return a.handle.Unload() }

func (a *AlternativeArchitectureAdapter) Compute(ctx context.Context, img image.Image) (models.FeatureVector, error) {
	state, device := a.handle.State()
	m, ok := a.handle.Model()
	if !ok || state != lifecycle.StateReady {
		return models.FeatureVector{}, fmt.Errorf("%s: %w", a.id, ErrNotReady)
	}
	features, err := m.Penultimate(ctx, img)
	if err != nil {
		return models.FeatureVector{}, fmt.Errorf("%s: %w", a.id, err)
	}
	if len(features) != a.info.FeatureDim {
		return models.FeatureVector{}, fmt.Errorf("%s: got %d features, want %d", a.id, len(features), a.info.FeatureDim)
	}
	return models.NewFeatureVector(features, device), nil
}
