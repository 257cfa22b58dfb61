package scoring

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hyperjump/featcache/internal/models"
	"github.com/hyperjump/featcache/internal/safetensors"
)

// Model is a loaded score model.
type Model struct {
	Name      string
	Path      string
	Metadata  *Metadata
	Predictor Predictor
}

// LoadModel reads a score model with a linear head.
func LoadModel(path string) (*Model, error) {
	f, err := safetensors.ReadFile(path)
	if err != nil {
		return nil, err
	}
	md, err := ParseMetadata(f.Metadata)
	if err != nil {
		return nil, withPath(err, path)
	}
	p, err := linearFromFile(f, path)
	if err != nil {
		return nil, err
	}
	return &Model{Name: ModelName(path), Path: path, Metadata: md, Predictor: p}, nil
}

// ModelName is the file name of path without extension.
func ModelName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// FeatureSource serves feature vectors, normally a features.Service.
type FeatureSource interface {
	Identity() models.ExtractorIdentity
	Dimension() int
	GetFeatures(ctx context.Context, key string, device models.Device) (models.FeatureVector, error)
}

// Score is one scored image.
type Score struct {
	Key        string  `json:"key"`
	Model      string  `json:"model"`
	Raw        float64 `json:"raw"`
	Normalized float64 `json:"normalized"`
}

// Scorer applies a score model to features from a matching source.
type Scorer struct {
	model    *Model
	features FeatureSource
	device   models.Device
}

// NewScorer fails with an IdentityMismatchError when features does not
// produce the features the model was trained on.
func NewScorer(model *Model, features FeatureSource, device models.Device) (*Scorer, error) {
	want, err := model.Metadata.Identity()
	if err != nil {
		return nil, err
	}
	if got := features.Identity(); !got.Equal(want) {
		return nil, &models.IdentityMismatchError{Source: model.Path, Want: want.String(), Got: got.String()}
	}
	if d := model.Predictor.Dimension(); d != features.Dimension() {
		return nil, &models.IdentityMismatchError{
			Source: model.Path,
			Want:   fmt.Sprintf("%d features", d),
			Got:    fmt.Sprintf("%d features", features.Dimension()),
		}
	}
	return &Scorer{model: model, features: features, device: device}, nil
}

// Model returns the score model.
func (s *Scorer) Model() *Model { return s.model }

// Score computes the normalized score of the image at key.
func (s *Scorer) Score(ctx context.Context, key string) (Score, error) {
	v, err := s.features.GetFeatures(ctx, key, s.device)
	if err != nil {
		return Score{}, err
	}
	raw, err := s.model.Predictor.Predict(ctx, v)
	if err != nil {
		return Score{}, fmt.Errorf("score %s: %w", key, err)
	}
	return Score{Key: key, Model: s.model.Name, Raw: raw, Normalized: s.model.Metadata.Normalize(raw)}, nil
}

// Passes reports whether score reaches threshold.
func Passes(score, threshold float64) bool {
	return score >= threshold
}

// RunningAverage accumulates scores.
type RunningAverage struct {
	total float64
	count int
}

// Add records score and returns the new average.
func (r *RunningAverage) Add(score float64) float64 {
	r.total += score
	r.count++
	return r.Average()
}

func (r *RunningAverage) Average() float64 {
	if r.count == 0 {
		return 0
	}
	return r.total / float64(r.count)
}

func (r *RunningAverage) Count() int { return r.count }

func (r *RunningAverage) Reset() { r.total, r.count = 0, 0 }

// String renders the average as a percentage with the sample count.
func (r *RunningAverage) String() string {
	return fmt.Sprintf("%6.2f%% (%3d)", 100*r.Average(), r.count)
}
