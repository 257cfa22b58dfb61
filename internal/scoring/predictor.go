package scoring

import (
	"context"
	"fmt"

	"github.com/hyperjump/featcache/internal/models"
	"github.com/hyperjump/featcache/internal/safetensors"
)

// Predictor is a regression head: it turns a feature vector into a raw score.
type Predictor interface {
	Predict(ctx context.Context, v models.FeatureVector) (float64, error)
	Dimension() int
}

// Tensor names of a linear head.
const (
	WeightTensor = "weight"
	BiasTensor   = "bias"
)

// LinearPredictor computes w·v + b.
type LinearPredictor struct {
	weight []float32
	bias   float64
}

// NewLinearPredictor returns a linear head with the given weights.
func NewLinearPredictor(weight []float32, bias float64) *LinearPredictor {
	return &LinearPredictor{weight: weight, bias: bias}
}

// LoadLinearPredictor reads the weight and optional bias tensors of a score model.
func LoadLinearPredictor(path string) (*LinearPredictor, error) {
	f, err := safetensors.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return linearFromFile(f, path)
}

func linearFromFile(f *safetensors.File, path string) (*LinearPredictor, error) {
	info, ok := f.Tensors[WeightTensor]
	if !ok {
		return nil, fmt.Errorf("%s: no %q tensor", path, WeightTensor)
	}
	if len(info.Shape) == 2 && info.Shape[0] != 1 {
		return nil, fmt.Errorf("%s: %q must have one output, shape is %v", path, WeightTensor, info.Shape)
	}
	w, err := f.Float32s(WeightTensor)
	if err != nil {
		return nil, err
	}
	p := &LinearPredictor{weight: w}
	if _, ok := f.Tensors[BiasTensor]; ok {
		b, err := f.Float32s(BiasTensor)
		if err != nil {
			return nil, err
		}
		if len(b) != 1 {
			return nil, fmt.Errorf("%s: %q has %d values, want 1", path, BiasTensor, len(b))
		}
		p.bias = float64(b[0])
	}
	return p, nil
}

func (p *LinearPredictor) Dimension() int { return len(p.weight) }

func (p *LinearPredictor) Predict(_ context.Context, v models.FeatureVector) (float64, error) {
	if v.Dim() != len(p.weight) {
		return 0, fmt.Errorf("score model expects %d features, got %d", len(p.weight), v.Dim())
	}
	sum := p.bias
	for i, x := range v.Values {
		sum += float64(p.weight[i]) * float64(x)
	}
	return sum, nil
}
