package embedding

import (
	"fmt"
	"math"

	"github.com/hyperjump/featcache/internal/safetensors"
)

// Tensor names read from a projection file.
const (
	ProjectionWeight = "visual_projection.weight"
	LayerNormWeight  = "post_layernorm.weight"
	LayerNormBias    = "post_layernorm.bias"
)

const layerNormEps = 1e-5

// Projection maps a pooled hidden state into the embedding space: an optional
// layer norm followed by a bias-free linear map.
type Projection struct {
	in, out int
	weight  []float32 // out x in, row major
	lnW     []float32
	lnB     []float32
}

// NewProjection builds a projection from a row-major out x in weight matrix.
// lnW and lnB may be nil to skip the layer norm.
func NewProjection(weight []float32, out, in int, lnW, lnB []float32) (*Projection, error) {
	if out <= 0 || in <= 0 || len(weight) != out*in {
		return nil, fmt.Errorf("projection weight has %d values, want %dx%d", len(weight), out, in)
	}
	if (lnW == nil) != (lnB == nil) {
		return nil, fmt.Errorf("layer norm needs both weight and bias")
	}
	if lnW != nil && (len(lnW) != in || len(lnB) != in) {
		return nil, fmt.Errorf("layer norm width %d/%d, want %d", len(lnW), len(lnB), in)
	}
	return &Projection{in: in, out: out, weight: weight, lnW: lnW, lnB: lnB}, nil
}

// LoadProjection reads a projection from a safetensors file.
func LoadProjection(path string) (*Projection, error) {
	f, err := safetensors.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info, ok := f.Tensors[ProjectionWeight]
	if !ok || len(info.Shape) != 2 {
		return nil, fmt.Errorf("%s: missing 2-d tensor %s", path, ProjectionWeight)
	}
	weight, err := f.Float32s(ProjectionWeight)
	if err != nil {
		return nil, err
	}
	var lnW, lnB []float32
	if _, ok := f.Tensors[LayerNormWeight]; ok {
		if lnW, err = f.Float32s(LayerNormWeight); err != nil {
			return nil, err
		}
		if lnB, err = f.Float32s(LayerNormBias); err != nil {
			return nil, err
		}
	}
	p, err := NewProjection(weight, int(info.Shape[0]), int(info.Shape[1]), lnW, lnB)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Dims returns the input and output widths.
func (p *Projection) Dims() (in, out int) { return p.in, p.out }

// Apply projects x.
func (p *Projection) Apply(x []float32) ([]float32, error) {
	if len(x) != p.in {
		return nil, fmt.Errorf("projection input has %d values, want %d", len(x), p.in)
	}
	if p.lnW != nil {
		x = layerNorm(x, p.lnW, p.lnB)
	}
	out := make([]float32, p.out)
	for o := range out {
		row := p.weight[o*p.in : (o+1)*p.in]
		var sum float32
		for i, v := range x {
			sum += row[i] * v
		}
		out[o] = sum
	}
	return out, nil
}

func layerNorm(x, w, b []float32) []float32 {
	var mean float64
	for _, v := range x {
		mean += float64(v)
	}
	mean /= float64(len(x))
	var variance float64
	for _, v := range x {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(len(x))
	inv := 1 / math.Sqrt(variance+layerNormEps)
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = float32((float64(v)-mean)*inv)*w[i] + b[i]
	}
	return out
}
