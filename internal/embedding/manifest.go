package embedding

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperjump/featcache/internal/models"
	"gopkg.in/yaml.v3"
)

// Files inside a backend directory.
const (
	ManifestFile   = "model.yaml"
	VisionFile     = "vision.onnx"
	ProjectionFile = "projection.safetensors"
)

// Manifest describes an exported backend. It lives next to the weights in
// <models_dir>/<sanitized backend id>/model.yaml.
type Manifest struct {
	ImageSize       int        `yaml:"image_size"`
	Mean            [3]float32 `yaml:"mean"`
	Std             [3]float32 `yaml:"std"`
	NumHiddenStates int        `yaml:"num_hidden_states"`
	NumPositions    int        `yaml:"num_positions"`
	HiddenSize      int        `yaml:"hidden_size"`
	ProjectionDim   int        `yaml:"projection_dim"`
	FeatureDim      int        `yaml:"feature_dim"`
	Input           string     `yaml:"input"`
	Output          string     `yaml:"output"`
}

// ModelDir resolves backend identifiers to directories under a root.
type ModelDir struct {
	Root    string
	Aliases map[string]string
}

// Resolve returns the directory holding the weights of id.
func (d ModelDir) Resolve(id string) string {
	if alias, ok := d.Aliases[id]; ok {
		id = alias
	}
	return filepath.Join(d.Root, models.SanitizeName(id))
}

// LoadManifest reads and validates the manifest of id for the given kind.
func (d ModelDir) LoadManifest(id string, kind Kind) (*Manifest, error) {
	path := filepath.Join(d.Resolve(id), ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", id, err)
	}
	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("backend %q: parse %s: %w", id, path, err)
	}
	m.applyDefaults(kind)
	if err := m.validate(kind); err != nil {
		return nil, fmt.Errorf("backend %q: %w", id, err)
	}
	return m, nil
}

func (m *Manifest) applyDefaults(kind Kind) {
	if m.ImageSize == 0 {
		m.ImageSize = 224
	}
	if m.Std == ([3]float32{}) {
		m.Mean, m.Std = DefaultMean, DefaultStd
	}
	if m.Input == "" {
		m.Input = "pixel_values"
	}
	if m.Output == "" {
		if kind == KindAlternative {
			m.Output = "penultimate"
		} else {
			m.Output = "hidden_states"
		}
	}
}

func (m *Manifest) validate(kind Kind) error {
	if kind == KindAlternative {
		if m.FeatureDim <= 0 {
			return fmt.Errorf("feature_dim must be positive")
		}
		return nil
	}
	if m.NumHiddenStates <= 0 || m.NumPositions <= 0 || m.HiddenSize <= 0 {
		return fmt.Errorf("num_hidden_states, num_positions and hidden_size must be positive")
	}
	if m.ProjectionDim <= 0 {
		return fmt.Errorf("projection_dim must be positive")
	}
	return nil
}

// Info converts the manifest to a ModelInfo.
func (m *Manifest) Info() ModelInfo {
	return ModelInfo{ProjectionDim: m.ProjectionDim, NumHiddenStates: m.NumHiddenStates, FeatureDim: m.FeatureDim}
}

// Inspect reads only the manifest, so it is usable without the onnx runtime.
func (d ModelDir) Inspect(id string, kind Kind) (ModelInfo, error) {
	m, err := d.LoadManifest(id, kind)
	if err != nil {
		return ModelInfo{}, err
	}
	return m.Info(), nil
}
