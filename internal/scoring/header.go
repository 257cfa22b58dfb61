// Package scoring turns feature vectors into normalized aesthetic scores
// using a regression head stored in a safetensors score-model file.
package scoring

import (
	"strconv"

	"github.com/hyperjump/featcache/internal/embedding"
	"github.com/hyperjump/featcache/internal/models"
	"github.com/hyperjump/featcache/internal/safetensors"
)

// Metadata keys of a score-model file.
const (
	KeyClipModel       = "clip_model"
	KeyMean            = "mean_predicted_score"
	KeyStdev           = "stdev_predicted_score"
	KeyHiddenStates    = "hidden_states"
	KeyWeightNOutLayer = "weight_n_output_layers"
)

// DefaultClipModel is assumed when a score model does not name its backbone.
const DefaultClipModel = "ViT-L/14"

// Metadata is the header metadata of a score model.
type Metadata struct {
	ClipModel string
	Mean      float64
	Stdev     float64
	Layers    models.LayerSelector
	Raw       map[string]string
}

// ReadHeader reads only the header of the score model at path.
func ReadHeader(path string) (*Metadata, error) {
	h, err := safetensors.ReadHeader(path)
	if err != nil {
		return nil, err
	}
	md, err := ParseMetadata(h.Metadata)
	if err != nil {
		return nil, withPath(err, path)
	}
	return md, nil
}

func withPath(err error, path string) error {
	if he, ok := err.(*models.HeaderError); ok && he.Path == "" {
		he.Path = path
	}
	return err
}

// ParseMetadata validates raw header metadata. The mean and standard
// deviation are required; the standard deviation must be non-zero.
func ParseMetadata(raw map[string]string) (*Metadata, error) {
	md := &Metadata{ClipModel: raw[KeyClipModel], Raw: raw}
	if md.ClipModel == "" {
		md.ClipModel = DefaultClipModel
	}
	var err error
	if md.Mean, err = parseFloat(raw, KeyMean); err != nil {
		return nil, err
	}
	if md.Stdev, err = parseFloat(raw, KeyStdev); err != nil {
		return nil, err
	}
	if md.Stdev == 0 {
		return nil, &models.HeaderError{Msg: KeyStdev + " is zero"}
	}
	if hs := raw[KeyHiddenStates]; hs != "" {
		if md.Layers.HiddenStates, err = models.ParseHiddenStates(hs); err != nil {
			return nil, &models.HeaderError{Msg: err.Error()}
		}
	}
	if n := raw[KeyWeightNOutLayer]; n != "" {
		if md.Layers.LastN, err = strconv.Atoi(n); err != nil {
			return nil, &models.HeaderError{Msg: "invalid " + KeyWeightNOutLayer + " " + strconv.Quote(n)}
		}
	}
	if err := md.Layers.Validate(); err != nil {
		return nil, err
	}
	return md, nil
}

func parseFloat(raw map[string]string, key string) (float64, error) {
	s, ok := raw[key]
	if !ok {
		return 0, &models.HeaderError{Msg: "missing " + key}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &models.HeaderError{Msg: "invalid " + key + " " + strconv.Quote(s)}
	}
	return f, nil
}

// Normalize maps a raw model output to (raw - mean) / stdev. The result is
// reported at single precision, the precision of the regression head.
func (m *Metadata) Normalize(raw float64) float64 {
	return float64(float32((raw - m.Mean) / m.Stdev))
}

// Spec returns the backend description the score model was trained on.
func (m *Metadata) Spec() (embedding.Spec, error) {
	return embedding.ParseSpec([]string{m.ClipModel}, m.Layers)
}

// Identity returns the extractor identity whose features the model consumes.
func (m *Metadata) Identity() (models.ExtractorIdentity, error) {
	spec, err := m.Spec()
	if err != nil {
		return models.ExtractorIdentity{}, err
	}
	return spec.Identity(), nil
}
