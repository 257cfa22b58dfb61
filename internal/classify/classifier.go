package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hyperjump/featcache/internal/embedding"
	"github.com/hyperjump/featcache/internal/models"
	"github.com/hyperjump/featcache/internal/safetensors"
	"github.com/hyperjump/featcache/internal/scoring"
)

// Files of a classifier directory.
const (
	CategoriesFile = "categories.json"
	HeadFile       = "head.safetensors"
)

// Classifier is a loaded classification head.
type Classifier struct {
	Dir        string
	Categories []string
	ClipModel  string
	Layers     models.LayerSelector

	weight  []float32
	bias    []float32
	outputs int
}

type categoriesDoc struct {
	Categories []string `json:"categories"`
}

// ReadCategories reads the category names of the classifier in dir. A
// missing file yields no names, so outputs are labelled by index.
func ReadCategories(dir string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, CategoriesFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var doc categoriesDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Join(dir, CategoriesFile), err)
	}
	return doc.Categories, nil
}

// Load reads the head in dir. The weight tensor is [outputs, features]; the
// optional bias has one value per output.
func Load(dir string, categories []string) (*Classifier, error) {
	path := filepath.Join(dir, HeadFile)
	f, err := safetensors.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info, ok := f.Tensors[scoring.WeightTensor]
	if !ok {
		return nil, &models.HeaderError{Path: path, Msg: "no " + strconv.Quote(scoring.WeightTensor) + " tensor"}
	}
	if len(info.Shape) != 2 || info.Shape[0] <= 0 || info.Shape[1] <= 0 {
		return nil, &models.HeaderError{Path: path, Msg: fmt.Sprintf("%q must be [outputs, features], shape is %v", scoring.WeightTensor, info.Shape)}
	}
	c := &Classifier{Dir: dir, Categories: categories, outputs: int(info.Shape[0])}
	if c.weight, err = f.Float32s(scoring.WeightTensor); err != nil {
		return nil, err
	}
	if _, ok := f.Tensors[scoring.BiasTensor]; ok {
		if c.bias, err = f.Float32s(scoring.BiasTensor); err != nil {
			return nil, err
		}
		if len(c.bias) != c.outputs {
			return nil, &models.HeaderError{Path: path, Msg: fmt.Sprintf("%q has %d values, want %d", scoring.BiasTensor, len(c.bias), c.outputs)}
		}
	}
	if err := c.parseMetadata(f.Metadata); err != nil {
		if he, ok := err.(*models.HeaderError); ok && he.Path == "" {
			he.Path = path
		}
		return nil, err
	}
	return c, nil
}

func (c *Classifier) parseMetadata(raw map[string]string) error {
	c.ClipModel = raw[scoring.KeyClipModel]
	if c.ClipModel == "" {
		c.ClipModel = scoring.DefaultClipModel
	}
	var err error
	if hs := raw[scoring.KeyHiddenStates]; hs != "" {
		if c.Layers.HiddenStates, err = models.ParseHiddenStates(hs); err != nil {
			return &models.HeaderError{Msg: err.Error()}
		}
	}
	if n := raw[scoring.KeyWeightNOutLayer]; n != "" {
		if c.Layers.LastN, err = strconv.Atoi(n); err != nil {
			return &models.HeaderError{Msg: "invalid " + scoring.KeyWeightNOutLayer + " " + strconv.Quote(n)}
		}
	}
	return nil
}

// Name is the directory name of the classifier.
func (c *Classifier) Name() string { return filepath.Base(c.Dir) }

// Dimension is the feature width the head expects.
func (c *Classifier) Dimension() int { return len(c.weight) / c.outputs }

// Outputs is the number of categories the head scores.
func (c *Classifier) Outputs() int { return c.outputs }

// Spec returns the backend description the head was trained on.
func (c *Classifier) Spec() (embedding.Spec, error) {
	return embedding.ParseSpec([]string{c.ClipModel}, c.Layers)
}

// Probabilities applies the head to v.
func (c *Classifier) Probabilities(v models.FeatureVector) (Probabilities, error) {
	d := c.Dimension()
	if v.Dim() != d {
		return nil, fmt.Errorf("classifier %s expects %d features, got %d", c.Name(), d, v.Dim())
	}
	logits := make([]float64, c.outputs)
	for o := range logits {
		row := c.weight[o*d : (o+1)*d]
		var sum float64
		if c.bias != nil {
			sum = float64(c.bias[o])
		}
		for i, x := range v.Values {
			sum += float64(row[i]) * float64(x)
		}
		logits[o] = sum
	}
	return Label(Softmax(logits), c.Categories), nil
}

// Classify fetches the features of key from src and applies the head. It fails
// with an IdentityMismatchError when src is not the extractor the head needs.
func (c *Classifier) Classify(ctx context.Context, src scoring.FeatureSource, key string, device models.Device) (Probabilities, error) {
	spec, err := c.Spec()
	if err != nil {
		return nil, err
	}
	if want, got := spec.Identity(), src.Identity(); !got.Equal(want) {
		return nil, &models.IdentityMismatchError{Source: c.Dir, Want: want.String(), Got: got.String()}
	}
	v, err := src.GetFeatures(ctx, key, device)
	if err != nil {
		return nil, err
	}
	return c.Probabilities(v)
}
