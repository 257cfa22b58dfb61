package classify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hyperjump/featcache/internal/embedding"
	"github.com/hyperjump/featcache/internal/models"
	"github.com/hyperjump/featcache/internal/scoring"
	"go.uber.org/zap"
)

// SourceFactory returns the feature source for a backend description.
type SourceFactory func(spec embedding.Spec) (scoring.FeatureSource, error)

// Result is the classification of one image.
type Result struct {
	Key           string        `json:"key"`
	Classifier    string        `json:"classifier"`
	Category      string        `json:"category"`
	Probability   float64       `json:"probability"`
	Probabilities Probabilities `json:"probabilities"`
}

// Service classifies images with the classifiers found under a directory.
type Service struct {
	root    string
	cache   *Cache
	sources SourceFactory
	device  models.Device
	logger  *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithDevice sets the device features are requested on.
func WithDevice(d models.Device) Option {
	return func(s *Service) { s.device = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService returns a service over the classifier directories in root.
func NewService(root string, cache *Cache, sources SourceFactory, opts ...Option) *Service {
	s := &Service{root: root, cache: cache, sources: sources, device: models.DeviceCPU, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Classifiers lists the subdirectories of root that hold a categories.json.
func (s *Service) Classifiers() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), CategoriesFile)); err == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Service) dir(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid classifier name %q", name)
	}
	return filepath.Join(s.root, name), nil
}

// Classifier returns the named classifier, reloading it when its categories changed.
func (s *Service) Classifier(name string) (*Classifier, error) {
	dir, err := s.dir(name)
	if err != nil {
		return nil, err
	}
	categories, err := ReadCategories(dir)
	if err != nil {
		return nil, err
	}
	return s.cache.Get(dir, categories)
}

func (s *Service) probabilities(ctx context.Context, name, key string) (*Classifier, Probabilities, error) {
	cl, err := s.Classifier(name)
	if err != nil {
		return nil, nil, err
	}
	spec, err := cl.Spec()
	if err != nil {
		return nil, nil, err
	}
	src, err := s.sources(spec)
	if err != nil {
		return nil, nil, err
	}
	probs, err := cl.Classify(ctx, src, key, s.device)
	if err != nil {
		return nil, nil, err
	}
	return cl, probs, nil
}

// Classify returns every category probability of key and the most likely category.
func (s *Service) Classify(ctx context.Context, name, key string) (Result, error) {
	cl, probs, err := s.probabilities(ctx, name, key)
	if err != nil {
		return Result{}, err
	}
	_, category, p := probs.MostLikely()
	s.logger.Debug("classified image",
		zap.String("key", key),
		zap.String("classifier", cl.Name()),
		zap.String("category", category),
		zap.Float64("probability", p))
	return Result{Key: key, Classifier: cl.Name(), Category: category, Probability: p, Probabilities: probs}, nil
}

// CategoryScores returns the probability of category for each key in order.
// An unknown category scores 0.
func (s *Service) CategoryScores(ctx context.Context, name, category string, keys []string) ([]float64, error) {
	out := make([]float64, 0, len(keys))
	for _, key := range keys {
		_, probs, err := s.probabilities(ctx, name, key)
		if err != nil {
			return out, fmt.Errorf("classify %s: %w", key, err)
		}
		out = append(out, probs.Of(category))
	}
	return out, nil
}
