package scoring

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hyperjump/featcache/internal/metrics"
	"github.com/hyperjump/featcache/internal/models"
	"go.uber.org/zap"
)

// ModelExt is the file extension of score models.
const ModelExt = ".safetensors"

// SourceFactory returns the feature source a score model needs.
type SourceFactory func(md *Metadata) (FeatureSource, error)

// Recorder persists scores.
type Recorder interface {
	SaveScore(ctx context.Context, rec *models.ScoreRecord) error
}

// Service scores images with named score models found in a directory.
type Service struct {
	dir      string
	models   *ModelCache
	sources  SourceFactory
	recorder Recorder
	device   models.Device
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRecorder persists every score.
func WithRecorder(r Recorder) ServiceOption {
	return func(s *Service) { s.recorder = r }
}

// WithDevice sets the device features are requested on.
func WithDevice(d models.Device) ServiceOption {
	return func(s *Service) { s.device = d }
}

func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService returns a service over the score models in dir.
func NewService(dir string, cache *ModelCache, sources SourceFactory, opts ...ServiceOption) *Service {
	s := &Service{
		dir:     dir,
		models:  cache,
		sources: sources,
		device:  models.DeviceCPU,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ModelPath resolves a model name to its file. The extension may be omitted.
func (s *Service) ModelPath(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == ".." {
		return "", fmt.Errorf("invalid score model name %q", name)
	}
	if !strings.HasSuffix(name, ModelExt) {
		name += ModelExt
	}
	return filepath.Join(s.dir, name), nil
}

// Models lists the available score model names.
func (s *Service) Models() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ModelExt) {
			out = append(out, strings.TrimSuffix(e.Name(), ModelExt))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Scorer returns a scorer for the named model, wired to a matching feature source.
func (s *Service) Scorer(name string) (*Scorer, error) {
	path, err := s.ModelPath(name)
	if err != nil {
		return nil, err
	}
	m, err := s.models.Get(path)
	if err != nil {
		return nil, err
	}
	src, err := s.sources(m.Metadata)
	if err != nil {
		return nil, err
	}
	return NewScorer(m, src, s.device)
}

// Score scores key with the named model and records the result.
func (s *Service) Score(ctx context.Context, name, key string) (Score, error) {
	scorer, err := s.Scorer(name)
	if err != nil {
		return Score{}, err
	}
	score, err := scorer.Score(ctx, key)
	if err != nil {
		return Score{}, err
	}
	s.metrics.Scored(score.Model)
	s.logger.Debug("scored image",
		zap.String("key", key),
		zap.String("model", score.Model),
		zap.Float64("score", score.Normalized))
	if s.recorder != nil {
		rec := &models.ScoreRecord{
			ImageKey:   key,
			Model:      score.Model,
			Extractor:  scorer.features.Identity().String(),
			Raw:        score.Raw,
			Normalized: score.Normalized,
		}
		if err := s.recorder.SaveScore(ctx, rec); err != nil {
			return score, fmt.Errorf("record score: %w", err)
		}
	}
	return score, nil
}
