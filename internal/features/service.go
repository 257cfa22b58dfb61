// Package features serves feature vectors for images, computing them on a
// cache miss and persisting them in a per-extractor feature cache.
package features

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hyperjump/featcache/internal/cache"
	"github.com/hyperjump/featcache/internal/embedding"
	"github.com/hyperjump/featcache/internal/fileid"
	"github.com/hyperjump/featcache/internal/metrics"
	"github.com/hyperjump/featcache/internal/models"
	"go.uber.org/zap"
)

// Service orchestrates cache lookup, computation on a miss, bulk precaching
// and persistence. It is safe for concurrent use; calls are serialized.
type Service struct {
	adapter embedding.Adapter
	store   *cache.Store
	images  ImageSource
	device  models.Device
	logger  *zap.Logger
	metrics *metrics.Metrics
	name    string

	mu      sync.Mutex
	warned  bool
	inBatch bool
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithDevice sets the compute device used by Precache. Defaults to cpu.
func WithDevice(d models.Device) Option {
	return func(s *Service) { s.device = d }
}

// New returns a service over adapter. A nil store disables caching: every
// request is computed and Precache does nothing.
func New(adapter embedding.Adapter, store *cache.Store, images ImageSource, opts ...Option) (*Service, error) {
	s := &Service{
		adapter: adapter,
		store:   store,
		images:  images,
		device:  models.DeviceCPU,
		logger:  zap.NewNop(),
		name:    adapter.Identity().String(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if store != nil {
		if want := adapter.Identity(); !store.Identity().Equal(want) {
			return nil, &models.IdentityMismatchError{Source: store.Path(), Want: want.String(), Got: store.Identity().String()}
		}
		if store.Dimension() != 0 && store.Dimension() != adapter.Dimension() {
			return nil, &models.IdentityMismatchError{
				Source: store.Path(),
				Want:   fmt.Sprintf("%d features", adapter.Dimension()),
				Got:    fmt.Sprintf("%d features", store.Dimension()),
			}
		}
		s.metrics.SetRecords(s.name, store.Len())
	}
	return s, nil
}

// OpenStore opens the cache file for adapter's identity inside dir.
func OpenStore(dir string, adapter embedding.Adapter, c cache.Compression, logger *zap.Logger) (*cache.Store, error) {
	id := adapter.Identity()
	opts := []cache.Option{cache.WithCompression(c), cache.WithDimension(adapter.Dimension())}
	if logger != nil {
		opts = append(opts, cache.WithLogger(logger))
	}
	return cache.Open(filepath.Join(dir, cache.FileName(id, c)), id, opts...)
}

// Identity returns the extractor identity of the backend.
func (s *Service) Identity() models.ExtractorIdentity { return s.adapter.Identity() }

// Dimension returns the width of the vectors this service produces.
func (s *Service) Dimension() int { return s.adapter.Dimension() }

// CacheEnabled reports whether results are cached.
func (s *Service) CacheEnabled() bool { return s.store != nil }

// GetFeatures returns the vector for key placed on device. A cached vector is
// moved to device, never recomputed. A miss computes the vector, leaves the
// backend ready on device and inserts the result without flushing.
func (s *Service) GetFeatures(ctx context.Context, key string, device models.Device) (models.FeatureVector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store == nil {
		s.metrics.Bypass(s.name)
		return s.compute(ctx, key, device)
	}
	if v, ok := s.store.Get(key); ok {
		s.metrics.Hit(s.name)
		return s.reconcile(key, v, device), nil
	}
	s.metrics.Miss(s.name)
	if !s.inBatch && !s.warned {
		s.warned = true
		s.logger.Warn("feature cache miss outside a precache batch; precaching the image set first is much faster",
			zap.String("extractor", s.name),
			zap.String("key", key))
	}
	v, err := s.compute(ctx, key, device)
	if err != nil {
		return models.FeatureVector{}, err
	}
	if err := s.store.Put(key, v); err != nil {
		return models.FeatureVector{}, err
	}
	s.metrics.SetRecords(s.name, s.store.Len())
	return v, nil
}

func (s *Service) reconcile(key string, v models.FeatureVector, device models.Device) models.FeatureVector {
	if v.Device == device {
		return v
	}
	s.logger.Debug("moving cached features",
		zap.String("key", key),
		zap.String("from", string(v.Device)),
		zap.String("to", string(device)))
	return v.To(device)
}

// compute must be called with s.mu held.
func (s *Service) compute(ctx context.Context, key string, device models.Device) (models.FeatureVector, error) {
	img, err := s.images.Image(ctx, key)
	if err != nil {
		return models.FeatureVector{}, fmt.Errorf("load image %s: %w", key, err)
	}
	if err := s.adapter.EnsureReady(ctx, device); err != nil {
		return models.FeatureVector{}, errors.Join(err, s.adapter.Release(ctx))
	}
	s.metrics.Placement(s.name, "ready")
	start := time.Now()
	v, err := s.adapter.Compute(ctx, img)
	if err != nil {
		return models.FeatureVector{}, errors.Join(fmt.Errorf("compute %s: %w", key, err), s.adapter.Release(ctx))
	}
	s.metrics.ObserveCompute(s.name, time.Since(start).Seconds())
	s.logger.Debug("computed features", zap.String("key", key), zap.Int("dimension", v.Dim()))
	return v, nil
}

// PrecacheResult summarizes a Precache call.
type PrecacheResult struct {
	Requested int `json:"requested"`
	Computed  int `json:"computed"`
	Skipped   int `json:"skipped"`
	Records   int `json:"records"`
}

// Precache computes the vectors of every key not yet cached, then flushes the
// cache exactly once. Cached entries are never touched. The backend is always
// parked on the offload device after the batch; with releaseAfter its weights
// are dropped as well. When computing fails part way the vectors computed so
// far are still flushed.
func (s *Service) Precache(ctx context.Context, keys []string, releaseAfter bool) (PrecacheResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := PrecacheResult{Requested: len(keys)}
	if s.store == nil {
		s.logger.Info("feature cache disabled, nothing to precache", zap.String("extractor", s.name))
		res.Skipped = len(keys)
		return res, nil
	}
	pending := s.missing(keys)
	res.Skipped = len(keys) - len(pending)

	s.inBatch = true
	defer func() { s.inBatch = false }()

	var computeErr error
	if len(pending) > 0 {
		s.logger.Info("precaching features",
			zap.String("extractor", s.name),
			zap.Int("new", len(pending)),
			zap.Int("cached", s.store.Len()))
		computeErr = embedding.Acquire(ctx, s.adapter, s.device, func() error {
			s.metrics.Placement(s.name, "ready")
			for _, key := range pending {
				if err := ctx.Err(); err != nil {
					return err
				}
				img, err := s.images.Image(ctx, key)
				if err != nil {
					return fmt.Errorf("load image %s: %w", key, err)
				}
				start := time.Now()
				v, err := s.adapter.Compute(ctx, img)
				if err != nil {
					return fmt.Errorf("compute %s: %w", key, err)
				}
				s.metrics.ObserveCompute(s.name, time.Since(start).Seconds())
				if err := s.store.Put(key, v); err != nil {
					return err
				}
				res.Computed++
			}
			return nil
		})
		s.metrics.Placement(s.name, "release")
	}

	flushErr := s.store.Flush()
	s.metrics.Flushed(s.name, flushErr)
	s.metrics.SetRecords(s.name, s.store.Len())
	res.Records = s.store.Len()

	var unloadErr error
	if releaseAfter {
		unloadErr = s.adapter.Unload()
		s.metrics.Placement(s.name, "unload")
	}
	return res, errors.Join(computeErr, flushErr, unloadErr)
}

// missing returns the keys absent from the store, deduplicated by entry name
// and in first-seen order.
func (s *Service) missing(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	var out []string
	for _, key := range keys {
		name := fileid.EntryName(key)
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if !s.store.Has(key) {
			out = append(out, key)
		}
	}
	return out
}

// Flush persists the cache. It is a no-op when caching is disabled.
func (s *Service) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	err := s.store.Flush()
	s.metrics.Flushed(s.name, err)
	return err
}

// Release parks the backend weights on the offload device.
func (s *Service) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.Placement(s.name, "release")
	return s.adapter.Release(ctx)
}

// Close flushes pending records and drops the backend weights.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var flushErr error
	if s.store != nil && s.store.Dirty() {
		flushErr = s.store.Flush()
		s.metrics.Flushed(s.name, flushErr)
	}
	return errors.Join(flushErr, s.adapter.Unload())
}

// Status describes the service for status reporting.
type Status struct {
	Extractor    string   `json:"extractor"`
	Backends     []string `json:"backends"`
	Kind         string   `json:"kind"`
	Dimension    int      `json:"dimension"`
	CacheEnabled bool     `json:"cache_enabled"`
	CachePath    string   `json:"cache_path,omitempty"`
	Records      int      `json:"records"`
	Dirty        bool     `json:"dirty"`
	Device       string   `json:"device"`
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.adapter.Identity()
	st := Status{
		Extractor:    id.String(),
		Backends:     id.Backends,
		Kind:         string(s.adapter.Kind()),
		Dimension:    s.adapter.Dimension(),
		CacheEnabled: s.store != nil,
		Device:       string(s.device),
	}
	if s.store != nil {
		st.CachePath = s.store.Path()
		st.Records = s.store.Len()
		st.Dirty = s.store.Dirty()
	}
	return st
}
