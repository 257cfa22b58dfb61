package main

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hyperjump/featcache/internal/cache"
	"github.com/hyperjump/featcache/internal/classify"
	"github.com/hyperjump/featcache/internal/config"
	"github.com/hyperjump/featcache/internal/embedding"
	"github.com/hyperjump/featcache/internal/features"
	"github.com/hyperjump/featcache/internal/metrics"
	"github.com/hyperjump/featcache/internal/models"
	"github.com/hyperjump/featcache/internal/scoring"
	"github.com/hyperjump/featcache/internal/storage"
	"github.com/hyperjump/featcache/internal/watcher"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// mockInfo shapes the mock runtime after a ViT-L/14 image tower.
var mockInfo = embedding.ModelInfo{ProjectionDim: 768, NumHiddenStates: 25, FeatureDim: 1024}

// Components holds initialized services.
type Components struct {
	Config   *config.Config
	Logger   *zap.Logger
	Runtime  embedding.Runtime
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Storage  storage.Storage
	Models   *scoring.ModelCache
	Scoring  *scoring.Service
	Classify *classify.Service

	device      models.Device
	offload     models.Device
	compression cache.Compression

	mu       sync.Mutex
	services map[string]*features.Service
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	compression, err := cache.ParseCompression(cfg.Features.Compression)
	if err != nil {
		return nil, err
	}
	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	reg := prometheus.NewRegistry()
	c := &Components{
		Config:      cfg,
		Logger:      logger,
		Runtime:     rt,
		Registry:    reg,
		Metrics:     metrics.New(reg),
		Storage:     store,
		Models:      scoring.NewModelCache(cfg.Scoring.CacheSize, nil),
		device:      models.ParseDevice(cfg.Features.Device),
		offload:     models.ParseDevice(cfg.Features.OffloadDevice),
		compression: compression,
		services:    make(map[string]*features.Service),
	}
	c.Scoring = scoring.NewService(cfg.Scoring.ModelsDir, c.Models, c.scoreSource,
		scoring.WithRecorder(store),
		scoring.WithDevice(c.device),
		scoring.WithLogger(logger),
		scoring.WithMetrics(c.Metrics))
	c.Classify = classify.NewService(cfg.Classify.ClassifiersDir, classify.NewCache(nil), c.classifySource,
		classify.WithDevice(c.device),
		classify.WithLogger(logger))
	return c, nil
}

func newRuntime(cfg *config.Config, logger *zap.Logger) (embedding.Runtime, error) {
	switch cfg.Runtime.Kind {
	case "mock":
		logger.Warn("using mock runtime; feature vectors are synthetic")
		return embedding.NewMockRuntime(mockInfo), nil
	case "onnx":
		dir := embedding.ModelDir{Root: cfg.Runtime.ModelsDir, Aliases: cfg.Runtime.Aliases}
		rt, err := embedding.NewONNXRuntime(dir, cfg.Runtime.LibraryPath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize onnx runtime: %w", err)
		}
		return rt, nil
	default:
		return nil, models.ErrConfiguration("unknown runtime kind %q", cfg.Runtime.Kind)
	}
}

// DefaultSpec is the extractor configured under features.
func (c *Components) DefaultSpec() (embedding.Spec, error) {
	return embedding.ParseSpec(c.Config.Features.Backends, c.Config.Features.Layers())
}

// DefaultFeatures returns the service of the configured extractor.
func (c *Components) DefaultFeatures() (*features.Service, error) {
	spec, err := c.DefaultSpec()
	if err != nil {
		return nil, err
	}
	return c.Features(spec)
}

// Features returns the service for spec, creating it on first use. Services
// are shared per extractor identity so every caller sees one cache file.
func (c *Components) Features(spec embedding.Spec) (*features.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := spec.Identity().String()
	if svc, ok := c.services[name]; ok {
		return svc, nil
	}
	adapter, err := embedding.New(spec, c.Runtime,
		embedding.WithLogger(c.Logger),
		embedding.WithOffloadDevice(c.offload))
	if err != nil {
		return nil, err
	}
	var store *cache.Store
	if c.Config.Features.UseCacheOrDefault() {
		store, err = features.OpenStore(c.Config.Features.CacheDir, adapter, c.compression, c.Logger)
		if err != nil {
			return nil, err
		}
	}
	svc, err := features.New(adapter, store, features.FileImageSource{Root: c.Config.Images.Root},
		features.WithLogger(c.Logger),
		features.WithMetrics(c.Metrics),
		features.WithDevice(c.device))
	if err != nil {
		return nil, err
	}
	c.services[name] = svc
	return svc, nil
}

func (c *Components) scoreSource(md *scoring.Metadata) (scoring.FeatureSource, error) {
	spec, err := md.Spec()
	if err != nil {
		return nil, err
	}
	return c.Features(spec)
}

func (c *Components) classifySource(spec embedding.Spec) (scoring.FeatureSource, error) {
	return c.Features(spec)
}

// ScanImages lists the image keys under the image root.
func (c *Components) ScanImages() ([]string, error) {
	return watcher.Scan(c.Config.Images.Root, c.Config.Images.Extensions, c.Config.Watch.RecursiveOrDefault())
}

// Close flushes every feature cache and releases all resources.
func (c *Components) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for name, svc := range c.services {
		if err := svc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	c.services = map[string]*features.Service{}
	if c.Storage != nil {
		errs = append(errs, c.Storage.Close())
	}
	return errors.Join(errs...)
}

// DiskUsage sums the feature caches and the score database on disk.
func (c *Components) DiskUsage() (int64, error) {
	return storage.DiskUsageBytes(c.Config.Features.CacheDir, c.Config.Storage.DatabasePath)
}
