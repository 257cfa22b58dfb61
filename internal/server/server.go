// Package server provides the HTTP API for featcache.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperjump/featcache/internal/classify"
	"github.com/hyperjump/featcache/internal/config"
	"github.com/hyperjump/featcache/internal/features"
	"github.com/hyperjump/featcache/internal/metrics"
	"github.com/hyperjump/featcache/internal/scoring"
	"github.com/hyperjump/featcache/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// FeatureService precaches feature vectors.
type FeatureService interface {
	Precache(ctx context.Context, keys []string, releaseAfter bool) (features.PrecacheResult, error)
	Status() features.Status
}

// ScoreService scores images with named score models.
type ScoreService interface {
	Score(ctx context.Context, model, key string) (scoring.Score, error)
	Models() ([]string, error)
}

// ClassifyService classifies images with named classifiers.
type ClassifyService interface {
	Classify(ctx context.Context, classifier, key string) (classify.Result, error)
	CategoryScores(ctx context.Context, classifier, category string, keys []string) ([]float64, error)
	Classifiers() ([]string, error)
}

// KeyLister lists the image keys under the image root.
type KeyLister func() ([]string, error)

// Server is the HTTP server for the featcache API.
type Server struct {
	features     FeatureService
	scores       ScoreService
	classifier   ClassifyService
	storage      storage.Storage
	keys         KeyLister
	defaultModel string
	diskPaths    []string
	metrics      *metrics.Metrics
	gatherer     prometheus.Gatherer
	config       *config.ServerConfig
	logger       *zap.Logger
	server       *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics instruments requests with m and serves gatherer on /metrics.
func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// WithKeyLister sets how a precache request without keys finds its images.
func WithKeyLister(fn KeyLister) Option {
	return func(s *Server) { s.keys = fn }
}

// WithClassifier enables /api/v1/classify.
func WithClassifier(c ClassifyService) Option {
	return func(s *Server) { s.classifier = c }
}

// WithDefaultModel sets the score model used when a request names none.
func WithDefaultModel(name string) Option {
	return func(s *Server) { s.defaultModel = name }
}

// WithDiskUsage reports the size of paths on /api/v1/status.
func WithDiskUsage(paths ...string) Option {
	return func(s *Server) { s.diskPaths = paths }
}

// NewServer creates a server with the given dependencies. scores and store
// may be nil when scoring is not configured.
func NewServer(
	feats FeatureService,
	scores ScoreService,
	store storage.Storage,
	cfg *config.ServerConfig,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	s := &Server{
		features: feats,
		scores:   scores,
		storage:  store,
		config:   cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(metricsMiddleware(s.metrics))
	}
	r.Use(middleware.Compress(5))

	// No request timeout: precache stops at the next image once the client goes away.
	r.Post("/api/v1/precache", s.handlePrecache)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Post("/api/v1/score", s.handleScore)
		r.Post("/api/v1/classify", s.handleClassify)
		r.Get("/api/v1/classifiers", s.handleListClassifiers)
		r.Get("/api/v1/scores", s.handleListScores)
		r.Get("/api/v1/status", s.handleStatus)
		r.Get("/health", s.handleHealth)
		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
