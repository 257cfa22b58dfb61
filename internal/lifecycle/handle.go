// Package lifecycle tracks where a backend's weights live and moves them
// between the compute device and the offload device on demand.
//
// A Handle starts unloaded. EnsureReady loads the weights on first use and
// places them on the requested device; Release moves them back to the offload
// device; Unload drops them entirely.
package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/hyperjump/featcache/internal/models"
	"go.uber.org/zap"
)

// State is the placement state of a Handle.
type State int

const (
	StateUnloaded State = iota
	StateReady
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateIdle:
		return "idle"
	default:
		return "unloaded"
	}
}

// Placeable is a set of loaded weights that can move between devices.
type Placeable interface {
	MoveTo(ctx context.Context, device models.Device) error
	Close() error
}

// Loader reads weights into host memory.
type Loader[M Placeable] func(ctx context.Context) (M, error)

// Handle owns the weights of one backend.
type Handle[M Placeable] struct {
	name    string
	load    Loader[M]
	offload models.Device
	logger  *zap.Logger

	mu     sync.Mutex
	state  State
	device models.Device
	model  M
}

// Option configures a Handle.
type Option func(*options)

type options struct {
	offload models.Device
	logger  *zap.Logger
}

// WithOffloadDevice sets where released weights are parked. Defaults to cpu.
func WithOffloadDevice(d models.Device) Option {
	return func(o *options) { o.offload = d }
}

// WithLogger sets a logger for placement transitions.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewHandle returns an unloaded handle for the backend called name.
func NewHandle[M Placeable](name string, load Loader[M], opts ...Option) *Handle[M] {
	o := options{offload: models.DeviceCPU, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Handle[M]{name: name, load: load, offload: o.offload, logger: o.logger}
}

// State returns the current state and, unless unloaded, the device holding the weights.
func (h *Handle[M]) State() (State, models.Device) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.device
}

// Model returns the loaded weights. ok is false while unloaded.
func (h *Handle[M]) Model() (m M, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateUnloaded {
		return m, false
	}
	return h.model, true
}

// EnsureReady loads the weights if needed and places them on device. It is a
// no-op when already ready on device. Load failures are BackendLoadErrors and
// placement failures are PlacementErrors; neither is retried.
func (h *Handle[M]) EnsureReady(ctx context.Context, device models.Device) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateReady && h.device == device {
		return nil
	}
	if h.state == StateUnloaded {
		h.logger.Debug("loading backend", zap.String("backend", h.name))
		m, err := h.load(ctx)
		if err != nil {
			var le *models.BackendLoadError
			if errors.As(err, &le) {
				return err
			}
			return &models.BackendLoadError{Backend: h.name, Err: err}
		}
		h.model = m
		h.state = StateIdle
		h.device = h.offload
	}
	if err := h.model.MoveTo(ctx, device); err != nil {
		return &models.PlacementError{Backend: h.name, Device: device, Err: err}
	}
	h.logger.Debug("backend ready", zap.String("backend", h.name), zap.String("device", string(device)))
	h.state = StateReady
	h.device = device
	return nil
}

// Release parks the weights on the offload device. Releasing an idle or
// unloaded handle does nothing.
func (h *Handle[M]) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateReady {
		return nil
	}
	if h.device != h.offload {
		if err := h.model.MoveTo(ctx, h.offload); err != nil {
			return &models.PlacementError{Backend: h.name, Device: h.offload, Err: err}
		}
	}
	h.logger.Debug("backend released", zap.String("backend", h.name), zap.String("device", string(h.offload)))
	h.state = StateIdle
	h.device = h.offload
	return nil
}

// Unload drops the weights. The next EnsureReady loads them again.
func (h *Handle[M]) Unload() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateUnloaded {
		return nil
	}
	err := h.model.Close()
	var zero M
	h.model = zero
	h.state = StateUnloaded
	h.device = ""
	h.logger.Debug("backend unloaded", zap.String("backend", h.name))
	return err
}
