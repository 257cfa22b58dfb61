package embedding

import (
	"context"
	"fmt"

	"github.com/hyperjump/featcache/internal/lifecycle"
	"github.com/hyperjump/featcache/internal/models"
	"go.uber.org/zap"
)

// Option configures adapter construction.
type Option func(*factory)

type factory struct {
	runtime Runtime
	offload models.Device
	logger  *zap.Logger
}

// WithLogger sets a logger for warnings and placement transitions.
func WithLogger(l *zap.Logger) Option {
	return func(f *factory) { f.logger = l }
}

// WithOffloadDevice sets where released weights are parked. Defaults to cpu.
func WithOffloadDevice(d models.Device) Option {
	return func(f *factory) { f.offload = d }
}

// New builds the adapter described by spec.
func New(spec Spec, rt Runtime, opts ...Option) (Adapter, error) {
	f := &factory{runtime: rt, offload: models.DeviceCPU, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	return f.build(spec)
}

// NewFromIDs is ParseSpec followed by New.
func NewFromIDs(ids []string, layers models.LayerSelector, rt Runtime, opts ...Option) (Adapter, error) {
	spec, err := ParseSpec(ids, layers)
	if err != nil {
		return nil, err
	}
	return New(spec, rt, opts...)
}

func (f *factory) build(spec Spec) (Adapter, error) {
	switch spec.Kind {
	case KindComposite:
		return f.buildComposite(spec)
	case KindAlternative:
		return f.buildAlternative(spec)
	case KindVisionTransformer:
		return f.buildTransformer(spec)
	default:
		return nil, models.ErrConfiguration("unknown backend kind %q", spec.Kind)
	}
}

func (f *factory) handleOptions() []lifecycle.Option {
	return []lifecycle.Option{lifecycle.WithOffloadDevice(f.offload), lifecycle.WithLogger(f.logger)}
}

func (f *factory) inspect(id string, kind Kind) (ModelInfo, error) {
	info, err := f.runtime.Inspect(id, kind)
	if err != nil {
		return ModelInfo{}, &models.BackendLoadError{Backend: id, Err: err}
	}
	return info, nil
}

func (f *factory) buildTransformer(spec Spec) (Adapter, error) {
	info, err := f.inspect(spec.ID, KindVisionTransformer)
	if err != nil {
		return nil, err
	}
	if info.ProjectionDim <= 0 {
		return nil, &models.BackendLoadError{Backend: spec.ID, Err: fmt.Errorf("invalid projection dimension %d", info.ProjectionDim)}
	}
	if err := checkLayers(spec.Layers, info.NumHiddenStates); err != nil {
		return nil, err
	}
	rt := f.runtime
	id := spec.ID
	handle := lifecycle.NewHandle(id, func(ctx context.Context) (TransformerModel, error) {
		return rt.LoadTransformer(ctx, id)
	}, f.handleOptions()...)
	return &VisionTransformerAdapter{id: id, layers: spec.Layers, info: info, handle: handle}, nil
}

func checkLayers(l models.LayerSelector, numStates int) error {
	if numStates <= 0 {
		return nil
	}
	for _, off := range l.HiddenStates {
		if off >= numStates {
			return models.ErrConfiguration("hidden state offset %d out of range, backend has %d hidden states", off, numStates)
		}
	}
	if l.LastN > numStates {
		return models.ErrConfiguration("last_n_layers %d exceeds the %d hidden states of the backend", l.LastN, numStates)
	}
	return nil
}

func (f *factory) buildAlternative(spec Spec) (Adapter, error) {
	if !spec.Layers.IsZero() {
		f.logger.Warn("layer selection not implemented for this backend, ignoring",
			zap.String("backend", spec.ID),
			zap.String("layers", spec.Layers.Suffix()))
	}
	info, err := f.inspect(spec.ID, KindAlternative)
	if err != nil {
		return nil, err
	}
	if info.FeatureDim <= 0 {
		return nil, &models.BackendLoadError{Backend: spec.ID, Err: fmt.Errorf("invalid feature dimension %d", info.FeatureDim)}
	}
	rt := f.runtime
	id := spec.ID
	handle := lifecycle.NewHandle(id, func(ctx context.Context) (PenultimateModel, error) {
		return rt.LoadPenultimate(ctx, id)
	}, f.handleOptions()...)
	return &AlternativeArchitectureAdapter{id: id, info: info, handle: handle}, nil
}

func (f *factory) buildComposite(spec Spec) (Adapter, error) {
	if len(spec.Children) == 0 {
		return nil, models.ErrConfiguration("composite backend %q has no children", spec.ID)
	}
	c := &CompositeAdapter{spec: spec}
	for _, child := range spec.Children {
		a, err := f.build(child)
		if err != nil {
			return nil, err
		}
		c.children = append(c.children, a)
	}
	return c, nil
}
