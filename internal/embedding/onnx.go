//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/hyperjump/featcache/internal/models"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

var ortInit sync.Mutex

func initializeORT(sharedLibrary string) error {
	ortInit.Lock()
	defer ortInit.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if sharedLibrary != "" {
		ort.SetSharedLibraryPath(sharedLibrary)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}
	return nil
}

// ONNXRuntime loads exported backends from a model directory and runs them
// with ONNX Runtime. It requires CGO and the onnxruntime shared library.
type ONNXRuntime struct {
	dir    ModelDir
	logger *zap.Logger
}

// NewONNXRuntime initializes ONNX Runtime once per process. sharedLibrary may
// be empty to use the platform default.
func NewONNXRuntime(dir ModelDir, sharedLibrary string, logger *zap.Logger) (*ONNXRuntime, error) {
	if err := initializeORT(sharedLibrary); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ONNXRuntime{dir: dir, logger: logger}, nil
}

func (r *ONNXRuntime) Inspect(id string, kind Kind) (ModelInfo, error) {
	return r.dir.Inspect(id, kind)
}

func (r *ONNXRuntime) LoadTransformer(_ context.Context, id string) (TransformerModel, error) {
	m, err := r.dir.LoadManifest(id, KindVisionTransformer)
	if err != nil {
		return nil, err
	}
	proj, err := LoadProjection(filepath.Join(r.dir.Resolve(id), ProjectionFile))
	if err != nil {
		return nil, err
	}
	if in, out := proj.Dims(); in != m.HiddenSize || out != m.ProjectionDim {
		return nil, fmt.Errorf("backend %q: projection is %dx%d, manifest says %dx%d", id, out, in, m.ProjectionDim, m.HiddenSize)
	}
	s, err := r.newSession(id, m, ort.NewShape(int64(m.NumHiddenStates), 1, int64(m.NumPositions), int64(m.HiddenSize)))
	if err != nil {
		return nil, err
	}
	return &onnxTransformer{onnxSession: s, projection: proj}, nil
}

func (r *ONNXRuntime) LoadPenultimate(_ context.Context, id string) (PenultimateModel, error) {
	m, err := r.dir.LoadManifest(id, KindAlternative)
	if err != nil {
		return nil, err
	}
	s, err := r.newSession(id, m, ort.NewShape(1, int64(m.FeatureDim)))
	if err != nil {
		return nil, err
	}
	return &onnxPenultimate{onnxSession: s}, nil
}

func (r *ONNXRuntime) newSession(id string, m *Manifest, outShape ort.Shape) (*onnxSession, error) {
	data, err := os.ReadFile(filepath.Join(r.dir.Resolve(id), VisionFile))
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", id, err)
	}
	size := int64(m.ImageSize)
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	return &onnxSession{id: id, manifest: m, data: data, input: input, output: output, logger: r.logger}, nil
}

// onnxSession keeps the serialized graph in host memory. Placement rebuilds
// the session with the execution provider for the target device.
type onnxSession struct {
	id       string
	manifest *Manifest
	data     []byte
	input    *ort.Tensor[float32]
	output   *ort.Tensor[float32]
	logger   *zap.Logger

	mu      sync.Mutex
	session *ort.AdvancedSession
	device  models.Device
}

func (s *onnxSession) MoveTo(_ context.Context, device models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil && s.device == device {
		return nil
	}
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return err
	}
	defer opts.Destroy()
	if device.IsAccelerator() {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return err
		}
		defer cuda.Destroy()
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			return err
		}
	}
	session, err := ort.NewAdvancedSessionWithONNXData(
		s.data,
		[]string{s.manifest.Input},
		[]string{s.manifest.Output},
		[]ort.ArbitraryTensor{s.input},
		[]ort.ArbitraryTensor{s.output},
		opts,
	)
	if err != nil {
		return fmt.Errorf("failed to create ONNX session: %w", err)
	}
	if s.session != nil {
		_ = s.session.Destroy()
	}
	s.session = session
	s.device = device
	s.logger.Debug("onnx session placed", zap.String("backend", s.id), zap.String("device", string(device)))
	return nil
}

// run must be called with s.mu held.
func (s *onnxSession) run(img image.Image) ([]float32, error) {
	if s.session == nil {
		return nil, ErrNotReady
	}
	m := s.manifest
	copy(s.input.GetData(), Preprocess(img, m.ImageSize, m.Mean, m.Std))
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return s.output.GetData(), nil
}

func (s *onnxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.session != nil {
		err = s.session.Destroy()
		s.session = nil
	}
	if s.input != nil {
		_ = s.input.Destroy()
		s.input = nil
	}
	if s.output != nil {
		_ = s.output.Destroy()
		s.output = nil
	}
	s.data = nil
	return err
}

type onnxTransformer struct {
	*onnxSession
	projection *Projection
}

func (t *onnxTransformer) HiddenStates(_ context.Context, img image.Image) ([]HiddenState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, err := t.run(img)
	if err != nil {
		return nil, err
	}
	m := t.manifest
	states := make([]HiddenState, m.NumHiddenStates)
	stride := m.NumPositions * m.HiddenSize
	for l := range states {
		rows := make(HiddenState, m.NumPositions)
		for p := range rows {
			off := l*stride + p*m.HiddenSize
			rows[p] = append([]float32(nil), data[off:off+m.HiddenSize]...)
		}
		states[l] = rows
	}
	return states, nil
}

func (t *onnxTransformer) Project(pooled []float32) ([]float32, error) {
	return t.projection.Apply(pooled)
}

type onnxPenultimate struct {
	*onnxSession
}

func (p *onnxPenultimate) Penultimate(_ context.Context, img image.Image) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, err := p.run(img)
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), data[:p.manifest.FeatureDim]...), nil
}
