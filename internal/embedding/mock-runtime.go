package embedding

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/hyperjump/featcache/internal/models"
)

// MockRuntime is a deterministic Runtime for tests. Hidden states are derived
// from the backend identifier, the layer index and the image bounds, so the
// same image always yields the same features.
type MockRuntime struct {
	mu       sync.Mutex
	infos    map[string]ModelInfo
	fallback ModelInfo
	loads    map[string]int
	devices  map[string]models.Device
	failOn   models.Device
	failLoad map[string]bool
	closed   map[string]int
}

// NewMockRuntime returns a runtime where every unregistered backend reports fallback.
func NewMockRuntime(fallback ModelInfo) *MockRuntime {
	return &MockRuntime{
		infos:    make(map[string]ModelInfo),
		fallback: fallback,
		loads:    make(map[string]int),
		devices:  make(map[string]models.Device),
		failLoad: make(map[string]bool),
		closed:   make(map[string]int),
	}
}

// Register sets the info reported for id.
func (r *MockRuntime) Register(id string, info ModelInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos[id] = info
}

// FailOn makes every placement onto d fail.
func (r *MockRuntime) FailOn(d models.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOn = d
}

// FailLoad makes loading the weights of id fail. Inspecting id still succeeds.
func (r *MockRuntime) FailLoad(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failLoad[id] = true
}

// Loads returns how many times the weights of id were loaded.
func (r *MockRuntime) Loads(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads[id]
}

// Closed returns how many times the weights of id were dropped.
func (r *MockRuntime) Closed(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed[id]
}

// Device returns where the weights of id currently are.
func (r *MockRuntime) Device(id string) models.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[id]
}

func (r *MockRuntime) info(id string) (ModelInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.infos[id]; ok {
		return info, nil
	}
	if r.fallback == (ModelInfo{}) {
		return ModelInfo{}, fmt.Errorf("unknown backend %q", id)
	}
	return r.fallback, nil
}

func (r *MockRuntime) Inspect(id string, _ Kind) (ModelInfo, error) {
	return r.info(id)
}

func (r *MockRuntime) LoadTransformer(_ context.Context, id string) (TransformerModel, error) {
	info, err := r.load(id)
	if err != nil {
		return nil, err
	}
	return &mockWeights{runtime: r, id: id, info: info}, nil
}

func (r *MockRuntime) LoadPenultimate(_ context.Context, id string) (PenultimateModel, error) {
	info, err := r.load(id)
	if err != nil {
		return nil, err
	}
	return &mockWeights{runtime: r, id: id, info: info}, nil
}

func (r *MockRuntime) load(id string) (ModelInfo, error) {
	info, err := r.info(id)
	if err != nil {
		return ModelInfo{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failLoad[id] {
		return ModelInfo{}, fmt.Errorf("weights for %s missing", id)
	}
	r.loads[id]++
	r.devices[id] = models.DeviceCPU
	return info, nil
}

type mockWeights struct {
	runtime *MockRuntime
	id      string
	info    ModelInfo
}

func (w *mockWeights) MoveTo(_ context.Context, device models.Device) error {
	r := w.runtime
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn != "" && device == r.failOn {
		return fmt.Errorf("device %s unavailable", device)
	}
	r.devices[w.id] = device
	return nil
}

func (w *mockWeights) Close() error {
	r := w.runtime
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, w.id)
	r.closed[w.id]++
	return nil
}

// MockSeed is the per-image seed the mock runtime derives features from.
func MockSeed(id string, img image.Image) int {
	b := img.Bounds()
	return HashString(fmt.Sprintf("%s/%d/%d/%d/%d", id, b.Min.X, b.Min.Y, b.Dx(), b.Dy()))
}

func mockValue(seed, layer, i int) float32 {
	return float32(math.Sin(float64(seed%9973+1) * float64(layer+1) * float64(i+1) * 0.001))
}

// HiddenStates returns NumHiddenStates states of two positions each. Position 0
// of state l carries a ProjectionDim-wide row unique to (image, l).
func (w *mockWeights) HiddenStates(_ context.Context, img image.Image) ([]HiddenState, error) {
	seed := MockSeed(w.id, img)
	states := make([]HiddenState, w.info.NumHiddenStates)
	for l := range states {
		summary := make([]float32, w.info.ProjectionDim)
		for i := range summary {
			summary[i] = mockValue(seed, l, i)
		}
		states[l] = HiddenState{summary, make([]float32, w.info.ProjectionDim)}
	}
	return states, nil
}

// Project is the identity map.
func (w *mockWeights) Project(pooled []float32) ([]float32, error) {
	return append([]float32(nil), pooled...), nil
}

func (w *mockWeights) Penultimate(_ context.Context, img image.Image) ([]float32, error) {
	seed := MockSeed(w.id, img)
	out := make([]float32, w.info.FeatureDim)
	for i := range out {
		out[i] = mockValue(seed, 0, i)
	}
	return out, nil
}

// MockFeatures returns what a mock transformer backend yields for img on hidden
// state index layer, for asserting layer selection in tests.
func MockFeatures(id string, img image.Image, layer, dim int) []float32 {
	seed := MockSeed(id, img)
	out := make([]float32, dim)
	for i := range out {
		out[i] = mockValue(seed, layer, i)
	}
	return out
}

// HashString returns a stable non-negative hash of s.
func HashString(s string) int {
	h := 0
	for _, c := range s {
		h = 31*h + int(c)
	}
	if h < 0 {
		h = -h
	}
	return h
}
