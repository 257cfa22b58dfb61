package embedding

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/hyperjump/featcache/internal/lifecycle"
	"github.com/hyperjump/featcache/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var testInfo = ModelInfo{ProjectionDim: 4, NumHiddenStates: 5, FeatureDim: 6}

func testImage() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 8, 6))
}

func TestParseSpec(t *testing.T) {
	tests := []struct {
		name     string
		ids      []string
		kind     Kind
		backends []string
	}{
		{"transformer", []string{"openai/clip-vit-large-patch14"}, KindVisionTransformer, []string{"openai/clip-vit-large-patch14"}},
		{"alternative", []string{"apple/aimv2-large-patch14-224"}, KindAlternative, []string{"apple/aimv2-large-patch14-224"}},
		{"separator", []string{"a___b"}, KindComposite, []string{"a", "b"}},
		{"list", []string{"a", "b", "c"}, KindComposite, []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ParseSpec(tt.ids, models.LayerSelector{})
			require.NoError(t, err)
			assert.Equal(t, tt.kind, spec.Kind)
			assert.Equal(t, tt.backends, spec.Backends())
		})
	}
}

func TestParseSpecErrors(t *testing.T) {
	_, err := ParseSpec([]string{"a"}, models.LayerSelector{HiddenStates: []int{0}, LastN: 2})
	assert.True(t, models.IsConfiguration(err))

	_, err = ParseSpec([]string{"apple/aimv2___a"}, models.LayerSelector{HiddenStates: []int{0}, LastN: 2})
	assert.True(t, models.IsConfiguration(err), "a transformer child still validates the selector")

	_, err = ParseSpec(nil, models.LayerSelector{})
	assert.True(t, models.IsConfiguration(err))

	_, err = ParseSpec([]string{"a______b"}, models.LayerSelector{})
	assert.True(t, models.IsConfiguration(err))
}

func TestNewChecksLayersAgainstBackend(t *testing.T) {
	rt := NewMockRuntime(testInfo)
	_, err := NewFromIDs([]string{"vit"}, models.LayerSelector{HiddenStates: []int{5}}, rt)
	assert.True(t, models.IsConfiguration(err))

	_, err = NewFromIDs([]string{"vit"}, models.LayerSelector{LastN: 6}, rt)
	assert.True(t, models.IsConfiguration(err))

	_, err = NewFromIDs([]string{"vit"}, models.LayerSelector{LastN: 5}, rt)
	assert.NoError(t, err)
}

func TestNewUnknownBackend(t *testing.T) {
	rt := NewMockRuntime(ModelInfo{})
	_, err := NewFromIDs([]string{"missing"}, models.LayerSelector{}, rt)
	assert.True(t, models.IsBackendLoad(err))
}

func TestTransformerLayerSelection(t *testing.T) {
	ctx := context.Background()
	img := testImage()
	n := testInfo.NumHiddenStates
	dim := testInfo.ProjectionDim

	tests := []struct {
		name   string
		layers models.LayerSelector
		want   []int
	}{
		{"default is last layer", models.LayerSelector{}, []int{n - 1}},
		{"offset zero", models.LayerSelector{HiddenStates: []int{0}}, []int{n - 1}},
		{"offsets in order", models.LayerSelector{HiddenStates: []int{2, 0}}, []int{n - 3, n - 1}},
		{"last n in stack order", models.LayerSelector{LastN: 3}, []int{n - 3, n - 2, n - 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewFromIDs([]string{"vit"}, tt.layers, NewMockRuntime(testInfo))
			require.NoError(t, err)
			assert.Equal(t, dim*len(tt.want), a.Dimension())

			require.NoError(t, a.EnsureReady(ctx, models.DeviceCPU))
			v, err := a.Compute(ctx, img)
			require.NoError(t, err)

			var want []float32
			for _, l := range tt.want {
				want = append(want, MockFeatures("vit", img, l, dim)...)
			}
			assert.Equal(t, want, v.Values)
			assert.Equal(t, models.DeviceCPU, v.Device)
		})
	}
}

func TestZeroSelectorMatchesOffsetZero(t *testing.T) {
	ctx := context.Background()
	rt := NewMockRuntime(testInfo)
	a, err := NewFromIDs([]string{"vit"}, models.LayerSelector{}, rt)
	require.NoError(t, err)
	b, err := NewFromIDs([]string{"vit"}, models.LayerSelector{HiddenStates: []int{0}}, rt)
	require.NoError(t, err)

	var va, vb models.FeatureVector
	require.NoError(t, Acquire(ctx, a, models.DeviceCPU, func() error {
		va, err = a.Compute(ctx, testImage())
		return err
	}))
	require.NoError(t, Acquire(ctx, b, models.DeviceCPU, func() error {
		vb, err = b.Compute(ctx, testImage())
		return err
	}))
	assert.True(t, va.Equal(vb))
	assert.NotEqual(t, a.Identity().String(), b.Identity().String())
}

func TestComputeRequiresReady(t *testing.T) {
	a, err := NewFromIDs([]string{"vit"}, models.LayerSelector{}, NewMockRuntime(testInfo))
	require.NoError(t, err)
	_, err = a.Compute(context.Background(), testImage())
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, a.EnsureReady(context.Background(), models.DeviceCUDA))
	require.NoError(t, a.Release(context.Background()))
	_, err = a.Compute(context.Background(), testImage())
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestComputeOnAccelerator(t *testing.T) {
	ctx := context.Background()
	rt := NewMockRuntime(testInfo)
	a, err := NewFromIDs([]string{"vit"}, models.LayerSelector{}, rt)
	require.NoError(t, err)

	require.NoError(t, a.EnsureReady(ctx, models.DeviceCUDA))
	assert.Equal(t, models.DeviceCUDA, rt.Device("vit"))
	v, err := a.Compute(ctx, testImage())
	require.NoError(t, err)
	assert.Equal(t, models.DeviceCUDA, v.Device)

	require.NoError(t, a.Release(ctx))
	assert.Equal(t, models.DeviceCPU, rt.Device("vit"))
	require.NoError(t, a.Unload())
	assert.Equal(t, 1, rt.Closed("vit"))
}

func TestAlternativeIgnoresLayers(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	rt := NewMockRuntime(testInfo)
	a, err := NewFromIDs([]string{"apple/aimv2"}, models.LayerSelector{LastN: 3}, rt, WithLogger(zap.New(core)))
	require.NoError(t, err)

	assert.Equal(t, KindAlternative, a.Kind())
	assert.Equal(t, testInfo.FeatureDim, a.Dimension())
	assert.True(t, a.Identity().Layers.IsZero())
	assert.Equal(t, 1, logs.Len())

	ctx := context.Background()
	require.NoError(t, a.EnsureReady(ctx, models.DeviceCPU))
	v, err := a.Compute(ctx, testImage())
	require.NoError(t, err)
	assert.Len(t, v.Values, testInfo.FeatureDim)
}

func TestAlternativeWarnsOnConflictingLayers(t *testing.T) {
	both := models.LayerSelector{HiddenStates: []int{0}, LastN: 2}
	spec, err := ParseSpec([]string{"apple/aimv2"}, both)
	require.NoError(t, err)
	assert.Equal(t, KindAlternative, spec.Kind)

	core, logs := observer.New(zap.WarnLevel)
	a, err := New(spec, NewMockRuntime(testInfo), WithLogger(zap.New(core)))
	require.NoError(t, err)
	assert.True(t, a.Identity().Layers.IsZero())
	assert.Equal(t, 1, logs.Len())
}

func TestCompositeConcatenatesInOrder(t *testing.T) {
	ctx := context.Background()
	img := testImage()
	rt := NewMockRuntime(testInfo)
	rt.Register("small", ModelInfo{ProjectionDim: 3, NumHiddenStates: 4})

	c, err := NewFromIDs([]string{"vit___small___apple/aimv2"}, models.LayerSelector{}, rt)
	require.NoError(t, err)
	assert.Equal(t, KindComposite, c.Kind())
	assert.Equal(t, 4+3+6, c.Dimension())
	assert.Equal(t, "vit___small___apple/aimv2", c.Identity().Name())

	var parts []models.FeatureVector
	for _, id := range []string{"vit", "small", "apple/aimv2"} {
		child, err := NewFromIDs([]string{id}, models.LayerSelector{}, rt)
		require.NoError(t, err)
		require.NoError(t, Acquire(ctx, child, models.DeviceCPU, func() error {
			v, err := child.Compute(ctx, img)
			parts = append(parts, v)
			return err
		}))
	}

	var got models.FeatureVector
	require.NoError(t, Acquire(ctx, c, models.DeviceCPU, func() error {
		got, err = c.Compute(ctx, img)
		return err
	}))
	assert.True(t, got.Equal(models.Concat(models.DeviceCPU, parts...)))
}

func TestCompositeCascadesPlacement(t *testing.T) {
	ctx := context.Background()
	rt := NewMockRuntime(testInfo)
	c, err := NewFromIDs([]string{"a", "b"}, models.LayerSelector{}, rt)
	require.NoError(t, err)

	require.NoError(t, c.EnsureReady(ctx, models.DeviceCUDA))
	for _, child := range c.(*CompositeAdapter).Children() {
		state, device := child.(*VisionTransformerAdapter).State()
		assert.Equal(t, lifecycle.StateReady, state)
		assert.Equal(t, models.DeviceCUDA, device)
	}
	require.NoError(t, c.Release(ctx))
	assert.Equal(t, models.DeviceCPU, rt.Device("a"))
	assert.Equal(t, models.DeviceCPU, rt.Device("b"))
	require.NoError(t, c.Unload())
	assert.Equal(t, 1, rt.Closed("a"))
	assert.Equal(t, 1, rt.Closed("b"))
}

func TestCompositeReleasesPlacedChildrenOnLoadFailure(t *testing.T) {
	ctx := context.Background()
	rt := NewMockRuntime(testInfo)
	rt.FailLoad("b")
	c, err := NewFromIDs([]string{"a___b"}, models.LayerSelector{}, rt)
	require.NoError(t, err)

	err = c.EnsureReady(ctx, models.DeviceCUDA)
	require.Error(t, err)
	assert.True(t, models.IsBackendLoad(err))
	assert.Equal(t, models.DeviceCPU, rt.Device("a"))
	state, device := c.(*CompositeAdapter).Children()[0].(*VisionTransformerAdapter).State()
	assert.Equal(t, lifecycle.StateIdle, state)
	assert.Equal(t, models.DeviceCPU, device)
}

func TestAcquireReleasesOnFailure(t *testing.T) {
	ctx := context.Background()
	rt := NewMockRuntime(testInfo)
	a, err := NewFromIDs([]string{"vit"}, models.LayerSelector{}, rt)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = Acquire(ctx, a, models.DeviceCUDA, func() error { return boom })
	assert.ErrorIs(t, err, boom)
	state, device := a.(*VisionTransformerAdapter).State()
	assert.Equal(t, lifecycle.StateIdle, state)
	assert.Equal(t, models.DeviceCPU, device)
}

func TestPlacementFailure(t *testing.T) {
	ctx := context.Background()
	rt := NewMockRuntime(testInfo)
	rt.FailOn(models.DeviceCUDA)
	a, err := NewFromIDs([]string{"vit"}, models.LayerSelector{}, rt)
	require.NoError(t, err)

	err = a.EnsureReady(ctx, models.DeviceCUDA)
	assert.True(t, models.IsPlacement(err))
	_, err = a.Compute(ctx, testImage())
	assert.ErrorIs(t, err, ErrNotReady)
}
