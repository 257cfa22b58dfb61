package safetensors

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperjump/featcache/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	tensors := []Tensor{
		{Name: "b.png", Data: []float32{4, 5}},
		{Name: "a.png", Data: []float32{1, 2, 3}},
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, tensors, map[string]string{"feature_extractor_model": "m"}))

	n := binary.LittleEndian.Uint64(buf.Bytes()[:8])
	assert.Zero(t, n%8, "header should be padded to 8 bytes")

	f, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "b.png"}, f.Names())
	assert.Equal(t, "m", f.Metadata["feature_extractor_model"])

	a, err := f.Float32s("a.png")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, a)
	b, err := f.Float32s("b.png")
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5}, b)

	_, err = f.Float32s("missing")
	assert.Error(t, err)
}

func TestEncodeDeterministic(t *testing.T) {
	tensors := []Tensor{{Name: "x", Data: []float32{1}}, {Name: "y", Data: []float32{2}}}
	reversed := []Tensor{tensors[1], tensors[0]}
	var one, two bytes.Buffer
	require.NoError(t, Encode(&one, tensors, nil))
	require.NoError(t, Encode(&two, reversed, nil))
	assert.Equal(t, one.Bytes(), two.Bytes())
}

func TestEncodeRejectsReservedName(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, []Tensor{{Name: MetadataKey, Data: []float32{1}}}, nil)
	assert.Error(t, err)
}

func rawFile(header string, payload []byte) []byte {
	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(len(header)))
	out := append(prefix[:], header...)
	return append(out, payload...)
}

func TestDecodeHeaderBounds(t *testing.T) {
	t.Run("length_exceeds_file", func(t *testing.T) {
		buf := rawFile(`{}`, nil)
		binary.LittleEndian.PutUint64(buf[:8], 1000)
		_, err := Decode(buf)
		require.Error(t, err)
		assert.True(t, models.IsHeader(err))
	})
	t.Run("short_file", func(t *testing.T) {
		_, err := Decode([]byte{1, 2, 3})
		assert.True(t, models.IsHeader(err))
	})
	t.Run("invalid_json", func(t *testing.T) {
		_, err := Decode(rawFile(`{not json`, nil))
		assert.True(t, models.IsHeader(err))
	})
	t.Run("offsets_out_of_range", func(t *testing.T) {
		_, err := Decode(rawFile(`{"a":{"dtype":"F32","shape":[2],"data_offsets":[0,8]}}`, []byte{0, 0, 0, 0}))
		assert.True(t, models.IsHeader(err))
	})
	t.Run("shape_product_overflows", func(t *testing.T) {
		// 4611686018427387906 * 4 wraps to 8 in int64 arithmetic.
		_, err := Decode(rawFile(`{"k":{"dtype":"F32","shape":[4611686018427387906],"data_offsets":[0,8]}}`, make([]byte, 8)))
		require.Error(t, err)
		assert.True(t, models.IsHeader(err))
	})
	t.Run("negative_dimension", func(t *testing.T) {
		_, err := Decode(rawFile(`{"k":{"dtype":"F32","shape":[-2,-1],"data_offsets":[0,8]}}`, make([]byte, 8)))
		assert.True(t, models.IsHeader(err))
	})
	t.Run("span_not_multiple_of_dtype", func(t *testing.T) {
		_, err := Decode(rawFile(`{"k":{"dtype":"F32","shape":[1],"data_offsets":[0,6]}}`, make([]byte, 8)))
		assert.True(t, models.IsHeader(err))
	})
}

func TestElementsRejectsOverflow(t *testing.T) {
	assert.Equal(t, int64(6), TensorInfo{Shape: []int64{2, 3}}.Elements())
	assert.Equal(t, int64(0), TensorInfo{Shape: []int64{0, 1 << 62, 1 << 62}}.Elements())
	assert.Equal(t, int64(-1), TensorInfo{Shape: []int64{1 << 32, 1 << 32}}.Elements())
	assert.Equal(t, int64(-1), TensorInfo{Shape: []int64{3, -1}}.Elements())
}

func TestFloat32sConvertsHalfPrecision(t *testing.T) {
	payload := []byte{
		0x00, 0x3C, // f16 1.0
		0x00, 0xC0, // f16 -2.0
		0x80, 0x3F, // bf16 1.0
		0x01, 0x00, // f16 smallest subnormal
	}
	header := `{"h":{"dtype":"F16","shape":[2],"data_offsets":[0,4]},"b":{"dtype":"BF16","shape":[1],"data_offsets":[4,6]},"s":{"dtype":"F16","shape":[1],"data_offsets":[6,8]}}`
	f, err := Decode(rawFile(header, payload))
	require.NoError(t, err)
	h, err := f.Float32s("h")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -2}, h)
	b, err := f.Float32s("b")
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, b)
	sub, err := f.Float32s("s")
	require.NoError(t, err)
	assert.Equal(t, []float32{float32(math.Ldexp(1, -24))}, sub)
}

func TestReadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.safetensors")
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, []Tensor{{Name: "weight", Shape: []int64{1, 2}, Data: []float32{1, 2}}},
		map[string]string{"clip_model": "ViT-L/14"}))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0600))

	h, err := ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, "ViT-L/14", h.Metadata["clip_model"])
	assert.Equal(t, []int64{1, 2}, h.Tensors["weight"].Shape)

	trunc := filepath.Join(t.TempDir(), "trunc.safetensors")
	require.NoError(t, os.WriteFile(trunc, buf.Bytes()[:12], 0600))
	_, err = ReadHeader(trunc)
	assert.True(t, models.IsHeader(err))
}
