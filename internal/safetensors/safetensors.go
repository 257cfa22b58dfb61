// Package safetensors reads and writes the named-tensor container used for
// feature caches and score models: an 8-byte little-endian header length N,
// N bytes of UTF-8 JSON describing each tensor, then the raw tensor bytes.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/x448/float16"

	"github.com/hyperjump/featcache/internal/models"
)

// MetadataKey is the reserved header entry holding free-form string metadata.
const MetadataKey = "__metadata__"

// maxHeaderSize bounds the JSON header so a corrupt length cannot trigger a huge allocation.
const maxHeaderSize = 100 << 20

// DType is a tensor element type.
type DType string

const (
	F32  DType = "F32"
	F64  DType = "F64"
	F16  DType = "F16"
	BF16 DType = "BF16"
)

func (d DType) size() int {
	switch d {
	case F64:
		return 8
	case F32:
		return 4
	case F16, BF16:
		return 2
	default:
		return 0
	}
}

// TensorInfo describes one entry of the header.
type TensorInfo struct {
	DType       DType    `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Elements returns the product of the shape, or -1 when a dimension is
// negative or the product does not fit in an int64.
func (t TensorInfo) Elements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		if d < 0 {
			return -1
		}
		if d != 0 && n > math.MaxInt64/d {
			return -1
		}
		n *= d
	}
	return n
}

// Header is the parsed JSON header.
type Header struct {
	Metadata map[string]string
	Tensors  map[string]TensorInfo
	// Size is the header length N as declared in the first 8 bytes.
	Size int64
}

// Names returns tensor names in sorted order.
func (h *Header) Names() []string {
	names := make([]string, 0, len(h.Tensors))
	for name := range h.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReadHeader reads only the header of the file at path.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	var prefix [8]byte
	if _, err := io.ReadFull(f, prefix[:]); err != nil {
		return nil, &models.HeaderError{Path: path, Msg: "file shorter than the 8-byte length prefix"}
	}
	n := binary.LittleEndian.Uint64(prefix[:])
	if err := checkHeaderLen(n, info.Size()-8); err != nil {
		err.Path = path
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("read header %s: %w", path, err)
	}
	h, err := parseHeader(buf)
	if err != nil {
		return nil, withPath(err, path)
	}
	h.Size = int64(n)
	return h, nil
}

func checkHeaderLen(n uint64, available int64) *models.HeaderError {
	if n > maxHeaderSize {
		return &models.HeaderError{Msg: fmt.Sprintf("header length %d exceeds limit", n)}
	}
	if available < 0 || n > uint64(available) {
		return &models.HeaderError{Msg: fmt.Sprintf("header length %d larger than remaining %d bytes", n, available)}
	}
	return nil
}

func withPath(err error, path string) error {
	if he, ok := err.(*models.HeaderError); ok {
		he.Path = path
	}
	return err
}

func parseHeader(buf []byte) (*Header, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimRight(buf, " "), &raw); err != nil {
		return nil, &models.HeaderError{Msg: "invalid JSON: " + err.Error()}
	}
	h := &Header{Tensors: make(map[string]TensorInfo, len(raw))}
	for name, msg := range raw {
		if name == MetadataKey {
			if err := json.Unmarshal(msg, &h.Metadata); err != nil {
				return nil, &models.HeaderError{Msg: "invalid metadata: " + err.Error()}
			}
			continue
		}
		var ti TensorInfo
		if err := json.Unmarshal(msg, &ti); err != nil {
			return nil, &models.HeaderError{Msg: fmt.Sprintf("invalid tensor %q: %v", name, err)}
		}
		h.Tensors[name] = ti
	}
	return h, nil
}

// File is a fully loaded container.
type File struct {
	*Header
	data []byte
}

// Decode parses a whole container held in memory.
func Decode(buf []byte) (*File, error) {
	if len(buf) < 8 {
		return nil, &models.HeaderError{Msg: "file shorter than the 8-byte length prefix"}
	}
	n := binary.LittleEndian.Uint64(buf[:8])
	if err := checkHeaderLen(n, int64(len(buf)-8)); err != nil {
		return nil, err
	}
	h, err := parseHeader(buf[8 : 8+n])
	if err != nil {
		return nil, err
	}
	h.Size = int64(n)
	data := buf[8+n:]
	for name, ti := range h.Tensors {
		begin, end := ti.DataOffsets[0], ti.DataOffsets[1]
		if begin < 0 || end < begin || end > int64(len(data)) {
			return nil, &models.HeaderError{Msg: fmt.Sprintf("tensor %q offsets [%d,%d] out of range", name, begin, end)}
		}
		size := ti.DType.size()
		if size == 0 {
			return nil, &models.HeaderError{Msg: fmt.Sprintf("tensor %q has unsupported dtype %s", name, ti.DType)}
		}
		count := ti.Elements()
		if count < 0 {
			return nil, &models.HeaderError{Msg: fmt.Sprintf("tensor %q has invalid shape %v", name, ti.Shape)}
		}
		span := end - begin
		if span%int64(size) != 0 || span/int64(size) != count {
			return nil, &models.HeaderError{Msg: fmt.Sprintf("tensor %q byte length does not match shape %v", name, ti.Shape)}
		}
	}
	return &File{Header: h, data: data}, nil
}

// ReadFile loads and decodes the container at path.
func ReadFile(path string) (*File, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Decode(buf)
	if err != nil {
		return nil, withPath(err, path)
	}
	return f, nil
}

// Float32s returns the named tensor flattened and converted to float32.
func (f *File) Float32s(name string) ([]float32, error) {
	ti, ok := f.Tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor %q not found", name)
	}
	raw := f.data[ti.DataOffsets[0]:ti.DataOffsets[1]]
	if size := ti.DType.size(); size == 0 || int64(len(raw)) != ti.Elements()*int64(size) {
		return nil, fmt.Errorf("tensor %q byte length does not match shape %v", name, ti.Shape)
	}
	out := make([]float32, ti.Elements())
	switch ti.DType {
	case F32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case F64:
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	case F16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case BF16:
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	default:
		return nil, fmt.Errorf("tensor %q has unsupported dtype %s", name, ti.DType)
	}
	return out, nil
}

// Tensor is an F32 tensor to be written.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// Encode writes tensors and metadata to w. Tensors are laid out in name order
// and the header is space-padded to an 8-byte boundary, so equal input always
// yields identical bytes.
func Encode(w io.Writer, tensors []Tensor, metadata map[string]string) error {
	sorted := append([]Tensor(nil), tensors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header[MetadataKey] = metadata
	}
	var offset int64
	for _, t := range sorted {
		if t.Name == MetadataKey {
			return fmt.Errorf("tensor name %q is reserved", MetadataKey)
		}
		if _, dup := header[t.Name]; dup {
			return fmt.Errorf("duplicate tensor name %q", t.Name)
		}
		shape := t.Shape
		if shape == nil {
			shape = []int64{int64(len(t.Data))}
		}
		size := int64(len(t.Data)) * 4
		header[t.Name] = TensorInfo{DType: F32, Shape: shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	if pad := len(hb) % 8; pad != 0 {
		hb = append(hb, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(len(hb)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := w.Write(hb); err != nil {
		return err
	}
	buf := make([]byte, 0, 4096)
	for _, t := range sorted {
		for _, v := range t.Data {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
			if len(buf) >= 4096 {
				if _, err := w.Write(buf); err != nil {
					return err
				}
				buf = buf[:0]
			}
		}
	}
	if len(buf) > 0 {
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}
