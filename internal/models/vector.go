// Package models defines the core data types shared by the feature cache, the
// compute backends and the scoring layer.
package models

import (
	"math"
	"strings"
)

// Device names a placement target for model weights and feature vectors.
type Device string

const (
	// DeviceCPU is host memory. It is the default offload device.
	DeviceCPU Device = "cpu"
	// DeviceCUDA is the first CUDA accelerator.
	DeviceCUDA Device = "cuda"
)

// ParseDevice normalizes a device name. An empty name means cpu.
func ParseDevice(s string) Device {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DeviceCPU
	}
	return Device(s)
}

// IsAccelerator reports whether d is anything other than host memory.
func (d Device) IsAccelerator() bool {
	return d != DeviceCPU && d != ""
}

// FeatureVector is a fixed-width embedding of one image together with the
// device it currently lives on. Values must not be mutated after creation.
type FeatureVector struct {
	Values []float32 `json:"-"`
	Device Device    `json:"device"`
}

// NewFeatureVector wraps values placed on device.
func NewFeatureVector(values []float32, device Device) FeatureVector {
	return FeatureVector{Values: values, Device: device}
}

// Dim returns the vector dimension.
func (v FeatureVector) Dim() int {
	return len(v.Values)
}

// To returns a copy of v placed on device. The values are copied so the
// receiver and the result never share backing storage.
func (v FeatureVector) To(device Device) FeatureVector {
	values := make([]float32, len(v.Values))
	copy(values, v.Values)
	return FeatureVector{Values: values, Device: device}
}

// Equal reports bit-for-bit equality of the values. Placement is ignored.
func (v FeatureVector) Equal(o FeatureVector) bool {
	if len(v.Values) != len(o.Values) {
		return false
	}
	for i := range v.Values {
		if math.Float32bits(v.Values[i]) != math.Float32bits(o.Values[i]) {
			return false
		}
	}
	return true
}

// Concat joins vectors in the given order into one vector placed on device.
func Concat(device Device, vs ...FeatureVector) FeatureVector {
	n := 0
	for _, v := range vs {
		n += len(v.Values)
	}
	out := make([]float32, 0, n)
	for _, v := range vs {
		out = append(out, v.Values...)
	}
	return FeatureVector{Values: out, Device: device}
}
