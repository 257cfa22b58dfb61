// Package embedding turns decoded images into fixed-width feature vectors
// using interchangeable compute backends.
//
// Backends are described by a Spec, resolved once from backend identifiers by
// ParseSpec, and built into an Adapter by New. Each leaf adapter owns one
// lifecycle.Handle for its weights; a composite adapter owns only its children.
package embedding

import (
	"context"
	"errors"
	"image"

	"github.com/hyperjump/featcache/internal/models"
)

// Adapter computes feature vectors for images.
type Adapter interface {
	// Kind reports which variant this adapter is.
	Kind() Kind
	// Identity returns the extractor identity used to name caches.
	Identity() models.ExtractorIdentity
	// Dimension returns the width of every vector Compute produces.
	Dimension() int
	// Compute returns the feature vector for img. The adapter must be ready.
	Compute(ctx context.Context, img image.Image) (models.FeatureVector, error)
	// EnsureReady loads the weights if needed and places them on device.
	EnsureReady(ctx context.Context, device models.Device) error
	// Release parks the weights on the offload device.
	Release(ctx context.Context) error
	// Unload drops the weights entirely.
	Unload() error
}

// ErrNotReady is returned by Compute when the weights are not placed on a device.
var ErrNotReady = errors.New("backend not ready")

// Acquire places a on device, runs fn and then releases a, also when fn or the
// placement itself fails, so a failed batch never leaves weights stranded on
// the compute device.
func Acquire(ctx context.Context, a Adapter, device models.Device, fn func() error) (err error) {
	defer func() {
		if rerr := a.Release(ctx); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	if err := a.EnsureReady(ctx, device); err != nil {
		return err
	}
	return fn()
}
