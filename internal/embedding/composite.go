package embedding

import (
	"context"
	"errors"
	"image"

	"github.com/hyperjump/featcache/internal/models"
	"golang.org/x/sync/errgroup"
)

// CompositeAdapter concatenates the outputs of its children in order. It owns
// no weights; placement calls cascade to every child.
type CompositeAdapter struct {
	spec     Spec
	children []Adapter
}

func (c *CompositeAdapter) Kind() Kind { return KindComposite }

func (c *CompositeAdapter) Identity() models.ExtractorIdentity { return c.spec.Identity() }

// Children returns the child adapters in order.
func (c *CompositeAdapter) Children() []Adapter {
	return append([]Adapter(nil), c.children...)
}

func (c *CompositeAdapter) Dimension() int {
	n := 0
	for _, child := range c.children {
		n += child.Dimension()
	}
	return n
}

// EnsureReady places the children in order. When one fails, the children
// already placed are released again.
func (c *CompositeAdapter) EnsureReady(ctx context.Context, device models.Device) error {
	for i, child := range c.children {
		if err := child.EnsureReady(ctx, device); err != nil {
			errs := []error{err}
			for _, placed := range c.children[:i] {
				errs = append(errs, placed.Release(ctx))
			}
			return errors.Join(errs...)
		}
	}
	return nil
}

func (c *CompositeAdapter) Release(ctx context.Context) error {
	var errs []error
	for _, child := range c.children {
		errs = append(errs, child.Release(ctx))
	}
	return errors.Join(errs...)
}

func (c *CompositeAdapter) Unload() error {
	var errs []error
	for _, child := range c.children {
		errs = append(errs, child.Unload())
	}
	return errors.Join(errs...)
}

// Compute runs the children concurrently and joins their vectors in child order.
func (c *CompositeAdapter) Compute(ctx context.Context, img image.Image) (models.FeatureVector, error) {
	parts := make([]models.FeatureVector, len(c.children))
	g, gctx := errgroup.WithContext(ctx)
	for i, child := range c.children {
		i, child := i, child
		g.Go(func() error {
			v, err := child.Compute(gctx, img)
			if err != nil {
				return err
			}
			parts[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.FeatureVector{}, err
	}
	return models.Concat(parts[0].Device, parts...), nil
}
