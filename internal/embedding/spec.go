package embedding

import (
	"strings"

	"github.com/hyperjump/featcache/internal/models"
)

// Kind discriminates adapter variants.
type Kind string

const (
	KindVisionTransformer Kind = "vision_transformer"
	KindAlternative       Kind = "alternative"
	KindComposite         Kind = "composite"
)

// AlternativeMarker in a backend identifier selects the alternative architecture.
const AlternativeMarker = "apple"

// Spec is a resolved backend description.
type Spec struct {
	Kind     Kind
	ID       string
	Children []Spec
	Layers   models.LayerSelector
}

// ParseSpec resolves backend identifiers into a Spec. Several identifiers, or
// one identifier containing models.MultiBackendSeparator, yield a composite
// with one child per identifier in order; an identifier containing
// AlternativeMarker yields the alternative architecture; anything else is a
// vision transformer. An invalid selector, such as one with both hidden
// states and a layer count, is a ConfigurationError as soon as a vision
// transformer would use it. The alternative architecture ignores the selector.
func ParseSpec(ids []string, layers models.LayerSelector) (Spec, error) {
	spec, err := parseSpec(ids, layers)
	if err != nil {
		return Spec{}, err
	}
	if spec.usesLayers() {
		if err := layers.Validate(); err != nil {
			return Spec{}, err
		}
	}
	return spec, nil
}

func parseSpec(ids []string, layers models.LayerSelector) (Spec, error) {
	var flat []string
	for _, id := range ids {
		for _, part := range strings.Split(id, models.MultiBackendSeparator) {
			part = strings.TrimSpace(part)
			if part == "" {
				return Spec{}, models.ErrConfiguration("empty backend identifier in %q", ids)
			}
			flat = append(flat, part)
		}
	}
	switch len(flat) {
	case 0:
		return Spec{}, models.ErrConfiguration("no backend identifier given")
	case 1:
		return leafSpec(flat[0], layers), nil
	}
	spec := Spec{Kind: KindComposite, ID: strings.Join(flat, models.MultiBackendSeparator), Layers: layers}
	for _, id := range flat {
		spec.Children = append(spec.Children, leafSpec(id, layers))
	}
	return spec, nil
}

func leafSpec(id string, layers models.LayerSelector) Spec {
	if strings.Contains(id, AlternativeMarker) {
		return Spec{Kind: KindAlternative, ID: id, Layers: layers}
	}
	return Spec{Kind: KindVisionTransformer, ID: id, Layers: layers}
}

// usesLayers reports whether any leaf is a vision transformer.
func (s Spec) usesLayers() bool {
	switch s.Kind {
	case KindVisionTransformer:
		return true
	case KindComposite:
		for _, c := range s.Children {
			if c.usesLayers() {
				return true
			}
		}
	}
	return false
}

// Backends returns the leaf identifiers in order.
func (s Spec) Backends() []string {
	if s.Kind != KindComposite {
		return []string{s.ID}
	}
	var out []string
	for _, c := range s.Children {
		out = append(out, c.Backends()...)
	}
	return out
}

// Identity returns the extractor identity. Alternative backends ignore layer
// selection, so it does not appear in their identity.
func (s Spec) Identity() models.ExtractorIdentity {
	id := models.ExtractorIdentity{Backends: s.Backends()}
	if s.Kind != KindAlternative {
		id.Layers = s.Layers
	}
	return id
}
