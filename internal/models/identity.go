package models

import (
	"fmt"
	"strconv"
	"strings"
)

// MultiBackendSeparator joins several backend identifiers into one composite identifier.
const MultiBackendSeparator = "___"

// LayerSelector picks which hidden states of a transformer backend contribute to
// the output vector. At most one of HiddenStates and LastN may be set.
type LayerSelector struct {
	// HiddenStates are offsets counted from the top of the stack, 0 = last layer.
	HiddenStates []int `json:"hidden_states,omitempty" yaml:"hidden_states,omitempty"`
	// LastN selects the last N layers in stack order.
	LastN int `json:"last_n_layers,omitempty" yaml:"last_n_layers,omitempty"`
}

// IsZero reports whether no selector is configured.
func (l LayerSelector) IsZero() bool {
	return len(l.HiddenStates) == 0 && l.LastN == 0
}

// Validate rejects conflicting or out-of-range selections.
func (l LayerSelector) Validate() error {
	if len(l.HiddenStates) > 0 && l.LastN != 0 {
		return ErrConfiguration("can't specify a hidden states list (%v) and last_n_layers (%d)", l.HiddenStates, l.LastN)
	}
	if l.LastN < 0 {
		return ErrConfiguration("last_n_layers must be positive, got %d", l.LastN)
	}
	for _, off := range l.HiddenStates {
		if off < 0 {
			return ErrConfiguration("hidden state offset must not be negative, got %d", off)
		}
	}
	return nil
}

// Count returns the number of layers that contribute to the output.
func (l LayerSelector) Count() int {
	switch {
	case len(l.HiddenStates) > 0:
		return len(l.HiddenStates)
	case l.LastN > 0:
		return l.LastN
	default:
		return 1
	}
}

// Suffix encodes the active selection for cache file names: "0_1" for a hidden
// state list, "last3" for a layer count, "" when nothing is configured.
func (l LayerSelector) Suffix() string {
	if l.LastN > 0 {
		return "last" + strconv.Itoa(l.LastN)
	}
	if len(l.HiddenStates) > 0 {
		return JoinOffsets(l.HiddenStates)
	}
	return ""
}

// Equal compares two selectors.
func (l LayerSelector) Equal(o LayerSelector) bool {
	if l.LastN != o.LastN || len(l.HiddenStates) != len(o.HiddenStates) {
		return false
	}
	for i := range l.HiddenStates {
		if l.HiddenStates[i] != o.HiddenStates[i] {
			return false
		}
	}
	return true
}

// JoinOffsets renders offsets as an underscore-joined list.
func JoinOffsets(offsets []int) string {
	parts := make([]string, len(offsets))
	for i, o := range offsets {
		parts[i] = strconv.Itoa(o)
	}
	return strings.Join(parts, "_")
}

// ParseHiddenStates accepts "[0,1]", "0,1" or "0_1". Empty input yields nil.
func ParseHiddenStates(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '_' || r == ' ' })
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, ErrConfiguration("invalid hidden state %q", f)
		}
		out = append(out, n)
	}
	return out, nil
}

// ExtractorIdentity determines both the cache file name and the expected
// vector dimension of a feature extractor.
type ExtractorIdentity struct {
	Backends []string      `json:"backends"`
	Layers   LayerSelector `json:"layers"`
}

// Name joins the backend identifiers with MultiBackendSeparator.
func (id ExtractorIdentity) Name() string {
	return strings.Join(id.Backends, MultiBackendSeparator)
}

// String returns the name plus the layer suffix, if any.
func (id ExtractorIdentity) String() string {
	if s := id.Layers.Suffix(); s != "" {
		return id.Name() + "_" + s
	}
	return id.Name()
}

// Equal compares identities by backend list and layer selection.
func (id ExtractorIdentity) Equal(o ExtractorIdentity) bool {
	return id.Name() == o.Name() && id.Layers.Equal(o.Layers)
}

// SanitizeName replaces path separators and colons with underscores.
func SanitizeName(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(s)
}

// Metadata renders the identity as container metadata.
func (id ExtractorIdentity) Metadata(dimension int) map[string]string {
	md := map[string]string{"feature_extractor_model": id.Name()}
	if len(id.Layers.HiddenStates) > 0 {
		md["hidden_states"] = JoinOffsets(id.Layers.HiddenStates)
	}
	if id.Layers.LastN > 0 {
		md["last_n_layers"] = strconv.Itoa(id.Layers.LastN)
	}
	if dimension > 0 {
		md["number_of_features"] = strconv.Itoa(dimension)
	}
	return md
}

// IdentityFromMetadata is the inverse of Metadata. ok is false when the
// metadata does not name a feature extractor.
func IdentityFromMetadata(md map[string]string) (id ExtractorIdentity, dimension int, ok bool, err error) {
	name := md["feature_extractor_model"]
	if name == "" {
		return ExtractorIdentity{}, 0, false, nil
	}
	id.Backends = strings.Split(name, MultiBackendSeparator)
	if hs := md["hidden_states"]; hs != "" {
		if id.Layers.HiddenStates, err = ParseHiddenStates(hs); err != nil {
			return ExtractorIdentity{}, 0, false, err
		}
	}
	if n := md["last_n_layers"]; n != "" {
		if id.Layers.LastN, err = strconv.Atoi(n); err != nil {
			return ExtractorIdentity{}, 0, false, fmt.Errorf("invalid last_n_layers %q: %w", n, err)
		}
	}
	if n := md["number_of_features"]; n != "" {
		if dimension, err = strconv.Atoi(n); err != nil {
			return ExtractorIdentity{}, 0, false, fmt.Errorf("invalid number_of_features %q: %w", n, err)
		}
	}
	return id, dimension, true, nil
}
