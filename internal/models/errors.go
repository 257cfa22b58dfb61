package models

import (
	"errors"
	"fmt"
)

// ConfigurationError reports an invalid extractor configuration, detected at construction.
type ConfigurationError struct{ msg string }

func (e *ConfigurationError) Error() string { return "configuration error: " + e.msg }

// ErrConfiguration constructs a ConfigurationError.
func ErrConfiguration(format string, args ...any) error {
	return &ConfigurationError{msg: fmt.Sprintf(format, args...)}
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var e *ConfigurationError
	return errors.As(err, &e)
}

// IdentityMismatchError reports a cache file or score model that was produced
// by a different feature extractor than the one opening it.
type IdentityMismatchError struct {
	Source string
	Want   string
	Got    string
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("identity mismatch in %s: have %s, want %s", e.Source, e.Got, e.Want)
}

// IsIdentityMismatch reports whether err is an IdentityMismatchError.
func IsIdentityMismatch(err error) bool {
	var e *IdentityMismatchError
	return errors.As(err, &e)
}

// BackendLoadError reports missing or malformed backend weights. It is fatal and never retried.
type BackendLoadError struct {
	Backend string
	Err     error
}

func (e *BackendLoadError) Error() string {
	return fmt.Sprintf("failed to load backend %s: %v", e.Backend, e.Err)
}

func (e *BackendLoadError) Unwrap() error { return e.Err }

// IsBackendLoad reports whether err is a BackendLoadError.
func IsBackendLoad(err error) bool {
	var e *BackendLoadError
	return errors.As(err, &e)
}

// PlacementError reports a failed device move, e.g. accelerator out of memory.
type PlacementError struct {
	Backend string
	Device  Device
	Err     error
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("failed to place backend %s on %s: %v", e.Backend, e.Device, e.Err)
}

func (e *PlacementError) Unwrap() error { return e.Err }

// IsPlacement reports whether err is a PlacementError.
func IsPlacement(err error) bool {
	var e *PlacementError
	return errors.As(err, &e)
}

// HeaderError reports a malformed container header.
type HeaderError struct {
	Path string
	Msg  string
}

func (e *HeaderError) Error() string {
	if e.Path == "" {
		return "malformed header: " + e.Msg
	}
	return fmt.Sprintf("malformed header in %s: %s", e.Path, e.Msg)
}

// IsHeader reports whether err is a HeaderError.
func IsHeader(err error) bool {
	var e *HeaderError
	return errors.As(err, &e)
}
