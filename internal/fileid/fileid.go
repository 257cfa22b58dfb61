// Package fileid derives cache keys for images from their paths.
package fileid

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for paths and keys that escape the image root.
var ErrOutsideRoot = errors.New("path is outside the image root")

// Key returns the identity of path relative to root, in slash form.
// Same image under the same root always yields the same key.
func Key(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absPath := path
	if !filepath.IsAbs(absPath) {
		absPath = filepath.Join(absRoot, path)
	}
	rel, err := filepath.Rel(absRoot, filepath.Clean(absPath))
	if err != nil {
		return "", fmt.Errorf("relative path of %s: %w", path, err)
	}
	if escapes(rel) {
		return "", fmt.Errorf("%s: %w", path, ErrOutsideRoot)
	}
	return filepath.ToSlash(rel), nil
}

// Resolve is the inverse of Key: it returns the file path for key under root.
// Absolute keys and keys that climb above root are rejected.
func Resolve(root, key string) (string, error) {
	native := filepath.FromSlash(key)
	if filepath.IsAbs(native) || filepath.VolumeName(native) != "" {
		return "", fmt.Errorf("%s: %w", key, ErrOutsideRoot)
	}
	path := filepath.Join(root, native)
	rel, err := filepath.Rel(root, path)
	if err != nil || escapes(rel) {
		return "", fmt.Errorf("%s: %w", key, ErrOutsideRoot)
	}
	return path, nil
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

var reserved = strings.NewReplacer("/", "_", "\\", "_", ":", "_")

// EntryName normalizes a key for use as a container entry name: path
// separators and colons become underscores.
func EntryName(key string) string {
	return reserved.Replace(filepath.ToSlash(key))
}
