// Package cache persists feature vectors keyed by image identity in a
// safetensors container, one file per feature extractor identity.
package cache

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/hyperjump/featcache/internal/fileid"
	"github.com/hyperjump/featcache/internal/models"
	"github.com/hyperjump/featcache/internal/safetensors"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// Compression selects the on-disk encoding of the container.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionZstd Compression = "zstd"
)

// Extension returns the container extension for c.
func (c Compression) Extension() string {
	if c == CompressionZstd {
		return "safetensors.zst"
	}
	return "safetensors"
}

// ParseCompression accepts "", "none" and "zstd".
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("unknown cache compression %q (supported: none, zstd)", s)
	}
}

// FileName derives the cache file name for an identity:
// featurecache.<sanitized-identity>[_<layer-suffix>].<extension>
func FileName(id models.ExtractorIdentity, c Compression) string {
	return "featurecache." + models.SanitizeName(id.String()) + "." + c.Extension()
}

// Store is an in-memory record set backed by one container file. Records are
// only written on Flush. A Store is not safe for concurrent use.
type Store struct {
	path        string
	identity    models.ExtractorIdentity
	dimension   int
	records     map[string]models.FeatureVector
	dirty       bool
	compression Compression
	logger      *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for reload and flush messages.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithCompression selects the container encoding.
func WithCompression(c Compression) Option {
	return func(s *Store) { s.compression = c }
}

// WithDimension declares the expected vector width. Files holding vectors of
// any other width are rejected.
func WithDimension(n int) Option {
	return func(s *Store) { s.dimension = n }
}

// Open loads the container at path. A missing file is a cold start with an
// empty record set, not an error.
func Open(path string, identity models.ExtractorIdentity, opts ...Option) (*Store, error) {
	s := &Store{
		path:     path,
		identity: identity,
		records:  make(map[string]models.FeatureVector),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	buf, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no feature cache file found, starting cold", zap.String("path", path))
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read feature cache: %w", err)
	}
	if s.compression == CompressionZstd {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		buf, err = dec.DecodeAll(buf, nil)
		dec.Close()
		if err != nil {
			return nil, fmt.Errorf("decompress feature cache %s: %w", path, err)
		}
	}
	f, err := safetensors.Decode(buf)
	if err != nil {
		if he, ok := err.(*models.HeaderError); ok {
			he.Path = path
		}
		return nil, err
	}
	if err := s.checkIdentity(f.Metadata); err != nil {
		return nil, err
	}
	for _, name := range f.Names() {
		values, err := f.Float32s(name)
		if err != nil {
			return nil, fmt.Errorf("feature cache %s: %w", path, err)
		}
		if s.dimension == 0 {
			s.dimension = len(values)
		}
		if len(values) != s.dimension {
			return nil, s.mismatch(fmt.Sprintf("%d features", len(values)), fmt.Sprintf("%d features", s.dimension))
		}
		s.records[name] = models.NewFeatureVector(values, models.DeviceCPU)
	}
	s.logger.Info("reloaded features from cache file",
		zap.String("path", path),
		zap.Int("records", len(s.records)),
		zap.Int("dimension", s.dimension))
	return s, nil
}

func (s *Store) checkIdentity(md map[string]string) error {
	stored, dim, ok, err := models.IdentityFromMetadata(md)
	if err != nil {
		return fmt.Errorf("feature cache %s: %w", s.path, err)
	}
	if !ok {
		return nil
	}
	if !stored.Equal(s.identity) {
		return s.mismatch(stored.String(), s.identity.String())
	}
	if dim > 0 && s.dimension > 0 && dim != s.dimension {
		return s.mismatch(strconv.Itoa(dim)+" features", strconv.Itoa(s.dimension)+" features")
	}
	if s.dimension == 0 {
		s.dimension = dim
	}
	return nil
}

func (s *Store) mismatch(got, want string) error {
	return &models.IdentityMismatchError{Source: s.path, Got: got, Want: want}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Identity returns the identity the store was opened under.
func (s *Store) Identity() models.ExtractorIdentity { return s.identity }

// Dimension returns the vector width, 0 while the store is empty and undeclared.
func (s *Store) Dimension() int { return s.dimension }

// Len returns the number of records.
func (s *Store) Len() int { return len(s.records) }

// Dirty reports whether there are records not yet flushed.
func (s *Store) Dirty() bool { return s.dirty }

// Get looks up key after normalization.
func (s *Store) Get(key string) (models.FeatureVector, bool) {
	v, ok := s.records[fileid.EntryName(key)]
	return v, ok
}

// Has reports whether key is cached.
func (s *Store) Has(key string) bool {
	_, ok := s.records[fileid.EntryName(key)]
	return ok
}

// Put inserts or overwrites the vector for key. It does not persist.
func (s *Store) Put(key string, v models.FeatureVector) error {
	if v.Dim() == 0 {
		return fmt.Errorf("refusing to cache empty vector for %s", key)
	}
	if s.dimension == 0 {
		s.dimension = v.Dim()
	}
	if v.Dim() != s.dimension {
		return fmt.Errorf("vector for %s has %d features, store holds %d", key, v.Dim(), s.dimension)
	}
	s.records[fileid.EntryName(key)] = v
	s.dirty = true
	return nil
}

// Keys returns the normalized keys in sorted order.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Flush writes the full record set to the backing file. The new content is
// written to a temporary file in the same directory and renamed into place,
// so a failed flush leaves the previous file untouched.
func (s *Store) Flush() error {
	tensors := make([]safetensors.Tensor, 0, len(s.records))
	for name, v := range s.records {
		tensors = append(tensors, safetensors.Tensor{Name: name, Data: v.Values})
	}
	var buf bytes.Buffer
	if err := safetensors.Encode(&buf, tensors, s.identity.Metadata(s.dimension)); err != nil {
		return fmt.Errorf("encode feature cache: %w", err)
	}
	data := buf.Bytes()
	if s.compression == CompressionZstd {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("zstd writer: %w", err)
		}
		data = enc.EncodeAll(data, nil)
		_ = enc.Close()
	}
	if err := writeAtomic(s.path, data); err != nil {
		return fmt.Errorf("flush feature cache %s: %w", s.path, err)
	}
	s.dirty = false
	s.logger.Info("feature cache flushed", zap.String("path", s.path), zap.Int("records", len(s.records)))
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
