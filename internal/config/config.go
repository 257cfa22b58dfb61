// Package config provides configuration loading and structs for featcache.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperjump/featcache/internal/embedding"
	"github.com/hyperjump/featcache/internal/models"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug    bool           `yaml:"debug" toml:"debug"`
	Images   ImagesConfig   `yaml:"images" toml:"images"`
	Features FeaturesConfig `yaml:"features" toml:"features"`
	Runtime  RuntimeConfig  `yaml:"runtime" toml:"runtime"`
	Scoring  ScoringConfig  `yaml:"scoring" toml:"scoring"`
	Classify ClassifyConfig `yaml:"classify" toml:"classify"`
	Storage  StorageConfig  `yaml:"storage" toml:"storage"`
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Watch    WatchConfig    `yaml:"watch" toml:"watch"`
}

// ImagesConfig locates the image set. Cache keys are paths relative to Root.
type ImagesConfig struct {
	Root       string   `yaml:"root" toml:"root"`
	Extensions []string `yaml:"extensions" toml:"extensions"`
}

// FeaturesConfig selects the feature extractor and its cache.
type FeaturesConfig struct {
	Backends      []string     `yaml:"backends" toml:"backends"`
	HiddenStates  HiddenStates `yaml:"hidden_states,omitempty" toml:"hidden_states,omitempty"`
	LastNLayers   int          `yaml:"last_n_layers,omitempty" toml:"last_n_layers,omitempty"`
	Device        string       `yaml:"device" toml:"device"`
	OffloadDevice string       `yaml:"offload_device" toml:"offload_device"`
	UseCache      *bool        `yaml:"use_cache" toml:"use_cache"`
	CacheDir      string       `yaml:"cache_dir" toml:"cache_dir"`
	Compression   string       `yaml:"compression" toml:"compression"`
}

// Layers returns the configured layer selector.
func (f *FeaturesConfig) Layers() models.LayerSelector {
	return models.LayerSelector{HiddenStates: []int(f.HiddenStates), LastN: f.LastNLayers}
}

// UseCacheOrDefault returns whether to cache features; defaults to true when unset.
func (f *FeaturesConfig) UseCacheOrDefault() bool {
	if f.UseCache != nil {
		return *f.UseCache
	}
	return true
}

// RuntimeConfig selects how backend weights are loaded.
type RuntimeConfig struct {
	// Kind is "onnx" or "mock".
	Kind        string            `yaml:"kind" toml:"kind"`
	ModelsDir   string            `yaml:"models_dir" toml:"models_dir"`
	LibraryPath string            `yaml:"library_path" toml:"library_path"`
	Aliases     map[string]string `yaml:"aliases" toml:"aliases"`
}

// ScoringConfig holds score model settings.
type ScoringConfig struct {
	ModelsDir    string  `yaml:"models_dir" toml:"models_dir"`
	DefaultModel string  `yaml:"default_model" toml:"default_model"`
	CacheSize    int     `yaml:"cache_size" toml:"cache_size"`
	Threshold    float64 `yaml:"threshold" toml:"threshold"`
}

// ClassifyConfig holds image classifier settings. Each classifier is a
// directory under ClassifiersDir holding categories.json and a linear head.
type ClassifyConfig struct {
	ClassifiersDir string `yaml:"classifiers_dir" toml:"classifiers_dir"`
}

// StorageConfig holds the score database path.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path" toml:"database_path"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port"`
}

// WatchConfig holds image root watch settings.
type WatchConfig struct {
	Enabled   bool  `yaml:"enabled" toml:"enabled"`
	Recursive *bool `yaml:"recursive" toml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// HiddenStates is a list of layer offsets. In YAML it also accepts the
// string forms "[0,1]", "0,1" and "0_1"; TOML takes an array.
type HiddenStates []int

func (h *HiddenStates) UnmarshalYAML(node *yaml.Node) error {
	var list []int
	if node.Kind == yaml.ScalarNode {
		parsed, err := models.ParseHiddenStates(node.Value)
		if err != nil {
			return err
		}
		list = parsed
	} else if err := node.Decode(&list); err != nil {
		return err
	}
	*h = list
	return nil
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Files ending in .toml are parsed as TOML, anything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if isTOML(path) {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Images.Root = expandPath(cfg.Images.Root, configDir)
	cfg.Features.CacheDir = expandPath(cfg.Features.CacheDir, configDir)
	cfg.Runtime.ModelsDir = expandPath(cfg.Runtime.ModelsDir, configDir)
	if cfg.Runtime.LibraryPath != "" {
		cfg.Runtime.LibraryPath = expandPath(cfg.Runtime.LibraryPath, configDir)
	}
	cfg.Scoring.ModelsDir = expandPath(cfg.Scoring.ModelsDir, configDir)
	cfg.Classify.ClassifiersDir = expandPath(cfg.Classify.ClassifiersDir, configDir)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)

	return &cfg, nil
}

// Validate checks settings that defaults cannot repair.
func (c *Config) Validate() error {
	if len(c.Features.Backends) == 0 {
		return models.ErrConfiguration("features.backends is empty")
	}
	if _, err := embedding.ParseSpec(c.Features.Backends, c.Features.Layers()); err != nil {
		return err
	}
	switch c.Runtime.Kind {
	case "onnx", "mock":
	default:
		return models.ErrConfiguration("unknown runtime kind %q (supported: onnx, mock)", c.Runtime.Kind)
	}
	return nil
}

// Save writes the config to path in the format its extension selects.
func Save(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		data, err = toml.Marshal(cfg)
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
