package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperjump/featcache/internal/models"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
features:
  backends: ["openai/clip-vit-base-patch32"]
  hidden_states: [0, 2]
storage:
  database_path: "test.db"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.DatabasePath == "" {
		t.Error("database_path should be set")
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
	layers := cfg.Features.Layers()
	if len(layers.HiddenStates) != 2 || layers.HiddenStates[1] != 2 {
		t.Errorf("hidden_states: got %v", layers.HiddenStates)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_hiddenStatesString(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
features:
  hidden_states: "[0,1]"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Features.Layers().Suffix(); got != "0_1" {
		t.Errorf("layer suffix = %q, want 0_1", got)
	}
}

func TestLoad_toml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
debug = true

[features]
backends = ["a", "apple/aimv2-large-patch14-224"]
last_n_layers = 3
use_cache = false
compression = "zstd"

[runtime]
kind = "mock"
models_dir = "./models"

[runtime.aliases]
"a" = "openai/clip-vit-large-patch14"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Debug {
		t.Error("debug should be true when set in config")
	}
	if cfg.Features.LastNLayers != 3 || len(cfg.Features.Backends) != 2 {
		t.Errorf("features: got %+v", cfg.Features)
	}
	if cfg.Features.UseCacheOrDefault() {
		t.Error("use_cache should be false")
	}
	if cfg.Runtime.ModelsDir != filepath.Join(dir, "models") {
		t.Errorf("models_dir = %s", cfg.Runtime.ModelsDir)
	}
	if cfg.Runtime.Aliases["a"] != "openai/clip-vit-large-patch14" {
		t.Errorf("aliases: got %v", cfg.Runtime.Aliases)
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
images:
  root: "./images"
features:
  cache_dir: "./cache"
storage:
  database_path: "./data/db/scores.db"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	wantDB := filepath.Join(dir, "data", "db", "scores.db")
	if cfg.Storage.DatabasePath != wantDB {
		t.Errorf("database_path = %s, want %s", cfg.Storage.DatabasePath, wantDB)
	}
	if cfg.Images.Root != filepath.Join(dir, "images") {
		t.Errorf("images root = %s", cfg.Images.Root)
	}
	if cfg.Features.CacheDir != filepath.Join(dir, "cache") {
		t.Errorf("cache_dir = %s", cfg.Features.CacheDir)
	}
	if cfg.Runtime.LibraryPath != "" {
		t.Errorf("library_path should stay empty, got %s", cfg.Runtime.LibraryPath)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Server.Host != "localhost" {
		t.Errorf("default host: got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port: got %d", cfg.Server.Port)
	}
	if len(cfg.Features.Backends) != 1 {
		t.Errorf("default backends: got %v", cfg.Features.Backends)
	}
	if !cfg.Features.UseCacheOrDefault() {
		t.Error("use_cache should default to true")
	}
	if cfg.Runtime.Kind != "onnx" {
		t.Errorf("default runtime: got %s", cfg.Runtime.Kind)
	}
	if cfg.Images.Extensions[0] != ".png" {
		t.Errorf("image extensions: got %v", cfg.Images.Extensions)
	}
	if cfg.Watch.Recursive != nil {
		t.Error("recursive should stay unset while watching is disabled")
	}
}

func TestApplyDefaults_WatchRecursiveWhenEnabled(t *testing.T) {
	cfg := &Config{Watch: WatchConfig{Enabled: true}}
	ApplyDefaults(cfg)
	if cfg.Watch.Recursive == nil || !*cfg.Watch.Recursive {
		t.Error("recursive should default to true when watching is enabled")
	}
}

func TestWatchConfig_RecursiveOrDefault(t *testing.T) {
	t.Run("nil_returns_true", func(t *testing.T) {
		w := &WatchConfig{}
		if got := w.RecursiveOrDefault(); !got {
			t.Errorf("RecursiveOrDefault() = %v, want true", got)
		}
	})
	t.Run("false_returns_false", func(t *testing.T) {
		f := false
		w := &WatchConfig{Recursive: &f}
		if got := w.RecursiveOrDefault(); got {
			t.Errorf("RecursiveOrDefault() = %v, want false", got)
		}
	})
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Features.HiddenStates = HiddenStates{0}
	cfg.Features.LastNLayers = 2
	if err := cfg.Validate(); !models.IsConfiguration(err) {
		t.Errorf("both selectors: got %v, want configuration error", err)
	}

	cfg.Features.Backends = []string{"apple/aimv2-large-patch14-224"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("alternative backend ignores layer selection: got %v", err)
	}

	cfg.Features.Backends = []string{"openai/clip-vit-large-patch14"}
	cfg.Features.LastNLayers = 0
	cfg.Runtime.Kind = "tpu"
	if err := cfg.Validate(); !models.IsConfiguration(err) {
		t.Errorf("unknown runtime: got %v, want configuration error", err)
	}
}

func TestSave(t *testing.T) {
	for _, name := range []string{"saved.yaml", "saved.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			on := true
			cfg := &Config{
				Server:   ServerConfig{Host: "localhost", Port: 9090},
				Storage:  StorageConfig{DatabasePath: "/tmp/db"},
				Features: FeaturesConfig{HiddenStates: HiddenStates{0, 1}, UseCache: &on},
				Watch:    WatchConfig{Recursive: &on},
			}
			if err := Save(path, cfg); err != nil {
				t.Fatal(err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatal(err)
			}
			if loaded.Server.Port != 9090 {
				t.Errorf("loaded port: got %d", loaded.Server.Port)
			}
			if got := loaded.Features.Layers().Suffix(); got != "0_1" {
				t.Errorf("loaded hidden_states suffix: got %q", got)
			}
		})
	}
}
