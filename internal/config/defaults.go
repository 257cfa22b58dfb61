package config

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Images.Root == "" {
		cfg.Images.Root = "/usr/local/var/featcache/images"
	}
	if cfg.Images.Extensions == nil {
		cfg.Images.Extensions = []string{".png", ".jpg", ".jpeg", ".webp", ".bmp", ".gif", ".tif", ".tiff"}
	}
	if len(cfg.Features.Backends) == 0 {
		cfg.Features.Backends = []string{"openai/clip-vit-large-patch14"}
	}
	if cfg.Features.Device == "" {
		cfg.Features.Device = "cpu"
	}
	if cfg.Features.OffloadDevice == "" {
		cfg.Features.OffloadDevice = "cpu"
	}
	if cfg.Features.CacheDir == "" {
		cfg.Features.CacheDir = "/usr/local/var/featcache/data/cache"
	}
	if cfg.Runtime.Kind == "" {
		cfg.Runtime.Kind = "onnx"
	}
	if cfg.Runtime.ModelsDir == "" {
		cfg.Runtime.ModelsDir = "/usr/local/var/featcache/data/models"
	}
	if cfg.Scoring.ModelsDir == "" {
		cfg.Scoring.ModelsDir = "/usr/local/var/featcache/data/scorers"
	}
	if cfg.Scoring.CacheSize == 0 {
		cfg.Scoring.CacheSize = 4
	}
	if cfg.Classify.ClassifiersDir == "" {
		cfg.Classify.ClassifiersDir = "/usr/local/var/featcache/data/classifiers"
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/featcache/data/db/scores.db"
	}
	// Recursive defaults to true when unset (nil).
	if cfg.Watch.Enabled && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
