// Package main is the featcache CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hyperjump/featcache/internal/classify"
	"github.com/hyperjump/featcache/internal/cli"
	"github.com/hyperjump/featcache/internal/config"
	"github.com/hyperjump/featcache/internal/scoring"
	"github.com/hyperjump/featcache/internal/server"
	"github.com/hyperjump/featcache/internal/watcher"
	"github.com/hyperjump/featcache/pkg/utils"
	"go.uber.org/zap"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/featcache/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, config.yaml in
// the current directory wins if it exists. Returns the path actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				path = fallback
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "precache":
		runPrecache()
	case "features":
		runFeatures()
	case "score":
		runScore()
	case "classify":
		runClassify()
	case "watch":
		runWatch()
	case "server":
		runServer()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("featcache version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// setup loads config, builds the logger and initializes components.
func setup(configPath string, debug bool) (*Components, string) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	debugMode := cfg.Debug || debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debugMode))
	c, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	return c, resolved
}

func (c *Components) shutdown() {
	if err := c.Close(); err != nil {
		c.Logger.Warn("shutdown incomplete", zap.Error(err))
	}
	_ = c.Logger.Sync()
}

func parseOutput(s string) cli.OutputFormat {
	format, err := cli.ParseOutputFormat(s)
	if err != nil {
		fatalf("%v", err)
	}
	return format
}

type precacheFlags struct {
	configPath string
	debug      bool
	release    bool
	output     string
	keys       []string
}

func parsePrecacheFlags(args []string, handling flag.ErrorHandling) (precacheFlags, error) {
	var pf precacheFlags
	fs := flag.NewFlagSet("precache", handling)
	fs.StringVar(&pf.configPath, "config", defaultConfigPath, "config file path")
	fs.BoolVar(&pf.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&pf.release, "release", true, "unload backend weights when done (--release=false keeps them loaded)")
	fs.StringVar(&pf.output, "output", "text", "output format: text or json")
	if err := fs.Parse(args); err != nil {
		return precacheFlags{}, err
	}
	pf.keys = fs.Args()
	return pf, nil
}

func runPrecache() {
	pf, _ := parsePrecacheFlags(os.Args[2:], flag.ExitOnError)
	format := parseOutput(pf.output)

	c, _ := setup(pf.configPath, pf.debug)
	defer c.shutdown()

	keys := pf.keys
	if len(keys) == 0 {
		var err error
		if keys, err = c.ScanImages(); err != nil {
			fatalf("Failed to list images: %v", err)
		}
	}
	svc, err := c.DefaultFeatures()
	if err != nil {
		fatalf("Failed to initialize features: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	res, err := svc.Precache(ctx, keys, pf.release)
	_ = cli.WritePrecacheResult(os.Stdout, res, format)
	if err != nil {
		fatalf("Precache failed: %v", err)
	}
}

func runFeatures() {
	fs := flag.NewFlagSet("features", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	maxValues := fs.Int("n", 8, "values shown per vector in text output (0 = all)")
	output := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format := parseOutput(*output)
	if fs.NArg() < 1 {
		fatalf("Usage: featcache features [flags] <image-key>...")
	}

	c, _ := setup(*configPath, *debug)
	defer c.shutdown()
	svc, err := c.DefaultFeatures()
	if err != nil {
		fatalf("Failed to initialize features: %v", err)
	}

	ctx := context.Background()
	reports := make([]cli.FeatureReport, 0, fs.NArg())
	for _, key := range fs.Args() {
		v, err := svc.GetFeatures(ctx, key, c.device)
		if err != nil {
			fatalf("Features failed for %s: %v", key, err)
		}
		reports = append(reports, cli.FeatureReport{
			Key:       key,
			Extractor: svc.Identity().String(),
			Dimension: v.Dim(),
			Values:    v.Values,
		})
	}
	if err := cli.WriteFeatures(os.Stdout, reports, *maxValues, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

type scoreHTTPRequest struct {
	Model     string   `json:"model"`
	Keys      []string `json:"keys"`
	Threshold *float64 `json:"threshold,omitempty"`
}

func runScore() {
	fs := flag.NewFlagSet("score", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	model := fs.String("model", "", "score model name (default from config)")
	threshold := fs.Float64("threshold", 0, "mark images scoring below this normalized score")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = score locally)")
	output := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format := parseOutput(*output)
	if fs.NArg() < 1 {
		fatalf("Usage: featcache score [flags] <image-key>...")
	}
	var thresholdPtr *float64
	if flagSet(fs, "threshold") {
		thresholdPtr = threshold
	}

	var report *cli.ScoreReport
	if *serverURL != "" {
		var resp struct {
			Model  string          `json:"model"`
			Scores []scoring.Score `json:"scores"`
		}
		req := scoreHTTPRequest{Model: *model, Keys: fs.Args(), Threshold: thresholdPtr}
		if err := postJSON(*serverURL+"/api/v1/score", req, &resp); err != nil {
			fatalf("Score failed: %v", err)
		}
		report = cli.NewScoreReport(resp.Model, resp.Scores, thresholdPtr)
	} else {
		c, _ := setup(*configPath, *debug)
		defer c.shutdown()
		name := *model
		if name == "" {
			name = c.Config.Scoring.DefaultModel
		}
		if name == "" {
			fatalf("No score model given and scoring.default_model is empty")
		}
		if thresholdPtr == nil && c.Config.Scoring.Threshold != 0 {
			thresholdPtr = &c.Config.Scoring.Threshold
		}
		ctx := context.Background()
		scores := make([]scoring.Score, 0, fs.NArg())
		for _, key := range fs.Args() {
			s, err := c.Scoring.Score(ctx, name, key)
			if err != nil {
				c.shutdown()
				fatalf("Score failed for %s: %v", key, err)
			}
			scores = append(scores, s)
		}
		report = cli.NewScoreReport(name, scores, thresholdPtr)
	}
	if err := cli.WriteScores(os.Stdout, report, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runClassify() {
	fs := flag.NewFlagSet("classify", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	classifier := fs.String("classifier", "", "classifier directory name")
	category := fs.String("category", "", "print only the probability of this category")
	output := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format := parseOutput(*output)
	if fs.NArg() < 1 || *classifier == "" {
		fatalf("Usage: featcache classify --classifier <name> [flags] <image-key>...")
	}

	c, _ := setup(*configPath, *debug)
	defer c.shutdown()
	ctx := context.Background()

	if *category != "" {
		probs, err := c.Classify.CategoryScores(ctx, *classifier, *category, fs.Args())
		if err != nil {
			c.shutdown()
			fatalf("Classify failed: %v", err)
		}
		if format == cli.OutputJSON {
			_ = json.NewEncoder(os.Stdout).Encode(map[string]interface{}{"category": *category, "scores": probs})
			return
		}
		fmt.Println(classify.FormatPercents(probs))
		return
	}
	results := make([]classify.Result, 0, fs.NArg())
	for _, key := range fs.Args() {
		res, err := c.Classify.Classify(ctx, *classifier, key)
		if err != nil {
			c.shutdown()
			fatalf("Classify failed for %s: %v", key, err)
		}
		results = append(results, res)
	}
	if err := cli.WriteClassifications(os.Stdout, results, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func flagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// newWatcher precaches every batch of new images under the image root.
func newWatcher(c *Components) (*watcher.Watcher, error) {
	svc, err := c.DefaultFeatures()
	if err != nil {
		return nil, err
	}
	logger := c.Logger
	onBatch := func(keys []string) {
		res, err := svc.Precache(context.Background(), keys, false)
		if err != nil {
			logger.Warn("watch precache failed", zap.Strings("keys", keys), zap.Error(err))
			return
		}
		logger.Info("watch precache", zap.Int("computed", res.Computed), zap.Int("records", res.Records))
	}
	return watcher.New(c.Config.Images.Root, c.Config.Images.Extensions, onBatch,
		watcher.WithLogger(logger),
		watcher.WithRecursive(c.Config.Watch.RecursiveOrDefault())), nil
}

func runWatch() {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	syncExisting := fs.Bool("sync", true, "precache existing images before watching")
	_ = fs.Parse(os.Args[2:])

	c, _ := setup(*configPath, *debug)
	defer c.shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *syncExisting {
		keys, err := c.ScanImages()
		if err != nil {
			c.Logger.Fatal("Failed to list images", zap.Error(err))
		}
		svc, err := c.DefaultFeatures()
		if err != nil {
			c.Logger.Fatal("Failed to initialize features", zap.Error(err))
		}
		if _, err := svc.Precache(ctx, keys, false); err != nil {
			c.Logger.Warn("initial precache incomplete", zap.Error(err))
		}
	}
	w, err := newWatcher(c)
	if err != nil {
		c.Logger.Fatal("Failed to initialize watcher", zap.Error(err))
	}
	if err := w.Start(ctx); err != nil {
		c.Logger.Fatal("Failed to start watcher", zap.Error(err))
	}
	c.Logger.Info("watching images", zap.String("root", w.Root()))
	<-ctx.Done()
	w.Stop()
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	c, resolved := setup(*configPath, *debug)
	defer c.shutdown()
	logger := c.Logger
	logger.Info("config loaded", zap.String("config_path", resolved))

	svc, err := c.DefaultFeatures()
	if err != nil {
		logger.Fatal("Failed to initialize features", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Config.Watch.Enabled {
		w, err := newWatcher(c)
		if err != nil {
			logger.Fatal("Failed to initialize watcher", zap.Error(err))
		}
		if err := w.Start(ctx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
		defer w.Stop()
	}

	srv := server.NewServer(svc, c.Scoring, c.Storage, &c.Config.Server, logger,
		server.WithMetrics(c.Metrics, c.Registry),
		server.WithKeyLister(c.ScanImages),
		server.WithClassifier(c.Classify),
		server.WithDefaultModel(c.Config.Scoring.DefaultModel),
		server.WithDiskUsage(c.Config.Features.CacheDir, c.Config.Storage.DatabasePath))
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = read local state)")
	output := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format := parseOutput(*output)

	var status cli.Status
	if *serverURL != "" {
		if err := getJSON(*serverURL+"/api/v1/status", &status); err != nil {
			fatalf("Status failed: %v", err)
		}
	} else {
		c, _ := setup(*configPath, false)
		defer c.shutdown()
		svc, err := c.DefaultFeatures()
		if err != nil {
			fatalf("Failed to initialize features: %v", err)
		}
		status.Features = svc.Status()
		if status.Scores, err = c.Storage.Summaries(context.Background()); err != nil {
			fatalf("Score summaries failed: %v", err)
		}
		if status.ScoreModels, err = c.Scoring.Models(); err != nil {
			fatalf("List score models failed: %v", err)
		}
		if n, err := c.DiskUsage(); err == nil {
			status.DiskUsageBytes = &n
		}
	}
	if err := cli.WriteStatus(os.Stdout, &status, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func getJSON(url string, out interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	return decodeResponse(resp, out)
}

func postJSON(url string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func printUsage() {
	fmt.Println(`featcache - Cached image feature extraction and aesthetic scoring

Usage:
  featcache precache [flags] [image-key...]   Compute and cache features (all images when no keys)
  featcache features [flags] <image-key...>   Print feature vectors
  featcache score [flags] <image-key...>      Score images with a score model
  featcache classify [flags] <image-key...>   Classify images into categories
  featcache watch [flags]                     Precache new images as they appear
  featcache server [flags]                    Start the HTTP server
  featcache status [flags]                    Show extractor/cache/score status
  featcache version                           Show version
  featcache help                              Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/featcache/config.yaml)
  --debug            Enable debug logging

Precache Flags:
  --release          Unload backend weights when done (default: true)
  --output string    Output format: text or json (default: text)

Features Flags:
  --n int            Values shown per vector in text output (default: 8, 0 = all)
  --output string    Output format: text or json (default: text)

Score Flags:
  --model string       Score model name (default: scoring.default_model)
  --threshold float    Mark images scoring below this normalized score
  --server string      Server URL (default: http://localhost:8080). Use --server "" to score locally.
  --output string      Output format: text or json (default: text)

Classify Flags:
  --classifier string  Classifier directory name (required)
  --category string    Print only the probability of this category per image
  --output string      Output format: text or json (default: text)

Watch Flags:
  --sync             Precache existing images before watching (default: true)

Status Flags:
  --server string    Server URL (default: http://localhost:8080). Use --server "" for local state.
  --output string    Output format: text or json (default: text)

Examples:
  featcache precache
  featcache features photos/cat.png
  featcache score --server "" --model aesthetic --threshold 1 photos/cat.png photos/dog.png
  featcache status --output json`)
}
