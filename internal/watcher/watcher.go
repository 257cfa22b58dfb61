// Package watcher watches an image root with fsnotify and hands newly written
// images to a callback in batches, so they can be precached together.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hyperjump/featcache/internal/fileid"
	"go.uber.org/zap"
)

const defaultWindow = 400 * time.Millisecond

// BatchFunc receives the cache keys of images written since the last batch,
// sorted and deduplicated.
type BatchFunc func(keys []string)

// Watcher watches one image root.
type Watcher struct {
	root       string
	extensions []string
	recursive  bool
	onBatch    BatchFunc
	window     time.Duration
	logger     *zap.Logger

	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	pending  map[string]struct{}
	timer    *time.Timer
	started  bool
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets a logger for debug output (directory changes, file events, etc.).
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithWindow sets how long the watcher waits for more writes before emitting a batch.
func WithWindow(d time.Duration) Option {
	return func(w *Watcher) { w.window = d }
}

// WithRecursive controls whether subdirectories are watched. Defaults to true.
func WithRecursive(recursive bool) Option {
	return func(w *Watcher) { w.recursive = recursive }
}

// New creates a watcher for root. extensions filter which files count as
// images (empty = all).
func New(root string, extensions []string, onBatch BatchFunc, opts ...Option) *Watcher {
	w := &Watcher{
		root:       filepath.Clean(root),
		extensions: extensions,
		recursive:  true,
		onBatch:    onBatch,
		window:     defaultWindow,
		logger:     zap.NewNop(),
		pending:    make(map[string]struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start starts the watcher. It runs until ctx is cancelled or Stop is called.
// A missing root is created.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := os.MkdirAll(w.root, 0755); err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	if err := w.addTreeLocked(w.root); err != nil {
		_ = fsw.Close()
		w.fsw = nil
		return err
	}
	w.started = true
	w.logger.Debug("watcher starting",
		zap.String("root", w.root),
		zap.Strings("extensions", w.extensions),
		zap.Bool("recursive", w.recursive))
	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) addTreeLocked(dir string) error {
	if !w.recursive {
		return w.fsw.Add(dir)
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Debug("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	path := ev.Name
	if !inDir(w.root, path) {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.IsDir() {
		w.handleNewDirectory(path)
		return
	}
	if MatchExtension(path, w.extensions) {
		w.enqueue(path)
	}
}

// handleNewDirectory watches a directory that appeared under the root and
// queues the images already inside it.
func (w *Watcher) handleNewDirectory(dir string) {
	w.mu.Lock()
	if w.fsw != nil && w.recursive {
		if err := w.addTreeLocked(dir); err != nil {
			w.logger.Debug("watcher failed to add directory", zap.String("path", dir), zap.Error(err))
		}
	}
	w.mu.Unlock()
	if !w.recursive {
		return
	}
	paths, err := scan(dir, w.extensions, true)
	if err != nil {
		w.logger.Debug("watcher failed to scan directory", zap.String("path", dir), zap.Error(err))
		return
	}
	for _, p := range paths {
		w.enqueue(p)
	}
}

func (w *Watcher) enqueue(path string) {
	key, err := fileid.Key(w.root, path)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.pending[key] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.window, w.emit)
}

func (w *Watcher) emit() {
	w.mu.Lock()
	keys := make([]string, 0, len(w.pending))
	for k := range w.pending {
		keys = append(keys, k)
	}
	w.pending = make(map[string]struct{})
	w.timer = nil
	w.mu.Unlock()
	if len(keys) == 0 || w.onBatch == nil {
		return
	}
	sort.Strings(keys)
	w.logger.Debug("watcher emitting batch", zap.Int("images", len(keys)))
	w.onBatch(keys)
}

// Root returns the watched root.
func (w *Watcher) Root() string { return w.root }

// Stop stops the watcher and releases resources. Pending images are dropped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	_ = w.fsw.Close()
	w.fsw = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}

// Scan returns the cache keys of every image under root, sorted.
func Scan(root string, extensions []string, recursive bool) ([]string, error) {
	paths, err := scan(root, extensions, recursive)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(paths))
	for _, p := range paths {
		key, err := fileid.Key(root, p)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func scan(root string, extensions []string, recursive bool) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if MatchExtension(path, extensions) {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// MatchExtension reports whether path has one of extensions, case-insensitively.
// An empty list matches everything.
func MatchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}
