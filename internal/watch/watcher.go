// Package watch turns filesystem activity on build definition files into
// engine events. It watches each workspace tree recursively and publishes
// a FileChanged event per relevant change; all debouncing happens
// downstream in the engine.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/buildwatch/internal/engine/events"
	"git.home.luguber.info/inful/buildwatch/internal/logfields"
)

// buildFiles are the basenames whose changes describe the project shape
// and warrant a server-side project reload.
var buildFiles = map[string]struct{}{
	"pom.xml":                   {},
	"build.gradle":              {},
	"build.gradle.kts":          {},
	"settings.gradle":           {},
	"settings.gradle.kts":       {},
	"gradle.properties":         {},
	"gradle-wrapper.properties": {},
	"BUILD":                     {},
	"BUILD.bazel":               {},
	"WORKSPACE":                 {},
	"WORKSPACE.bazel":           {},
	"MODULE.bazel":              {},
	".bazelrc":                  {},
}

// skippedDirs are never descended into when registering watches.
var skippedDirs = map[string]struct{}{
	".git":         {},
	".hg":          {},
	".idea":        {},
	".vscode":      {},
	"node_modules": {},
	"target":       {},
	"build":        {},
	"out":          {},
	"bazel-bin":    {},
	"bazel-out":    {},
}

// IsBuildFile reports whether path names a build definition file.
func IsBuildFile(path string) bool {
	_, ok := buildFiles[filepath.Base(path)]
	return ok
}

// Watcher monitors workspace trees for build file changes.
type Watcher struct {
	bus     *events.Bus
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	roots map[string]struct{}

	stopOnce sync.Once
	stopChan chan struct{}
}

// New creates a watcher publishing to bus.
func New(bus *events.Bus) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		bus:      bus,
		watcher:  fsw,
		roots:    make(map[string]struct{}),
		stopChan: make(chan struct{}),
	}, nil
}

// AddRoot registers a workspace root and watches its tree. Directories
// that appear later are picked up from their create events.
func (w *Watcher) AddRoot(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	w.mu.Lock()
	if _, ok := w.roots[abs]; ok {
		w.mu.Unlock()
		return nil
	}
	w.roots[abs] = struct{}{}
	w.mu.Unlock()

	count := 0
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal.
			slog.Debug("Skipping unreadable path", logfields.Path(path), logfields.Error(err))
			return fs.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		base := d.Name()
		if _, skip := skippedDirs[base]; skip && path != abs {
			return fs.SkipDir
		}
		if strings.HasPrefix(base, "bazel-") && path != abs {
			return fs.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			slog.Debug("Failed to watch directory", logfields.Path(path), logfields.Error(err))
			return nil
		}
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk workspace %s: %w", abs, err)
	}

	slog.Info("Watching workspace", logfields.Workspace(abs), logfields.Count(count))
	return nil
}

// RemoveRoot forgets a workspace root. Watches under it are removed
// opportunistically; fsnotify drops them anyway when directories vanish.
func (w *Watcher) RemoveRoot(root string) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return
	}
	w.mu.Lock()
	delete(w.roots, abs)
	w.mu.Unlock()

	for _, watched := range w.watcher.WatchList() {
		if watched == abs || strings.HasPrefix(watched, abs+string(filepath.Separator)) {
			_ = w.watcher.Remove(watched)
		}
	}
}

// Start begins the event loop.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Stop closes the underlying watcher.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopChan)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("File watcher error", logfields.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	// New directories must be added to the watch set; fsnotify on most
	// platforms is not recursive.
	if event.Op.Has(fsnotify.Create) {
		base := filepath.Base(event.Name)
		if _, skip := skippedDirs[base]; !skip && !strings.HasPrefix(base, "bazel-") {
			// Add silently fails on non-directories; cheaper than a stat.
			_ = w.watcher.Add(event.Name)
		}
	}

	if !IsBuildFile(event.Name) {
		return
	}
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	var workspace string
	for root := range w.roots {
		if event.Name == root || strings.HasPrefix(event.Name, root+string(filepath.Separator)) {
			if len(root) > len(workspace) {
				workspace = root
			}
		}
	}
	w.mu.Unlock()
	if workspace == "" {
		return
	}

	slog.Debug("Build file changed", logfields.Workspace(workspace), logfields.Path(event.Name))
	if err := w.bus.Publish(ctx, events.FileChanged{
		Workspace: workspace,
		Path:      event.Name,
		At:        time.Now(),
	}); err != nil {
		slog.Debug("Failed to publish file change", logfields.Error(err))
	}
}
