// Package watcher applies patch scripts from an autoload directory and
// re-applies them whenever they change.
package watcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 300 * time.Millisecond

// ScriptExt is the extension of files the watcher applies.
const ScriptExt = ".hp"

// excludedDirs are directories never scanned for scripts.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// ApplyFunc evaluates one script's source.
type ApplyFunc func(ctx context.Context, path, src string) error

// Result reports one script application.
type Result struct {
	Path string
	Err  error
}

// UpdateCallback is called after every script application.
type UpdateCallback func(Result)

// Watcher monitors an autoload directory for script changes.
type Watcher struct {
	dir      string
	apply    ApplyFunc
	callback UpdateCallback
	logger   *log.Logger
	debounce time.Duration

	mu        sync.Mutex
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}
	pending   map[string]struct{}
	timer     *time.Timer
	digests   map[string][sha256.Size]byte
	applyMu   sync.Mutex
}

// New creates a watcher for dir. Nothing happens until Start.
func New(dir string, apply ApplyFunc, callback UpdateCallback, logger *log.Logger) *Watcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Watcher{
		dir:      dir,
		apply:    apply,
		callback: callback,
		logger:   logger.With("component", "autoload", "dir", dir),
		debounce: debounceInterval,
		pending:  make(map[string]struct{}),
		digests:  make(map[string][sha256.Size]byte),
	}
}

// Start applies every script in the directory, in lexical order, then
// watches for changes until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	info, err := os.Stat(w.dir)
	if err != nil {
		return fmt.Errorf("autoload dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("autoload dir: %s is not a directory", w.dir)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := addDirsRecursive(fsW, w.dir); err != nil {
		fsW.Close()
		return err
	}

	w.mu.Lock()
	w.fsWatcher = fsW
	w.cancel = make(chan struct{})
	w.done = make(chan struct{})
	w.mu.Unlock()

	for _, path := range ScriptFiles(w.dir) {
		w.applyFile(ctx, path)
	}

	go w.watchLoop(ctx, fsW, w.cancel, w.done)
	return nil
}

// Close stops watching.
func (w *Watcher) Close() {
	w.mu.Lock()
	cancel, done, fsW := w.cancel, w.done, w.fsWatcher
	w.cancel = nil
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	close(cancel)
	fsW.Close()
	<-done
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(ctx context.Context, fsW *fsnotify.Watcher, cancel, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-cancel:
			return
		case <-ctx.Done():
			return

		case event, ok := <-fsW.Events:
			if !ok {
				return
			}

			// If a new directory is created, watch it too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					base := filepath.Base(event.Name)
					if !excludedDirs[base] && !isHidden(base) {
						addDirsRecursive(fsW, event.Name)
						for _, p := range ScriptFiles(event.Name) {
							w.schedule(ctx, p)
						}
					}
					continue
				}
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.forget(event.Name)
				continue
			}
			if isScript(event.Name) {
				w.schedule(ctx, event.Name)
			}

		case err, ok := <-fsW.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "err", err)
		}
	}
}

// schedule queues path and restarts the debounce timer.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.flush(ctx) })
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	sort.Strings(paths)
	for _, p := range paths {
		if ctx.Err() != nil {
			return
		}
		w.applyFile(ctx, p)
	}
}

func (w *Watcher) forget(path string) {
	w.applyMu.Lock()
	delete(w.digests, path)
	w.applyMu.Unlock()
}

// applyFile evaluates path unless its content is unchanged since it was
// last applied.
func (w *Watcher) applyFile(ctx context.Context, path string) {
	w.applyMu.Lock()
	defer w.applyMu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("cannot read script", "path", path, "err", err)
		}
		return
	}
	sum := sha256.Sum256(data)
	if prev, ok := w.digests[path]; ok && prev == sum {
		return
	}
	w.digests[path] = sum

	err = w.apply(ctx, path, string(data))
	if err != nil {
		w.logger.Error("script failed", "path", path, "err", err)
	} else {
		w.logger.Info("script applied", "path", path)
	}
	if w.callback != nil {
		w.callback(Result{Path: path, Err: err})
	}
}

// ScriptFiles lists the scripts under dir in lexical order.
func ScriptFiles(dir string) []string {
	var files []string
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths.
		}

		name := d.Name()
		if d.IsDir() {
			if path != dir && (excludedDirs[name] || isHidden(name)) {
				return filepath.SkipDir
			}
			return nil
		}
		if isHidden(name) || !isScript(name) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	sort.Strings(files)
	return files
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if path != dir && (excludedDirs[name] || isHidden(name)) {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

func isScript(path string) bool {
	return strings.HasSuffix(path, ScriptExt) && !isHidden(filepath.Base(path))
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
