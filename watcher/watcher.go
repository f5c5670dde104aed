package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/fsnotify/fsnotify"

	"github.com/gontrandl/autoweave-core/internal/clock"
	"github.com/gontrandl/autoweave-core/internal/debouncetimer"
)

// Watcher watches Config.RootDir for manifest files, bounded to
// Config.MaxDepth subdirectories, and emits settled Changes.
type Watcher struct {
	cfg   Config
	fsw   *fsnotify.Watcher
	clock clock.Clock
	timers *debouncetimer.Manager[string]

	mu    sync.Mutex
	known map[string]bool // plugin dirs currently believed to have a manifest

	out  chan Change
	errs chan error
	done chan struct{}
}

// New creates a Watcher rooted at cfg.RootDir, registering an fsnotify
// watch on the root and every subdirectory up to cfg.MaxDepth. Manifests
// already present in those directories are reported as KindAdded once
// their settle window passes.
func New(cfg Config, c clock.Clock) (*Watcher, error) {
	if c == nil {
		c = clock.Real()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating fsnotify watcher")
	}

	w := &Watcher{
		cfg:    cfg,
		fsw:    fsw,
		clock:  c,
		timers: debouncetimer.New[string](c),
		known:  make(map[string]bool),
		out:    make(chan Change, 32),
		errs:   make(chan error, 16),
		done:   make(chan struct{}),
	}

	if err := w.addTree(cfg.RootDir, 0); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string, depth int) error {
	if depth > w.cfg.MaxDepth {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return errors.Wrapf(err, "watching %s", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "reading %s", dir)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.addTree(filepath.Join(dir, e.Name()), depth+1); err != nil {
				return err
			}
		} else if e.Name() == w.cfg.ManifestFilename {
			w.timers.Reset(dir, w.cfg.SettleWindow, func() { w.settle(dir) })
		}
	}
	return nil
}

// Changes returns the channel of settled manifest transitions.
func (w *Watcher) Changes() <-chan Change { return w.out }

// Errs returns the channel of non-fatal watcher errors (e.g. a watch
// target removed out from under us).
func (w *Watcher) Errs() <-chan error { return w.errs }

// Run processes fsnotify events until ctx is cancelled or the
// underlying watcher closes.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				continue
			}
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}

func (w *Watcher) handleFSEvent(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			depth := w.depthOf(ev.Name)
			_ = w.addTree(ev.Name, depth)
			return
		}
	}

	if filepath.Base(ev.Name) != w.cfg.ManifestFilename {
		return
	}

	pluginDir := filepath.Dir(ev.Name)
	w.timers.Reset(pluginDir, w.cfg.SettleWindow, func() { w.settle(pluginDir) })
}

func (w *Watcher) depthOf(path string) int {
	rel, err := filepath.Rel(w.cfg.RootDir, path)
	if err != nil {
		return w.cfg.MaxDepth + 1
	}
	if rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

func (w *Watcher) settle(pluginDir string) {
	manifestPath := filepath.Join(pluginDir, w.cfg.ManifestFilename)

	w.mu.Lock()
	wasKnown := w.known[pluginDir]
	w.mu.Unlock()

	contents, err := os.ReadFile(manifestPath)
	if err != nil {
		if !wasKnown {
			return
		}
		w.mu.Lock()
		delete(w.known, pluginDir)
		w.mu.Unlock()
		w.emit(Change{Kind: KindRemoved, PluginDir: pluginDir, ManifestPath: manifestPath})
		return
	}

	w.mu.Lock()
	w.known[pluginDir] = true
	w.mu.Unlock()

	kind := KindChanged
	if !wasKnown {
		kind = KindAdded
	}
	w.emit(Change{Kind: kind, PluginDir: pluginDir, ManifestPath: manifestPath, Contents: contents})
}

func (w *Watcher) emit(c Change) {
	select {
	case w.out <- c:
	default:
		// The Plugin Manager's inbound queue is the backpressure point;
		// block until there is room rather than silently dropping a manifest
		// transition.
		w.out <- c
	}
}

// Close stops the underlying fsnotify watcher and waits for Run to
// return.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}
