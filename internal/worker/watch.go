package worker

import (
	"context"
	"io"
	"log"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 500 * time.Millisecond

// Recycler is implemented by Registry.
type Recycler interface {
	Recycle(name string) error
}

// BinaryWatcher recycles a worker when its executable changes on disk, so
// an upgraded language server is picked up on the next resolution.
type BinaryWatcher struct {
	recycler Recycler
	logger   *log.Logger
	debounce time.Duration
	// binaries maps an executable's absolute path to worker names.
	binaries map[string][]string

	mu     sync.Mutex
	timers map[string]*time.Timer
	stopCh chan struct{}
	doneCh chan struct{}
}

// WatcherOption configures the watcher.
type WatcherOption func(*BinaryWatcher)

// WithWatchDebounce sets how long to wait for writes to settle.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *BinaryWatcher) { w.debounce = d }
}

// NewBinaryWatcher watches the executables of every descriptor registered
// with reg. Commands not found on PATH are skipped.
func NewBinaryWatcher(reg *Registry, logger *log.Logger, opts ...WatcherOption) *BinaryWatcher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	w := &BinaryWatcher{
		recycler: reg,
		logger:   logger,
		debounce: defaultWatchDebounce,
		binaries: make(map[string][]string),
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, d := range reg.Descriptors() {
		if len(d.Command) == 0 {
			continue
		}
		path, err := exec.LookPath(d.Command[0])
		if err != nil {
			continue
		}
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		w.binaries[path] = append(w.binaries[path], d.Name)
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start watches until ctx is cancelled or Stop is called. It returns
// immediately if there is nothing to watch or fsnotify is unavailable.
func (w *BinaryWatcher) Start(ctx context.Context) {
	defer close(w.doneCh)
	if len(w.binaries) == 0 {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Printf("BinaryWatcher: fsnotify init failed (%v), disabled", err)
		return
	}
	defer watcher.Close()

	dirs := make(map[string]bool)
	for path := range w.binaries {
		dir := filepath.Dir(path)
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			w.logger.Printf("BinaryWatcher: watch %s: %v", dir, err)
			continue
		}
		dirs[dir] = true
	}

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			return
		case <-w.stopCh:
			w.stopTimers()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) == 0 {
				continue
			}
			if names, ok := w.binaries[filepath.Clean(event.Name)]; ok {
				w.schedule(filepath.Clean(event.Name), names)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("BinaryWatcher: %v", err)
		}
	}
}

// Stop ends the watch loop started by Start and waits for it.
func (w *BinaryWatcher) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh
}

// Watched returns the executable paths being watched.
func (w *BinaryWatcher) Watched() []string {
	out := make([]string, 0, len(w.binaries))
	for path := range w.binaries {
		out = append(out, path)
	}
	return out
}

func (w *BinaryWatcher) schedule(path string, names []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		for _, name := range names {
			w.logger.Printf("BinaryWatcher: %s changed, recycling %s", path, name)
			if err := w.recycler.Recycle(name); err != nil {
				w.logger.Printf("BinaryWatcher: recycle %s: %v", name, err)
			}
		}
	})
}

func (w *BinaryWatcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}
