package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cuebase/cuebase/internal/events"
	"github.com/cuebase/cuebase/internal/logger"
	"github.com/cuebase/cuebase/internal/metrics"
	"github.com/cuebase/cuebase/internal/utils"
)

// LibraryWatcher provides real-time change detection for library
// roots. It only publishes library:file-changed events; acting on them
// (rescans, track removal) is the pipeline's business.
type LibraryWatcher struct {
	eventBus events.EventBus
	watcher  *fsnotify.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex

	// watchedRoots maps root path -> when watching started.
	watchedRoots map[string]time.Time

	eventQueue       chan fileEvent
	debounceInterval time.Duration
}

// fileEvent is one file system change waiting to be debounced.
type fileEvent struct {
	Op        fsnotify.Op
	Path      string
	Timestamp time.Time
}

// NewLibraryWatcher creates a watcher publishing to the given bus.
func NewLibraryWatcher(eventBus events.EventBus, debounce time.Duration) (*LibraryWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &LibraryWatcher{
		eventBus:         eventBus,
		watcher:          watcher,
		ctx:              ctx,
		cancel:           cancel,
		watchedRoots:     make(map[string]time.Time),
		eventQueue:       make(chan fileEvent, 1000),
		debounceInterval: debounce,
	}, nil
}

// Start launches the event loop and the debounce processor.
func (w *LibraryWatcher) Start() error {
	logger.Info("Starting library watcher")

	w.wg.Add(1)
	go w.watchEvents()

	w.wg.Add(1)
	go w.processFileEvents()

	return nil
}

// Stop closes the watcher and waits for both goroutines to exit.
func (w *LibraryWatcher) Stop() error {
	logger.Info("Stopping library watcher")

	w.cancel()

	if w.watcher != nil {
		w.watcher.Close()
	}

	w.wg.Wait()
	return nil
}

// Watch begins monitoring a root and all of its subdirectories.
// Watching an already-watched root is a no-op.
func (w *LibraryWatcher) Watch(root string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.watchedRoots[root]; exists {
		logger.Debug("Root already being watched path=%s", root)
		return nil
	}

	if err := w.watcher.Add(root); err != nil {
		return fmt.Errorf("failed to add watch for %s: %w", root, err)
	}

	if err := w.addRecursiveWatch(root); err != nil {
		logger.Error("Failed to add recursive watches path=%s: %v", root, err)
		// New subdirectories are still caught through their create events.
	}

	w.watchedRoots[root] = time.Now()
	logger.Info("Started watching library root path=%s", root)
	return nil
}

// Unwatch stops monitoring a root.
func (w *LibraryWatcher) Unwatch(root string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.watchedRoots[root]; !exists {
		return fmt.Errorf("root %s is not being watched", root)
	}

	if err := w.watcher.Remove(root); err != nil {
		logger.Error("Failed to remove watch path=%s: %v", root, err)
	}
	delete(w.watchedRoots, root)

	logger.Info("Stopped watching library root path=%s", root)
	return nil
}

// WatchedRoots returns the currently watched roots and their start
// times.
func (w *LibraryWatcher) WatchedRoots() map[string]time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()

	roots := make(map[string]time.Time, len(w.watchedRoots))
	for root, since := range w.watchedRoots {
		roots[root] = since
	}
	return roots
}

// addRecursiveWatch adds watches for all subdirectories of a root.
func (w *LibraryWatcher) addRecursiveWatch(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && path != root {
			if err := w.watcher.Add(path); err != nil {
				logger.Debug("Failed to add watch for subdirectory path=%s: %v", path, err)
			}
		}
		return nil
	})
}

// watchEvents is the main loop draining the fsnotify channels.
func (w *LibraryWatcher) watchEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFileSystemEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("File watcher error: %v", err)

		case <-w.ctx.Done():
			return
		}
	}
}

// handleFileSystemEvent filters and queues one raw event.
func (w *LibraryWatcher) handleFileSystemEvent(event fsnotify.Event) {
	// A new directory needs its own watch before anything else; files
	// created inside it would otherwise go unseen.
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				logger.Error("Failed to add watch for new directory path=%s: %v", event.Name, err)
			} else {
				logger.Debug("Added watch for new directory path=%s", event.Name)
			}
			return
		}
	}

	if !utils.IsAudioFile(event.Name) {
		return
	}

	select {
	case w.eventQueue <- fileEvent{Op: event.Op, Path: event.Name, Timestamp: time.Now()}:
		logger.Debug("Queued file event op=%s path=%s", event.Op.String(), event.Name)
	case <-time.After(time.Second):
		logger.Warn("File event queue full, dropping event path=%s", event.Name)
	}
}

// processFileEvents debounces queued events and publishes the
// survivors. Rapid successive writes to one path collapse into the
// latest event.
func (w *LibraryWatcher) processFileEvents() {
	defer w.wg.Done()

	eventMap := make(map[string]fileEvent)
	ticker := time.NewTicker(w.debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-w.eventQueue:
			eventMap[event.Path] = event

		case <-ticker.C:
			if len(eventMap) > 0 {
				w.publishBatch(eventMap)
				eventMap = make(map[string]fileEvent)
			}

		case <-w.ctx.Done():
			if len(eventMap) > 0 {
				w.publishBatch(eventMap)
			}
			return
		}
	}
}

// publishBatch emits one library:file-changed event per settled path.
func (w *LibraryWatcher) publishBatch(eventMap map[string]fileEvent) {
	logger.Debug("Publishing file change batch count=%d", len(eventMap))

	for path, event := range eventMap {
		op := operationName(event.Op)
		metrics.WatcherEventsTotal.WithLabelValues(op).Inc()

		if w.eventBus == nil {
			continue
		}

		changed := events.NewEvent(
			events.EventFileChanged,
			"scanner",
			"Library File Changed",
			fmt.Sprintf("File %s: %s", op, filepath.Base(path)),
		)
		changed.Data = events.FileChangedData{Path: path, Op: op}.Map()

		if err := w.eventBus.PublishAsync(changed); err != nil {
			logger.Warn("Failed to publish file change event: %v", err)
		}
	}
}

// operationName folds fsnotify's bitmask into the event vocabulary the
// pipeline understands.
func operationName(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create == fsnotify.Create:
		return "create"
	case op&fsnotify.Write == fsnotify.Write:
		return "write"
	case op&fsnotify.Remove == fsnotify.Remove:
		return "remove"
	case op&fsnotify.Rename == fsnotify.Rename:
		return "rename"
	case op&fsnotify.Chmod == fsnotify.Chmod:
		return "chmod"
	default:
		return "unknown"
	}
}
