// Polling file watcher for catalog hot reload.
//
// Modification-time polling with debounced callbacks; no platform
// watcher dependency.
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileEvent represents a file change event.
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// FileOp represents file operation types.
type FileOp int

const (
	FileOpCreate FileOp = iota
	FileOpWrite
	FileOpRemove
)

// String returns the string representation of FileOp.
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// FileWatcher watches configuration files for changes.
type FileWatcher struct {
	mu sync.RWMutex

	paths         []string
	pollInterval  time.Duration
	debounceDelay time.Duration

	running   bool
	stopChan  chan struct{}
	eventChan chan FileEvent

	callbacks []func(event FileEvent)

	logger *zap.Logger

	lastModTimes map[string]time.Time
}

// WatcherOption configures the FileWatcher.
type WatcherOption func(*FileWatcher)

// WithDebounceDelay sets the debounce delay for file events.
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.debounceDelay = d
	}
}

// WithPollInterval sets the modification-time polling interval.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.pollInterval = d
	}
}

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		w.logger = logger
	}
}

// NewFileWatcher creates a new file watcher.
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		paths:         paths,
		pollInterval:  1 * time.Second,
		debounceDelay: 100 * time.Millisecond,
		stopChan:      make(chan struct{}),
		eventChan:     make(chan FileEvent, 100),
		callbacks:     make([]func(FileEvent), 0),
		lastModTimes:  make(map[string]time.Time),
		logger:        zap.NewNop(),
	}

	for _, opt := range opts {
		opt(w)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				w.logger.Warn("config file does not exist, will watch for creation",
					zap.String("path", path))
			} else {
				return nil, fmt.Errorf("failed to stat path %s: %w", path, err)
			}
		}
	}

	return w, nil
}

// OnChange registers a callback for file change events.
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for file changes.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	for _, path := range w.paths {
		if info, err := os.Stat(path); err == nil {
			w.lastModTimes[path] = info.ModTime()
		}
	}

	go w.pollLoop(ctx)
	go w.dispatchLoop(ctx)

	w.logger.Info("file watcher started",
		zap.Strings("paths", w.paths),
		zap.Duration("debounce_delay", w.debounceDelay))

	return nil
}

// Stop stops the file watcher.
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	close(w.stopChan)
	w.running = false

	w.logger.Info("file watcher stopped")
	return nil
}

func (w *FileWatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.checkFiles()
		}
	}
}

// checkFiles compares modification times of all watched files.
func (w *FileWatcher) checkFiles() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				if _, existed := w.lastModTimes[path]; existed {
					delete(w.lastModTimes, path)
					w.eventChan <- FileEvent{
						Path:      path,
						Op:        FileOpRemove,
						Timestamp: time.Now(),
					}
				}
			}
			continue
		}

		lastMod, existed := w.lastModTimes[path]
		if !existed {
			w.lastModTimes[path] = info.ModTime()
			w.eventChan <- FileEvent{
				Path:      path,
				Op:        FileOpCreate,
				Timestamp: time.Now(),
			}
		} else if info.ModTime().After(lastMod) {
			w.lastModTimes[path] = info.ModTime()
			w.eventChan <- FileEvent{
				Path:      path,
				Op:        FileOpWrite,
				Timestamp: time.Now(),
			}
		}
	}
}

// dispatchLoop dispatches events to callbacks with debouncing. Rapid
// successive writes to the same path collapse into one event.
func (w *FileWatcher) dispatchLoop(ctx context.Context) {
	var (
		pendingEvents = make(map[string]FileEvent)
		debounceTimer *time.Timer
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event := <-w.eventChan:
			pendingEvents[event.Path] = event

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounceDelay, func() {
				w.mu.RLock()
				callbacks := make([]func(FileEvent), len(w.callbacks))
				copy(callbacks, w.callbacks)
				w.mu.RUnlock()

				for path, evt := range pendingEvents {
					w.logger.Debug("dispatching file event",
						zap.String("path", path),
						zap.String("op", evt.Op.String()))

					for _, cb := range callbacks {
						cb(evt)
					}
				}

				pendingEvents = make(map[string]FileEvent)
			})
		}
	}
}

// IsRunning returns whether the watcher is running.
func (w *FileWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
