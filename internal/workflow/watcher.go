package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watcher reloads a Library when its definition directory changes.
type Watcher struct {
	dir      string
	library  *Library
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for dir.
func NewWatcher(dir string, library *Library, logger *slog.Logger) (*Watcher, error) {
	if library == nil {
		return nil, fmt.Errorf("workflow library required")
	}
	if dir == "" {
		return nil, fmt.Errorf("workflow dir required")
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      filepath.Clean(dir),
		library:  library,
		logger:   logger.With(slog.String("component", "workflow-watcher")),
		debounce: defaultWatchDebounce,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. The watcher stops when ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := fsWatcher.Add(w.dir); err != nil {
		w.mu.Unlock()
		_ = fsWatcher.Close()
		return err
	}
	w.watcher = fsWatcher
	w.mu.Unlock()

	go w.loop(fsWatcher)
	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.stopCh:
		}
	}()
	return nil
}

// Stop terminates the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		if w.watcher != nil {
			_ = w.watcher.Close()
			w.watcher = nil
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) loop(fsWatcher *fsnotify.Watcher) {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isDefinitionFile(filepath.Base(event.Name)) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("workflow watcher error", slog.Any("error", err))
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		w.reload()
	})
}

func (w *Watcher) reload() {
	if err := w.library.LoadDir(w.dir); err != nil {
		w.logger.Error("workflow reload rejected, keeping previous definitions", slog.Any("error", err))
		return
	}
	w.logger.Info("workflow definitions reloaded", slog.Int("count", len(w.library.List())))
}
