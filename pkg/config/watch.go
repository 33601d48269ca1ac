package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/loomhq/loom/pkg/logging"
)

// Watcher reloads the config file on change and hands the new config to
// registered callbacks. Only tunables the daemon can apply live are
// worth reacting to; callbacks decide what to pick up.
type Watcher struct {
	path      string
	logger    logging.Logger
	watcher   *fsnotify.Watcher
	callbacks []func(*Config)
	current   *Config
	mu        sync.RWMutex
}

// NewWatcher creates a watcher for the given config file
func NewWatcher(path string, initial *Config, logger logging.Logger) *Watcher {
	return &Watcher{
		path:    path,
		logger:  logger.With(logging.String("component", "config_watcher")),
		current: initial,
	}
}

// OnChange registers a callback invoked with each successfully reloaded
// config. Must be called before Start.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.callbacks = append(w.callbacks, fn)
}

// Current returns the most recently loaded config
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching the config file's directory. Watching the
// directory rather than the file survives the rename-and-replace most
// editors and config management tools do.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = watcher

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.watchLoop(ctx)
	return nil
}

// Stop closes the underlying watcher
func (w *Watcher) Stop() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", logging.Err(err))
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	reloaded, err := Load(w.path)
	if err != nil {
		// Keep serving the last good config
		w.logger.Warn("config reload failed", logging.Err(err))
		return
	}

	w.mu.Lock()
	w.current = reloaded
	w.mu.Unlock()

	w.logger.Info("config reloaded", logging.String("path", w.path))

	for _, fn := range w.callbacks {
		fn(reloaded)
	}
}
