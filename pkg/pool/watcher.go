package pool

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher watches the configuration file and applies changes to the
// manager via Reload. Invalid new configurations are logged and skipped;
// the running config stays in effect.
type ConfigWatcher struct {
	manager  *Manager
	path     string
	logger   *log.Logger
	debounce time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewConfigWatcher creates a watcher for the given config path.
func NewConfigWatcher(manager *Manager, path string, logger *log.Logger) *ConfigWatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &ConfigWatcher{
		manager:  manager,
		path:     path,
		logger:   logger,
		debounce: 500 * time.Millisecond,
	}
}

// Start begins watching. Call Stop (or cancel the context) to stop.
func (w *ConfigWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: editors typically replace the file on save,
	// which drops a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	go w.run(ctx, watcher)
	return nil
}

// Stop stops the watcher.
func (w *ConfigWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}

func (w *ConfigWatcher) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Debounce bursts of events from a single save.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			w.applyChange(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "err", err)
		}
	}
}

func (w *ConfigWatcher) applyChange(ctx context.Context) {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Error("ignoring invalid config change", "path", w.path, "err", err)
		return
	}
	result := w.manager.Reload(ctx, *cfg)
	w.logger.Info("config reloaded",
		"added", len(result.Added),
		"removed", len(result.Removed),
		"errors", len(result.Errors),
	)
}
