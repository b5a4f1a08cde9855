package config

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rathix/dev-gateway/internal/state"
)

// Reloadable is triggered by the Watcher on config file changes.
type Reloadable interface {
	Reload(ctx context.Context) (*state.Snapshot, error)
}

// Watcher monitors a config file for changes and triggers reloads.
type Watcher struct {
	path     string
	target   Reloadable
	logger   *slog.Logger
	debounce time.Duration
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the debounce duration. Default is 500ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// NewWatcher creates a config file watcher.
func NewWatcher(path string, target Reloadable, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	w := &Watcher{
		path:     path,
		target:   target,
		logger:   logger,
		debounce: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches the config file's parent directory and reloads on debounced
// write, create or rename events. It blocks until ctx is cancelled, then
// returns nil. Reload failures are logged; the watcher keeps running.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// Watch the parent directory to catch atomic write patterns (vim, VS Code).
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return err
	}

	targetName := filepath.Base(w.path)
	reloadCh := make(chan struct{}, 1)
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != targetName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				select {
				case reloadCh <- struct{}{}:
				default:
				}
			})

		case <-reloadCh:
			w.logger.Info("Config file changed, reloading", "path", w.path)
			if _, err := w.target.Reload(ctx); err != nil {
				w.logger.Warn("reload after file change failed", "error", err)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}
