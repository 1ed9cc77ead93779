package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay debounces bursts of writes to a watched board file.
const DefaultReloadDelay = 500 * time.Millisecond

// Watcher reloads a board file when it changes.
type Watcher struct {
	path   string
	logger zerolog.Logger

	// ReloadDelay debounces bursts of file events.
	ReloadDelay time.Duration
}

// NewWatcher creates a watcher for the board file at path.
func NewWatcher(path string, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:        path,
		logger:      logger.With().Str("component", "config-watcher").Str("path", path).Logger(),
		ReloadDelay: DefaultReloadDelay,
	}
}

// Watch calls fn with the reloaded configuration after each debounced burst
// of changes to the file. A file that fails to load is logged and skipped.
// The parent directory is watched so editors that replace the file by
// renaming are followed. Watch returns once the watcher is running; it stops
// when ctx is done.
func (w *Watcher) Watch(ctx context.Context, fn func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go w.processEvents(ctx, watcher, fn)

	w.logger.Info().Msg("Watching board file")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher, fn func(*Config)) {
	defer watcher.Close()

	target := filepath.Clean(w.path)
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug().Str("op", event.Op.String()).Msg("Board file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(w.ReloadDelay, func() {
				if ctx.Err() != nil {
					return
				}
				cfg, err := Load(w.path)
				if err != nil {
					w.logger.Error().Err(err).Msg("Failed to reload board file")
					return
				}
				fn(cfg)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
