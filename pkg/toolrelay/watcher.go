package toolrelay

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher hot-reloads the tool allow-list when the specs file changes on
// disk. A reload that fails validation keeps the previous allow-list.
type Watcher struct {
	registry *Registry
	path     string
	logger   zerolog.Logger
	fsw      *fsnotify.Watcher
}

// NewWatcher watches the allow-list file backing the given registry
func NewWatcher(registry *Registry, path string, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory: editors and atomic writers replace the file,
	// which drops a watch set on the file itself
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch specs directory: %w", err)
	}

	return &Watcher{
		registry: registry,
		path:     path,
		logger:   logger,
		fsw:      fsw,
	}, nil
}

// Run processes file events until the context is cancelled
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info().Str("path", w.path).Msg("Watching tool specs for changes")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if err := w.registry.LoadFile(w.path); err != nil {
				w.logger.Error().Err(err).Msg("Tool specs reload failed, keeping previous allow-list")
				continue
			}
			w.logger.Info().Int("tools", w.registry.Count()).Msg("Tool specs reloaded")
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Tool specs watcher error")
		}
	}
}

// Close stops the underlying file watcher
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
