package rules

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/rezonia/saftao/internal/logger"
)

// Watch reloads the cached index whenever the file at path is written,
// created or renamed into place. It blocks until ctx is cancelled.
// The parent directory is watched so editors that replace the file are seen.
func Watch(ctx context.Context, cache *Cache, path string, onChange func(*Index, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rules watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	dir := filepath.Dir(target)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	log := logger.L()
	log.Debug("rules.watch.start", "path", target)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			cache.Invalidate()
			ix, err := cache.Load(target)
			if err != nil {
				log.Warn("rules.watch.reload_failed", "path", target, "error", err)
			} else {
				log.Info("rules.watch.reloaded", "path", target, "rules", ix.Len())
			}
			if onChange != nil {
				onChange(ix, err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("rules.watch.error", "error", err)

		case <-ctx.Done():
			log.Debug("rules.watch.stop", "path", target)
			return nil
		}
	}
}
