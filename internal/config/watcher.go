package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/alexjbarnes/timeline-sync/internal/models"
	"github.com/fsnotify/fsnotify"
)

// WatchDeviceCaps re-reads the capability file whenever it changes and
// passes each new valid profile to apply. Invalid edits are logged and
// the previous profile stays in effect. Blocks until ctx is cancelled.
//
// The parent directory is watched rather than the file so editors that
// save by renaming a temp file over the original are still seen.
func WatchDeviceCaps(ctx context.Context, path string, current models.DeviceCaps, apply func(models.DeviceCaps), logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching device caps directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != path {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			caps, err := LoadDeviceCaps(path)
			if err != nil {
				logger.Warn("device caps reload failed, keeping previous profile",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)

				continue
			}

			if caps == current {
				continue
			}

			current = caps

			logger.Info("device caps reloaded",
				slog.Bool("constrained", caps.Constrained),
				slog.Bool("prefetch_allowed", caps.PrefetchAllowed),
				slog.Int("warmup_limit", caps.HistoryWarmupLimit),
			)

			apply(caps)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			// fsnotify errors are non-fatal (e.g. event overflow).
			logger.Warn("device caps watcher error", slog.String("error", err.Error()))
		}
	}
}
