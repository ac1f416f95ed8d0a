package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/titanworks/titan/internal/ratelimit"
)

// WatchRateLimiting re-reads the config file when it changes and hands the
// rateLimiting section to apply. Editors replace files rather than writing
// in place, so the watch covers the directory and filters by name.
func WatchRateLimiting(ctx context.Context, path string, logger *slog.Logger, apply func(ratelimit.ConfigState) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}
	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("config reload skipped", "path", path, "err", err)
					continue
				}
				if err := apply(cfg.RateLimiting); err != nil {
					logger.Warn("rate limit config update rejected", "err", err)
					continue
				}
				logger.Info("rate limit config reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "err", err)
			}
		}
	}()
	return nil
}
