package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"basketbatch/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// WatchDebounce coalesces the burst of events an editor save produces.
var WatchDebounce = 200 * time.Millisecond

// Watch calls fn with the reloaded configuration each time the file at path
// is written, until ctx is done. The parent directory is watched so that
// editors replacing the file by rename are seen. Configurations that fail to
// load or validate are logged and skipped.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	logging.ConfigLog("watching %s", abs)

	// Debounce timer; nil channel while idle
	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(WatchDebounce)
			} else {
				timer.Reset(WatchDebounce)
			}
			pending = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Get(logging.CategoryConfig).Error("config watcher: %v", err)

		case <-pending:
			pending = nil
			cfg, err := Load(abs)
			if err != nil {
				logging.Get(logging.CategoryConfig).Warn("reload of %s failed: %v", abs, err)
				continue
			}
			if err := cfg.Validate(); err != nil {
				logging.Get(logging.CategoryConfig).Warn("reloaded %s is invalid, keeping current settings: %v", abs, err)
				continue
			}
			logging.ConfigLog("reloaded %s", abs)
			fn(cfg)
		}
	}
}
