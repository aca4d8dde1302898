package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/danielpatrickdp/adaptive-router/internal/policy"
)

// #region watch-policy

// debounceWindow collapses the burst of events an editor save produces.
const debounceWindow = 200 * time.Millisecond

// WatchPolicy reloads the policy section of path whenever the file changes
// and hands each valid config to apply. Invalid files are logged and
// skipped; the previous policy stays in force. It blocks until ctx is done.
//
// The parent directory is watched so atomic rename-style saves are seen.
func WatchPolicy(ctx context.Context, path string, apply func(policy.Config) error, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "policy-watcher", "path", path)

	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending = time.After(debounceWindow)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "error", err)
		case <-pending:
			pending = nil
			cfg, err := LoadPolicy(target)
			if err != nil {
				logger.Error("policy reload rejected", "error", err)
				continue
			}
			if err := apply(cfg); err != nil {
				logger.Error("policy apply failed", "error", err)
				continue
			}
			logger.Info("policy reloaded")
		}
	}
}

// #endregion
