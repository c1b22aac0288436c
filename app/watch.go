package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// WatchLogLevel follows the config file and applies log_level edits to level
// without a restart. Only the log level is live-reloaded; everything else
// needs a restart. The watch runs until ctx is cancelled.
func WatchLogLevel(ctx context.Context, path string, level *slog.LevelVar, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors that replace the file (rename+create)
	// would otherwise drop the watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				applyLogLevel(target, level, logger)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Config watch error", "error", err)
			}
		}
	}()
	return nil
}

func applyLogLevel(path string, level *slog.LevelVar, logger *slog.Logger) {
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("Config reload failed", "error", err)
		return
	}
	var cfg struct {
		LogLevel string `yaml:"log_level"`
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		logger.Warn("Config reload failed", "error", err)
		return
	}
	next := Config{LogLevel: cfg.LogLevel}.Level()
	if next == level.Level() {
		return
	}
	level.Set(next)
	logger.Info("Log level changed", "level", next.String())
}
