package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/miradorstack/mirador-vitals/internal/models"
)

// WatchBudgets reloads the budget file on every change and hands the parsed
// budgets to apply. Invalid files are logged and skipped so the last good set
// stays active. The directory is watched so that editors replacing the file
// by rename are seen. It blocks until ctx is done.
func WatchBudgets(ctx context.Context, path string, logger *slog.Logger, apply func([]models.Budget)) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("budget watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	logger.Info("watching budget file", slog.String("path", target))

	for {
		select {
		case <-ctx.Done():
			return nil
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
			budgets, err := LoadBudgets(target)
			if err != nil {
				logger.Warn("budget reload skipped", slog.String("path", target), slog.Any("error", err))
				continue
			}
			logger.Info("budgets reloaded", slog.String("path", target), slog.Int("count", len(budgets)))
			apply(budgets)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("budget watcher error", slog.Any("error", err))
		}
	}
}
