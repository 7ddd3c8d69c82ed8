package controller

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/hangar/internal/logging"
)

// WatchTemplates keeps the template catalog in sync with the template
// directory, so bundles dropped in out-of-band show up without a restart.
// Returns when ctx is cancelled or the watcher cannot be created.
func (c *Controller) WatchTemplates(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(c.cfg.TemplateDir); err != nil {
		return err
	}
	logging.Info("watching template directory", zap.String("dir", c.cfg.TemplateDir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if err := c.scanTemplateRoot(); err != nil {
				logging.Warn("template catalog rescan failed", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("template watcher error", zap.Error(err))
		}
	}
}
