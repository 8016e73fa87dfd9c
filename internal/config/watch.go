package config

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/synapse-mesh/synapse-relay/internal/logger"
)

// Watch re-loads the config file whenever it changes and hands the new
// config to onChange. Editors replace files rather than writing in
// place, so both Write and Create/Rename on the path count as changes.
// Watch returns when ctx is cancelled; a broken watcher is logged and
// ends the watch rather than killing the node.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	if path == "" {
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("config watcher unavailable, hot reload disabled", "error", err)
		<-ctx.Done()
		return nil
	}
	defer w.Close()

	if err := w.Add(path); err != nil {
		// The file may simply not exist yet; hot reload is optional
		// and must never take the node down.
		logger.Error("config watch failed, hot reload disabled", "path", path, "error", err)
		<-ctx.Done()
		return nil
	}

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Collapse editor write bursts into one reload.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				cfg, err := Load(path)
				if err != nil {
					logger.Error("config reload failed, keeping previous", "path", path, "error", err)
					return
				}
				logger.Info("config reloaded", "path", path)
				onChange(cfg)
			})
			// Re-arm after rename/replace.
			if ev.Op&(fsnotify.Rename|fsnotify.Create) != 0 {
				w.Add(path)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher error", "error", err)
		}
	}
}
