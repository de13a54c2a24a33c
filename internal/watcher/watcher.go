// Package watcher reloads runtime-adjustable settings when the
// configuration file changes on disk.
package watcher

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/lexigate/lexigate/internal/config"
)

// Watch observes the config file at path and invokes onReload with the
// freshly loaded configuration after each change. It returns when ctx ends.
// Only runtime-adjustable settings (log level, log file) should be applied
// by onReload; structural settings require a restart.
func Watch(ctx context.Context, path string, onReload func(*config.Config)) error {
	if strings.TrimSpace(path) == "" {
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	// Watch the directory: editors replace files on save, which drops a
	// watch placed on the file itself.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, errLoad := config.Load(path)
			if errLoad != nil {
				log.WithError(errLoad).Warn("config reload failed")
				continue
			}
			log.WithField("path", path).Info("configuration reloaded")
			onReload(cfg)
		case errWatch, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WithError(errWatch).Warn("config watcher error")
		}
	}
}
