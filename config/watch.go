package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch re-resolves the configuration whenever the file at path changes and
// invokes onChange with the new value. Parse or validation failures keep the
// previous configuration in effect. Watch returns once the watcher is
// installed; it stops when ctx is cancelled.
func Watch(ctx context.Context, v *viper.Viper, path string, log *slog.Logger, onChange func(*Config)) error {
	if log == nil {
		log = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors often replace the file rather than
	// writing it in place, which would drop a direct file watch.
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
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := v.ReadInConfig(); err != nil {
					log.Warn("config.reload.parse_err", slog.String("err", err.Error()))
					continue
				}
				cfg, err := FromViper(v)
				if err != nil {
					log.Warn("config.reload.invalid", slog.String("err", err.Error()))
					continue
				}
				log.Info("config.reload.ok", slog.String("path", target))
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config.watch.err", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}
