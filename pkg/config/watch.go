package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/distforge/distforge/pkg/telemetry"
)

// reloadDelay debounces editor save bursts into one reload.
const reloadDelay = 500 * time.Millisecond

// Watch reloads the configuration at path whenever it or one of its
// included files changes, passing each successfully loaded Config to
// fn. Load failures are logged and watching continues, so a broken
// intermediate save does not end the session. Watch blocks until ctx is
// cancelled.
func Watch(ctx context.Context, path string, log *telemetry.Logger, fn func(*Config) error) error {
	if log == nil {
		log = telemetry.FromContext(context.Background())
	}
	log = log.NewComponentLogger("config")

	cfg, err := Load(path, log)
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watching directories instead of files survives the
	// write-to-temp-then-rename pattern editors use. The mutex guards
	// both maps against the debounce timer goroutine.
	var mu sync.Mutex
	watched := map[string]struct{}{}
	interesting := map[string]struct{}{}
	track := func(cfg *Config) {
		mu.Lock()
		defer mu.Unlock()
		for _, file := range append([]string{cfg.Path()}, cfg.IncludeFiles()...) {
			interesting[file] = struct{}{}
			dir := filepath.Dir(file)
			if _, ok := watched[dir]; ok {
				continue
			}
			if err := watcher.Add(dir); err != nil {
				log.WithError(err).WithField("dir", dir).Warn("failed to watch directory")
				continue
			}
			watched[dir] = struct{}{}
		}
	}
	track(cfg)

	log.WithField("path", cfg.Path()).Infof("watching configuration and %d include(s)", len(cfg.IncludeFiles()))

	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			_, wanted := interesting[filepath.Clean(event.Name)]
			mu.Unlock()
			if !wanted {
				continue
			}
			log.WithField("file", event.Name).WithField("op", event.Op.String()).Debug("configuration changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				reloaded, err := Load(path, log)
				if err != nil {
					log.WithError(err).Error("configuration reload failed")
					return
				}
				track(reloaded)
				if err := fn(reloaded); err != nil {
					log.WithError(err).Error("configuration reload rejected")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Error("watcher error")
		}
	}
}
