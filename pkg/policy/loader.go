package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/distforge/distforge/pkg/telemetry"
)

// Loader reads policy files from disk. A policy file is a .rego rule
// set; its name is the file basename and its description the first
// comment line.
type Loader struct {
	log *telemetry.Logger
}

// NewLoader creates a policy loader.
func NewLoader(log *telemetry.Logger) *Loader {
	if log == nil {
		log = telemetry.FromContext(context.Background())
	}
	return &Loader{log: log.NewComponentLogger("policy-loader")}
}

// LoadFromPaths loads policies from files and directories. Missing
// paths are skipped so an unconfigured policy directory is not an
// error; unreadable files are.
func (l *Loader) LoadFromPaths(paths []string) ([]Policy, error) {
	var policies []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			l.log.WithField("path", path).Debug("policy path does not exist, skipping")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}

		if !info.IsDir() {
			policy, err := l.loadFile(path)
			if err != nil {
				return nil, err
			}
			policies = append(policies, *policy)
			continue
		}

		loaded, err := l.loadDirectory(path)
		if err != nil {
			return nil, err
		}
		policies = append(policies, loaded...)
	}
	return policies, nil
}

// loadDirectory loads every .rego file under dir, recursively.
func (l *Loader) loadDirectory(dir string) ([]Policy, error) {
	var policies []Policy
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}
		policy, err := l.loadFile(path)
		if err != nil {
			return err
		}
		policies = append(policies, *policy)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return policies, nil
}

func (l *Loader) loadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	source := string(data)
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: firstComment(source),
		Rego:        source,
		Source:      path,
	}, nil
}

// firstComment returns the first comment line of a rego source, the
// conventional place for a one-line description.
func firstComment(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		}
		return ""
	}
	return ""
}

// watchDelay debounces editor save bursts into one reload.
const watchDelay = 500 * time.Millisecond

// Watch reloads the gate's custom policies whenever a .rego file under
// one of the directories changes. Reload failures are logged and
// watching continues. Watch blocks until ctx is cancelled.
func (g *Gate) Watch(ctx context.Context, dirs []string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	watched := 0
	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			g.log.WithError(err).WithField("dir", dir).Warn("failed to watch policy directory")
			continue
		}
		watched++
	}
	if watched == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	g.log.Infof("watching %d policy directory(ies)", watched)

	var mu sync.Mutex
	var reloadTimer *time.Timer
	defer func() {
		mu.Lock()
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}
			g.log.WithField("file", event.Name).Debug("policy changed")

			mu.Lock()
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(watchDelay, func() {
				if err := g.LoadPolicies(context.Background(), dirs); err != nil {
					g.log.WithError(err).Error("policy reload failed")
				}
			})
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			g.log.WithError(err).Error("watcher error")
		}
	}
}
