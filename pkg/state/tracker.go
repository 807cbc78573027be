// Package state persists per-stage completion markers and computes the
// content fingerprints that decide when recorded work is stale. A stage
// is satisfied only while a marker exists whose fingerprint matches the
// stage's current inputs; any mismatch forces re-execution.
package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/distforge/distforge/pkg/telemetry"
)

const markerExt = ".yml"

var errCorruptMarker = errors.New("corrupt marker")

// Key identifies one unit of recorded work.
type Key struct {
	Component    string
	Distribution string
	PackageSet   string
	Stage        string
}

// String renders the key in log form.
func (k Key) String() string {
	return k.Component + ":" + k.Distribution + ":" + k.PackageSet + ":" + k.Stage
}

func (k Key) validate() error {
	fields := []struct {
		name  string
		value string
	}{
		{"component", k.Component},
		{"distribution", k.Distribution},
		{"package set", k.PackageSet},
		{"stage", k.Stage},
	}
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("marker key %s is required", f.name)
		}
		if strings.ContainsAny(f.value, `/\`) || f.value == "." || f.value == ".." {
			return fmt.Errorf("invalid marker key %s: %q", f.name, f.value)
		}
	}
	return nil
}

// Marker records one successfully completed stage.
type Marker struct {
	Fingerprint string    `yaml:"fingerprint"`
	CompletedAt time.Time `yaml:"completed_at"`

	// Outputs lists the collected artifact paths relative to the
	// stage output directory.
	Outputs []string `yaml:"outputs,omitempty"`
}

// Tracker is a file-backed marker store. Markers live under the store
// root at <component>/<package-set>/<distribution>/<stage>.yml and are
// replaced atomically, so a reader never observes a partial marker and
// a crash mid-write leaves the previous marker intact.
type Tracker struct {
	root  string
	log   *telemetry.Logger
	locks *KeyMutex
}

// NewTracker opens the marker store rooted at dir, creating it when
// missing. A nil logger falls back to the process default.
func NewTracker(dir string, log *telemetry.Logger) (*Tracker, error) {
	if dir == "" {
		return nil, fmt.Errorf("marker store directory is required")
	}
	if log == nil {
		log = telemetry.FromContext(context.Background())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create marker store %s: %w", dir, err)
	}

	return &Tracker{
		root:  dir,
		log:   log.NewComponentLogger("state"),
		locks: NewKeyMutex(),
	}, nil
}

func (t *Tracker) path(key Key) string {
	return filepath.Join(t.root, key.Component, key.PackageSet, key.Distribution, key.Stage+markerExt)
}

// Read returns the marker for key, or nil when none is recorded. An
// unreadable or unparsable marker is an error; precondition checks
// that only need existence should use IsSatisfied instead.
func (t *Tracker) Read(key Key) (*Marker, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(t.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read marker for %s: %w", key, err)
	}

	var marker Marker
	if err := yaml.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("%w for %s: %v", errCorruptMarker, key, err)
	}
	return &marker, nil
}

// IsSatisfied reports whether key has a recorded marker matching
// fingerprint. A marker that cannot be parsed counts as unsatisfied so
// the stage re-runs and rewrites it.
func (t *Tracker) IsSatisfied(key Key, fingerprint string) (bool, error) {
	marker, err := t.Read(key)
	if err != nil {
		if errors.Is(err, errCorruptMarker) {
			t.log.WithField("key", key.String()).Warnf("ignoring unreadable marker: %v", err)
			return false, nil
		}
		return false, err
	}
	if marker == nil {
		return false, nil
	}
	return marker.Fingerprint == fingerprint, nil
}

// Record persists a completion marker for key, replacing any previous
// one atomically. A zero CompletedAt is filled with the current time.
func (t *Tracker) Record(key Key, marker Marker) error {
	if err := key.validate(); err != nil {
		return err
	}
	if marker.Fingerprint == "" {
		return fmt.Errorf("marker for %s has no fingerprint", key)
	}
	if marker.CompletedAt.IsZero() {
		marker.CompletedAt = time.Now().UTC()
	}

	t.locks.Lock(key.String())
	defer t.locks.Unlock(key.String())

	path := t.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create marker directory for %s: %w", key, err)
	}
	data, err := yaml.Marshal(&marker)
	if err != nil {
		return fmt.Errorf("failed to encode marker for %s: %w", key, err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to record marker for %s: %w", key, err)
	}

	t.log.WithField("key", key.String()).Debugf("recorded marker")
	return nil
}

// Invalidate removes the marker for key, forcing the next run to
// re-execute the stage. Removing an absent marker is not an error.
func (t *Tracker) Invalidate(key Key) error {
	if err := key.validate(); err != nil {
		return err
	}

	t.locks.Lock(key.String())
	defer t.locks.Unlock(key.String())

	if err := os.Remove(t.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to invalidate marker for %s: %w", key, err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory,
// fsyncs it, then renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
