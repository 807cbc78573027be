package wasmhost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/distforge/distforge/pkg/plugins"
	"github.com/distforge/distforge/pkg/telemetry"
)

// Load scans the plugin directories for handler directories and
// registers every module it finds. A handler directory carries
// manifest.yml and handler.wasm; subdirectories without a manifest are
// payload trees, not handlers, and are skipped. Missing plugin
// directories are skipped; a handler that fails to verify, instantiate
// or register aborts the load.
//
// The returned handlers stay loaded for the process lifetime; the
// caller closes them on shutdown.
func Load(ctx context.Context, registry *plugins.Registry, dirs []string, hostConfig *Config, log *telemetry.Logger) ([]*Handler, error) {
	if log == nil {
		log = telemetry.FromContext(ctx)
	}
	log = log.NewComponentLogger("wasmhost")

	var handlers []*Handler
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return handlers, fmt.Errorf("scanning plugin directory %s: %w", dir, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			handlerDir := filepath.Join(dir, entry.Name())
			manifestPath := filepath.Join(handlerDir, ManifestFile)
			if _, err := os.Stat(manifestPath); os.IsNotExist(err) {
				continue
			}

			h, err := loadHandler(ctx, handlerDir, manifestPath, hostConfig)
			if err != nil {
				return handlers, err
			}
			if err := registry.Register(h.manifest.Entry, h.manifest.Scope, h); err != nil {
				h.Close(ctx)
				return handlers, fmt.Errorf("failed to register handler %s: %w", h.manifest.Name, err)
			}

			handlers = append(handlers, h)
			log.WithField("handler", h.manifest.Name).
				WithField("entry", h.manifest.Entry).
				Infof("loaded WASM handler %s %s", h.manifest.Name, h.manifest.Version)
		}
	}
	return handlers, nil
}

func loadHandler(ctx context.Context, dir, manifestPath string, hostConfig *Config) (*Handler, error) {
	manifest, err := ParseManifestFile(manifestPath)
	if err != nil {
		return nil, err
	}

	wasmModule, err := os.ReadFile(filepath.Join(dir, ModuleFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read module for %s: %w", manifest.Name, err)
	}

	return NewHandler(ctx, manifest, wasmModule, hostConfig)
}
