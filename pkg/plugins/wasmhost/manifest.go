package wasmhost

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/distforge/distforge/pkg/dist"
	"github.com/distforge/distforge/pkg/plugins"
)

// ModuleFile is the WASM module name inside a handler directory.
const ModuleFile = "handler.wasm"

// ManifestFile is the manifest name inside a handler directory.
const ManifestFile = "manifest.yml"

// Manifest describes one out-of-tree handler. It lives next to the
// WASM module as manifest.yml.
type Manifest struct {
	// Name identifies the handler, conventionally the directory name.
	Name string `yaml:"name"`

	// Version is the handler's own version string.
	Version string `yaml:"version"`

	// Description is a one-line summary.
	Description string `yaml:"description"`

	// Entry is the entry point the handler serves, e.g. "publish".
	Entry string `yaml:"entry"`

	// Scope is the packaging family the handler is registered for.
	// Empty registers it as the entry point's generic handler.
	Scope string `yaml:"scope"`

	// Checksum is the required sha256 hex digest of handler.wasm.
	Checksum string `yaml:"checksum"`

	// Timeout bounds one resolve call. Zero uses the host default.
	Timeout time.Duration `yaml:"timeout"`

	// MemoryPages caps the module's linear memory in 64KiB pages.
	// Zero uses the host default.
	MemoryPages uint32 `yaml:"memory-pages"`
}

// ParseManifest parses and validates a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseManifestFile reads and parses a manifest.yml.
func ParseManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

var knownEntries = map[string]bool{
	plugins.EntryFetch:     true,
	plugins.EntrySource:    true,
	plugins.EntryBuild:     true,
	plugins.EntryPost:      true,
	plugins.EntryVerify:    true,
	plugins.EntrySign:      true,
	plugins.EntryPublish:   true,
	plugins.EntryUpload:    true,
	plugins.EntryTemplate:  true,
	plugins.EntryInstaller: true,
	plugins.EntryChroot:    true,
}

// Validate checks the manifest's required fields.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("handler name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("handler version is required")
	}
	if m.Entry == "" {
		return fmt.Errorf("entry point is required")
	}
	if !knownEntries[m.Entry] {
		return fmt.Errorf("unknown entry point %q", m.Entry)
	}
	switch dist.Family(m.Scope) {
	case "", dist.FamilyRPM, dist.FamilyDeb, dist.FamilyArchlinux:
	default:
		return fmt.Errorf("unknown packaging family scope %q", m.Scope)
	}
	if m.Checksum == "" {
		return fmt.Errorf("checksum is required")
	}
	if _, err := hex.DecodeString(m.Checksum); err != nil || len(m.Checksum) != sha256.Size*2 {
		return fmt.Errorf("checksum is not a sha256 hex digest")
	}
	return nil
}

// VerifyChecksum checks the WASM module against the pinned digest.
func (m *Manifest) VerifyChecksum(wasmModule []byte) error {
	sum := sha256.Sum256(wasmModule)
	computed := hex.EncodeToString(sum[:])
	if computed != m.Checksum {
		return fmt.Errorf("module checksum mismatch for %s: manifest has %s, module is %s",
			m.Name, m.Checksum, computed)
	}
	return nil
}
