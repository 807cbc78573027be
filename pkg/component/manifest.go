package component

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/distforge/distforge/pkg/dist"
	"github.com/distforge/distforge/pkg/stage"
)

// ManifestFile is the declarative build manifest at the root of every
// component source tree.
const ManifestFile = ".distforge.yml"

// PackagePath is a build target path declared in a manifest, relative to
// the component source root.
type PackagePath string

// String returns the path as declared.
func (p PackagePath) String() string {
	return string(p)
}

// Mangle flattens the path into a file basename usable for stage artifact
// records.
func (p PackagePath) Mangle() string {
	return strings.ReplaceAll(string(p), "/", "_")
}

// Manifest is the rendered component manifest. The top level holds the
// "source" section consumed by the fetch stage, package-set sections
// ("host", "vm") and optional per-distribution sections ("host-fc42")
// containing packaging-family subsections.
type Manifest map[string]interface{}

// Parameters is the merged manifest subset one (distribution, stage)
// handler receives.
type Parameters map[string]interface{}

// Manifest renders and parses the component's manifest file. The
// placeholders map is applied textually before parsing; @VERSION@ and
// @REL@ are always set from the resolved component. The rendered data is
// rejected if any string anywhere in it contains a forbidden pattern
// (parent traversal or stage marker suffixes).
func (c *Component) Manifest(placeholders map[string]string) (Manifest, error) {
	if err := c.Resolve(); err != nil {
		return nil, err
	}

	path := filepath.Join(c.SourceDir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("component %s: cannot read %s: %w", c.Name, ManifestFile, err)
	}

	rendered := string(data)
	merged := map[string]string{
		"@VERSION@": c.Version(),
		"@REL@":     c.Release(),
	}
	for key, value := range placeholders {
		merged[key] = value
	}
	for key, value := range merged {
		rendered = strings.ReplaceAll(rendered, key, value)
	}

	var manifest Manifest
	if err := yaml.Unmarshal([]byte(rendered), &manifest); err != nil {
		return nil, fmt.Errorf("component %s: cannot render %s: %w", c.Name, ManifestFile, err)
	}
	if manifest == nil {
		manifest = Manifest{}
	}
	if err := checkManifestData(manifest); err != nil {
		return nil, fmt.Errorf("component %s: invalid %s: %w", c.Name, ManifestFile, err)
	}
	return manifest, nil
}

// checkManifestData walks every nested value and rejects strings carrying
// forbidden patterns. Only maps, lists, strings, ints and bools may appear.
func checkManifestData(data interface{}) error {
	switch v := data.(type) {
	case Manifest:
		return checkManifestData(map[string]interface{}(v))
	case map[string]interface{}:
		for key, value := range v {
			if err := checkManifestData(key); err != nil {
				return err
			}
			if err := checkManifestData(value); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, item := range v {
			if err := checkManifestData(item); err != nil {
				return err
			}
		}
	case string:
		for _, pattern := range stage.ForbiddenPatterns() {
			if strings.Contains(v, pattern) {
				return fmt.Errorf("forbidden pattern %q found in %q", pattern, v)
			}
		}
	case int, bool, nil:
	default:
		return fmt.Errorf("unexpected data type %T", v)
	}
	return nil
}

// Source returns the top-level "source" section consumed by the fetch
// stage, or an empty set.
func (m Manifest) Source() Parameters {
	return asParameters(m["source"])
}

// ParametersFor merges the manifest sections applying to one distribution,
// least specific first:
//
//  1. <package-set> / <family>        (vm: rpm:)
//  2. <package-set> / <full-name>     (vm: fedora:)
//  3. <raw-distribution> / <family>   (vm-fc41: rpm:)
//
// Later sections win key by key. Build targets are checked for mangle
// conflicts: two declared paths must not flatten to the same basename.
func (m Manifest) ParametersFor(d *dist.Distribution) (Parameters, error) {
	merged := Parameters{}

	packageSet := asParameters(m[string(d.PackageSet)])
	merged.update(asParameters(packageSet[string(d.Family)]))
	merged.update(asParameters(packageSet[d.FullName]))

	perDist := asParameters(m[d.Raw])
	merged.update(asParameters(perDist[string(d.Family)]))

	builds := merged.Build()
	seen := make(map[string]bool, len(builds))
	for _, build := range builds {
		mangled := build.Mangle()
		if seen[mangled] {
			return nil, fmt.Errorf("conflicting build paths for %s: %q", d.Raw, build)
		}
		seen[mangled] = true
	}
	return merged, nil
}

func (p Parameters) update(other Parameters) {
	for key, value := range other {
		p[key] = value
	}
}

func asParameters(v interface{}) Parameters {
	switch m := v.(type) {
	case Parameters:
		return m
	case map[string]interface{}:
		return Parameters(m)
	default:
		return Parameters{}
	}
}

// Build returns the declared build target paths, in manifest order.
func (p Parameters) Build() []PackagePath {
	var builds []PackagePath
	for _, item := range p.list("build") {
		if s, ok := item.(string); ok {
			builds = append(builds, PackagePath(s))
		}
	}
	return builds
}

// Files returns the external file descriptors of a "source" section.
func (p Parameters) Files() []FileSpec {
	var files []FileSpec
	for _, item := range p.list("files") {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		files = append(files, FileSpec{
			URL:        stringAt(entry, "url"),
			GitURL:     stringAt(entry, "git-url"),
			GitBranch:  stringAt(entry, "git-branch"),
			Sha256:     stringAt(entry, "sha256"),
			Sha512:     stringAt(entry, "sha512"),
			Signature:  stringAt(entry, "signature"),
			PubKeys:    stringsAt(entry, "pubkeys"),
			Uncompress: boolAt(entry, "uncompress"),
		})
	}
	return files
}

// Modules returns the git submodule names a "source" section declares.
func (p Parameters) Modules() []string {
	var modules []string
	for _, item := range p.list("modules") {
		if s, ok := item.(string); ok {
			modules = append(modules, s)
		}
	}
	return modules
}

// Strings returns a list-of-strings value for key.
func (p Parameters) Strings(key string) []string {
	var values []string
	for _, item := range p.list(key) {
		if s, ok := item.(string); ok {
			values = append(values, s)
		}
	}
	return values
}

// String returns a scalar string value for key, or "".
func (p Parameters) String(key string) string {
	return stringAt(p, key)
}

// Bool returns a scalar bool value for key, or false.
func (p Parameters) Bool(key string) bool {
	return boolAt(p, key)
}

// Section returns the nested mapping stored under key, or an empty
// set when the key is absent or not a mapping.
func (p Parameters) Section(key string) Parameters {
	return asParameters(p[key])
}

func (p Parameters) list(key string) []interface{} {
	items, ok := p[key].([]interface{})
	if !ok {
		return nil
	}
	return items
}

func stringAt(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringsAt(m map[string]interface{}, key string) []string {
	items, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	var values []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			values = append(values, s)
		}
	}
	return values
}

func boolAt(m map[string]interface{}, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// FileSpec describes one external file the fetch stage downloads and
// verifies. Either URL or GitURL must be set; a URL entry must carry a
// checksum or a detached signature with public keys.
type FileSpec struct {
	URL        string
	GitURL     string
	GitBranch  string
	Sha256     string
	Sha512     string
	Signature  string
	PubKeys    []string
	Uncompress bool
}

// Validate checks the invariants the fetch stage relies on.
func (f FileSpec) Validate() error {
	if f.URL == "" && f.GitURL == "" {
		return fmt.Errorf("files entry must have either url or git-url")
	}
	if f.URL != "" && f.Sha256 == "" && f.Sha512 == "" && f.Signature == "" {
		return fmt.Errorf("files entry %s must have a checksum or signature", f.URL)
	}
	if f.Signature != "" && len(f.PubKeys) == 0 {
		return fmt.Errorf("files entry %s has a signature but no pubkeys", f.URL)
	}
	return nil
}
