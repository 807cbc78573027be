// Package config loads the builder configuration: a YAML file with
// ordered includes, Starlark dynamic includes, append-merge list
// sections and CUE schema validation. It resolves the configured
// distributions, components and templates into their model types and
// builds executors from the four-layer override merge.
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/distforge/distforge/pkg/component"
	"github.com/distforge/distforge/pkg/dist"
	"github.com/distforge/distforge/pkg/executor"
	"github.com/distforge/distforge/pkg/telemetry"
	"github.com/distforge/distforge/pkg/template"
)

// Defaults applied when the configuration leaves a key unset.
const (
	DefaultGitBaseURL  = "https://github.com"
	DefaultGitPrefix   = "distforge/"
	DefaultGitBranch   = "main"
	DefaultGPGClient   = "gpg"
	DefaultMinAgeDays  = 5
	DefaultParallelism = 4
	DefaultTimeout     = 3600 * time.Second

	defaultRepositoryPublish = "current-testing"
	defaultRootSize          = "20G"
)

// Config is the merged, validated builder configuration. The raw tree
// is immutable after Load except through Set and ApplyOption, which the
// CLI uses before any pipeline starts.
type Config struct {
	path         string
	artifactsDir string
	includes     []string
	raw          map[string]any
	log          *telemetry.Logger
}

// Load reads, merges and validates the configuration at path. A nil
// logger falls back to the default.
func Load(path string, log *telemetry.Logger) (*Config, error) {
	if log == nil {
		log = telemetry.FromContext(context.Background())
	}
	log = log.NewComponentLogger("config")

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve configuration path %s: %w", path, err)
	}

	raw, includes, err := parseFile(abs)
	if err != nil {
		return nil, err
	}
	if err := validateSchema(raw); err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	c := &Config{
		path:     abs,
		includes: includes,
		raw:      raw,
		log:      log,
	}
	if dir := c.getString("artifacts-dir", ""); dir != "" {
		if c.artifactsDir, err = filepath.Abs(dir); err != nil {
			return nil, fmt.Errorf("cannot resolve artifacts directory %s: %w", dir, err)
		}
	} else {
		c.artifactsDir = filepath.Join(filepath.Dir(abs), "artifacts")
	}

	log.WithField("path", abs).Debug("configuration loaded")
	return c, nil
}

// Path returns the absolute path of the loaded configuration file.
func (c *Config) Path() string { return c.path }

// IncludeFiles returns the absolute paths of the included files, in
// include order.
func (c *Config) IncludeFiles() []string {
	out := make([]string, len(c.includes))
	copy(out, c.includes)
	return out
}

// Get returns the raw value under a top-level key, or def when unset.
func (c *Config) Get(key string, def any) any {
	if v, ok := c.raw[key]; ok {
		return v
	}
	return def
}

// Set overrides a top-level key.
func (c *Config) Set(key string, value any) {
	c.raw[key] = value
}

// ApplyOption applies one command line override of the form key=value.
// Dots in the key descend into nested maps, creating them as needed,
// and the value is decoded as YAML so numbers, booleans and lists keep
// their types.
func (c *Config) ApplyOption(option string) error {
	key, rawValue, ok := strings.Cut(option, "=")
	if !ok || key == "" {
		return fmt.Errorf("invalid option %q, expected key=value", option)
	}

	var value any
	if err := yaml.Unmarshal([]byte(rawValue), &value); err != nil {
		return fmt.Errorf("invalid option value %q: %w", rawValue, err)
	}

	parts := strings.Split(key, ".")
	node := c.raw
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
	return nil
}

func (c *Config) getBool(key string, def bool) bool {
	if v, ok := c.raw[key].(bool); ok {
		return v
	}
	return def
}

func (c *Config) getString(key string, def string) string {
	switch v := c.raw[key].(type) {
	case string:
		return v
	case int, int64, float64:
		return fmt.Sprint(v)
	}
	return def
}

func (c *Config) getInt(key string, def int) int {
	switch v := c.raw[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func (c *Config) getMap(key string) map[string]any {
	if v, ok := c.raw[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

func (c *Config) getStringList(key string) []string {
	raw, _ := c.raw[key].([]any)
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		if s, ok := entry.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Verbose reports whether command output and debug logs are wanted.
func (c *Config) Verbose() bool { return c.getBool("verbose", false) }

// Debug reports whether failure diagnostics keep cages around.
func (c *Config) Debug() bool { return c.getBool("debug", false) }

// SkipIfExists skips stages whose marker is already satisfied without
// recomputing fingerprints.
func (c *Config) SkipIfExists() bool { return c.getBool("skip-if-exists", false) }

// SkipGitFetch reuses already-fetched sources without contacting the
// remote.
func (c *Config) SkipGitFetch() bool { return c.getBool("skip-git-fetch", false) }

// FetchVersionsOnly restricts fetch to version tags.
func (c *Config) FetchVersionsOnly() bool { return c.getBool("fetch-versions-only", false) }

// BackendVMM is substituted for the @BACKEND_VMM@ manifest placeholder.
func (c *Config) BackendVMM() string { return c.getString("backend-vmm", "") }

// GPGClient is the signing client binary.
func (c *Config) GPGClient() string { return c.getString("gpg-client", DefaultGPGClient) }

// Release names the distribution release being built, e.g. "r1".
func (c *Config) Release() string { return c.getString("release", "") }

// MinAgeDays is the minimum time a package must spend in a testing
// repository before stable publication.
func (c *Config) MinAgeDays() int { return c.getInt("min-age-days", DefaultMinAgeDays) }

// Parallelism bounds the scheduler worker pool within a stage.
func (c *Config) Parallelism() int {
	if n := c.getInt("parallelism", DefaultParallelism); n > 0 {
		return n
	}
	return DefaultParallelism
}

// Timeout is the default per-stage command budget.
func (c *Config) Timeout() time.Duration {
	if secs := c.getInt("timeout", 0); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return DefaultTimeout
}

// SignKey returns the signing key configured under name, e.g. a package
// format or "template". Empty when unset.
func (c *Config) SignKey(name string) string {
	if v, ok := c.getMap("sign-key")[name].(string); ok {
		return v
	}
	return ""
}

// SignKeyFor resolves the signing key for a distribution: an override
// keyed by the full distribution falls back to the per-format key.
func (c *Config) SignKeyFor(d *dist.Distribution) string {
	if key := c.SignKey(d.Raw); key != "" {
		return key
	}
	return c.SignKey(string(d.Family))
}

// RepositoryPublish returns the target publish repository for kind
// ("components" or "templates"), defaulting to current-testing.
func (c *Config) RepositoryPublish(kind string) string {
	if v, ok := c.getMap("repository-publish")[kind].(string); ok {
		return v
	}
	return defaultRepositoryPublish
}

// RepositoryUploadRemoteHost returns the rsync destination host for a
// repository kind, empty when uploads are not configured.
func (c *Config) RepositoryUploadRemoteHost(kind string) string {
	if v, ok := c.getMap("repository-upload-remote-host")[kind].(string); ok {
		return v
	}
	return ""
}

// UseUpstreamRepo returns the published release whose repositories are
// enabled inside build chroots so builds can draw on already-released
// packages, and whether its testing variant is enabled too. An empty
// release disables both.
func (c *Config) UseUpstreamRepo() (release string, testing bool) {
	m := c.getMap("use-upstream-repo")
	if v, ok := m["release"].(string); ok {
		release = v
	}
	if v, ok := m["testing"].(bool); ok {
		testing = v
	}
	return release, testing
}

// TemplateRootSize is the template root volume size.
func (c *Config) TemplateRootSize() string {
	return c.getString("template-root-size", defaultRootSize)
}

// TemplateRootWithPartitions reports whether template root images carry
// a partition table.
func (c *Config) TemplateRootWithPartitions() bool {
	return c.getBool("template-root-with-partitions", true)
}

// GitBaseURL is the base URL component source URLs are built from.
func (c *Config) GitBaseURL() string {
	if v, ok := c.getMap("git")["baseurl"].(string); ok && v != "" {
		return v
	}
	return DefaultGitBaseURL
}

// GitPrefix is prepended to component names when building source URLs.
func (c *Config) GitPrefix() string {
	if v, ok := c.getMap("git")["prefix"].(string); ok {
		return v
	}
	return DefaultGitPrefix
}

// GitBranch is the default branch components are fetched from.
func (c *Config) GitBranch() string {
	if v, ok := c.getMap("git")["branch"].(string); ok && v != "" {
		return v
	}
	return DefaultGitBranch
}

// GitMaintainers lists the default maintainer key fingerprints.
func (c *Config) GitMaintainers() []string {
	raw, _ := c.getMap("git")["maintainers"].([]any)
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		if s, ok := entry.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// ArtifactsDir is the root of the artifact tree.
func (c *Config) ArtifactsDir() string { return c.artifactsDir }

// SetArtifactsDir relocates the artifact tree.
func (c *Config) SetArtifactsDir(dir string) { c.artifactsDir = dir }

// LogsDir holds per-run log files.
func (c *Config) LogsDir() string { return filepath.Join(c.artifactsDir, "logs") }

// SourcesDir holds fetched component source trees.
func (c *Config) SourcesDir() string { return filepath.Join(c.artifactsDir, "sources") }

// DistfilesDir caches downloaded external source files.
func (c *Config) DistfilesDir() string { return filepath.Join(c.artifactsDir, "distfiles") }

// RepositoryDir is the local build repository.
func (c *Config) RepositoryDir() string { return filepath.Join(c.artifactsDir, "repository") }

// RepositoryPublishDir holds the publish repositories.
func (c *Config) RepositoryPublishDir() string {
	return filepath.Join(c.artifactsDir, "repository-publish")
}

// TemplatesDir holds built template artifacts.
func (c *Config) TemplatesDir() string { return filepath.Join(c.artifactsDir, "templates") }

// ComponentsDir holds per-component stage outputs.
func (c *Config) ComponentsDir() string { return filepath.Join(c.artifactsDir, "components") }

// MarkersDir holds the stage artifact markers.
func (c *Config) MarkersDir() string { return filepath.Join(c.artifactsDir, "markers") }

// CacheDir holds chroot and download caches reused across runs.
func (c *Config) CacheDir() string { return filepath.Join(c.artifactsDir, "cache") }

// TmpDir holds per-run scratch directories cleaned by "cleanup tmp".
func (c *Config) TmpDir() string { return filepath.Join(c.artifactsDir, "tmp") }

// PluginsDirs lists the directories searched for out-of-tree plugin
// handlers.
func (c *Config) PluginsDirs() []string { return c.getStringList("plugins-dirs") }

// PolicyDirs lists the directories searched for custom release policy
// files.
func (c *Config) PolicyDirs() []string { return c.getStringList("policy-dirs") }

// Distributions resolves the configured distributions. A non-empty
// filter selects by identifier instead, so the command line can target
// distributions absent from the configuration.
func (c *Config) Distributions(filter []string) ([]*dist.Distribution, error) {
	if len(filter) > 0 {
		return dist.ParseList(filter)
	}
	names, _, err := sectionEntries(c.raw, "distributions")
	if err != nil {
		return nil, err
	}
	return dist.ParseList(names)
}

// Templates resolves the configured templates. A non-empty filter
// selects configured templates by name; an unknown name is an error
// since a template cannot be built without its definition.
func (c *Config) Templates(filter []string) ([]*template.Template, error) {
	names, options, err := sectionEntries(c.raw, "templates")
	if err != nil {
		return nil, err
	}
	selected := names
	if len(filter) > 0 {
		selected = make([]string, 0, len(filter))
		for _, want := range filter {
			if _, ok := options[want]; !ok {
				return nil, fmt.Errorf("unknown template %q", want)
			}
			selected = append(selected, want)
		}
	}

	templates := make([]*template.Template, 0, len(selected))
	for _, name := range selected {
		opts := options[name]
		distName, _ := opts["dist"].(string)
		t, err := template.New(name, distName)
		if err != nil {
			return nil, err
		}
		if flavor, ok := opts["flavor"].(string); ok {
			t.Flavor = flavor
		}
		if raw, ok := opts["options"].([]any); ok {
			for _, o := range raw {
				if s, ok := o.(string); ok {
					t.Options = append(t.Options, s)
				}
			}
		}
		if secs, ok := intOption(opts["timeout"]); ok {
			t.Timeout = time.Duration(secs) * time.Second
		}
		templates = append(templates, t)
	}
	return templates, nil
}

// Components resolves the configured components. A non-empty filter
// selects by name, keeping the configured definition when the name is
// configured and constructing a default one otherwise.
func (c *Config) Components(filter []string) ([]*component.Component, error) {
	names, options, err := sectionEntries(c.raw, "components")
	if err != nil {
		return nil, err
	}

	selected := names
	if len(filter) > 0 {
		selected = filter
	}

	components := make([]*component.Component, 0, len(selected))
	for _, name := range selected {
		opts, configured := options[name]
		if !configured {
			opts = map[string]any{}
		}
		components = append(components, c.buildComponent(name, opts))
	}
	return components, nil
}

func (c *Config) buildComponent(name string, opts map[string]any) *component.Component {
	comp := component.New(name, filepath.Join(c.SourcesDir(), name))

	prefix := c.GitPrefix()
	if p, ok := opts["prefix"].(string); ok {
		prefix = p
	}
	comp.URL = fmt.Sprintf("%s/%s%s", c.GitBaseURL(), prefix, name)
	if url, ok := opts["url"].(string); ok && url != "" {
		comp.URL = url
	}
	comp.Branch = c.GitBranch()
	if branch, ok := opts["branch"].(string); ok && branch != "" {
		comp.Branch = branch
	}
	comp.Maintainers = c.GitMaintainers()
	if raw, ok := opts["maintainers"].([]any); ok {
		comp.Maintainers = nil
		for _, m := range raw {
			if s, ok := m.(string); ok {
				comp.Maintainers = append(comp.Maintainers, s)
			}
		}
	}
	comp.Timeout = c.Timeout()
	if secs, ok := intOption(opts["timeout"]); ok {
		comp.Timeout = time.Duration(secs) * time.Second
	}
	if packages, ok := opts["packages"].(bool); ok {
		comp.HasPackages = packages
	}

	for _, skip := range c.getStringList("insecure-skip-checking") {
		if skip == name {
			comp.InsecureSkipChecking = true
		}
	}
	for _, lessSecure := range c.getStringList("less-secure-signed-commits-sufficient") {
		if lessSecure == name {
			comp.SignedCommitsSufficient = true
		}
	}
	return comp
}

// ComponentDependencies returns the declared needs list of a component,
// empty when the component is not configured or declares none.
func (c *Config) ComponentDependencies(name string) ([]string, error) {
	_, options, err := sectionEntries(c.raw, "components")
	if err != nil {
		return nil, err
	}
	opts, ok := options[name]
	if !ok {
		return nil, nil
	}
	raw, _ := opts["needs"].([]any)
	needs := make([]string, 0, len(raw))
	for _, entry := range raw {
		s, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("component %s: needs entries must be strings, got %T", name, entry)
		}
		needs = append(needs, s)
	}
	return needs, nil
}

// ExecutorConfigFor resolves the executor kind and options for one
// (stage, component, distribution) tuple through the four override
// layers: global (with its per-stage entry), distribution entry,
// component entry, then the component entry's per-distribution block.
// Later layers win. A layer naming a type starts a fresh executor
// config, so options never leak across backend switches; a layer
// without one merges its options key by key. componentName may be
// empty and d nil, skipping their layers.
func (c *Config) ExecutorConfigFor(stage, componentName string, d *dist.Distribution) (string, map[string]any, error) {
	merged := map[string]any{}

	if global, ok := c.raw["executor"].(map[string]any); ok {
		merged = mergeExecutorLayer(merged, global)
	}
	_, stageOpts, err := sectionEntries(c.raw, "stages")
	if err != nil {
		return "", nil, err
	}
	if opts, ok := stageOpts[stage]; ok {
		if exec, ok := opts["executor"].(map[string]any); ok {
			merged = mergeExecutorLayer(merged, exec)
		}
	}

	if d != nil {
		_, distOpts, err := sectionEntries(c.raw, "distributions")
		if err != nil {
			return "", nil, err
		}
		if opts, ok := distOpts[d.Raw]; ok {
			if exec, ok := opts["executor"].(map[string]any); ok {
				merged = mergeExecutorLayer(merged, exec)
			}
		}
	}

	var compOpts map[string]any
	if componentName != "" {
		_, componentOpts, err := sectionEntries(c.raw, "components")
		if err != nil {
			return "", nil, err
		}
		if opts, ok := componentOpts[componentName]; ok {
			compOpts = opts
			if exec, ok := opts["executor"].(map[string]any); ok {
				merged = mergeExecutorLayer(merged, exec)
			}
		}
	}

	if compOpts != nil && d != nil {
		if perDist, ok := compOpts[d.Raw].(map[string]any); ok {
			if exec, ok := perDist["executor"].(map[string]any); ok {
				merged = mergeExecutorLayer(merged, exec)
			}
		}
	}

	kind, _ := merged["type"].(string)
	if kind == "" {
		kind = string(executor.KindDocker)
	}
	options, _ := merged["options"].(map[string]any)
	if options == nil {
		options = map[string]any{}
	}
	return kind, options, nil
}

func mergeExecutorLayer(merged, layer map[string]any) map[string]any {
	if _, ok := layer["type"]; ok {
		return deepMerge(map[string]any{}, layer)
	}
	return deepMerge(merged, layer)
}

// ExecutorFor builds the executor for one (stage, component,
// distribution) tuple. An unknown kind or invalid options are a
// configuration error surfaced before any execution.
func (c *Config) ExecutorFor(stage, componentName string, d *dist.Distribution) (executor.Executor, error) {
	kind, options, err := c.ExecutorConfigFor(stage, componentName, d)
	if err != nil {
		return nil, err
	}
	return NewExecutor(kind, options, c.log)
}

func intOption(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
