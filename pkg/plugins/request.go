package plugins

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/distforge/distforge/pkg/component"
	"github.com/distforge/distforge/pkg/config"
	"github.com/distforge/distforge/pkg/dist"
	"github.com/distforge/distforge/pkg/executor"
	"github.com/distforge/distforge/pkg/template"
)

// Request carries everything a handler may consult while resolving a
// stage invocation. The scheduler fills it once per job unit; handlers
// treat it as read-only.
type Request struct {
	// Stage is the canonical pipeline stage being resolved.
	Stage string

	// Component is the source unit, resolved (version, release) for
	// every stage after fetch. Nil for template and installer units.
	Component *component.Component

	// Distribution is the build target.
	Distribution *dist.Distribution

	// Template is set for template pipeline units only.
	Template *template.Template

	// Parameters is the manifest subset merged for this distribution.
	Parameters component.Parameters

	// SourceSection is the manifest's top-level source section,
	// consumed by the fetch stage.
	SourceSection component.Parameters

	// Layout locates the host-side artifact tree.
	Layout Layout

	// Options carries the configuration knobs handlers honor.
	Options Options

	// Payloads maps payload names to the host directories staged into
	// cages, discovered from the configured plugin directories.
	Payloads map[string]string

	// Prior holds the output listings recorded by this unit's earlier
	// stage markers, keyed by stage name.
	Prior map[string][]string
}

// Payload returns the host directory of a named payload tree.
func (r *Request) Payload(name string) (string, error) {
	dir, ok := r.Payloads[name]
	if !ok {
		return "", fmt.Errorf("payload %q not found in any plugin directory", name)
	}
	return dir, nil
}

// PriorOutputs returns the outputs a previous stage recorded, or nil.
func (r *Request) PriorOutputs(stageName string) []string {
	return r.Prior[stageName]
}

// PriorOutput finds the single prior output of stageName whose base
// name ends in suffix. Zero or several matches are an error: the
// earlier stage either never ran to completion or recorded an
// ambiguous result.
func (r *Request) PriorOutput(stageName, suffix string) (string, error) {
	var found []string
	for _, out := range r.Prior[stageName] {
		if strings.HasSuffix(filepath.Base(out), suffix) {
			found = append(found, out)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("no %q output recorded by the %s stage; missing %s run?", suffix, stageName, stageName)
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%d %q outputs recorded by the %s stage", len(found), suffix, stageName)
	}
}

// CageSourceDir is the component source tree's location inside the
// cage: directly under the builder root, named after the component.
func (r *Request) CageSourceDir() string {
	return executor.PlaceholderBuilderDir + "/" + r.Component.Name
}

// SourceParams merges the manifest's top-level source section with the
// distribution's own source overrides, the latter winning.
func (r *Request) SourceParams() component.Parameters {
	merged := component.Parameters{}
	for key, value := range r.SourceSection {
		merged[key] = value
	}
	for key, value := range r.Parameters.Section("source") {
		merged[key] = value
	}
	return merged
}

// CreateArchive reports whether the prep stage should snapshot the
// source tree into an archive itself. The manifest may force it either
// way; the default is to archive only when no external files are
// declared.
func (r *Request) CreateArchive() bool {
	params := r.SourceParams()
	if value, ok := params["create-archive"]; ok {
		forced, _ := value.(bool)
		return forced
	}
	return len(params.Files()) == 0
}

// MockConfig names the mock chroot configuration file for the target
// distribution.
func (r *Request) MockConfig() string {
	d := r.Distribution
	return fmt.Sprintf("%s-%s-%s.cfg", d.FullName, d.Version, d.Architecture)
}

// Layout locates the host-side artifact tree recipes copy from and
// into. All fields are absolute paths.
type Layout struct {
	Artifacts         string
	Sources           string
	Distfiles         string
	Repository        string
	RepositoryPublish string
	Templates         string
	Components        string
	Cache             string
	Logs              string
	Tmp               string
}

// LayoutFor derives the layout from the loaded configuration.
func LayoutFor(cfg *config.Config) Layout {
	return Layout{
		Artifacts:         cfg.ArtifactsDir(),
		Sources:           cfg.SourcesDir(),
		Distfiles:         cfg.DistfilesDir(),
		Repository:        cfg.RepositoryDir(),
		RepositoryPublish: cfg.RepositoryPublishDir(),
		Templates:         cfg.TemplatesDir(),
		Components:        cfg.ComponentsDir(),
		Cache:             cfg.CacheDir(),
		Logs:              cfg.LogsDir(),
		Tmp:               cfg.TmpDir(),
	}
}

// SourceDir is the fetched source tree of a component.
func (l Layout) SourceDir(name string) string {
	return filepath.Join(l.Sources, name)
}

// ComponentDistfiles caches a component's downloaded external files.
func (l Layout) ComponentDistfiles(name string) string {
	return filepath.Join(l.Distfiles, name)
}

// ComponentStageDir is where one (component, distribution, stage)
// invocation stores its outputs. The component must be resolved.
func (l Layout) ComponentStageDir(c *component.Component, d *dist.Distribution, stageName string) string {
	return filepath.Join(l.Components, c.Name, c.VersionRelease(), d.Raw, stageName)
}

// DistRepository is the local build repository slice for one
// distribution, re-provisioned as components build and sign.
func (l Layout) DistRepository(d *dist.Distribution) string {
	return filepath.Join(l.Repository, d.Raw)
}

// PublishRoot is the publish repository tree for a packaging family
// and release.
func (l Layout) PublishRoot(family dist.Family, release string) string {
	return filepath.Join(l.RepositoryPublish, string(family), release)
}

// ChrootCache is the prepared chroot cache for a distribution.
func (l Layout) ChrootCache(d *dist.Distribution) string {
	return filepath.Join(l.Cache, "chroot", d.Name)
}

// TemplateDir holds one template's prepared root image and metadata.
func (l Layout) TemplateDir(name string) string {
	return filepath.Join(l.Templates, name)
}

// QubeizedImageDir holds one template's raw root image.
func (l Layout) QubeizedImageDir(name string) string {
	return filepath.Join(l.Templates, "qubeized_images", name)
}

// TemplatesRPMDir collects built template packages.
func (l Layout) TemplatesRPMDir() string {
	return filepath.Join(l.Templates, "rpm")
}

// ISODir collects built installer images.
func (l Layout) ISODir() string {
	return filepath.Join(l.Artifacts, "iso")
}

// Options carries the configuration-derived knobs handlers honor. The
// per-stage fields (Repository, RemoteHost, Timestamp, Unpublish,
// ExecutorKind) are filled by the scheduler for the stages that use
// them.
type Options struct {
	Verbose bool
	Debug   bool

	// Release is the distribution release being built, e.g. "r4.3".
	Release string

	// BackendVMM selects the virtualization backend flavor baked into
	// packages and templates.
	BackendVMM string

	// GPGClient is the signing client binary, gpg by default.
	GPGClient string

	// SignKey is the signing key fingerprint resolved for the target,
	// empty when signing is not configured.
	SignKey string

	// Repository is the publish repository targeted by publish and
	// upload stages.
	Repository string

	// RemoteHost is the rsync destination for the upload stage.
	RemoteHost string

	// UpstreamRelease enables the named already-published release's
	// repositories inside build chroots; empty disables them.
	UpstreamRelease string

	// UpstreamTesting additionally enables the testing variant.
	UpstreamTesting bool

	TemplateRootSize           string
	TemplateRootWithPartitions bool

	// FetchVersionsOnly restricts fetch verification to version tags.
	FetchVersionsOnly bool

	// SkipGitFetch keeps already-fetched sources as they are.
	SkipGitFetch bool

	// Unpublish asks the publish entry point to remove instead of add.
	Unpublish bool

	// Timestamp is the template or ISO build timestamp, UTC
	// YYYYMMDDhhmm, assigned at prep and threaded through later stages.
	Timestamp string

	// ExecutorKind is the backend the recipe will run on. Handlers
	// adapt chroot isolation flags to it.
	ExecutorKind executor.Kind
}

// OptionsFor derives the distribution-independent option set from the
// configuration. A nil distribution leaves SignKey empty.
func OptionsFor(cfg *config.Config, d *dist.Distribution) Options {
	upstreamRelease, upstreamTesting := cfg.UseUpstreamRepo()
	opts := Options{
		Verbose:                    cfg.Verbose(),
		Debug:                      cfg.Debug(),
		Release:                    cfg.Release(),
		BackendVMM:                 cfg.BackendVMM(),
		GPGClient:                  cfg.GPGClient(),
		UpstreamRelease:            upstreamRelease,
		UpstreamTesting:            upstreamTesting,
		TemplateRootSize:           cfg.TemplateRootSize(),
		TemplateRootWithPartitions: cfg.TemplateRootWithPartitions(),
		FetchVersionsOnly:          cfg.FetchVersionsOnly(),
		SkipGitFetch:               cfg.SkipGitFetch(),
	}
	if d != nil {
		opts.SignKey = cfg.SignKeyFor(d)
	}
	return opts
}
