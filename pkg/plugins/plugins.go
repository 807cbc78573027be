// Package plugins resolves build stages into executable recipes. A
// handler receives the tuple context (component or template, target
// distribution, merged manifest parameters, artifact layout) and
// answers with a recipe: the command batches to run inside a cage, the
// transfer plans in and out, and the inputs that feed the stage's
// artifact fingerprint. Handlers never execute anything and never
// touch the filesystem; the scheduler owns execution and the cage
// manager owns the cage.
//
// Builtin handlers cover the full pipeline: fetch, source, build,
// sign, publish, upload, the template and installer pipelines, and
// chroot cache preparation. Out-of-tree handlers compiled to WASM are
// loaded by the wasmhost subpackage and registered alongside the
// builtins.
package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/distforge/distforge/pkg/dist"
	"github.com/distforge/distforge/pkg/stage"
	"github.com/distforge/distforge/pkg/telemetry"
)

// Entry point names. An entry point identifies what kind of work a
// handler performs; most map one-to-one onto pipeline stages, while
// template, installer and chroot name whole pipelines of their own.
const (
	EntryFetch     = "fetch"
	EntrySource    = "source"
	EntryBuild     = "build"
	EntryPost      = "post"
	EntryVerify    = "verify"
	EntrySign      = "sign"
	EntryPublish   = "publish"
	EntryUpload    = "upload"
	EntryTemplate  = "template"
	EntryInstaller = "installer"
	EntryChroot    = "chroot"
)

// ScopeGeneric registers a handler for every packaging family.
const ScopeGeneric = ""

// Handler resolves one stage invocation into a recipe. Resolve must be
// pure: no execution, no filesystem writes, no network. Everything the
// handler needs arrives in the request.
type Handler interface {
	Resolve(ctx context.Context, req *Request) (*Recipe, error)
}

// EntryPointFor maps a component pipeline stage to the entry point
// that serves it. The prep stage is served by source handlers; every
// other stage shares its entry point's name.
func EntryPointFor(stageName string) string {
	if stageName == stage.Prep {
		return EntrySource
	}
	return stageName
}

type registryKey struct {
	entry string
	scope string
}

// Registry maps (entry point, packaging family) pairs to handlers. A
// handler registered with ScopeGeneric serves every family the entry
// point has no specific handler for.
type Registry struct {
	log      *telemetry.Logger
	handlers map[registryKey]Handler
}

// NewRegistry returns a registry with all builtin handlers installed.
func NewRegistry(log *telemetry.Logger) *Registry {
	if log == nil {
		log = telemetry.FromContext(context.Background())
	}

	r := &Registry{
		log:      log.NewComponentLogger("plugins"),
		handlers: make(map[registryKey]Handler),
	}

	must := func(entry, scope string, h Handler) {
		if err := r.Register(entry, scope, h); err != nil {
			panic(err)
		}
	}

	must(EntryFetch, ScopeGeneric, &fetchHandler{})
	must(EntrySource, string(dist.FamilyRPM), &rpmSourceHandler{})
	must(EntrySource, string(dist.FamilyDeb), &debSourceHandler{})
	must(EntrySource, string(dist.FamilyArchlinux), &archSourceHandler{})
	must(EntryBuild, string(dist.FamilyRPM), &rpmBuildHandler{})
	must(EntryBuild, string(dist.FamilyDeb), &debBuildHandler{})
	must(EntryBuild, string(dist.FamilyArchlinux), &archBuildHandler{})
	must(EntrySign, string(dist.FamilyRPM), &rpmSignHandler{})
	must(EntrySign, string(dist.FamilyDeb), &debSignHandler{})
	must(EntrySign, string(dist.FamilyArchlinux), &archSignHandler{})
	must(EntryPublish, string(dist.FamilyRPM), &rpmPublishHandler{})
	must(EntryPublish, string(dist.FamilyDeb), &debPublishHandler{})
	must(EntryPublish, string(dist.FamilyArchlinux), &archPublishHandler{})
	must(EntryUpload, ScopeGeneric, &uploadHandler{})
	must(EntryTemplate, ScopeGeneric, &templateHandler{})
	must(EntryInstaller, ScopeGeneric, &installerHandler{})
	must(EntryChroot, string(dist.FamilyRPM), &rpmChrootHandler{})
	must(EntryChroot, string(dist.FamilyDeb), &debChrootHandler{})

	return r
}

// Register installs a handler for an entry point and scope. The scope
// is a packaging family name or ScopeGeneric. Registering over an
// existing handler is an error; out-of-tree handlers cannot displace
// builtins.
func (r *Registry) Register(entry, scope string, h Handler) error {
	if entry == "" {
		return fmt.Errorf("empty entry point name")
	}
	if h == nil {
		return fmt.Errorf("nil handler for entry point %q", entry)
	}
	key := registryKey{entry: entry, scope: scope}
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("handler already registered for %s", key)
	}
	r.handlers[key] = h
	return nil
}

// Lookup finds the handler serving an entry point for a packaging
// family: the family-specific registration wins, the generic one is
// the fallback.
func (r *Registry) Lookup(entry string, family dist.Family) (Handler, bool) {
	if h, ok := r.handlers[registryKey{entry: entry, scope: string(family)}]; ok {
		return h, true
	}
	h, ok := r.handlers[registryKey{entry: entry, scope: ScopeGeneric}]
	return h, ok
}

// Entries lists the registered entry points, sorted, each once.
func (r *Registry) Entries() []string {
	seen := make(map[string]bool, len(r.handlers))
	var entries []string
	for key := range r.handlers {
		if !seen[key.entry] {
			seen[key.entry] = true
			entries = append(entries, key.entry)
		}
	}
	sort.Strings(entries)
	return entries
}

func (k registryKey) String() string {
	if k.scope == ScopeGeneric {
		return k.entry
	}
	return k.entry + "/" + k.scope
}

// DiscoverPayloads scans the configured plugin directories for payload
// trees: the scripts, mock configurations and pbuilder files recipes
// stage into cages. Each immediate subdirectory of a plugin directory
// is one payload, keyed by its base name; earlier directories win name
// conflicts. Missing directories are skipped.
func DiscoverPayloads(dirs []string) (map[string]string, error) {
	payloads := make(map[string]string)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scanning plugin directory %s: %w", dir, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			name := entry.Name()
			if _, taken := payloads[name]; taken {
				continue
			}
			payloads[name] = filepath.Join(dir, name)
		}
	}
	return payloads, nil
}
