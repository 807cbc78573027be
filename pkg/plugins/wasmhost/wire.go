package wasmhost

import (
	"github.com/distforge/distforge/pkg/component"
	"github.com/distforge/distforge/pkg/plugins"
)

// wireRequest is the JSON document a handler module receives. It is a
// flattened view of the stage request: resolved component or template,
// target distribution, merged parameters and the host-side layout.
type wireRequest struct {
	Stage         string               `json:"stage"`
	Component     *wireComponent       `json:"component,omitempty"`
	Template      *wireTemplate        `json:"template,omitempty"`
	Distribution  wireDistribution     `json:"distribution"`
	Parameters    component.Parameters `json:"parameters,omitempty"`
	SourceSection component.Parameters `json:"source,omitempty"`
	Layout        wireLayout           `json:"layout"`
	Options       wireOptions          `json:"options"`
	Prior         map[string][]string  `json:"prior,omitempty"`
}

type wireComponent struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Release string `json:"release,omitempty"`

	// CageSourceDir is the source tree's location inside the cage,
	// with the builder-root placeholder unresolved.
	CageSourceDir string `json:"cage_source_dir"`
}

type wireTemplate struct {
	Name      string   `json:"name"`
	Flavor    string   `json:"flavor,omitempty"`
	Options   []string `json:"options,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

type wireDistribution struct {
	Raw          string `json:"raw"`
	PackageSet   string `json:"package_set"`
	Name         string `json:"name"`
	FullName     string `json:"full_name"`
	Version      string `json:"version"`
	Architecture string `json:"architecture"`
	Tag          string `json:"tag"`
	Family       string `json:"family"`
}

type wireLayout struct {
	Artifacts         string `json:"artifacts"`
	Sources           string `json:"sources"`
	Distfiles         string `json:"distfiles"`
	Repository        string `json:"repository"`
	RepositoryPublish string `json:"repository_publish"`
	Templates         string `json:"templates"`
	Components        string `json:"components"`
	Cache             string `json:"cache"`
	Logs              string `json:"logs"`
	Tmp               string `json:"tmp"`
}

type wireOptions struct {
	Verbose         bool   `json:"verbose"`
	Debug           bool   `json:"debug"`
	Release         string `json:"release,omitempty"`
	BackendVMM      string `json:"backend_vmm,omitempty"`
	SignKey         string `json:"sign_key,omitempty"`
	Repository      string `json:"repository,omitempty"`
	RemoteHost      string `json:"remote_host,omitempty"`
	Unpublish       bool   `json:"unpublish,omitempty"`
	Timestamp       string `json:"timestamp,omitempty"`
	ExecutorKind    string `json:"executor_kind,omitempty"`
	UpstreamRelease string `json:"upstream_release,omitempty"`
	UpstreamTesting bool   `json:"upstream_testing,omitempty"`
}

// wireResponse is the JSON document a handler module returns: either a
// recipe or an error message.
type wireResponse struct {
	Error  string          `json:"error,omitempty"`
	Recipe *plugins.Recipe `json:"recipe,omitempty"`
}

// newWireRequest flattens a stage request for the module.
func newWireRequest(req *plugins.Request) wireRequest {
	wire := wireRequest{
		Stage:         req.Stage,
		Parameters:    req.Parameters,
		SourceSection: req.SourceSection,
		Layout: wireLayout{
			Artifacts:         req.Layout.Artifacts,
			Sources:           req.Layout.Sources,
			Distfiles:         req.Layout.Distfiles,
			Repository:        req.Layout.Repository,
			RepositoryPublish: req.Layout.RepositoryPublish,
			Templates:         req.Layout.Templates,
			Components:        req.Layout.Components,
			Cache:             req.Layout.Cache,
			Logs:              req.Layout.Logs,
			Tmp:               req.Layout.Tmp,
		},
		Options: wireOptions{
			Verbose:         req.Options.Verbose,
			Debug:           req.Options.Debug,
			Release:         req.Options.Release,
			BackendVMM:      req.Options.BackendVMM,
			SignKey:         req.Options.SignKey,
			Repository:      req.Options.Repository,
			RemoteHost:      req.Options.RemoteHost,
			Unpublish:       req.Options.Unpublish,
			Timestamp:       req.Options.Timestamp,
			ExecutorKind:    string(req.Options.ExecutorKind),
			UpstreamRelease: req.Options.UpstreamRelease,
			UpstreamTesting: req.Options.UpstreamTesting,
		},
		Prior: req.Prior,
	}

	if d := req.Distribution; d != nil {
		wire.Distribution = wireDistribution{
			Raw:          d.Raw,
			PackageSet:   string(d.PackageSet),
			Name:         d.Name,
			FullName:     d.FullName,
			Version:      d.Version,
			Architecture: d.Architecture,
			Tag:          d.Tag,
			Family:       string(d.Family),
		}
	}

	if c := req.Component; c != nil {
		wire.Component = &wireComponent{
			Name:          c.Name,
			Version:       c.Version(),
			Release:       c.Release(),
			CageSourceDir: req.CageSourceDir(),
		}
	}

	if t := req.Template; t != nil {
		timestamp, _ := t.Timestamp()
		wire.Template = &wireTemplate{
			Name:      t.Name,
			Flavor:    t.Flavor,
			Options:   t.Options,
			Timestamp: timestamp,
		}
	}

	return wire
}
