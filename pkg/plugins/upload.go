package plugins

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/distforge/distforge/pkg/stage"
)

// uploadHandler resolves the upload stage: rsync the published
// repository slices of a distribution to the configured remote mirror.
// Only the directories the target repository actually owns travel: the
// repository tree for RPM and Arch Linux flavors, the suite dists and
// the shared pool for Debian. Upload always runs on the local backend.
type uploadHandler struct{}

func (uploadHandler) Resolve(_ context.Context, req *Request) (*Recipe, error) {
	d := req.Distribution
	if req.Options.RemoteHost == "" {
		return &Recipe{NothingToDo: true}, nil
	}
	repository := req.Options.Repository
	if !validRepository(repository, componentRepositories) {
		return nil, fmt.Errorf("refusing to upload repository %q", repository)
	}

	localPath := req.Layout.PublishRoot(d.Family, req.Options.Release)

	var relative []string
	switch {
	case d.IsDeb():
		suite := publishSuite(d, repository)
		relative = append(relative,
			fmt.Sprintf("%s/dists/%s", d.PackageSet, suite),
			fmt.Sprintf("%s/pool", d.PackageSet),
		)
	default:
		relative = append(relative, fmt.Sprintf("%s/%s/%s", repository, d.PackageSet, d.Name))
	}

	// Upload units are distribution-scoped, there is no component.
	r := &Recipe{
		Env:         optionsEnv(req.Options),
		Fingerprint: []string{stage.Upload, d.Raw, req.Options.Release, repository, req.Options.RemoteHost},
		LocalOnly:   true,
	}
	for _, rel := range relative {
		r.run(fmt.Sprintf(
			"rsync --partial --progress --hard-links -air --mkpath -- %s/ %s/%s/",
			filepath.Join(localPath, rel), req.Options.RemoteHost, rel,
		))
	}
	return r, nil
}
