package plugins

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/distforge/distforge/pkg/executor"
)

// StageChroot is the pseudo-stage chroot cache preparation runs under.
// It is not part of the pipeline order; cache units run on demand and
// record markers like any other stage.
const StageChroot = "chroot"

// rpmChrootHandler prepares the mock chroot cache of an RPM
// distribution, so later prep and build invocations skip the chroot
// bootstrap.
type rpmChrootHandler struct{}

func (rpmChrootHandler) Resolve(_ context.Context, req *Request) (*Recipe, error) {
	d := req.Distribution
	mockConf := req.MockConfig()
	stem := strings.TrimSuffix(mockConf, ".cfg")
	chrootDir := filepath.Join(req.Layout.ChrootCache(d), "mock")

	r := &Recipe{
		Env:              baseEnv(req),
		PlaceholderFiles: []string{executor.PlaceholderPluginsDir + "/chroot_rpm/mock/" + mockConf},
		Fingerprint:      []string{StageChroot, d.Raw, req.Options.Release},
		CleanDirs:        []string{filepath.Join(chrootDir, stem)},
		EnsureDirs:       []string{chrootDir},
	}

	plan, err := payloadCopyIn(req, "chroot_rpm")
	if err != nil {
		return nil, err
	}
	r.CopyIn = plan

	mock := []string{
		sudoPreserveEnv(r.Env),
		"/usr/libexec/mock/mock",
		"--root " + executor.PlaceholderPluginsDir + "/chroot_rpm/mock/" + mockConf,
		"--init",
		mockIsolation(req.Options.ExecutorKind),
	}
	if req.Options.Verbose {
		mock = append(mock, "--verbose")
	}
	if req.Options.UpstreamRelease != "" {
		mock = append(mock, "--enablerepo=builder-current")
		if req.Options.UpstreamTesting {
			mock = append(mock, "--enablerepo=builder-current-testing")
		}
	}
	r.run(strings.Join(mock, " "))

	r.copyOut(cageCache+"/mock/"+stem, chrootDir)
	return r, nil
}

// debChrootHandler prepares the pbuilder base archive of a Debian
// distribution.
type debChrootHandler struct{}

func (debChrootHandler) Resolve(_ context.Context, req *Request) (*Recipe, error) {
	d := req.Distribution
	pbuilder := executor.PlaceholderBuilderDir + "/pbuilder"
	chrootDir := filepath.Join(req.Layout.ChrootCache(d), "pbuilder")

	r := &Recipe{
		Env:              baseEnv(req),
		PlaceholderFiles: []string{pbuilder + "/pbuilderrc"},
		Fingerprint:      []string{StageChroot, d.Raw, req.Options.Release},
		CleanGlobs:       []string{filepath.Join(chrootDir, "base.tgz")},
		EnsureDirs:       []string{chrootDir},
	}

	plan, err := payloadCopyIn(req, "chroot_deb")
	if err != nil {
		return nil, err
	}
	r.CopyIn = plan
	payload, err := req.Payload("chroot_deb")
	if err != nil {
		return nil, err
	}
	r.copyIn(filepath.Join(payload, "pbuilder"), executor.PlaceholderBuilderDir)

	// The builder-local apt source does not exist in a fresh cage.
	r.run(
		fmt.Sprintf(`sed -i '\#/tmp/builder-local#d' %s/pbuilderrc`, pbuilder),
		fmt.Sprintf("sudo -E pbuilder create --distribution %s --configfile %s/pbuilderrc", d.Name, pbuilder),
	)

	r.copyOut(pbuilder+"/base.tgz", chrootDir)
	return r, nil
}
