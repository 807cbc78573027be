package plugins

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/distforge/distforge/pkg/executor"
	"github.com/distforge/distforge/pkg/stage"
)

// installerHandler drives the host installer image pipeline. Prep
// resolves the kickstart and downloads the package sets inside a mock
// chroot, build runs lorax and mkisofs over the cached package sets,
// sign wraps the image with a detached signature and upload mirrors the
// image directory.
type installerHandler struct{}

func (h installerHandler) Resolve(_ context.Context, req *Request) (*Recipe, error) {
	switch req.Stage {
	case stage.Prep:
		return h.prep(req)
	case stage.Build:
		return h.build(req)
	case stage.Sign:
		return h.sign(req)
	case stage.Upload:
		return h.upload(req)
	default:
		return nil, fmt.Errorf("installer: no handler for stage %s", req.Stage)
	}
}

// isoVersion is the image version: the build timestamp assigned at
// prep.
func isoVersion(req *Request) (string, error) {
	if req.Options.Timestamp != "" {
		return req.Options.Timestamp, nil
	}
	for _, out := range req.PriorOutputs(stage.Prep) {
		if value, ok := strings.CutPrefix(out, templateTimestampPrefix); ok {
			return value, nil
		}
	}
	return "", fmt.Errorf("installer: no build timestamp recorded; missing prep run?")
}

// isoName is the image base name without extension.
func isoName(req *Request, version string) string {
	return fmt.Sprintf("installer-%s-%s", version, req.Distribution.Architecture)
}

// installerEnv renders the environment the installer Makefile honors.
func installerEnv(req *Request, version string) map[string]string {
	env := baseEnv(req)
	env["CACHE_DIR"] = cageCache
	env["INSTALLER_KICKSTART"] = executor.PlaceholderPluginsDir + "/installer/conf/iso-online.ks"
	env["ISO_VERSION"] = version
	env["ISO_NAME"] = isoName(req, version)
	return env
}

// installerCache is the host cache tree for one image.
func installerCache(req *Request, name string) string {
	return filepath.Join(req.Layout.Cache, "installer", name)
}

func installerFingerprint(req *Request, stageName string, extra ...string) []string {
	fields := []string{stageName, "installer", req.Distribution.Raw, req.Options.Release}
	return append(fields, extra...)
}

// installerChrootCacheCopyIn stages a prepared installer mock chroot
// when one exists on the host.
func installerChrootCacheCopyIn(r *Recipe, req *Request, mockConf string) bool {
	topdir := filepath.Join(req.Layout.Cache, "installer", "chroot", "mock")
	cache := filepath.Join(topdir, strings.TrimSuffix(mockConf, ".cfg"))
	if !hostDirExists(cache) {
		return false
	}
	r.copyIn(topdir, cageCache)
	r.run(fmt.Sprintf("sudo chown -R root:mock %s/mock", cageCache))
	return true
}

func (installerHandler) prep(req *Request) (*Recipe, error) {
	d := req.Distribution
	version, err := isoVersion(req)
	if err != nil {
		return nil, err
	}
	name := isoName(req, version)
	mockConf := req.MockConfig()
	cacheDir := installerCache(req, name)
	repoDir := req.Layout.DistRepository(d)
	mockRoot := executor.PlaceholderPluginsDir + "/installer/mock/" + mockConf

	r := &Recipe{
		Env:              installerEnv(req, version),
		PlaceholderFiles: []string{mockRoot},
		Fingerprint:      installerFingerprint(req, stage.Prep),
		OutputsDir:       cacheDir,
		CleanDirs:        []string{cacheDir},
		EnsureDirs:       []string{cacheDir, repoDir},
		Outputs:          []string{templateTimestampPrefix + version},
	}

	plan, err := payloadCopyIn(req, "installer")
	if err != nil {
		return nil, err
	}
	r.CopyIn = plan
	r.copyIn(repoDir, cageRepository)

	cached := installerChrootCacheCopyIn(r, req, mockConf)

	mock := []string{
		sudoPreserveEnv(r.Env),
		"/usr/libexec/mock/mock",
		"--root " + mockRoot,
		fmt.Sprintf("--chroot 'env %s make -C %s/installer iso-prepare iso-parse-kickstart iso-parse-tmpl'",
			envAssignments(r.Env), executor.PlaceholderPluginsDir),
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
	if cached {
		mock = append(mock, "--plugin-option=root_cache:age_check=False")
	}

	r.run(
		"cd "+cageRepository,
		"createrepo_c .",
		strings.Join(mock, " "),
		// The package downloads run outside the chroot to use the
		// cage's own dnf and openssl.
		fmt.Sprintf("%s make -C %s/installer iso-prepare iso-packages-anaconda iso-packages-lorax",
			sudoPreserveEnv(r.Env), executor.PlaceholderPluginsDir),
	)

	r.copyOut(executor.PlaceholderPluginsDir+"/installer/work", cacheDir)
	r.copyOut(executor.PlaceholderPluginsDir+"/installer/yum/installer/rpm", cacheDir)
	r.Outputs = append(r.Outputs, "work/", "rpm/")
	return r, nil
}

func (installerHandler) build(req *Request) (*Recipe, error) {
	d := req.Distribution
	version, err := isoVersion(req)
	if err != nil {
		return nil, err
	}
	name := isoName(req, version)
	mockConf := req.MockConfig()
	cacheDir := installerCache(req, name)
	repoDir := req.Layout.DistRepository(d)
	isoDir := req.Layout.ISODir()
	mockRoot := executor.PlaceholderPluginsDir + "/installer/mock/" + mockConf

	r := &Recipe{
		Env:              installerEnv(req, version),
		PlaceholderFiles: []string{mockRoot},
		Fingerprint:      installerFingerprint(req, stage.Build, version),
		OutputsDir:       isoDir,
		EnsureDirs:       []string{isoDir, repoDir},
		Outputs:          []string{name + ".iso"},
	}

	plan, err := payloadCopyIn(req, "installer")
	if err != nil {
		return nil, err
	}
	r.CopyIn = plan
	r.copyIn(repoDir, cageRepository)
	r.copyIn(filepath.Join(cacheDir, "work"), executor.PlaceholderPluginsDir+"/installer")
	r.copyIn(filepath.Join(cacheDir, "rpm"), executor.PlaceholderPluginsDir+"/installer/yum/installer")

	cached := installerChrootCacheCopyIn(r, req, mockConf)

	mock := []string{
		sudoPreserveEnv(r.Env),
		"/usr/libexec/mock/mock",
		"--root " + mockRoot,
		"--disablerepo='*'",
		fmt.Sprintf("--chroot 'env %s make -C %s/installer iso-prepare iso-parse-kickstart iso-installer-lorax iso-installer-mkisofs'",
			envAssignments(r.Env), executor.PlaceholderPluginsDir),
		mockIsolation(req.Options.ExecutorKind),
	}
	if req.Options.Verbose {
		mock = append(mock, "--verbose")
	}
	if cached {
		mock = append(mock, "--plugin-option=root_cache:age_check=False")
	}

	r.run(
		"cd "+cageRepository,
		"createrepo_c .",
		strings.Join(mock, " "),
	)

	r.copyOut(fmt.Sprintf("%s/installer/work/%s/%s/iso/%s.iso",
		executor.PlaceholderPluginsDir, version, d.Architecture, name), isoDir)
	return r, nil
}

func (installerHandler) sign(req *Request) (*Recipe, error) {
	if req.Options.SignKey == "" || req.Options.GPGClient == "" {
		return &Recipe{NothingToDo: true}, nil
	}
	version, err := isoVersion(req)
	if err != nil {
		return nil, err
	}
	iso := filepath.Join(req.Layout.ISODir(), isoName(req, version)+".iso")

	installer, err := req.Payload("installer")
	if err != nil {
		return nil, err
	}

	r := &Recipe{
		Env:         optionsEnv(req.Options),
		Fingerprint: installerFingerprint(req, stage.Sign, version, req.Options.SignKey),
		LocalOnly:   true,
	}
	r.run(fmt.Sprintf("%s/scripts/release-iso %s %s %s",
		installer, iso, req.Options.GPGClient, req.Options.SignKey))
	return r, nil
}

func (installerHandler) upload(req *Request) (*Recipe, error) {
	if req.Options.RemoteHost == "" {
		return &Recipe{NothingToDo: true}, nil
	}
	version, err := isoVersion(req)
	if err != nil {
		return nil, err
	}

	r := &Recipe{
		Env:         optionsEnv(req.Options),
		Fingerprint: installerFingerprint(req, stage.Upload, version, req.Options.RemoteHost),
		LocalOnly:   true,
	}
	r.run(fmt.Sprintf("rsync --partial --progress --hard-links -air --mkpath -- %s/ %s",
		req.Layout.ISODir(), req.Options.RemoteHost))
	return r, nil
}
