package plugins

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/distforge/distforge/pkg/executor"
	"github.com/distforge/distforge/pkg/stage"
)

// rpmBuildHandler resolves the build stage for RPM targets: rebuild the
// source RPM in a mock chroot against the builder-local repository,
// generate the buildinfo, then provision the built packages back into
// the local repository so later components can install them.
type rpmBuildHandler struct{}

func (rpmBuildHandler) Resolve(_ context.Context, req *Request) (*Recipe, error) {
	c, d := req.Component, req.Distribution
	builds := req.Parameters.Build()
	if len(builds) == 0 {
		return &Recipe{NothingToDo: true}, nil
	}

	stageDir := req.Layout.ComponentStageDir(c, d, stage.Build)
	prepDir := req.Layout.ComponentStageDir(c, d, stage.Prep)
	repoDir := req.Layout.DistRepository(d)
	mockConf := req.MockConfig()

	r := &Recipe{
		Env:              baseEnv(req),
		PlaceholderFiles: []string{executor.PlaceholderPluginsDir + "/chroot_rpm/mock/" + mockConf},
		Fingerprint:      fingerprintFields(req, stage.Build, builds),
		OutputsDir:       stageDir,
		CleanDirs:        []string{stageDir},
		CleanGlobs:       []string{filepath.Join(repoDir, c.Name+"_*")},
		EnsureDirs:       []string{stageDir, repoDir},
		SharedResources:  []string{repoDir},
		TolerateMissing:  []string{"-debugsource", "-debuginfo"},
	}
	// The buildinfo pass bind-mounts the plugin scripts into the chroot.
	r.setEnv("BIND_MOUNT_ENABLE", "1")

	plan, err := payloadCopyIn(req, "build_rpm", "chroot_rpm")
	if err != nil {
		return nil, err
	}
	r.CopyIn = plan
	r.copyIn(repoDir, cageRepository)

	cached := chrootCacheCopyIn(r, req, mockConf)

	cageRepo := cageRepository + "/" + d.Raw
	provisionDir := fmt.Sprintf("%s/%s_%s", cageRepo, c.Name, c.Version())

	r.run(
		"cd "+cageRepository,
		"createrepo_c .",
		fmt.Sprintf(`sudo chown -R "$(id -un)":mock %s`, executor.PlaceholderBuildDir),
	)

	for _, build := range builds {
		bn := build.Mangle()
		srpm, err := prepArtifact(req, bn, ".src.rpm")
		if err != nil {
			return nil, fmt.Errorf("build: component %s: %w", c.Name, err)
		}
		buildinfo := strings.TrimSuffix(srpm, ".src.rpm") + "." + d.Architecture + ".buildinfo"
		resultDir := executor.PlaceholderBuildDir + "/" + bn
		rpmDir := resultDir + "/rpm"

		r.copyIn(filepath.Join(prepDir, bn, srpm), executor.PlaceholderBuildDir)

		mock := []string{
			sudoPreserveEnv(r.Env),
			"/usr/libexec/mock/mock",
			"--no-cleanup-after",
			"--rebuild " + executor.PlaceholderBuildDir + "/" + srpm,
			"--root " + executor.PlaceholderPluginsDir + "/chroot_rpm/mock/" + mockConf,
			"--resultdir=" + resultDir,
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

		// /usr/bin/mock is a consolehelper wrapper on Fedora and strips
		// the environment, hence the libexec path and the sudo prefix.
		buildinfoCmd := []string{
			sudoPreserveEnv(r.Env),
			"/usr/libexec/mock/mock",
			"--root " + executor.PlaceholderPluginsDir + "/chroot_rpm/mock/" + mockConf,
			fmt.Sprintf("--chroot /plugins/build_rpm/scripts/rpmbuildinfo /builddir/build/SRPMS/%s > %s/%s",
				srpm, resultDir, buildinfo),
		}

		r.run(
			"mkdir -p "+resultDir,
			strings.Join(mock, " "),
			strings.Join(buildinfoCmd, " "),
			fmt.Sprintf("%s/build_rpm/scripts/filter-packages-by-dist-arch %s %s %s %s",
				executor.PlaceholderPluginsDir, resultDir, rpmDir, d.Tag, d.Architecture),
			fmt.Sprintf("mv -- %s/%s %s/", resultDir, buildinfo, rpmDir),
			fmt.Sprintf("cp -- %s/%s %s/", executor.PlaceholderBuildDir, srpm, rpmDir),
			"mkdir -p "+provisionDir,
			fmt.Sprintf("cp -- %s/* %s/", rpmDir, provisionDir),
		)

		r.copyOut(rpmDir, filepath.Join(stageDir, bn))
		r.Outputs = append(r.Outputs, bn+"/rpm/")
	}

	r.copyOut(provisionDir, repoDir)
	return r, nil
}

// debBuildHandler resolves the build stage for Debian targets: build
// the source package under pbuilder with the builder-local repository
// as an extra apt source, patch the resulting .changes to reference the
// original source checksums and provision the local repository.
type debBuildHandler struct{}

func (debBuildHandler) Resolve(_ context.Context, req *Request) (*Recipe, error) {
	c, d := req.Component, req.Distribution
	builds := req.Parameters.Build()
	if len(builds) == 0 {
		return &Recipe{NothingToDo: true}, nil
	}

	stageDir := req.Layout.ComponentStageDir(c, d, stage.Build)
	prepDir := req.Layout.ComponentStageDir(c, d, stage.Prep)
	repoDir := req.Layout.DistRepository(d)
	pbuilder := executor.PlaceholderBuilderDir + "/pbuilder"
	resultsDir := pbuilder + "/results"

	r := &Recipe{
		Env:              baseEnv(req),
		PlaceholderFiles: []string{pbuilder + "/pbuilderrc"},
		Fingerprint:      fingerprintFields(req, stage.Build, builds),
		OutputsDir:       stageDir,
		CleanDirs:        []string{stageDir},
		CleanGlobs:       []string{filepath.Join(repoDir, c.Name+"_*")},
		EnsureDirs:       []string{stageDir, repoDir},
		SharedResources:  []string{repoDir},
		TolerateMissing:  []string{"-dbgsym_"},
	}

	plan, err := payloadCopyIn(req, "build_deb", "chroot_deb")
	if err != nil {
		return nil, err
	}
	r.CopyIn = plan
	pbuilderPayload, err := req.Payload("chroot_deb")
	if err != nil {
		return nil, err
	}
	r.copyIn(filepath.Join(pbuilderPayload, "pbuilder"), executor.PlaceholderBuilderDir)
	r.copyIn(repoDir, cageRepository)

	extraSources := fmt.Sprintf("deb [trusted=yes] file:///tmp/builder-local %s main", d.Name)

	setup := []string{
		"mkdir -p " + cageCache + "/aptcache",
		fmt.Sprintf("%s/build_deb/scripts/create-local-repo %s %s %s",
			executor.PlaceholderPluginsDir, cageRepository, d.FullName, d.Name),
	}
	if req.Options.UpstreamRelease != "" {
		// The upstream apt sources themselves live in pbuilderrc,
		// rendered from the environment; only the keyring is staged here.
		setup = append(setup, fmt.Sprintf(
			"gpg --dearmor < %s/chroot_deb/keys/upstream-%s-%s.asc > %s/upstream-keyring.gpg",
			executor.PlaceholderPluginsDir, d.FullName, req.Options.UpstreamRelease, pbuilder,
		))
	}

	baseTgz := filepath.Join(req.Layout.ChrootCache(d), "pbuilder", "base.tgz")
	aptCache := filepath.Join(req.Layout.ChrootCache(d), "pbuilder", "aptcache")
	pbuilderAction := "create"
	if hostDirExists(aptCache) {
		r.copyIn(aptCache, cageCache)
	}
	if hostFileExists(baseTgz) {
		r.copyIn(baseTgz, pbuilder)
		pbuilderAction = "update"
	}
	setup = append(setup, fmt.Sprintf(
		`sudo -E pbuilder %s --distribution %s --configfile %s/pbuilderrc --othermirror "%s"`,
		pbuilderAction, d.Name, pbuilder, extraSources,
	))
	r.run(setup...)

	cageRepo := cageRepository + "/" + d.Raw
	provisionDir := fmt.Sprintf("%s/%s_%s", cageRepo, c.Name, c.Version())

	for _, build := range builds {
		bn := build.Mangle()
		dsc, err := prepArtifact(req, bn, ".dsc")
		if err != nil {
			return nil, fmt.Errorf("build: component %s: %w", c.Name, err)
		}
		sources, err := prepSourceFiles(req, bn)
		if err != nil {
			return nil, fmt.Errorf("build: component %s: %w", c.Name, err)
		}
		changes := strings.TrimSuffix(dsc, ".dsc") + "_" + d.Architecture + ".changes"
		buildinfo := strings.TrimSuffix(dsc, ".dsc") + "_" + d.Architecture + ".buildinfo"
		resultDir := executor.PlaceholderBuildDir + "/" + bn
		inDir := resultDir + "/in"

		for _, source := range sources {
			r.copyIn(filepath.Join(prepDir, bn, source), inDir)
		}

		r.run(
			fmt.Sprintf(`sudo -E pbuilder build --override-config --distribution %s --configfile %s/pbuilderrc --othermirror "%s" %s/%s`,
				d.Name, pbuilder, extraSources, inDir, dsc),
			fmt.Sprintf("%s/build_deb/scripts/patch-changes %s/%s %s/%s %s/%s",
				executor.PlaceholderPluginsDir, inDir, dsc, resultsDir, buildinfo, resultsDir, changes),
			"mkdir -p "+provisionDir,
			fmt.Sprintf("cp -- %s/*.deb %s/%s %s/%s %s/", resultsDir, resultsDir, changes, resultsDir, buildinfo, provisionDir),
			fmt.Sprintf("cp -- %s/* %s/", inDir, provisionDir),
			fmt.Sprintf("mv -- %s/*.deb %s/%s %s/%s %s/", resultsDir, resultsDir, changes, resultsDir, buildinfo, resultDir),
			// Keep the copied-in source next to the results so the
			// .changes checksums can be cross-checked later.
			fmt.Sprintf("mv -- %s/* %s/ && rmdir %s", inDir, resultDir, inDir),
		)

		r.copyOut(resultDir, stageDir)
		r.Outputs = append(r.Outputs, bn+"/")
	}

	r.copyOut(provisionDir, repoDir)
	return r, nil
}

// archBuildHandler resolves the build stage for Arch Linux targets:
// render the PKGBUILD, build in a clean chroot with extra-x86_64-build
// and provision the builder-local repository.
type archBuildHandler struct{}

func (archBuildHandler) Resolve(_ context.Context, req *Request) (*Recipe, error) {
	c, d := req.Component, req.Distribution
	builds := req.Parameters.Build()
	if len(builds) == 0 {
		return &Recipe{NothingToDo: true}, nil
	}

	stageDir := req.Layout.ComponentStageDir(c, d, stage.Build)
	repoDir := req.Layout.DistRepository(d)
	src := req.CageSourceDir()
	params := req.SourceParams()

	r := &Recipe{
		Env:             baseEnv(req),
		Fingerprint:     fingerprintFields(req, stage.Build, builds),
		OutputsDir:      stageDir,
		CleanDirs:       []string{stageDir},
		CleanGlobs:      []string{filepath.Join(repoDir, c.Name+"_*")},
		EnsureDirs:      []string{stageDir, repoDir, req.Layout.ComponentDistfiles(c.Name)},
		SharedResources: []string{repoDir},
	}

	plan, err := payloadCopyIn(req, "build_archlinux", "chroot_archlinux")
	if err != nil {
		return nil, err
	}
	r.CopyIn = plan
	r.copyIn(c.SourceDir, executor.PlaceholderBuilderDir)
	r.copyIn(req.Layout.ComponentDistfiles(c.Name), executor.PlaceholderDistfilesDir)
	r.copyIn(repoDir, cageRepository)

	setup := []string{
		"sudo pacman-key --init",
		"sudo pacman-key --populate",
	}
	for _, file := range params.Files() {
		fn, err := distfileName(file)
		if err != nil {
			return nil, fmt.Errorf("build: component %s: %w", c.Name, err)
		}
		if err := checkFilename(fn, ""); err != nil {
			return nil, fmt.Errorf("build: component %s: %w", c.Name, err)
		}
		setup = append(setup, fmt.Sprintf("mv -- %s/%s %s/", cageDistfiles(c.Name), fn, src))
		if file.Signature != "" {
			signatureFn := path.Base(file.Signature)
			if err := checkFilename(signatureFn, ""); err != nil {
				return nil, fmt.Errorf("build: component %s: %w", c.Name, err)
			}
			setup = append(setup, fmt.Sprintf("mv -- %s/%s %s/", cageDistfiles(c.Name), signatureFn, src))
		}
	}

	chrootArchive := filepath.Join(req.Layout.ChrootCache(d), "root.tar.gz")
	if hostFileExists(chrootArchive) {
		r.copyIn(chrootArchive, cageCache)
		setup = append(setup,
			"sudo mkdir -p "+cageCache+"/extra-"+d.Architecture,
			"cd "+cageCache+"/extra-"+d.Architecture,
			"sudo tar xf "+cageCache+"/root.tar.gz",
		)
	}
	r.run(setup...)

	cageRepo := cageRepository + "/" + d.Raw
	provisionDir := fmt.Sprintf("%s/%s_%s", cageRepo, c.Name, c.Version())

	for _, build := range builds {
		bn := build.Mangle()
		resultDir := executor.PlaceholderBuildDir + "/" + bn
		pkgsDir := resultDir + "/pkgs"

		r.run(
			fmt.Sprintf("%s/build_archlinux/scripts/generate-pkgbuild %s %s/%s/PKGBUILD.in %s/PKGBUILD",
				executor.PlaceholderPluginsDir, src, src, build, src),
			"cd "+src,
			fmt.Sprintf("sudo extra-%s-build -r %s -- -- --syncdeps --noconfirm --skipinteg", d.Architecture, cageCache),
			"mkdir -p "+pkgsDir,
			fmt.Sprintf("mv -- %s/*.pkg.tar.* %s/", src, pkgsDir),
			"mkdir -p "+provisionDir,
			fmt.Sprintf("cp -- %s/* %s/", pkgsDir, provisionDir),
		)

		r.copyOut(pkgsDir, filepath.Join(stageDir, bn))
		r.Outputs = append(r.Outputs, bn+"/pkgs/")
	}

	r.copyOut(provisionDir, repoDir)
	return r, nil
}

// prepArtifact finds the single artifact the prep stage recorded for
// one build target whose name ends in suffix.
func prepArtifact(req *Request, bn, suffix string) (string, error) {
	var found []string
	for _, out := range req.PriorOutputs(stage.Prep) {
		if strings.HasPrefix(out, bn+"/") && strings.HasSuffix(out, suffix) {
			found = append(found, path.Base(out))
		}
	}
	if len(found) != 1 {
		return "", fmt.Errorf("%d %q artifacts recorded by the prep stage for %s; missing prep run?", len(found), suffix, bn)
	}
	if err := checkFilename(found[0], suffix); err != nil {
		return "", err
	}
	return found[0], nil
}

// prepSourceFiles lists the source artifacts the prep stage recorded
// for one build target, excluding the package list bookkeeping file.
func prepSourceFiles(req *Request, bn string) ([]string, error) {
	var files []string
	for _, out := range req.PriorOutputs(stage.Prep) {
		if !strings.HasPrefix(out, bn+"/") || strings.HasSuffix(out, "_packages.list") {
			continue
		}
		name := path.Base(out)
		if err := checkFilename(name, ""); err != nil {
			return nil, err
		}
		files = append(files, name)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no source artifacts recorded by the prep stage for %s; missing prep run?", bn)
	}
	return files, nil
}
