package plugins

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/distforge/distforge/pkg/component"
	"github.com/distforge/distforge/pkg/executor"
	"github.com/distforge/distforge/pkg/stage"
)

// rpmSourceHandler resolves the prep stage for RPM targets: relocate
// verified distfiles and module archives into the source tree, render
// the spec file and build the source RPM in a mock chroot. Each build
// target collects into its own result directory, picked up by listing
// since the source RPM name is computed inside the cage.
type rpmSourceHandler struct{}

func (rpmSourceHandler) Resolve(_ context.Context, req *Request) (*Recipe, error) {
	c, d := req.Component, req.Distribution
	builds := req.Parameters.Build()
	if len(builds) == 0 {
		return &Recipe{NothingToDo: true}, nil
	}

	stageDir := req.Layout.ComponentStageDir(c, d, stage.Prep)
	src := req.CageSourceDir()
	mockConf := req.MockConfig()
	params := req.SourceParams()

	r := &Recipe{
		Env:              baseEnv(req),
		PlaceholderFiles: []string{executor.PlaceholderPluginsDir + "/chroot_rpm/mock/" + mockConf},
		Fingerprint:      fingerprintFields(req, stage.Prep, builds),
		OutputsDir:       stageDir,
		CleanDirs:        []string{stageDir},
		EnsureDirs:       []string{stageDir, req.Layout.ComponentDistfiles(c.Name)},
	}

	plan, err := payloadCopyIn(req, "source", "source_rpm", "chroot_rpm", "fetch")
	if err != nil {
		return nil, err
	}
	r.CopyIn = plan
	r.copyIn(c.SourceDir, executor.PlaceholderBuilderDir)
	r.copyIn(req.Layout.ComponentDistfiles(c.Name), executor.PlaceholderDistfilesDir)

	cached := chrootCacheCopyIn(r, req, mockConf)

	modules, err := moduleArchiveNames(req, params.Modules())
	if err != nil {
		return nil, fmt.Errorf("prep: component %s: %w", c.Name, err)
	}
	moves, err := sourceInputMoves(req, params, modules, src)
	if err != nil {
		return nil, fmt.Errorf("prep: component %s: %w", c.Name, err)
	}
	r.run(moves...)

	for _, build := range builds {
		bn := build.Mangle()
		resultDir := executor.PlaceholderBuildDir + "/" + bn
		spec := src + "/" + build.String()
		releaseInfo := fmt.Sprintf("%s/%s_package_release_name", src, bn)

		cmd := []string{fmt.Sprintf(
			"%s/source_rpm/scripts/get-source-info %s %s %s",
			executor.PlaceholderPluginsDir, src, spec, d.Tag,
		)}
		for _, module := range params.Modules() {
			cmd = append(cmd, fmt.Sprintf("sed -i 's/@%s@/%s/g' %s.in", module, modules[module], spec))
		}
		if req.CreateArchive() {
			cmd = append(cmd, fmt.Sprintf(
				`so=$(basename -- "$(sed -n 2p %s)") && if [ "$so" != source ]; then %s/fetch/scripts/create-archive %s "$so"; fi`,
				releaseInfo, executor.PlaceholderPluginsDir, src,
			))
		}
		cmd = append(cmd,
			fmt.Sprintf("%s/source_rpm/scripts/generate-spec %s %s.in %s",
				executor.PlaceholderPluginsDir, src, spec, spec),
			"mkdir -p "+resultDir,
			fmt.Sprintf(`sudo chown -R "$(id -un)":mock %s`, executor.PlaceholderBuildDir),
		)

		mock := []string{
			sudoPreserveEnv(r.Env),
			"/usr/libexec/mock/mock",
			"--verbose",
			"--buildsrpm",
			"--spec " + spec,
			"--root " + executor.PlaceholderPluginsDir + "/chroot_rpm/mock/" + mockConf,
			"--sources=" + src,
			"--resultdir=" + resultDir,
			"--disablerepo=builder-local",
			mockIsolation(req.Options.ExecutorKind),
		}
		if cached {
			mock = append(mock, "--plugin-option=root_cache:age_check=False", "--no-clean")
		}
		cmd = append(cmd,
			strings.Join(mock, " "),
			fmt.Sprintf("cp -- %s/%s_packages.list %s/", src, bn, resultDir),
		)

		r.run(cmd...)
		r.copyOut(resultDir, stageDir)
		r.Outputs = append(r.Outputs, bn+"/")
	}
	return r, nil
}

// debSourceHandler resolves the prep stage for Debian targets: update
// the changelog for this build, assemble the upstream and packaging
// tarballs and produce the .dsc with dpkg-source. The release names
// dpkg computes stay inside the cage as shell variables; outputs are
// gathered per target and collected by listing.
type debSourceHandler struct{}

func (debSourceHandler) Resolve(_ context.Context, req *Request) (*Recipe, error) {
	c, d := req.Component, req.Distribution
	builds := req.Parameters.Build()
	if len(builds) == 0 {
		return &Recipe{NothingToDo: true}, nil
	}

	params := req.SourceParams()
	files := params.Files()
	origExt := ".gz"
	if len(files) > 0 {
		first, err := distfileName(files[0])
		if err != nil {
			return nil, fmt.Errorf("prep: component %s: %w", c.Name, err)
		}
		origExt = path.Ext(first)
		switch origExt {
		case ".gz", ".bz2", ".xz", ".lzma2":
		default:
			return nil, fmt.Errorf("prep: component %s: invalid source archive extension %q", c.Name, origExt)
		}
	}

	stageDir := req.Layout.ComponentStageDir(c, d, stage.Prep)
	src := req.CageSourceDir()

	r := &Recipe{
		Env:         baseEnv(req),
		Fingerprint: fingerprintFields(req, stage.Prep, builds),
		OutputsDir:  stageDir,
		CleanDirs:   []string{stageDir},
		EnsureDirs:  []string{stageDir, req.Layout.ComponentDistfiles(c.Name)},
	}

	plan, err := payloadCopyIn(req, "source", "source_deb", "fetch")
	if err != nil {
		return nil, err
	}
	r.CopyIn = plan
	r.copyIn(c.SourceDir, executor.PlaceholderBuilderDir)
	r.copyIn(req.Layout.ComponentDistfiles(c.Name), executor.PlaceholderDistfilesDir)

	for _, build := range builds {
		bn := build.Mangle()
		resultDir := executor.PlaceholderBuildDir + "/" + bn
		releaseInfo := fmt.Sprintf("%s/%s_package_release_name", src, bn)
		changelog := fmt.Sprintf("%s/source_deb/scripts/modify-changelog-for-build %s %s %s %s 0",
			executor.PlaceholderPluginsDir, src, build, d.Name, d.Tag)

		cmd := append([]string{}, params.Strings("commands")...)
		cmd = append(cmd,
			changelog,
			fmt.Sprintf("%s/source_deb/scripts/get-source-info %s %s", executor.PlaceholderPluginsDir, src, build),
			fmt.Sprintf("prn=$(sed -n 1p %s)", releaseInfo),
			fmt.Sprintf("prnf=$(sed -n 2p %s)", releaseInfo),
			fmt.Sprintf("ptype=$(sed -n 3p %s)", releaseInfo),
			`case "$ptype" in native|quilt) ;; *) exit 1; esac`,
			"mkdir -p "+executor.PlaceholderBuildDir,
		)

		if req.CreateArchive() {
			cmd = append(cmd, fmt.Sprintf(
				`if [ "$ptype" = quilt ]; then %s/fetch/scripts/create-archive %s "$prn.orig.tar%s" && mv -- %s/"$prn.orig.tar%s" %s/; fi`,
				executor.PlaceholderPluginsDir, src, origExt, src, origExt, executor.PlaceholderBuildDir,
			))
		}
		for i, file := range files {
			fn, err := distfileName(file)
			if err != nil {
				return nil, fmt.Errorf("prep: component %s: %w", c.Name, err)
			}
			if err := checkFilename(fn, ""); err != nil {
				return nil, fmt.Errorf("prep: component %s: %w", c.Name, err)
			}
			if i == 0 {
				cmd = append(cmd, fmt.Sprintf(
					`if [ "$ptype" = quilt ]; then cp -- %s/%s %s/"$prn.orig.tar%s"; fi`,
					cageDistfiles(c.Name), fn, executor.PlaceholderBuildDir, origExt,
				))
			} else {
				cmd = append(cmd, fmt.Sprintf("cp -- %s/%s %s/", cageDistfiles(c.Name), fn, executor.PlaceholderBuildDir))
			}
		}

		cmd = append(cmd,
			changelog,
			fmt.Sprintf(`if [ "$ptype" = quilt ]; then mkdir -p %[1]s/dpkg && cd %[1]s/dpkg && cp -a %[2]s/%[3]s .; else bd=%[1]s/"${prnf//_/-}" && mkdir -p "$bd" && cd "$bd" && cp -a %[2]s/* .; fi`,
				executor.PlaceholderBuildDir, src, build),
			"chmod -R -- u+rwX,g+rX-w,o+rX-w .",
			"chmod +x debian/rules",
			"dpkg-source -b .",
			"cd ..",
			fmt.Sprintf(`%s/source_deb/scripts/debian-get-packages-list "$PWD/$prnf.dsc" > %s/%s_packages.list`,
				executor.PlaceholderPluginsDir, src, bn),
			"mkdir -p "+resultDir,
			fmt.Sprintf(`mv -- "$prnf.dsc" %s/`, resultDir),
			fmt.Sprintf(`if [ "$ptype" = native ]; then mv -- "$prnf.tar.xz" %s/; else mv -- "$prnf.debian.tar.xz" "$prn.orig.tar%s" %s/; fi`,
				resultDir, origExt, resultDir),
			fmt.Sprintf("mv -- %s/%s_packages.list %s/", src, bn, resultDir),
		)

		r.run(cmd...)
		r.copyOut(resultDir, stageDir)
		r.Outputs = append(r.Outputs, bn+"/")
	}
	return r, nil
}

// archSourceHandler resolves the prep stage for Arch Linux targets.
// Arch source preparation only records the package list the PKGBUILD
// declares; the PKGBUILD itself is rendered at build time.
type archSourceHandler struct{}

func (archSourceHandler) Resolve(_ context.Context, req *Request) (*Recipe, error) {
	c, d := req.Component, req.Distribution
	builds := req.Parameters.Build()
	if len(builds) == 0 {
		return &Recipe{NothingToDo: true}, nil
	}

	stageDir := req.Layout.ComponentStageDir(c, d, stage.Prep)
	src := req.CageSourceDir()

	r := &Recipe{
		Env:         baseEnv(req),
		Fingerprint: fingerprintFields(req, stage.Prep, builds),
		OutputsDir:  stageDir,
		CleanDirs:   []string{stageDir},
		EnsureDirs:  []string{stageDir},
	}

	plan, err := payloadCopyIn(req, "source", "source_archlinux", "fetch")
	if err != nil {
		return nil, err
	}
	r.CopyIn = plan
	r.copyIn(c.SourceDir, executor.PlaceholderBuilderDir)

	for _, build := range builds {
		bn := build.Mangle()
		resultDir := executor.PlaceholderBuildDir + "/" + bn
		r.run(
			fmt.Sprintf("%s/source_archlinux/scripts/get-source-info %s %s",
				executor.PlaceholderPluginsDir, src, src+"/"+build.String()),
			"mkdir -p "+resultDir,
			fmt.Sprintf("mv -- %s/%s_packages.list %s/", src, bn, resultDir),
		)
		r.copyOut(resultDir, stageDir)
		r.Outputs = append(r.Outputs, bn+"/")
	}
	return r, nil
}

// cageDistfiles is a component's distfiles cache inside the cage.
func cageDistfiles(name string) string {
	return executor.PlaceholderDistfilesDir + "/" + name
}

// fingerprintFields identifies one stage invocation for marker
// bookkeeping: stage, unit identity and the target list.
func fingerprintFields(req *Request, stageName string, builds []component.PackagePath) []string {
	fields := []string{stageName, req.Component.Name, req.Component.VersionRelease(), req.Distribution.Raw}
	for _, build := range builds {
		fields = append(fields, build.String())
	}
	return fields
}

// moduleArchiveNames maps each declared submodule to the archive the
// fetch stage recorded for it. Prep interpolates these names into spec
// files, so each must match exactly one recorded output.
func moduleArchiveNames(req *Request, modules []string) (map[string]string, error) {
	if len(modules) == 0 {
		return nil, nil
	}
	archives := make(map[string]string, len(modules))
	for _, module := range modules {
		if err := checkFilename(module, ""); err != nil {
			return nil, fmt.Errorf("module %w", err)
		}
		var found []string
		for _, out := range req.PriorOutputs(stage.Fetch) {
			base := path.Base(out)
			if strings.HasPrefix(out, "modules/") && strings.HasPrefix(base, module+"-") && strings.HasSuffix(base, ".tar.gz") {
				found = append(found, base)
			}
		}
		if len(found) != 1 {
			return nil, fmt.Errorf("module %s: %d archives recorded by the fetch stage", module, len(found))
		}
		if err := checkFilename(found[0], ".tar.gz"); err != nil {
			return nil, fmt.Errorf("module %s: archive %w", module, err)
		}
		archives[module] = found[0]
	}
	return archives, nil
}

// sourceInputMoves relocates verified distfiles and module archives
// from the distfiles cache into the source tree, where spec files
// reference them by name.
func sourceInputMoves(req *Request, params component.Parameters, modules map[string]string, src string) ([]string, error) {
	c := req.Component
	var cmd []string
	for _, file := range params.Files() {
		fn, err := distfileName(file)
		if err != nil {
			return nil, err
		}
		if err := checkFilename(fn, ""); err != nil {
			return nil, err
		}
		cmd = append(cmd, fmt.Sprintf("mv -- %s/%s %s/", cageDistfiles(c.Name), fn, src))
		if file.Signature != "" {
			signatureFn := path.Base(file.Signature)
			if err := checkFilename(signatureFn, ""); err != nil {
				return nil, err
			}
			cmd = append(cmd, fmt.Sprintf("mv -- %s/%s %s/", cageDistfiles(c.Name), signatureFn, src))
		}
	}
	for _, module := range params.Modules() {
		archive, ok := modules[module]
		if !ok {
			continue
		}
		cmd = append(cmd, fmt.Sprintf("mv -- %s/modules/%s %s/", cageDistfiles(c.Name), archive, src))
	}
	return cmd, nil
}

// chrootCacheCopyIn stages a prepared mock chroot cache when one
// exists on the host, returning whether it did.
func chrootCacheCopyIn(r *Recipe, req *Request, mockConf string) bool {
	topdir := filepath.Join(req.Layout.ChrootCache(req.Distribution), "mock")
	cache := filepath.Join(topdir, strings.TrimSuffix(mockConf, ".cfg"))
	if !hostDirExists(cache) {
		return false
	}
	r.copyIn(topdir, cageCache)
	r.run(fmt.Sprintf("sudo chown -R root:mock %s/mock", cageCache))
	return true
}
