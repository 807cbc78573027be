package plugins

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/distforge/distforge/pkg/component"
	"github.com/distforge/distforge/pkg/dist"
	"github.com/distforge/distforge/pkg/stage"
)

// Publish repositories components may target. Templates additionally
// use the templates-* repositories and never unstable.
var componentRepositories = []string{"current", "current-testing", "security-testing", "unstable"}

// validRepository reports whether name is an allowed publish target.
func validRepository(name string, allowed []string) bool {
	for _, repo := range allowed {
		if repo == name {
			return true
		}
	}
	return false
}

// publishSuite maps a publish repository to the apt suite packages land
// in: the plain distribution name for the stable repository, a suffixed
// variant otherwise.
func publishSuite(d *dist.Distribution, repository string) string {
	switch repository {
	case "current-testing":
		return d.Name + "-testing"
	case "security-testing":
		return d.Name + "-securitytesting"
	case "unstable":
		return d.Name + "-unstable"
	default:
		return d.Name
	}
}

// rpmPublishHandler resolves the publish stage for RPM targets:
// verify signatures against the signing rpmdb, hardlink the packages
// into the publish repository tree and regenerate its signed metadata.
// Unpublish removes the links and regenerates the metadata the same
// way.
type rpmPublishHandler struct{}

func (rpmPublishHandler) Resolve(_ context.Context, req *Request) (*Recipe, error) {
	c, d := req.Component, req.Distribution
	builds := req.Parameters.Build()
	if len(builds) == 0 || req.Options.SignKey == "" || req.Options.GPGClient == "" {
		return &Recipe{NothingToDo: true}, nil
	}
	repository := req.Options.Repository
	if !validRepository(repository, componentRepositories) {
		return nil, fmt.Errorf("refusing to publish components into %q", repository)
	}

	signKey := req.Options.SignKey
	buildDir := req.Layout.ComponentStageDir(c, d, stage.Build)
	stageDir := req.Layout.ComponentStageDir(c, d, stage.Publish)
	dbPath := filepath.Join(req.Layout.Artifacts, "rpmdb", signKey)
	targetDir := filepath.Join(req.Layout.PublishRoot(d.Family, req.Options.Release), repository, string(d.PackageSet), d.Name)
	rpmDir := filepath.Join(targetDir, "rpm")

	signRPM, err := req.Payload("sign_rpm")
	if err != nil {
		return nil, err
	}

	r := &Recipe{
		Env:             optionsEnv(req.Options),
		Fingerprint:     publishFingerprint(req, builds),
		OutputsDir:      stageDir,
		EnsureDirs:      []string{stageDir, rpmDir, filepath.Join(targetDir, "repodata")},
		SharedResources: []string{targetDir},
		LocalOnly:       true,
	}

	published := false
	for _, build := range builds {
		bn := build.Mangle()
		var cmd []string
		for _, out := range req.PriorOutputs(stage.Build) {
			if !strings.HasPrefix(out, bn+"/rpm/") {
				continue
			}
			name := path.Base(out)
			if err := checkFilename(name, ""); err != nil {
				return nil, fmt.Errorf("publish: component %s: %w", c.Name, err)
			}
			source := filepath.Join(buildDir, out)
			if req.Options.Unpublish {
				cmd = append(cmd, fmt.Sprintf("rm -f -- %s", filepath.Join(rpmDir, name)))
				continue
			}
			if strings.HasSuffix(name, ".rpm") {
				cmd = append(cmd, fmt.Sprintf("%s/scripts/sign-rpm --sign-key %s --db-path %s --rpm %s --check-only",
					signRPM, signKey, dbPath, source))
			}
			cmd = append(cmd, fmt.Sprintf("ln -f -- %s %s/", source, rpmDir))
		}
		if len(cmd) == 0 {
			continue
		}
		published = true
		r.run(cmd...)
	}
	if !published {
		return &Recipe{NothingToDo: true}, nil
	}

	metadata := []string{"cd " + targetDir}
	comps := filepath.Join(req.Layout.Sources, "release-configs", "comps", fmt.Sprintf("comps-%s.xml", d.PackageSet))
	if hostFileExists(comps) {
		metadata = append(metadata,
			fmt.Sprintf("cp -- %s comps.xml", comps),
			"createrepo_c --update -g comps.xml .",
		)
	} else {
		metadata = append(metadata, "createrepo_c --update .")
	}
	repomd := filepath.Join(targetDir, "repodata", "repomd.xml")
	metadata = append(metadata, fmt.Sprintf(
		"%s --batch --no-tty --yes --detach-sign --armor -u %s -o %s.asc %s",
		req.Options.GPGClient, signKey, repomd, repomd,
	))
	r.run(metadata...)
	return r, nil
}

// debPublishHandler resolves the publish stage for Debian targets:
// verify the source and changes signatures against the keyring the
// sign stage exported, then hand the .changes to reprepro under the
// suite matching the target repository. Unpublish runs removesrc.
type debPublishHandler struct{}

func (debPublishHandler) Resolve(_ context.Context, req *Request) (*Recipe, error) {
	c, d := req.Component, req.Distribution
	builds := req.Parameters.Build()
	if len(builds) == 0 || req.Options.SignKey == "" || req.Options.GPGClient == "" {
		return &Recipe{NothingToDo: true}, nil
	}
	repository := req.Options.Repository
	if !validRepository(repository, componentRepositories) {
		return nil, fmt.Errorf("refusing to publish components into %q", repository)
	}

	buildDir := req.Layout.ComponentStageDir(c, d, stage.Build)
	signDir := req.Layout.ComponentStageDir(c, d, stage.Sign)
	stageDir := req.Layout.ComponentStageDir(c, d, stage.Publish)
	keyringDir := filepath.Join(signDir, "keyring")
	targetDir := filepath.Join(req.Layout.PublishRoot(d.Family, req.Options.Release), string(d.PackageSet))
	suite := publishSuite(d, repository)

	publishDeb, err := req.Payload("publish_deb")
	if err != nil {
		return nil, err
	}

	r := &Recipe{
		Env:             optionsEnv(req.Options),
		Fingerprint:     publishFingerprint(req, builds),
		OutputsDir:      stageDir,
		EnsureDirs:      []string{stageDir, filepath.Join(targetDir, "conf")},
		SharedResources: []string{targetDir},
		LocalOnly:       true,
	}
	// reprepro needs its distributions skeleton on first use.
	r.run(fmt.Sprintf("[ -e %[1]s/conf/distributions ] || cp -- %s/conf/distributions %[1]s/conf/", targetDir, publishDeb))

	published := false
	for _, build := range builds {
		bn := build.Mangle()
		changes, err := buildArtifact(req, bn, ".changes")
		if err != nil {
			continue
		}
		published = true
		options := fmt.Sprintf("--ignore=surprisingbinary --ignore=surprisingarch --keepunreferencedfiles -b %s", targetDir)

		if req.Options.Unpublish {
			// reprepro removes by source name and version, both encoded
			// in the changes name: <name>_<version>_<arch>.changes.
			release := strings.TrimSuffix(changes, "_"+d.Architecture+".changes")
			sourceName, sourceVersion, ok := strings.Cut(release, "_")
			if !ok {
				return nil, fmt.Errorf("publish: component %s: malformed changes name %q", c.Name, sanitize(changes))
			}
			r.run(fmt.Sprintf("reprepro --ignore=surprisingbinary --ignore=surprisingarch -b %s removesrc %s %s %s",
				targetDir, suite, sourceName, sourceVersion))
			continue
		}

		var cmd []string
		for _, suffix := range []string{".dsc", ".changes", ".buildinfo"} {
			name, err := buildArtifact(req, bn, suffix)
			if err != nil {
				return nil, fmt.Errorf("publish: component %s: %w", c.Name, err)
			}
			cmd = append(cmd, fmt.Sprintf("gpg2 -q --homedir %s --verify %s",
				keyringDir, filepath.Join(buildDir, bn, name)))
		}
		cmd = append(cmd, fmt.Sprintf("reprepro %s include %s %s",
			options, suite, filepath.Join(buildDir, bn, changes)))
		r.run(cmd...)
	}
	if !published {
		return &Recipe{NothingToDo: true}, nil
	}
	return r, nil
}

// archPublishHandler resolves the publish stage for Arch Linux targets:
// verify detached signatures, hardlink packages and signatures into the
// publish tree and maintain the pacman repository database with
// repo-add. Unpublish removes the files and rebuilds the database.
type archPublishHandler struct{}

func (archPublishHandler) Resolve(_ context.Context, req *Request) (*Recipe, error) {
	c, d := req.Component, req.Distribution
	builds := req.Parameters.Build()
	if len(builds) == 0 || req.Options.SignKey == "" || req.Options.GPGClient == "" {
		return &Recipe{NothingToDo: true}, nil
	}
	repository := req.Options.Repository
	if !validRepository(repository, componentRepositories) {
		return nil, fmt.Errorf("refusing to publish components into %q", repository)
	}

	signKey := req.Options.SignKey
	gpg := req.Options.GPGClient
	buildDir := req.Layout.ComponentStageDir(c, d, stage.Build)
	signDir := req.Layout.ComponentStageDir(c, d, stage.Sign)
	stageDir := req.Layout.ComponentStageDir(c, d, stage.Publish)
	keyringDir := filepath.Join(signDir, "keyring")
	targetDir := filepath.Join(req.Layout.PublishRoot(d.Family, req.Options.Release), repository, string(d.PackageSet), d.Name)
	pkgsDir := filepath.Join(targetDir, "pkgs")
	repositoryDB := filepath.Join(pkgsDir, fmt.Sprintf("%s-%s.db.tar.gz", req.Options.Release, repository))

	r := &Recipe{
		Env:             optionsEnv(req.Options),
		Fingerprint:     publishFingerprint(req, builds),
		OutputsDir:      stageDir,
		EnsureDirs:      []string{stageDir, pkgsDir},
		SharedResources: []string{targetDir},
		LocalOnly:       true,
	}

	published := false
	for _, build := range builds {
		bn := build.Mangle()
		var cmd []string
		for _, out := range req.PriorOutputs(stage.Build) {
			if !strings.HasPrefix(out, bn+"/pkgs/") || !strings.Contains(path.Base(out), ".pkg.tar.") || strings.HasSuffix(out, ".sig") {
				continue
			}
			name := path.Base(out)
			if err := checkFilename(name, ""); err != nil {
				return nil, fmt.Errorf("publish: component %s: %w", c.Name, err)
			}
			pkg := filepath.Join(buildDir, out)
			if req.Options.Unpublish {
				cmd = append(cmd,
					fmt.Sprintf("rm -f -- %s %s.sig", filepath.Join(pkgsDir, name), filepath.Join(pkgsDir, name)),
				)
				continue
			}
			cmd = append(cmd,
				fmt.Sprintf("gpg2 -q --homedir %s --verify %s.sig %s", keyringDir, pkg, pkg),
				fmt.Sprintf("ln -f -- %s %s.sig %s/", pkg, pkg, pkgsDir),
				fmt.Sprintf("repo-add %s %s", repositoryDB, pkg),
			)
		}
		if len(cmd) == 0 {
			continue
		}
		published = true
		r.run(cmd...)
	}
	if !published {
		return &Recipe{NothingToDo: true}, nil
	}

	if req.Options.Unpublish {
		// Rebuild the database from whatever packages remain.
		r.run(
			"rm -f -- "+repositoryDB,
			"repo-add "+repositoryDB,
			fmt.Sprintf(`find %s -name '*.pkg.tar.*' ! -name '*.sig' -exec repo-add %s {} +`, pkgsDir, repositoryDB),
		)
	}
	r.run(fmt.Sprintf("%s --batch --no-tty --yes --detach-sign -u %s -o %s.sig %s",
		gpg, signKey, repositoryDB, repositoryDB))
	return r, nil
}

// publishFingerprint extends the usual stage fields with the target
// repository and direction, so moving packages between repositories or
// unpublishing always runs.
func publishFingerprint(req *Request, builds []component.PackagePath) []string {
	fields := append(fingerprintFields(req, stage.Publish, builds), req.Options.Repository)
	if req.Options.Unpublish {
		fields = append(fields, "unpublish")
	}
	return fields
}
