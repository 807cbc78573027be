package plugins

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/distforge/distforge/pkg/stage"
)

// rpmSignHandler resolves the sign stage for RPM targets: import the
// signing key into a dedicated rpmdb, sign every package the build
// stage recorded plus the buildinfo, then re-provision the builder
// local repository since signing rewrites the files. Signing operates
// on the host artifact tree directly, so the recipe is local-only.
type rpmSignHandler struct{}

func (rpmSignHandler) Resolve(_ context.Context, req *Request) (*Recipe, error) {
	c, d := req.Component, req.Distribution
	builds := req.Parameters.Build()
	if len(builds) == 0 || req.Options.SignKey == "" || req.Options.GPGClient == "" {
		return &Recipe{NothingToDo: true}, nil
	}

	signKey := req.Options.SignKey
	gpg := req.Options.GPGClient
	stageDir := req.Layout.ComponentStageDir(c, d, stage.Sign)
	buildDir := req.Layout.ComponentStageDir(c, d, stage.Build)
	repoDir := req.Layout.DistRepository(d)
	dbPath := filepath.Join(req.Layout.Artifacts, "rpmdb", signKey)
	keyAsc := filepath.Join(stageDir, signKey+".asc")
	provisionDir := filepath.Join(repoDir, fmt.Sprintf("%s_%s", c.Name, c.Version()))

	signRPM, err := req.Payload("sign_rpm")
	if err != nil {
		return nil, err
	}

	r := &Recipe{
		Env:             optionsEnv(req.Options),
		Fingerprint:     append(fingerprintFields(req, stage.Sign, builds), signKey),
		OutputsDir:      stageDir,
		CleanDirs:       []string{stageDir},
		CleanGlobs:      []string{provisionDir},
		EnsureDirs:      []string{stageDir, repoDir},
		SharedResources: []string{repoDir},
		LocalOnly:       true,
	}

	r.run(
		"mkdir -p "+dbPath,
		fmt.Sprintf("%s --armor --export %s > %s", gpg, signKey, keyAsc),
		fmt.Sprintf("rpmkeys --dbpath=%s --import %s", dbPath, keyAsc),
		"rm -f -- "+keyAsc,
	)

	for _, build := range builds {
		bn := build.Mangle()
		var cmd []string
		for _, out := range req.PriorOutputs(stage.Build) {
			if !strings.HasPrefix(out, bn+"/rpm/") {
				continue
			}
			name := path.Base(out)
			if err := checkFilename(name, ""); err != nil {
				return nil, fmt.Errorf("sign: component %s: %w", c.Name, err)
			}
			target := filepath.Join(buildDir, out)
			switch {
			case strings.HasSuffix(name, ".rpm"):
				cmd = append(cmd, fmt.Sprintf("%s/scripts/sign-rpm --sign-key %s --db-path %s --rpm %s",
					signRPM, signKey, dbPath, target))
			case strings.HasSuffix(name, ".buildinfo"):
				cmd = append(cmd, fmt.Sprintf("%s/scripts/update-rpmbuildinfo %s %s %s",
					signRPM, target, gpg, signKey))
			}
		}
		if len(cmd) == 0 {
			continue
		}
		// Signing rewrites the packages, so the local repository copies
		// are provisioned again from the signed files.
		cmd = append(cmd,
			"mkdir -p "+provisionDir,
			fmt.Sprintf("cp -- %s/* %s/", filepath.Join(buildDir, bn, "rpm"), provisionDir),
		)
		r.run(cmd...)
	}

	if len(r.Batches) == 1 {
		return &Recipe{NothingToDo: true}, nil
	}
	return r, nil
}

// debSignHandler resolves the sign stage for Debian targets: export the
// public key into a keyring kept with the sign artifacts, debsign every
// .changes the build stage produced and re-provision the builder-local
// repository.
type debSignHandler struct{}

func (debSignHandler) Resolve(_ context.Context, req *Request) (*Recipe, error) {
	c, d := req.Component, req.Distribution
	builds := req.Parameters.Build()
	if len(builds) == 0 || req.Options.SignKey == "" || req.Options.GPGClient == "" {
		return &Recipe{NothingToDo: true}, nil
	}

	signKey := req.Options.SignKey
	gpg := req.Options.GPGClient
	stageDir := req.Layout.ComponentStageDir(c, d, stage.Sign)
	buildDir := req.Layout.ComponentStageDir(c, d, stage.Build)
	repoDir := req.Layout.DistRepository(d)
	keyringDir := filepath.Join(stageDir, "keyring")
	keyAsc := filepath.Join(stageDir, signKey+".asc")
	provisionDir := filepath.Join(repoDir, fmt.Sprintf("%s_%s", c.Name, c.Version()))

	r := &Recipe{
		Env:             optionsEnv(req.Options),
		Fingerprint:     append(fingerprintFields(req, stage.Sign, builds), signKey),
		OutputsDir:      stageDir,
		CleanDirs:       []string{stageDir},
		CleanGlobs:      []string{provisionDir},
		EnsureDirs:      []string{stageDir, repoDir},
		SharedResources: []string{repoDir},
		LocalOnly:       true,
		Outputs:         []string{"keyring/"},
	}

	// The keyring stays with the sign artifacts; the publish stage
	// hands it to reprepro.
	r.run(
		"mkdir -p -m 0700 "+keyringDir,
		fmt.Sprintf("%s --armor --export %s > %s", gpg, signKey, keyAsc),
		fmt.Sprintf("gpg2 --homedir %s --import %s", keyringDir, keyAsc),
		"rm -f -- "+keyAsc,
	)

	signed := false
	for _, build := range builds {
		bn := build.Mangle()
		changes, err := buildArtifact(req, bn, ".changes")
		if err != nil {
			continue
		}
		signed = true
		r.run(
			fmt.Sprintf("debsign -k%s -p%s --no-re-sign %s",
				signKey, gpg, filepath.Join(buildDir, bn, changes)),
			"mkdir -p "+provisionDir,
			fmt.Sprintf("cp -- %s/* %s/", filepath.Join(buildDir, bn), provisionDir),
		)
	}
	if !signed {
		return &Recipe{NothingToDo: true}, nil
	}
	return r, nil
}

// archSignHandler resolves the sign stage for Arch Linux targets:
// detach-sign every built package next to itself and re-provision the
// builder-local repository with the signatures.
type archSignHandler struct{}

func (archSignHandler) Resolve(_ context.Context, req *Request) (*Recipe, error) {
	c, d := req.Component, req.Distribution
	builds := req.Parameters.Build()
	if len(builds) == 0 || req.Options.SignKey == "" || req.Options.GPGClient == "" {
		return &Recipe{NothingToDo: true}, nil
	}

	signKey := req.Options.SignKey
	gpg := req.Options.GPGClient
	stageDir := req.Layout.ComponentStageDir(c, d, stage.Sign)
	buildDir := req.Layout.ComponentStageDir(c, d, stage.Build)
	repoDir := req.Layout.DistRepository(d)
	keyringDir := filepath.Join(stageDir, "keyring")
	keyAsc := filepath.Join(stageDir, signKey+".asc")
	provisionDir := filepath.Join(repoDir, fmt.Sprintf("%s_%s", c.Name, c.Version()))

	r := &Recipe{
		Env:             optionsEnv(req.Options),
		Fingerprint:     append(fingerprintFields(req, stage.Sign, builds), signKey),
		OutputsDir:      stageDir,
		CleanDirs:       []string{stageDir},
		CleanGlobs:      []string{provisionDir},
		EnsureDirs:      []string{stageDir, repoDir},
		SharedResources: []string{repoDir},
		LocalOnly:       true,
		Outputs:         []string{"keyring/"},
	}

	r.run(
		"mkdir -p -m 0700 "+keyringDir,
		fmt.Sprintf("%s --armor --export %s > %s", gpg, signKey, keyAsc),
		fmt.Sprintf("gpg2 --homedir %s --import %s", keyringDir, keyAsc),
		"rm -f -- "+keyAsc,
	)

	signed := false
	for _, build := range builds {
		bn := build.Mangle()
		var cmd []string
		for _, out := range req.PriorOutputs(stage.Build) {
			if !strings.HasPrefix(out, bn+"/pkgs/") || !strings.Contains(path.Base(out), ".pkg.tar.") {
				continue
			}
			name := path.Base(out)
			if err := checkFilename(name, ""); err != nil {
				return nil, fmt.Errorf("sign: component %s: %w", c.Name, err)
			}
			pkg := filepath.Join(buildDir, out)
			cmd = append(cmd, fmt.Sprintf("%s --batch --no-tty --yes --detach-sign -u %s -o %s.sig %s",
				gpg, signKey, pkg, pkg))
		}
		if len(cmd) == 0 {
			continue
		}
		signed = true
		cmd = append(cmd,
			"mkdir -p "+provisionDir,
			fmt.Sprintf("cp -- %s/* %s/", filepath.Join(buildDir, bn, "pkgs"), provisionDir),
		)
		r.run(cmd...)
	}
	if !signed {
		return &Recipe{NothingToDo: true}, nil
	}
	return r, nil
}

// buildArtifact finds the single artifact the build stage recorded for
// one build target whose name ends in suffix.
func buildArtifact(req *Request, bn, suffix string) (string, error) {
	var found []string
	for _, out := range req.PriorOutputs(stage.Build) {
		if strings.HasPrefix(out, bn+"/") && strings.HasSuffix(out, suffix) {
			found = append(found, path.Base(out))
		}
	}
	if len(found) != 1 {
		return "", fmt.Errorf("%d %q artifacts recorded by the build stage for %s; missing build run?", len(found), suffix, bn)
	}
	if err := checkFilename(found[0], suffix); err != nil {
		return "", err
	}
	return found[0], nil
}
