package plugins

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/distforge/distforge/pkg/component"
	"github.com/distforge/distforge/pkg/executor"
	"github.com/distforge/distforge/pkg/stage"
)

func buildRequest(t *testing.T, raw string, payloads ...string) *Request {
	t.Helper()
	return &Request{
		Stage:        stage.Build,
		Component:    testComponent(t, "core-agent", "1.0", "2"),
		Distribution: testDist(t, raw),
		Layout:       testLayout(t),
		Payloads:     testPayloads(t, payloads...),
		Options:      Options{Release: "r4.3", ExecutorKind: executor.KindDocker},
	}
}

func TestRPMBuildResolve(t *testing.T) {
	req := buildRequest(t, "vm-fc41", "build_rpm", "chroot_rpm")
	req.Parameters = component.Parameters{"build": []interface{}{"core-agent.spec"}}
	req.Prior = map[string][]string{
		stage.Prep: {
			"core-agent.spec/core-agent-1.0-2.fc41.src.rpm",
			"core-agent.spec/core-agent.spec_packages.list",
		},
	}

	r, err := rpmBuildHandler{}.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if r.NothingToDo {
		t.Fatal("unexpected NothingToDo")
	}

	if len(r.Outputs) != 1 || r.Outputs[0] != "core-agent.spec/rpm/" {
		t.Errorf("Outputs = %v, want the per-target rpm listing", r.Outputs)
	}
	repoDir := req.Layout.DistRepository(req.Distribution)
	if !containsString(r.SharedResources, repoDir) {
		t.Errorf("SharedResources = %v, want %q", r.SharedResources, repoDir)
	}
	if !containsString(r.CleanGlobs, filepath.Join(repoDir, "core-agent_*")) {
		t.Errorf("CleanGlobs = %v, missing superseded-version glob", r.CleanGlobs)
	}
	if !containsString(r.Fingerprint, "1.0-2") || !containsString(r.Fingerprint, "core-agent.spec") {
		t.Errorf("Fingerprint = %v, missing version-release or build target", r.Fingerprint)
	}

	if !recipeRuns(r, "--rebuild "+executor.PlaceholderBuildDir+"/core-agent-1.0-2.fc41.src.rpm") {
		t.Error("no mock rebuild of the prep source rpm")
	}
	if !recipeRuns(r, "--isolation=simple") {
		t.Error("container backend did not select simple isolation")
	}
	if !recipeRuns(r, "createrepo_c .") {
		t.Error("builder-local repository metadata not generated")
	}
	if recipeRuns(r, "--enablerepo=builder-current") {
		t.Error("upstream repositories enabled without an upstream release")
	}

	if !copiesIn(r, repoDir) {
		t.Error("builder-local repository not staged into the cage")
	}
	if !copiesOut(r, repoDir) {
		t.Error("built packages not provisioned back to the repository")
	}
	stageDir := req.Layout.ComponentStageDir(req.Component, req.Distribution, stage.Build)
	if !copiesOut(r, filepath.Join(stageDir, "core-agent.spec")) {
		t.Error("built packages not copied out to the stage directory")
	}
}

func TestRPMBuildUpstreamRepos(t *testing.T) {
	req := buildRequest(t, "vm-fc41", "build_rpm", "chroot_rpm")
	req.Parameters = component.Parameters{"build": []interface{}{"core-agent.spec"}}
	req.Prior = map[string][]string{
		stage.Prep: {"core-agent.spec/core-agent-1.0-2.fc41.src.rpm"},
	}
	req.Options.UpstreamRelease = "r4.2"
	req.Options.UpstreamTesting = true

	r, err := rpmBuildHandler{}.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !recipeRuns(r, "--enablerepo=builder-current") {
		t.Error("upstream repository not enabled")
	}
	if !recipeRuns(r, "--enablerepo=builder-current-testing") {
		t.Error("upstream testing repository not enabled")
	}
}

func TestBuildNothingToDo(t *testing.T) {
	req := buildRequest(t, "vm-fc41", "build_rpm", "chroot_rpm")
	r, err := rpmBuildHandler{}.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !r.NothingToDo {
		t.Error("component without build targets resolved to work")
	}
}

func TestRPMBuildMissingPrep(t *testing.T) {
	req := buildRequest(t, "vm-fc41", "build_rpm", "chroot_rpm")
	req.Parameters = component.Parameters{"build": []interface{}{"core-agent.spec"}}

	if _, err := (rpmBuildHandler{}).Resolve(context.Background(), req); err == nil {
		t.Error("missing prep outputs did not fail resolution")
	}
}

func TestDebBuildResolve(t *testing.T) {
	req := buildRequest(t, "vm-bookworm", "build_deb", "chroot_deb")
	req.Parameters = component.Parameters{"build": []interface{}{"core-agent"}}
	req.Prior = map[string][]string{
		stage.Prep: {
			"core-agent/core-agent_1.0-2.dsc",
			"core-agent/core-agent_1.0.orig.tar.gz",
			"core-agent/core-agent_1.0-2.debian.tar.xz",
			"core-agent/core-agent_packages.list",
		},
	}

	r, err := debBuildHandler{}.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if len(r.Outputs) != 1 || r.Outputs[0] != "core-agent/" {
		t.Errorf("Outputs = %v, want the per-target listing", r.Outputs)
	}
	if !recipeRuns(r, "sudo -E pbuilder create") {
		t.Error("no chroot cache: want a pbuilder create")
	}
	if !recipeRuns(r, "pbuilder build --override-config --distribution bookworm") {
		t.Error("no pbuilder build for the target suite")
	}
	if !recipeRuns(r, "file:///tmp/builder-local bookworm main") {
		t.Error("builder-local repository not declared as an apt source")
	}
	// The package list is bookkeeping, not a source artifact.
	prepDir := req.Layout.ComponentStageDir(req.Component, req.Distribution, stage.Prep)
	if copiesIn(r, filepath.Join(prepDir, "core-agent", "core-agent_packages.list")) {
		t.Error("package list staged as a source artifact")
	}
	if !copiesIn(r, filepath.Join(prepDir, "core-agent", "core-agent_1.0.orig.tar.gz")) {
		t.Error("orig tarball not staged")
	}
	// Changes and buildinfo names carry the dpkg architecture.
	if !recipeRuns(r, "core-agent_1.0-2_amd64.changes") {
		t.Error("changes file name does not carry the dpkg architecture")
	}
}

func TestDebBuildChrootCacheUpdate(t *testing.T) {
	req := buildRequest(t, "vm-bookworm", "build_deb", "chroot_deb")
	req.Parameters = component.Parameters{"build": []interface{}{"core-agent"}}
	req.Prior = map[string][]string{
		stage.Prep: {"core-agent/core-agent_1.0-2.dsc", "core-agent/core-agent_1.0.orig.tar.gz"},
	}

	cacheDir := filepath.Join(req.Layout.ChrootCache(req.Distribution), "pbuilder")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		t.Fatalf("creating chroot cache: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cacheDir, "base.tgz"), []byte("x"), 0o644); err != nil {
		t.Fatalf("writing base.tgz: %v", err)
	}

	r, err := debBuildHandler{}.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !recipeRuns(r, "sudo -E pbuilder update") {
		t.Error("cached base.tgz: want a pbuilder update")
	}
	if !copiesIn(r, filepath.Join(cacheDir, "base.tgz")) {
		t.Error("cached base.tgz not staged into the cage")
	}
}

func TestPrepArtifact(t *testing.T) {
	req := &Request{
		Prior: map[string][]string{
			stage.Prep: {
				"core-agent.spec/core-agent-1.0-2.fc41.src.rpm",
				"other.spec/other-2.0-1.fc41.src.rpm",
			},
		},
	}

	name, err := prepArtifact(req, "core-agent.spec", ".src.rpm")
	if err != nil {
		t.Fatalf("prepArtifact failed: %v", err)
	}
	if want := "core-agent-1.0-2.fc41.src.rpm"; name != want {
		t.Errorf("got %q, want %q", name, want)
	}

	if _, err := prepArtifact(req, "missing.spec", ".src.rpm"); err == nil {
		t.Error("unknown build target did not fail")
	}

	req.Prior[stage.Prep] = append(req.Prior[stage.Prep], "core-agent.spec/core-agent-0.9-1.fc41.src.rpm")
	if _, err := prepArtifact(req, "core-agent.spec", ".src.rpm"); err == nil {
		t.Error("ambiguous artifacts did not fail")
	}
}

func TestPrepSourceFiles(t *testing.T) {
	req := &Request{
		Prior: map[string][]string{
			stage.Prep: {
				"core-agent/core-agent_1.0-2.dsc",
				"core-agent/core-agent_1.0.orig.tar.gz",
				"core-agent/core-agent_packages.list",
				"other/other_2.0.dsc",
			},
		},
	}

	files, err := prepSourceFiles(req, "core-agent")
	if err != nil {
		t.Fatalf("prepSourceFiles failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2: %v", len(files), files)
	}
	if containsString(files, "core-agent_packages.list") {
		t.Error("package list not excluded")
	}

	if _, err := prepSourceFiles(req, "missing"); err == nil {
		t.Error("unknown build target did not fail")
	}
}
