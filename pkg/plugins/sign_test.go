package plugins

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/distforge/distforge/pkg/component"
	"github.com/distforge/distforge/pkg/stage"
)

func signRequest(t *testing.T, raw string, payloads ...string) *Request {
	t.Helper()
	req := buildRequest(t, raw, payloads...)
	req.Stage = stage.Sign
	req.Options.SignKey = "632F8C69E01B25C9E0C3ADF2F360C0D259FB650C"
	req.Options.GPGClient = "gpg"
	return req
}

func TestRPMSignResolve(t *testing.T) {
	req := signRequest(t, "vm-fc41", "sign_rpm")
	req.Parameters = component.Parameters{"build": []interface{}{"core-agent.spec"}}
	req.Prior = map[string][]string{
		stage.Build: {
			"core-agent.spec/rpm/core-agent-1.0-2.fc41.x86_64.rpm",
			"core-agent.spec/rpm/core-agent-1.0-2.fc41.src.rpm",
			"core-agent.spec/rpm/core-agent-1.0-2.x86_64.buildinfo",
		},
	}

	r, err := rpmSignHandler{}.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if r.NothingToDo {
		t.Fatal("unexpected NothingToDo")
	}
	if !r.LocalOnly {
		t.Error("signing must stay on the local backend")
	}
	if !containsString(r.Fingerprint, req.Options.SignKey) {
		t.Errorf("Fingerprint = %v, missing the signing key", r.Fingerprint)
	}

	dbPath := filepath.Join(req.Layout.Artifacts, "rpmdb", req.Options.SignKey)
	if !recipeRuns(r, "rpmkeys --dbpath="+dbPath+" --import") {
		t.Error("signing key not imported into the dedicated rpmdb")
	}
	if !recipeRuns(r, "sign-rpm --sign-key "+req.Options.SignKey) {
		t.Error("packages not signed")
	}
	if !recipeRuns(r, "update-rpmbuildinfo") {
		t.Error("buildinfo not re-signed")
	}
	// The repository copies are provisioned again from the signed files.
	provisionDir := filepath.Join(req.Layout.DistRepository(req.Distribution), "core-agent_1.0")
	if !recipeRuns(r, "cp -- ") || !containsString(r.CleanGlobs, provisionDir) {
		t.Error("signed packages not re-provisioned into the local repository")
	}
}

func TestRPMSignNothingToDo(t *testing.T) {
	req := signRequest(t, "vm-fc41", "sign_rpm")
	req.Parameters = component.Parameters{"build": []interface{}{"core-agent.spec"}}

	// No build outputs: only the key import batch would remain.
	r, err := rpmSignHandler{}.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !r.NothingToDo {
		t.Error("no build outputs: want NothingToDo")
	}

	// No signing key configured at all.
	req.Options.SignKey = ""
	r, err = rpmSignHandler{}.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !r.NothingToDo {
		t.Error("no signing key: want NothingToDo")
	}
}

func TestDebSignResolve(t *testing.T) {
	req := signRequest(t, "vm-bookworm", "sign_deb")
	req.Parameters = component.Parameters{"build": []interface{}{"core-agent"}}
	req.Prior = map[string][]string{
		stage.Build: {
			"core-agent/core-agent_1.0-2_amd64.changes",
			"core-agent/core-agent_1.0-2_amd64.buildinfo",
			"core-agent/core-agent_1.0-2_amd64.deb",
		},
	}

	r, err := debSignHandler{}.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !containsString(r.Outputs, "keyring/") {
		t.Errorf("Outputs = %v, want the keyring listing", r.Outputs)
	}
	if !recipeRuns(r, "debsign -k"+req.Options.SignKey+" -pgpg --no-re-sign") {
		t.Error("changes file not debsigned")
	}
	keyringDir := filepath.Join(req.Layout.ComponentStageDir(req.Component, req.Distribution, stage.Sign), "keyring")
	if !recipeRuns(r, "gpg2 --homedir "+keyringDir+" --import") {
		t.Error("public key not imported into the stage keyring")
	}
}

func TestDebSignSkipsTargetsWithoutChanges(t *testing.T) {
	req := signRequest(t, "vm-bookworm", "sign_deb")
	req.Parameters = component.Parameters{"build": []interface{}{"core-agent"}}
	req.Prior = map[string][]string{
		stage.Build: {"core-agent/core-agent_1.0-2_amd64.deb"},
	}

	r, err := debSignHandler{}.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !r.NothingToDo {
		t.Error("no changes file recorded: want NothingToDo")
	}
}

func TestArchSignResolve(t *testing.T) {
	req := signRequest(t, "vm-archlinux", "sign_archlinux")
	req.Parameters = component.Parameters{"build": []interface{}{"archlinux"}}
	req.Prior = map[string][]string{
		stage.Build: {
			"archlinux/pkgs/core-agent-1.0-2-x86_64.pkg.tar.zst",
			"archlinux/pkgs/core-agent-1.0-2-x86_64.pkg.tar.zst.SHA256",
		},
	}

	r, err := archSignHandler{}.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	buildDir := req.Layout.ComponentStageDir(req.Component, req.Distribution, stage.Build)
	pkg := filepath.Join(buildDir, "archlinux/pkgs/core-agent-1.0-2-x86_64.pkg.tar.zst")
	if !recipeRuns(r, "--detach-sign -u "+req.Options.SignKey+" -o "+pkg+".sig "+pkg) {
		t.Error("package not detach-signed next to itself")
	}
}

func TestBuildArtifact(t *testing.T) {
	req := &Request{
		Prior: map[string][]string{
			stage.Build: {
				"core-agent/core-agent_1.0-2_amd64.changes",
				"core-agent/core-agent_1.0-2_amd64.deb",
			},
		},
	}

	name, err := buildArtifact(req, "core-agent", ".changes")
	if err != nil {
		t.Fatalf("buildArtifact failed: %v", err)
	}
	if want := "core-agent_1.0-2_amd64.changes"; name != want {
		t.Errorf("got %q, want %q", name, want)
	}

	if _, err := buildArtifact(req, "core-agent", ".dsc"); err == nil {
		t.Error("missing artifact did not fail")
	}
}
