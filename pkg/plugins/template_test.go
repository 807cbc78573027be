package plugins

import (
	"context"
	"testing"

	"github.com/distforge/distforge/pkg/stage"
	"github.com/distforge/distforge/pkg/template"
)

func templateRequest(t *testing.T, stageName string, payloads ...string) *Request {
	t.Helper()
	tpl, err := template.New("fedora-41-xfce", "fc41")
	if err != nil {
		t.Fatalf("template.New failed: %v", err)
	}
	tpl.Flavor = "xfce"
	return &Request{
		Stage:        stageName,
		Template:     tpl,
		Distribution: tpl.Distribution,
		Layout:       testLayout(t),
		Payloads:     testPayloads(t, payloads...),
		Options:      Options{Release: "r4.3"},
	}
}

func TestTemplateVersion(t *testing.T) {
	if got := templateVersion("r4.3"); got != "4.3.0" {
		t.Errorf("got %q, want %q", got, "4.3.0")
	}
}

func TestTemplateTimestamp(t *testing.T) {
	req := templateRequest(t, stage.Build, "template")
	req.Options.Timestamp = "202608291200"
	ts, err := templateTimestamp(req)
	if err != nil {
		t.Fatalf("templateTimestamp failed: %v", err)
	}
	if ts != "202608291200" {
		t.Errorf("got %q, want the assigned timestamp", ts)
	}

	// Later stages read the timestamp the prep marker recorded.
	req.Options.Timestamp = ""
	req.Prior = map[string][]string{stage.Prep: {"timestamp-202608281000"}}
	ts, err = templateTimestamp(req)
	if err != nil {
		t.Fatalf("templateTimestamp failed: %v", err)
	}
	if ts != "202608281000" {
		t.Errorf("got %q, want the recorded timestamp", ts)
	}

	req.Prior = nil
	if _, err := templateTimestamp(req); err == nil {
		t.Error("missing timestamp did not fail")
	}
}

func TestTemplatePrep(t *testing.T) {
	req := templateRequest(t, stage.Prep, "template", "template_rpm")
	req.Options.Timestamp = "202608291200"

	r, err := templateHandler{}.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if !containsString(r.Outputs, "timestamp-202608291200") {
		t.Errorf("Outputs = %v, missing the timestamp marker", r.Outputs)
	}
	// The prep fingerprint excludes the timestamp so an existing root
	// image survives re-runs.
	if containsString(r.Fingerprint, "202608291200") {
		t.Errorf("Fingerprint = %v, timestamp must not invalidate prep", r.Fingerprint)
	}
	if !recipeRuns(r, "make -C ") || !recipeRuns(r, "build-rootimg") {
		t.Error("root image build not invoked")
	}
	if !copiesOut(r, req.Layout.QubeizedImageDir("fedora-41-xfce")) {
		t.Error("root image not copied out")
	}
	if env := r.Env; env["TEMPLATE_NAME"] != "fedora-41-xfce" || env["TEMPLATE_TIMESTAMP"] != "202608291200" {
		t.Errorf("template env incomplete: %v", env)
	}
}

func TestTemplateBuild(t *testing.T) {
	req := templateRequest(t, stage.Build, "template", "template_rpm")
	req.Prior = map[string][]string{stage.Prep: {"timestamp-202608291200"}}

	r, err := templateHandler{}.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	rpmFn := "template-fedora-41-xfce-4.3.0-202608291200.noarch.rpm"
	if !containsString(r.Outputs, rpmFn) {
		t.Errorf("Outputs = %v, want %q", r.Outputs, rpmFn)
	}
	// The build fingerprint pins the timestamp the prep run assigned.
	if !containsString(r.Fingerprint, "202608291200") {
		t.Errorf("Fingerprint = %v, missing the timestamp", r.Fingerprint)
	}
	if !recipeRuns(r, "build-rpm") {
		t.Error("template package build not invoked")
	}
}

func TestTemplatePublishRepositories(t *testing.T) {
	req := templateRequest(t, stage.Publish, "template", "sign_rpm")
	req.Prior = map[string][]string{stage.Prep: {"timestamp-202608291200"}}
	req.Options.SignKey = "632F8C69E01B25C9E0C3ADF2F360C0D259FB650C"
	req.Options.GPGClient = "gpg"

	req.Options.Repository = "templates-itl-testing"
	if _, err := (templateHandler{}).Resolve(context.Background(), req); err != nil {
		t.Errorf("templates-itl-testing rejected: %v", err)
	}

	// Component repositories are not valid template targets.
	req.Options.Repository = "current"
	if _, err := (templateHandler{}).Resolve(context.Background(), req); err == nil {
		t.Error("publishing templates into a component repository succeeded")
	}

	req.Options.Repository = "templates-unstable"
	if _, err := (templateHandler{}).Resolve(context.Background(), req); err == nil {
		t.Error("templates have no unstable repository")
	}
}

func TestTemplateUpload(t *testing.T) {
	req := templateRequest(t, stage.Upload, "template")
	req.Options.Repository = "templates-itl"

	r, err := templateHandler{}.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !r.NothingToDo {
		t.Error("no remote host: want NothingToDo")
	}

	req.Options.RemoteHost = "repo@deploy.example.org:/srv/repo"
	r, err = templateHandler{}.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !recipeRuns(r, "rsync --partial --progress --hard-links -air --mkpath -- ") {
		t.Error("repository not rsynced to the remote host")
	}
}
