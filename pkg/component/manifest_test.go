package component

import (
	"reflect"
	"testing"

	"github.com/distforge/distforge/pkg/dist"
)

const sampleManifest = `
host:
  rpm:
    build:
    - toolkit-dom0.spec
vm:
  rpm:
    build:
    - toolkit-vm.spec
    jobs: 4
  deb:
    build:
    - pkg/deb-generic
  debian:
    build:
    - pkg/debian
vm-fc41:
  rpm:
    build:
    - toolkit-fc41.spec
source:
  files:
  - url: https://example.org/toolkit-@VERSION@.tar.gz
    sha512: toolkit-@VERSION@.tar.gz.sha512
  modules:
  - subproject
`

func manifestFixture(t *testing.T, content string) *Component {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "version", "1.2.3\n")
	writeFile(t, dir, ManifestFile, content)
	return New("toolkit", dir)
}

func mustDist(t *testing.T, raw string) *dist.Distribution {
	t.Helper()
	d, err := dist.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestManifest_RendersPlaceholders(t *testing.T) {
	c := manifestFixture(t, sampleManifest)
	m, err := c.Manifest(nil)
	if err != nil {
		t.Fatalf("Manifest failed: %v", err)
	}

	files := m.Source().Files()
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1", len(files))
	}
	if files[0].URL != "https://example.org/toolkit-1.2.3.tar.gz" {
		t.Errorf("URL = %q, @VERSION@ not rendered", files[0].URL)
	}
	if files[0].Sha512 != "toolkit-1.2.3.tar.gz.sha512" {
		t.Errorf("Sha512 = %q, @VERSION@ not rendered", files[0].Sha512)
	}
	if modules := m.Source().Modules(); !reflect.DeepEqual(modules, []string{"subproject"}) {
		t.Errorf("Modules() = %v", modules)
	}
}

func TestManifest_ExtraPlaceholders(t *testing.T) {
	c := manifestFixture(t, "vm:\n  rpm:\n    build:\n    - '@BACKEND@.spec'\n")
	m, err := c.Manifest(map[string]string{"@BACKEND@": "xen"})
	if err != nil {
		t.Fatalf("Manifest failed: %v", err)
	}
	params, err := m.ParametersFor(mustDist(t, "vm-fc41"))
	if err != nil {
		t.Fatal(err)
	}
	builds := params.Build()
	if len(builds) != 1 || builds[0].String() != "xen.spec" {
		t.Errorf("Build() = %v, want [xen.spec]", builds)
	}
}

func TestManifest_ParametersFor_MergeOrder(t *testing.T) {
	c := manifestFixture(t, sampleManifest)
	m, err := c.Manifest(nil)
	if err != nil {
		t.Fatalf("Manifest failed: %v", err)
	}

	tests := []struct {
		name      string
		dist      string
		wantBuild []string
	}{
		{
			name:      "package set and family",
			dist:      "host-fc42",
			wantBuild: []string{"toolkit-dom0.spec"},
		},
		{
			name:      "per distribution section wins",
			dist:      "vm-fc41",
			wantBuild: []string{"toolkit-fc41.spec"},
		},
		{
			name:      "other distributions keep package set value",
			dist:      "vm-fc42",
			wantBuild: []string{"toolkit-vm.spec"},
		},
		{
			name:      "full name section wins over family section",
			dist:      "vm-trixie",
			wantBuild: []string{"pkg/debian"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := m.ParametersFor(mustDist(t, tt.dist))
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, b := range params.Build() {
				got = append(got, b.String())
			}
			if !reflect.DeepEqual(got, tt.wantBuild) {
				t.Errorf("Build() = %v, want %v", got, tt.wantBuild)
			}
		})
	}
}

func TestManifest_ParametersFor_ScalarsSurvive(t *testing.T) {
	c := manifestFixture(t, sampleManifest)
	m, err := c.Manifest(nil)
	if err != nil {
		t.Fatal(err)
	}
	params, err := m.ParametersFor(mustDist(t, "vm-fc41"))
	if err != nil {
		t.Fatal(err)
	}
	// jobs comes from the vm/rpm layer and is not overridden by vm-fc41.
	if jobs, ok := params["jobs"].(int); !ok || jobs != 4 {
		t.Errorf("jobs = %v, want 4", params["jobs"])
	}
}

func TestManifest_MangleConflict(t *testing.T) {
	content := `
vm:
  rpm:
    build:
    - rpm_spec/core.spec
    - rpm_spec_core.spec
`
	c := manifestFixture(t, content)
	m, err := c.Manifest(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ParametersFor(mustDist(t, "vm-fc41")); err == nil {
		t.Error("expected conflict error for builds mangling to the same basename")
	}
}

func TestManifest_ForbiddenPatterns(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "parent traversal",
			content: "vm:\n  rpm:\n    build:\n    - ../../etc/passwd\n",
		},
		{
			name:    "stage marker suffix",
			content: "vm:\n  rpm:\n    build:\n    - innocent.fetch.yml\n",
		},
		{
			name:    "forbidden pattern in key",
			content: "'..evil':\n  rpm: {}\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := manifestFixture(t, tt.content)
			if _, err := c.Manifest(nil); err == nil {
				t.Error("Manifest succeeded, want forbidden pattern error")
			}
		})
	}
}

func TestManifest_Missing(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "version", "1.0\n")
	c := New("toolkit", dir)
	if _, err := c.Manifest(nil); err == nil {
		t.Error("Manifest succeeded without manifest file, want error")
	}
}

func TestManifest_Empty(t *testing.T) {
	c := manifestFixture(t, "")
	m, err := c.Manifest(nil)
	if err != nil {
		t.Fatalf("Manifest failed for empty file: %v", err)
	}
	params, err := m.ParametersFor(mustDist(t, "vm-fc41"))
	if err != nil {
		t.Fatal(err)
	}
	if len(params.Build()) != 0 {
		t.Errorf("Build() = %v, want empty", params.Build())
	}
}

func TestPackagePath_Mangle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "rpm_spec/core.spec", want: "rpm_spec_core.spec"},
		{in: "debian", want: "debian"},
		{in: "a/b/c", want: "a_b_c"},
	}
	for _, tt := range tests {
		if got := PackagePath(tt.in).Mangle(); got != tt.want {
			t.Errorf("Mangle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFileSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    FileSpec
		wantErr bool
	}{
		{
			name: "url with sha512",
			spec: FileSpec{URL: "https://example.org/a.tar.gz", Sha512: "a.tar.gz.sha512"},
		},
		{
			name: "url with signature and pubkeys",
			spec: FileSpec{URL: "https://example.org/a.tar.gz", Signature: "a.tar.gz.asc", PubKeys: []string{"maintainer.asc"}},
		},
		{
			name: "git url",
			spec: FileSpec{GitURL: "https://example.org/a.git"},
		},
		{
			name:    "neither url nor git url",
			spec:    FileSpec{Sha256: "abc"},
			wantErr: true,
		},
		{
			name:    "url without verification",
			spec:    FileSpec{URL: "https://example.org/a.tar.gz"},
			wantErr: true,
		},
		{
			name:    "signature without pubkeys",
			spec:    FileSpec{URL: "https://example.org/a.tar.gz", Signature: "a.asc"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
