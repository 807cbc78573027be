package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeConf(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDeepMerge(t *testing.T) {
	tests := []struct {
		name string
		a    map[string]any
		b    map[string]any
		want map[string]any
	}{
		{
			name: "scalar override",
			a:    map[string]any{"timeout": 100, "debug": true},
			b:    map[string]any{"timeout": 200},
			want: map[string]any{"timeout": 200, "debug": true},
		},
		{
			name: "nested maps merge",
			a:    map[string]any{"git": map[string]any{"branch": "main", "prefix": "a-"}},
			b:    map[string]any{"git": map[string]any{"branch": "release"}},
			want: map[string]any{"git": map[string]any{"branch": "release", "prefix": "a-"}},
		},
		{
			name: "list replaces list",
			a:    map[string]any{"maintainers": []any{"AAA"}},
			b:    map[string]any{"maintainers": []any{"BBB"}},
			want: map[string]any{"maintainers": []any{"BBB"}},
		},
		{
			name: "map replaced by scalar",
			a:    map[string]any{"executor": map[string]any{"type": "docker"}},
			b:    map[string]any{"executor": "local"},
			want: map[string]any{"executor": "local"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deepMerge(tt.a, tt.b)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("deepMerge() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeepMergeDoesNotMutateInputs(t *testing.T) {
	a := map[string]any{"git": map[string]any{"branch": "main"}}
	b := map[string]any{"git": map[string]any{"branch": "release"}}
	deepMerge(a, b)

	if got := a["git"].(map[string]any)["branch"]; got != "main" {
		t.Errorf("first input mutated: branch = %v", got)
	}
}

func TestParseFileIncludeOrder(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "first.yml", `
timeout: 100
gpg-client: qubes-gpg-client
verbose: false
distributions:
  - vm-fc41
`)
	writeConf(t, dir, "second.yml", `
timeout: 200
verbose: true
distributions:
  - vm-fc42
`)
	path := writeConf(t, dir, "builder.yml", `
include:
  - first.yml
  - second.yml
debug: true
`)

	conf, includes, err := parseFile(path)
	if err != nil {
		t.Fatalf("parseFile: %v", err)
	}

	if got := conf["timeout"]; got != 100 {
		t.Errorf("scalar from the first include should stick: timeout = %v, want 100", got)
	}
	if got := conf["verbose"]; got != true {
		t.Errorf("empty value should lose to a later include: verbose = %v", got)
	}
	if got := conf["distributions"]; !reflect.DeepEqual(got, []any{"vm-fc42"}) {
		t.Errorf("lists are replaced by later includes: %v", got)
	}
	if got := conf["gpg-client"]; got != "qubes-gpg-client" {
		t.Errorf("gpg-client = %v", got)
	}
	if got := conf["debug"]; got != true {
		t.Errorf("debug = %v", got)
	}
	if _, ok := conf["include"]; ok {
		t.Error("include key should be consumed")
	}

	want := []string{filepath.Join(dir, "first.yml"), filepath.Join(dir, "second.yml")}
	if !reflect.DeepEqual(includes, want) {
		t.Errorf("includes = %v, want %v", includes, want)
	}
}

func TestParseFileMainOverridesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "base.yml", `
timeout: 100
git:
  branch: release
  prefix: base-
`)
	path := writeConf(t, dir, "builder.yml", `
include:
  - base.yml
timeout: 50
git:
  branch: main
`)

	conf, _, err := parseFile(path)
	if err != nil {
		t.Fatalf("parseFile: %v", err)
	}

	if got := conf["timeout"]; got != 50 {
		t.Errorf("timeout = %v, want 50", got)
	}
	// The main file's keys replace wholesale, they do not deep-merge.
	git, ok := conf["git"].(map[string]any)
	if !ok {
		t.Fatalf("git = %T", conf["git"])
	}
	if got := git["branch"]; got != "main" {
		t.Errorf("branch = %v, want main", got)
	}
	if _, ok := git["prefix"]; ok {
		t.Error("main file git map should replace the included one entirely")
	}
}

func TestParseFileIncludedDictsMerge(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "a.yml", "git:\n  branch: release\n  prefix: a-\n")
	writeConf(t, dir, "b.yml", "git:\n  branch: main\n")
	path := writeConf(t, dir, "builder.yml", "include:\n  - a.yml\n  - b.yml\n")

	conf, _, err := parseFile(path)
	if err != nil {
		t.Fatalf("parseFile: %v", err)
	}

	git := conf["git"].(map[string]any)
	if got := git["branch"]; got != "main" {
		t.Errorf("branch = %v, want main", got)
	}
	if got := git["prefix"]; got != "a-" {
		t.Errorf("prefix = %v, want a- (merged from first include)", got)
	}
}

func TestParseFileAppendSections(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "extra.yml", `
+components:
  - extra-comp
+distributions:
  - vm-fc42
`)
	path := writeConf(t, dir, "builder.yml", `
include:
  - extra.yml
components:
  - base-comp
+components:
  - main-extra
distributions:
  - host-fc42
`)

	conf, _, err := parseFile(path)
	if err != nil {
		t.Fatalf("parseFile: %v", err)
	}

	if got := conf["components"]; !reflect.DeepEqual(got, []any{"base-comp", "extra-comp", "main-extra"}) {
		t.Errorf("components = %v", got)
	}
	if got := conf["distributions"]; !reflect.DeepEqual(got, []any{"host-fc42", "vm-fc42"}) {
		t.Errorf("distributions = %v", got)
	}
	if _, ok := conf["+components"]; ok {
		t.Error("+components should be consumed by the flatten")
	}
}

func TestParseFileSameNameEntriesMerge(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "override.yml", `
+components:
  - core-vchan:
      branch: release
`)
	path := writeConf(t, dir, "builder.yml", `
include:
  - override.yml
components:
  - core-vchan:
      timeout: 600
      branch: main
  - other
`)

	conf, _, err := parseFile(path)
	if err != nil {
		t.Fatalf("parseFile: %v", err)
	}

	components := conf["components"].([]any)
	if len(components) != 2 {
		t.Fatalf("components = %v", components)
	}
	entry, ok := components[0].(map[string]any)
	if !ok {
		t.Fatalf("first entry = %T, want merged options map", components[0])
	}
	opts := entry["core-vchan"].(map[string]any)
	if got := opts["branch"]; got != "release" {
		t.Errorf("branch = %v, want release (appended entry wins)", got)
	}
	if got := opts["timeout"]; got != 600 {
		t.Errorf("timeout = %v, want 600 (kept from base entry)", got)
	}
	if components[1] != "other" {
		t.Errorf("optionless entry should stay a bare name, got %v", components[1])
	}
}

func TestParseFileSectionsUntouchedWithoutAppend(t *testing.T) {
	dir := t.TempDir()
	path := writeConf(t, dir, "builder.yml", `
components:
  - alpha
  - alpha
`)

	conf, _, err := parseFile(path)
	if err != nil {
		t.Fatalf("parseFile: %v", err)
	}
	// Without a + form the section is left exactly as written.
	if got := conf["components"]; !reflect.DeepEqual(got, []any{"alpha", "alpha"}) {
		t.Errorf("components = %v", got)
	}
}

func TestParseFileNestedIncludeIsInert(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "inner.yml", "timeout: 999\n")
	writeConf(t, dir, "outer.yml", "include:\n  - inner.yml\ndebug: true\n")
	path := writeConf(t, dir, "builder.yml", "include:\n  - outer.yml\n")

	conf, includes, err := parseFile(path)
	if err != nil {
		t.Fatalf("parseFile: %v", err)
	}
	if got := conf["debug"]; got != true {
		t.Errorf("debug = %v", got)
	}
	if _, ok := conf["timeout"]; ok {
		t.Error("includes must not recurse")
	}
	if len(includes) != 1 {
		t.Errorf("includes = %v", includes)
	}
}

func TestParseFileErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		if _, _, err := parseFile(filepath.Join(dir, "absent.yml")); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("missing include", func(t *testing.T) {
		path := writeConf(t, dir, "missing-include.yml", "include:\n  - nowhere.yml\n")
		_, _, err := parseFile(path)
		if err == nil || !strings.Contains(err.Error(), "nowhere.yml") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := writeConf(t, dir, "broken.yml", "{[")
		if _, _, err := parseFile(path); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("include not a list", func(t *testing.T) {
		path := writeConf(t, dir, "badinclude.yml", "include: base.yml\n")
		_, _, err := parseFile(path)
		if err == nil || !strings.Contains(err.Error(), "must be a list") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("multi key section entry", func(t *testing.T) {
		path := writeConf(t, dir, "multikey.yml", `
components:
  - alpha:
      branch: main
    beta:
      branch: main
+components:
  - gamma
`)
		_, _, err := parseFile(path)
		if err == nil || !strings.Contains(err.Error(), "exactly one name key") {
			t.Fatalf("err = %v", err)
		}
	})
}
