package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "extra")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	first := "# Deny everything going to unstable\npackage distforge.first\n\nimport rego.v1\n\ndeny contains msg if {\n\tinput.repository == \"unstable\"\n\tmsg := \"unstable is closed\"\n}\n"
	second := "package distforge.second\n\nimport rego.v1\n\ndeny contains msg if {\n\tfalse\n\tmsg := \"never\"\n}\n"
	if err := os.WriteFile(filepath.Join(dir, "first.rego"), []byte(first), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(nested, "second.rego"), []byte(second), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a policy"), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(testLogger(t))
	policies, err := loader.LoadFromPaths([]string{dir, filepath.Join(dir, "missing")})
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("got %d policies, want 2", len(policies))
	}

	byName := make(map[string]Policy, len(policies))
	for _, p := range policies {
		byName[p.Name] = p
	}
	got, ok := byName["first"]
	if !ok {
		t.Fatal("first.rego not loaded")
	}
	if got.Description != "Deny everything going to unstable" {
		t.Errorf("Description = %q", got.Description)
	}
	if got.Source != filepath.Join(dir, "first.rego") {
		t.Errorf("Source = %q", got.Source)
	}
	if _, ok := byName["second"]; !ok {
		t.Error("nested second.rego not loaded")
	}
}

func TestLoadFromPathsSingleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "only.rego")
	source := "package distforge.only\n\nimport rego.v1\n\ndeny contains msg if {\n\tfalse\n\tmsg := \"never\"\n}\n"
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(testLogger(t))
	policies, err := loader.LoadFromPaths([]string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}
	if len(policies) != 1 || policies[0].Name != "only" {
		t.Fatalf("policies = %+v", policies)
	}
	if policies[0].Description != "" {
		t.Errorf("Description = %q, want empty for uncommented policy", policies[0].Description)
	}
}

func TestFirstComment(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"leading comment", "# Summary line\npackage a\n", "Summary line"},
		{"blank lines before comment", "\n\n# After blanks\npackage a\n", "After blanks"},
		{"code first", "package a\n# too late\n", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := firstComment(tt.source); got != tt.want {
				t.Errorf("firstComment = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWatchStopsOnCancel(t *testing.T) {
	g := newGate(t, 5)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- g.Watch(ctx, []string{filepath.Join(t.TempDir(), "missing")})
	}()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Watch returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop on cancel")
	}
}
