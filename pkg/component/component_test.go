package component

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolve_VersionAndRelFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "version", "4.2.1\n")
	writeFile(t, dir, "rel", "3\n")

	c := New("toolkit", dir)
	if err := c.Resolve(); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if c.Version() != "4.2.1" {
		t.Errorf("Version() = %q, want 4.2.1", c.Version())
	}
	if c.Release() != "3" {
		t.Errorf("Release() = %q, want 3", c.Release())
	}
	if c.VersionRelease() != "4.2.1-3" {
		t.Errorf("VersionRelease() = %q, want 4.2.1-3", c.VersionRelease())
	}
}

func TestResolve_Concurrent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "version", "4.2.1\n")
	writeFile(t, dir, "rel", "3\n")
	writeFile(t, dir, "Makefile", "all:\n")

	// One component backs every job unit built from it, and units for
	// different distributions resolve and fingerprint concurrently.
	c := New("toolkit", dir)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Resolve(); err != nil {
				t.Errorf("Resolve failed: %v", err)
			}
			if got := c.VersionRelease(); got != "4.2.1-3" {
				t.Errorf("VersionRelease() = %q", got)
			}
			if _, err := c.SourceHash(); err != nil {
				t.Errorf("SourceHash failed: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestResolve_DefaultRelease(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "version", "1.0\n")

	c := New("toolkit", dir)
	if err := c.Resolve(); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if c.Release() != "1" {
		t.Errorf("Release() = %q, want 1", c.Release())
	}
}

func TestResolve_FourPartVersion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "version", "6.6.31.1\n")

	c := New("kernel", dir)
	if err := c.Resolve(); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if c.Version() != "6.6.31.1" {
		t.Errorf("Version() = %q, want 6.6.31.1", c.Version())
	}
}

func TestResolve_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		version string
		rel     string
	}{
		{name: "garbage version", version: "not a version\n"},
		{name: "empty version", version: "\n"},
		{name: "garbage release", version: "1.0\n", rel: "beta\n"},
		{name: "leading dash release", version: "1.0\n", rel: "-1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "version", tt.version)
			if tt.rel != "" {
				writeFile(t, dir, "rel", tt.rel)
			}
			c := New("toolkit", dir)
			if err := c.Resolve(); err == nil {
				t.Error("Resolve succeeded, want error")
			}
		})
	}
}

func TestResolve_MissingSourceDir(t *testing.T) {
	c := New("ghost", filepath.Join(t.TempDir(), "absent"))
	if err := c.Resolve(); err == nil {
		t.Error("Resolve succeeded for missing source dir, want error")
	}
	if c.Fetched() {
		t.Error("Fetched() = true for missing source dir")
	}
}

func TestResolve_Idempotent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "version", "2.0\n")

	c := New("toolkit", dir)
	if err := c.Resolve(); err != nil {
		t.Fatal(err)
	}

	// A later edit must not change the already resolved values.
	writeFile(t, dir, "version", "3.0\n")
	if err := c.Resolve(); err != nil {
		t.Fatal(err)
	}
	if c.Version() != "2.0" {
		t.Errorf("Version() = %q after re-resolve, want 2.0", c.Version())
	}
}

// commitAll stages everything in the worktree and commits it.
func commitAll(t *testing.T, repo *git.Repository, msg string) string {
	t.Helper()
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		t.Fatal(err)
	}
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "builder",
			Email: "builder@example.org",
			When:  time.Now(),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return hash.String()
}

func TestSourceCommitHash(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "version", "1.0\n")
	want := commitAll(t, repo, "initial")

	c := New("toolkit", dir)
	got, err := c.SourceCommitHash()
	if err != nil {
		t.Fatalf("SourceCommitHash failed: %v", err)
	}
	if got != want {
		t.Errorf("SourceCommitHash() = %q, want %q", got, want)
	}
}

func TestSourceCommitHash_NotARepo(t *testing.T) {
	c := New("toolkit", t.TempDir())
	if _, err := c.SourceCommitHash(); err == nil {
		t.Error("expected error for non-repository source dir")
	}
}

func TestResolve_FromReleaseTag(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, dir, "README", "toolkit\n")
	first := commitAll(t, repo, "initial")
	if _, err := repo.CreateTag("v4.1.0-2", plumbing.NewHash(first), nil); err != nil {
		t.Fatal(err)
	}

	// A later untagged commit: the closest reachable tag still wins.
	writeFile(t, dir, "README", "toolkit update\n")
	commitAll(t, repo, "update")

	c := New("toolkit", dir)
	if err := c.Resolve(); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if c.Version() != "4.1.0" {
		t.Errorf("Version() = %q, want 4.1.0", c.Version())
	}
	if c.Release() != "2" {
		t.Errorf("Release() = %q, want 2", c.Release())
	}
}

func TestResolve_NoVersionNoTags(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "README", "toolkit\n")
	commitAll(t, repo, "initial")

	c := New("toolkit", dir)
	if err := c.Resolve(); err == nil {
		t.Error("Resolve succeeded without version file or tags, want error")
	}
}
