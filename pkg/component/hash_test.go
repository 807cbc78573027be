package component

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSourceHash_Stable(t *testing.T) {
	build := func(t *testing.T) string {
		dir := t.TempDir()
		writeFile(t, dir, "version", "1.0\n")
		writeFile(t, dir, "Makefile", "all:\n")
		writeFile(t, dir, "src/main.c", "int main(void) { return 0; }\n")
		return dir
	}

	a := New("toolkit", build(t))
	b := New("toolkit", build(t))

	ha, err := a.SourceHash()
	if err != nil {
		t.Fatal(err)
	}
	hb, err := b.SourceHash()
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Error("identical trees produced different hashes")
	}
	if len(ha) != 128 {
		t.Errorf("hash length = %d, want 128 hex chars", len(ha))
	}
}

func TestSourceHash_SensitiveToContent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "version", "1.0\n")
	writeFile(t, dir, "src/main.c", "int main(void) { return 0; }\n")

	c := New("toolkit", dir)
	before, err := c.SourceHash()
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, dir, "src/main.c", "int main(void) { return 1; }\n")
	after, err := New("toolkit", dir).SourceHash()
	if err != nil {
		t.Fatal(err)
	}
	if before == after {
		t.Error("content change did not change the hash")
	}
}

func TestSourceHash_IgnoresGitAndIgnoredFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "version", "1.0\n")
	writeFile(t, dir, ".gitignore", "*.o\nbuild/\n")
	writeFile(t, dir, "src/main.c", "int main(void) { return 0; }\n")

	base, err := New("toolkit", dir).SourceHash()
	if err != nil {
		t.Fatal(err)
	}

	// Build residue and git metadata must not affect the hash.
	writeFile(t, dir, "main.o", "\x7fELF")
	writeFile(t, dir, "build/out.bin", "binary")
	writeFile(t, dir, ".git/HEAD", "ref: refs/heads/main\n")

	dirty, err := New("toolkit", dir).SourceHash()
	if err != nil {
		t.Fatal(err)
	}
	if base != dirty {
		t.Error("ignored files changed the hash")
	}

	// A tracked file change still does.
	writeFile(t, dir, "src/extra.c", "void extra(void) {}\n")
	changed, err := New("toolkit", dir).SourceHash()
	if err != nil {
		t.Fatal(err)
	}
	if changed == base {
		t.Error("tracked file addition did not change the hash")
	}
}

func TestSourceHash_NestedGitignore(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "version", "1.0\n")
	writeFile(t, dir, "sub/.gitignore", "cache/\n")
	writeFile(t, dir, "sub/kept.txt", "kept\n")

	base, err := New("toolkit", dir).SourceHash()
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, dir, "sub/cache/tmp.dat", "scratch")
	dirty, err := New("toolkit", dir).SourceHash()
	if err != nil {
		t.Fatal(err)
	}
	if base != dirty {
		t.Error("nested gitignore was not honored")
	}
}

func TestSourceHash_Cached(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "version", "1.0\n")

	c := New("toolkit", dir)
	first, err := c.SourceHash()
	if err != nil {
		t.Fatal(err)
	}

	// The cached value survives tree edits on the same instance.
	writeFile(t, dir, "new.txt", "late\n")
	second, err := c.SourceHash()
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("SourceHash is not cached per component instance")
	}
}

func TestSourceHash_MissingDir(t *testing.T) {
	c := New("ghost", filepath.Join(t.TempDir(), "absent"))
	if _, err := c.SourceHash(); err == nil {
		t.Error("expected error for missing source dir")
	}
}

func TestSourceHash_OrderIndependence(t *testing.T) {
	// Creation order must not matter, only names and contents.
	dirA := t.TempDir()
	writeFile(t, dirA, "b.txt", "two\n")
	writeFile(t, dirA, "a.txt", "one\n")

	dirB := t.TempDir()
	writeFile(t, dirB, "a.txt", "one\n")
	writeFile(t, dirB, "b.txt", "two\n")

	ha, err := New("x", dirA).SourceHash()
	if err != nil {
		t.Fatal(err)
	}
	hb, err := New("x", dirB).SourceHash()
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Error("hash depends on file creation order")
	}

	if _, err := os.Stat(filepath.Join(dirA, "a.txt")); err != nil {
		t.Fatal(err)
	}
}
