package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/distforge/distforge/pkg/executor"
	"github.com/distforge/distforge/pkg/telemetry"
)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	log, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Directory = t.TempDir()
	return New(cfg, testLogger(t))
}

func openCage(t *testing.T, e *Executor) executor.Cage {
	t.Helper()
	cage, err := e.Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = cage.Destroy(context.Background()) })
	return cage
}

func TestKind(t *testing.T) {
	if got := newTestExecutor(t).Kind(); got != executor.KindLocal {
		t.Errorf("Kind() = %q, want %q", got, executor.KindLocal)
	}
}

func TestOpenCreatesBuilderLayout(t *testing.T) {
	cage := openCage(t, newTestExecutor(t))

	for _, dir := range []string{cage.RootDir(), cage.BuildDir(), cage.PluginsDir(), cage.DistfilesDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("missing cage directory %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
	if !strings.HasSuffix(cage.RootDir(), "/builder") {
		t.Errorf("RootDir() = %q, want a /builder suffix", cage.RootDir())
	}
}

func TestRunSuccess(t *testing.T) {
	cage := openCage(t, newTestExecutor(t))

	result, err := cage.Run(context.Background(), executor.RunSpec{
		Commands: []string{"echo hello from the cage", "true"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Code != 0 {
		t.Errorf("Code = %d, want 0", result.Code)
	}
	if !strings.Contains(result.Stdout, "hello from the cage") {
		t.Errorf("Stdout = %q, want the echoed line", result.Stdout)
	}
	if result.Duration <= 0 {
		t.Error("Duration should be positive")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	cage := openCage(t, newTestExecutor(t))

	result, err := cage.Run(context.Background(), executor.RunSpec{
		Commands: []string{"echo before", "exit 3"},
	})
	if !executor.IsExecution(err) {
		t.Fatalf("Run error = %v, want *ExecutionError", err)
	}
	if result.Code != 3 {
		t.Errorf("Code = %d, want 3", result.Code)
	}
	if !strings.Contains(result.Stdout, "before") {
		t.Errorf("Stdout = %q, want output from before the failure", result.Stdout)
	}
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	cage := openCage(t, newTestExecutor(t))

	result, err := cage.Run(context.Background(), executor.RunSpec{
		Commands: []string{"false", "echo must not run"},
	})
	if !executor.IsExecution(err) {
		t.Fatalf("Run error = %v, want *ExecutionError", err)
	}
	if strings.Contains(result.Stdout, "must not run") {
		t.Error("commands after a failure should not run")
	}
}

func TestRunTimeout(t *testing.T) {
	cage := openCage(t, newTestExecutor(t))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := cage.Run(ctx, executor.RunSpec{Commands: []string{"sleep 30"}})
	if !executor.IsTimeout(err) {
		t.Fatalf("Run error = %v, want *ExecutionTimeout", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("timeout should satisfy errors.Is(err, context.DeadlineExceeded)")
	}
}

func TestRunMergesEnvironment(t *testing.T) {
	cage := openCage(t, newTestExecutor(t))

	result, err := cage.Run(context.Background(), executor.RunSpec{
		Commands: []string{`test -n "$PATH"`, `echo "token=$DISTFORGE_TEST_TOKEN"`},
		Env:      map[string]string{"DISTFORGE_TEST_TOKEN": "zebra-42"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(result.Stdout, "token=zebra-42") {
		t.Errorf("Stdout = %q, want the injected variable", result.Stdout)
	}
}

func TestRunReplacesCommandPlaceholders(t *testing.T) {
	cage := openCage(t, newTestExecutor(t))

	result, err := cage.Run(context.Background(), executor.RunSpec{
		Commands: []string{"echo root=@BUILDER_DIR@ build=@BUILD_DIR@"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := "root=" + cage.RootDir() + " build=" + cage.BuildDir()
	if !strings.Contains(result.Stdout, want) {
		t.Errorf("Stdout = %q, want %q", result.Stdout, want)
	}
}

func TestRunRewritesPlaceholderFiles(t *testing.T) {
	e := newTestExecutor(t)
	cage := openCage(t, e)

	src := filepath.Join(t.TempDir(), "vars.conf")
	if err := os.WriteFile(src, []byte("workdir=@BUILDER_DIR@/build\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := cage.CopyIn(context.Background(), []executor.TransferSpec{
		{Source: src, Destination: cage.BuildDir()},
	}); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}

	result, err := cage.Run(context.Background(), executor.RunSpec{
		Commands:         []string{"cat @BUILD_DIR@/vars.conf"},
		PlaceholderFiles: []string{"@BUILD_DIR@/vars.conf"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := "workdir=" + cage.RootDir() + "/build"
	if !strings.Contains(result.Stdout, want) {
		t.Errorf("Stdout = %q, want rewritten content %q", result.Stdout, want)
	}
}

func TestCopyInRunCopyOutRoundTrip(t *testing.T) {
	cage := openCage(t, newTestExecutor(t))

	inDir := t.TempDir()
	outDir := t.TempDir()
	src := filepath.Join(inDir, "input.txt")
	if err := os.WriteFile(src, []byte("payload\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := cage.CopyIn(ctx, []executor.TransferSpec{{Source: src, Destination: cage.BuildDir()}}); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if _, err := cage.Run(ctx, executor.RunSpec{
		Commands: []string{"tr a-z A-Z <@BUILD_DIR@/input.txt >@BUILD_DIR@/output.txt"},
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := cage.CopyOut(ctx, []executor.TransferSpec{
		{Source: filepath.Join(cage.BuildDir(), "output.txt"), Destination: outDir},
	}); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(outDir, "output.txt"))
	if err != nil {
		t.Fatalf("collected output missing: %v", err)
	}
	if string(got) != "PAYLOAD\n" {
		t.Errorf("output = %q, want %q", got, "PAYLOAD\n")
	}
}

func TestCopyInDirectoryReplacesExisting(t *testing.T) {
	cage := openCage(t, newTestExecutor(t))
	ctx := context.Background()

	srcRoot := t.TempDir()
	srcDir := filepath.Join(srcRoot, "sources")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "old.txt"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := cage.CopyIn(ctx, []executor.TransferSpec{{Source: srcDir, Destination: cage.BuildDir()}}); err != nil {
		t.Fatalf("first CopyIn failed: %v", err)
	}

	if err := os.Remove(filepath.Join(srcDir, "old.txt")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "new.txt"), []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := cage.CopyIn(ctx, []executor.TransferSpec{{Source: srcDir, Destination: cage.BuildDir()}}); err != nil {
		t.Fatalf("second CopyIn failed: %v", err)
	}

	staged := filepath.Join(cage.BuildDir(), "sources")
	if _, err := os.Stat(filepath.Join(staged, "old.txt")); !os.IsNotExist(err) {
		t.Error("stale file survived the directory replacement")
	}
	if _, err := os.Stat(filepath.Join(staged, "new.txt")); err != nil {
		t.Errorf("replacement content missing: %v", err)
	}
}

func TestCopyInPreservesSymlinks(t *testing.T) {
	cage := openCage(t, newTestExecutor(t))

	srcRoot := t.TempDir()
	srcDir := filepath.Join(srcRoot, "tree")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "real.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("real.txt", filepath.Join(srcDir, "link.txt")); err != nil {
		t.Fatal(err)
	}

	if err := cage.CopyIn(context.Background(), []executor.TransferSpec{
		{Source: srcDir, Destination: cage.BuildDir()},
	}); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}

	link := filepath.Join(cage.BuildDir(), "tree", "link.txt")
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("staged link is not a symlink: %v", err)
	}
	if target != "real.txt" {
		t.Errorf("link target = %q, want %q", target, "real.txt")
	}
}

func TestCopyInMissingSource(t *testing.T) {
	cage := openCage(t, newTestExecutor(t))

	err := cage.CopyIn(context.Background(), []executor.TransferSpec{
		{Source: "/nonexistent/source", Destination: cage.BuildDir()},
	})
	if !executor.IsTransfer(err) {
		t.Fatalf("CopyIn error = %v, want *TransferError", err)
	}
}

func TestCopyOutMissingOutput(t *testing.T) {
	cage := openCage(t, newTestExecutor(t))
	ctx := context.Background()
	outDir := t.TempDir()

	if _, err := cage.Run(ctx, executor.RunSpec{
		Commands:        []string{"true"},
		TolerateMissing: []string{"*.log"},
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if err := cage.CopyOut(ctx, []executor.TransferSpec{
		{Source: filepath.Join(cage.BuildDir(), "install.log"), Destination: outDir},
	}); err != nil {
		t.Errorf("tolerated miss should not fail: %v", err)
	}

	err := cage.CopyOut(ctx, []executor.TransferSpec{
		{Source: filepath.Join(cage.BuildDir(), "pkg.rpm"), Destination: outDir},
	})
	if !executor.IsTransfer(err) {
		t.Fatalf("CopyOut error = %v, want *TransferError", err)
	}
}

func TestDestroyRemovesTree(t *testing.T) {
	e := newTestExecutor(t)
	cage, err := e.Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	root := cage.RootDir()

	if err := cage.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Error("cage directory should be gone after Destroy")
	}
}

func TestDestroyIdempotent(t *testing.T) {
	e := newTestExecutor(t)
	cage, err := e.Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := cage.Destroy(context.Background()); err != nil {
			t.Fatalf("Destroy call %d failed: %v", i+1, err)
		}
	}
}

func TestDestroyKeepsFailedCageWhenConfigured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Directory = t.TempDir()
	cfg.CleanOnError = false
	e := New(cfg, testLogger(t))

	cage, err := e.Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	root := cage.RootDir()

	if _, err := cage.Run(context.Background(), executor.RunSpec{Commands: []string{"false"}}); err == nil {
		t.Fatal("Run should have failed")
	}
	if err := cage.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Error("failed cage should survive when CleanOnError is off")
	}
}
