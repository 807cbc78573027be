package qubes

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/distforge/distforge/pkg/executor"
	"github.com/distforge/distforge/pkg/telemetry"
)

// fakeClientVM stands in for qrexec-client-vm. It answers the admin
// services with status-framed responses and records every call.
const fakeClientVM = `#!/bin/bash
echo "qrexec $*" >>"$DISTFORGE_FAKE_LOG"
case "$*" in
*admin.vm.CreateDisposable*)
  if [[ -n "$FAKE_DISP_FAIL" ]]; then
    printf '2\0QubesException\0no disposables available'
  else
    printf '0\0%s' "${FAKE_DISP_NAME:-disp8472}"
  fi
  ;;
*admin.vm.Kill*) printf '0\0' ;;
*FileCopy*)
  if [[ -n "$FAKE_COPY_FAIL" ]]; then
    echo "copy failed" >&2
    exit 1
  fi
  ;;
esac
exit 0
`

// fakeRunVM stands in for qvm-run-vm. Existence probes for paths
// containing "missing" report absence; everything else emits a line
// and exits with FAKE_RUN_EXIT.
const fakeRunVM = `#!/bin/bash
echo "qvm-run-vm $*" >>"$DISTFORGE_FAKE_LOG"
cmd="$3"
if [[ "$cmd" == *"test -e"* ]]; then
  [[ "$cmd" == *missing* ]] && exit 1
  exit 0
fi
echo "remote line"
exit "${FAKE_RUN_EXIT:-0}"
`

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	log, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func installFakeQrexec(t *testing.T) (string, Config) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "calls.log")
	for name, script := range map[string]string{
		"qrexec-client-vm": fakeClientVM,
		"qvm-run-vm":       fakeRunVM,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(script), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("DISTFORGE_FAKE_LOG", logPath)

	cfg := DefaultConfig()
	cfg.ClientVM = filepath.Join(dir, "qrexec-client-vm")
	cfg.RunVM = filepath.Join(dir, "qvm-run-vm")
	return logPath, cfg
}

func recordedCalls(t *testing.T, logPath string) []string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("no qrexec calls recorded: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func findCall(calls []string, substr string) string {
	for _, call := range calls {
		if strings.Contains(call, substr) {
			return call
		}
	}
	return ""
}

func countCalls(calls []string, substr string) int {
	n := 0
	for _, call := range calls {
		if strings.Contains(call, substr) {
			n++
		}
	}
	return n
}

func TestKind(t *testing.T) {
	if got := New(DefaultConfig(), testLogger(t)).Kind(); got != executor.KindQubes {
		t.Errorf("Kind() = %q, want %q", got, executor.KindQubes)
	}
}

func TestOpenCreatesDisposable(t *testing.T) {
	logPath, cfg := installFakeQrexec(t)
	e := New(cfg, testLogger(t))

	cage, err := e.Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if cage.RootDir() != "/builder" {
		t.Errorf("RootDir() = %q, want /builder", cage.RootDir())
	}

	calls := recordedCalls(t, logPath)
	if calls[0] != "qrexec -- dom0 admin.vm.CreateDisposable" {
		t.Errorf("unexpected first call: %s", calls[0])
	}
	setup := findCall(calls, "qvm-run-vm -- disp8472")
	for _, want := range []string{"sudo mkdir -p /builder", "sudo chown -R user:user /builder"} {
		if !strings.Contains(setup, want) {
			t.Errorf("setup call %q missing %q", setup, want)
		}
	}
}

func TestOpenRejectsInvalidDisposableName(t *testing.T) {
	_, cfg := installFakeQrexec(t)
	for _, name := range []string{"workvm", "disp12345", "disp", "disp1; rm"} {
		t.Setenv("FAKE_DISP_NAME", name)
		_, err := New(cfg, testLogger(t)).Open(context.Background())
		if err == nil || !strings.Contains(err.Error(), "invalid disposable qube name") {
			t.Errorf("Open with name %q: error = %v, want name rejection", name, err)
		}
	}
}

func TestOpenReportsAdminFailure(t *testing.T) {
	_, cfg := installFakeQrexec(t)
	t.Setenv("FAKE_DISP_FAIL", "1")

	_, err := New(cfg, testLogger(t)).Open(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no disposables available") {
		t.Errorf("Open error = %v, want the dom0 diagnostic", err)
	}
}

func TestRunBuildsShellCommand(t *testing.T) {
	logPath, cfg := installFakeQrexec(t)
	cage, err := New(cfg, testLogger(t)).Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	result, err := cage.Run(context.Background(), executor.RunSpec{
		Commands: []string{"make -C @BUILD_DIR@", "echo don't"},
		Env:      map[string]string{"DIST": "fc42"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Code != 0 {
		t.Errorf("Code = %d, want 0", result.Code)
	}
	if !strings.Contains(result.Stdout, "remote line") {
		t.Errorf("Stdout = %q, want streamed output", result.Stdout)
	}

	run := findCall(recordedCalls(t, logPath), "env DIST=")
	for _, want := range []string{
		"env DIST='fc42' bash -c ",
		"make -C /builder/build&&echo don'\\''t",
	} {
		if !strings.Contains(run, want) {
			t.Errorf("run call %q missing %q", run, want)
		}
	}
}

func TestRunNonZeroExit(t *testing.T) {
	_, cfg := installFakeQrexec(t)
	cage, err := New(cfg, testLogger(t)).Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Setenv("FAKE_RUN_EXIT", "5")

	result, err := cage.Run(context.Background(), executor.RunSpec{Commands: []string{"false"}})
	if !executor.IsExecution(err) {
		t.Fatalf("Run error = %v, want *ExecutionError", err)
	}
	if result.Code != 5 {
		t.Errorf("Code = %d, want 5", result.Code)
	}
}

func TestCopyInSequence(t *testing.T) {
	logPath, cfg := installFakeQrexec(t)
	cage, err := New(cfg, testLogger(t)).Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	src := filepath.Join(t.TempDir(), "input.txt")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := cage.CopyIn(context.Background(), []executor.TransferSpec{
		{Source: src, Destination: "/builder/distfiles"},
	}); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}

	calls := recordedCalls(t, logPath)
	prep := findCall(calls, "mkdir -p -- '/builder/distfiles'")
	if !strings.Contains(prep, "rm -rf -- '/builder/distfiles/input.txt'") {
		t.Errorf("prep call %q should clear the stale target", prep)
	}
	service := findCall(calls, "distforge.FileCopyIn+")
	if !strings.Contains(service, "distforge.FileCopyIn+-2Fbuilder-2Fdistfiles-2Finput.txt") {
		t.Errorf("service call %q missing the encoded target path", service)
	}
	if !strings.Contains(service, src) {
		t.Errorf("service call %q missing the agent source argument", service)
	}
}

func TestCopyInMissingSource(t *testing.T) {
	_, cfg := installFakeQrexec(t)
	cage, err := New(cfg, testLogger(t)).Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	err = cage.CopyIn(context.Background(), []executor.TransferSpec{
		{Source: "/nonexistent/source", Destination: "/builder/build"},
	})
	if !executor.IsTransfer(err) {
		t.Fatalf("CopyIn error = %v, want *TransferError", err)
	}
}

func TestCopyOutToleratesMissing(t *testing.T) {
	_, cfg := installFakeQrexec(t)
	cage, err := New(cfg, testLogger(t)).Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ctx := context.Background()
	if _, err := cage.Run(ctx, executor.RunSpec{
		Commands:        []string{"true"},
		TolerateMissing: []string{"*.log"},
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	out := t.TempDir()
	if err := cage.CopyOut(ctx, []executor.TransferSpec{
		{Source: "/builder/build/missing.log", Destination: out},
	}); err != nil {
		t.Errorf("tolerated miss should not fail: %v", err)
	}

	err = cage.CopyOut(ctx, []executor.TransferSpec{
		{Source: "/builder/build/missing.rpm", Destination: out},
	})
	if !executor.IsTransfer(err) {
		t.Fatalf("CopyOut error = %v, want *TransferError", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing output should unwrap to fs.ErrNotExist, got %v", err)
	}
}

func TestCopyOutInvokesUnpacker(t *testing.T) {
	logPath, cfg := installFakeQrexec(t)
	cage, err := New(cfg, testLogger(t)).Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	out := t.TempDir()
	if err := cage.CopyOut(context.Background(), []executor.TransferSpec{
		{Source: "/builder/build/pkg.rpm", Destination: out},
	}); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}

	service := findCall(recordedCalls(t, logPath), "distforge.FileCopyOut+")
	for _, want := range []string{
		"distforge.FileCopyOut+-2Fbuilder-2Fbuild-2Fpkg.rpm",
		strconv.Itoa(os.Getuid()) + " " + out,
	} {
		if !strings.Contains(service, want) {
			t.Errorf("service call %q missing %q", service, want)
		}
	}
}

func TestDestroyKillsDisposableOnce(t *testing.T) {
	logPath, cfg := installFakeQrexec(t)
	cage, err := New(cfg, testLogger(t)).Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := cage.Destroy(context.Background()); err != nil {
			t.Fatalf("Destroy call %d failed: %v", i+1, err)
		}
	}
	if n := countCalls(recordedCalls(t, logPath), "admin.vm.Kill"); n != 1 {
		t.Errorf("kill called %d times, want 1", n)
	}
}

func TestDestroyKeepsFailedDisposableWhenConfigured(t *testing.T) {
	logPath, cfg := installFakeQrexec(t)
	cfg.CleanOnError = false
	cage, err := New(cfg, testLogger(t)).Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Setenv("FAKE_RUN_EXIT", "1")
	if _, err := cage.Run(context.Background(), executor.RunSpec{Commands: []string{"false"}}); err == nil {
		t.Fatal("Run should have failed")
	}
	if err := cage.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if n := countCalls(recordedCalls(t, logPath), "admin.vm.Kill"); n != 0 {
		t.Errorf("failed disposable should be kept, kill called %d times", n)
	}
}
