package qubes

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"github.com/distforge/distforge/pkg/executor"
	"github.com/distforge/distforge/pkg/telemetry"
)

// Default locations of the qrexec tooling inside a Qubes VM.
const (
	DefaultClientVM = "/usr/lib/qubes/qrexec-client-vm"
	DefaultRunVM    = "/usr/bin/qvm-run-vm"
	DefaultAgent    = "/usr/lib/qubes/qfile-agent"
	DefaultUnpacker = "/usr/lib/qubes/qfile-unpacker"
)

// Disposable names handed back by dom0 follow a fixed shape. Anything
// else is treated as hostile and never used as a qrexec destination.
var dispName = regexp.MustCompile(`^disp[0-9]{1,4}$`)

// rpc drives qrexec calls from inside the build VM. Binary paths are
// carried explicitly so tests can point them at scripted stand-ins.
type rpc struct {
	clientVM string
	runVM    string
	log      *telemetry.Logger
}

// adminCall invokes an admin API service on dest and returns the
// payload of a successful status-framed response.
func (r *rpc) adminCall(ctx context.Context, dest, service string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, r.clientVM, "--", dest, service).Output()
	if err != nil {
		return nil, fmt.Errorf("qrexec call %s to %s failed: %w", service, dest, err)
	}
	payload, err := parseAdminResponse(out)
	if err != nil {
		return nil, fmt.Errorf("qrexec call %s to %s failed: %w", service, dest, err)
	}
	return payload, nil
}

// parseAdminResponse splits a "<code>\x00<payload>" admin response.
// Anything but status 0 carries the message, NUL-separated, as the
// diagnostic.
func parseAdminResponse(untrusted []byte) ([]byte, error) {
	if bytes.HasPrefix(untrusted, []byte("0\x00")) {
		return untrusted[2:], nil
	}
	msg := untrusted
	if len(msg) >= 2 {
		msg = msg[2:]
	}
	msg = bytes.ReplaceAll(msg, []byte{0}, []byte("; "))
	return nil, fmt.Errorf("status not ok: %s", telemetry.SanitizeLine(bytes.TrimSpace(msg)))
}

// createDisposable asks dom0 for a fresh disposable VM and validates
// the returned name before anyone uses it as a call destination.
func (r *rpc) createDisposable(ctx context.Context) (string, error) {
	payload, err := r.adminCall(ctx, "dom0", "admin.vm.CreateDisposable")
	if err != nil {
		return "", err
	}
	name := string(bytes.TrimSpace(payload))
	if !dispName.MatchString(name) {
		return "", fmt.Errorf("invalid disposable qube name: %s", telemetry.SanitizeLine([]byte(name)))
	}
	return name, nil
}

// kill powers off the VM through the admin API.
func (r *rpc) kill(ctx context.Context, vm string) error {
	_, err := r.adminCall(ctx, vm, "admin.vm.Kill")
	return err
}

// serviceCall invokes a qrexec service on vm with a local program
// attached to the data channel, the mechanism behind file transfers.
func (r *rpc) serviceCall(ctx context.Context, vm, service string, localProgram ...string) error {
	args := []string{"--filter-escape-chars-stderr", "--", vm, service}
	args = append(args, localProgram...)
	out, err := exec.CommandContext(ctx, r.clientVM, args...).CombinedOutput()
	if err != nil {
		trimmed := bytes.TrimSpace(out)
		if len(trimmed) == 0 {
			return fmt.Errorf("service %s failed: %w", service, err)
		}
		return fmt.Errorf("service %s failed: %w: %s", service, err, telemetry.SanitizeLine(trimmed))
	}
	return nil
}

// runCommand executes a shell command string inside vm, streaming its
// merged output. The remote exit status comes back as the local one.
func (r *rpc) runCommand(ctx context.Context, vm, command string, tail *executor.TailBuffer) error {
	cmd := exec.CommandContext(ctx, r.runVM, "--", vm, command)
	cmd.WaitDelay = 10 * time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return err
	}
	streamErr := executor.StreamLines(stdout, "qubes", r.log, tail)
	if err := cmd.Wait(); err != nil {
		return err
	}
	return streamErr
}
