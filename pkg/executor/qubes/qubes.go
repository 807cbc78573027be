// Package qubes runs build stages inside disposable Qubes OS VMs. The
// backend talks qrexec from inside the managing VM: the admin API
// creates and kills the disposable, qvm-run-vm carries commands, and
// the file copy services move artifacts with vmexec-encoded paths.
package qubes

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/distforge/distforge/pkg/executor"
	"github.com/distforge/distforge/pkg/telemetry"
)

// Builder VMs ship with an unprivileged default account.
const vmUser = "user"

// Service name prefixes for the file transfer RPCs. The disposable
// side resolves these to qfile endpoints.
const (
	copyInService  = "distforge.FileCopyIn"
	copyOutService = "distforge.FileCopyOut"
)

// Config holds the disposable-VM executor options. The binary paths
// exist so tests can substitute scripted qrexec tooling.
type Config struct {
	ClientVM string
	RunVM    string
	Agent    string
	Unpacker string
	// Clean kills the disposable after a successful run.
	Clean bool
	// CleanOnError kills the disposable after a failed run.
	CleanOnError bool
}

// DefaultConfig returns the standard qrexec tool locations with full
// cleanup enabled.
func DefaultConfig() Config {
	return Config{
		ClientVM:     DefaultClientVM,
		RunVM:        DefaultRunVM,
		Agent:        DefaultAgent,
		Unpacker:     DefaultUnpacker,
		Clean:        true,
		CleanOnError: true,
	}
}

// Validate checks that every tool path is set.
func (c Config) Validate() error {
	checks := []struct {
		name string
		path string
	}{
		{"qrexec client", c.ClientVM},
		{"qvm-run-vm", c.RunVM},
		{"qfile agent", c.Agent},
		{"qfile unpacker", c.Unpacker},
	}
	for _, check := range checks {
		if check.path == "" {
			return fmt.Errorf("%s path is required", check.name)
		}
	}
	return nil
}

// Executor opens cages backed by disposable Qubes VMs.
type Executor struct {
	cfg Config
	log *telemetry.Logger
}

// New creates a disposable-VM executor. A nil logger falls back to the
// process default.
func New(cfg Config, log *telemetry.Logger) *Executor {
	if log == nil {
		log = telemetry.FromContext(context.Background())
	}
	return &Executor{
		cfg: cfg,
		log: log.NewComponentLogger("executor").WithExecutor(string(executor.KindQubes)),
	}
}

// Kind reports the backend identity.
func (e *Executor) Kind() executor.Kind { return executor.KindQubes }

// Open creates a disposable VM and prepares the builder tree inside
// it. A disposable that fails preparation is killed before the error
// returns.
func (e *Executor) Open(ctx context.Context) (executor.Cage, error) {
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	r := &rpc{clientVM: e.cfg.ClientVM, runVM: e.cfg.RunVM, log: e.log}
	name, err := r.createDisposable(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create disposable: %w", err)
	}

	c := &cage{
		BuilderTree: executor.BuilderTree{Root: executor.DefaultBuilderRoot},
		rpc:         r,
		vm:          name,
		agent:       e.cfg.Agent,
		unpacker:    e.cfg.Unpacker,
		policy:      executor.CleanPolicy{Clean: e.cfg.Clean, CleanOnError: e.cfg.CleanOnError},
		log:         e.log.WithCageID(name),
	}
	c.rpc.log = c.log

	dirs := append([]string{c.RootDir()}, c.Subdirs()...)
	setup := fmt.Sprintf("sudo mkdir -p %s && sudo chown -R %s:%s %s",
		strings.Join(dirs, " "), vmUser, vmUser, c.RootDir())
	if err := r.runCommand(ctx, name, setup, executor.NewTailBuffer(0)); err != nil {
		_ = r.kill(context.WithoutCancel(ctx), name)
		return nil, fmt.Errorf("failed to prepare builder tree in %s: %w", name, err)
	}
	c.log.Debugf("created disposable %s", name)
	return c, nil
}

type cage struct {
	executor.BuilderTree
	rpc      *rpc
	vm       string
	agent    string
	unpacker string
	policy   executor.CleanPolicy
	state    executor.Lifecycle
	tolerate []string
	log      *telemetry.Logger
}

// CopyIn stages each source into the disposable: the destination
// directory is created, a stale target with the same name removed, and
// the payload sent through the copy-in service with the target path as
// encoded service argument.
func (c *cage) CopyIn(ctx context.Context, plan []executor.TransferSpec) error {
	for _, spec := range executor.NormalizePlan(plan) {
		if err := ctx.Err(); err != nil {
			c.state.MarkFailed()
			return err
		}
		if _, err := os.Stat(spec.Source); err != nil {
			c.state.MarkFailed()
			return &executor.TransferError{Direction: "copy-in", Path: spec.Source, Err: err}
		}
		target := path.Join(spec.Destination, filepath.Base(spec.Source))
		prep := fmt.Sprintf("mkdir -p -- %s && rm -rf -- %s",
			executor.ShellQuote(spec.Destination), executor.ShellQuote(target))
		if err := c.rpc.runCommand(ctx, c.vm, prep, executor.NewTailBuffer(0)); err != nil {
			c.state.MarkFailed()
			return &executor.TransferError{Direction: "copy-in", Path: spec.Source, Err: err}
		}
		c.log.Debugf("copying %s to %s", spec.Source, spec.Destination)
		service := copyInService + "+" + Encode(target)
		if err := c.rpc.serviceCall(ctx, c.vm, service, c.agent, spec.Source); err != nil {
			c.state.MarkFailed()
			return &executor.TransferError{Direction: "copy-in", Path: spec.Source, Err: err}
		}
	}
	return nil
}

// Run executes the command chain inside the disposable through
// qvm-run-vm, with the environment and placeholder rewriting folded
// into a single quoted shell string.
func (c *cage) Run(ctx context.Context, spec executor.RunSpec) (*executor.ExitResult, error) {
	c.tolerate = spec.TolerateMissing
	command := executor.RenderCommand(c, spec)
	shell := executor.ShellCommand(spec.Env, command)

	tail := executor.NewTailBuffer(0)
	start := time.Now()
	err := c.rpc.runCommand(ctx, c.vm, shell, tail)
	duration := time.Since(start)

	result := &executor.ExitResult{Stdout: tail.String(), Duration: duration}
	if err == nil {
		return result, nil
	}
	c.state.MarkFailed()
	result.Code = -1
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return result, &executor.ExecutionTimeout{Command: command, Elapsed: duration}
		}
		return result, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.Code = exitErr.ExitCode()
		return result, &executor.ExecutionError{Command: command, Code: result.Code}
	}
	return result, &executor.ExecutionError{Command: command, Code: -1, Err: err}
}

// CopyOut collects outputs through the copy-out service. A missing
// remote path is checked explicitly so tolerated misses skip cleanly
// instead of masking transfer failures.
func (c *cage) CopyOut(ctx context.Context, plan []executor.TransferSpec) error {
	for _, spec := range executor.NormalizePlan(plan) {
		if err := ctx.Err(); err != nil {
			c.state.MarkFailed()
			return err
		}
		exists, err := c.remoteExists(ctx, spec.Source)
		if err != nil {
			c.state.MarkFailed()
			return &executor.TransferError{Direction: "copy-out", Path: spec.Source, Err: err}
		}
		if !exists {
			if executor.ToleratesMiss(c.tolerate, spec.Source) {
				c.log.Debugf("no output to collect at %s", spec.Source)
				continue
			}
			c.state.MarkFailed()
			return &executor.TransferError{Direction: "copy-out", Path: spec.Source, Err: fs.ErrNotExist}
		}
		if err := os.MkdirAll(spec.Destination, 0o755); err != nil {
			c.state.MarkFailed()
			return &executor.TransferError{Direction: "copy-out", Path: spec.Source, Err: err}
		}
		c.log.Debugf("collecting %s to %s", spec.Source, spec.Destination)
		service := copyOutService + "+" + Encode(spec.Source)
		err = c.rpc.serviceCall(ctx, c.vm, service,
			c.unpacker, strconv.Itoa(os.Getuid()), spec.Destination)
		if err != nil {
			c.state.MarkFailed()
			return &executor.TransferError{Direction: "copy-out", Path: spec.Source, Err: err}
		}
	}
	return nil
}

// Destroy kills the disposable unless the clean policy keeps it for
// inspection. Kill failures are logged, not returned: the VM may
// already be gone.
func (c *cage) Destroy(ctx context.Context) error {
	if !c.state.BeginDestroy() {
		return nil
	}
	if !c.policy.ShouldRemove(c.state.Failed()) {
		c.log.Debugf("keeping disposable %s", c.vm)
		return nil
	}
	if err := c.rpc.kill(context.WithoutCancel(ctx), c.vm); err != nil {
		c.log.WithError(err).Warnf("failed to kill disposable %s", c.vm)
	}
	return nil
}

// remoteExists probes a path inside the disposable.
func (c *cage) remoteExists(ctx context.Context, p string) (bool, error) {
	err := c.rpc.runCommand(ctx, c.vm, "test -e "+executor.ShellQuote(p), executor.NewTailBuffer(0))
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}
