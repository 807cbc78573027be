// Package local implements the temp-dir executor backend. Each cage is a
// fresh directory under the configured temp root; commands run on the host
// itself through a single bash -c invocation, so this backend is the only
// one suitable for stages that must see the real artifacts tree (publish,
// upload).
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/distforge/distforge/pkg/executor"
	"github.com/distforge/distforge/pkg/telemetry"
)

// Config holds local backend settings.
type Config struct {
	// Directory is the temp root receiving cage directories.
	Directory string

	// Clean removes the cage directory after a successful run.
	Clean bool

	// CleanOnError removes the cage directory after a failed run.
	CleanOnError bool
}

// DefaultConfig returns the backend defaults.
func DefaultConfig() Config {
	return Config{
		Directory:    "/tmp",
		Clean:        true,
		CleanOnError: true,
	}
}

// Executor allocates temp-dir cages on the host.
type Executor struct {
	cfg Config
	log *telemetry.Logger
}

// New creates a local executor. A nil logger falls back to the default.
func New(cfg Config, log *telemetry.Logger) *Executor {
	if cfg.Directory == "" {
		cfg.Directory = "/tmp"
	}
	if log == nil {
		log = telemetry.FromContext(context.Background())
	}
	return &Executor{
		cfg: cfg,
		log: log.NewComponentLogger("executor").WithExecutor(string(executor.KindLocal)),
	}
}

// Kind identifies the backend.
func (e *Executor) Kind() executor.Kind {
	return executor.KindLocal
}

// Open allocates a cage directory with the standard builder layout. A
// name collision under the temp root aborts instead of reusing a
// directory this process did not create.
func (e *Executor) Open(ctx context.Context) (executor.Cage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	suffix := uuid.NewString()[:8]
	tempDir := filepath.Join(e.cfg.Directory, "distforge-"+suffix)

	if err := os.MkdirAll(e.cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp root: %w", err)
	}
	if err := os.Mkdir(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cage directory: %w", err)
	}

	tree := executor.BuilderTree{Root: filepath.Join(tempDir, "builder")}
	for _, dir := range append([]string{tree.RootDir()}, tree.Subdirs()...) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = os.RemoveAll(tempDir)
			return nil, fmt.Errorf("failed to create builder directory: %w", err)
		}
	}

	log := e.log.WithCageID(suffix)
	log.Debugf("opened cage %s", tree.RootDir())

	return &cage{
		BuilderTree: tree,
		tempDir:     tempDir,
		policy: executor.CleanPolicy{
			Clean:        e.cfg.Clean,
			CleanOnError: e.cfg.CleanOnError,
		},
		log: log,
	}, nil
}

// cage is a single-use temp-dir execution context.
type cage struct {
	executor.BuilderTree

	tempDir  string
	policy   executor.CleanPolicy
	state    executor.Lifecycle
	log      *telemetry.Logger
	tolerate []string
}

// CopyIn stages local inputs into the cage.
func (c *cage) CopyIn(ctx context.Context, plan []executor.TransferSpec) error {
	for _, spec := range executor.NormalizePlan(plan) {
		if err := ctx.Err(); err != nil {
			c.state.MarkFailed()
			return err
		}
		if err := copyInto(spec.Source, spec.Destination); err != nil {
			c.state.MarkFailed()
			return &executor.TransferError{Direction: "copy-in", Path: spec.Source, Err: err}
		}
	}
	return nil
}

// Run executes the command batch through bash -c, with placeholder
// substitution applied to both staged files and the command string.
func (c *cage) Run(ctx context.Context, spec executor.RunSpec) (*executor.ExitResult, error) {
	c.tolerate = spec.TolerateMissing

	script := executor.RenderCommand(c, spec)
	c.log.Debugf("running '%s'", script)

	cmd := exec.CommandContext(ctx, "bash", "-c", script)
	cmd.Dir = c.RootDir()
	cmd.Env = mergedEnv(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 10 * time.Second
	cmd.Cancel = func() error {
		// Kill the whole process group, not just bash.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.state.MarkFailed()
		return nil, &executor.ExecutionError{Command: script, Code: -1, Err: err}
	}
	cmd.Stderr = cmd.Stdout

	start := time.Now()
	if err := cmd.Start(); err != nil {
		c.state.MarkFailed()
		return nil, &executor.ExecutionError{Command: script, Code: -1, Err: err}
	}

	tail := executor.NewTailBuffer(executor.DefaultTailCapacity)
	streamErr := executor.StreamLines(stdout, "stdout", c.log, tail)
	waitErr := cmd.Wait()
	duration := time.Since(start)

	result := &executor.ExitResult{Stdout: tail.String(), Duration: duration}

	if waitErr != nil {
		c.state.MarkFailed()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return result, &executor.ExecutionTimeout{Command: script, Elapsed: duration}
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.Code = exitErr.ExitCode()
			return result, &executor.ExecutionError{Command: script, Code: result.Code}
		}
		return result, &executor.ExecutionError{Command: script, Code: -1, Err: waitErr}
	}
	if streamErr != nil {
		c.state.MarkFailed()
		return result, &executor.ExecutionError{Command: script, Code: -1, Err: streamErr}
	}
	return result, nil
}

// CopyOut collects outputs from the cage.
func (c *cage) CopyOut(ctx context.Context, plan []executor.TransferSpec) error {
	for _, spec := range executor.NormalizePlan(plan) {
		if err := ctx.Err(); err != nil {
			c.state.MarkFailed()
			return err
		}
		if _, err := os.Stat(spec.Source); err != nil {
			if os.IsNotExist(err) && executor.ToleratesMiss(c.tolerate, spec.Source) {
				c.log.Debugf("output not produced: %s", spec.Source)
				continue
			}
			c.state.MarkFailed()
			return &executor.TransferError{Direction: "copy-out", Path: spec.Source, Err: err}
		}
		if err := copyInto(spec.Source, spec.Destination); err != nil {
			c.state.MarkFailed()
			return &executor.TransferError{Direction: "copy-out", Path: spec.Source, Err: err}
		}
	}
	return nil
}

// Destroy removes the cage directory, escalating to sudo when plain
// removal hits a permission error (build steps can leave root-owned
// files behind).
func (c *cage) Destroy(ctx context.Context) error {
	if !c.state.BeginDestroy() {
		return nil
	}
	if !c.policy.ShouldRemove(c.state.Failed()) {
		c.log.Debugf("keeping cage directory %s", c.tempDir)
		return nil
	}

	err := os.RemoveAll(c.tempDir)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("failed to clean cage directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sudo", "--non-interactive", "rm", "-rf", "--", c.tempDir)
	if out, sudoErr := cmd.CombinedOutput(); sudoErr != nil {
		return fmt.Errorf("failed to clean cage directory %s: %v: %s",
			c.tempDir, sudoErr, telemetry.SanitizeLine(bytes.TrimSpace(out)))
	}
	return nil
}

// mergedEnv layers the requested variables over the inherited environment
// instead of replacing it. Returns nil (inherit as-is) when nothing is
// requested.
func mergedEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// copyInto copies a file or directory into destDir under its base name.
// An existing directory of the same name is replaced, matching the
// replace-not-merge contract of TransferSpec.
func copyInto(source, destDir string) error {
	info, err := os.Stat(source)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	target := filepath.Join(destDir, filepath.Base(source))
	if info.IsDir() {
		if err := os.RemoveAll(target); err != nil {
			return err
		}
		return copyTree(source, target)
	}
	return copyFile(source, target, info)
}

// copyTree copies a directory recursively, preserving symlinks as links.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
		return err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		s := filepath.Join(src, entry.Name())
		d := filepath.Join(dst, entry.Name())
		switch {
		case entry.Type()&os.ModeSymlink != 0:
			link, err := os.Readlink(s)
			if err != nil {
				return err
			}
			if err := os.Symlink(link, d); err != nil {
				return err
			}
		case entry.IsDir():
			if err := copyTree(s, d); err != nil {
				return err
			}
		default:
			fi, err := entry.Info()
			if err != nil {
				return err
			}
			if err := copyFile(s, d, fi); err != nil {
				return err
			}
		}
	}
	return nil
}

// copyFile copies one regular file preserving its permission bits.
func copyFile(src, dst string, info os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
