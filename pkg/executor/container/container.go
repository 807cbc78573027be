// Package container runs build stages inside single-use docker or
// podman containers. The container is created when the cage opens and
// started exactly once with an entry script assembled from the run
// request, so staging, execution, and collection map onto the client's
// cp, start, and wait verbs.
package container

import (
	"bytes"
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

	"github.com/google/uuid"

	"github.com/distforge/distforge/pkg/executor"
	"github.com/distforge/distforge/pkg/telemetry"
)

// entryScript is the fixed command every cage container is created
// with. Run writes the actual script before starting the container.
const entryScript = "/builder/.cage-entry.sh"

// Config holds the container executor options.
type Config struct {
	// Client selects the container runtime binary, docker or podman.
	Client string
	// Image is the build image, pulled when not already present.
	Image string
	// User and Group receive ownership of the builder tree inside the
	// container before the stage commands run.
	User  string
	Group string
	// Clean removes the container after a successful run.
	Clean bool
	// CleanOnError removes the container after a failed run.
	CleanOnError bool
}

// DefaultConfig returns the container options used when the builder
// configuration does not override them.
func DefaultConfig() Config {
	return Config{
		Client:       "docker",
		Image:        "distforge-fedora:latest",
		User:         "user",
		Group:        "user",
		Clean:        true,
		CleanOnError: true,
	}
}

// Validate checks that the configuration names a supported client and
// an image.
func (c Config) Validate() error {
	switch c.Client {
	case "docker", "podman":
	default:
		return fmt.Errorf("unsupported container client: %s", c.Client)
	}
	if c.Image == "" {
		return errors.New("container image is required")
	}
	if c.User == "" || c.Group == "" {
		return errors.New("container user and group are required")
	}
	return nil
}

// Executor opens cages backed by docker or podman containers.
type Executor struct {
	cfg Config
	log *telemetry.Logger
}

// New creates a container executor. A nil logger falls back to the
// process default.
func New(cfg Config, log *telemetry.Logger) *Executor {
	if log == nil {
		log = telemetry.FromContext(context.Background())
	}
	return &Executor{
		cfg: cfg,
		log: log.NewComponentLogger("executor").WithExecutor(cfg.Client),
	}
}

// Kind reports which container runtime this executor drives.
func (e *Executor) Kind() executor.Kind {
	if e.cfg.Client == "podman" {
		return executor.KindPodman
	}
	return executor.KindDocker
}

// Open creates a privileged container from the configured image and
// pre-creates the builder tree inside it. The container is not started
// until Run supplies the stage commands.
func (e *Executor) Open(ctx context.Context) (executor.Cage, error) {
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	bin, err := exec.LookPath(e.cfg.Client)
	if err != nil {
		return nil, fmt.Errorf("container client %s not found: %w", e.cfg.Client, err)
	}
	if err := e.ensureImage(ctx, bin); err != nil {
		return nil, err
	}

	name := "distforge-" + uuid.NewString()[:8]
	// Image builds set up loop devices, hence privileged plus the
	// loop-control node.
	_, err = runClient(ctx, bin,
		"create",
		"--name", name,
		"--privileged",
		"--device", "/dev/loop-control:/dev/loop-control",
		"--entrypoint", "bash",
		e.cfg.Image,
		entryScript,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	c := &cage{
		BuilderTree: executor.BuilderTree{Root: executor.DefaultBuilderRoot},
		bin:         bin,
		name:        name,
		user:        e.cfg.User,
		group:       e.cfg.Group,
		policy:      executor.CleanPolicy{Clean: e.cfg.Clean, CleanOnError: e.cfg.CleanOnError},
		log:         e.log.WithCageID(name),
	}
	if err := c.ensureDirs(ctx, append([]string{c.RootDir()}, c.Subdirs()...)...); err != nil {
		_, _ = runClient(ctx, bin, "rm", "-f", name)
		return nil, fmt.Errorf("failed to prepare builder tree: %w", err)
	}
	c.log.Debugf("created container from image %s", e.cfg.Image)
	return c, nil
}

// ensureImage pulls the configured image unless it is already known to
// the client.
func (e *Executor) ensureImage(ctx context.Context, bin string) error {
	if _, err := runClient(ctx, bin, "image", "inspect", e.cfg.Image); err == nil {
		return nil
	}
	e.log.Infof("pulling image %s", e.cfg.Image)
	if _, err := runClient(ctx, bin, "pull", e.cfg.Image); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", e.cfg.Image, err)
	}
	return nil
}

type cage struct {
	executor.BuilderTree
	bin      string
	name     string
	user     string
	group    string
	policy   executor.CleanPolicy
	state    executor.Lifecycle
	tolerate []string
	log      *telemetry.Logger
}

// CopyIn stages sources into the container with the client's cp verb.
// The client does not create missing destination directories, so each
// destination chain is copied in as empty directories first.
func (c *cage) CopyIn(ctx context.Context, plan []executor.TransferSpec) error {
	for _, spec := range executor.NormalizePlan(plan) {
		if err := ctx.Err(); err != nil {
			c.state.MarkFailed()
			return err
		}
		if err := c.ensureDirs(ctx, spec.Destination); err != nil {
			c.state.MarkFailed()
			return &executor.TransferError{Direction: "copy-in", Path: spec.Source, Err: err}
		}
		c.log.Debugf("copying %s to %s", spec.Source, spec.Destination)
		if out, err := runClient(ctx, c.bin, "cp", spec.Source, c.name+":"+spec.Destination); err != nil {
			c.state.MarkFailed()
			if missingFromOutput(out) {
				err = fs.ErrNotExist
			}
			return &executor.TransferError{Direction: "copy-in", Path: spec.Source, Err: err}
		}
	}
	return nil
}

// Run writes the entry script, copies it into the container, and
// starts the container while streaming its output. The exit status is
// read back with the client's wait verb.
func (c *cage) Run(ctx context.Context, spec executor.RunSpec) (*executor.ExitResult, error) {
	c.tolerate = spec.TolerateMissing
	command := c.renderCommand(spec)

	if err := c.writeEntryScript(ctx, spec, command); err != nil {
		c.state.MarkFailed()
		return nil, &executor.ExecutionError{Command: command, Code: -1, Err: err}
	}

	cmd := exec.CommandContext(ctx, c.bin, "start", "--attach", c.name)
	cmd.WaitDelay = 10 * time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.state.MarkFailed()
		return nil, &executor.ExecutionError{Command: command, Code: -1, Err: err}
	}
	cmd.Stderr = cmd.Stdout

	tail := executor.NewTailBuffer(0)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		c.state.MarkFailed()
		return nil, &executor.ExecutionError{Command: command, Code: -1, Err: err}
	}
	streamErr := executor.StreamLines(stdout, "container", c.log, tail)
	waitErr := cmd.Wait()
	duration := time.Since(start)

	result := &executor.ExitResult{Stdout: tail.String(), Duration: duration}
	if ctxErr := ctx.Err(); ctxErr != nil {
		c.state.MarkFailed()
		// The client process died with the context but the container
		// is still running.
		_, _ = runClient(context.WithoutCancel(ctx), c.bin, "kill", c.name)
		result.Code = -1
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return result, &executor.ExecutionTimeout{Command: command, Elapsed: duration}
		}
		return result, ctxErr
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			c.state.MarkFailed()
			return result, &executor.ExecutionError{Command: command, Code: -1, Err: waitErr}
		}
	}
	if streamErr != nil {
		c.state.MarkFailed()
		return result, &executor.ExecutionError{Command: command, Code: -1, Err: streamErr}
	}

	code, err := c.exitCode(ctx)
	if err != nil {
		c.state.MarkFailed()
		return result, &executor.ExecutionError{Command: command, Code: -1, Err: err}
	}
	result.Code = code
	if code != 0 {
		c.state.MarkFailed()
		return result, &executor.ExecutionError{Command: command, Code: code}
	}
	return result, nil
}

// CopyOut collects build results from the stopped container.
func (c *cage) CopyOut(ctx context.Context, plan []executor.TransferSpec) error {
	for _, spec := range executor.NormalizePlan(plan) {
		if err := ctx.Err(); err != nil {
			c.state.MarkFailed()
			return err
		}
		if err := os.MkdirAll(spec.Destination, 0o755); err != nil {
			c.state.MarkFailed()
			return &executor.TransferError{Direction: "copy-out", Path: spec.Source, Err: err}
		}
		out, err := runClient(ctx, c.bin, "cp", c.name+":"+spec.Source, spec.Destination)
		if err == nil {
			c.log.Debugf("collected %s to %s", spec.Source, spec.Destination)
			continue
		}
		if missingFromOutput(out) {
			if executor.ToleratesMiss(c.tolerate, spec.Source) {
				c.log.Debugf("no output to collect at %s", spec.Source)
				continue
			}
			err = fs.ErrNotExist
		}
		c.state.MarkFailed()
		return &executor.TransferError{Direction: "copy-out", Path: spec.Source, Err: err}
	}
	return nil
}

// Destroy removes the container unless the clean policy keeps it for
// inspection. Removal is forced so a container stuck running after a
// cancelled run goes away too.
func (c *cage) Destroy(ctx context.Context) error {
	if !c.state.BeginDestroy() {
		return nil
	}
	if !c.policy.ShouldRemove(c.state.Failed()) {
		c.log.Debugf("keeping container %s", c.name)
		return nil
	}
	if out, err := runClient(ctx, c.bin, "rm", "-f", c.name); err != nil {
		if missingFromOutput(out) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", c.name, err)
	}
	return nil
}

// ensureDirs materializes absolute directory paths inside the
// container by staging the same chain of empty directories in a local
// scratch directory and copying it over the container root.
func (c *cage) ensureDirs(ctx context.Context, dirs ...string) error {
	scratch, err := os.MkdirTemp("", "distforge-dirs-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	for _, dir := range dirs {
		rel := strings.TrimPrefix(path.Clean(dir), "/")
		if rel == "" || rel == "." {
			continue
		}
		if err := os.MkdirAll(filepath.Join(scratch, filepath.FromSlash(rel)), 0o755); err != nil {
			return err
		}
	}
	_, err = runClient(ctx, c.bin, "cp", scratch+string(os.PathSeparator)+".", c.name+":/")
	return err
}

// renderCommand builds the command chain executed inside the
// container: tree ownership handoff, placeholder rewriting of staged
// files, then the stage commands.
func (c *cage) renderCommand(spec executor.RunSpec) string {
	setup := []string{
		"sudo mkdir -p " + strings.Join(c.Subdirs(), " "),
		fmt.Sprintf("sudo chown -R %s:%s %s", c.user, c.group, c.RootDir()),
	}
	return strings.Join(append(setup, executor.RenderCommand(c, spec)), "&&")
}

// writeEntryScript renders the run request into the container's entry
// script and copies it into place.
func (c *cage) writeEntryScript(ctx context.Context, spec executor.RunSpec, command string) error {
	script, err := os.CreateTemp("", "distforge-entry-")
	if err != nil {
		return err
	}
	defer os.Remove(script.Name())

	content := executor.ShellExports(spec.Env) + command + "\n"
	if _, err := script.WriteString(content); err != nil {
		script.Close()
		return err
	}
	if err := script.Close(); err != nil {
		return err
	}
	_, err = runClient(ctx, c.bin, "cp", script.Name(), c.name+":"+entryScript)
	return err
}

// exitCode reads the container's exit status.
func (c *cage) exitCode(ctx context.Context) (int, error) {
	out, err := runClient(ctx, c.bin, "wait", c.name)
	if err != nil {
		return -1, err
	}
	code, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return -1, fmt.Errorf("unexpected wait output: %s", strings.TrimSpace(out))
	}
	return code, nil
}

// runClient invokes the container client and returns its combined
// output. Errors carry a sanitized copy of the output because client
// diagnostics end up in user-facing messages.
func runClient(ctx context.Context, bin string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if err != nil {
		trimmed := bytes.TrimSpace(out)
		if len(trimmed) == 0 {
			return string(out), fmt.Errorf("%s %s: %w", filepath.Base(bin), args[0], err)
		}
		return string(out), fmt.Errorf("%s %s: %w: %s",
			filepath.Base(bin), args[0], err, telemetry.SanitizeLine(trimmed))
	}
	return string(out), nil
}

// missingFromOutput reports whether client output describes a path or
// container that does not exist. Docker and podman word this
// differently, so the match is loose.
func missingFromOutput(out string) bool {
	lower := strings.ToLower(out)
	return strings.Contains(lower, "no such") ||
		strings.Contains(lower, "does not exist") ||
		strings.Contains(lower, "not found")
}
