// Package executor defines the contract between the build pipeline and the
// environments where stage commands actually run. An Executor allocates
// ephemeral cages; a Cage stages inputs, runs a single command batch, and
// hands collected outputs back. Cages are single-use: one stage invocation
// per cage, destroyed on every exit path.
//
// Backends live in the subpackages local, container, qubes, and sshexec.
// They share the directory layout, placeholder substitution, teardown
// bookkeeping, and error taxonomy defined here.
package executor

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// Kind identifies an executor backend. The set is closed: configuration
// naming any other value is rejected before execution starts.
type Kind string

const (
	// KindLocal runs commands in a temp-dir cage on the host itself.
	KindLocal Kind = "local"

	// KindDocker runs commands in a privileged Docker container.
	KindDocker Kind = "docker"

	// KindPodman runs commands in a privileged Podman container.
	KindPodman Kind = "podman"

	// KindQubes runs commands in a disposable Qubes VM over qrexec.
	KindQubes Kind = "qubes"

	// KindSSH runs commands on a remote build machine over ssh+sftp.
	KindSSH Kind = "ssh"
)

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k, nil
}

// Validate checks that the kind is one of the supported backends.
func (k Kind) Validate() error {
	switch k {
	case KindLocal, KindDocker, KindPodman, KindQubes, KindSSH:
		return nil
	default:
		return fmt.Errorf("unknown executor kind: %q", string(k))
	}
}

// String returns the configuration spelling of the kind.
func (k Kind) String() string {
	return string(k)
}

// IsContainer reports whether the kind is one of the container clients.
func (k Kind) IsContainer() bool {
	return k == KindDocker || k == KindPodman
}

// Executor allocates cages for one backend.
type Executor interface {
	// Open allocates a fresh cage. The cage is not reused across stage
	// invocations; callers must Destroy it on every exit path.
	Open(ctx context.Context) (Cage, error)

	// Kind identifies the backend.
	Kind() Kind
}

// Cage is an ephemeral execution context backed by a builder directory
// tree. The expected call sequence is CopyIn, Run, CopyOut, Destroy;
// Destroy alone must be safe at any point after Open, including after
// partial setup, and must be idempotent.
type Cage interface {
	// CopyIn stages local inputs into the cage. Each spec's source is
	// copied into its destination directory keeping the base name. A
	// missing local source or a backend copy failure is a *TransferError.
	CopyIn(ctx context.Context, plan []TransferSpec) error

	// Run executes the spec's command list to completion as a single
	// shell invocation, streaming sanitized output line by line through
	// the cage logger. A non-zero exit is an *ExecutionError; hitting the
	// context deadline kills the workload and yields an *ExecutionTimeout.
	Run(ctx context.Context, spec RunSpec) (*ExitResult, error)

	// CopyOut collects outputs from the cage. A missing source is a
	// *TransferError unless the run spec declared it tolerable.
	CopyOut(ctx context.Context, plan []TransferSpec) error

	// Destroy tears the cage down, honoring the clean policy. It never
	// returns an error for an already-destroyed cage.
	Destroy(ctx context.Context) error

	// RootDir is the builder directory inside the cage.
	RootDir() string
	BuildDir() string
	PluginsDir() string
	DistfilesDir() string
	CacheDir() string
	RepositoryDir() string
}

// TransferSpec describes one copy between the host and the cage. Source
// names a file or directory; it lands inside Destination under its own
// base name. Copying a directory replaces any previous directory of the
// same name at the destination.
type TransferSpec struct {
	// Source is the path being copied. For CopyIn it is a host path, for
	// CopyOut a path inside the cage.
	Source string

	// Destination is the directory receiving the copy, created if absent.
	Destination string
}

// NormalizePlan deduplicates a transfer plan and orders it by destination,
// then source. Backends apply it so that staging into nested directories
// happens parent-first and repeated runs issue identical command streams.
func NormalizePlan(plan []TransferSpec) []TransferSpec {
	seen := make(map[TransferSpec]struct{}, len(plan))
	out := make([]TransferSpec, 0, len(plan))
	for _, spec := range plan {
		if _, dup := seen[spec]; dup {
			continue
		}
		seen[spec] = struct{}{}
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Destination != out[j].Destination {
			return out[i].Destination < out[j].Destination
		}
		return out[i].Source < out[j].Source
	})
	return out
}

// RunSpec is the command batch for a single Run call.
type RunSpec struct {
	// Commands are shell command strings, joined with "&&" into one
	// bash -c invocation inside the cage.
	Commands []string

	// Env is added on top of the backend's base environment.
	Env map[string]string

	// PlaceholderFiles are paths inside the cage whose contents still
	// carry @BUILDER_DIR@ markers; the backend rewrites them in place
	// before Commands run.
	PlaceholderFiles []string

	// TolerateMissing lists output patterns whose absence at copy-out
	// time is not an error. See ToleratesMiss for the matching rule.
	TolerateMissing []string
}

// Command returns the final shell string Run executes.
func (s RunSpec) Command() string {
	return strings.Join(s.Commands, "&&")
}

// ExitResult describes a completed Run.
type ExitResult struct {
	// Code is the command's exit status.
	Code int

	// Stdout holds a bounded tail of the output stream; the full stream
	// goes through the cage logger as it is produced.
	Stdout string

	// Stderr holds a bounded tail of the error stream for backends that
	// keep it separate. Backends that merge streams leave it empty.
	Stderr string

	// Duration is the wall-clock time of the run.
	Duration time.Duration
}

// ToleratesMiss reports whether a missing copy-out source is acceptable
// under the run spec's tolerated patterns. A pattern matches when it globs
// the source's base name or occurs verbatim inside it.
func ToleratesMiss(patterns []string, source string) bool {
	base := path.Base(source)
	for _, p := range patterns {
		if ok, err := path.Match(p, base); err == nil && ok {
			return true
		}
		if strings.Contains(base, p) {
			return true
		}
	}
	return false
}

// DefaultBuilderRoot is the builder directory used by backends whose cage
// has its own filesystem namespace.
const DefaultBuilderRoot = "/builder"

// BuilderTree derives the standard cage directory layout from a builder
// root. Backends embed it to satisfy the directory accessors of Cage.
type BuilderTree struct {
	Root string
}

// RootDir is the builder directory itself.
func (t BuilderTree) RootDir() string { return t.Root }

// BuildDir holds per-stage working trees.
func (t BuilderTree) BuildDir() string { return path.Join(t.Root, "build") }

// PluginsDir holds the staged plugin payloads.
func (t BuilderTree) PluginsDir() string { return path.Join(t.Root, "plugins") }

// DistfilesDir holds downloaded upstream sources.
func (t BuilderTree) DistfilesDir() string { return path.Join(t.Root, "distfiles") }

// CacheDir holds backend-local caches that survive a single run call.
func (t BuilderTree) CacheDir() string { return path.Join(t.Root, "cache") }

// RepositoryDir holds the local package repository seen by builds.
func (t BuilderTree) RepositoryDir() string { return path.Join(t.Root, "repository") }

// Subdirs lists every directory a backend must create when preparing the
// builder root.
func (t BuilderTree) Subdirs() []string {
	return []string{
		t.BuildDir(),
		t.PluginsDir(),
		t.DistfilesDir(),
		t.CacheDir(),
		t.RepositoryDir(),
	}
}
