// Package sshexec runs build stages on a remote host over SSH. Each
// cage is a throwaway directory under the configured remote parent;
// files move over SFTP and commands run through one shell invocation
// per stage.
package sshexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/distforge/distforge/pkg/executor"
	"github.com/distforge/distforge/pkg/telemetry"
)

// Executor opens cages on a remote build host.
type Executor struct {
	cfg Config
	log *telemetry.Logger
}

// New creates an SSH executor. A nil logger falls back to the process
// default.
func New(cfg Config, log *telemetry.Logger) *Executor {
	if log == nil {
		log = telemetry.FromContext(context.Background())
	}
	return &Executor{
		cfg: cfg,
		log: log.NewComponentLogger("executor").WithExecutor(string(executor.KindSSH)),
	}
}

// Kind reports the backend identity.
func (e *Executor) Kind() executor.Kind { return executor.KindSSH }

// Open connects to the remote host and creates a fresh cage directory
// with the builder tree inside it.
func (e *Executor) Open(ctx context.Context) (executor.Cage, error) {
	cfg := e.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clientConfig, err := cfg.buildClientConfig()
	if err != nil {
		return nil, err
	}
	client, err := dial(ctx, cfg.Address(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Address(), err)
	}

	tempDir := path.Join(cfg.Directory, "distforge-"+uuid.NewString()[:8])
	c := &cage{
		BuilderTree: executor.BuilderTree{Root: path.Join(tempDir, "builder")},
		client:      client,
		tempDir:     tempDir,
		policy:      executor.CleanPolicy{Clean: cfg.Clean, CleanOnError: cfg.CleanOnError},
		log:         e.log.WithCageID(path.Base(tempDir)),
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open sftp session: %w", err)
	}
	defer sftpClient.Close()
	for _, dir := range append([]string{c.RootDir()}, c.Subdirs()...) {
		if err := sftpClient.MkdirAll(dir); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create remote directory %s: %w", dir, err)
		}
	}
	c.log.Debugf("created cage directory %s on %s", tempDir, cfg.Address())
	return c, nil
}

// dial opens the SSH connection without outliving the context. When
// the context wins the race the late connection is closed, not leaked.
func dial(ctx context.Context, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	connChan := make(chan *ssh.Client)
	errChan := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, config)
		if err != nil {
			errChan <- err
			return
		}
		select {
		case connChan <- client:
		case <-ctx.Done():
			client.Close()
		}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errChan:
		return nil, err
	case client := <-connChan:
		return client, nil
	}
}

type cage struct {
	executor.BuilderTree
	client   *ssh.Client
	tempDir  string
	policy   executor.CleanPolicy
	state    executor.Lifecycle
	tolerate []string
	log      *telemetry.Logger
}

// CopyIn uploads each source into the cage over SFTP. Directories are
// walked recursively with modes and symlinks preserved; an existing
// target of the same name is replaced.
func (c *cage) CopyIn(ctx context.Context, plan []executor.TransferSpec) error {
	sftpClient, err := sftp.NewClient(c.client)
	if err != nil {
		c.state.MarkFailed()
		return fmt.Errorf("failed to open sftp session: %w", err)
	}
	defer sftpClient.Close()

	for _, spec := range executor.NormalizePlan(plan) {
		if err := ctx.Err(); err != nil {
			c.state.MarkFailed()
			return err
		}
		info, err := os.Stat(spec.Source)
		if err != nil {
			c.state.MarkFailed()
			return &executor.TransferError{Direction: "copy-in", Path: spec.Source, Err: err}
		}
		target := path.Join(spec.Destination, filepath.Base(spec.Source))
		if err := sftpClient.MkdirAll(spec.Destination); err != nil {
			c.state.MarkFailed()
			return &executor.TransferError{Direction: "copy-in", Path: spec.Source, Err: err}
		}
		_ = sftpClient.RemoveAll(target)
		c.log.Debugf("uploading %s to %s", spec.Source, spec.Destination)
		if info.IsDir() {
			err = uploadDirectory(ctx, sftpClient, spec.Source, target)
		} else {
			err = uploadFile(ctx, sftpClient, spec.Source, target, info.Mode().Perm())
		}
		if err != nil {
			c.state.MarkFailed()
			return &executor.TransferError{Direction: "copy-in", Path: spec.Source, Err: err}
		}
	}
	return nil
}

// Run executes the command chain through one remote shell invocation,
// streaming combined output into the build log. On cancellation the
// remote process gets SIGTERM, shortly after SIGKILL.
func (c *cage) Run(ctx context.Context, spec executor.RunSpec) (*executor.ExitResult, error) {
	c.tolerate = spec.TolerateMissing
	command := executor.RenderCommand(c, spec)
	shell := executor.ShellCommand(spec.Env, command)

	session, err := c.client.NewSession()
	if err != nil {
		c.state.MarkFailed()
		return nil, &executor.ExecutionError{Command: command, Code: -1, Err: err}
	}
	defer session.Close()

	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw

	tail := executor.NewTailBuffer(0)
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		_ = executor.StreamLines(pr, "ssh", c.log, tail)
	}()

	c.log.Debugf("running '%s'", shell)
	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(shell)
	}()

	var runErr error
	var timedOut bool
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
		timedOut = errors.Is(runErr, context.DeadlineExceeded)
	case runErr = <-done:
	}
	duration := time.Since(start)
	pw.Close()
	<-streamDone

	result := &executor.ExitResult{Stdout: tail.String(), Duration: duration}
	if runErr == nil {
		return result, nil
	}
	c.state.MarkFailed()
	result.Code = -1
	if timedOut {
		return result, &executor.ExecutionTimeout{Command: command, Elapsed: duration}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		result.Code = exitErr.ExitStatus()
		return result, &executor.ExecutionError{Command: command, Code: result.Code}
	}
	return result, &executor.ExecutionError{Command: command, Code: -1, Err: runErr}
}

// CopyOut downloads build outputs from the cage. A missing remote
// path matching a tolerated pattern is skipped; any other miss is a
// transfer failure.
func (c *cage) CopyOut(ctx context.Context, plan []executor.TransferSpec) error {
	sftpClient, err := sftp.NewClient(c.client)
	if err != nil {
		c.state.MarkFailed()
		return fmt.Errorf("failed to open sftp session: %w", err)
	}
	defer sftpClient.Close()

	for _, spec := range executor.NormalizePlan(plan) {
		if err := ctx.Err(); err != nil {
			c.state.MarkFailed()
			return err
		}
		info, err := sftpClient.Stat(spec.Source)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && executor.ToleratesMiss(c.tolerate, spec.Source) {
				c.log.Debugf("no output to collect at %s", spec.Source)
				continue
			}
			c.state.MarkFailed()
			return &executor.TransferError{Direction: "copy-out", Path: spec.Source, Err: err}
		}
		if err := os.MkdirAll(spec.Destination, 0o755); err != nil {
			c.state.MarkFailed()
			return &executor.TransferError{Direction: "copy-out", Path: spec.Source, Err: err}
		}
		target := filepath.Join(spec.Destination, path.Base(spec.Source))
		c.log.Debugf("collecting %s to %s", spec.Source, spec.Destination)
		if info.IsDir() {
			err = downloadDirectory(ctx, sftpClient, spec.Source, target)
		} else {
			err = downloadFile(ctx, sftpClient, spec.Source, target)
		}
		if err != nil {
			c.state.MarkFailed()
			return &executor.TransferError{Direction: "copy-out", Path: spec.Source, Err: err}
		}
	}
	return nil
}

// Destroy removes the remote cage directory unless the clean policy
// keeps it for inspection, then closes the connection.
func (c *cage) Destroy(ctx context.Context) error {
	if !c.state.BeginDestroy() {
		return nil
	}
	defer c.client.Close()
	if !c.policy.ShouldRemove(c.state.Failed()) {
		c.log.Debugf("keeping cage directory %s", c.tempDir)
		return nil
	}
	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to clean cage directory %s: %w", c.tempDir, err)
	}
	defer session.Close()
	if err := session.Run("rm -rf -- " + executor.ShellQuote(c.tempDir)); err != nil {
		return fmt.Errorf("failed to clean cage directory %s: %w", c.tempDir, err)
	}
	return nil
}

// uploadDirectory mirrors a local directory onto the remote host.
func uploadDirectory(ctx context.Context, sftpClient *sftp.Client, localPath, remotePath string) error {
	return filepath.Walk(localPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		target := remotePath
		if rel != "." {
			target = path.Join(remotePath, filepath.ToSlash(rel))
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return sftpClient.Symlink(link, target)
		case info.IsDir():
			return sftpClient.MkdirAll(target)
		default:
			return uploadFile(ctx, sftpClient, p, target, info.Mode().Perm())
		}
	})
}

func uploadFile(ctx context.Context, sftpClient *sftp.Client, localPath, remotePath string, mode os.FileMode) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer localFile.Close()

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}
	defer remoteFile.Close()

	if _, err := copyWithContext(ctx, remoteFile, localFile); err != nil {
		return fmt.Errorf("failed to copy %s: %w", localPath, err)
	}
	return sftpClient.Chmod(remotePath, mode)
}

// downloadDirectory mirrors a remote directory into the local target.
func downloadDirectory(ctx context.Context, sftpClient *sftp.Client, remotePath, localPath string) error {
	walker := sftpClient.Walk(remotePath)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return fmt.Errorf("failed to walk %s: %w", remotePath, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(remotePath, walker.Path())
		if err != nil {
			return err
		}
		target := filepath.Join(localPath, rel)
		if walker.Stat().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := downloadFile(ctx, sftpClient, walker.Path(), target); err != nil {
			return err
		}
	}
	return nil
}

func downloadFile(ctx context.Context, sftpClient *sftp.Client, remotePath, localPath string) error {
	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return fmt.Errorf("failed to open remote file: %w", err)
	}
	defer remoteFile.Close()

	localFile, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	defer localFile.Close()

	if _, err := copyWithContext(ctx, localFile, remoteFile); err != nil {
		return fmt.Errorf("failed to copy %s: %w", remotePath, err)
	}
	if info, err := remoteFile.Stat(); err == nil {
		_ = localFile.Chmod(info.Mode().Perm())
	}
	return nil
}

// copyWithContext copies in 32KB slices so cancellation is noticed
// between reads.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return written, nil
			}
			return written, err
		}
	}
}
