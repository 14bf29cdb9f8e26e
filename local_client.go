package sup

import (
	"context"
	"io"
	"os/exec"
	"sync"

	"github.com/pkg/errors"
)

// LocalhostClient implements the same Transport contract as SSHClient
// but spawns the invoker's own shell. It is the target of every
// `local` command; the local tar producer of an `upload` is
// newTarStream, which runs tar directly rather than through this type.
//
// Cancellation mirrors SSHClient: the running command is sent
// interruptSignal first and only killed outright once Close forces it,
// which dispatch does after a command ignores its signal for longer
// than gracePeriod.
type LocalhostClient struct {
	display string

	mu      sync.Mutex
	current *exec.Cmd
	closed  bool
}

// NewLocalhostClient returns a local runner labeled display (usually
// "local") for output prefixing.
func NewLocalhostClient(display string) *LocalhostClient {
	return &LocalhostClient{display: display}
}

func (c *LocalhostClient) Host() string { return c.display }

func (c *LocalhostClient) Run(ctx context.Context, script string, env EnvList, stdin io.Reader, wantTTY bool) (ProcessHandle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("local transport is closed")
	}
	c.mu.Unlock()

	cmd := exec.Command("/bin/sh", "-c", env.AsExports()+" "+script)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "starting local command")
	}

	c.mu.Lock()
	c.current = cmd
	c.mu.Unlock()

	if stdin != nil {
		go func() {
			io.Copy(stdinPipe, stdin)
			stdinPipe.Close()
		}()
	}

	handle := &localProcessHandle{cmd: cmd, stdout: stdoutPipe, stderr: stderrPipe, stdin: stdinPipe}
	go func() {
		<-ctx.Done()
		handle.Signal()
	}()
	return handle, nil
}

func (c *LocalhostClient) Upload(ctx context.Context, tarStream io.Reader, dst string) (ProcessHandle, error) {
	if err := exec.CommandContext(ctx, "mkdir", "-p", dst).Run(); err != nil {
		return nil, &UploadError{Host: c.display, Dst: dst, Reason: err.Error()}
	}
	return c.Run(ctx, remoteTarExtractCommand(dst), nil, tarStream, false)
}

// Close force-kills whatever command is currently running, if any, and
// marks the transport closed to further Run calls. It is idempotent
// and safe to call from a grace-period timeout goroutine concurrently
// with the command's own exit.
func (c *LocalhostClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.current != nil && c.current.Process != nil {
		c.current.Process.Kill()
	}
	return nil
}

type localProcessHandle struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
	stdin  io.WriteCloser
}

func (h *localProcessHandle) Stdout() io.Reader     { return h.stdout }
func (h *localProcessHandle) Stderr() io.Reader     { return h.stderr }
func (h *localProcessHandle) Stdin() io.WriteCloser { return h.stdin }

func (h *localProcessHandle) Wait() (ExitStatus, error) {
	err := h.cmd.Wait()
	if err == nil {
		return ExitStatus{Code: 0}, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return ExitStatus{Code: exitErr.ExitCode()}, nil
	}
	return ExitStatus{}, err
}

func (h *localProcessHandle) Signal() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Signal(interruptSignal)
}
