package sup

import (
	"context"
	"io"
)

// ExitStatus is the outcome of a finished remote or local process.
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   string
}

// Success reports whether the process exited with code 0 and was not
// terminated by a signal.
func (s ExitStatus) Success() bool {
	return !s.Signaled && s.Code == 0
}

// ProcessHandle is a running process's stdio and exit-status handle,
// per spec.md §4.1.
type ProcessHandle interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Stdin() io.WriteCloser

	// Wait blocks until the process terminates.
	Wait() (ExitStatus, error)

	// Signal requests termination (SIGINT over the transport, or
	// closing stdin for a non-TTY process); used for cancellation.
	Signal() error
}

// Transport represents one authenticated session to one host, per
// spec.md §4.1.
type Transport interface {
	// Host is the display string used for output prefixing.
	Host() string

	// Run starts a shell command. env has already been merged and is
	// applied as an export prefix, not via protocol-level SendEnv.
	Run(ctx context.Context, script string, env EnvList, stdin io.Reader, wantTTY bool) (ProcessHandle, error)

	// Upload streams tarStream (gzip-compressed, as newTarStream
	// produces it) into `mkdir -p dst && tar -C dst -xzf -` on the target.
	Upload(ctx context.Context, tarStream io.Reader, dst string) (ProcessHandle, error)

	// Close is idempotent.
	Close() error
}
