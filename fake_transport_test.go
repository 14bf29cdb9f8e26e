package sup

import (
	"bytes"
	"context"
	"io"
)

// fakeTransport is an in-memory Transport used by unit tests that only
// care about dispatch bookkeeping (windowing, env layering, error
// propagation) and not about a real shell or SSH round trip.
type fakeTransport struct {
	host string

	// fail, when set, makes every Run/Upload return this ExitStatus.
	fail ExitStatus

	// runErr, when set, makes Run itself fail before a process starts.
	runErr error

	// block, when set, makes Run wait on this channel before returning
	// a handle, so a test can assert what ctx looks like partway
	// through a window that has a failing sibling.
	block chan struct{}

	// onClose, when set, runs synchronously inside Close, in addition
	// to the closed counter.
	onClose func()

	calls  []string
	closed int
	runCtx context.Context
}

func (f *fakeTransport) Host() string { return f.host }

func (f *fakeTransport) Run(ctx context.Context, script string, env EnvList, stdin io.Reader, wantTTY bool) (ProcessHandle, error) {
	if f.block != nil {
		<-f.block
	}
	f.runCtx = ctx
	if f.runErr != nil {
		return nil, f.runErr
	}
	f.calls = append(f.calls, script)
	if stdin != nil {
		io.Copy(io.Discard, stdin)
	}
	return &fakeProcessHandle{status: f.fail}, nil
}

func (f *fakeTransport) Upload(ctx context.Context, tarStream io.Reader, dst string) (ProcessHandle, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	io.Copy(io.Discard, tarStream)
	f.calls = append(f.calls, "upload:"+dst)
	return &fakeProcessHandle{status: f.fail}, nil
}

func (f *fakeTransport) Close() error {
	f.closed++
	if f.onClose != nil {
		f.onClose()
	}
	return nil
}

type fakeProcessHandle struct {
	status ExitStatus
	stdin  bytes.Buffer
}

func (h *fakeProcessHandle) Stdout() io.Reader     { return bytes.NewReader(nil) }
func (h *fakeProcessHandle) Stderr() io.Reader     { return bytes.NewReader(nil) }
func (h *fakeProcessHandle) Stdin() io.WriteCloser { return nopWriteCloser{&h.stdin} }
func (h *fakeProcessHandle) Wait() (ExitStatus, error) {
	return h.status, nil
}
func (h *fakeProcessHandle) Signal() error { return nil }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
