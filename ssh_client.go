package sup

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	stderrors "errors"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHClient is a Transport backed by golang.org/x/crypto/ssh. It
// authenticates using the invoker's running ssh-agent; it never
// prompts for a password and never reads private keys off disk on
// its own initiative (an explicit IdentityFile from ~/.ssh/config is
// the one exception, mirroring what a real ssh client would do).
type SSHClient struct {
	spec   HostSpec
	config *ssh.ClientConfig

	mu     sync.Mutex
	conn   *ssh.Client
	broken bool
}

// dialer abstracts "dial directly" vs "dial through a bastion" so
// NewSSHClient uses the same session setup whether it dials net.Dial
// or a bastion's SSHClient.dialThrough.
type dialer func(network, addr string) (net.Conn, error)

// NewSSHClient authenticates and connects to spec, optionally routing
// the TCP connection through an already-open bastion Transport.
// hostKeyCallback verifies the remote host key; build one per run with
// newHostKeyCallback so every host in the plan is checked against, and
// appended to, one known_hosts file.
func NewSSHClient(spec HostSpec, bastion *SSHClient, hostKeyCallback ssh.HostKeyCallback) (*SSHClient, error) {
	authMethods, err := authMethodsFor(spec)
	if err != nil {
		return nil, &ConnectError{User: spec.User, Host: spec.Address, Reason: err.Error()}
	}

	config := &ssh.ClientConfig{
		User:            spec.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         10 * time.Second,
	}

	c := &SSHClient{spec: spec, config: config}

	addr := fmt.Sprintf("%s:%d", spec.Address, spec.Port)

	var dial dialer = net.Dial
	if bastion != nil {
		dial = bastion.dialThrough
	}

	log.Debug().Str("host", spec.Display).Str("addr", addr).Msg("dialing ssh")

	netConn, err := dial("tcp", addr)
	if err != nil {
		return nil, &ConnectError{User: spec.User, Host: spec.Address, Reason: err.Error()}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		return nil, &ConnectError{User: spec.User, Host: spec.Address, Reason: err.Error()}
	}

	c.conn = ssh.NewClient(sshConn, chans, reqs)
	return c, nil
}

// newHostKeyCallback builds a host-key verification callback backed by
// an OpenSSH-format known_hosts file at path (or ~/.ssh/known_hosts
// when path is empty). An unknown host is trusted on first connect and
// appended to the file, mirroring ssh's StrictHostKeyChecking=accept-new;
// a host whose key has changed is rejected.
func newHostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		home, err := homedir.Dir()
		if err != nil {
			return nil, errors.Wrap(err, "resolving home directory for known_hosts")
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrapf(err, "creating %s", filepath.Dir(path))
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, errors.Wrapf(err, "creating %s", path)
		}
		f.Close()
	}

	verify, err := knownhosts.New(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := verify(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !stderrors.As(err, &keyErr) || len(keyErr.Want) > 0 {
			return err
		}

		log.Debug().Str("host", hostname).Msg("trusting unknown host key on first connect")
		return appendKnownHost(path, hostname, key)
	}, nil
}

// appendKnownHost records key for hostname in the known_hosts file at
// path, in the format knownhosts.New expects to read back.
func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, err = f.WriteString(line + "\n")
	return err
}

// dialThrough opens network/addr from the far side of an already
// established connection, i.e. this client acts as a bastion.
func (c *SSHClient) dialThrough(network, addr string) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, errors.New("bastion not connected")
	}
	return c.conn.Dial(network, addr)
}

func authMethodsFor(spec HostSpec) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if spec.IdentityFile != "" {
		key, err := os.ReadFile(spec.IdentityFile)
		if err != nil {
			return nil, errors.Wrapf(err, "reading identity file %s", spec.IdentityFile)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing identity file %s", spec.IdentityFile)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			ag := agent.NewClient(conn)
			if signers, err := ag.Signers(); err == nil && len(signers) > 0 {
				methods = append(methods, ssh.PublicKeys(signers...))
			}
		}
	}

	if len(methods) == 0 {
		return nil, errors.New("no authentication method available (no identity file, no running ssh-agent)")
	}
	return methods, nil
}

func (c *SSHClient) Host() string { return c.spec.Display }

// Run starts script on a fresh SSH session. env is applied as a
// shell-quoted export prefix per spec.md §4.1; protocol-level SendEnv
// is not used because most sshd configurations block it.
func (c *SSHClient) Run(ctx context.Context, script string, env EnvList, stdin io.Reader, wantTTY bool) (ProcessHandle, error) {
	c.mu.Lock()
	broken := c.broken
	conn := c.conn
	c.mu.Unlock()
	if broken || conn == nil {
		return nil, &ConnectError{User: c.spec.User, Host: c.spec.Address, Reason: "transport is closed"}
	}

	sess, err := conn.NewSession()
	if err != nil {
		c.markBroken()
		return nil, &ConnectError{User: c.spec.User, Host: c.spec.Address, Reason: err.Error()}
	}

	watchCtx, stopWatch := context.WithCancel(ctx)

	if wantTTY {
		cols, rows := terminalSize()
		modes := ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		term := os.Getenv("TERM")
		if term == "" {
			term = "xterm-256color"
		}
		if err := sess.RequestPty(term, rows, cols, modes); err != nil {
			stopWatch()
			sess.Close()
			return nil, errors.Wrap(err, "requesting pty")
		}
		// Forward local terminal resizes to the remote pty for the
		// life of this session; a size fixed at connect time would
		// leave full-screen remote programs drawing into stale bounds
		// after the invoker's window changes.
		watchWindowSize(watchCtx, func(cols, rows int) {
			sess.WindowChange(rows, cols)
		})
	}

	stdoutPipe, err := sess.StdoutPipe()
	if err != nil {
		stopWatch()
		sess.Close()
		return nil, err
	}
	stderrPipe, err := sess.StderrPipe()
	if err != nil {
		stopWatch()
		sess.Close()
		return nil, err
	}
	stdinPipe, err := sess.StdinPipe()
	if err != nil {
		stopWatch()
		sess.Close()
		return nil, err
	}

	fullScript := env.AsExports() + " " + script
	if err := sess.Start(fullScript); err != nil {
		stopWatch()
		sess.Close()
		return nil, err
	}

	if stdin != nil {
		go func() {
			io.Copy(stdinPipe, stdin)
			stdinPipe.Close()
		}()
	}

	handle := &sshProcessHandle{
		session:   sess,
		stdout:    stdoutPipe,
		stderr:    stderrPipe,
		stdin:     stdinPipe,
		host:      c.spec.Display,
		stopWatch: stopWatch,
	}
	go func() {
		<-ctx.Done()
		handle.Signal()
	}()
	return handle, nil
}

// Upload creates dst on the target via SFTP (avoiding an extra `ssh
// mkdir` round trip), then streams tarStream into
// `mkdir -p dst && tar -C dst -xzf -`.
func (c *SSHClient) Upload(ctx context.Context, tarStream io.Reader, dst string) (ProcessHandle, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, &ConnectError{User: c.spec.User, Host: c.spec.Address, Reason: "transport is closed"}
	}

	log.Debug().Str("host", c.spec.Display).Str("dst", dst).Msg("opening sftp session for upload")

	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return nil, &UploadError{Host: c.spec.Display, Dst: dst, Reason: "opening sftp: " + err.Error()}
	}
	if err := sftpClient.MkdirAll(dst); err != nil {
		sftpClient.Close()
		return nil, &UploadError{Host: c.spec.Display, Dst: dst, Reason: "mkdir: " + err.Error()}
	}
	sftpClient.Close()

	return c.Run(ctx, remoteTarExtractCommand(dst), nil, tarStream, false)
}

func (c *SSHClient) markBroken() {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
}

// Close is idempotent.
func (c *SSHClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

type sshProcessHandle struct {
	session   *ssh.Session
	stdout    io.Reader
	stderr    io.Reader
	stdin     io.WriteCloser
	host      string
	stopWatch func()
}

func (h *sshProcessHandle) Stdout() io.Reader     { return h.stdout }
func (h *sshProcessHandle) Stderr() io.Reader     { return h.stderr }
func (h *sshProcessHandle) Stdin() io.WriteCloser { return h.stdin }

func (h *sshProcessHandle) Wait() (ExitStatus, error) {
	defer h.stopWatch()
	err := h.session.Wait()
	defer h.session.Close()

	if err == nil {
		return ExitStatus{Code: 0}, nil
	}

	if exitErr, ok := err.(*ssh.ExitError); ok {
		if exitErr.Signal() != "" {
			return ExitStatus{Signaled: true, Signal: exitErr.Signal()}, nil
		}
		return ExitStatus{Code: exitErr.ExitStatus()}, nil
	}

	return ExitStatus{}, err
}

func (h *sshProcessHandle) Signal() error {
	if err := h.session.Signal(ssh.SIGINT); err != nil {
		return h.stdin.Close()
	}
	return nil
}
