package sup

import (
	"context"
	"errors"
	"io"
	"os"
)

// Engine ties a resolved Plan to concrete transports and drives its
// commands to completion, mapping the outcome onto the process exit
// codes from spec.md §6.
type Engine struct {
	Plan *Plan

	Stdout        io.Writer
	Stderr        io.Writer
	DisablePrefix bool
	DisableColor  bool
	ForwardStdin  io.Reader
}

// NewEngine wires an Engine with the invoker's real stdio.
func NewEngine(plan *Plan) *Engine {
	return &Engine{
		Plan:         plan,
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
		ForwardStdin: os.Stdin,
	}
}

// Execute connects to every host the plan selected (and its bastion,
// if any), runs the plan's commands through a TargetDriver, and
// returns a process exit code alongside any error.
func (e *Engine) Execute(ctx context.Context) (int, error) {
	ctx, stop := withCancelOnSignal(ctx)
	defer stop()

	needsLocal := false
	needsRawStdin := false
	for _, cmd := range e.Plan.Commands {
		mode, err := cmd.Mode()
		if err != nil {
			return ExitConfigError, err
		}
		if mode == ModeLocal {
			needsLocal = true
		}
		if cmd.Stdin {
			needsRawStdin = true
		}
	}

	if needsRawStdin {
		restore, err := rawTerminal()
		if err != nil {
			return ExitTransportFail, err
		}
		defer restore()
	}

	hostKeyCallback, err := newHostKeyCallback(e.Plan.KnownHosts)
	if err != nil {
		return ExitTransportFail, err
	}

	var bastionClient *SSHClient
	if e.Plan.Bastion != nil {
		var err error
		bastionClient, err = NewSSHClient(*e.Plan.Bastion, nil, hostKeyCallback)
		if err != nil {
			return ExitTransportFail, err
		}
		defer bastionClient.Close()
	}

	remotes := make([]Transport, 0, len(e.Plan.Hosts))
	for _, spec := range e.Plan.Hosts {
		client, err := NewSSHClient(spec, bastionClient, hostKeyCallback)
		if err != nil {
			return ExitTransportFail, err
		}
		defer client.Close()
		remotes = append(remotes, client)
	}

	var local Transport
	if needsLocal {
		local = NewLocalhostClient("local")
		defer local.Close()
	}

	width := 0
	for _, t := range remotes {
		if len(t.Host()) > width {
			width = len(t.Host())
		}
	}
	if local != nil && len(local.Host()) > width {
		width = len(local.Host())
	}
	mux := NewOutputMux(e.Stdout, e.Stderr, width, e.DisablePrefix, e.DisableColor)

	driver := NewTargetDriver(e.Plan.Commands)

	byHost := make(map[string]EnvList, len(e.Plan.Hosts))
	for _, spec := range e.Plan.Hosts {
		byHost[spec.Display] = e.Plan.EnvFor(spec)
	}
	envFor := func(host string) EnvList {
		if env, ok := byHost[host]; ok {
			return env
		}
		// The local runner has no HostSpec of its own; it still gets
		// every injected variable except a meaningful SUP_HOST.
		return e.Plan.BaseEnv.Merge(EnvList{{Key: envSupHost, Value: host}})
	}

	err = driver.Run(ctx, remotes, local, envFor, mux, e.ForwardStdin)

	switch {
	case err == nil:
		return ExitSuccess, nil
	case err == Interrupted:
		return ExitInterrupted, err
	default:
		// dispatch aggregates per-host errors into a multierror, so
		// the typed errors are looked up in the chain, not by type.
		var cfgErr *ConfigError
		var connErr *ConnectError
		switch {
		case errors.As(err, &cfgErr):
			return ExitConfigError, err
		case errors.As(err, &connErr):
			return ExitTransportFail, err
		default:
			// *UploadError (tar production or remote extraction failed)
			// gets the same handling as *ExecError per spec.md §7.
			return ExitCommandFailed, err
		}
	}
}
