package sup

import (
	"context"
	"io"
)

// TargetState is a point in the target driver's state machine
// (spec.md §4.5): INIT -> EXECUTING(i) for each command in order ->
// DONE, or FAILED/ABORTED the moment a command fails or the run is
// canceled.
type TargetState int

const (
	TargetInit TargetState = iota
	TargetExecuting
	TargetDone
	TargetFailed
	TargetAborted
)

func (s TargetState) String() string {
	switch s {
	case TargetInit:
		return "INIT"
	case TargetExecuting:
		return "EXECUTING"
	case TargetDone:
		return "DONE"
	case TargetFailed:
		return "FAILED"
	case TargetAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// TargetDriver runs an ordered list of commands against a fixed set
// of transports, short-circuiting on the first failed command. It
// owns no transport lifecycle of its own: callers open and close
// transports around Run so a target's commands share one connection
// per host.
type TargetDriver struct {
	Commands []*Command

	state TargetState
	index int
}

func NewTargetDriver(commands []*Command) *TargetDriver {
	return &TargetDriver{Commands: commands, state: TargetInit}
}

func (d *TargetDriver) State() TargetState { return d.state }

// CommandIndex reports which command is executing (or was executing
// when the driver stopped), valid once State() is past INIT.
func (d *TargetDriver) CommandIndex() int { return d.index }

// Run executes each command against remotes or local in order,
// choosing the transport set from the compiled command's Mode: the
// single local runner for ModeLocal, the remote hosts for everything
// else. envFor resolves the effective environment for a given
// transport's host label (SUP_HOST varies per host; every other
// injected variable is identical across the run). forwardStdin is
// passed to every `stdin: true` command of the list; BuildPlan accepts
// such commands only when a single host is selected.
func (d *TargetDriver) Run(ctx context.Context, remotes []Transport, local Transport, envFor func(host string) EnvList, mux *OutputMux, forwardStdin io.Reader) error {
	for i, cmd := range d.Commands {
		d.index = i
		d.state = TargetExecuting

		select {
		case <-ctx.Done():
			d.state = TargetAborted
			return Interrupted
		default:
		}

		inv, err := compileCommand(cmd, forwardStdin)
		if err != nil {
			d.state = TargetFailed
			return err
		}

		transports := remotes
		if inv.Mode == ModeLocal {
			transports = []Transport{local}
		}

		if err := dispatch(ctx, inv, transports, envFor, mux); err != nil {
			if ctx.Err() != nil {
				d.state = TargetAborted
				return Interrupted
			}
			d.state = TargetFailed
			return err
		}
	}

	d.state = TargetDone
	return nil
}
