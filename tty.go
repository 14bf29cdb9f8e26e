package sup

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

// rawTerminal puts the invoker's stdin into raw mode for the duration
// of an interactive (stdin: true) session and returns a restore func
// that is safe to call multiple times, including from a panic-recovery
// or signal-cancellation path.
func rawTerminal() (restore func(), err error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}

	restored := false
	return func() {
		if restored {
			return
		}
		restored = true
		_ = term.Restore(fd, oldState)
	}, nil
}

// terminalSize returns the invoker's window size, or a sane default
// when stdout is not attached to a terminal (e.g. piped output).
func terminalSize() (cols, rows int) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 80, 24
	}
	w, h, err := term.GetSize(fd)
	if err != nil || w <= 0 || h <= 0 {
		return 80, 24
	}
	return w, h
}

// watchWindowSize calls onChange with the invoker's current terminal
// size every time it receives SIGWINCH, until ctx is done. It does not
// call onChange on entry; the initial size is whatever the caller
// already requested at session setup.
func watchWindowSize(ctx context.Context, onChange func(cols, rows int)) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)

	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				cols, rows := terminalSize()
				onChange(cols, rows)
			}
		}
	}()
}
