package sup

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// windows splits transports into the sequential batches a single
// invocation runs in: a single window holding only the first host for
// `once` (the other hosts get no window at all), groups of at
// most `serial` for `serial: N`, or a single all-hosts batch
// otherwise (spec.md §4.4).
func windows(transports []Transport, once bool, serial int) [][]Transport {
	if len(transports) == 0 {
		return nil
	}
	if once {
		return [][]Transport{{transports[0]}}
	}
	if serial > 0 && serial < len(transports) {
		var wins [][]Transport
		for i := 0; i < len(transports); i += serial {
			end := i + serial
			if end > len(transports) {
				end = len(transports)
			}
			wins = append(wins, transports[i:end])
		}
		return wins
	}
	return [][]Transport{transports}
}

// dispatch runs inv across transports, honoring its once/serial/
// parallel policy. A window only starts once the previous window has
// finished; a failing window aborts the remaining windows and returns
// the aggregated per-host errors.
func dispatch(ctx context.Context, inv *Invocation, transports []Transport, envFor func(host string) EnvList, mux *OutputMux) error {
	var merr *multierror.Error

	for _, win := range windows(transports, inv.Once, inv.Serial) {
		// Deliberately not errgroup.WithContext: that would derive a
		// context canceled the instant any one host's goroutine
		// returns an error, and runOne would see that as its own
		// cancellation signal and kill a process that never failed.
		// Every host in a window gets the same ctx, which only ever
		// reacts to the run's own top-level cancellation.
		var g errgroup.Group
		var mu sync.Mutex
		for _, t := range win {
			t := t
			g.Go(func() error {
				err := runOne(ctx, inv, t, envFor(t.Host()), mux)
				if err != nil {
					mu.Lock()
					merr = multierror.Append(merr, err)
					mu.Unlock()
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return merr.ErrorOrNil()
		}
	}
	return merr.ErrorOrNil()
}

func runOne(ctx context.Context, inv *Invocation, t Transport, env EnvList, mux *OutputMux) error {
	if inv.Mode == ModeUpload {
		return runUpload(ctx, inv, t, mux)
	}
	return runScript(ctx, inv, t, env, mux)
}

// waitDrain blocks until wg completes (stdout/stderr fully copied), or
// until ctx is done and then gracePeriod has passed without wg
// finishing, whichever comes first. In the timeout case it force-closes
// t so that a session an sshd never terminates (e.g. one ignoring the
// forwarded SIGINT) doesn't hang the whole invocation; the drain
// goroutines then unblock because their pipes are severed. Callers must
// still call handle.Wait() afterward: os/exec and ssh.Session both
// require every pipe to be drained before Wait is called.
func waitDrain(ctx context.Context, t Transport, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	select {
	case <-done:
	case <-time.After(gracePeriod):
		t.Close()
		<-done
	}
}

func runScript(ctx context.Context, inv *Invocation, t Transport, env EnvList, mux *OutputMux) error {
	handle, err := t.Run(ctx, inv.Script, env, inv.Stdin, inv.WantTTY)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); mux.Copy(t.Host(), handle.Stdout(), false) }()
	go func() { defer wg.Done(); mux.Copy(t.Host(), handle.Stderr(), true) }()
	waitDrain(ctx, t, &wg)

	status, err := handle.Wait()
	if err != nil {
		return &ExecError{Host: t.Host(), ExitCode: -1, Reason: err.Error()}
	}
	if status.Signaled {
		return &ExecError{Host: t.Host(), ExitCode: -1, Reason: "signaled: " + status.Signal}
	}
	if !status.Success() {
		return &ExecError{Host: t.Host(), ExitCode: status.Code, Reason: "command exited non-zero"}
	}
	return nil
}

func runUpload(ctx context.Context, inv *Invocation, t Transport, mux *OutputMux) error {
	for _, up := range inv.Uploads {
		stream, err := newTarStream(up.Src)
		if err != nil {
			return &UploadError{Host: t.Host(), Src: up.Src, Dst: up.Dst, Reason: err.Error()}
		}

		handle, err := t.Upload(ctx, stream, up.Dst)
		if err != nil {
			stream.Close()
			return &UploadError{Host: t.Host(), Src: up.Src, Dst: up.Dst, Reason: err.Error()}
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); mux.Copy(t.Host(), handle.Stdout(), false) }()
		go func() { defer wg.Done(); mux.Copy(t.Host(), handle.Stderr(), true) }()
		waitDrain(ctx, t, &wg)

		status, waitErr := handle.Wait()
		closeErr := stream.Close()

		if waitErr != nil {
			return &UploadError{Host: t.Host(), Src: up.Src, Dst: up.Dst, Reason: waitErr.Error()}
		}
		if !status.Success() {
			return &UploadError{Host: t.Host(), Src: up.Src, Dst: up.Dst, Reason: "remote tar extraction failed"}
		}
		if closeErr != nil {
			return &UploadError{Host: t.Host(), Src: up.Src, Dst: up.Dst, Reason: closeErr.Error()}
		}
	}
	return nil
}
