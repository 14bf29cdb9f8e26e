package sup

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// interruptSignal is the signal sent to local child processes on
// cancellation.
var interruptSignal = os.Interrupt

// gracePeriod bounds how long cancellation waits for in-flight
// ProcessHandles to exit before Transports are force-closed. It is a
// var, not a const, so tests can shrink it instead of running for
// real seconds.
var gracePeriod = 5 * time.Second

// withCancelOnSignal returns a context that is canceled when the
// process receives SIGINT or SIGTERM, along with a stop function the
// caller must invoke once the run finishes (successfully or not) to
// release the signal handler.
func withCancelOnSignal(parent context.Context) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-done:
		}
	}()

	return ctx, func() {
		close(done)
		signal.Stop(sigCh)
		cancel()
	}
}
