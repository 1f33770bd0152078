// Package lifecycle ties process shutdown to OS termination signals.
package lifecycle

import (
	"context"
	"os/signal"
)

// SignalContext returns a context cancelled on the first termination signal.
// A second signal falls through to the default handler and kills the process.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, TerminationSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ctx, stop
}
