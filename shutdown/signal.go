// File: shutdown/signal.go

package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Notify begins the drain when the process receives an interrupt or
// termination signal, or when ctx is cancelled. It returns a stop
// function that detaches the signal handler.
func Notify(ctx context.Context, c *Coordinator, deadline time.Duration) func() {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sctx.Done()
		c.Begin(deadline)
	}()
	return stop
}
