// File: reactor/loop.go
// Polling loop helper. One Reactor instance is bound to one dedicated
// OS thread; all outcome dispatch for its connections happens on that
// thread.

package reactor

import (
	"errors"
	"runtime"

	"github.com/dcpwire/dcp/api"
)

// loopBatch bounds the outcomes drained per poll.
const loopBatch = 128

// Loop polls r until it is closed, passing every outcome to dispatch in
// order. It pins the calling goroutine to its OS thread for the
// duration. A reactor-fatal poll error is returned after dispatching a
// terminal outcome is no longer possible; normal closure returns nil.
func Loop(r Reactor, dispatch func(Outcome)) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	out := make([]Outcome, loopBatch)
	for {
		n, err := r.Poll(blockForever, out)
		if err != nil {
			if errors.Is(err, api.ErrReactorClosed) {
				return nil
			}
			return err
		}
		for i := 0; i < n; i++ {
			dispatch(out[i])
		}
	}
}
