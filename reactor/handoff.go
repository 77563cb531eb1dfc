// File: reactor/handoff.go
// Cross-goroutine hand-off queue shared by all backends. Work posted
// from other goroutines is queued here and drained on the polling
// goroutine after a wake, so no reactor state is ever mutated off its
// own thread.

package reactor

import (
	"sync"

	"github.com/eapache/queue"
)

// handoff is a mutex-guarded FIFO of deferred calls.
type handoff struct {
	mu sync.Mutex
	q  *queue.Queue
}

func newHandoff() *handoff {
	return &handoff{q: queue.New()}
}

// push queues fn for execution on the polling goroutine.
func (h *handoff) push(fn func()) {
	h.mu.Lock()
	h.q.Add(fn)
	h.mu.Unlock()
}

// drain runs every queued call. Called only from the polling goroutine.
func (h *handoff) drain() {
	for {
		h.mu.Lock()
		if h.q.Length() == 0 {
			h.mu.Unlock()
			return
		}
		fn := h.q.Remove().(func())
		h.mu.Unlock()
		fn()
	}
}
