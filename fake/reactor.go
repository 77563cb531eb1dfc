// File: fake/reactor.go

package fake

import (
	"sync"
	"time"

	"github.com/dcpwire/dcp/api"
	"github.com/dcpwire/dcp/reactor"
)

// Reactor is a scriptable reactor: tests queue outcomes with Push and
// the poll loop delivers them in order. It also records submissions so
// completion-path code can be exercised without a kernel.
type Reactor struct {
	mu        sync.Mutex
	regs      map[reactor.Token]uintptr
	next      reactor.Token
	closed    bool
	submitted []Submission

	outcomes chan reactor.Outcome
	wake     chan struct{}
	fns      chan func()
}

// Submission records one SubmitRead or SubmitWrite call.
type Submission struct {
	Token reactor.Token
	Op    reactor.Op
	Buf   []byte
}

// NewReactor creates an idle fake reactor.
func NewReactor() *Reactor {
	return &Reactor{
		regs:     make(map[reactor.Token]uintptr),
		next:     1,
		outcomes: make(chan reactor.Outcome, 64),
		wake:     make(chan struct{}, 1),
		fns:      make(chan func(), 16),
	}
}

// Push queues an outcome for the next Poll.
func (r *Reactor) Push(oc reactor.Outcome) { r.outcomes <- oc }

// Submissions returns the recorded submissions.
func (r *Reactor) Submissions() []Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Submission, len(r.submitted))
	copy(out, r.submitted)
	return out
}

// Register assigns the next token.
func (r *Reactor) Register(fd uintptr, _ reactor.Interest) (reactor.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, api.ErrReactorClosed
	}
	tok := r.next
	r.next++
	r.regs[tok] = fd
	return tok, nil
}

// Reregister is a no-op on known tokens.
func (r *Reactor) Reregister(tok reactor.Token, _ reactor.Interest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.regs[tok]; !ok {
		return api.ErrReactorClosed
	}
	return nil
}

// Deregister forgets the token.
func (r *Reactor) Deregister(tok reactor.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.regs, tok)
	return nil
}

// SubmitRead records the submission.
func (r *Reactor) SubmitRead(tok reactor.Token, buf []byte) error {
	return r.submit(tok, reactor.OpRead, buf)
}

// SubmitWrite records the submission.
func (r *Reactor) SubmitWrite(tok reactor.Token, buf []byte) error {
	return r.submit(tok, reactor.OpWrite, buf)
}

func (r *Reactor) submit(tok reactor.Token, op reactor.Op, buf []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return api.ErrReactorClosed
	}
	r.submitted = append(r.submitted, Submission{Token: tok, Op: op, Buf: buf})
	return nil
}

// Poll delivers queued outcomes, honoring the timeout contract of the
// real backends: a negative timeout blocks until an outcome, a wake, or
// Close.
func (r *Reactor) Poll(timeout time.Duration, out []reactor.Outcome) (int, error) {
	if r.isClosed() {
		return 0, api.ErrReactorClosed
	}
	if len(out) == 0 {
		return 0, nil
	}

	var timer <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	count := 0
	// Block for the first outcome, then drain without blocking.
	select {
	case oc := <-r.outcomes:
		out[count] = oc
		count++
	case <-r.wake:
		r.runDispatched()
		return 0, r.closedErr()
	case <-timer:
		return 0, nil
	}
	for count < len(out) {
		select {
		case oc := <-r.outcomes:
			out[count] = oc
			count++
		default:
			return count, nil
		}
	}
	return count, nil
}

func (r *Reactor) runDispatched() {
	for {
		select {
		case fn := <-r.fns:
			fn()
		default:
			return
		}
	}
}

func (r *Reactor) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Reactor) closedErr() error {
	if r.isClosed() {
		return api.ErrReactorClosed
	}
	return nil
}

// Wake unblocks a pending Poll.
func (r *Reactor) Wake() error {
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Dispatch queues fn onto the polling goroutine.
func (r *Reactor) Dispatch(fn func()) error {
	if r.isClosed() {
		return api.ErrReactorClosed
	}
	r.fns <- fn
	return r.Wake()
}

// Close marks the reactor closed and releases a blocked Poll.
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.Wake()
	return nil
}
