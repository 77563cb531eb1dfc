//go:build windows

// File: reactor/iocp_windows.go
// Windows IOCP completion backend. Handles are associated with the
// completion port at registration; reads and writes are submitted as
// overlapped operations and surface as completions.

package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// wakeKey is the reserved completion key used by Wake. Real
// registrations use keys starting at 1.
const wakeKey uint32 = 0

// iocpPending tracks one in-flight overlapped operation.
type iocpPending struct {
	tok Token
	op  Op
	buf []byte
	ov  *syscall.Overlapped
}

// iocpReactor implements Reactor and Submitter using a completion port.
type iocpReactor struct {
	iocp syscall.Handle
	reg  *registry
	hand *handoff

	mu      sync.Mutex
	keys    map[uint32]Token // completion key -> token
	tokKeys map[Token]uint32
	pending map[*syscall.Overlapped]iocpPending
	nextKey uint32

	closed atomic.Bool
	log    zerolog.Logger
}

// newIOCPReactor creates the completion port.
func newIOCPReactor(o Options) (*iocpReactor, error) {
	iocp, err := syscall.CreateIoCompletionPort(syscall.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("iocp create: %w", err)
	}
	return &iocpReactor{
		iocp:    iocp,
		reg:     newRegistry(),
		hand:    newHandoff(),
		keys:    make(map[uint32]Token),
		tokKeys: make(map[Token]uint32),
		pending: make(map[*syscall.Overlapped]iocpPending),
		nextKey: 1,
		log:     o.Logger.With().Str("component", "reactor").Str("backend", "iocp").Logger(),
	}, nil
}

// Register associates the handle with the completion port.
func (r *iocpReactor) Register(fd uintptr, interest Interest) (Token, error) {
	if r.closed.Load() {
		return 0, fmt.Errorf("register: %w", errReactorClosed())
	}
	tok := r.reg.add(fd, interest)

	r.mu.Lock()
	key := r.nextKey
	r.nextKey++
	r.keys[key] = tok
	r.tokKeys[tok] = key
	r.mu.Unlock()

	if _, err := syscall.CreateIoCompletionPort(syscall.Handle(fd), r.iocp, key, 0); err != nil {
		r.mu.Lock()
		delete(r.keys, key)
		delete(r.tokKeys, tok)
		r.mu.Unlock()
		r.reg.remove(tok)
		return 0, fmt.Errorf("iocp associate: %w", err)
	}
	return tok, nil
}

// Reregister updates the recorded interest set. Interest is advisory on
// a completion backend.
func (r *iocpReactor) Reregister(tok Token, interest Interest) error {
	if !r.reg.setInterest(tok, interest) {
		return fmt.Errorf("reregister: unknown token %d", tok)
	}
	return nil
}

// Deregister releases the token. The port association dies with the
// handle; no kernel call is needed.
func (r *iocpReactor) Deregister(tok Token) error {
	if _, ok := r.reg.remove(tok); !ok {
		return fmt.Errorf("deregister: unknown token %d", tok)
	}
	r.mu.Lock()
	if key, ok := r.tokKeys[tok]; ok {
		delete(r.keys, key)
		delete(r.tokKeys, tok)
	}
	r.mu.Unlock()
	return nil
}

// SubmitRead issues an overlapped receive into buf.
func (r *iocpReactor) SubmitRead(tok Token, buf []byte) error {
	return r.submit(tok, OpRead, buf)
}

// SubmitWrite issues an overlapped send of buf.
func (r *iocpReactor) SubmitWrite(tok Token, buf []byte) error {
	return r.submit(tok, OpWrite, buf)
}

func (r *iocpReactor) submit(tok Token, op Op, buf []byte) error {
	if r.closed.Load() {
		return errReactorClosed()
	}
	reg, ok := r.reg.lookup(tok)
	if !ok {
		return fmt.Errorf("submit: unknown token %d", tok)
	}

	ov := new(syscall.Overlapped)
	wsabuf := syscall.WSABuf{Len: uint32(len(buf))}
	if len(buf) > 0 {
		wsabuf.Buf = &buf[0]
	}

	r.mu.Lock()
	r.pending[ov] = iocpPending{tok: tok, op: op, buf: buf, ov: ov}
	r.mu.Unlock()

	var err error
	var done uint32
	if op == OpRead {
		var flags uint32
		err = syscall.WSARecv(syscall.Handle(reg.fd), &wsabuf, 1, &done, &flags, ov, nil)
	} else {
		err = syscall.WSASend(syscall.Handle(reg.fd), &wsabuf, 1, &done, 0, ov, nil)
	}
	if err != nil && err != syscall.ERROR_IO_PENDING {
		r.mu.Lock()
		delete(r.pending, ov)
		r.mu.Unlock()
		return fmt.Errorf("iocp submit: %w", err)
	}
	return nil
}

// Poll dequeues completions and translates them to Outcomes.
func (r *iocpReactor) Poll(timeout time.Duration, out []Outcome) (int, error) {
	if r.closed.Load() {
		return 0, errReactorClosed()
	}
	if len(out) == 0 {
		return 0, nil
	}

	wait := uint32(syscall.INFINITE)
	if timeout >= 0 {
		wait = uint32(timeoutMillis(timeout))
	}

	count := 0
	for count < len(out) {
		var n uint32
		var key uint32
		var ov *syscall.Overlapped
		err := syscall.GetQueuedCompletionStatus(r.iocp, &n, &key, &ov, wait)
		// After the first dequeue, drain without blocking.
		wait = 0

		if err != nil && ov == nil {
			if err == syscall.WAIT_TIMEOUT {
				break
			}
			if r.closed.Load() {
				return count, errReactorClosed()
			}
			return count, fmt.Errorf("iocp poll: %w", err)
		}

		if key == wakeKey && ov == nil {
			r.hand.drain()
			continue
		}

		r.mu.Lock()
		pend, ok := r.pending[ov]
		if ok {
			delete(r.pending, ov)
		}
		r.mu.Unlock()
		if !ok {
			continue
		}

		oc := Outcome{
			Token: pend.tok,
			Kind:  KindCompletion,
			Op:    pend.op,
			N:     int(n),
			Buf:   pend.buf,
			Err:   err,
		}
		out[count] = oc
		count++
	}
	return count, nil
}

// Wake posts a completion with the reserved key, cancelling an
// in-progress Poll.
func (r *iocpReactor) Wake() error {
	err := syscall.PostQueuedCompletionStatus(r.iocp, 0, wakeKey, nil)
	if err != nil && !r.closed.Load() {
		r.log.Warn().Err(err).Msg("wake failed, retrying")
		err = syscall.PostQueuedCompletionStatus(r.iocp, 0, wakeKey, nil)
	}
	return err
}

// Dispatch queues fn onto the polling goroutine.
func (r *iocpReactor) Dispatch(fn func()) error {
	if r.closed.Load() {
		return errReactorClosed()
	}
	r.hand.push(fn)
	return r.Wake()
}

// Close destroys the completion port. Idempotent. A final wake is
// posted first so a blocked Poll observes the closed state.
func (r *iocpReactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	syscall.PostQueuedCompletionStatus(r.iocp, 0, wakeKey, nil)
	return syscall.CloseHandle(r.iocp)
}

// New selects the platform backend: IOCP is the only choice on Windows.
func New(opts ...Option) (Reactor, error) {
	return newIOCPReactor(buildOptions(opts))
}
