// File: reactor/reactor.go
// Package reactor unifies readiness-based polling (epoll, kqueue) and
// completion-based polling (io_uring, IOCP) behind one interface.
//
// Every backend surfaces its poll results as a flat ordered sequence of
// Outcomes keyed by Token; callers never branch on backend identity.
// Readiness backends report capability to act and the caller retries the
// OS call itself; completion backends report finished operations on
// buffers the caller submitted. The transport layer hides that asymmetry
// behind a per-operation Pending/Done state machine.

package reactor

import "time"

// Interest requests notification when a handle becomes readable,
// writable, or both.
type Interest struct {
	Readable bool
	Writable bool
}

// Token identifies one registration inside a Reactor. It is owned
// exclusively by the registering component and is never reused until
// after explicit deregistration.
type Token uint64

// Op identifies a submitted operation on a completion backend.
type Op uint8

const (
	// OpRead is a submitted read into a caller-owned buffer.
	OpRead Op = iota + 1
	// OpWrite is a submitted write from a caller-owned buffer.
	OpWrite
)

// OutcomeKind tags an Outcome as a readiness event or a completion.
type OutcomeKind uint8

const (
	// KindEvent is a readiness notification: the handle may now be acted
	// on, the caller performs the OS call itself.
	KindEvent OutcomeKind = iota + 1
	// KindCompletion is a finished-operation notification: N bytes were
	// transferred and buffer ownership returns to the caller.
	KindCompletion
)

// Outcome is one element of a poll result.
type Outcome struct {
	Token Token
	Kind  OutcomeKind

	// Readiness fields (KindEvent).
	Readable bool
	Writable bool

	// Completion fields (KindCompletion).
	Op  Op
	N   int
	Buf []byte

	// Err is set on both kinds: a handle-level error on events, the
	// operation error on completions.
	Err error
}

// Reactor is the platform-neutral I/O event source. One Reactor is bound
// to one dedicated polling goroutine; all registrations for a connection
// stay with the reactor that owns it.
type Reactor interface {
	// Register adds a handle and returns its Token. A registration error
	// is fatal to that handle only.
	Register(fd uintptr, interest Interest) (Token, error)

	// Reregister changes the interest set of an existing registration.
	Reregister(tok Token, interest Interest) error

	// Deregister removes a registration. Its Token may be reused by the
	// reactor afterwards, never before.
	Deregister(tok Token) error

	// Poll blocks up to timeout (negative means forever) and fills out
	// with outcomes, returning the count. A poll error other than an
	// interrupted wait is reactor-fatal.
	Poll(timeout time.Duration, out []Outcome) (int, error)

	// Wake cancels an in-progress Poll from another goroutine.
	Wake() error

	// Dispatch queues fn to run on the polling goroutine during the next
	// Poll, waking it if necessary. This is the only supported way to
	// reach a reactor from another execution context.
	Dispatch(fn func()) error

	// Close destroys the backend. All subsequent operations return
	// api.ErrReactorClosed.
	Close() error
}

// Submitter is implemented by completion backends. The caller submits an
// operation with an owned buffer and later receives a KindCompletion
// outcome carrying the same buffer.
type Submitter interface {
	SubmitRead(tok Token, buf []byte) error
	SubmitWrite(tok Token, buf []byte) error
}

// blockForever is the sentinel converted to each backend's native
// "infinite" timeout encoding.
const blockForever = time.Duration(-1)

// timeoutMillis converts a timeout to integer milliseconds, mapping
// negative durations to -1 (block) and rounding sub-millisecond waits up
// so short timeouts do not spin.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := int(d / time.Millisecond)
	if ms == 0 && d > 0 {
		ms = 1
	}
	return ms
}
