// File: api/errors.go
// Package api defines the shared contracts and error taxonomy for the
// dcp transport core.
//
// Errors are split into three severity tiers. Reactor-fatal errors take
// down every connection owned by the failing reactor. Connection-fatal
// errors close exactly one connection and force all of its streams to a
// terminal state. Stream-local errors are reported to the caller of the
// failing operation only.

package api

import "fmt"

// Reactor-fatal errors.
var (
	// ErrReactorClosed is returned by reactor operations after the
	// backend has been destroyed. Every connection owned by the reactor
	// observes it as a forced reset.
	ErrReactorClosed = fmt.Errorf("reactor is closed")

	// ErrNotSupported is returned when no reactor backend exists for the
	// current platform, or a backend refuses an operation it cannot
	// express.
	ErrNotSupported = fmt.Errorf("operation not supported")
)

// Connection-fatal frame errors. Any of these closes the connection that
// produced them; streams on other connections are unaffected.
var (
	// ErrFrameTooLarge reports a frame whose declared length exceeds
	// MaxMessageSize. No payload bytes of such a frame are ever
	// delivered upward.
	ErrFrameTooLarge = fmt.Errorf("frame exceeds maximum message size")

	// ErrUnsupportedVersion reports a protocol version byte mismatch.
	// The connection is closed without interpreting the payload.
	ErrUnsupportedVersion = fmt.Errorf("unsupported protocol version")

	// ErrTruncated reports a frame cut short by the peer closing the
	// stream mid-header or mid-payload.
	ErrTruncated = fmt.Errorf("truncated frame")

	// ErrConnClosed is returned by operations on a connection that has
	// reached the Closed state.
	ErrConnClosed = fmt.Errorf("connection is closed")
)

// ErrWouldBlock is returned by a non-blocking NetConn when the
// operation cannot progress yet. The caller waits for the reactor to
// report readiness and retries the call itself.
var ErrWouldBlock = fmt.Errorf("operation would block")

// Stream-local multiplexing errors. These never affect other streams or
// the connection itself.
var (
	// ErrStreamClosed reports an operation on a stream already in a
	// terminal state, or an inbound frame for such a stream.
	ErrStreamClosed = fmt.Errorf("stream is closed")

	// ErrTooManyStreams is returned by OpenStream once the per-connection
	// ceiling of concurrently open streams is reached. No stream id is
	// consumed by the failing call.
	ErrTooManyStreams = fmt.Errorf("too many streams")

	// ErrShuttingDown is returned by OpenStream after shutdown has begun.
	// Existing streams continue to completion.
	ErrShuttingDown = fmt.Errorf("shutting down")
)

// FrameError carries the connection-fatal cause together with the frame
// metadata that triggered it.
type FrameError struct {
	Cause    error
	StreamID uint32
	Length   uint32
}

// Error implements the error interface.
func (e *FrameError) Error() string {
	return fmt.Sprintf("frame error on stream %d (length %d): %v", e.StreamID, e.Length, e.Cause)
}

// Unwrap exposes the sentinel cause for errors.Is checks.
func (e *FrameError) Unwrap() error { return e.Cause }
