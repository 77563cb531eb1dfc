// File: transport/blocking.go
// blockingConn turns a non-blocking NetConn plus a reactor mailbox into
// a blocking byte pipe: a would-block result suspends the calling
// goroutine until the reactor reports readiness, then the OS call is
// retried. Completion-backed conns never return would-block, so the
// wrapper is a pass-through for them.
//
// This is the per-operation Pending/Done state machine that hides the
// readiness/completion asymmetry from the codec and everything above.

package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dcpwire/dcp/api"
)

// errPeerClosed marks a clean EOF from the peer.
var errPeerClosed = fmt.Errorf("peer closed connection")

// blockingConn implements api.NetConn with blocking semantics.
type blockingConn struct {
	nc   api.NetConn
	sig  *signals
	done chan struct{} // closed on teardown, releases waiters
}

func newBlockingConn(nc api.NetConn, sig *signals) *blockingConn {
	return &blockingConn{nc: nc, sig: sig, done: make(chan struct{})}
}

// Read blocks until at least one byte arrives, the peer closes, or the
// connection is torn down.
func (b *blockingConn) Read(p []byte) (int, error) {
	for {
		n, err := b.nc.Read(p)
		if !errors.Is(err, api.ErrWouldBlock) {
			return n, err
		}
		select {
		case <-b.sig.readable:
		case <-b.sig.dead:
			return 0, b.sig.failure()
		case <-b.done:
			return 0, api.ErrConnClosed
		}
	}
}

// Write blocks until the full buffer is accepted.
func (b *blockingConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := b.nc.Write(p[written:])
		written += n
		if err == nil {
			continue
		}
		if !errors.Is(err, api.ErrWouldBlock) {
			return written, err
		}
		select {
		case <-b.sig.writable:
		case <-b.sig.dead:
			return written, b.sig.failure()
		case <-b.done:
			return written, api.ErrConnClosed
		}
	}
	return written, nil
}

// Close releases waiters and the underlying conn.
func (b *blockingConn) Close() error {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	return b.nc.Close()
}

// RawFD exposes the underlying handle.
func (b *blockingConn) RawFD() uintptr { return b.nc.RawFD() }

// netConnAdapter presents a blocking NetConn as a net.Conn so
// crypto/tls can wrap the raw byte stream below the codec.
type netConnAdapter struct {
	pipe api.NetConn
}

func (a netConnAdapter) Read(p []byte) (int, error)  { return a.pipe.Read(p) }
func (a netConnAdapter) Write(p []byte) (int, error) { return a.pipe.Write(p) }
func (a netConnAdapter) Close() error                { return a.pipe.Close() }

type rawAddr struct{}

func (rawAddr) Network() string { return "dcp" }
func (rawAddr) String() string  { return "dcp" }

func (netConnAdapter) LocalAddr() net.Addr              { return rawAddr{} }
func (netConnAdapter) RemoteAddr() net.Addr             { return rawAddr{} }
func (netConnAdapter) SetDeadline(time.Time) error      { return nil }
func (netConnAdapter) SetReadDeadline(time.Time) error  { return nil }
func (netConnAdapter) SetWriteDeadline(time.Time) error { return nil }
