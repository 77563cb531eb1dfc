// File: transport/completion.go
// completionConn drives a NetConn through a completion backend. Each
// Read or Write submits one operation and parks until its completion
// arrives on the connection's mailbox. At most one read and one write
// may be in flight at a time, which matches the single reader and
// single flusher goroutines above.

package transport

import (
	"fmt"

	"github.com/dcpwire/dcp/api"
	"github.com/dcpwire/dcp/reactor"
)

// completionConn implements api.NetConn with blocking semantics on top
// of a Submitter.
type completionConn struct {
	nc   api.NetConn
	sub  reactor.Submitter
	tok  reactor.Token
	sig  *signals
	done chan struct{}

	// rd holds a completed read whose bytes were only partially
	// consumed by the caller.
	rd struct {
		buf []byte
		off int
		n   int
	}
}

func newCompletionConn(nc api.NetConn, sub reactor.Submitter, tok reactor.Token, sig *signals) *completionConn {
	c := &completionConn{nc: nc, sub: sub, tok: tok, sig: sig, done: make(chan struct{})}
	c.rd.buf = make([]byte, 64*1024)
	return c
}

// Read returns buffered bytes from the previous completion, or submits
// a fresh read and blocks for its result.
func (c *completionConn) Read(p []byte) (int, error) {
	if c.rd.off < c.rd.n {
		n := copy(p, c.rd.buf[c.rd.off:c.rd.n])
		c.rd.off += n
		return n, nil
	}

	if err := c.sub.SubmitRead(c.tok, c.rd.buf); err != nil {
		return 0, fmt.Errorf("submit read: %w", err)
	}
	oc, err := c.await(c.sig.readDone)
	if err != nil {
		return 0, err
	}
	if oc.Err != nil {
		return 0, fmt.Errorf("read: %w", oc.Err)
	}
	if oc.N == 0 {
		return 0, errPeerClosed
	}
	c.rd.off = 0
	c.rd.n = oc.N
	n := copy(p, c.rd.buf[:c.rd.n])
	c.rd.off = n
	return n, nil
}

// Write submits sends until the whole buffer is on the wire.
func (c *completionConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		if err := c.sub.SubmitWrite(c.tok, p[written:]); err != nil {
			return written, fmt.Errorf("submit write: %w", err)
		}
		oc, err := c.await(c.sig.writeDone)
		if err != nil {
			return written, err
		}
		if oc.Err != nil {
			return written, fmt.Errorf("write: %w", oc.Err)
		}
		if oc.N == 0 {
			return written, errPeerClosed
		}
		written += oc.N
	}
	return written, nil
}

// await blocks until the operation's completion arrives or the
// connection dies.
func (c *completionConn) await(ch <-chan reactor.Outcome) (reactor.Outcome, error) {
	select {
	case oc := <-ch:
		return oc, nil
	case <-c.sig.dead:
		return reactor.Outcome{}, c.sig.failure()
	case <-c.done:
		return reactor.Outcome{}, api.ErrConnClosed
	}
}

// Close releases waiters and the underlying conn.
func (c *completionConn) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.nc.Close()
}

// RawFD exposes the underlying handle.
func (c *completionConn) RawFD() uintptr { return c.nc.RawFD() }
