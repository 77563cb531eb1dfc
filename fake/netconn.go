// File: fake/netconn.go
// Package fake provides in-memory implementations of the transport
// interfaces for tests: a connected NetConn pair and a scriptable
// reactor. Behavior is deterministic and independent of the platform
// poller.

package fake

import (
	"io"
	"sync"

	"github.com/dcpwire/dcp/api"
)

// NetConn is one end of an in-memory duplex pipe. Read blocks until
// bytes arrive from the peer, mirroring the blocking drivers used over
// real sockets.
type NetConn struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  []byte
	// eof is set when the peer closed its writing side.
	eof    bool
	closed bool
	peer   *NetConn
}

// Pipe returns two connected NetConn ends.
func Pipe() (*NetConn, *NetConn) {
	a := &NetConn{}
	b := &NetConn{}
	a.cond = sync.NewCond(&a.mu)
	b.cond = sync.NewCond(&b.mu)
	a.peer = b
	b.peer = a
	return a, b
}

// Read blocks until data is available, the peer closes, or this end is
// closed.
func (c *NetConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.buf) == 0 && !c.eof && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		return 0, api.ErrConnClosed
	}
	if len(c.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

// Write delivers bytes to the peer's read buffer.
func (c *NetConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, api.ErrConnClosed
	}

	peer := c.peer
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.closed || peer.eof {
		return 0, io.ErrClosedPipe
	}
	peer.buf = append(peer.buf, p...)
	peer.cond.Broadcast()
	return len(p), nil
}

// Close tears this end down and signals EOF to the peer.
func (c *NetConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	peer := c.peer
	peer.mu.Lock()
	peer.eof = true
	peer.cond.Broadcast()
	peer.mu.Unlock()
	return nil
}

// RawFD satisfies api.NetConn; the fake has no descriptor.
func (c *NetConn) RawFD() uintptr { return 0 }
