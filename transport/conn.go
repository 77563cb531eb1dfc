// File: transport/conn.go
// Conn owns one physical connection after the version handshake. A
// reader goroutine decodes inbound frames onto a channel; a flusher
// goroutine drains a staged write buffer to the wire. Producers are
// throttled with high and low water marks so a slow peer suspends
// senders instead of growing the buffer without bound.

package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dcpwire/dcp/api"
	"github.com/dcpwire/dcp/config"
	"github.com/dcpwire/dcp/pool"
	"github.com/dcpwire/dcp/protocol"
	"github.com/dcpwire/dcp/reactor"
)

// ConnState tracks the connection lifecycle.
type ConnState int32

const (
	StateHandshaking ConnState = iota
	StateOpen
	StateDraining
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Frame is one decoded inbound frame. Payload is owned by the receiver.
type Frame struct {
	Header  protocol.FrameHeader
	Payload []byte
}

// inboundDepth bounds frames decoded ahead of the consumer.
const inboundDepth = 64

// Conn is a framed, full-duplex connection.
type Conn struct {
	id    string
	pipe  api.NetConn // blocking byte pipe, TLS already applied
	raw   *sockConn   // nil when the platform driver has no half-close
	mode  protocol.Mode
	log   zerolog.Logger
	group *Group
	tok   tokenRef
	bufs  *pool.SlabPool

	state atomic.Int32

	frames chan Frame

	errOnce sync.Once
	errVal  atomic.Value // error

	wmu       sync.Mutex
	wbuf      []byte
	hwm, lwm  int
	flushCond *sync.Cond // flusher waits for bytes
	spaceCond *sync.Cond // senders wait for drain below lwm
	wclosed   bool

	drained     chan struct{}
	flusherDone chan struct{}
	readerDone  chan struct{}
	closeOnce   sync.Once
}

// tokenRef carries the reactor registration so teardown can detach.
type tokenRef struct {
	group *Group
	tok   reactor.Token
	ok    bool
}

// connSetup bundles what a dialer or listener hands to newConn.
type connSetup struct {
	pipe api.NetConn
	raw  *sockConn
	mode protocol.Mode
	hwm  int
	lwm  int
	det  tokenRef
	pool *pool.SlabPool
	log  zerolog.Logger
}

// newConn starts the reader and flusher pumps.
func newConn(s connSetup) *Conn {
	c := &Conn{
		id:          uuid.NewString(),
		pipe:        s.pipe,
		raw:         s.raw,
		mode:        s.mode,
		group:       s.det.group,
		tok:         s.det,
		bufs:        s.pool,
		frames:      make(chan Frame, inboundDepth),
		hwm:         s.hwm,
		lwm:         s.lwm,
		drained:     make(chan struct{}, 1),
		flusherDone: make(chan struct{}),
		readerDone:  make(chan struct{}),
	}
	c.log = s.log.With().Str("conn", c.id).Logger()
	c.flushCond = sync.NewCond(&c.wmu)
	c.spaceCond = sync.NewCond(&c.wmu)
	c.state.Store(int32(StateOpen))
	go c.readLoop()
	go c.flushLoop()
	c.log.Debug().Str("mode", modeName(s.mode)).Msg("connection open")
	return c
}

// New wraps an established, already handshaken byte pipe in a Conn.
// Dial and Listen build their pipes from raw sockets; callers with an
// in-memory or foreign pipe use this directly.
func New(pipe api.NetConn, mode protocol.Mode, cfg config.Config, bufs *pool.SlabPool, log zerolog.Logger) *Conn {
	return newConn(connSetup{
		pipe: pipe,
		mode: mode,
		hwm:  cfg.HighWaterMark,
		lwm:  cfg.LowWaterMark,
		pool: bufs,
		log:  log,
	})
}

func modeName(m protocol.Mode) string {
	if m == protocol.ModeCompat {
		return "compat"
	}
	return "binary"
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// Mode returns the negotiated framing mode.
func (c *Conn) Mode() protocol.Mode { return c.mode }

// State reports the current lifecycle state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// Frames returns the inbound frame channel. It is closed when the
// connection dies; check Err afterwards to distinguish a clean remote
// close from a failure.
func (c *Conn) Frames() <-chan Frame { return c.frames }

// Err returns the first connection-fatal error, or nil after a clean
// close.
func (c *Conn) Err() error {
	if v := c.errVal.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// fatal latches the first connection-fatal error and tears the
// connection down. The whole connection dies; no per-frame recovery is
// attempted once framing is broken.
func (c *Conn) fatal(err error) {
	c.errOnce.Do(func() {
		c.errVal.Store(err)
		var fe *api.FrameError
		if errors.As(err, &fe) {
			c.log.Error().Err(fe.Cause).Uint32("stream_id", fe.StreamID).Uint32("length", fe.Length).Msg("framing broken")
		} else {
			c.log.Warn().Err(err).Msg("connection failed")
		}
		go c.Close()
	})
}

// SendFrame encodes and stages one frame for the flusher. It blocks
// while the staged buffer sits at or above the high water mark and
// unblocks once the flusher drains it below the low water mark.
func (c *Conn) SendFrame(hdr protocol.FrameHeader, payload []byte) error {
	if len(payload) > protocol.MaxMessageSize {
		return &api.FrameError{Cause: api.ErrFrameTooLarge, StreamID: hdr.StreamID, Length: uint32(len(payload))}
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	for len(c.wbuf) >= c.hwm && !c.wclosed {
		c.spaceCond.Wait()
	}
	if c.wclosed {
		if err := c.Err(); err != nil {
			return err
		}
		return api.ErrConnClosed
	}
	var err error
	c.wbuf, err = protocol.EncodeFrame(hdr, payload, c.mode, c.wbuf)
	if err != nil {
		return err
	}
	c.flushCond.Signal()
	return nil
}

// readLoop pulls bytes off the pipe, feeds the decoder, and delivers
// complete frames in arrival order.
func (c *Conn) readLoop() {
	defer close(c.readerDone)
	defer close(c.frames)

	dec := protocol.NewDecoder(c.mode)
	buf := c.bufs.Get(32 * 1024)
	defer c.bufs.Put(buf)

	for {
		n, err := c.pipe.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				hdr, payload, ok, derr := dec.Next()
				if derr != nil {
					c.fatal(derr)
					return
				}
				if !ok {
					break
				}
				c.frames <- Frame{Header: hdr, Payload: payload}
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, errPeerClosed), errors.Is(err, io.EOF):
				if dec.Buffered() > 0 {
					c.fatal(&api.FrameError{Cause: api.ErrTruncated})
				} else {
					c.log.Debug().Msg("peer closed")
					go c.Close()
				}
			case errors.Is(err, api.ErrConnClosed):
				// Local teardown already in progress.
			default:
				c.fatal(fmt.Errorf("transport read: %w", err))
			}
			return
		}
	}
}

// flushLoop drains the staged buffer to the wire and wakes suspended
// senders once the backlog falls below the low water mark.
func (c *Conn) flushLoop() {
	defer close(c.flusherDone)
	scratch := c.bufs.Get(64 * 1024)
	defer c.bufs.Put(scratch)

	for {
		c.wmu.Lock()
		for len(c.wbuf) == 0 && !c.wclosed {
			c.flushCond.Wait()
		}
		if c.wclosed && len(c.wbuf) == 0 {
			c.wmu.Unlock()
			return
		}
		n := copy(scratch, c.wbuf)
		rest := copy(c.wbuf, c.wbuf[n:])
		c.wbuf = c.wbuf[:rest]
		if rest < c.lwm {
			c.spaceCond.Broadcast()
		}
		if rest == 0 {
			select {
			case c.drained <- struct{}{}:
			default:
			}
		}
		c.wmu.Unlock()

		if _, err := c.pipe.Write(scratch[:n]); err != nil {
			if !errors.Is(err, api.ErrConnClosed) {
				c.fatal(fmt.Errorf("transport write: %w", err))
			}
			c.wmu.Lock()
			c.wclosed = true
			c.spaceCond.Broadcast()
			c.wmu.Unlock()
			return
		}
	}
}

// Flushed reports whether the staged write buffer is empty.
func (c *Conn) Flushed() bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return len(c.wbuf) == 0
}

// Shutdown moves the connection to draining, flushes staged frames
// within linger, half-closes the send direction where the platform
// supports it, and finally closes. Inbound frames keep flowing until
// the peer closes its side or Close is called.
func (c *Conn) Shutdown(linger time.Duration) error {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateDraining)) {
		return c.Close()
	}
	c.log.Debug().Dur("linger", linger).Msg("draining connection")

	deadline := time.Now().Add(linger)
	timer := time.NewTimer(linger)
	defer timer.Stop()
wait:
	for !c.Flushed() {
		select {
		case <-c.drained:
		case <-timer.C:
			break wait
		case <-c.flusherDone:
			break wait
		}
	}

	c.wmu.Lock()
	c.wclosed = true
	c.flushCond.Signal()
	c.spaceCond.Broadcast()
	c.wmu.Unlock()

	select {
	case <-c.flusherDone:
	case <-time.After(time.Until(deadline)):
	}

	if c.raw != nil {
		c.raw.CloseWrite()
	}
	return c.Close()
}

// Close tears the connection down immediately. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))

		c.wmu.Lock()
		c.wclosed = true
		c.flushCond.Signal()
		c.spaceCond.Broadcast()
		c.wmu.Unlock()

		if c.tok.ok {
			c.group.detach(c.tok.tok)
		}
		err = c.pipe.Close()
		<-c.flusherDone
		c.log.Debug().Msg("connection closed")
	})
	return err
}
