// File: mux/mux.go
// Package mux multiplexes independent flow-controlled streams over one
// framed connection. The client opens odd stream ids, the server even;
// id 0 addresses the connection itself and never carries stream data.

package mux

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/dcpwire/dcp/api"
	"github.com/dcpwire/dcp/protocol"
	"github.com/dcpwire/dcp/transport"
)

// DefaultWindow is the initial per-stream flow control window in bytes.
const DefaultWindow = 65536

// ControlStream is the reserved connection-level stream id.
const ControlStream uint32 = 0

// closedSetSize bounds the recently-closed id set. Frames for ids in
// the set are late stragglers and are dropped silently.
const closedSetSize = 4096

// Reset status codes carried in the Reset payload.
const (
	resetCancelled     uint32 = 0x0
	resetProtocolError uint32 = 0x1
)

// Side fixes the id parity a peer allocates from.
type Side int

const (
	// ClientSide opens odd stream ids.
	ClientSide Side = iota
	// ServerSide opens even stream ids.
	ServerSide
)

// acceptDepth bounds remote opens queued ahead of Accept.
const acceptDepth = 64

// Multiplexer owns the stream table of one connection.
type Multiplexer struct {
	conn *transport.Conn
	side Side
	log  zerolog.Logger

	maxStreams int

	mu      sync.Mutex
	streams map[uint32]*Stream
	nextID  uint32
	closed  bool

	closedIDs *lru.Cache[uint32, StreamStatus]

	accepts chan *Stream
	done    chan struct{}

	// gate is consulted before every local open; the shutdown
	// coordinator installs it to refuse opens while draining.
	gate atomic.Value // func() error

	goAwaySent atomic.Bool
	goAwayRecv atomic.Bool

	pingMu  sync.Mutex
	pingSeq uint64
	pings   map[uint64]chan struct{}

	capsOnce sync.Once
	capsCh   chan []byte

	connErr atomic.Value // error
}

// Options tunes a Multiplexer.
type Options struct {
	// MaxStreams caps concurrently open streams. Zero means the
	// protocol ceiling of 65535.
	MaxStreams int
	// Capabilities is an opaque payload announced on stream 0 right
	// after the handshake. Nil announces nothing.
	Capabilities []byte
	Logger       zerolog.Logger
}

// New starts the demux loop over an established connection.
func New(conn *transport.Conn, side Side, o Options) *Multiplexer {
	if o.MaxStreams <= 0 || o.MaxStreams > 65535 {
		o.MaxStreams = 65535
	}
	first := uint32(1)
	if side == ServerSide {
		first = 2
	}
	closedIDs, _ := lru.New[uint32, StreamStatus](closedSetSize)
	m := &Multiplexer{
		conn:       conn,
		side:       side,
		log:        o.Logger.With().Str("component", "mux").Str("conn", conn.ID()).Logger(),
		maxStreams: o.MaxStreams,
		streams:    make(map[uint32]*Stream),
		nextID:     first,
		closedIDs:  closedIDs,
		accepts:    make(chan *Stream, acceptDepth),
		done:       make(chan struct{}),
		pings:      make(map[uint64]chan struct{}),
		capsCh:     make(chan []byte, 1),
	}
	if o.Capabilities != nil {
		hdr := protocol.FrameHeader{Type: protocol.FrameStreamControl, StreamID: ControlStream}
		if err := conn.SendFrame(hdr, o.Capabilities); err != nil {
			m.log.Warn().Err(err).Msg("capability announce failed")
		}
	}
	go m.run()
	return m
}

// Conn exposes the underlying connection.
func (m *Multiplexer) Conn() *transport.Conn { return m.conn }

// SetOpenGate installs a check consulted before every OpenStream.
func (m *Multiplexer) SetOpenGate(fn func() error) { m.gate.Store(fn) }

// Err returns the connection-fatal error that ended the demux loop, if
// any.
func (m *Multiplexer) Err() error {
	if v := m.connErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// OpenStreams reports the current stream table size.
func (m *Multiplexer) OpenStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// OpenStream allocates the next id on this side's parity and announces
// it to the peer. Ids are monotonic and never reused.
func (m *Multiplexer) OpenStream() (*Stream, error) {
	if fn, ok := m.gate.Load().(func() error); ok && fn != nil {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	if m.goAwaySent.Load() || m.goAwayRecv.Load() {
		return nil, api.ErrShuttingDown
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, api.ErrConnClosed
	}
	if len(m.streams) >= m.maxStreams {
		m.mu.Unlock()
		return nil, api.ErrTooManyStreams
	}
	id := m.nextID
	m.nextID += 2
	s := newStream(id, m, DefaultWindow)
	m.streams[id] = s
	m.mu.Unlock()

	sh := protocol.EncodeStreamHeader(protocol.StreamHeader{
		StreamID:    id,
		WindowOrLen: DefaultWindow,
	}, nil)
	hdr := protocol.FrameHeader{Type: protocol.FrameStreamControl, StreamID: id, Flags: protocol.FlagSyn}
	if err := m.conn.SendFrame(hdr, sh); err != nil {
		m.retire(id, StatusCancelled)
		return nil, err
	}
	m.log.Debug().Uint32("stream_id", id).Msg("stream opened")
	return s, nil
}

// Accept returns the next stream the peer opened.
func (m *Multiplexer) Accept(ctx context.Context) (*Stream, error) {
	select {
	case s, ok := <-m.accepts:
		if !ok {
			if err := m.Err(); err != nil {
				return nil, err
			}
			return nil, api.ErrConnClosed
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PeerCapabilities blocks for the peer's stream 0 announcement.
func (m *Multiplexer) PeerCapabilities(ctx context.Context) ([]byte, error) {
	select {
	case caps := <-m.capsCh:
		return caps, nil
	case <-m.done:
		return nil, api.ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping round-trips a liveness probe.
func (m *Multiplexer) Ping(ctx context.Context) (time.Duration, error) {
	m.pingMu.Lock()
	m.pingSeq++
	seq := m.pingSeq
	ch := make(chan struct{})
	m.pings[seq] = ch
	m.pingMu.Unlock()

	defer func() {
		m.pingMu.Lock()
		delete(m.pings, seq)
		m.pingMu.Unlock()
	}()

	var payload [8]byte
	binary.BigEndian.PutUint64(payload[:], seq)
	hdr := protocol.FrameHeader{Type: protocol.FramePing, StreamID: ControlStream}
	start := time.Now()
	if err := m.conn.SendFrame(hdr, payload[:]); err != nil {
		return 0, err
	}

	select {
	case <-ch:
		return time.Since(start), nil
	case <-m.done:
		return 0, api.ErrConnClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// GoAway tells the peer no new streams will be accepted. Existing
// streams continue until they finish.
func (m *Multiplexer) GoAway() error {
	if !m.goAwaySent.CompareAndSwap(false, true) {
		return nil
	}
	m.mu.Lock()
	last := m.nextID
	m.mu.Unlock()
	sh := protocol.EncodeStreamHeader(protocol.StreamHeader{WindowOrLen: last}, nil)
	hdr := protocol.FrameHeader{Type: protocol.FrameGoAway, StreamID: ControlStream}
	return m.conn.SendFrame(hdr, sh)
}

// ForceResetAll terminates every open stream locally with status. Used
// when the drain deadline fires or the connection dies.
func (m *Multiplexer) ForceResetAll(status StreamStatus) {
	m.mu.Lock()
	victims := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		victims = append(victims, s)
	}
	m.mu.Unlock()

	for _, s := range victims {
		s.forceReset(status)
		m.retire(s.id, status)
	}
	if len(victims) > 0 {
		m.log.Debug().Int("streams", len(victims)).Str("status", status.String()).Msg("force reset")
	}
}

// Close tears the connection and every stream down.
func (m *Multiplexer) Close() error {
	err := m.conn.Close()
	<-m.done
	return err
}

// retire removes a terminated stream from the table and remembers its
// id so late frames are dropped instead of answered with Reset.
func (m *Multiplexer) retire(id uint32, status StreamStatus) {
	m.mu.Lock()
	_, ok := m.streams[id]
	if ok {
		delete(m.streams, id)
		m.closedIDs.Add(id, status)
	}
	m.mu.Unlock()
}

func (m *Multiplexer) sendReset(id uint32, code uint32) error {
	sh := protocol.EncodeStreamHeader(protocol.StreamHeader{StreamID: id, WindowOrLen: code}, nil)
	hdr := protocol.FrameHeader{Type: protocol.FrameReset, StreamID: id}
	return m.conn.SendFrame(hdr, sh)
}

func (m *Multiplexer) sendWindowUpdate(id uint32, delta uint32) {
	sh := protocol.EncodeStreamHeader(protocol.StreamHeader{StreamID: id, WindowOrLen: delta}, nil)
	hdr := protocol.FrameHeader{Type: protocol.FrameWindowUpdate, StreamID: id}
	if err := m.conn.SendFrame(hdr, sh); err != nil {
		m.log.Debug().Err(err).Uint32("stream_id", id).Msg("window update dropped")
	}
}

// run is the demux loop: one goroutine owns frame dispatch, so frames
// for a stream apply in arrival order.
func (m *Multiplexer) run() {
	defer close(m.done)

	for fr := range m.conn.Frames() {
		if fr.Header.StreamID == ControlStream {
			m.handleControl(fr)
			continue
		}
		m.handleStreamFrame(fr)
	}

	status := StatusCancelled
	if err := m.conn.Err(); err != nil {
		m.connErr.Store(err)
		status = StatusProtocolError
	}

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.ForceResetAll(status)
	close(m.accepts)
	m.log.Debug().Msg("demux stopped")
}

// handleControl processes frames addressed to the connection itself.
func (m *Multiplexer) handleControl(fr transport.Frame) {
	switch fr.Header.Type {
	case protocol.FramePing:
		if fr.Header.Flags&protocol.FlagAck != 0 {
			if len(fr.Payload) < 8 {
				return
			}
			seq := binary.BigEndian.Uint64(fr.Payload)
			m.pingMu.Lock()
			if ch, ok := m.pings[seq]; ok {
				close(ch)
				delete(m.pings, seq)
			}
			m.pingMu.Unlock()
			return
		}
		hdr := protocol.FrameHeader{Type: protocol.FramePing, StreamID: ControlStream, Flags: protocol.FlagAck}
		if err := m.conn.SendFrame(hdr, fr.Payload); err != nil {
			m.log.Debug().Err(err).Msg("ping ack dropped")
		}
	case protocol.FrameGoAway:
		m.goAwayRecv.Store(true)
		m.log.Debug().Msg("peer going away")
	case protocol.FrameStreamControl:
		m.capsOnce.Do(func() { m.capsCh <- fr.Payload })
	default:
		m.log.Debug().Str("type", fr.Header.Type.String()).Msg("ignoring control frame")
	}
}

// handleStreamFrame dispatches one frame to its stream, creating the
// stream on a well-formed SYN.
func (m *Multiplexer) handleStreamFrame(fr transport.Frame) {
	id := fr.Header.StreamID

	m.mu.Lock()
	s, known := m.streams[id]
	_, recentlyClosed := m.closedIDs.Get(id)
	m.mu.Unlock()

	if !known {
		switch {
		case fr.Header.Type == protocol.FrameStreamControl &&
			fr.Header.Flags&protocol.FlagSyn != 0 &&
			fr.Header.Flags&protocol.FlagAck == 0:
			m.acceptRemote(fr)
		case recentlyClosed:
			// Late frame for a finished stream.
		case fr.Header.Type == protocol.FrameReset:
			// Reset for a stream already gone; nothing to do.
		default:
			m.log.Debug().Uint32("stream_id", id).Str("type", fr.Header.Type.String()).Msg("frame for unknown stream")
			m.sendReset(id, resetProtocolError)
		}
		return
	}

	switch fr.Header.Type {
	case protocol.FrameData:
		s.deliver(fr.Payload, fr.Header.Flags&protocol.FlagEndStream != 0)
	case protocol.FrameWindowUpdate:
		sh, _, err := protocol.DecodeStreamHeader(fr.Payload)
		if err != nil {
			m.resetStream(s, StatusProtocolError)
			return
		}
		s.addCredit(sh.WindowOrLen)
	case protocol.FrameReset:
		code := resetCancelled
		if sh, _, err := protocol.DecodeStreamHeader(fr.Payload); err == nil {
			code = sh.WindowOrLen
		}
		s.peerReset(code)
	case protocol.FrameStreamControl:
		m.handleStreamControl(s, fr)
	default:
		m.resetStream(s, StatusProtocolError)
	}
}

// handleStreamControl applies SYN acknowledgments and control-carried
// half-closes to an existing stream.
func (m *Multiplexer) handleStreamControl(s *Stream, fr transport.Frame) {
	flags := fr.Header.Flags
	if flags&protocol.FlagAck != 0 {
		if sh, _, err := protocol.DecodeStreamHeader(fr.Payload); err == nil && sh.WindowOrLen > 0 {
			s.adjustWindow(sh.WindowOrLen)
		}
		return
	}
	if flags&protocol.FlagSyn != 0 {
		// Duplicate SYN for a live stream.
		m.resetStream(s, StatusProtocolError)
		return
	}
	if flags&protocol.FlagEndStream != 0 {
		s.deliver(nil, true)
	}
}

// acceptRemote admits a peer-opened stream.
func (m *Multiplexer) acceptRemote(fr transport.Frame) {
	id := fr.Header.StreamID

	// The peer must allocate from its own parity.
	localParity := uint32(1)
	if m.side == ServerSide {
		localParity = 0
	}
	if id%2 == localParity {
		m.log.Debug().Uint32("stream_id", id).Msg("syn with wrong parity")
		m.sendReset(id, resetProtocolError)
		return
	}
	if m.goAwaySent.Load() {
		m.sendReset(id, resetCancelled)
		return
	}

	window := uint32(DefaultWindow)
	if sh, _, err := protocol.DecodeStreamHeader(fr.Payload); err == nil && sh.WindowOrLen > 0 {
		window = sh.WindowOrLen
	}

	m.mu.Lock()
	if m.closed || len(m.streams) >= m.maxStreams {
		m.mu.Unlock()
		m.sendReset(id, resetCancelled)
		return
	}
	s := newStream(id, m, DefaultWindow)
	s.adjustWindow(window)
	m.streams[id] = s
	m.mu.Unlock()

	sh := protocol.EncodeStreamHeader(protocol.StreamHeader{
		StreamID:    id,
		Flags:       protocol.FlagAck,
		WindowOrLen: DefaultWindow,
	}, nil)
	hdr := protocol.FrameHeader{Type: protocol.FrameStreamControl, StreamID: id, Flags: protocol.FlagSyn | protocol.FlagAck}
	if err := m.conn.SendFrame(hdr, sh); err != nil {
		m.retire(id, StatusCancelled)
		return
	}

	select {
	case m.accepts <- s:
		m.log.Debug().Uint32("stream_id", id).Msg("stream accepted")
	default:
		// Accept backlog full: refuse rather than block the demux loop.
		s.forceReset(StatusCancelled)
		m.retire(id, StatusCancelled)
		m.sendReset(id, resetCancelled)
		m.log.Warn().Uint32("stream_id", id).Msg("accept backlog full, stream refused")
	}
}

// resetStream cancels a live stream with status and tells the peer.
func (m *Multiplexer) resetStream(s *Stream, status StreamStatus) {
	s.forceReset(status)
	m.retire(s.id, status)
	code := resetCancelled
	if status == StatusProtocolError {
		code = resetProtocolError
	}
	if err := m.sendReset(s.id, code); err != nil {
		m.log.Debug().Err(err).Uint32("stream_id", s.id).Msg("reset frame dropped")
	}
}
