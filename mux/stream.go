// File: mux/stream.go
// Stream state machine and per-stream flow control. A stream makes
// exactly one terminal transition; its status is recorded there and
// never changes afterwards.

package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dcpwire/dcp/api"
	"github.com/dcpwire/dcp/protocol"
)

// StreamState is the lifecycle position of one stream.
type StreamState int32

// Streams enter the table already Open: the opener stages its SYN in
// the same step that creates the stream, and an accepted stream has a
// SYN by definition. StateIdle names the position before that step; it
// never appears on a live Stream and exists for snapshots and logs.
const (
	StateIdle StreamState = iota
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
	StateReset
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half_closed_local"
	case StateHalfClosedRemote:
		return "half_closed_remote"
	case StateClosed:
		return "closed"
	case StateReset:
		return "reset"
	}
	return "unknown"
}

// StreamStatus is the terminal outcome of a stream. StatusOk means the
// stream has not terminated abnormally (yet).
type StreamStatus int32

const (
	StatusOk StreamStatus = iota
	StatusCancelled
	StatusProtocolError
	StatusPeerReset
)

func (s StreamStatus) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusCancelled:
		return "cancelled"
	case StatusProtocolError:
		return "protocol_error"
	case StatusPeerReset:
		return "peer_reset"
	}
	return "unknown"
}

// ErrPeerReset reports that the remote side reset the stream.
var ErrPeerReset = errors.New("mux: stream reset by peer")

// ErrProtocolViolation reports a framing or state violation on the
// stream.
var ErrProtocolViolation = errors.New("mux: stream protocol violation")

// Err maps a terminal status to the error surfaced by Send and Poll.
func (s StreamStatus) Err() error {
	switch s {
	case StatusCancelled:
		return api.ErrStreamClosed
	case StatusProtocolError:
		return ErrProtocolViolation
	case StatusPeerReset:
		return ErrPeerReset
	}
	return nil
}

// Stream is one multiplexed, flow-controlled message channel.
type Stream struct {
	id  uint32
	mux *Multiplexer

	mu       sync.Mutex
	recvCond *sync.Cond
	sendCond *sync.Cond

	state  StreamState
	status StreamStatus

	recvQ      [][]byte
	remoteDone bool

	sendWindow int
	// window is the advertised receive window, the reference for the
	// half-window update threshold.
	window   int
	consumed int
}

func newStream(id uint32, m *Multiplexer, window int) *Stream {
	s := &Stream{
		id:         id,
		mux:        m,
		state:      StateOpen,
		sendWindow: window,
		window:     window,
	}
	s.recvCond = sync.NewCond(&s.mu)
	s.sendCond = sync.NewCond(&s.mu)
	return s
}

// ID returns the stream identifier.
func (s *Stream) ID() uint32 { return s.id }

// State returns the current lifecycle state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the terminal status, StatusOk while the stream lives.
func (s *Stream) Status() StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// terminalLocked makes the one-way transition into a terminal state.
// The first caller wins; later calls are no-ops.
func (s *Stream) terminalLocked(state StreamState, status StreamStatus) bool {
	if s.state == StateClosed || s.state == StateReset {
		return false
	}
	s.state = state
	s.status = status
	s.recvCond.Broadcast()
	s.sendCond.Broadcast()
	return true
}

// sendableLocked reports whether the local side may still emit data.
func (s *Stream) sendableLocked() bool {
	return s.state == StateOpen || s.state == StateHalfClosedRemote
}

// Send transmits one message on the stream. It suspends while the send
// window has insufficient credit and resumes when the peer restores it.
// A reset arriving during suspension cancels the wait.
func (s *Stream) Send(p []byte) error {
	if len(p) > protocol.MaxMessageSize {
		return &api.FrameError{Cause: api.ErrFrameTooLarge, StreamID: s.id, Length: uint32(len(p))}
	}

	s.mu.Lock()
	for s.sendWindow < len(p) && s.sendableLocked() {
		s.sendCond.Wait()
	}
	if err := s.status.Err(); err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.sendableLocked() {
		s.mu.Unlock()
		return api.ErrStreamClosed
	}
	s.sendWindow -= len(p)
	s.mu.Unlock()

	hdr := protocol.FrameHeader{Type: protocol.FrameData, StreamID: s.id}
	return s.mux.conn.SendFrame(hdr, p)
}

// EndStream half-closes the local side. The peer sees a finite stream.
func (s *Stream) EndStream() error {
	s.mu.Lock()
	if err := s.status.Err(); err != nil {
		s.mu.Unlock()
		return err
	}
	switch s.state {
	case StateOpen:
		s.state = StateHalfClosedLocal
	case StateHalfClosedRemote:
		s.terminalLocked(StateClosed, StatusOk)
		defer s.mux.retire(s.id, StatusOk)
	default:
		s.mu.Unlock()
		return api.ErrStreamClosed
	}
	s.mu.Unlock()

	hdr := protocol.FrameHeader{Type: protocol.FrameData, StreamID: s.id, Flags: protocol.FlagEndStream}
	return s.mux.conn.SendFrame(hdr, nil)
}

// Poll returns the next message in send order. After the peer ends the
// stream it returns io.EOF. A reset discards any undelivered messages
// and surfaces the terminal status instead.
func (s *Stream) Poll(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.recvCond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	for {
		// Reset wins over buffered data.
		if err := s.status.Err(); err != nil {
			s.recvQ = nil
			s.mu.Unlock()
			return nil, err
		}
		if len(s.recvQ) > 0 {
			msg := s.recvQ[0]
			s.recvQ = s.recvQ[1:]
			s.consumed += len(msg)
			update := 0
			if s.consumed >= s.window/2 {
				update = s.consumed
				s.consumed = 0
			}
			s.mu.Unlock()
			if update > 0 {
				s.mux.sendWindowUpdate(s.id, uint32(update))
			}
			return msg, nil
		}
		if s.remoteDone {
			s.mu.Unlock()
			return nil, io.EOF
		}
		if ctx.Err() != nil {
			s.mu.Unlock()
			return nil, ctx.Err()
		}
		s.recvCond.Wait()
	}
}

// Close cancels the stream locally. Undelivered inbound messages are
// dropped and the peer is told to stop sending.
func (s *Stream) Close() error {
	s.mu.Lock()
	if !s.terminalLocked(StateReset, StatusCancelled) {
		s.mu.Unlock()
		return nil
	}
	s.recvQ = nil
	s.mu.Unlock()

	s.mux.retire(s.id, StatusCancelled)
	return s.mux.sendReset(s.id, resetCancelled)
}

// deliver queues one inbound message, or records the remote half-close.
func (s *Stream) deliver(payload []byte, end bool) {
	retired := false
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateReset {
		s.mu.Unlock()
		return
	}
	if len(payload) > 0 {
		s.recvQ = append(s.recvQ, payload)
	}
	if end {
		s.remoteDone = true
		switch s.state {
		case StateOpen:
			s.state = StateHalfClosedRemote
		case StateHalfClosedLocal:
			retired = s.terminalLocked(StateClosed, StatusOk)
		}
	}
	s.recvCond.Broadcast()
	s.mu.Unlock()

	if retired {
		s.mux.retire(s.id, StatusOk)
	}
}

// addCredit restores send window credit from a WindowUpdate.
func (s *Stream) addCredit(delta uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendWindow += int(delta)
	s.sendCond.Broadcast()
}

// adjustWindow applies the peer's advertised initial window from its
// acknowledgment.
func (s *Stream) adjustWindow(advertised uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendWindow += int(advertised) - DefaultWindow
	s.sendCond.Broadcast()
}

// peerReset applies an inbound Reset: terminal, buffered recv dropped,
// pending suspensions cancelled.
func (s *Stream) peerReset(code uint32) {
	status := StatusPeerReset
	if code == resetProtocolError {
		status = StatusProtocolError
	}
	s.mu.Lock()
	won := s.terminalLocked(StateReset, status)
	if won {
		s.recvQ = nil
	}
	s.mu.Unlock()
	if won {
		s.mux.retire(s.id, status)
	}
}

// forceReset terminates the stream locally without notifying the peer,
// used when the connection itself is gone.
func (s *Stream) forceReset(status StreamStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalLocked(StateReset, status) {
		s.recvQ = nil
	}
}

// String implements fmt.Stringer for log fields.
func (s *Stream) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("stream(%d,%s)", s.id, s.state)
}
