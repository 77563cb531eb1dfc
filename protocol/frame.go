// File: protocol/frame.go
// Package protocol implements the binary frame layer: fixed-size headers,
// frame type and flag vocabulary, and the size limits enforced on every
// frame regardless of direction.

package protocol

// Version is the single protocol version byte this implementation
// speaks. It is the first byte exchanged on a new connection and is
// compared exactly; any mismatch aborts the handshake before a single
// payload byte is parsed.
const Version byte = 0x1

// MaxMessageSize bounds the declared payload length of a single frame.
// A frame announcing more is rejected without buffering its payload.
const MaxMessageSize = 1 << 20 // 1 MiB

// FrameHeaderSize is the fixed on-wire size of a FrameHeader.
const FrameHeaderSize = 12

// compatHeaderSize is the padded header size tolerated in ModeCompat.
// Legacy peers emit four reserved trailing bytes after the standard
// header; they are read and discarded.
const compatHeaderSize = 16

// StreamHeaderSize is the fixed on-wire size of a StreamHeader.
const StreamHeaderSize = 10

// FrameType identifies the kind of a frame.
type FrameType uint8

const (
	// FrameData carries stream payload bytes.
	FrameData FrameType = 0x1
	// FrameStreamControl carries stream lifecycle signalling (SYN/ACK)
	// and, on stream 0, the opaque capability exchange.
	FrameStreamControl FrameType = 0x2
	// FrameWindowUpdate restores flow-control credit to a stream.
	FrameWindowUpdate FrameType = 0x3
	// FrameReset abandons a stream immediately.
	FrameReset FrameType = 0x4
	// FramePing is a connection liveness probe.
	FramePing FrameType = 0x5
	// FrameGoAway announces that the sender stops accepting new streams.
	FrameGoAway FrameType = 0x6
)

// String returns the frame type mnemonic for logging.
func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameStreamControl:
		return "STREAM_CONTROL"
	case FrameWindowUpdate:
		return "WINDOW_UPDATE"
	case FrameReset:
		return "RESET"
	case FramePing:
		return "PING"
	case FrameGoAway:
		return "GO_AWAY"
	default:
		return "UNKNOWN"
	}
}

// valid reports whether the frame type belongs to the wire vocabulary.
func (t FrameType) valid() bool {
	return t >= FrameData && t <= FrameGoAway
}

// Frame flags. Flags occupy a u16 so the vocabulary can grow without a
// wire change.
const (
	// FlagEndStream marks the last frame the sender will emit on the
	// stream.
	FlagEndStream uint16 = 0x1
	// FlagSyn opens a stream.
	FlagSyn uint16 = 0x2
	// FlagAck acknowledges a SYN.
	FlagAck uint16 = 0x4
)

// FrameHeader is the fixed-size prefix of every wire unit.
//
// Wire layout, big-endian:
//
//	version:u8  type:u8  flags:u16  stream_id:u32  length:u32
//
// Length counts payload bytes only, excluding the header itself.
// StreamID 0 addresses the connection, not a stream.
type FrameHeader struct {
	Version  byte
	Type     FrameType
	Flags    uint16
	StreamID uint32
	Length   uint32
}

// StreamHeader is embedded at the front of mux-generated Data and
// StreamControl payloads that need window bookkeeping.
//
// Wire layout, big-endian:
//
//	stream_id:u32  flags:u16  window_or_len:u32
type StreamHeader struct {
	StreamID    uint32
	Flags       uint16
	WindowOrLen uint32
}
