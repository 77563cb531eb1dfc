// File: protocol/mode.go
// Protocol modes select the active framing variant for one connection.
// The mode is negotiated once during the version handshake and never
// changes for the connection's lifetime.

package protocol

import "errors"

// ErrUnknownMode reports a mode byte outside the known vocabulary.
// Treated as a handshake failure; the connection is aborted.
var ErrUnknownMode = errors.New("unknown protocol mode")

// Mode enumerates the framing variants.
type Mode uint8

const (
	// ModeBinary is the native compact framing.
	ModeBinary Mode = 0x1
	// ModeCompat tolerates the padded 16-byte header emitted by legacy
	// peers. Payload semantics are identical; the extra header bytes are
	// discarded on decode and zero-filled on encode.
	ModeCompat Mode = 0x2
)

// String returns the mode mnemonic for logging.
func (m Mode) String() string {
	switch m {
	case ModeBinary:
		return "binary"
	case ModeCompat:
		return "compat"
	default:
		return "unknown"
	}
}

// valid reports whether the mode byte is part of the vocabulary.
func (m Mode) valid() bool {
	return m == ModeBinary || m == ModeCompat
}

// headerSize returns the on-wire frame header size for the mode.
func (m Mode) headerSize() int {
	if m == ModeCompat {
		return compatHeaderSize
	}
	return FrameHeaderSize
}

// resolveMode picks the mode both peers can speak. Equal preferences
// win outright; otherwise the connection falls back to the lower
// (native) variant, which every peer advertising a valid mode supports.
func resolveMode(local, peer Mode) (Mode, error) {
	if !local.valid() || !peer.valid() {
		return 0, ErrUnknownMode
	}
	if local == peer {
		return local, nil
	}
	if local < peer {
		return local, nil
	}
	return peer, nil
}
