// File: protocol/handshake.go
// Version gate and mode negotiation. Two bytes are exchanged in each
// direction before any frame is parsed: the protocol version and the
// preferred framing mode. A version mismatch aborts the connection
// immediately; the peer's payload is never interpreted.

package protocol

import (
	"fmt"
	"io"

	"github.com/dcpwire/dcp/api"
)

// helloSize is the fixed size of the handshake preamble.
const helloSize = 2

// Exchange runs the symmetric handshake over the raw byte stream: write
// our [version, mode] pair, read the peer's, verify the version and
// resolve the framing mode for the connection's lifetime.
//
// Exchange must complete before the connection is handed to the frame
// pump; the capability negotiation that follows rides the first
// StreamControl frame on stream 0 and is opaque to this layer.
func Exchange(nc api.NetConn, pref Mode) (Mode, error) {
	if !pref.valid() {
		return 0, ErrUnknownMode
	}

	hello := [helloSize]byte{Version, byte(pref)}
	if _, err := nc.Write(hello[:]); err != nil {
		return 0, fmt.Errorf("handshake write: %w", err)
	}

	var peer [helloSize]byte
	if err := readFull(nc, peer[:]); err != nil {
		return 0, fmt.Errorf("handshake read: %w", err)
	}

	if peer[0] != Version {
		return 0, &api.FrameError{Cause: api.ErrUnsupportedVersion}
	}

	mode, err := resolveMode(pref, Mode(peer[1]))
	if err != nil {
		return 0, err
	}
	return mode, nil
}

// readFull reads exactly len(p) bytes from nc. A short read due to peer
// close surfaces as ErrTruncated.
func readFull(nc api.NetConn, p []byte) error {
	read := 0
	for read < len(p) {
		n, err := nc.Read(p[read:])
		read += n
		if err != nil {
			if err == io.EOF && read < len(p) {
				return api.ErrTruncated
			}
			return err
		}
		if n == 0 {
			return api.ErrTruncated
		}
	}
	return nil
}
