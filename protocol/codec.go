// File: protocol/codec.go
// Frame codec with strict size enforcement. A frame is only yielded once
// its declared length is fully buffered; a declared length above
// MaxMessageSize is rejected before any payload byte is accepted.

package protocol

import (
	"encoding/binary"

	"github.com/dcpwire/dcp/api"
)

// EncodeFrame serializes a header and payload into dst, appending and
// returning the extended slice. The header length field is taken from
// len(payload); hdr.Length is ignored.
func EncodeFrame(hdr FrameHeader, payload []byte, mode Mode, dst []byte) ([]byte, error) {
	if len(payload) > MaxMessageSize {
		return nil, &api.FrameError{Cause: api.ErrFrameTooLarge, StreamID: hdr.StreamID, Length: uint32(len(payload))}
	}
	if !hdr.Type.valid() {
		return nil, &api.FrameError{Cause: api.ErrTruncated, StreamID: hdr.StreamID}
	}

	var raw [compatHeaderSize]byte
	raw[0] = Version
	raw[1] = byte(hdr.Type)
	binary.BigEndian.PutUint16(raw[2:], hdr.Flags)
	binary.BigEndian.PutUint32(raw[4:], hdr.StreamID)
	binary.BigEndian.PutUint32(raw[8:], uint32(len(payload)))
	// Bytes 12..16 stay zero in compat mode.

	dst = append(dst, raw[:mode.headerSize()]...)
	dst = append(dst, payload...)
	return dst, nil
}

// DecodeFrame parses one frame from raw. It returns the header, the
// payload (aliasing raw), and the number of bytes consumed.
//
// An incomplete frame returns (zero, nil, 0, nil): feed more bytes and
// retry. Errors are connection-fatal; the caller must close the
// connection without delivering any part of the offending frame.
func DecodeFrame(raw []byte, mode Mode) (FrameHeader, []byte, int, error) {
	hdrSize := mode.headerSize()
	if len(raw) < FrameHeaderSize {
		return FrameHeader{}, nil, 0, nil // incomplete
	}

	hdr := FrameHeader{
		Version:  raw[0],
		Type:     FrameType(raw[1]),
		Flags:    binary.BigEndian.Uint16(raw[2:]),
		StreamID: binary.BigEndian.Uint32(raw[4:]),
		Length:   binary.BigEndian.Uint32(raw[8:]),
	}

	if hdr.Version != Version {
		return FrameHeader{}, nil, 0, &api.FrameError{Cause: api.ErrUnsupportedVersion, StreamID: hdr.StreamID}
	}
	if !hdr.Type.valid() {
		return FrameHeader{}, nil, 0, &api.FrameError{Cause: api.ErrTruncated, StreamID: hdr.StreamID}
	}
	// Enforce the size bound before buffering a single payload byte.
	if hdr.Length > MaxMessageSize {
		return FrameHeader{}, nil, 0, &api.FrameError{Cause: api.ErrFrameTooLarge, StreamID: hdr.StreamID, Length: hdr.Length}
	}

	if len(raw) < hdrSize {
		return FrameHeader{}, nil, 0, nil // incomplete padded header
	}

	total := hdrSize + int(hdr.Length)
	if len(raw) < total {
		return FrameHeader{}, nil, 0, nil // incomplete payload
	}

	return hdr, raw[hdrSize:total], total, nil
}

// EncodeStreamHeader serializes a StreamHeader into dst, appending and
// returning the extended slice.
func EncodeStreamHeader(sh StreamHeader, dst []byte) []byte {
	var raw [StreamHeaderSize]byte
	binary.BigEndian.PutUint32(raw[0:], sh.StreamID)
	binary.BigEndian.PutUint16(raw[4:], sh.Flags)
	binary.BigEndian.PutUint32(raw[6:], sh.WindowOrLen)
	return append(dst, raw[:]...)
}

// DecodeStreamHeader parses a StreamHeader from the front of payload and
// returns the remaining bytes.
func DecodeStreamHeader(payload []byte) (StreamHeader, []byte, error) {
	if len(payload) < StreamHeaderSize {
		return StreamHeader{}, nil, api.ErrTruncated
	}
	sh := StreamHeader{
		StreamID:    binary.BigEndian.Uint32(payload[0:]),
		Flags:       binary.BigEndian.Uint16(payload[4:]),
		WindowOrLen: binary.BigEndian.Uint32(payload[6:]),
	}
	return sh, payload[StreamHeaderSize:], nil
}

// Decoder accumulates raw connection bytes and yields complete frames.
// One Decoder belongs to one connection and is not safe for concurrent
// use.
type Decoder struct {
	mode Mode
	buf  []byte
}

// NewDecoder creates a Decoder for the connection's negotiated mode.
func NewDecoder(mode Mode) *Decoder {
	return &Decoder{mode: mode}
}

// Feed appends raw bytes received from the connection.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next yields the next complete frame, or ok=false when more bytes are
// needed. The returned payload is a copy owned by the caller. A non-nil
// error is connection-fatal.
func (d *Decoder) Next() (FrameHeader, []byte, bool, error) {
	hdr, payload, n, err := DecodeFrame(d.buf, d.mode)
	if err != nil {
		return FrameHeader{}, nil, false, err
	}
	if n == 0 {
		return FrameHeader{}, nil, false, nil
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	d.buf = d.buf[n:]
	return hdr, out, true, nil
}

// Buffered returns the number of bytes awaiting a complete frame. Used
// to detect truncation when the peer closes mid-frame.
func (d *Decoder) Buffered() int { return len(d.buf) }
