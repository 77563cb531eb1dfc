// File: api/netconn.go
// Defines the raw byte-pipe abstraction the transport builds connections
// on top of. A NetConn may be backed by an OS socket, a TLS session, or
// an in-memory pair in tests.

package api

// NetConn abstracts a full-duplex byte stream that may or may not be
// backed by a kernel socket.
type NetConn interface {
	// Read reads into a preallocated buffer.
	Read(p []byte) (n int, err error)

	// Write writes buffer contents into the connection.
	Write(p []byte) (n int, err error)

	// Close shuts down the connection. Safe to call more than once;
	// the underlying handle is released exactly once.
	Close() error

	// RawFD returns the underlying OS-level handle, or 0 when the
	// connection is not socket-backed.
	RawFD() uintptr
}
