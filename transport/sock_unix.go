//go:build linux || darwin || freebsd

// File: transport/sock_unix.go
// Non-blocking socket NetConn for readiness backends. Read and Write
// map EAGAIN to api.ErrWouldBlock; the owning connection waits for the
// reactor to report readiness and retries.

package transport

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dcpwire/dcp/api"
	"github.com/dcpwire/dcp/config"
)

// sockConn owns exactly one descriptor for its lifetime; the descriptor
// is closed exactly once, on teardown.
type sockConn struct {
	fd     int
	closed atomic.Bool
}

// newSockConn applies socket options and switches fd to non-blocking
// mode.
func newSockConn(fd int, tcp config.TCPConfig) (*sockConn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	if tcp.NoDelay {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("set nodelay: %w", err)
		}
	}
	if tcp.KeepAlive > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("set keepalive: %w", err)
		}
		secs := int(tcp.KeepAlive / time.Second)
		if secs < 1 {
			secs = 1
		}
		// Probe interval tuning is best-effort; not every platform
		// exposes TCP_KEEPINTVL.
		unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs)
	}
	return &sockConn{fd: fd}, nil
}

// Read performs a non-blocking read.
func (s *sockConn) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, api.ErrConnClosed
	}
	n, err := unix.Read(s.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, api.ErrWouldBlock
		}
		return 0, fmt.Errorf("read: %w", err)
	}
	if n == 0 {
		return 0, errPeerClosed
	}
	return n, nil
}

// Write performs a non-blocking write.
func (s *sockConn) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, api.ErrConnClosed
	}
	n, err := unix.Write(s.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, api.ErrWouldBlock
		}
		return 0, fmt.Errorf("write: %w", err)
	}
	return n, nil
}

// CloseWrite half-closes the sending direction.
func (s *sockConn) CloseWrite() error {
	if s.closed.Load() {
		return api.ErrConnClosed
	}
	return unix.Shutdown(s.fd, unix.SHUT_WR)
}

// Close releases the descriptor exactly once.
func (s *sockConn) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(s.fd)
}

// RawFD returns the underlying descriptor.
func (s *sockConn) RawFD() uintptr { return uintptr(s.fd) }

// dialSocket opens a non-blocking TCP socket connected to addr.
func dialSocket(addr string, tcp config.TCPConfig) (*sockConn, error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	// Connect in blocking mode; non-blocking starts after the
	// three-way handshake so the dial itself stays simple.
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return newSockConn(fd, tcp)
}

// listenSock is a blocking accept socket. Accepted descriptors switch
// to non-blocking mode before they join the reactor.
type listenSock struct {
	fd     int
	addr   string
	closed atomic.Bool
}

// newListenSock opens a listening TCP socket bound to addr.
func newListenSock(addr string, backlog int) (*listenSock, error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set reuseaddr: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	ls := &listenSock{fd: fd, addr: addr}
	if bound, err := unix.Getsockname(fd); err == nil {
		ls.addr = sockaddrString(bound)
	}
	return ls, nil
}

// Addr returns the bound address.
func (l *listenSock) Addr() string { return l.addr }

// Accept blocks for the next connection.
func (l *listenSock) Accept(tcp config.TCPConfig) (*sockConn, error) {
	for {
		fd, _, err := unix.Accept(l.fd)
		if err != nil {
			if l.closed.Load() {
				return nil, api.ErrConnClosed
			}
			if err == unix.EINTR || err == unix.ECONNABORTED {
				continue
			}
			return nil, fmt.Errorf("accept: %w", err)
		}
		unix.CloseOnExec(fd)
		return newSockConn(fd, tcp)
	}
}

// Close stops the acceptor.
func (l *listenSock) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(l.fd)
}

// sockaddrString renders a bound sockaddr as host:port.
func sockaddrString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(v.Addr[:]).String(), v.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(v.Addr[:]).String(), v.Port)
	}
	return ""
}
