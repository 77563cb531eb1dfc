//go:build windows

// File: transport/sock_windows.go
// Winsock NetConn. Sockets are created overlapped so the completion
// port backend can drive them; the direct Read and Write paths below
// are blocking fallbacks used only before a socket joins the reactor.

package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/dcpwire/dcp/api"
	"github.com/dcpwire/dcp/config"
)

var wsaOnce sync.Once

func wsaInit() {
	wsaOnce.Do(func() {
		var d windows.WSAData
		windows.WSAStartup(uint32(0x202), &d)
	})
}

// sockConn owns exactly one socket handle for its lifetime.
type sockConn struct {
	fd     windows.Handle
	closed atomic.Bool
}

func newSockConn(fd windows.Handle, tcp config.TCPConfig) (*sockConn, error) {
	if tcp.NoDelay {
		if err := windows.SetsockoptInt(fd, windows.IPPROTO_TCP, windows.TCP_NODELAY, 1); err != nil {
			windows.Closesocket(fd)
			return nil, fmt.Errorf("set nodelay: %w", err)
		}
	}
	if tcp.KeepAlive > 0 {
		if err := windows.SetsockoptInt(fd, windows.SOL_SOCKET, windows.SO_KEEPALIVE, 1); err != nil {
			windows.Closesocket(fd)
			return nil, fmt.Errorf("set keepalive: %w", err)
		}
	}
	return &sockConn{fd: fd}, nil
}

// Read performs a blocking receive. The completion driver bypasses this
// and submits through the reactor instead.
func (s *sockConn) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, api.ErrConnClosed
	}
	buf := windows.WSABuf{Len: uint32(len(p))}
	if len(p) > 0 {
		buf.Buf = &p[0]
	}
	var n, flags uint32
	if err := windows.WSARecv(s.fd, &buf, 1, &n, &flags, nil, nil); err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	if n == 0 {
		return 0, errPeerClosed
	}
	return int(n), nil
}

// Write performs a blocking send.
func (s *sockConn) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, api.ErrConnClosed
	}
	buf := windows.WSABuf{Len: uint32(len(p))}
	if len(p) > 0 {
		buf.Buf = &p[0]
	}
	var n uint32
	if err := windows.WSASend(s.fd, &buf, 1, &n, 0, nil, nil); err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}
	return int(n), nil
}

// CloseWrite half-closes the sending direction.
func (s *sockConn) CloseWrite() error {
	if s.closed.Load() {
		return api.ErrConnClosed
	}
	return windows.Shutdown(s.fd, windows.SHUT_WR)
}

// Close releases the handle exactly once.
func (s *sockConn) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return windows.Closesocket(s.fd)
}

// RawFD returns the underlying handle.
func (s *sockConn) RawFD() uintptr { return uintptr(s.fd) }

// dialSocket opens an overlapped TCP socket connected to addr.
func dialSocket(addr string, tcp config.TCPConfig) (*sockConn, error) {
	wsaInit()
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := windows.Socket(family, windows.SOCK_STREAM, windows.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := windows.Connect(fd, sa); err != nil {
		windows.Closesocket(fd)
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return newSockConn(fd, tcp)
}

// listenSock is a blocking acceptor built on AcceptEx with an event
// wait, since classic accept is not exposed.
type listenSock struct {
	fd     windows.Handle
	family int
	addr   string
	closed atomic.Bool
}

func newListenSock(addr string, backlog int) (*listenSock, error) {
	wsaInit()
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := windows.Socket(family, windows.SOCK_STREAM, windows.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := windows.SetsockoptInt(fd, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1); err != nil {
		windows.Closesocket(fd)
		return nil, fmt.Errorf("set reuseaddr: %w", err)
	}
	if err := windows.Bind(fd, sa); err != nil {
		windows.Closesocket(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := windows.Listen(fd, backlog); err != nil {
		windows.Closesocket(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	ls := &listenSock{fd: fd, family: family, addr: addr}
	if bound, err := windows.Getsockname(fd); err == nil {
		ls.addr = sockaddrString(bound)
	}
	return ls, nil
}

// Addr returns the bound address.
func (l *listenSock) Addr() string { return l.addr }

// Accept blocks for the next connection.
func (l *listenSock) Accept(tcp config.TCPConfig) (*sockConn, error) {
	fd, err := windows.Socket(l.family, windows.SOCK_STREAM, windows.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	ev, err := windows.WSACreateEvent()
	if err != nil {
		windows.Closesocket(fd)
		return nil, fmt.Errorf("create event: %w", err)
	}
	defer windows.WSACloseEvent(ev)

	var ov windows.Overlapped
	ov.HEvent = ev
	// AcceptEx needs room for two sockaddrs even with zero receive len.
	var addrs [128]byte
	var received uint32
	err = windows.AcceptEx(l.fd, fd, &addrs[0], 0, 64, 64, &received, &ov)
	if err == windows.ERROR_IO_PENDING {
		windows.WaitForSingleObject(ev, windows.INFINITE)
		var flags uint32
		err = windows.WSAGetOverlappedResult(l.fd, &ov, &received, false, &flags)
	}
	if err != nil {
		windows.Closesocket(fd)
		if l.closed.Load() {
			return nil, api.ErrConnClosed
		}
		return nil, fmt.Errorf("accept: %w", err)
	}

	parent := l.fd
	windows.Setsockopt(fd, windows.SOL_SOCKET, windows.SO_UPDATE_ACCEPT_CONTEXT,
		(*byte)(unsafe.Pointer(&parent)), int32(unsafe.Sizeof(parent)))
	return newSockConn(fd, tcp)
}

// Close stops the acceptor and cancels a pending AcceptEx.
func (l *listenSock) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return windows.Closesocket(l.fd)
}

// sockaddrString renders a bound sockaddr as host:port.
func sockaddrString(sa windows.Sockaddr) string {
	switch v := sa.(type) {
	case *windows.SockaddrInet4:
		ip := net.IP(v.Addr[:])
		return fmt.Sprintf("%s:%d", ip.String(), v.Port)
	case *windows.SockaddrInet6:
		ip := net.IP(v.Addr[:])
		return fmt.Sprintf("[%s]:%d", ip.String(), v.Port)
	}
	return ""
}
