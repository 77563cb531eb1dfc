//go:build windows

// File: transport/addr_windows.go
// Address resolution to raw sockaddrs.

package transport

import (
	"fmt"
	"net"

	"golang.org/x/sys/windows"
)

// resolveSockaddr parses host:port into a sockaddr and address family.
func resolveSockaddr(addr string) (windows.Sockaddr, int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve %s: %w", addr, err)
	}
	ip := tcpAddr.IP
	if ip == nil {
		ip = net.IPv4zero
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &windows.SockaddrInet4{Port: tcpAddr.Port}
		copy(sa.Addr[:], ip4)
		return sa, windows.AF_INET, nil
	}
	sa := &windows.SockaddrInet6{Port: tcpAddr.Port}
	copy(sa.Addr[:], ip.To16())
	return sa, windows.AF_INET6, nil
}
