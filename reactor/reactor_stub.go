//go:build !linux && !darwin && !freebsd && !windows

// File: reactor/reactor_stub.go
// Fallback for platforms without a backend.

package reactor

import "github.com/dcpwire/dcp/api"

// New fails on platforms with no reactor backend.
func New(opts ...Option) (Reactor, error) {
	return nil, api.ErrNotSupported
}
