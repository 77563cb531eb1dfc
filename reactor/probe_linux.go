//go:build linux

// File: reactor/probe_linux.go
// Linux backend probe: io_uring when asked for and available, epoll
// otherwise.

package reactor

// New selects the platform backend. With PreferCompletion set the probe
// attempts io_uring first and falls back to epoll when the kernel
// refuses ring setup (old kernel, seccomp, rlimit).
func New(opts ...Option) (Reactor, error) {
	o := buildOptions(opts)
	if o.PreferCompletion {
		if r, err := newUringReactor(o); err == nil {
			return r, nil
		} else {
			o.Logger.Debug().Err(err).Msg("io_uring unavailable, falling back to epoll")
		}
	}
	return newEpollReactor(o)
}
