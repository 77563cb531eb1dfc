// File: reactor/options.go
// Construction options. Exactly one backend is selected at startup by
// platform probing; options only steer the probe, they never leak
// backend types upward.

package reactor

import "github.com/rs/zerolog"

// Options collects construction parameters.
type Options struct {
	// PreferCompletion asks the probe for a completion-based backend
	// where the platform offers a choice (io_uring on Linux). When the
	// kernel refuses ring setup the probe falls back to readiness
	// polling.
	PreferCompletion bool

	// Logger receives wake retry and teardown diagnostics.
	Logger zerolog.Logger
}

// Option mutates Options.
type Option func(*Options)

// WithCompletionBackend steers the platform probe toward io_uring on
// Linux. Ignored on platforms without a choice of backends.
func WithCompletionBackend(prefer bool) Option {
	return func(o *Options) { o.PreferCompletion = prefer }
}

// WithLogger sets the reactor's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func buildOptions(opts []Option) Options {
	o := Options{Logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
