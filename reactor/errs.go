// File: reactor/errs.go

package reactor

import "github.com/dcpwire/dcp/api"

// errReactorClosed is the shared terminal error for destroyed backends.
func errReactorClosed() error { return api.ErrReactorClosed }
