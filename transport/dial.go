// File: transport/dial.go
// Dial and Listen build framed connections: raw socket, reactor
// registration, optional TLS, version handshake, then the frame pumps.
// TLS sits below the codec, so framing is identical on plain and
// encrypted connections.

package transport

import (
	"crypto/tls"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dcpwire/dcp/api"
	"github.com/dcpwire/dcp/config"
	"github.com/dcpwire/dcp/pool"
	"github.com/dcpwire/dcp/protocol"
	"github.com/dcpwire/dcp/reactor"
)

// tlsPipe lifts a tls.Conn back into api.NetConn, keeping the raw
// descriptor visible for teardown.
type tlsPipe struct {
	*tls.Conn
	fd uintptr
}

func (t tlsPipe) RawFD() uintptr { return t.fd }

// buildPipe wraps the raw socket with the driver matching the group's
// reactor: readiness backends retry on would-block, completion backends
// submit operations.
func buildPipe(sc *sockConn, g *Group) (api.NetConn, tokenRef, error) {
	tok, sig, err := g.attach(sc.RawFD(), reactor.Interest{Readable: true, Writable: true})
	if err != nil {
		return nil, tokenRef{}, err
	}
	ref := tokenRef{group: g, tok: tok, ok: true}
	if sub, ok := g.Reactor().(reactor.Submitter); ok {
		return newCompletionConn(sc, sub, tok, sig), ref, nil
	}
	return newBlockingConn(sc, sig), ref, nil
}

// finishConn layers TLS if configured, runs the version handshake, and
// starts the pumps.
func finishConn(sc *sockConn, pipe api.NetConn, ref tokenRef, tlsConf *tls.Config, server bool, cfg config.Config, bufs *pool.SlabPool, log zerolog.Logger) (*Conn, error) {
	fail := func(err error) (*Conn, error) {
		if ref.ok {
			ref.group.detach(ref.tok)
			ref.ok = false
		}
		pipe.Close()
		return nil, err
	}

	if tlsConf != nil {
		adapter := netConnAdapter{pipe: pipe}
		var tc *tls.Conn
		if server {
			tc = tls.Server(adapter, tlsConf)
		} else {
			tc = tls.Client(adapter, tlsConf)
		}
		if err := tc.Handshake(); err != nil {
			return fail(fmt.Errorf("tls handshake: %w", err))
		}
		pipe = tlsPipe{Conn: tc, fd: sc.RawFD()}
	}

	mode, err := protocol.Exchange(pipe, cfg.Mode)
	if err != nil {
		return fail(err)
	}

	return newConn(connSetup{
		pipe: pipe,
		raw:  sc,
		mode: mode,
		hwm:  cfg.HighWaterMark,
		lwm:  cfg.LowWaterMark,
		det:  ref,
		pool: bufs,
		log:  log,
	}), nil
}

// Dial opens a framed connection to cfg.TCP.Addr through the group's
// reactor.
func Dial(cfg config.Config, g *Group, bufs *pool.SlabPool, log zerolog.Logger) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tlsConf, err := cfg.BuildTLS()
	if err != nil {
		return nil, err
	}

	sc, err := dialSocket(cfg.TCP.Addr, cfg.TCP)
	if err != nil {
		return nil, err
	}
	pipe, ref, err := buildPipe(sc, g)
	if err != nil {
		sc.Close()
		return nil, err
	}
	return finishConn(sc, pipe, ref, tlsConf, false, cfg, bufs, log)
}

// Listener accepts framed connections.
type Listener struct {
	sock *listenSock
	cfg  config.Config
	tls  *tls.Config
	g    *Group
	bufs *pool.SlabPool
	log  zerolog.Logger
}

// Listen binds cfg.TCP.Addr and returns an acceptor.
func Listen(cfg config.Config, g *Group, bufs *pool.SlabPool, log zerolog.Logger) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tlsConf, err := cfg.BuildTLS()
	if err != nil {
		return nil, err
	}
	ls, err := newListenSock(cfg.TCP.Addr, 128)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("addr", ls.Addr()).Msg("listening")
	return &Listener{sock: ls, cfg: cfg, tls: tlsConf, g: g, bufs: bufs, log: log}, nil
}

// Addr returns the bound address, useful with port 0.
func (l *Listener) Addr() string { return l.sock.Addr() }

// Accept blocks for the next connection and completes its handshake
// before returning.
func (l *Listener) Accept() (*Conn, error) {
	sc, err := l.sock.Accept(l.cfg.TCP)
	if err != nil {
		return nil, err
	}
	pipe, ref, err := buildPipe(sc, l.g)
	if err != nil {
		sc.Close()
		return nil, err
	}
	return finishConn(sc, pipe, ref, l.tls, true, l.cfg, l.bufs, l.log)
}

// Close stops accepting. Established connections are unaffected.
func (l *Listener) Close() error { return l.sock.Close() }
