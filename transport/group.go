// File: transport/group.go
// Package transport turns reactor events into validated byte frames
// over one physical connection (plain TCP or TLS). A Group binds one
// reactor instance to its polling goroutine and routes poll outcomes to
// the connections it owns; no connection is ever shared across groups.

package transport

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/dcpwire/dcp/api"
	"github.com/dcpwire/dcp/reactor"
)

// signals is the per-registration mailbox outcomes are routed into.
// Completions are split per direction so the reader and the flusher
// goroutines never steal each other's results.
type signals struct {
	readable  chan struct{}
	writable  chan struct{}
	readDone  chan reactor.Outcome
	writeDone chan reactor.Outcome

	failOnce sync.Once
	dead     chan struct{}
	err      error
}

func newSignals() *signals {
	return &signals{
		readable:  make(chan struct{}, 1),
		writable:  make(chan struct{}, 1),
		readDone:  make(chan reactor.Outcome, 1),
		writeDone: make(chan reactor.Outcome, 1),
		dead:      make(chan struct{}),
	}
}

// fail latches a handle-level error and releases every waiter. The
// first error wins.
func (s *signals) fail(err error) {
	s.failOnce.Do(func() {
		s.err = err
		close(s.dead)
	})
}

// failure reports the latched error. Valid only after dead is closed.
func (s *signals) failure() error { return s.err }

// Group owns one reactor and the connections registered with it.
type Group struct {
	r   reactor.Reactor
	log zerolog.Logger

	mu     sync.Mutex
	routes map[reactor.Token]*signals
	closed bool

	loopDone chan struct{}
}

// NewGroup starts a reactor and its polling loop.
func NewGroup(r reactor.Reactor, log zerolog.Logger) *Group {
	g := &Group{
		r:        r,
		log:      log.With().Str("component", "transport").Logger(),
		routes:   make(map[reactor.Token]*signals),
		loopDone: make(chan struct{}),
	}
	go g.run()
	return g
}

// Reactor exposes the group's reactor for submissions.
func (g *Group) Reactor() reactor.Reactor { return g.r }

// run drives the polling loop until the reactor closes. A reactor-fatal
// poll error is broadcast to every registered connection as a forced
// failure.
func (g *Group) run() {
	defer close(g.loopDone)
	err := reactor.Loop(g.r, g.dispatch)
	if err != nil {
		g.log.Error().Err(err).Msg("reactor failed")
		err = api.ErrReactorClosed
	} else {
		err = api.ErrReactorClosed
	}
	g.mu.Lock()
	g.closed = true
	routes := g.routes
	g.routes = map[reactor.Token]*signals{}
	g.mu.Unlock()
	for _, s := range routes {
		s.fail(err)
	}
}

// dispatch routes one poll outcome to its registration's mailbox.
// Signals are edge-collapsing: a second readiness report before the
// owner consumed the first is folded into it.
func (g *Group) dispatch(oc reactor.Outcome) {
	g.mu.Lock()
	s, ok := g.routes[oc.Token]
	g.mu.Unlock()
	if !ok {
		return
	}
	switch oc.Kind {
	case reactor.KindEvent:
		if oc.Err != nil {
			s.fail(oc.Err)
		}
		if oc.Readable {
			select {
			case s.readable <- struct{}{}:
			default:
			}
		}
		if oc.Writable {
			select {
			case s.writable <- struct{}{}:
			default:
			}
		}
	case reactor.KindCompletion:
		if oc.Op == reactor.OpRead {
			s.readDone <- oc
		} else {
			s.writeDone <- oc
		}
	}
}

// attach registers fd with the reactor and returns its token and
// mailbox.
func (g *Group) attach(fd uintptr, interest reactor.Interest) (reactor.Token, *signals, error) {
	tok, err := g.r.Register(fd, interest)
	if err != nil {
		return 0, nil, err
	}
	s := newSignals()
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.r.Deregister(tok)
		return 0, nil, api.ErrReactorClosed
	}
	g.routes[tok] = s
	g.mu.Unlock()
	return tok, s, nil
}

// detach removes the registration.
func (g *Group) detach(tok reactor.Token) {
	g.mu.Lock()
	delete(g.routes, tok)
	g.mu.Unlock()
	g.r.Deregister(tok)
}

// Close destroys the reactor and waits for the polling loop to exit.
func (g *Group) Close() error {
	err := g.r.Close()
	g.r.Wake()
	<-g.loopDone
	return err
}
