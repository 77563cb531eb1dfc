// File: shutdown/coordinator.go
// Package shutdown drains a multiplexed connection: new work is
// refused, in-flight requests are counted down, and a deadline bounds
// how long stragglers may hold the connection open before they are
// force-cancelled.

package shutdown

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/dcpwire/dcp/api"
	"github.com/dcpwire/dcp/mux"
)

// Phase is the coordinator lifecycle position. Transitions are one-way.
type Phase int32

const (
	PhaseRunning Phase = iota
	PhaseDraining
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

// Progress is a read-only snapshot for observers.
type Progress struct {
	Phase            Phase
	Requests         int
	StreamsRemaining int
	Deadline         time.Time
}

// Coordinator sequences the drain: refuse new opens, wait for guards,
// force-reset leftovers at the deadline, then shut the transport down.
type Coordinator struct {
	m     *mux.Multiplexer
	clk   clock.Clock
	log   zerolog.Logger
	final func() error // runs after the transport is down, e.g. reactor close

	mu       sync.Mutex
	phase    Phase
	requests int
	deadline time.Time
	drained  chan struct{}
	once     bool
	closeErr error

	done chan struct{}
}

// linger bounds the transport flush after the drain completes.
const linger = 2 * time.Second

// New creates a Coordinator in PhaseRunning. final may be nil.
func New(m *mux.Multiplexer, clk clock.Clock, log zerolog.Logger, final func() error) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	return &Coordinator{
		m:       m,
		clk:     clk,
		log:     log.With().Str("component", "shutdown").Logger(),
		final:   final,
		drained: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Guard registers one in-flight request. It fails once draining has
// begun.
func (c *Coordinator) Guard() (*RequestGuard, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseRunning {
		return nil, api.ErrShuttingDown
	}
	c.requests++
	return &RequestGuard{c: c}, nil
}

// release decrements the request count and completes the drain when the
// last guard goes.
func (c *Coordinator) release() {
	c.mu.Lock()
	c.requests--
	finished := c.phase == PhaseDraining && c.requests <= 0 && !c.once
	if finished {
		c.once = true
	}
	c.mu.Unlock()
	if finished {
		close(c.drained)
	}
}

// Begin starts the drain with the given deadline. Idempotent: only the
// first call takes effect.
func (c *Coordinator) Begin(deadline time.Duration) {
	c.mu.Lock()
	if c.phase != PhaseRunning {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseDraining
	c.deadline = c.clk.Now().Add(deadline)
	empty := c.requests <= 0 && !c.once
	if empty {
		c.once = true
	}
	c.mu.Unlock()

	c.log.Info().Dur("deadline", deadline).Msg("drain started")
	c.m.SetOpenGate(func() error { return api.ErrShuttingDown })
	if err := c.m.GoAway(); err != nil {
		c.log.Debug().Err(err).Msg("goaway not delivered")
	}
	if empty {
		close(c.drained)
	}

	go c.finish(deadline)
}

// finish waits for the drain or the deadline, then closes everything in
// order: streams, transport, final hook.
func (c *Coordinator) finish(deadline time.Duration) {
	timer := c.clk.Timer(deadline)
	defer timer.Stop()

	select {
	case <-c.drained:
		c.log.Info().Msg("drain complete")
	case <-timer.C:
		c.mu.Lock()
		remaining := c.requests
		c.mu.Unlock()
		c.log.Warn().Int("requests", remaining).Int("streams", c.m.OpenStreams()).Msg("drain deadline, cancelling stragglers")
		c.m.ForceResetAll(mux.StatusCancelled)
	}

	var cerr error
	cerr = multierr.Append(cerr, c.m.Conn().Shutdown(linger))
	if c.final != nil {
		cerr = multierr.Append(cerr, c.final())
	}
	if cerr != nil {
		c.log.Debug().Err(cerr).Msg("teardown errors")
	}

	c.mu.Lock()
	c.phase = PhaseClosed
	c.closeErr = cerr
	c.mu.Unlock()
	close(c.done)
	c.log.Info().Msg("closed")
}

// Err reports errors collected while tearing the transport down. Valid
// once Done is closed.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Done is closed once the coordinator reaches PhaseClosed.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Progress returns a snapshot of the drain.
func (c *Coordinator) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Progress{
		Phase:            c.phase,
		Requests:         c.requests,
		StreamsRemaining: c.m.OpenStreams(),
		Deadline:         c.deadline,
	}
}

// RequestGuard marks one in-flight request. Release is idempotent.
type RequestGuard struct {
	c        *Coordinator
	released sync.Once
}

// Release returns the guard. Calling it twice is safe; only the first
// call decrements the drain counter.
func (g *RequestGuard) Release() {
	g.released.Do(g.c.release)
}
