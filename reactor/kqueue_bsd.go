//go:build darwin || freebsd

// File: reactor/kqueue_bsd.go
// kqueue(2) readiness backend for Darwin and FreeBSD. Read and write
// interest are distinct kernel filters, so interest changes add and
// delete filters individually.

package reactor

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// wakeIdent is the EVFILT_USER identifier used by Wake. User events
// live in their own filter namespace, so the value cannot collide with
// a registered descriptor.
const wakeIdent = 0

// kqueueReactor implements Reactor using kqueue.
type kqueueReactor struct {
	kq     int
	reg    *registry
	hand   *handoff
	closed atomic.Bool
	log    zerolog.Logger
}

// newKqueueReactor creates the kqueue instance and arms the wake event.
func newKqueueReactor(o Options) (*kqueueReactor, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	wake := unix.Kevent_t{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{wake}, nil, nil); err != nil {
		unix.Close(kq)
		return nil, fmt.Errorf("kevent add user: %w", err)
	}
	return &kqueueReactor{
		kq:   kq,
		reg:  newRegistry(),
		hand: newHandoff(),
		log:  o.Logger.With().Str("component", "reactor").Str("backend", "kqueue").Logger(),
	}, nil
}

// filterChanges builds the kevent change list that moves fd from the old
// interest set to the new one.
func filterChanges(fd uintptr, old, new Interest) []unix.Kevent_t {
	var changes []unix.Kevent_t
	set := func(filter int16, was, want bool) {
		switch {
		case want && !was:
			// EV_CLEAR gives edge semantics: owners drain until EAGAIN
			// before parking, matching the epoll backend.
			changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: unix.EV_ADD | unix.EV_CLEAR})
		case was && !want:
			changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: unix.EV_DELETE})
		}
	}
	set(unix.EVFILT_READ, old.Readable, new.Readable)
	set(unix.EVFILT_WRITE, old.Writable, new.Writable)
	return changes
}

// Register adds fd to the kqueue watch set.
func (r *kqueueReactor) Register(fd uintptr, interest Interest) (Token, error) {
	if r.closed.Load() {
		return 0, fmt.Errorf("register: %w", errReactorClosed())
	}
	tok := r.reg.add(fd, interest)
	changes := filterChanges(fd, Interest{}, interest)
	if len(changes) > 0 {
		if _, err := unix.Kevent(r.kq, changes, nil, nil); err != nil {
			r.reg.remove(tok)
			return 0, fmt.Errorf("kevent add: %w", err)
		}
	}
	return tok, nil
}

// Reregister changes the interest set of an existing registration.
func (r *kqueueReactor) Reregister(tok Token, interest Interest) error {
	reg, ok := r.reg.lookup(tok)
	if !ok {
		return fmt.Errorf("reregister: unknown token %d", tok)
	}
	changes := filterChanges(reg.fd, reg.interest, interest)
	r.reg.setInterest(tok, interest)
	if len(changes) > 0 {
		if _, err := unix.Kevent(r.kq, changes, nil, nil); err != nil {
			return fmt.Errorf("kevent mod: %w", err)
		}
	}
	return nil
}

// Deregister removes a registration from the watch set.
func (r *kqueueReactor) Deregister(tok Token) error {
	reg, ok := r.reg.lookup(tok)
	if !ok {
		return fmt.Errorf("deregister: unknown token %d", tok)
	}
	changes := filterChanges(reg.fd, reg.interest, Interest{})
	r.reg.remove(tok)
	if len(changes) > 0 {
		if _, err := unix.Kevent(r.kq, changes, nil, nil); err != nil {
			return fmt.Errorf("kevent del: %w", err)
		}
	}
	return nil
}

// Poll blocks for kernel events and translates them to Outcomes.
func (r *kqueueReactor) Poll(timeout time.Duration, out []Outcome) (int, error) {
	if r.closed.Load() {
		return 0, errReactorClosed()
	}
	batch := len(out)
	if batch == 0 {
		return 0, nil
	}
	events := make([]unix.Kevent_t, batch+1)

	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	n, err := unix.Kevent(r.kq, nil, events, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		if r.closed.Load() {
			return 0, errReactorClosed()
		}
		return 0, fmt.Errorf("kevent wait: %w", err)
	}

	count := 0
	woke := false
	for i := 0; i < n; i++ {
		ev := events[i]
		if ev.Filter == unix.EVFILT_USER {
			woke = true
			continue
		}
		tok, ok := r.reg.tokenFor(uintptr(ev.Ident))
		if !ok {
			continue
		}
		oc := Outcome{Token: tok, Kind: KindEvent}
		switch ev.Filter {
		case unix.EVFILT_READ:
			oc.Readable = true
		case unix.EVFILT_WRITE:
			oc.Writable = true
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			oc.Err = unix.Errno(ev.Data)
		}
		if ev.Flags&unix.EV_EOF != 0 {
			oc.Readable = true
		}
		out[count] = oc
		count++
	}
	if woke {
		r.hand.drain()
	}
	return count, nil
}

// Wake triggers the user event, cancelling an in-progress Poll.
func (r *kqueueReactor) Wake() error {
	trigger := unix.Kevent_t{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}
	_, err := unix.Kevent(r.kq, []unix.Kevent_t{trigger}, nil, nil)
	if err != nil && !r.closed.Load() {
		r.log.Warn().Err(err).Msg("wake failed, retrying")
		_, err = unix.Kevent(r.kq, []unix.Kevent_t{trigger}, nil, nil)
	}
	return err
}

// Dispatch queues fn onto the polling goroutine.
func (r *kqueueReactor) Dispatch(fn func()) error {
	if r.closed.Load() {
		return errReactorClosed()
	}
	r.hand.push(fn)
	return r.Wake()
}

// Close destroys the kqueue instance. Idempotent. The poller is woken
// first so a blocked Poll observes the closed state.
func (r *kqueueReactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	trigger := unix.Kevent_t{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}
	unix.Kevent(r.kq, []unix.Kevent_t{trigger}, nil, nil)
	return unix.Close(r.kq)
}

// New selects the platform backend: kqueue is the only choice here.
func New(opts ...Option) (Reactor, error) {
	return newKqueueReactor(buildOptions(opts))
}
