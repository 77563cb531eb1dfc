//go:build linux

// File: reactor/epoll_linux.go
// Linux epoll(7) readiness backend. Events describe capability to act;
// the transport retries the OS call itself after each event.

package reactor

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// epollReactor implements Reactor using Linux epoll.
type epollReactor struct {
	epfd   int
	wakefd int // eventfd used by Wake
	reg    *registry
	hand   *handoff
	closed atomic.Bool
	log    zerolog.Logger
}

// newEpollReactor creates the epoll instance and its wake eventfd.
func newEpollReactor(o Options) (*epollReactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(epfd)
		unix.Close(wakefd)
		return nil, fmt.Errorf("epoll ctl add wakefd: %w", err)
	}
	return &epollReactor{
		epfd:   epfd,
		wakefd: wakefd,
		reg:    newRegistry(),
		hand:   newHandoff(),
		log:    o.Logger.With().Str("component", "reactor").Str("backend", "epoll").Logger(),
	}, nil
}

// epollEvents translates an interest set to epoll event bits. Watches
// are edge-triggered: owners must drain until EAGAIN before parking,
// otherwise a socket that stays writable would wake the poller on
// every pass.
func epollEvents(interest Interest) uint32 {
	var events uint32
	if interest.Readable {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest.Writable {
		events |= unix.EPOLLOUT
	}
	if events != 0 {
		events |= unix.EPOLLET
	}
	return events
}

// Register adds fd to the epoll watch list.
func (r *epollReactor) Register(fd uintptr, interest Interest) (Token, error) {
	if r.closed.Load() {
		return 0, fmt.Errorf("register: %w", errReactorClosed())
	}
	tok := r.reg.add(fd, interest)
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
		r.reg.remove(tok)
		return 0, fmt.Errorf("epoll ctl add: %w", err)
	}
	return tok, nil
}

// Reregister changes the interest set of an existing registration.
func (r *epollReactor) Reregister(tok Token, interest Interest) error {
	reg, ok := r.reg.lookup(tok)
	if !ok {
		return fmt.Errorf("reregister: unknown token %d", tok)
	}
	if !r.reg.setInterest(tok, interest) {
		return fmt.Errorf("reregister: unknown token %d", tok)
	}
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(reg.fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, int(reg.fd), &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

// Deregister removes a registration from the watch list.
func (r *epollReactor) Deregister(tok Token) error {
	fd, ok := r.reg.remove(tok)
	if !ok {
		return fmt.Errorf("deregister: unknown token %d", tok)
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, int(fd), nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Poll blocks for readiness events and translates them to Outcomes.
func (r *epollReactor) Poll(timeout time.Duration, out []Outcome) (int, error) {
	if r.closed.Load() {
		return 0, errReactorClosed()
	}
	batch := len(out)
	if batch == 0 {
		return 0, nil
	}
	// One extra slot so a wake event does not displace a real outcome.
	events := make([]unix.EpollEvent, batch+1)

	n, err := unix.EpollWait(r.epfd, events, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil // interrupted by signal, not fatal
		}
		if r.closed.Load() {
			return 0, errReactorClosed()
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}

	count := 0
	woke := false
	for i := 0; i < n; i++ {
		ev := events[i]
		fd := uintptr(ev.Fd)
		if fd == uintptr(r.wakefd) {
			r.drainWake()
			woke = true
			continue
		}
		tok, ok := r.reg.tokenFor(fd)
		if !ok {
			continue // deregistered between wait and dispatch
		}
		oc := Outcome{
			Token:    tok,
			Kind:     KindEvent,
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
		}
		if ev.Events&unix.EPOLLERR != 0 {
			oc.Err = unix.EPIPE
			// Let the owner observe the error through a read attempt too.
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

// drainWake resets the eventfd counter.
func (r *epollReactor) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(r.wakefd, buf[:])
		if err != nil {
			return // EAGAIN: drained
		}
	}
}

// Wake cancels an in-progress Poll from another goroutine. Failures are
// logged and retried once; a wake lost to a concurrent Close is benign.
func (r *epollReactor) Wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(r.wakefd, buf[:])
	if err == unix.EAGAIN {
		return nil // counter saturated, poller is already waking
	}
	if err != nil && !r.closed.Load() {
		r.log.Warn().Err(err).Msg("wake failed, retrying")
		if _, err = unix.Write(r.wakefd, buf[:]); err == unix.EAGAIN {
			err = nil
		}
	}
	return err
}

// Dispatch queues fn onto the polling goroutine.
func (r *epollReactor) Dispatch(fn func()) error {
	if r.closed.Load() {
		return errReactorClosed()
	}
	r.hand.push(fn)
	return r.Wake()
}

// Close destroys the epoll instance. Idempotent. The poller is woken
// first so a blocked Poll observes the closed state instead of sleeping
// on a dead descriptor.
func (r *epollReactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(r.wakefd, buf[:])
	err := unix.Close(r.epfd)
	if werr := unix.Close(r.wakefd); err == nil {
		err = werr
	}
	return err
}
