// File: reactor/registry.go
// Token bookkeeping shared by the backends. Tokens are allocated
// monotonically and never reassigned while a registration is live.

package reactor

import "sync"

// registration records one live handle.
type registration struct {
	fd       uintptr
	interest Interest
}

// registry maps tokens to registrations. Guarded by its own mutex so
// Register/Deregister may be called off the polling goroutine.
type registry struct {
	mu      sync.Mutex
	next    Token
	entries map[Token]*registration
	byFD    map[uintptr]Token
}

func newRegistry() *registry {
	return &registry{
		next:    1,
		entries: make(map[Token]*registration),
		byFD:    make(map[uintptr]Token),
	}
}

// add allocates a fresh token for fd.
func (r *registry) add(fd uintptr, interest Interest) Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok := r.next
	r.next++
	r.entries[tok] = &registration{fd: fd, interest: interest}
	r.byFD[fd] = tok
	return tok
}

// lookup returns the registration for tok.
func (r *registry) lookup(tok Token) (*registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.entries[tok]
	return reg, ok
}

// tokenFor resolves the token registered for fd.
func (r *registry) tokenFor(fd uintptr) (Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.byFD[fd]
	return tok, ok
}

// setInterest replaces the interest set for tok.
func (r *registry) setInterest(tok Token, interest Interest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.entries[tok]
	if !ok {
		return false
	}
	reg.interest = interest
	return true
}

// remove deletes the registration and returns its fd.
func (r *registry) remove(tok Token) (uintptr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.entries[tok]
	if !ok {
		return 0, false
	}
	delete(r.entries, tok)
	delete(r.byFD, reg.fd)
	return reg.fd, true
}

// size returns the live registration count.
func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
