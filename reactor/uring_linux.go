//go:build linux

// File: reactor/uring_linux.go
// io_uring completion backend. The caller submits reads and writes with
// owned buffers; poll results are finished operations, not readiness.
// Submissions are staged under a mutex and flushed onto the ring from
// the polling goroutine, so the single-issuer discipline holds without
// cross-thread ring access.
//
// Only the small subset of io_uring needed here is bound: ring setup,
// enter, READ/WRITE/POLL_ADD/TIMEOUT opcodes. At most one read and one
// write may be in flight per token at a time; the transport layer
// guarantees that.

package reactor

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Ring mmap offsets (io_uring ABI).
const (
	uringOffSQRing = 0
	uringOffCQRing = 0x8000000
	uringOffSQEs   = 0x10000000
)

// Opcodes used by this backend.
const (
	uringOpNop     = 0
	uringOpPollAdd = 6
	uringOpTimeout = 11
	uringOpRead    = 22
	uringOpWrite   = 23
)

const uringEnterGetEvents = 1
const uringFeatSingleMmap = 1 << 0

// Reserved user_data values. Real operations encode token<<8|op, and
// tokens start at 1, so these cannot collide.
const (
	wakeUserData    = 1 // POLL_ADD on the wake eventfd
	timeoutUserData = 2 // TIMEOUT bounding one Poll call
)

const uringEntries = 256

// uringParams mirrors struct io_uring_params.
type uringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        uringSQOffsets
	cqOff        uringCQOffsets
}

// uringSQOffsets mirrors struct io_sqring_offsets.
type uringSQOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

// uringCQOffsets mirrors struct io_cqring_offsets.
type uringCQOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

// uringSQE mirrors struct io_uring_sqe (64 bytes).
type uringSQE struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opFlags     uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	_           [2]uint64
}

// uringCQE mirrors struct io_uring_cqe.
type uringCQE struct {
	userData uint64
	res      int32
	flags    uint32
}

// pendingOp tracks a submitted operation until its completion arrives.
type pendingOp struct {
	tok Token
	op  Op
	buf []byte
}

// stagedOp is a submission waiting to be placed on the ring.
type stagedOp struct {
	tok Token
	op  Op
	fd  uintptr
	buf []byte
}

// uringReactor implements Reactor and Submitter over io_uring.
type uringReactor struct {
	fd     int
	wakefd int

	sqMem  []byte
	cqMem  []byte
	sqeMem []byte

	sqHead    *uint32
	sqTail    *uint32
	sqMask    uint32
	sqArray   []uint32
	sqEntries []uringSQE

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   []uringCQE

	reg  *registry
	hand *handoff

	mu       sync.Mutex
	staged   []stagedOp
	inflight map[uint64]pendingOp

	wakeArmed bool
	pollTS    unix.Timespec // keeps the TIMEOUT timespec alive across enter

	closed atomic.Bool
	log    zerolog.Logger
}

// newUringReactor sets up the ring; an ENOSYS/EPERM refusal makes the
// caller fall back to epoll.
func newUringReactor(o Options) (*uringReactor, error) {
	var params uringParams
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uringEntries, uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring setup: %w", errno)
	}
	r := &uringReactor{
		fd:       int(fd),
		reg:      newRegistry(),
		hand:     newHandoff(),
		inflight: make(map[uint64]pendingOp),
		log:      o.Logger.With().Str("component", "reactor").Str("backend", "io_uring").Logger(),
	}

	if err := r.mapRings(&params); err != nil {
		unix.Close(r.fd)
		return nil, err
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		r.unmapRings()
		unix.Close(r.fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	r.wakefd = wakefd
	return r, nil
}

// mapRings maps the submission and completion rings into memory.
func (r *uringReactor) mapRings(p *uringParams) error {
	sqSize := int(p.sqOff.array) + int(p.sqEntries)*4
	cqSize := int(p.cqOff.cqes) + int(p.cqEntries)*int(unsafe.Sizeof(uringCQE{}))
	if p.features&uringFeatSingleMmap != 0 && cqSize > sqSize {
		sqSize = cqSize
	}

	sqMem, err := unix.Mmap(r.fd, uringOffSQRing, sqSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}
	r.sqMem = sqMem

	if p.features&uringFeatSingleMmap != 0 {
		r.cqMem = sqMem
	} else {
		cqMem, err := unix.Mmap(r.fd, uringOffCQRing, cqSize,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			unix.Munmap(sqMem)
			return fmt.Errorf("mmap cq ring: %w", err)
		}
		r.cqMem = cqMem
	}

	sqeSize := int(p.sqEntries) * int(unsafe.Sizeof(uringSQE{}))
	sqeMem, err := unix.Mmap(r.fd, uringOffSQEs, sqeSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		r.unmapRings()
		return fmt.Errorf("mmap sqes: %w", err)
	}
	r.sqeMem = sqeMem

	base := unsafe.Pointer(&r.sqMem[0])
	r.sqHead = (*uint32)(unsafe.Add(base, uintptr(p.sqOff.head)))
	r.sqTail = (*uint32)(unsafe.Add(base, uintptr(p.sqOff.tail)))
	r.sqMask = *(*uint32)(unsafe.Add(base, uintptr(p.sqOff.ringMask)))
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Add(base, uintptr(p.sqOff.array))), p.sqEntries)
	r.sqEntries = unsafe.Slice((*uringSQE)(unsafe.Pointer(&r.sqeMem[0])), p.sqEntries)

	cqBase := unsafe.Pointer(&r.cqMem[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, uintptr(p.cqOff.head)))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, uintptr(p.cqOff.tail)))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, uintptr(p.cqOff.ringMask)))
	r.cqes = unsafe.Slice((*uringCQE)(unsafe.Add(cqBase, uintptr(p.cqOff.cqes))), p.cqEntries)
	return nil
}

func (r *uringReactor) unmapRings() {
	if r.sqeMem != nil {
		unix.Munmap(r.sqeMem)
	}
	if r.cqMem != nil && len(r.cqMem) > 0 && (len(r.sqMem) == 0 || &r.cqMem[0] != &r.sqMem[0]) {
		unix.Munmap(r.cqMem)
	}
	if r.sqMem != nil {
		unix.Munmap(r.sqMem)
	}
}

// opUserData encodes the completion key for a read/write operation.
func opUserData(tok Token, op Op) uint64 {
	return uint64(tok)<<8 | uint64(op)
}

// Register allocates a token. io_uring operations carry the descriptor
// directly, so there is no kernel-side registration to fail.
func (r *uringReactor) Register(fd uintptr, interest Interest) (Token, error) {
	if r.closed.Load() {
		return 0, fmt.Errorf("register: %w", errReactorClosed())
	}
	return r.reg.add(fd, interest), nil
}

// Reregister updates the recorded interest set. Interest is advisory on
// a completion backend; submissions drive all kernel work.
func (r *uringReactor) Reregister(tok Token, interest Interest) error {
	if !r.reg.setInterest(tok, interest) {
		return fmt.Errorf("reregister: unknown token %d", tok)
	}
	return nil
}

// Deregister releases the token.
func (r *uringReactor) Deregister(tok Token) error {
	if _, ok := r.reg.remove(tok); !ok {
		return fmt.Errorf("deregister: unknown token %d", tok)
	}
	return nil
}

// SubmitRead stages a read into buf for the handle behind tok.
func (r *uringReactor) SubmitRead(tok Token, buf []byte) error {
	return r.stage(tok, OpRead, buf)
}

// SubmitWrite stages a write of buf for the handle behind tok.
func (r *uringReactor) SubmitWrite(tok Token, buf []byte) error {
	return r.stage(tok, OpWrite, buf)
}

func (r *uringReactor) stage(tok Token, op Op, buf []byte) error {
	if r.closed.Load() {
		return errReactorClosed()
	}
	reg, ok := r.reg.lookup(tok)
	if !ok {
		return fmt.Errorf("submit: unknown token %d", tok)
	}
	r.mu.Lock()
	r.staged = append(r.staged, stagedOp{tok: tok, op: op, fd: reg.fd, buf: buf})
	r.mu.Unlock()
	return r.Wake()
}

// pushSQE places one entry on the submission ring. Returns false when
// the ring is full; the caller re-stages the operation.
func (r *uringReactor) pushSQE(sqe uringSQE) bool {
	head := atomic.LoadUint32(r.sqHead)
	tail := *r.sqTail
	if tail-head >= uint32(len(r.sqEntries)) {
		return false
	}
	idx := tail & r.sqMask
	r.sqEntries[idx] = sqe
	r.sqArray[idx] = idx
	atomic.StoreUint32(r.sqTail, tail+1)
	return true
}

// flushStaged moves staged operations onto the ring. Runs only on the
// polling goroutine.
func (r *uringReactor) flushStaged() uint32 {
	r.mu.Lock()
	staged := r.staged
	r.staged = nil
	r.mu.Unlock()

	var n uint32
	for i, op := range staged {
		code := uint8(uringOpRead)
		if op.op == OpWrite {
			code = uringOpWrite
		}
		var addr uint64
		if len(op.buf) > 0 {
			addr = uint64(uintptr(unsafe.Pointer(&op.buf[0])))
		}
		sqe := uringSQE{
			opcode:   code,
			fd:       int32(op.fd),
			off:      ^uint64(0), // current file position
			addr:     addr,
			len:      uint32(len(op.buf)),
			userData: opUserData(op.tok, op.op),
		}
		if !r.pushSQE(sqe) {
			r.mu.Lock()
			r.staged = append(staged[i:], r.staged...)
			r.mu.Unlock()
			break
		}
		r.inflight[sqe.userData] = pendingOp{tok: op.tok, op: op.op, buf: op.buf}
		n++
	}
	return n
}

// armWake submits the POLL_ADD watching the wake eventfd.
func (r *uringReactor) armWake() uint32 {
	if r.wakeArmed {
		return 0
	}
	sqe := uringSQE{
		opcode:   uringOpPollAdd,
		fd:       int32(r.wakefd),
		opFlags:  uint32(unix.POLLIN),
		userData: wakeUserData,
	}
	if r.pushSQE(sqe) {
		r.wakeArmed = true
		return 1
	}
	return 0
}

// armTimeout submits a TIMEOUT bounding this Poll call.
func (r *uringReactor) armTimeout(d time.Duration) uint32 {
	r.pollTS = unix.NsecToTimespec(d.Nanoseconds())
	sqe := uringSQE{
		opcode:   uringOpTimeout,
		fd:       -1,
		addr:     uint64(uintptr(unsafe.Pointer(&r.pollTS))),
		len:      1,
		userData: timeoutUserData,
	}
	if r.pushSQE(sqe) {
		return 1
	}
	return 0
}

// Poll flushes staged submissions, waits for at least one completion and
// translates the completion queue into Outcomes.
func (r *uringReactor) Poll(timeout time.Duration, out []Outcome) (int, error) {
	if r.closed.Load() {
		return 0, errReactorClosed()
	}
	if len(out) == 0 {
		return 0, nil
	}

	toSubmit := r.flushStaged()
	toSubmit += r.armWake()
	if timeout >= 0 {
		toSubmit += r.armTimeout(timeout)
	}

	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER,
		uintptr(r.fd), uintptr(toSubmit), 1, uringEnterGetEvents, 0, 0)
	if errno != 0 {
		if errno == unix.EINTR {
			return 0, nil
		}
		if r.closed.Load() {
			return 0, errReactorClosed()
		}
		return 0, fmt.Errorf("io_uring enter: %w", errno)
	}

	count := 0
	woke := false
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	for head != tail && count < len(out) {
		cqe := r.cqes[head&r.cqMask]
		head++
		switch cqe.userData {
		case wakeUserData:
			r.wakeArmed = false
			r.drainWake()
			woke = true
		case timeoutUserData:
			// -ETIME marks the poll bound expiring; not an outcome.
		default:
			pend, ok := r.inflight[cqe.userData]
			if !ok {
				continue
			}
			delete(r.inflight, cqe.userData)
			oc := Outcome{
				Token: pend.tok,
				Kind:  KindCompletion,
				Op:    pend.op,
				Buf:   pend.buf,
			}
			if cqe.res < 0 {
				oc.Err = unix.Errno(-cqe.res)
			} else {
				oc.N = int(cqe.res)
			}
			out[count] = oc
			count++
		}
	}
	atomic.StoreUint32(r.cqHead, head)
	if woke {
		r.hand.drain()
	}
	return count, nil
}

// drainWake resets the eventfd counter.
func (r *uringReactor) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Wake unblocks an in-progress Poll from another goroutine.
func (r *uringReactor) Wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(r.wakefd, buf[:])
	if err == unix.EAGAIN {
		return nil
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
func (r *uringReactor) Dispatch(fn func()) error {
	if r.closed.Load() {
		return errReactorClosed()
	}
	r.hand.push(fn)
	return r.Wake()
}

// Close tears the ring down. Idempotent. The poller is woken first so a
// blocked enter observes the closed state.
func (r *uringReactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(r.wakefd, buf[:])
	r.unmapRings()
	err := unix.Close(r.fd)
	if werr := unix.Close(r.wakefd); err == nil {
		err = werr
	}
	return err
}
