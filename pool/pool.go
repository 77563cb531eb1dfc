// File: pool/pool.go
// Package pool implements size-classed byte buffer pooling for the
// transport read path and codec encode path. Buffers are grouped into
// power-of-two classes backed by sync.Pool; requests above the largest
// class fall through to plain allocation.

package pool

import (
	"sync"
	"sync/atomic"
)

// Size classes from 512 B to 1 MiB, matching the frame size bound.
const (
	minClassShift = 9
	maxClassShift = 20
	numClasses    = maxClassShift - minClassShift + 1
)

// SlabPool hands out byte slices by size class.
type SlabPool struct {
	classes [numClasses]sync.Pool

	totalAlloc atomic.Int64
	totalFree  atomic.Int64
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	TotalAlloc int64
	TotalFree  int64
	InUse      int64
}

// New creates an empty SlabPool.
func New() *SlabPool {
	sp := &SlabPool{}
	for i := range sp.classes {
		size := 1 << (minClassShift + i)
		sp.classes[i].New = func() any {
			return make([]byte, size)
		}
	}
	return sp
}

// classFor returns the class index whose buffers hold at least n bytes,
// or -1 when n exceeds the largest class.
func classFor(n int) int {
	for i := 0; i < numClasses; i++ {
		if n <= 1<<(minClassShift+i) {
			return i
		}
	}
	return -1
}

// Get returns a slice of length n backed by a pooled buffer.
func (sp *SlabPool) Get(n int) []byte {
	sp.totalAlloc.Add(1)
	cls := classFor(n)
	if cls < 0 {
		return make([]byte, n)
	}
	buf := sp.classes[cls].Get().([]byte)
	return buf[:n]
}

// Put returns a buffer to its size class. Oversized buffers are left to
// the garbage collector.
func (sp *SlabPool) Put(buf []byte) {
	sp.totalFree.Add(1)
	c := cap(buf)
	for i := 0; i < numClasses; i++ {
		if c == 1<<(minClassShift+i) {
			sp.classes[i].Put(buf[:c]) //nolint:staticcheck // slices are pooled by value on purpose
			return
		}
	}
}

// Stats returns the allocation counters.
func (sp *SlabPool) Stats() Stats {
	alloc := sp.totalAlloc.Load()
	free := sp.totalFree.Load()
	return Stats{TotalAlloc: alloc, TotalFree: free, InUse: alloc - free}
}
