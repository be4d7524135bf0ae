// Package bufpool provides a memory-bounded byte buffer pool used by
// Source.loadInitialLedger's parallel marker downloads, so a burst of
// concurrent ranged queries cannot run the process out of memory.
package bufpool

import (
	"sync"
	"sync/atomic"
)

// Pool hands out byte slices up to a total outstanding-memory budget.
// Get returns nil once the budget is exhausted; Source.drainMarker then
// keeps the object's original, unpooled bytes instead.
type Pool struct {
	maxBytes     int64
	currentBytes int64

	free sync.Pool

	allocations int64
	rejections  int64
}

// New creates a Pool capped at maxBytes of outstanding allocations.
func New(maxBytes int64) *Pool {
	return &Pool{
		maxBytes: maxBytes,
		free: sync.Pool{
			New: func() any { return make([]byte, 0) },
		},
	}
}

// Get returns a buffer of at least size bytes, or nil if doing so would
// exceed the pool's budget.
func (p *Pool) Get(size int) []byte {
	if atomic.AddInt64(&p.currentBytes, int64(size)) > p.maxBytes {
		atomic.AddInt64(&p.currentBytes, -int64(size))
		atomic.AddInt64(&p.rejections, 1)
		return nil
	}
	atomic.AddInt64(&p.allocations, 1)

	buf, _ := p.free.Get().([]byte)
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size:size] // cap == size, so Put releases exactly what Get charged
}

// Put returns a buffer to the pool and releases its share of the budget.
func (p *Pool) Put(buf []byte) {
	atomic.AddInt64(&p.currentBytes, -int64(cap(buf)))
	p.free.Put(buf[:0]) //nolint:staticcheck // intentional zero-length reuse
}

// Stats reports outstanding allocations, total allocations, and rejections
// for the observability collaborator.
type Stats struct {
	OutstandingBytes int64
	Allocations      int64
	Rejections       int64
}

func (p *Pool) Stats() Stats {
	return Stats{
		OutstandingBytes: atomic.LoadInt64(&p.currentBytes),
		Allocations:      atomic.LoadInt64(&p.allocations),
		Rejections:       atomic.LoadInt64(&p.rejections),
	}
}
