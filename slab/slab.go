// Package slab is a small capacity-bounded object allocator modeled on the
// kernel slab allocators this module's object graph was built against:
// Create hands out a zeroed T or fails with verr.OutOfMemory once the pool
// is at capacity, Destroy returns an object to the free list for reuse.
package slab

import (
	"sync"

	"vmem/verr"
)

// Pool allocates and recycles values of type T. A capacity of 0 means
// unbounded (Create never fails for lack of room).
type Pool[T any] struct {
	mu       sync.Mutex
	free     []*T
	capacity int
	live     int
}

func NewPool[T any](capacity int) *Pool[T] {
	return &Pool[T]{capacity: capacity}
}

// Create returns a zero-valued T, reusing a destroyed instance if one is
// free. It fails with verr.OutOfMemory if the pool is at capacity and has
// nothing to recycle.
func (p *Pool[T]) Create() (*T, *verr.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		v := p.free[n-1]
		p.free = p.free[:n-1]
		*v = *new(T)
		return v, nil
	}
	if p.capacity > 0 && p.live >= p.capacity {
		return nil, verr.New(verr.OutOfMemory, "slab.Create", "pool exhausted")
	}
	p.live++
	return new(T), nil
}

// Destroy returns v to the pool's free list. v must not be used again by
// the caller.
func (p *Pool[T]) Destroy(v *T) {
	if v == nil {
		return
	}
	p.mu.Lock()
	p.free = append(p.free, v)
	p.mu.Unlock()
}

// Live reports the number of outstanding (created, not yet destroyed)
// objects. Primarily useful in tests.
func (p *Pool[T]) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live - len(p.free)
}
