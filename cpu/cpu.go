// Package cpu provides the TLB collaborator the address space object
// drives on every unmap and page fault. It acknowledges, but does not
// solve, the multi-CPU TLB shootdown problem the reference kernel solves
// with per-page CPU bitmasks and an inter-processor interrupt: Set tracks
// which CPU IDs have a given root loaded, but nothing here sends the IPI a
// real shootdown would require. That gap is tracked in the design notes as
// a deliberate, acknowledged non-goal rather than a missed case.
package cpu

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"vmem/addr"
)

// Set is a bitmask of CPU IDs, mirroring the per-page Cpumask the
// reference page allocator keeps to know which CPUs must be interrupted
// before a shared page can be reused.
type Set uint64

func (s *Set) MarkLoaded(cpuID uint) { *s |= Set(1) << cpuID }
func (s *Set) Clear(cpuID uint)      { *s &^= Set(1) << cpuID }
func (s Set) Loaded(cpuID uint) bool { return s&(Set(1)<<cpuID) != 0 }
func (s Set) Count() int             { return bits.OnesCount64(uint64(s)) }

// TLBTracker is the TLB collaborator used by vm.Vm_t. FlushAddr is called
// with the lock held for short critical sections, so it only does cheap
// bookkeeping plus (in a real kernel) the actual invlpg.
type TLBTracker struct {
	mu      sync.Mutex
	flushed uint64
	last    addr.Virt
	loaded  map[addr.Phys]Set
}

func NewTLBTracker() *TLBTracker {
	return &TLBTracker{loaded: make(map[addr.Phys]Set)}
}

// FlushAddr records a single-page TLB flush for root's address space at v.
func (c *TLBTracker) FlushAddr(root addr.Phys, v addr.Virt) {
	atomic.AddUint64(&c.flushed, 1)
	c.mu.Lock()
	c.last = v
	c.mu.Unlock()
}

// NoteLoaded marks root as loaded on cpuID, e.g. after a switch_to.
func (c *TLBTracker) NoteLoaded(root addr.Phys, cpuID uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.loaded[root]
	s.MarkLoaded(cpuID)
	c.loaded[root] = s
}

// LoadedOn reports which CPUs have root loaded, per the last NoteLoaded
// calls.
func (c *TLBTracker) LoadedOn(root addr.Phys) Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded[root]
}

// Flushed reports the number of FlushAddr calls observed so far.
func (c *TLBTracker) Flushed() uint64 { return atomic.LoadUint64(&c.flushed) }
