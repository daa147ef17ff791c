package vm

import (
	"sync"
	"sync/atomic"

	"vmem/addr"
	"vmem/klog"
	"vmem/slab"
	"vmem/verr"
)

// Vm_t is one address space: a lock guarding a Vmregion_t mapping table
// plus the hardware page-table root that table is lazily materialized
// into. The lock is a short-critical-section lock, not a blocking mutex in
// spirit — every public method here does in-memory table bookkeeping plus
// its HalVmem/TLB calls before releasing it, never I/O or anything that
// sleeps — held via sync.Mutex since this module runs hosted rather than
// freestanding.
type Vm_t struct {
	mu        sync.Mutex
	pgfltaken bool

	refcount int32
	cr3      uint64 // addr.Phys, 0 == not yet started

	Vmregion Vmregion_t

	hal HalVmem
	tlb TLB
	mgr *Manager
}

// Lock_pmap acquires the address space lock. Named after, and used the
// same way as, the reference kernel's pmap lock: every mutating operation
// brackets its body with Lock_pmap/Unlock_pmap.
func (as *Vm_t) Lock_pmap() {
	as.mu.Lock()
	as.pgfltaken = true
}

func (as *Vm_t) Unlock_pmap() {
	as.pgfltaken = false
	as.mu.Unlock()
}

// Lockassert_pmap panics if called without the lock held. Used by helpers
// that assume a caller already holds it.
func (as *Vm_t) Lockassert_pmap() {
	if !as.pgfltaken {
		panic("vm: pmap lock must be held")
	}
}

func (as *Vm_t) loadCr3() addr.Phys { return addr.Phys(atomic.LoadUint64(&as.cr3)) }
func (as *Vm_t) storeCr3(p addr.Phys) { atomic.StoreUint64(&as.cr3, uint64(p)) }

// Manager owns the slab pool Vm_t objects are allocated from, plus the
// HalVmem and TLB collaborators every Vm_t it mints shares.
type Manager struct {
	pool *slab.Pool[Vm_t]
	hal  HalVmem
	tlb  TLB
}

// NewManager builds a Manager. capacity bounds how many address spaces may
// be live at once (0 means unbounded); hal and tlb are shared by every
// address space the Manager inits.
func NewManager(capacity int, hal HalVmem, tlb TLB) *Manager {
	return &Manager{pool: slab.NewPool[Vm_t](capacity), hal: hal, tlb: tlb}
}

// Init allocates a fresh address space with an empty mapping table and no
// hardware page table yet (Start allocates that lazily). Fails with
// OutOfMemory if the backing slab pool is exhausted.
func (mgr *Manager) Init() (*Vm_t, *verr.Error) {
	v, err := mgr.pool.Create()
	if err != nil {
		return nil, err
	}
	v.refcount = 1
	v.cr3 = 0
	v.hal = mgr.hal
	v.tlb = mgr.tlb
	v.mgr = mgr
	klog.Statf("vm.Init: new address space")
	return v, nil
}

// Clone increments the refcount and returns the same address-space
// identity. It never fails and does not take the lock: refcount is
// adjusted atomically, matching the concurrency model's carve-out for
// clone and switch_to.
func (as *Vm_t) Clone() *Vm_t {
	atomic.AddInt32(&as.refcount, 1)
	return as
}

// Deinit drops a reference. On the last drop it releases every mapping's
// frame reference, empties the table, and returns the Vm_t to its
// Manager's pool.
func (as *Vm_t) Deinit() {
	if atomic.AddInt32(&as.refcount, -1) != 0 {
		return
	}
	as.Lock_pmap()
	for i := 0; i < as.Vmregion.len(); i++ {
		as.Vmregion.at(i).frame.Deinit()
	}
	as.Vmregion.Clear()
	as.Unlock_pmap()
	klog.Statf("vm.Deinit: address space torn down")
	if as.mgr != nil {
		as.mgr.pool.Destroy(as)
	}
}

// Start allocates and initializes the hardware page-table root for this
// address space, if it has not already been started. Idempotent.
func (as *Vm_t) Start() *verr.Error {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	if as.loadCr3() != 0 {
		return nil
	}
	root, err := as.hal.Alloc(addr.UserMin)
	if err != nil {
		return err
	}
	if err := as.hal.Init(root); err != nil {
		return err
	}
	as.storeCr3(root)
	return nil
}

// SwitchTo activates this address space's hardware page-table root. Like
// Clone, and unlike the other public methods, it does not take the lock: cr3 is set once by
// Start and never changes again, so reading it here is a plain register
// read, not a critical section.
func (as *Vm_t) SwitchTo() {
	cr3 := as.loadCr3()
	if cr3 == 0 {
		panic("vm.SwitchTo: address space never started")
	}
	as.hal.SwitchTo(cr3)
}

// checkInvariants re-validates the mapping table's ordering and bounds
// invariants. It is a debug-only assertion, not part of the documented
// contract of any method.
func (as *Vm_t) checkInvariants() {
	if !klog.IsDebug {
		return
	}
	var prevEnd addr.Virt
	for i := 0; i < as.Vmregion.len(); i++ {
		m := as.Vmregion.at(i)
		if m.pages == 0 {
			panic("vm: zero-length mapping left in table")
		}
		if m.start() < addr.UserMin || m.end() > addr.UserMax {
			panic("vm: mapping escapes user space")
		}
		if i > 0 && m.start() < prevEnd {
			panic("vm: mappings overlap or are out of order")
		}
		prevEnd = m.end()
	}
}

// rangeEnd computes v + pages*PageSize, reporting false on overflow.
func rangeEnd(v addr.Virt, pages uint64) (addr.Virt, bool) {
	span := pages * uint64(addr.PageSize)
	if pages != 0 && span/pages != uint64(addr.PageSize) {
		return 0, false
	}
	sum := uint64(v) + span
	if sum < uint64(v) {
		return 0, false
	}
	return addr.Virt(sum), true
}
