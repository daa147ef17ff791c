// Package hal simulates the hardware page-table collaborator the address
// space object drives through a HalVmem-shaped interface: a software
// 4-level radix tree (PML4/PDPT/PD/PT, 512 entries per table, matching
// amd64 paging geometry) rather than a recursive self-mapping trick, since
// nothing here runs with an actual CR3 register or TLB to walk.
//
// Table pages are allocated from a slab.Pool the same way the rest of this
// module gets its long-lived objects; the Phys numbers a Table hands out
// for its own table pages are a private namespace distinct from the Phys
// numbers frame.Frame produces for data pages, since hal never dereferences
// the latter itself (it just stores them in a leaf entry).
package hal

import (
	"sync"

	"vmem/addr"
	"vmem/slab"
	"vmem/verr"
)

const (
	entriesPerTable = 512
	levels          = 4
)

type pte uint64

const (
	flagPresent pte = 1 << 0
	flagWrite   pte = 1 << 1
	flagUser    pte = 1 << 2
	flagExec    pte = 1 << 3
)

type tablePage [entriesPerTable]pte

// Table is a HalVmem implementation backed entirely by Go memory.
type Table struct {
	mu       sync.Mutex
	pages    map[addr.Phys]*tablePage
	nextPhys uint64
	pool     *slab.Pool[tablePage]
}

// NewTable builds a Table whose table-page pool holds at most capacity
// pages (0 means unbounded).
func NewTable(capacity int) *Table {
	return &Table{
		pages:    make(map[addr.Phys]*tablePage),
		pool:     slab.NewPool[tablePage](capacity),
		nextPhys: 1,
	}
}

func (t *Table) allocPageLocked() (addr.Phys, *tablePage, *verr.Error) {
	tp, err := t.pool.Create()
	if err != nil {
		return 0, nil, err
	}
	p := addr.Phys(t.nextPhys)
	t.nextPhys++
	t.pages[p] = tp
	return p, tp, nil
}

// pageIndices decomposes a virtual address into its four amd64-style
// 9-bit table indices, most significant (PML4) first.
func pageIndices(v addr.Virt) [levels]int {
	uv := uint64(v)
	var idx [levels]int
	for l := 0; l < levels; l++ {
		shift := uint(addr.PageShift) + 9*uint(levels-1-l)
		idx[l] = int((uv >> shift) & 0x1ff)
	}
	return idx
}

// Alloc allocates a fresh root table (a PML4 page) and returns its Phys
// identity. hint is accepted for interface symmetry with real allocators
// that place roots near other per-process structures; this simulation
// ignores it.
func (t *Table) Alloc(hint addr.Virt) (addr.Phys, *verr.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = hint
	root, _, err := t.allocPageLocked()
	return root, err
}

// Init prepares root for use. A real HAL copies the kernel half of the
// address space into every new root here; this simulation has no kernel
// half to share, so it only validates that root was actually allocated by
// this Table.
func (t *Table) Init(root addr.Phys) *verr.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pages[root]; !ok {
		return verr.New(verr.InvalidArgument, "hal.Init", "unknown root")
	}
	return nil
}

// SwitchTo is a no-op beyond bookkeeping: this Table is not tied to a
// single active root the way a real CR3 register is, since MapFrame et al.
// always take the root explicitly.
func (t *Table) SwitchTo(root addr.Phys) {
	_ = root
}

// walk descends from root to the leaf (PT) table holding virt's PTE,
// returning that table and the index of virt's slot within it. When
// create is false and an intermediate table is missing, it returns
// (nil, 0, nil): "not present" is not itself an error.
func (t *Table) walk(root addr.Phys, v addr.Virt, create bool) (*tablePage, int, *verr.Error) {
	idx := pageIndices(v)
	cur, ok := t.pages[root]
	if !ok {
		return nil, 0, verr.New(verr.InvalidArgument, "hal.walk", "unknown root")
	}
	for l := 0; l < levels-1; l++ {
		e := cur[idx[l]]
		if e&flagPresent == 0 {
			if !create {
				return nil, 0, nil
			}
			childPhys, child, err := t.allocPageLocked()
			if err != nil {
				return nil, 0, err
			}
			cur[idx[l]] = pte(childPhys)<<addr.PageShift | flagPresent | flagWrite | flagUser
			cur = child
			continue
		}
		childPhys := addr.Phys(e >> addr.PageShift)
		child, ok := t.pages[childPhys]
		if !ok {
			return nil, 0, verr.New(verr.InvalidArgument, "hal.walk", "dangling table entry")
		}
		cur = child
	}
	return cur, idx[levels-1], nil
}

func encodeEntry(phys addr.Phys, rights addr.Rights) pte {
	e := pte(phys)<<addr.PageShift | flagPresent | flagUser
	if rights.Write {
		e |= flagWrite
	}
	if rights.Exec {
		e |= flagExec
	}
	return e
}

// MapFrame installs a leaf PTE for virt, allocating any missing
// intermediate tables.
func (t *Table) MapFrame(root addr.Phys, virt addr.Virt, phys addr.Phys, rights addr.Rights, flags addr.Flags) *verr.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = flags
	table, slot, err := t.walk(root, virt, true)
	if err != nil {
		return err
	}
	table[slot] = encodeEntry(phys, rights)
	return nil
}

// UnmapFrame clears virt's leaf PTE. It is not an error for the entry to
// already be clear at an existing table; it is an error for virt's tables
// to not exist at all under root.
func (t *Table) UnmapFrame(root addr.Phys, virt addr.Virt) *verr.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	table, slot, err := t.walk(root, virt, false)
	if err != nil {
		return err
	}
	if table == nil {
		return verr.New(verr.NotMapped, "hal.UnmapFrame", "no such mapping")
	}
	table[slot] = 0
	return nil
}

// EntryFrame reports whether virt has a present leaf PTE under root, and
// if so its rights.
func (t *Table) EntryFrame(root addr.Phys, virt addr.Virt) (bool, addr.Rights, *verr.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	table, slot, err := t.walk(root, virt, false)
	if err != nil {
		return false, addr.Rights{}, err
	}
	if table == nil {
		return false, addr.Rights{}, nil
	}
	e := table[slot]
	if e&flagPresent == 0 {
		return false, addr.Rights{}, nil
	}
	return true, addr.Rights{Read: true, Write: e&flagWrite != 0, Exec: e&flagExec != 0}, nil
}
