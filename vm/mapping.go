// Package vm is the address-space object at the center of this module: an
// ordered, non-overlapping table of mappings onto shared physical frames,
// materialized into a hardware page table lazily through page faults. It
// is modeled directly on the reference kernel's Vm_t / Vminfo_t / Vmregion_t
// trio (the latter two referenced, but never defined, by the retrieved
// as.go — this package supplies the definitions those call sites assume).
package vm

import (
	"vmem/addr"
	"vmem/verr"
)

// Frame is the subset of the physical frame object Vm_t depends on. The
// concrete implementation lives in package frame; vm only ever sees it
// through this interface.
type Frame interface {
	Lock()
	Unlock()
	PageCount() uint32
	Read(byteOffset uint64, dst []byte) *verr.Error
	Write(byteOffset uint64, src []byte) *verr.Error
	PageHit(pageIndex uint32, writeIntent bool) (addr.Phys, *verr.Error)
	Clone()
	Deinit()
}

// HalVmem is the hardware page-table collaborator Vm_t drives on start and
// on every page fault and unmap.
type HalVmem interface {
	Alloc(hint addr.Virt) (addr.Phys, *verr.Error)
	Init(root addr.Phys) *verr.Error
	SwitchTo(root addr.Phys)
	MapFrame(root addr.Phys, virt addr.Virt, phys addr.Phys, rights addr.Rights, flags addr.Flags) *verr.Error
	UnmapFrame(root addr.Phys, virt addr.Virt) *verr.Error
	EntryFrame(root addr.Phys, virt addr.Virt) (present bool, rights addr.Rights, err *verr.Error)
}

// TLB is the TLB-coherence collaborator Vm_t notifies after mutating the
// hardware page table.
type TLB interface {
	FlushAddr(root addr.Phys, v addr.Virt)
}

// Vminfo_t is one contiguous virtual range, backed by a window
// [frameFirstPage, frameFirstPage+pages) of a shared frame.
type Vminfo_t struct {
	frame          Frame
	frameFirstPage uint32
	pages          uint64
	vaddrPage      uint64
	rights         addr.Rights
	flags          addr.Flags
}

func (m *Vminfo_t) start() addr.Virt { return addr.FromPage(m.vaddrPage) }

func (m *Vminfo_t) end() addr.Virt {
	return addr.Virt(uint64(m.start()) + m.pages*uint64(addr.PageSize))
}

// overlaps reports whether the page range [v, v+n) intersects m.
func (m *Vminfo_t) overlaps(v addr.Virt, n uint64) bool {
	vEnd := addr.Virt(uint64(v) + n*uint64(addr.PageSize))
	return m.start() < vEnd && v < m.end()
}

// Rights reports the mapping's access rights, primarily for tests and
// callers that want to inspect an existing mapping.
func (m *Vminfo_t) Rights() addr.Rights { return m.rights }
