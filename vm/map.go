package vm

import (
	"vmem/addr"
	"vmem/klog"
	"vmem/verr"
)

// Map installs a new mapping onto the window [frameFirstPage,
// frameFirstPage+pages) of fr, either at the exact address vaddr
// (flags.Fixed) or at an address the allocator chooses using vaddr only as
// a placement hint. It returns the address the mapping actually landed at.
func (as *Vm_t) Map(fr Frame, frameFirstPage uint32, vaddr addr.Virt, pages uint64, rights addr.Rights, flags addr.Flags) (addr.Virt, *verr.Error) {
	if pages == 0 {
		return 0, verr.New(verr.InvalidArgument, "vm.Map", "pages must be >= 1")
	}
	if !vaddr.Aligned() {
		panic("vm.Map: vaddr is not page aligned")
	}
	end, ok := rangeEnd(vaddr, pages)
	if !ok || end > addr.UserMax {
		return 0, verr.New(verr.OutOfBounds, "vm.Map", "range outside user space")
	}

	fr.Lock()
	fc := fr.PageCount()
	fr.Unlock()
	if uint64(frameFirstPage)+pages > uint64(fc) {
		return 0, verr.New(verr.OutOfBounds, "vm.Map", "frame window exceeds its page count")
	}

	m := Vminfo_t{
		frame:          fr,
		frameFirstPage: frameFirstPage,
		pages:          pages,
		vaddrPage:      vaddr.Page(),
		rights:         rights,
		flags:          flags,
	}

	as.Lock_pmap()
	defer as.Unlock_pmap()

	var (
		placed addr.Virt
		err    *verr.Error
	)
	if flags.Fixed {
		placed, err = as.mapFixed(m, vaddr)
	} else {
		placed, err = as.mapHint(m, vaddr)
	}
	if err == nil {
		as.checkInvariants()
	}
	return placed, err
}

// mapFixed installs m at exactly vaddr, replacing whatever mapping it
// overlaps (even partially) if one exists at that slot.
//
// By the time mapFixed is called, m's frame reference has already been
// accepted from the caller (Map's own precondition checks ran first), so
// every error return here must release it exactly once before returning —
// the "scoped-resource" cleanup path is the only one in this module.
func (as *Vm_t) mapFixed(m Vminfo_t, vaddr addr.Virt) (addr.Virt, *verr.Error) {
	if vaddr == 0 {
		m.frame.Deinit()
		return 0, verr.New(verr.InvalidAddress, "vm.mapFixed", "vaddr must not be null")
	}
	m.vaddrPage = vaddr.Page()

	idx, found := as.Vmregion.find(vaddr)
	if found {
		cur := as.Vmregion.at(idx)
		if cur.overlaps(vaddr, m.pages) {
			cur.frame.Deinit()
			as.Vmregion.m[idx] = m
			return vaddr, nil
		}
		if cur.start() < vaddr {
			as.Vmregion.insertAt(idx+1, m)
		} else {
			as.Vmregion.insertAt(idx, m)
		}
		return vaddr, nil
	}
	as.Vmregion.append(m)
	return vaddr, nil
}

// mapHint places m at the low end of the first gap large enough to hold it,
// scanning from the gap that holds vaddr (which may start below vaddr)
// upward, then wrapping around to scan from the start of the address space
// if nothing from there on fits.
//
// Gaps are numbered 0..n (n = number of mappings): gap g sits between
// mapping[g-1].end() (or UserMin, for g==0) and mapping[g].start() (or
// UserMax, for g==n). find(vaddr) already lands on the gap index
// immediately holding or preceding vaddr — the same index mapFixed uses to
// decide where to insert a non-overlapping mapping — except when vaddr
// falls strictly inside an existing mapping, in which case the first
// candidate gap is the one right after it.
func (as *Vm_t) mapHint(m Vminfo_t, vaddr addr.Virt) (addr.Virt, *verr.Error) {
	n := as.Vmregion.len()
	if n == 0 {
		return as.mapFixed(m, vaddr)
	}

	need := m.pages * uint64(addr.PageSize)

	mid, found := as.Vmregion.find(vaddr)
	if !found {
		mid = n
	} else if as.Vmregion.at(mid).overlaps(vaddr, 1) {
		mid++
	}

	gap := func(g int) (addr.Virt, addr.Virt) {
		lo := addr.UserMin
		if g > 0 {
			lo = as.Vmregion.at(g - 1).end()
		}
		hi := addr.UserMax
		if g < n {
			hi = as.Vmregion.at(g).start()
		}
		return lo, hi
	}

	for g := mid; g <= n; g++ {
		lo, hi := gap(g)
		if uint64(hi)-uint64(lo) >= need {
			return as.mapFixed(m, lo)
		}
	}
	for g := 0; g < mid && g <= n; g++ {
		lo, hi := gap(g)
		if uint64(hi)-uint64(lo) >= need {
			return as.mapFixed(m, lo)
		}
	}

	m.frame.Deinit()
	return 0, verr.New(verr.OutOfVirtualMemory, "vm.mapHint", "no gap large enough for request")
}

// Unmap removes the mapped range [vaddr, vaddr+pages*4096) from the
// address space, splitting or trimming any mapping it only partially
// covers. It is idempotent: unmapping an already-unmapped range succeeds
// with no effect.
func (as *Vm_t) Unmap(vaddr addr.Virt, pages uint64) *verr.Error {
	if pages == 0 {
		return verr.New(verr.InvalidArgument, "vm.Unmap", "pages must be >= 1")
	}
	if !vaddr.Aligned() {
		panic("vm.Unmap: vaddr is not page aligned")
	}
	bEnd, ok := rangeEnd(vaddr, pages)
	if !ok || bEnd > addr.UserMax {
		return verr.New(verr.OutOfBounds, "vm.Unmap", "range outside user space")
	}

	as.Lock_pmap()
	defer as.Unlock_pmap()

	idx, found := as.Vmregion.find(vaddr)
	if !found {
		return nil
	}

	for idx < as.Vmregion.len() {
		m := as.Vmregion.at(idx)
		a, aEnd := m.start(), m.end()
		if aEnd <= vaddr || bEnd <= a {
			break // case 0: disjoint, stop scanning
		}

		switch {
		case vaddr <= a && bEnd >= aEnd:
			// case 2: B strictly covers A
			m.pages = 0

		case vaddr <= a:
			// case 1: B covers a prefix of M
			shift := (uint64(bEnd) - uint64(a)) / uint64(addr.PageSize)
			m.vaddrPage = bEnd.Page()
			m.frameFirstPage += uint32(shift)
			m.pages -= shift

		case bEnd >= aEnd:
			// case 3: B covers a suffix of M
			m.pages -= (uint64(aEnd) - uint64(vaddr)) / uint64(addr.PageSize)

		default:
			// case 4: B falls strictly inside M; split M in two, sharing
			// the backing frame.
			clone := *m
			shiftClone := (uint64(bEnd) - uint64(a)) / uint64(addr.PageSize)
			clone.vaddrPage = bEnd.Page()
			clone.frameFirstPage += uint32(shiftClone)
			clone.pages -= shiftClone
			clone.frame.Clone()

			m.pages -= (uint64(aEnd) - uint64(vaddr)) / uint64(addr.PageSize)
			as.Vmregion.insertAt(idx+1, clone)

			as.unmapFlush(vaddr, pages)
			as.checkInvariants()
			return nil
		}

		if m.pages == 0 {
			m.frame.Deinit()
			as.Vmregion.removeAt(idx)
			continue
		}
		idx++
	}

	as.unmapFlush(vaddr, pages)
	as.checkInvariants()
	return nil
}

// unmapFlush removes any hardware PTEs covering [vaddr, vaddr+pages*4096)
// and flushes the TLB for each page. It is only meaningful once Start has
// run; before that there is no hardware table to touch. PTE-removal errors
// are expected (the range may never have been faulted in) and are logged,
// not propagated.
func (as *Vm_t) unmapFlush(vaddr addr.Virt, pages uint64) {
	cr3 := as.loadCr3()
	if cr3 == 0 {
		return
	}
	for i := uint64(0); i < pages; i++ {
		v := addr.Virt(uint64(vaddr) + i*uint64(addr.PageSize))
		if err := as.hal.UnmapFrame(cr3, v); err != nil {
			klog.Warnf("vm.Unmap: removing pte at %#x: %v", v, err)
		}
		as.tlb.FlushAddr(cr3, v)
	}
}
