package vm

import (
	"vmem/addr"
	"vmem/util"
	"vmem/verr"
)

// data resolves [vaddr, vaddr+length) to a contiguous run of mapping table
// indices [begIdx, endIdx), requiring that every byte in the range is
// covered by some mapping and that adjacent mappings in the run leave no
// gap between them. The caller must already hold the lock.
func (as *Vm_t) data(vaddr addr.Virt, length uint64) (int, int, *verr.Error) {
	as.Lockassert_pmap()
	if length == 0 {
		return 0, 0, verr.New(verr.InvalidArgument, "vm.data", "length must be >= 1")
	}
	if as.Vmregion.len() == 0 {
		return 0, 0, verr.New(verr.InvalidAddress, "vm.data", "address space is empty")
	}

	begIdx, ok := as.Vmregion.find(vaddr)
	if !ok || as.Vmregion.at(begIdx).start() > vaddr {
		return 0, 0, verr.New(verr.InvalidAddress, "vm.data", "start address not mapped")
	}

	lastByte := addr.Virt(uint64(vaddr) + length - 1)
	endIdx, ok := as.Vmregion.find(lastByte)
	if !ok || as.Vmregion.at(endIdx).start() > lastByte {
		return 0, 0, verr.New(verr.InvalidAddress, "vm.data", "end address not mapped")
	}

	for i := begIdx; i < endIdx; i++ {
		if as.Vmregion.at(i).end() != as.Vmregion.at(i+1).start() {
			return 0, 0, verr.New(verr.InvalidAddress, "vm.data", "gap between mappings in range")
		}
	}
	return begIdx, endIdx + 1, nil
}

// transfer walks the mapping runs covering [vaddr, vaddr+len(buf)) and
// calls xfer once per mapping segment with the frame byte offset and the
// slice of buf that segment should fill (read) or supply (write).
func (as *Vm_t) transfer(vaddr addr.Virt, buf []byte, xfer func(fr Frame, byteOffset uint64, seg []byte) *verr.Error) *verr.Error {
	if len(buf) == 0 {
		return nil
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()

	begIdx, endIdx, err := as.data(vaddr, uint64(len(buf)))
	if err != nil {
		return err
	}

	remaining := buf
	cur := vaddr
	for i := begIdx; i < endIdx && len(remaining) > 0; i++ {
		m := as.Vmregion.at(i)
		off := uint64(cur) - uint64(m.start())
		limit := util.Min(m.pages*uint64(addr.PageSize)-off, uint64(len(remaining)))
		base := uint64(m.frameFirstPage)*uint64(addr.PageSize) + off
		if e := xfer(m.frame, base, remaining[:limit]); e != nil {
			return e
		}
		remaining = remaining[limit:]
		cur = addr.Virt(uint64(cur) + limit)
	}
	return nil
}

// Read copies len(dest) bytes starting at vaddr into dest, reading
// straight through the backing frames without faulting in any hardware
// PTEs.
func (as *Vm_t) Read(vaddr addr.Virt, dest []byte) *verr.Error {
	return as.transfer(vaddr, dest, func(fr Frame, byteOffset uint64, seg []byte) *verr.Error {
		return fr.Read(byteOffset, seg)
	})
}

// Write copies src into the backing frames starting at vaddr.
func (as *Vm_t) Write(vaddr addr.Virt, src []byte) *verr.Error {
	return as.transfer(vaddr, src, func(fr Frame, byteOffset uint64, seg []byte) *verr.Error {
		return fr.Write(byteOffset, seg)
	})
}
