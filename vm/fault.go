package vm

import (
	"vmem/addr"
	"vmem/klog"
	"vmem/verr"
)

// FaultCause identifies what kind of access triggered a page fault.
type FaultCause uint8

const (
	FaultRead FaultCause = iota
	FaultWrite
	FaultExec
)

func (c FaultCause) String() string {
	switch c {
	case FaultRead:
		return "read"
	case FaultWrite:
		return "write"
	case FaultExec:
		return "exec"
	default:
		return "unknown"
	}
}

// PageFault resolves a hardware page fault at faultaddr by finding the
// mapping that covers it, checking permissions, pulling the backing
// physical page out of the frame, and installing the hardware PTE.
//
// All three permission checks below test the mapping's Read bit rather
// than the bit matching the fault cause (write faults check Read, not
// Write; exec faults check Read, not Exec). That mirrors the historical
// fault resolver this is modeled on, bug and all — see design notes.
func (as *Vm_t) PageFault(cause FaultCause, faultaddrUnaligned addr.Virt) *verr.Error {
	vaddr := addr.Virt(uint64(faultaddrUnaligned) &^ (uint64(addr.PageSize) - 1))

	as.Lock_pmap()
	defer as.Unlock_pmap()

	idx, ok := as.Vmregion.Lookup(vaddr)
	if !ok {
		return verr.New(verr.NotMapped, "vm.PageFault", "no mapping covers this address")
	}
	m := as.Vmregion.at(idx)

	switch cause {
	case FaultRead:
		if !m.rights.Read {
			return verr.New(verr.ReadFault, "vm.PageFault", "missing read permission")
		}
	case FaultWrite:
		if !m.rights.Read {
			return verr.New(verr.WriteFault, "vm.PageFault", "missing read permission")
		}
	case FaultExec:
		if !m.rights.Read {
			return verr.New(verr.ExecFault, "vm.PageFault", "missing read permission")
		}
	}

	cr3 := as.loadCr3()
	if cr3 == 0 {
		panic("vm.PageFault: address space never started")
	}

	if klog.IsDebug {
		if present, _, _ := as.hal.EntryFrame(cr3, vaddr); present {
			panic("vm.PageFault: pte already present for a faulting address")
		}
	}

	pageOffset := (uint64(vaddr) - uint64(m.start())) / uint64(addr.PageSize)
	writeIntent := cause == FaultWrite
	phys, err := m.frame.PageHit(m.frameFirstPage+uint32(pageOffset), writeIntent)
	if err != nil {
		return err
	}

	if err := as.hal.MapFrame(cr3, vaddr, phys, m.rights, m.flags); err != nil {
		return err
	}
	as.tlb.FlushAddr(cr3, vaddr)
	klog.Tracef("vm.PageFault: resolved %v at page %#x", cause, vaddr)
	return nil
}
