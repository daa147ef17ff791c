package vm

import (
	"vmem/addr"
	"vmem/util"
)

// Userbuf_t is a cursor over a byte range of one address space, letting
// callers stream a read or write across several transfer calls without
// re-deriving the current offset each time. Adapted from the reference
// kernel's userbuf: there it exists because user memory can only be
// touched through page-fault-driven accessors; here the point is purely
// the cursor bookkeeping, since Vm_t.Read/Write already tunnel through
// frames directly.
type Userbuf_t struct {
	as    *Vm_t
	base  addr.Virt
	total uint64
	off   uint64
}

// UbInit initializes ub to span [base, base+length) of as.
func (ub *Userbuf_t) UbInit(as *Vm_t, base addr.Virt, length uint64) {
	ub.as = as
	ub.base = base
	ub.total = length
	ub.off = 0
}

// Remain reports how many bytes are left unread/unwritten.
func (ub *Userbuf_t) Remain() uint64 { return ub.total - ub.off }

// Totalsz reports the buffer's total size.
func (ub *Userbuf_t) Totalsz() uint64 { return ub.total }

// Uioread copies into dst from the buffer's current offset, advancing it,
// and returns the number of bytes copied.
func (ub *Userbuf_t) Uioread(dst []byte) (int, error) {
	n := ub.clamp(len(dst))
	if n == 0 {
		return 0, nil
	}
	va := addr.Virt(uint64(ub.base) + ub.off)
	if err := ub.as.Read(va, dst[:n]); err != nil {
		return 0, err
	}
	ub.off += uint64(n)
	return n, nil
}

// Uiowrite copies src into the buffer at its current offset, advancing it,
// and returns the number of bytes copied.
func (ub *Userbuf_t) Uiowrite(src []byte) (int, error) {
	n := ub.clamp(len(src))
	if n == 0 {
		return 0, nil
	}
	va := addr.Virt(uint64(ub.base) + ub.off)
	if err := ub.as.Write(va, src[:n]); err != nil {
		return 0, err
	}
	ub.off += uint64(n)
	return n, nil
}

func (ub *Userbuf_t) clamp(n int) int {
	return int(util.Min(uint64(n), ub.Remain()))
}
