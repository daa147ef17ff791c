package vm

import (
	"testing"

	"vmem/addr"
	"vmem/cpu"
	"vmem/frame"
	"vmem/hal"
	"vmem/verr"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(0, hal.NewTable(0), cpu.NewTLBTracker())
}

func newTestFrame(t *testing.T, pages uint32) *frame.Frame {
	t.Helper()
	f, err := frame.New(pages)
	if err != nil {
		t.Fatalf("frame.New: %v", err)
	}
	return f
}

func rw() addr.Rights { return addr.Rights{Read: true, Write: true} }

func TestInitStartSwitchTo(t *testing.T) {
	mgr := newTestManager(t)
	as, err := mgr.Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer as.Deinit()

	if err := as.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Start is idempotent.
	if err := as.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	as.SwitchTo() // must not panic now that cr3 is set
}

func TestSwitchToBeforeStartPanics(t *testing.T) {
	mgr := newTestManager(t)
	as, err := mgr.Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer as.Deinit()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected SwitchTo before Start to panic")
		}
	}()
	as.SwitchTo()
}

func TestCloneSharesIdentityAndDeinitIsRefcounted(t *testing.T) {
	mgr := newTestManager(t)
	as, err := mgr.Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	other := as.Clone()
	if other != as {
		t.Fatalf("Clone must return the same Vm_t identity")
	}

	fr := newTestFrame(t, 4)
	if _, err := as.Map(fr, 0, addr.Virt(0x10000), 2, rw(), addr.Flags{Fixed: true}); err != nil {
		t.Fatalf("Map: %v", err)
	}

	as.Deinit() // first drop: refcount 2 -> 1, must not tear down
	if as.Vmregion.len() != 1 {
		t.Fatalf("mapping table torn down after non-final Deinit")
	}
	as.Deinit() // final drop
}

func TestMapRejectsZeroPages(t *testing.T) {
	mgr := newTestManager(t)
	as, _ := mgr.Init()
	defer as.Deinit()
	fr := newTestFrame(t, 1)

	_, err := as.Map(fr, 0, addr.Virt(0x10000), 0, rw(), addr.Flags{Fixed: true})
	if err == nil || err.Kind != verr.InvalidArgument {
		t.Fatalf("Map(pages=0) = %v, want InvalidArgument", err)
	}
}

func TestMapUnalignedVaddrPanics(t *testing.T) {
	mgr := newTestManager(t)
	as, _ := mgr.Init()
	defer as.Deinit()
	fr := newTestFrame(t, 1)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected unaligned vaddr to panic")
		}
	}()
	_, _ = as.Map(fr, 0, addr.Virt(0x1001), 1, rw(), addr.Flags{Fixed: true})
}

func TestMapFixedNullAddrFails(t *testing.T) {
	mgr := newTestManager(t)
	as, _ := mgr.Init()
	defer as.Deinit()
	fr := newTestFrame(t, 1)

	_, err := as.Map(fr, 0, addr.Virt(0), 1, rw(), addr.Flags{Fixed: true})
	if err == nil || err.Kind != verr.InvalidAddress {
		t.Fatalf("Map(vaddr=0, fixed) = %v, want InvalidAddress", err)
	}
}

func TestMapBoundaryLastPageOK(t *testing.T) {
	mgr := newTestManager(t)
	as, _ := mgr.Init()
	defer as.Deinit()
	fr := newTestFrame(t, 1)

	last := addr.UserMax - addr.Virt(addr.PageSize)
	if _, err := as.Map(fr, 0, last, 1, rw(), addr.Flags{Fixed: true}); err != nil {
		t.Fatalf("mapping the last valid page should succeed: %v", err)
	}
}

func TestMapBoundaryOverrunFails(t *testing.T) {
	mgr := newTestManager(t)
	as, _ := mgr.Init()
	defer as.Deinit()
	fr := newTestFrame(t, 2)

	last := addr.UserMax - addr.Virt(addr.PageSize)
	_, err := as.Map(fr, 0, last, 2, rw(), addr.Flags{Fixed: true})
	if err == nil || err.Kind != verr.OutOfBounds {
		t.Fatalf("Map past UserMax = %v, want OutOfBounds", err)
	}
}

func TestMapFrameWindowExceedsPageCount(t *testing.T) {
	mgr := newTestManager(t)
	as, _ := mgr.Init()
	defer as.Deinit()
	fr := newTestFrame(t, 2)

	_, err := as.Map(fr, 1, addr.Virt(0x10000), 2, rw(), addr.Flags{Fixed: true})
	if err == nil || err.Kind != verr.OutOfBounds {
		t.Fatalf("Map with frame window past page count = %v, want OutOfBounds", err)
	}
}

// scenario 1 in spec.md §8: fill and hole.
func TestUnmapFillAndHole(t *testing.T) {
	mgr := newTestManager(t)
	as, _ := mgr.Init()
	defer as.Deinit()
	fr := newTestFrame(t, 16)

	if v, err := as.Map(fr, 0, addr.Virt(0x10000), 4, rw(), addr.Flags{Fixed: true}); err != nil || v != 0x10000 {
		t.Fatalf("Map #1: v=%#x err=%v", v, err)
	}
	fr.Clone()
	if v, err := as.Map(fr, 4, addr.Virt(0x14000), 4, rw(), addr.Flags{Fixed: true}); err != nil || v != 0x14000 {
		t.Fatalf("Map #2: v=%#x err=%v", v, err)
	}

	if err := as.Unmap(addr.Virt(0x12000), 2); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	if as.Vmregion.len() != 2 {
		t.Fatalf("expected 2 mappings after the hole, got %d", as.Vmregion.len())
	}
	m0, m1 := as.Vmregion.at(0), as.Vmregion.at(1)
	if m0.start() != 0x10000 || m0.end() != 0x12000 {
		t.Fatalf("mapping 0 = [%#x,%#x), want [0x10000,0x12000)", m0.start(), m0.end())
	}
	if m1.start() != 0x14000 || m1.end() != 0x18000 {
		t.Fatalf("mapping 1 = [%#x,%#x), want [0x14000,0x18000)", m1.start(), m1.end())
	}
}

// scenario 2 in spec.md §8: interior hole (case 4 split).
func TestUnmapInteriorHoleSplits(t *testing.T) {
	mgr := newTestManager(t)
	as, _ := mgr.Init()
	defer as.Deinit()
	fr := newTestFrame(t, 16)

	if _, err := as.Map(fr, 0, addr.Virt(0x20000), 8, rw(), addr.Flags{Fixed: true}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if fr.Refcount() != 1 {
		t.Fatalf("Refcount() = %d after Map, want 1", fr.Refcount())
	}

	if err := as.Unmap(addr.Virt(0x22000), 4); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	if as.Vmregion.len() != 2 {
		t.Fatalf("expected 2 mappings after interior hole, got %d", as.Vmregion.len())
	}
	m0, m1 := as.Vmregion.at(0), as.Vmregion.at(1)
	if m0.start() != 0x20000 || m0.end() != 0x22000 || m0.frameFirstPage != 0 {
		t.Fatalf("mapping 0 = [%#x,%#x) ffp=%d, want [0x20000,0x22000) ffp=0", m0.start(), m0.end(), m0.frameFirstPage)
	}
	if m1.start() != 0x26000 || m1.end() != 0x28000 || m1.frameFirstPage != 6 {
		t.Fatalf("mapping 1 = [%#x,%#x) ffp=%d, want [0x26000,0x28000) ffp=6", m1.start(), m1.end(), m1.frameFirstPage)
	}
	if fr.Refcount() != 2 {
		t.Fatalf("Refcount() = %d after interior split, want 2 (shared across the clone)", fr.Refcount())
	}
}

// scenario 3 in spec.md §8: fixed-placement replace.
func TestMapFixedReplacesOverlap(t *testing.T) {
	mgr := newTestManager(t)
	as, _ := mgr.Init()
	defer as.Deinit()
	fr := newTestFrame(t, 16)

	if _, err := as.Map(fr, 0, addr.Virt(0x30000), 2, rw(), addr.Flags{Fixed: true}); err != nil {
		t.Fatalf("Map #1: %v", err)
	}
	if fr.Refcount() != 1 {
		t.Fatalf("Refcount() = %d, want 1", fr.Refcount())
	}

	fr.Clone()
	v, err := as.Map(fr, 8, addr.Virt(0x30000), 2, rw(), addr.Flags{Fixed: true})
	if err != nil || v != 0x30000 {
		t.Fatalf("Map #2: v=%#x err=%v", v, err)
	}

	if as.Vmregion.len() != 1 {
		t.Fatalf("expected a single mapping after replace, got %d", as.Vmregion.len())
	}
	m := as.Vmregion.at(0)
	if m.start() != 0x30000 || m.end() != 0x32000 || m.frameFirstPage != 8 {
		t.Fatalf("mapping = [%#x,%#x) ffp=%d, want [0x30000,0x32000) ffp=8", m.start(), m.end(), m.frameFirstPage)
	}
	// The original mapping's reference was released on replace; only the
	// second Map's reference to fr remains.
	if fr.Refcount() != 1 {
		t.Fatalf("Refcount() = %d after replace, want 1 (original slot's ref released)", fr.Refcount())
	}
}

// scenario 4 in spec.md §8: hint placement finds the first sufficient gap.
func TestMapHintFindsGap(t *testing.T) {
	mgr := newTestManager(t)
	as, _ := mgr.Init()
	defer as.Deinit()
	fr := newTestFrame(t, 16)

	if _, err := as.Map(fr, 0, addr.Virt(0x1000), 1, rw(), addr.Flags{Fixed: true}); err != nil {
		t.Fatalf("Map #1: %v", err)
	}
	fr.Clone()
	if _, err := as.Map(fr, 1, addr.Virt(0x100000), 1, rw(), addr.Flags{Fixed: true}); err != nil {
		t.Fatalf("Map #2: %v", err)
	}

	fr.Clone()
	v, err := as.Map(fr, 2, addr.Virt(0x5000), 2, rw(), addr.Flags{})
	if err != nil {
		t.Fatalf("Map(hint): %v", err)
	}
	if v != 0x2000 {
		t.Fatalf("Map(hint) landed at %#x, want 0x2000", v)
	}
}

// scenario 5 in spec.md §8: hint placement exhaustion.
func TestMapHintExhaustion(t *testing.T) {
	mgr := newTestManager(t)
	as, _ := mgr.Init()
	defer as.Deinit()
	fr := newTestFrame(t, 1)

	// Occupy the entire user range bar one page, so no gap is big enough.
	// No frame's uint32 page count can back that many pages, so the
	// synthetic mapping is installed through mapFixed directly, bypassing
	// Map's frame-window check.
	span := (uint64(addr.UserMax) - uint64(addr.UserMin)) / uint64(addr.PageSize)
	big := newTestFrame(t, 1)
	as.Lock_pmap()
	_, err := as.mapFixed(Vminfo_t{frame: big, pages: span, rights: rw()}, addr.UserMin)
	as.Unlock_pmap()
	if err != nil {
		t.Fatalf("mapFixed(whole range): %v", err)
	}

	_, err = as.Map(fr, 0, addr.Virt(0), 1, rw(), addr.Flags{})
	if err == nil || err.Kind != verr.OutOfVirtualMemory {
		t.Fatalf("Map(hint) on a full address space = %v, want OutOfVirtualMemory", err)
	}
}

func TestUnmapIsIdempotent(t *testing.T) {
	mgr := newTestManager(t)
	as, _ := mgr.Init()
	defer as.Deinit()
	fr := newTestFrame(t, 4)

	if _, err := as.Map(fr, 0, addr.Virt(0x10000), 4, rw(), addr.Flags{Fixed: true}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := as.Unmap(addr.Virt(0x10000), 4); err != nil {
		t.Fatalf("Unmap #1: %v", err)
	}
	if err := as.Unmap(addr.Virt(0x10000), 4); err != nil {
		t.Fatalf("Unmap #2 (idempotent): %v", err)
	}
	if as.Vmregion.len() != 0 {
		t.Fatalf("expected an empty table after unmapping everything, got %d entries", as.Vmregion.len())
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	mgr := newTestManager(t)
	as, _ := mgr.Init()
	defer as.Deinit()
	fr := newTestFrame(t, 4)

	v, err := as.Map(fr, 0, addr.Virt(0x10000), 4, rw(), addr.Flags{Fixed: true})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	want := []byte("round trip through a shared frame window")
	if err := as.Write(v, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(want))
	if err := as.Read(v, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("Read returned %q, want %q", got, want)
	}
}

func TestReadCrossingMappingsContiguous(t *testing.T) {
	mgr := newTestManager(t)
	as, _ := mgr.Init()
	defer as.Deinit()
	fr := newTestFrame(t, 8)

	if _, err := as.Map(fr, 0, addr.Virt(0x10000), 2, rw(), addr.Flags{Fixed: true}); err != nil {
		t.Fatalf("Map #1: %v", err)
	}
	fr.Clone()
	if _, err := as.Map(fr, 2, addr.Virt(0x12000), 2, rw(), addr.Flags{Fixed: true}); err != nil {
		t.Fatalf("Map #2: %v", err)
	}

	buf := make([]byte, int(addr.PageSize)*4)
	for i := range buf {
		buf[i] = byte(i)
	}
	if err := as.Write(addr.Virt(0x10000), buf); err != nil {
		t.Fatalf("Write across contiguous mappings: %v", err)
	}
	got := make([]byte, len(buf))
	if err := as.Read(addr.Virt(0x10000), got); err != nil {
		t.Fatalf("Read across contiguous mappings: %v", err)
	}
	for i := range buf {
		if got[i] != buf[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], buf[i])
		}
	}
}

func TestReadFailsOnGapBetweenMappings(t *testing.T) {
	mgr := newTestManager(t)
	as, _ := mgr.Init()
	defer as.Deinit()
	fr := newTestFrame(t, 8)

	if _, err := as.Map(fr, 0, addr.Virt(0x10000), 1, rw(), addr.Flags{Fixed: true}); err != nil {
		t.Fatalf("Map #1: %v", err)
	}
	fr.Clone()
	if _, err := as.Map(fr, 2, addr.Virt(0x12000), 1, rw(), addr.Flags{Fixed: true}); err != nil {
		t.Fatalf("Map #2: %v", err)
	}

	buf := make([]byte, int(addr.PageSize)*2)
	err := as.Read(addr.Virt(0x10000), buf)
	if err == nil || err.Kind != verr.InvalidAddress {
		t.Fatalf("Read spanning a gap = %v, want InvalidAddress", err)
	}
}

func TestReadZeroLengthSucceeds(t *testing.T) {
	mgr := newTestManager(t)
	as, _ := mgr.Init()
	defer as.Deinit()

	if err := as.Read(addr.Virt(0x10000), nil); err != nil {
		t.Fatalf("zero-length Read should succeed even on an empty address space: %v", err)
	}
}

// Page fault permission checks and lazy PTE installation. Per the
// preserved open question (spec.md §9 item 1), every fault arm gates on
// the Read bit alone rather than the bit matching the fault cause: a
// write-only mapping rejects writes (Read is clear), while a read-only
// mapping permits writes (Read is set). Counter-intuitive, but this
// matches the source's observable behavior rather than guessing at the
// "intended" fix.
func TestPageFaultPermissionChecksUseReadBit(t *testing.T) {
	mgr := newTestManager(t)
	as, _ := mgr.Init()
	defer as.Deinit()
	fr := newTestFrame(t, 1)

	if _, err := as.Map(fr, 0, addr.Virt(0x40000), 1, addr.Rights{Write: true}, addr.Flags{Fixed: true}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := as.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := as.PageFault(FaultWrite, addr.Virt(0x40000)); err == nil || err.Kind != verr.WriteFault {
		t.Fatalf("PageFault(write) on a write-only mapping = %v, want WriteFault (Read bit is what's actually checked)", err)
	}
}

func TestPageFaultReadOnlyMappingPermitsWrite(t *testing.T) {
	mgr := newTestManager(t)
	as, _ := mgr.Init()
	defer as.Deinit()
	fr := newTestFrame(t, 1)

	if _, err := as.Map(fr, 0, addr.Virt(0x41000), 1, addr.Rights{Read: true}, addr.Flags{Fixed: true}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := as.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := as.PageFault(FaultWrite, addr.Virt(0x41000)); err != nil {
		t.Fatalf("PageFault(write) on a Read=true mapping = %v, want success (the preserved bug checks Read, not Write)", err)
	}
}

func TestPageFaultNotMapped(t *testing.T) {
	mgr := newTestManager(t)
	as, _ := mgr.Init()
	defer as.Deinit()
	if err := as.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := as.PageFault(FaultRead, addr.Virt(0x90000)); err == nil || err.Kind != verr.NotMapped {
		t.Fatalf("PageFault on unmapped addr = %v, want NotMapped", err)
	}
}

func TestPageFaultOnUnstartedVmemPanics(t *testing.T) {
	mgr := newTestManager(t)
	as, _ := mgr.Init()
	defer as.Deinit()
	fr := newTestFrame(t, 1)
	if _, err := as.Map(fr, 0, addr.Virt(0x40000), 1, rw(), addr.Flags{Fixed: true}); err != nil {
		t.Fatalf("Map: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected a fault on a never-started Vmem to panic")
		}
	}()
	_ = as.PageFault(FaultRead, addr.Virt(0x40000))
}
