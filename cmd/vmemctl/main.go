// Command vmemctl drives one address space through its whole lifecycle —
// init, map, start, page fault, read/write, unmap, deinit — and reports
// what happened. It exists as a runnable smoke test for the vm package,
// the way the teacher kernel's own scripts/ directory hosts small
// standalone drivers alongside the kernel proper.
package main

import (
	"flag"
	"fmt"
	"os"

	"vmem/addr"
	"vmem/cpu"
	"vmem/frame"
	"vmem/hal"
	"vmem/vm"
)

func main() {
	pages := flag.Uint64("pages", 4, "number of pages to map into the demo address space")
	vaddr := flag.Uint64("vaddr", 0x10000, "base virtual address for the demo mapping")
	flag.Parse()

	if err := run(*vaddr, *pages); err != nil {
		fmt.Fprintln(os.Stderr, "vmemctl:", err)
		os.Exit(1)
	}
}

func run(base, pages uint64) error {
	mgr := vm.NewManager(0, hal.NewTable(0), cpu.NewTLBTracker())

	as, err := mgr.Init()
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer as.Deinit()

	fr, err := frame.New(uint32(pages))
	if err != nil {
		return fmt.Errorf("frame.New: %w", err)
	}

	va := addr.Virt(base)
	rights := addr.Rights{Read: true, Write: true}
	placed, err := as.Map(fr, 0, va, pages, rights, addr.Flags{Fixed: true})
	if err != nil {
		return fmt.Errorf("map: %w", err)
	}
	fmt.Printf("mapped %d pages at %#x\n", pages, uint64(placed))

	if err := as.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	as.SwitchTo()
	fmt.Println("hardware page table started and activated")

	if err := as.PageFault(vm.FaultRead, placed); err != nil {
		return fmt.Errorf("page_fault: %w", err)
	}
	fmt.Println("resolved the first page's fault")

	payload := []byte("vmemctl smoke test payload")
	if err := as.Write(placed, payload); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	got := make([]byte, len(payload))
	if err := as.Read(placed, got); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if string(got) != string(payload) {
		return fmt.Errorf("read back %q, want %q", got, payload)
	}
	fmt.Println("read/write round-trip through the backing frame succeeded")

	if err := streamRoundTrip(as, placed, payload); err != nil {
		return fmt.Errorf("userbuf round trip: %w", err)
	}
	fmt.Println("streamed read/write through Userbuf_t succeeded")

	if err := as.Unmap(placed, pages); err != nil {
		return fmt.Errorf("unmap: %w", err)
	}
	fmt.Println("unmapped the demo range")

	return nil
}

// streamRoundTrip writes payload into the address space and reads it back
// through a Userbuf_t, a few bytes per call, the way a syscall-argument
// copier pulls a user buffer across several Uioread/Uiowrite calls instead
// of one large transfer.
func streamRoundTrip(as *vm.Vm_t, base addr.Virt, payload []byte) error {
	const chunk = 8

	var wub vm.Userbuf_t
	wub.UbInit(as, base, uint64(len(payload)))
	for wub.Remain() > 0 {
		n := chunk
		if uint64(n) > wub.Remain() {
			n = int(wub.Remain())
		}
		off := len(payload) - int(wub.Remain())
		if _, err := wub.Uiowrite(payload[off : off+n]); err != nil {
			return fmt.Errorf("uiowrite: %w", err)
		}
	}

	got := make([]byte, len(payload))
	var rub vm.Userbuf_t
	rub.UbInit(as, base, uint64(len(got)))
	for rub.Remain() > 0 {
		n := chunk
		if uint64(n) > rub.Remain() {
			n = int(rub.Remain())
		}
		off := len(got) - int(rub.Remain())
		if _, err := rub.Uioread(got[off : off+n]); err != nil {
			return fmt.Errorf("uioread: %w", err)
		}
	}

	if string(got) != string(payload) {
		return fmt.Errorf("streamed read back %q, want %q", got, payload)
	}
	if rub.Totalsz() != uint64(len(payload)) {
		return fmt.Errorf("Totalsz() = %d, want %d", rub.Totalsz(), len(payload))
	}
	return nil
}
