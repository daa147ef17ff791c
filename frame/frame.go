// Package frame implements the refcounted physical-memory object that
// mappings share: a Frame is a window of anonymous memory, obtained
// through golang.org/x/sys/unix the same way the reference page-table
// code in this corpus gets its backing pages, and read or written through
// byte-offset Read/Write calls rather than direct pointer dereference.
package frame

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"vmem/addr"
	"vmem/verr"
)

// Frame is a shareable, refcounted run of physical memory pages. The zero
// value is not usable; construct with New.
type Frame struct {
	mu        sync.Mutex
	refcount  int32
	pageCount uint32
	bytes     []byte
}

// New allocates a fresh frame backing pageCount pages of anonymous memory.
func New(pageCount uint32) (*Frame, *verr.Error) {
	if pageCount == 0 {
		return nil, verr.New(verr.InvalidArgument, "frame.New", "pageCount must be >= 1")
	}
	size := int(pageCount) * int(addr.PageSize)
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, verr.New(verr.OutOfMemory, "frame.New", err.Error())
	}
	return &Frame{refcount: 1, pageCount: pageCount, bytes: b}, nil
}

func (f *Frame) Lock()   { f.mu.Lock() }
func (f *Frame) Unlock() { f.mu.Unlock() }

// PageCount reports the number of pages in the frame. It does not take the
// frame lock (pageCount is fixed by New), so callers such as vm.Map may
// call it while holding Lock.
func (f *Frame) PageCount() uint32 {
	return f.pageCount
}

func (f *Frame) Read(byteOffset uint64, dst []byte) *verr.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := byteOffset + uint64(len(dst))
	if end > uint64(len(f.bytes)) {
		return verr.New(verr.OutOfBounds, "frame.Read", "range exceeds frame")
	}
	copy(dst, f.bytes[byteOffset:end])
	return nil
}

func (f *Frame) Write(byteOffset uint64, src []byte) *verr.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := byteOffset + uint64(len(src))
	if end > uint64(len(f.bytes)) {
		return verr.New(verr.OutOfBounds, "frame.Write", "range exceeds frame")
	}
	copy(f.bytes[byteOffset:end], src)
	return nil
}

// PageHit returns the physical page number backing the logical page at
// pageIndex. writeIntent signals that the caller is about to install a
// writable mapping; this module does not fork the frame on that path (see
// design notes: copy-on-write forking is out of scope).
func (f *Frame) PageHit(pageIndex uint32, writeIntent bool) (addr.Phys, *verr.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pageIndex >= f.pageCount {
		return 0, verr.New(verr.OutOfBounds, "frame.PageHit", "page index out of range")
	}
	_ = writeIntent
	off := uintptr(pageIndex) * addr.PageSize
	base := uintptr(unsafe.Pointer(&f.bytes[off]))
	return addr.Phys(uint64(base) >> addr.PageShift), nil
}

// Clone increments the shared reference count. The caller keeps using its
// existing *Frame; Clone exists purely to record the extra owner.
func (f *Frame) Clone() {
	atomic.AddInt32(&f.refcount, 1)
}

// Refcount reports the current reference count. Mostly useful in tests.
func (f *Frame) Refcount() int32 { return atomic.LoadInt32(&f.refcount) }

// Deinit releases one reference. On the last drop the backing memory is
// unmapped.
func (f *Frame) Deinit() {
	if atomic.AddInt32(&f.refcount, -1) != 0 {
		return
	}
	f.mu.Lock()
	b := f.bytes
	f.bytes = nil
	f.mu.Unlock()
	if b != nil {
		_ = unix.Munmap(b)
	}
}
