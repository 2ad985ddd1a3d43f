// Package pagealloc implements the two-bit-per-page bitmap physical
// page allocator described in spec.md §4.1: a fixed physical heap
// whose first page is reserved as the bookkeeping page and never handed
// out, with (taken, last) recorded per page, where "last" marks the
// final page of an allocated run. The (taken, last) bits are held in a
// byte slice owned by the Allocator, one byte per page; they are not
// stored in the reserved first page.
//
// Grounded on biscuit/src/mem/mem.go's Physmem_t free-list
// bookkeeping and biscuit/src/mem/dmap.go's PMO-based physical-to-
// kernel-space translation, reshaped from a refcounted-page design to
// the run-length (taken, last) bitmap spec.md requires.
package pagealloc

import (
	"sync"

	"rvkernel/kernel/addr"
	"rvkernel/kernel/errs"
)

const (
	takenBit = 1 << 0
	lastBit  = 1 << 1
)

// Allocator manages a contiguous physical range whose first page is
// reserved as the bookkeeping page; the two-bit-per-page table itself
// is kept in bits.
type Allocator struct {
	mu sync.Mutex

	base   addr.PhysAddr // first page after the bookkeeping page
	npages int           // number of allocatable pages (excludes the bookkeeping page)
	bits   []uint8       // one byte per page, low two bits used

	// zero zeroes a freshly allocated page given its physical address.
	// Pluggable so tests can run without a real physical-memory map.
	zero func(addr.PhysAddr)
}

// New constructs an Allocator over [heapBase, heapBase+n*PageSize).
// The first page of the range is reserved as the bookkeeping page and
// is not itself allocatable; the bitmap is kept in a Go slice, not
// written into that page. zero, if non-nil, is called to clear every page
// handed out by Allocate.
func New(heapBase addr.PhysAddr, n int, zero func(addr.PhysAddr)) (*Allocator, errs.Err_t) {
	if !heapBase.Aligned() || n <= 1 {
		return nil, errs.EINVAL
	}
	a := &Allocator{
		base:   heapBase + addr.PageSize,
		npages: n - 1,
		bits:   make([]uint8, n-1),
		zero:   zero,
	}
	return a, 0
}

// Handle is an owning reference to an allocated run of pages. Dropping
// it (calling Free) returns every page in the run to the allocator,
// matching the "allocator's returned values as owning handles" design
// note (spec.md §9).
type Handle struct {
	a     *Allocator
	Base  addr.PhysAddr
	Count int
	freed bool
}

// Free releases every page in the run. Freeing twice is a hard
// failure (spec.md §4.1 "Double-free is a hard failure"), matching
// the invariant enforced by Allocator.Deallocate.
func (h *Handle) Free() {
	if h.freed {
		panic("pagealloc: double free")
	}
	h.freed = true
	n, err := h.a.Deallocate(h.Base)
	if err != 0 {
		panic("pagealloc: free of unowned page")
	}
	if n != h.Count {
		panic("pagealloc: free returned inconsistent run length")
	}
}

func (a *Allocator) index(p addr.PhysAddr) (int, bool) {
	if p < a.base {
		return 0, false
	}
	off := p.Uint64() - a.base.Uint64()
	if off%addr.PageSize != 0 {
		return 0, false
	}
	idx := int(off / addr.PageSize)
	if idx >= a.npages {
		return 0, false
	}
	return idx, true
}

func (a *Allocator) pageAt(idx int) addr.PhysAddr {
	return a.base + addr.PhysAddr(idx*addr.PageSize)
}

// Allocate finds the first run of n consecutive free pages that does
// not straddle an existing allocated run's boundary, marks them
// taken, and returns an owning Handle. Fails with ENOMEM when no such
// run exists.
func (a *Allocator) Allocate(n int) (*Handle, errs.Err_t) {
	if n <= 0 {
		return nil, errs.EINVAL
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	run := 0
	start := -1
	for i := 0; i < a.npages; i++ {
		if a.bits[i]&takenBit != 0 {
			run = 0
			start = -1
			continue
		}
		if start == -1 {
			start = i
		}
		run++
		if run == n {
			break
		}
	}
	if run != n {
		return nil, errs.ENOMEM
	}

	for i := start; i < start+n; i++ {
		a.bits[i] = takenBit
	}
	a.bits[start+n-1] |= lastBit
	if start > 0 {
		a.bits[start-1] |= lastBit
	}

	base := a.pageAt(start)
	if a.zero != nil {
		for i := 0; i < n; i++ {
			a.zero(a.pageAt(start + i))
		}
	}
	return &Handle{a: a, Base: base, Count: n}, 0
}

// Deallocate walks forward from p, clearing taken bits until the page
// whose last bit is set, and returns the run length. p must be the
// base of a run previously returned by Allocate; any other address is
// a double-free or corruption and is a hard failure.
func (a *Allocator) Deallocate(p addr.PhysAddr) (int, errs.Err_t) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.index(p)
	if !ok || a.bits[idx]&takenBit == 0 {
		return 0, errs.EINVAL
	}

	n := 0
	i := idx
	for {
		if a.bits[i]&takenBit == 0 {
			panic("pagealloc: double free detected mid-run")
		}
		last := a.bits[i]&lastBit != 0
		a.bits[i] = 0
		n++
		if last {
			break
		}
		i++
		if i >= a.npages {
			panic("pagealloc: run ran off the end of the heap")
		}
	}

	if idx > 0 && a.bits[idx-1]&takenBit == 0 {
		a.bits[idx-1] &^= lastBit
	}
	return n, 0
}

// Capacity returns the total number of allocatable pages.
func (a *Allocator) Capacity() int {
	return a.npages
}

// Free returns the number of currently unallocated pages (O(n), used
// only by diagnostics such as the kernel console's "mem" command).
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	free := 0
	for _, b := range a.bits {
		if b&takenBit == 0 {
			free++
		}
	}
	return free
}
