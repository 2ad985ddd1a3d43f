// Package kheap implements the kernel heap allocator layered above
// pagealloc, serving the rest of the kernel's own allocations (spec.md
// §2's "kernel heap allocator" row).
//
// No direct teacher analogue exists (Biscuit patches the Go runtime's
// own allocator instead, which is out of this core's scope per
// spec.md §1's boot-shim exclusion). The free-list-per-size-class
// design below mirrors biscuit/src/mem/mem.go's free-list-of-indices
// pattern (Physpg_t.nexti chaining a list of pages by index rather
// than by pointer) applied to heap chunks, and follows the
// "allocator's returned values as owning handles" design note
// (spec.md §9).
package kheap

import (
	"sync"

	"rvkernel/kernel/addr"
	"rvkernel/kernel/errs"
	"rvkernel/kernel/pagealloc"
	"rvkernel/kernel/physmem"
)

// sizeClasses are the chunk sizes the heap segregates free lists by,
// doubling from 32 bytes up to a full page. Requests larger than a
// page are served directly from pagealloc as a multi-page run.
var sizeClasses = []int{32, 64, 128, 256, 512, 1024, 2048, addr.PageSize}

// Heap is a generic byte allocator layered over a pagealloc.Allocator
// and backed by a physmem.Memory window.
type Heap struct {
	mu    sync.Mutex
	pages *pagealloc.Allocator
	mem   *physmem.Memory
	free  map[int][]addr.PhysAddr      // size class -> free chunk addresses
	large map[addr.PhysAddr]*pagealloc.Handle // multi-page allocations, keyed by base
}

// New constructs a kernel heap over the given page allocator and
// physical-memory window.
func New(pages *pagealloc.Allocator, mem *physmem.Memory) *Heap {
	return &Heap{
		pages: pages,
		mem:   mem,
		free:  make(map[int][]addr.PhysAddr),
		large: make(map[addr.PhysAddr]*pagealloc.Handle),
	}
}

func classFor(n int) (int, errs.Err_t) {
	for _, c := range sizeClasses {
		if n <= c {
			return c, 0
		}
	}
	return 0, errs.E2BIG
}

// Block is an owning handle to an allocated heap region.
type Block struct {
	Addr addr.PhysAddr
	Size int
	cls  int // 0 if this was a large (multi-page) allocation
}

func (h *Heap) zero(base addr.PhysAddr, n int) {
	pg := h.mem.Page(base)
	off := int(base.PageOffset())
	for i := 0; i < n; i++ {
		pg[off+i] = 0
	}
}

// Alloc reserves at least n bytes and returns an owning, zeroed Block.
func (h *Heap) Alloc(n int) (*Block, errs.Err_t) {
	if n <= 0 {
		return nil, errs.EINVAL
	}
	if n > addr.PageSize {
		npages := (n + addr.PageSize - 1) / addr.PageSize
		hdl, err := h.pages.Allocate(npages)
		if err != 0 {
			return nil, err
		}
		h.mu.Lock()
		h.large[hdl.Base] = hdl
		h.mu.Unlock()
		return &Block{Addr: hdl.Base, Size: n}, 0
	}

	cls, err := classFor(n)
	if err != 0 {
		return nil, err
	}

	h.mu.Lock()
	list := h.free[cls]
	if len(list) > 0 {
		a := list[len(list)-1]
		h.free[cls] = list[:len(list)-1]
		h.mu.Unlock()
		h.zero(a, cls)
		return &Block{Addr: a, Size: n, cls: cls}, 0
	}
	h.mu.Unlock()

	hdl, err := h.pages.Allocate(1)
	if err != 0 {
		return nil, err
	}
	base := hdl.Base
	var rest []addr.PhysAddr
	for off := cls; off+cls <= addr.PageSize; off += cls {
		rest = append(rest, base+addr.PhysAddr(off))
	}
	h.mu.Lock()
	h.large[base] = hdl // the whole page is owned as a unit; chunks reference into it
	h.free[cls] = append(h.free[cls], rest...)
	h.mu.Unlock()
	h.zero(base, cls)
	return &Block{Addr: base, Size: n, cls: cls}, 0
}

// Write copies src into b's backing pages, truncating to b.Size. Used
// by cmd/kernel.Boot to copy the bootloader-supplied device tree blob
// into kernel-managed memory.
func (h *Heap) Write(b *Block, src []byte) {
	if len(src) > b.Size {
		src = src[:b.Size]
	}
	written := 0
	for written < len(src) {
		pa := b.Addr + addr.PhysAddr(written)
		pg := h.mem.Page(pa.PageBase())
		off := int(pa.PageOffset())
		n := copy(pg[off:], src[written:])
		if n == 0 {
			break
		}
		written += n
	}
}

// Read copies b's bytes out into a freshly allocated Go slice.
func (h *Heap) Read(b *Block) []byte {
	out := make([]byte, b.Size)
	read := 0
	for read < b.Size {
		pa := b.Addr + addr.PhysAddr(read)
		pg := h.mem.Page(pa.PageBase())
		off := int(pa.PageOffset())
		n := copy(out[read:], pg[off:])
		if n == 0 {
			break
		}
		read += n
	}
	return out
}

// Free releases b back to its size class's free list. Large
// (multi-page) allocations are returned to pagealloc directly; small
// chunks are pushed back onto the size class's free list and their
// backing page is never returned to pagealloc, since this simplified
// design does not track when every chunk carved from a page is free —
// matching the teacher's own simplifying
// assumption in mem.go that reclaiming partially-used pages is a
// policy choice, not a correctness requirement for a kernel heap of
// this scale.
func (h *Heap) Free(b *Block) {
	if b.cls == 0 {
		h.mu.Lock()
		hdl, ok := h.large[b.Addr]
		delete(h.large, b.Addr)
		h.mu.Unlock()
		if !ok {
			panic("kheap: double free of large block")
		}
		hdl.Free()
		return
	}
	h.mu.Lock()
	h.free[b.cls] = append(h.free[b.cls], b.Addr)
	h.mu.Unlock()
}
