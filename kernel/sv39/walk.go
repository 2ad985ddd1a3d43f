package sv39

import (
	"encoding/binary"

	"rvkernel/kernel/addr"
	"rvkernel/kernel/errs"
	"rvkernel/kernel/pagealloc"
	"rvkernel/kernel/physmem"
)

// Walker performs Sv39 three-level page-table walks, allocating
// intermediate tables from a pagealloc.Allocator and reading/writing
// entries through a physmem.Memory window (spec.md §4.2).
type Walker struct {
	mem   *physmem.Memory
	alloc *pagealloc.Allocator
}

// New constructs a Walker over the given physical-memory window and
// page allocator.
func New(mem *physmem.Memory, alloc *pagealloc.Allocator) *Walker {
	return &Walker{mem: mem, alloc: alloc}
}

func ptesOf(pg *physmem.Page) []PTE {
	n := len(pg) / 8
	out := make([]PTE, n)
	for i := 0; i < n; i++ {
		out[i] = PTE(binary.LittleEndian.Uint64(pg[i*8 : i*8+8]))
	}
	return out
}

func (w *Walker) readPTE(table addr.PhysAddr, idx uint64) PTE {
	pg := w.mem.Page(table)
	return PTE(binary.LittleEndian.Uint64(pg[idx*8 : idx*8+8]))
}

func (w *Walker) writePTE(table addr.PhysAddr, idx uint64, e PTE) {
	pg := w.mem.Page(table)
	binary.LittleEndian.PutUint64(pg[idx*8:idx*8+8], uint64(e))
}

// NewTable allocates and zeroes a fresh page-table page (root or
// intermediate) and returns its physical address.
func (w *Walker) NewTable() (addr.PhysAddr, errs.Err_t) {
	h, err := w.alloc.Allocate(1)
	if err != 0 {
		return 0, err
	}
	w.mem.Zero(h.Base)
	return h.Base, 0
}

// descend walks to the leaf-level table that would hold va's PTE,
// allocating intermediate tables along the way when alloc is true.
// Returns the physical address of the level-0 table and the index of
// va's entry within it.
func (w *Walker) descend(root addr.PhysAddr, va addr.VirtAddr, alloc bool) (addr.PhysAddr, uint64, errs.Err_t) {
	table := root
	for level := 2; level >= 1; level-- {
		idx := va.VPN(level)
		e := w.readPTE(table, idx)
		if e.Leaf() {
			return 0, 0, errs.EINVAL
		}
		if !e.Valid() {
			if !alloc {
				return 0, 0, errs.EFAULT
			}
			next, err := w.NewTable()
			if err != 0 {
				return 0, 0, err
			}
			w.writePTE(table, idx, mkPTE(next.PPN(), 0))
			table = next
		} else {
			table = e.PhysAddr()
		}
	}
	return table, va.VPN(0), 0
}

// MapPage installs a single leaf mapping va -> pa with the permission
// bits kind specifies. Fails if va or pa is unaligned, or if the
// target slot is already valid (no silent remap), per spec.md §4.2.
func (w *Walker) MapPage(root addr.PhysAddr, va addr.VirtAddr, pa addr.PhysAddr, kind Kind) errs.Err_t {
	if !va.Aligned() || !pa.Aligned() {
		return errs.EINVAL
	}
	flags, err := kind.attrs()
	if err != 0 {
		return err
	}
	table, idx, err := w.descend(root, va, true)
	if err != 0 {
		return err
	}
	if w.readPTE(table, idx).Valid() {
		return errs.EINVAL // already mapped
	}
	w.writePTE(table, idx, mkPTE(pa.PPN(), flags))
	return 0
}

// MapRange vector-maps n contiguous virtual pages starting at va to n
// contiguous physical pages starting at pa, and returns the next
// virtual address after the mapped range so callers can stack
// mappings (spec.md §4.2).
func (w *Walker) MapRange(root addr.PhysAddr, va addr.VirtAddr, pa addr.PhysAddr, n int, kind Kind) (addr.VirtAddr, errs.Err_t) {
	cur := va
	for i := 0; i < n; i++ {
		curPa := pa + addr.PhysAddr(i*addr.PageSize)
		if err := w.MapPage(root, cur, curPa, kind); err != 0 {
			return 0, err
		}
		next, err := cur.Offset(addr.PageSize)
		if err != 0 {
			return 0, err
		}
		cur = next
	}
	return cur, 0
}

// Translate performs a read-only walk and returns the physical
// address va maps to, or EFAULT if unmapped.
func (w *Walker) Translate(root addr.PhysAddr, va addr.VirtAddr) (addr.PhysAddr, errs.Err_t) {
	table, idx, err := w.descend(root, va, false)
	if err != 0 {
		return 0, err
	}
	e := w.readPTE(table, idx)
	if !e.Leaf() {
		return 0, errs.EFAULT
	}
	return addr.PhysAddr(e.PhysAddr().Uint64() | va.PageOffset()), 0
}

// TranslateUser behaves like Translate but additionally fails if the
// leaf lacks the user bit, used by syscalls to validate user pointers
// before dereferencing them (spec.md §4.2, §4.7).
func (w *Walker) TranslateUser(root addr.PhysAddr, va addr.VirtAddr) (addr.PhysAddr, errs.Err_t) {
	table, idx, err := w.descend(root, va, false)
	if err != 0 {
		return 0, err
	}
	e := w.readPTE(table, idx)
	if !e.Leaf() || !e.User() {
		return 0, errs.EFAULT
	}
	return addr.PhysAddr(e.PhysAddr().Uint64() | va.PageOffset()), 0
}

// MapDevice maps an MMIO range into kernel space with Kernel
// permissions; it is the external hook driver loaders use to map
// their register windows (spec.md §4.2 "map_device").
func (w *Walker) MapDevice(root addr.PhysAddr, va addr.VirtAddr, phys addr.PhysAddr, size int) errs.Err_t {
	n := (size + addr.PageSize - 1) / addr.PageSize
	_, err := w.MapRange(root, va, phys, n, Kernel)
	return err
}

// DropTable releases every non-leaf page this table tree owns back to
// the allocator. Leaves are either shared (refcounted code, handled
// by the owner, not here) or kernel pages not owned by any single
// table, and are skipped, matching spec.md §3's drop invariant.
func (w *Walker) DropTable(root addr.PhysAddr) {
	w.dropLevel(root, 2)
	w.freeTable(root)
}

func (w *Walker) dropLevel(table addr.PhysAddr, level int) {
	if level == 0 {
		return
	}
	pg := w.mem.Page(table)
	ptes := ptesOf(pg)
	for _, e := range ptes {
		if e.Branch() {
			child := e.PhysAddr()
			w.dropLevel(child, level-1)
			w.freeTable(child)
		}
		// leaves are never owned by the table tree itself.
	}
}

func (w *Walker) freeTable(p addr.PhysAddr) {
	if _, err := w.alloc.Deallocate(p); err != 0 {
		panic("sv39: drop of table not owned by allocator")
	}
}
