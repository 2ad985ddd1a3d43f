// Package physmem models the kernel's view of physical memory through
// the physical memory offset (PMO), spec.md §3: on real hardware a
// physical address is read by computing phys-PMO and dereferencing
// the resulting kernel-space pointer directly. This module provides
// that same access pattern (Memory.Page, Memory.Zero) backed by a
// page-indexed store so the walker and process code in this repo are
// plain, host-testable Go, exactly as biscuit/src/mem/dmap.go
// centralizes the phys<->kernel-space conversion behind one choke
// point rather than scattering pointer arithmetic through callers.
package physmem

import (
	"sync"

	"rvkernel/kernel/addr"
)

// Page is one physical page's raw storage.
type Page [addr.PageSize]byte

// Memory is the kernel's window onto physical memory.
type Memory struct {
	mu sync.Mutex
	// PMO is the configured physical memory offset (spec.md §3:
	// kernel_virtual = kernel_physical - PMO). Stored for
	// completeness/diagnostics; this simulation indexes pages
	// directly by physical address rather than doing pointer
	// arithmetic against it, since there is no real backing
	// hardware window in a hosted test binary.
	PMO   int64
	pages map[addr.PhysAddr]*Page
}

// New constructs a Memory with the given physical memory offset.
func New(pmo int64) *Memory {
	return &Memory{PMO: pmo, pages: make(map[addr.PhysAddr]*Page)}
}

func (m *Memory) ensure(p addr.PhysAddr) *Page {
	base := p.PageBase()
	pg, ok := m.pages[base]
	if !ok {
		pg = &Page{}
		m.pages[base] = pg
	}
	return pg
}

// Page returns the backing storage for the page containing p,
// allocating it on first touch (real hardware has the page the
// instant it is physically present; this lazily-created map entry is
// this simulation's stand-in for "the memory already exists").
func (m *Memory) Page(p addr.PhysAddr) *Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensure(p)
}

// Zero clears the page containing p.
func (m *Memory) Zero(p addr.PhysAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pg := m.ensure(p)
	*pg = Page{}
}

// Forget drops a page's backing storage, simulating the page
// returning to an unbacked state once the page allocator reclaims it.
// Purely a test/diagnostic hook; production code need not call it.
func (m *Memory) Forget(p addr.PhysAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages, p.PageBase())
}
