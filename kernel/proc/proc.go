// Package proc implements the process abstraction spec.md §4.4
// describes: an address space, trap frame, stack, heap, fork, and
// state machine, built on kernel/sv39, kernel/pagealloc,
// kernel/physmem, and kernel/trapframe.
//
// The address-space lock (LockPmap/UnlockPmap/LockassertPmap) is
// grounded on biscuit/src/vm/as.go's Vm_t — its
// Lock_pmap/Unlock_pmap/Lockassert_pmap pattern is reused here
// essentially verbatim, renamed to match this package's naming.
// Nothing in this repository calls these methods: the page-table
// changes made by this package do not take the lock.
// Per-process tick accounting is grounded on
// biscuit/src/accnt/accnt.go's Accnt_t. Biscuit's own proc package
// survived in the retrieval pack only as an empty stub (go.mod, no
// source), so everything else here is written fresh against spec.md.
package proc

import (
	"sync"
	"sync/atomic"

	"rvkernel/kernel/addr"
	"rvkernel/kernel/errs"
	"rvkernel/kernel/ktable"
	"rvkernel/kernel/pagealloc"
	"rvkernel/kernel/physmem"
	"rvkernel/kernel/sv39"
	"rvkernel/kernel/trapframe"
)

// UserBase is the fixed virtual address a process's code is mapped
// at (spec.md §4.4 step 2).
const UserBase = addr.VirtAddr(0x10000)

// DefaultStackPages is the number of stack pages mapped between the
// two guard pages at process creation.
const DefaultStackPages = 4

// State is one of the four process states spec.md §3 defines.
type State int

const (
	Ready State = iota
	Running
	Zombie
	Blocked
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Zombie:
		return "zombie"
	case Blocked:
		return "blocked"
	default:
		return "state?"
	}
}

// ConditionKind enumerates the three ways a process can be blocked.
type ConditionKind int

const (
	OnDeathOfPid ConditionKind = iota
	OnUart
	Until
)

// Condition is the reason a Blocked process is waiting, carrying
// whichever of Pid/IRQ/Instant its Kind uses.
type Condition struct {
	Kind    ConditionKind
	Pid     uint64
	IRQ     uint32
	Instant uint64 // raw tick value; kernel/drivers/timer.Instant wraps this
}

// Accnt accumulates per-process CPU-tick usage, exposed via the
// Pstat syscall and the kernel console's "ps" command. Grounded on
// biscuit/src/accnt/accnt.go's Accnt_t, generalized from wall-clock
// nanoseconds (time.Now) to the kernel's own tick counter, since this
// kernel has no wall clock, only kernel/drivers/timer's Instant.
type Accnt struct {
	mu          sync.Mutex
	UserTicks   uint64
	SystemTicks uint64
}

// AddUser adds n ticks of user-mode runtime.
func (a *Accnt) AddUser(n uint64) {
	a.mu.Lock()
	a.UserTicks += n
	a.mu.Unlock()
}

// AddSystem adds n ticks of kernel-mode runtime (time spent between
// trap entry and the next switch() back to a process).
func (a *Accnt) AddSystem(n uint64) {
	a.mu.Lock()
	a.SystemTicks += n
	a.mu.Unlock()
}

// Snapshot returns a consistent (user, system) tick-count pair.
func (a *Accnt) Snapshot() (user, system uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.UserTicks, a.SystemTicks
}

// CodeHandle is the refcounted, shared, read-only mapping of a
// process's code pages, so fork() can share code across parent and
// child without copying it (spec.md §4.4).
type CodeHandle struct {
	pages []addr.PhysAddr
	refs  int32
}

func (c *CodeHandle) addRef()  { atomic.AddInt32(&c.refs, 1) }
func (c *CodeHandle) release(alloc *pagealloc.Allocator) {
	if atomic.AddInt32(&c.refs, -1) == 0 {
		for _, p := range c.pages {
			alloc.Deallocate(p)
		}
	}
}

// Process owns one user address space: a root page table, a
// refcounted code handle, a stack, zero or more heap pages, a trap
// frame, and the state machine spec.md §3 describes.
type Process struct {
	Pid   uint64
	State State
	Cond  Condition

	// ExitResult is valid once State == Zombie; 0 is Ok, nonzero is an
	// errs.Err_t-shaped failure code (spec.md §4.4's exit(result)).
	ExitResult int64

	Accnt Accnt

	Frame     *trapframe.Frame
	rootTable addr.PhysAddr

	code      *CodeHandle
	stackBase addr.VirtAddr
	heapPages []addr.PhysAddr
	Breakline addr.VirtAddr

	Stdin stdinQueue

	mu        sync.Mutex
	pgfltaken bool
}

// LockPmap acquires the process's address-space lock and marks that
// page-table manipulation is in progress, mirroring
// biscuit/src/vm/as.go's Lock_pmap.
func (p *Process) LockPmap() {
	p.mu.Lock()
	p.pgfltaken = true
}

// UnlockPmap releases the address-space lock.
func (p *Process) UnlockPmap() {
	p.pgfltaken = false
	p.mu.Unlock()
}

// LockassertPmap panics if the address-space lock is not held; used
// by internal helpers that require a caller to have already taken it.
func (p *Process) LockassertPmap() {
	if !p.pgfltaken {
		panic("proc: pmap lock must be held")
	}
}

// stdinQueue is the process's standard-input byte queue (spec.md
// §3); GetChar (syscall #2) pops from it, blocking OnUart(irq) when
// empty.
type stdinQueue struct {
	mu  sync.Mutex
	buf []byte
}

func (q *stdinQueue) push(b byte) {
	q.mu.Lock()
	q.buf = append(q.buf, b)
	q.mu.Unlock()
}

func (q *stdinQueue) pop() (byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return 0, false
	}
	b := q.buf[0]
	q.buf = q.buf[1:]
	return b, true
}

// Push delivers one byte to the process's stdin queue (called by the
// UART handler via sched.OnInterrupt).
func (p *Process) Push(b byte) { p.Stdin.push(b) }

// PopStdin is the non-blocking read GetChar performs.
func (p *Process) PopStdin() (byte, bool) { return p.Stdin.pop() }

// pidCounter hands out monotonically increasing, never-reused,
// nonzero PIDs (spec.md §3).
var pidCounter uint64

func nextPid() uint64 {
	return atomic.AddUint64(&pidCounter, 1)
}

// Space bundles the shared physical-memory resources every process's
// address space is built from: a single system-wide page allocator
// and walker, and the kernel's own root table (whose mappings every
// process table must also carry, spec.md §3's invariant).
type Space struct {
	Alloc      *pagealloc.Allocator
	Mem        *physmem.Memory
	Walker     *sv39.Walker
	KernelRoot addr.PhysAddr
	KernelSatp uint64
	KernelFrame *trapframe.Frame
}

// New constructs a process from a code image (spec.md §4.4 steps
// 1-6): copies code into fresh pages, builds a root table mapping
// code executable, a guarded stack, and the kernel's own mappings,
// and allocates the trap frame.
func (sp *Space) New(code []byte, entryOffset uint64) (*Process, errs.Err_t) {
	codePages := (len(code) + addr.PageSize - 1) / addr.PageSize
	if codePages == 0 {
		codePages = 1
	}

	ch := &CodeHandle{refs: 1}
	for i := 0; i < codePages; i++ {
		h, err := sp.Alloc.Allocate(1)
		if err != 0 {
			for _, p := range ch.pages {
				sp.Alloc.Deallocate(p)
			}
			return nil, err
		}
		pg := sp.Mem.Page(h.Base)
		start := i * addr.PageSize
		end := start + addr.PageSize
		if end > len(code) {
			end = len(code)
		}
		if start < len(code) {
			copy(pg[:], code[start:end])
		}
		ch.pages = append(ch.pages, h.Base)
	}

	root, err := sp.Walker.NewTable()
	if err != 0 {
		ch.release(sp.Alloc)
		return nil, err
	}

	va := UserBase
	for _, pa := range ch.pages {
		va, err = sp.Walker.MapRange(root, va, pa, 1, sv39.UserExecute)
		if err != 0 {
			sp.Walker.DropTable(root)
			ch.release(sp.Alloc)
			return nil, err
		}
	}
	// guard page below the stack
	va += addr.PageSize

	stackBase := va
	for i := 0; i < DefaultStackPages; i++ {
		h, err := sp.Alloc.Allocate(1)
		if err != 0 {
			sp.Walker.DropTable(root)
			ch.release(sp.Alloc)
			return nil, err
		}
		sp.Mem.Zero(h.Base)
		if err := sp.Walker.MapPage(root, va, h.Base, sv39.UserReadWrite); err != 0 {
			sp.Walker.DropTable(root)
			ch.release(sp.Alloc)
			return nil, err
		}
		va += addr.PageSize
	}
	stackTop := va
	// guard page above the stack
	va += addr.PageSize
	breakline := va

	satp := uint64(root.PPN())

	f := &trapframe.Frame{}
	pid := nextPid()
	f.Init(sp.KernelFrame, pid, satp, uintptr(root))
	f.SetSP(uint64(stackTop))
	f.Sepc = uint64(UserBase) + entryOffset

	return &Process{
		Pid:       pid,
		State:     Ready,
		Frame:     f,
		rootTable: root,
		code:      ch,
		stackBase: stackBase,
		Breakline: breakline,
	}, 0
}

// RootTable returns the process's root page table's physical address.
func (p *Process) RootTable() addr.PhysAddr { return p.rootTable }

// RequestMemory implements syscall #9 (spec.md §4.4): grows the heap
// by ceil(n/PageSize) pages mapped UserReadWrite at the current
// breakline, returning the new breakline. n == 0 is sbrk(0): return
// the current breakline without allocating.
func (sp *Space) RequestMemory(p *Process, n int) (addr.VirtAddr, errs.Err_t) {
	if n == 0 {
		return p.Breakline, 0
	}
	if n < 0 {
		return 0, errs.EINVAL
	}
	pages := (n + addr.PageSize - 1) / addr.PageSize
	va := p.Breakline
	for i := 0; i < pages; i++ {
		h, err := sp.Alloc.Allocate(1)
		if err != 0 {
			return 0, err
		}
		sp.Mem.Zero(h.Base)
		if err := sp.Walker.MapPage(p.rootTable, va+addr.VirtAddr(i*addr.PageSize), h.Base, sv39.UserReadWrite); err != 0 {
			return 0, err
		}
		p.heapPages = append(p.heapPages, h.Base)
	}
	p.Breakline = va + addr.VirtAddr(pages*addr.PageSize)
	return p.Breakline, 0
}

// Fork implements spec.md §4.4's fork(): the child shares the
// parent's code handle (no copy), gets a page-by-page copy of the
// parent's stack, and starts Ready with the parent's registers/PC.
// The parent's syscall return value (set by the caller, typically
// kernel/syscall) should be the child's PID; the child's is zeroed
// here.
func (sp *Space) Fork(parent *Process) (*Process, errs.Err_t) {
	parent.code.addRef()

	root, err := sp.Walker.NewTable()
	if err != 0 {
		parent.code.release(sp.Alloc)
		return nil, err
	}

	va := UserBase
	for _, pa := range parent.code.pages {
		va, err = sp.Walker.MapRange(root, va, pa, 1, sv39.UserExecute)
		if err != 0 {
			sp.Walker.DropTable(root)
			parent.code.release(sp.Alloc)
			return nil, err
		}
	}
	va += addr.PageSize // guard

	childStackBase := va
	for i := 0; i < DefaultStackPages; i++ {
		srcPA, err := sp.Walker.Translate(parent.rootTable, parent.stackBase+addr.VirtAddr(i*addr.PageSize))
		if err != 0 {
			sp.Walker.DropTable(root)
			parent.code.release(sp.Alloc)
			return nil, err
		}
		h, err := sp.Alloc.Allocate(1)
		if err != 0 {
			sp.Walker.DropTable(root)
			parent.code.release(sp.Alloc)
			return nil, err
		}
		copy(sp.Mem.Page(h.Base)[:], sp.Mem.Page(srcPA)[:])
		if err := sp.Walker.MapPage(root, va, h.Base, sv39.UserReadWrite); err != 0 {
			sp.Walker.DropTable(root)
			parent.code.release(sp.Alloc)
			return nil, err
		}
		va += addr.PageSize
	}
	va += addr.PageSize // guard
	childBreakline := va

	satp := uint64(root.PPN())
	pid := nextPid()

	cf := &trapframe.Frame{}
	cf.Init(sp.KernelFrame, pid, satp, uintptr(root))
	cf.GPRs = parent.Frame.GPRs
	cf.Sepc = parent.Frame.Sepc
	cf.SetReturn(0, 0)

	return &Process{
		Pid:       pid,
		State:     Ready,
		Frame:     cf,
		rootTable: root,
		code:      parent.code,
		stackBase: childStackBase,
		Breakline: childBreakline,
	}, 0
}

// Switch implements spec.md §4.4's switch(): load the process's satp
// and point the hardware at its frame so the next SRET resumes it in
// user mode, Running.
func (sp *Space) Switch(p *Process) {
	p.Frame.Init(sp.KernelFrame, p.Pid, p.Frame.Satp, p.Frame.RootTable())
	p.State = Running
}

// Exit implements spec.md §4.4's exit(result): mark the process
// Zombie. The frame is left intact so a subsequent WaitPid can still
// read the result.
func (p *Process) Exit(result int64) {
	p.State = Zombie
	p.ExitResult = result
}

// Reap releases every physical resource a zombie process owns: its
// root page table (and every non-leaf it owns, via
// sv39.Walker.DropTable), its code handle's refcount, its stack pages,
// and its heap pages. Must only be called once, by the scheduler's
// reaper pass, on a process already in the Zombie state.
func (sp *Space) Reap(p *Process) {
	if p.State != Zombie {
		panic("proc: reap of a non-zombie process")
	}
	for _, hp := range p.heapPages {
		sp.Alloc.Deallocate(hp)
	}
	for i := 0; i < DefaultStackPages; i++ {
		if pa, err := sp.Walker.Translate(p.rootTable, p.stackBase+addr.VirtAddr(i*addr.PageSize)); err == 0 {
			sp.Alloc.Deallocate(pa)
		}
	}
	sp.Walker.DropTable(p.rootTable)
	p.code.release(sp.Alloc)
}

// Table is the PID → *Process lookup sched.with_process uses.
type Table = ktable.Table[uint64, *Process]

// NewTable constructs a PID table sized for the maximum live-process
// count (spec.md's resource limits, generalized from
// biscuit/src/limits/limits.go's Sysprocs default).
func NewTable(maxProcs int) *Table {
	return ktable.New[uint64, *Process](maxProcs, ktable.HashUint64)
}
