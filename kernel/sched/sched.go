// Package sched implements the single global ready list, round-robin
// scheduler spec.md §4.5 describes: start_with, switch_processes
// (reap, pause, round-robin pick), with_process, and on_interrupt.
//
// No direct teacher analogue survives — Biscuit's own scheduler lives
// inside its patched Go runtime, out of scope here (spec.md §1) — so
// this is written fresh against spec.md's prose. The PID → process
// lookup with_process needs is a kernel/ktable.Table (itself grounded
// on biscuit/src/hashtable/hashtable.go); resource-exhaustion
// accounting on the live-process count is grounded on
// biscuit/src/limits/limits.go's Sysatomic_t.Taken/Given pattern.
package sched

import (
	"sync"

	"rvkernel/kernel/errs"
	"rvkernel/kernel/proc"
	"rvkernel/kernel/trapframe"
)

// Scheduler holds the single global ready list and the round-robin
// cursor. One hart; every method here assumes it is only ever called
// from kernel context, never preempted (spec.md §5).
type Scheduler struct {
	space *proc.Space

	mu      sync.Mutex
	order   []uint64 // PIDs in the order they were added, round-robin scan order
	table   *proc.Table
	cursor  int
	running uint64 // 0 when nothing is Running

	maxProcs int
	idlePC   uint64

	trace func(now, pid uint64) // optional, set by SetTracer
}

// New constructs a scheduler over the given address-space resources.
// idlePC is the PC of a built-in idle routine (wfi loop) returned when
// nothing is runnable (spec.md §4.5 step 4).
func New(space *proc.Space, maxProcs int, idlePC uint64) *Scheduler {
	return &Scheduler{
		space:    space,
		table:    proc.NewTable(maxProcs),
		maxProcs: maxProcs,
		idlePC:   idlePC,
	}
}

// StartWith adds p to the ready list and switches to the next
// runnable process (spec.md §4.5's start_with).
func (s *Scheduler) StartWith(p *proc.Process) (nextPC uint64, err errs.Err_t) {
	s.mu.Lock()
	if len(s.order) >= s.maxProcs {
		s.mu.Unlock()
		return 0, errs.EAGAIN
	}
	s.order = append(s.order, p.Pid)
	s.table.Set(p.Pid, p)
	s.mu.Unlock()
	return s.pickNext(), 0
}

// Add registers an already-constructed process (e.g. a forked child)
// into the ready list without switching to it immediately; it becomes
// eligible at the next scheduling decision (spec.md §4.5's
// "Ordering" note).
func (s *Scheduler) Add(p *proc.Process) errs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) >= s.maxProcs {
		return errs.EAGAIN
	}
	s.order = append(s.order, p.Pid)
	s.table.Set(p.Pid, p)
	return 0
}

// now is supplied by the caller (kernel/drivers/timer.Driver.Now,
// wrapped to uint64) rather than read internally, keeping this
// package free of a direct timer dependency.
func (s *Scheduler) SwitchProcesses(now uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reap(now)
	s.pause()
	return s.pickNextLocked(now)
}

// pickNext acquires the lock and picks the next runnable process,
// used by StartWith which has already released the lock. There is no
// timer reading yet this early in boot, so traced decisions made here
// carry a now of 0.
func (s *Scheduler) pickNext() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pickNextLocked(0)
}

func (s *Scheduler) reap(now uint64) {
	kept := s.order[:0]
	for _, pid := range s.order {
		p, ok := s.table.Get(pid)
		if !ok {
			continue
		}
		if p.State == proc.Zombie {
			s.unblockDeathWaiters(pid, p.ExitResult)
			s.space.Reap(p)
			s.table.Del(pid)
			if s.running == pid {
				s.running = 0
			}
			continue
		}
		if p.State == proc.Blocked && p.Cond.Kind == proc.Until && p.Cond.Instant <= now {
			p.State = proc.Ready
		}
		kept = append(kept, pid)
	}
	s.order = kept
}

func (s *Scheduler) unblockDeathWaiters(deadPid uint64, result int64) {
	for _, pid := range s.order {
		p, ok := s.table.Get(pid)
		if !ok || p.State != proc.Blocked || p.Cond.Kind != proc.OnDeathOfPid || p.Cond.Pid != deadPid {
			continue
		}
		p.State = proc.Ready
		p.Frame.SetReturn(uint64(result), boolToErrFlag(result != 0))
	}
}

func boolToErrFlag(isErr bool) uint64 {
	if isErr {
		return 1
	}
	return 0
}

func (s *Scheduler) pause() {
	if s.running == 0 {
		return
	}
	if p, ok := s.table.Get(s.running); ok && p.State == proc.Running {
		p.State = proc.Ready
	}
}

func (s *Scheduler) pickNextLocked(now uint64) uint64 {
	n := len(s.order)
	if n == 0 {
		s.running = 0
		s.traceDecision(now, 0)
		return s.idlePC
	}
	for i := 0; i < n; i++ {
		s.cursor = (s.cursor + 1) % n
		pid := s.order[s.cursor]
		p, ok := s.table.Get(pid)
		if !ok {
			continue
		}
		if p.State == proc.Ready {
			s.space.Switch(p)
			s.running = pid
			s.traceDecision(now, pid)
			return p.Frame.Sepc
		}
	}
	s.running = 0
	s.traceDecision(now, 0)
	return s.idlePC
}

func (s *Scheduler) traceDecision(now, pid uint64) {
	if s.trace != nil {
		s.trace(now, pid)
	}
}

// SetTracer installs a callback invoked on every scheduling decision
// with the instant it was made and the PID chosen to run (0 for the
// idle loop). tools/schedtrace consumes a log of these pairs to build
// a pprof profile of time spent per process; nil disables tracing,
// which is the zero-value default so the fast path costs nothing when
// no one is watching.
func (s *Scheduler) SetTracer(f func(now, pid uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace = f
}

// WithProcess looks up pid and runs f against it, failing ESRCH if
// the PID is not live (spec.md §4.5's with_process).
func (s *Scheduler) WithProcess(pid uint64, f func(*proc.Process)) errs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.table.Get(pid)
	if !ok {
		return errs.ESRCH
	}
	f(p)
	return 0
}

// OnInterrupt runs f against every process Blocked(OnUart(id)),
// called while dispatching an external interrupt (spec.md §4.5).
func (s *Scheduler) OnInterrupt(irq uint32, f func(*proc.Process)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pid := range s.order {
		p, ok := s.table.Get(pid)
		if !ok || p.State != proc.Blocked || p.Cond.Kind != proc.OnUart || p.Cond.IRQ != irq {
			continue
		}
		f(p)
	}
}

// Block transitions p to Blocked with the given condition; called by
// kernel/syscall for GetChar/WaitPid/Sleep.
func (s *Scheduler) Block(p *proc.Process, cond proc.Condition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.State = proc.Blocked
	p.Cond = cond
}

// Unblock transitions p directly to Ready, bypassing its condition;
// used when a condition resolves outside the reap/on_interrupt paths.
func (s *Scheduler) Unblock(p *proc.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.State = proc.Ready
}

// WalkEach runs f against every live process in ready-list order, for
// reporting callers (kernel/console's "ps" command) that need to
// iterate the whole table rather than look up a single PID.
func (s *Scheduler) WalkEach(f func(*proc.Process)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pid := range s.order {
		if p, ok := s.table.Get(pid); ok {
			f(p)
		}
	}
}

// Process returns the live process for pid, for callers (kernel/syscall)
// that need the *proc.Process itself rather than a closure over it.
func (s *Scheduler) Process(pid uint64) (*proc.Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Get(pid)
}

// Len reports the number of live (non-reaped) processes.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Running returns the PID of the currently running process, or 0.
func (s *Scheduler) Running() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// CurrentFrame returns whichever frame the assembly trap-exit path
// should actually restore: the running process's own frame, or the
// kernel's frame when nothing is runnable (the idle wfi loop executes
// in supervisor mode). Wired as trapframe.Hooks.ResumeFrame by
// cmd/kernel.Boot, since SwitchProcesses/StartWith only hand back a
// bare PC and the hardware resume needs the GPRs/satp that PC belongs
// to.
func (s *Scheduler) CurrentFrame() *trapframe.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running != 0 {
		if p, ok := s.table.Get(s.running); ok {
			return p.Frame
		}
	}
	return s.space.KernelFrame
}
