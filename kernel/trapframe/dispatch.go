package trapframe

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/arch/riscv64/riscv64asm"
)

// Cause enumerates the scause values this core distinguishes.
// Synchronous causes are exceptions/syscalls; asynchronous causes
// have the interrupt bit (bit 63 on real hardware) set, modeled here
// as a separate field rather than a raw bit to keep call sites
// explicit.
type Cause struct {
	Code  uint64
	Async bool
}

// Recognized causes (spec.md §4.3 step 5).
var (
	CauseUserEcall     = Cause{Code: 8, Async: false}
	CauseTimerSoftware  = Cause{Code: 1, Async: true}
	CauseExternalIRQ    = Cause{Code: 9, Async: true}
)

// Hooks wires the dispatcher to the rest of the kernel without this
// package importing proc/sched/syscall directly, avoiding an import
// cycle (proc and sched both need the Frame type defined here). The
// composition root (cmd/kernel) fills these in once, at boot.
type Hooks struct {
	// Syscall handles a user ecall; f is the faulting process's frame
	// (already switched to reflect the post-ecall PC). Returns the PC
	// the scheduler wants to resume at.
	Syscall func(f *Frame) (nextPC uint64)

	// OnTick handles a supervisor-software (timer) cause: advance the
	// tick counter, clear the pending bit, and ask the scheduler for
	// the next process, returning its PC.
	OnTick func() (nextPC uint64)

	// OnExternal handles a supervisor-external cause: claim the next
	// IRQ from the interrupt controller, run its registered handler,
	// and ask the scheduler for the next process.
	OnExternal func() (nextPC uint64)

	// OnUserFault handles any other synchronous cause taken from user
	// mode: per spec.md §9's resolved Open Question, this terminates
	// only the offending process and returns the next process's PC.
	OnUserFault func(f *Frame, cause uint64) (nextPC uint64)

	// RecordPC is called once per trap with the owning process's PID
	// (0 if none) and the adjusted PC, so the process record reflects
	// where it last trapped (spec.md §4.3 step 4).
	RecordPC func(pid uint64, pc uint64)

	// StackGuardFault reports whether faultAddr lies inside the
	// kernel stack's guard page (spec.md §4.3 step 2).
	StackGuardFault func(faultAddr uint64) bool

	// ResumeFrame returns whichever Frame is now current after a
	// Syscall/OnTick/OnExternal/OnUserFault hook ran: the same frame
	// that trapped if nothing was switched, or the newly-scheduled
	// process's own frame (with its own saved GPRs) otherwise. The
	// nextPC those hooks return only names a PC; it is this frame's
	// GPRs and satp that the assembly side actually restores, so
	// entry_riscv64.go's trapEntryGo resolves it through here rather
	// than always resuming the frame it was handed. Unset in
	// dispatch_test.go's host-only tests, which never reach the
	// assembly resume path.
	ResumeFrame func() *Frame
}

// Dispatcher implements the trap-cause routing spec.md §4.3 describes.
// It does not itself contain the assembly entry/exit stubs (see
// entry_riscv64.s); it is what that assembly calls into after saving
// registers and switching sscratch to the kernel frame.
type Dispatcher struct {
	hooks  Hooks
	panicW io.Writer

	mu     sync.Mutex
	counts map[uint64]uint64
}

// New constructs a Dispatcher. panicW receives the full register dump
// on an unrecoverable (kernel-mode or unhandled) trap; it is typically
// the active console device.
func New(hooks Hooks, panicW io.Writer) *Dispatcher {
	return &Dispatcher{hooks: hooks, panicW: panicW, counts: make(map[uint64]uint64)}
}

// Counts returns a snapshot of per-cause trap counts, the
// SPEC_FULL.md-supplemented observability the kernel console's
// "trapstat" command surfaces.
func (d *Dispatcher) Counts() map[uint64]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[uint64]uint64, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}

func (d *Dispatcher) bump(code uint64) {
	d.mu.Lock()
	d.counts[code]++
	d.mu.Unlock()
}

// resolveResume returns the frame entry_riscv64.go's trapEntryGo
// should actually restore for the given nextPC: fallback (the frame
// that trapped) if no ResumeFrame hook is wired or nothing else is
// current, otherwise whatever process/kernel frame ResumeFrame names,
// with its Sepc set to nextPC.
func (d *Dispatcher) resolveResume(fallback *Frame, nextPC uint64) *Frame {
	f := fallback
	if d.hooks.ResumeFrame != nil {
		if rf := d.hooks.ResumeFrame(); rf != nil {
			f = rf
		}
	}
	f.Sepc = nextPC
	return f
}

// KernelTraps counts traps taken while already executing in
// supervisor mode, which spec.md §5/§7 define as always fatal.
var KernelTraps uint64

// Dispatch is called by the assembly entry stub once it has saved
// registers into f and switched sscratch/satp to the kernel's own
// frame and address space (spec.md §4.3 step 1). fromUser is false
// when the trap interrupted kernel code, which is always a fatal
// condition in this single-hart design (spec.md §5).
func (d *Dispatcher) Dispatch(f *Frame, cause Cause, faultAddr uint64, fromUser bool) (nextPC uint64) {
	if !fromUser {
		atomic.AddUint64(&KernelTraps, 1)
		d.panicDump(f, cause, faultAddr, "trap taken from supervisor mode")
	}

	if d.hooks.StackGuardFault != nil && d.hooks.StackGuardFault(faultAddr) {
		d.panicDump(f, cause, faultAddr, "kernel stack overflow")
	}

	// Synchronous causes are pre-instruction; advance PC by 4 before
	// dispatch. Asynchronous causes leave PC untouched (spec.md §4.3
	// step 3).
	pc := f.Sepc
	if !cause.Async {
		pc += 4
	}
	f.Sepc = pc

	if d.hooks.RecordPC != nil {
		d.hooks.RecordPC(f.Pid, pc)
	}

	d.bump(cause.Code)

	switch {
	case !cause.Async && cause == CauseUserEcall:
		if d.hooks.Syscall == nil {
			d.panicDump(f, cause, faultAddr, "syscall hook not installed")
		}
		nextPC = d.hooks.Syscall(f)
	case cause.Async && cause == CauseTimerSoftware:
		if d.hooks.OnTick == nil {
			d.panicDump(f, cause, faultAddr, "timer hook not installed")
		}
		nextPC = d.hooks.OnTick()
	case cause.Async && cause == CauseExternalIRQ:
		if d.hooks.OnExternal == nil {
			d.panicDump(f, cause, faultAddr, "external-interrupt hook not installed")
		}
		nextPC = d.hooks.OnExternal()
	case !cause.Async:
		// Any other synchronous cause taken from user mode is a user
		// exception: terminate only the offending process (spec.md §9
		// resolved Open Question), not the whole kernel.
		if d.hooks.OnUserFault == nil {
			d.panicDump(f, cause, faultAddr, "unhandled exception")
		}
		nextPC = d.hooks.OnUserFault(f, cause.Code)
	default:
		d.panicDump(f, cause, faultAddr, "unhandled asynchronous cause")
	}

	f.Sepc = nextPC
	return nextPC
}

// panicDump prints a full register dump and halts by panicking. It
// does not disassemble the faulting instruction; DecodeFault below
// formats that from bytes a caller supplies. Grounded on
// biscuit/src/caller/caller.go's Callerdump formatting style.
func (d *Dispatcher) panicDump(f *Frame, cause Cause, faultAddr uint64, reason string) {
	fmt.Fprintf(d.panicW, "kernel panic: %s (cause=%d async=%v fault=%#x pid=%d)\n",
		reason, cause.Code, cause.Async, faultAddr, f.Pid)
	for i := 0; i < 32; i++ {
		fmt.Fprintf(d.panicW, "  x%-2d = %#016x\n", i, f.GPRs[i])
	}
	fmt.Fprintf(d.panicW, "  sepc = %#016x  satp = %#016x\n", f.Sepc, f.Satp)
	panic(reason)
}

// DecodeFault attempts to disassemble the instruction bytes at sepc
// (as read by the caller, typically via sv39.Translate followed by a
// physmem read) using golang.org/x/arch/riscv64/riscv64asm, for
// inclusion in a crash report. Returns a human-readable line or an
// error string if the bytes don't decode.
func DecodeFault(insnBytes []byte, pc uint64) string {
	inst, err := riscv64asm.Decode(insnBytes)
	if err != nil {
		return fmt.Sprintf("<undecodable at %#x: %v>", pc, err)
	}
	return fmt.Sprintf("%#x: %s", pc, inst.String())
}
