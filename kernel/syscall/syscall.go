// Package syscall implements the register-convention dispatcher
// spec.md §4.7 describes: a switch over the a7 syscall number,
// reading arguments from a0-a6, writing the two-word (value,
// error-flag) return into a0/a1.
//
// Argument validation (user-pointer checks via sv39.Walker's
// TranslateUser, the policy spec.md §4.7 specifies) is grounded on
// biscuit/src/vm/as.go's Userdmap8r pattern (look up, check the user
// bit, fail EFAULT otherwise); the checks do not take kernel/proc's
// LockPmap lock. The Pstat reply's packed-word layout follows
// biscuit/src/stat/stat.go's "expose fixed accessor methods over a
// private fixed-layout struct" idiom.
package syscall

//go:generate go run ../../tools/gensyscalls -pkg rvkernel/kernel/syscall -out ../../userabi/syscalls_generated.go

import (
	"rvkernel/kernel/addr"
	"rvkernel/kernel/drivers/timer"
	"rvkernel/kernel/drivers/uart"
	"rvkernel/kernel/errs"
	"rvkernel/kernel/proc"
	"rvkernel/kernel/sched"
	"rvkernel/kernel/trapframe"
)

// Syscall numbers (spec.md §4.7, plus the Pstat addition). Mirrored
// in tools/gensyscalls' generated table for any out-of-tree user
// program that wants symbolic names instead of bare integers.
const (
	SysPutChar       = 1
	SysGetChar       = 2
	SysPutString     = 3
	SysPinfo         = 4
	SysFork          = 5
	SysExit          = 6
	SysWaitPid       = 7
	SysSleep         = 8
	SysRequestMemory = 9
	SysPowerOff      = 10
	SysPstat         = 11
)

// Console is the minimal console sink PutChar/PutString write
// through; kernel/drivers/uart.Driver satisfies it directly.
type Console interface {
	SendStr(s string)
}

// Dispatcher wires the syscall numbers to kernel/proc and
// kernel/sched state. One Dispatcher per kernel instance, constructed
// once at boot by cmd/kernel.
type Dispatcher struct {
	Sched    *sched.Scheduler
	Space    *proc.Space
	Console  Console
	UART     *uart.Driver
	Timer    *timer.Driver
	UartIRQ  uint32
	PowerOff func()
}

// Handle implements trapframe.Hooks.Syscall: it is called with the
// trapping process's frame already PC-adjusted, dispatches on
// f.SyscallNum(), and returns the PC execution resumes at (the
// caller's own PC if the syscall was non-blocking and completed
// synchronously, or whichever process the scheduler picked if it
// blocked the caller).
func (d *Dispatcher) Handle(f *trapframe.Frame) uint64 {
	p, ok := d.Sched.Process(f.Pid)
	if !ok {
		// The owning process vanished between trap entry and dispatch,
		// which cannot happen in this single-hart design; treat it as
		// fatal rather than silently resuming garbage.
		panic("syscall: dispatch for an unknown pid")
	}

	switch f.SyscallNum() {
	case SysPutChar:
		d.sysPutChar(f)
	case SysGetChar:
		return d.sysGetChar(f, p)
	case SysPutString:
		d.sysPutString(f, p)
	case SysPinfo:
		f.SetReturn(f.Pid, 0)
	case SysFork:
		d.sysFork(f, p)
	case SysExit:
		return d.sysExit(f, p)
	case SysWaitPid:
		return d.sysWaitPid(f, p)
	case SysSleep:
		return d.sysSleep(f, p)
	case SysRequestMemory:
		d.sysRequestMemory(f, p)
	case SysPowerOff:
		d.sysPowerOff()
	case SysPstat:
		d.sysPstat(f, p)
	default:
		f.SetReturn(0, uint64(-errs.ENOSYS))
	}
	return f.Sepc
}

func (d *Dispatcher) sysPutChar(f *trapframe.Frame) {
	ch := rune(f.Arg(0))
	if ch < 0 || ch > 0x10FFFF {
		f.SetReturn(0, uint64(-errs.EINVAL))
		return
	}
	d.Console.SendStr(string(ch))
	f.SetReturn(0, 0)
}

func (d *Dispatcher) sysGetChar(f *trapframe.Frame, p *proc.Process) uint64 {
	if b, ok := p.PopStdin(); ok {
		f.SetReturn(uint64(b), 0)
		return f.Sepc
	}
	d.Sched.Block(p, proc.Condition{Kind: proc.OnUart, IRQ: d.UartIRQ})
	return d.Sched.SwitchProcesses(uint64(d.Timer.Now()))
}

func (d *Dispatcher) sysPutString(f *trapframe.Frame, p *proc.Process) {
	ptr := f.Arg(0)
	n := f.Arg(1)
	if n > 1<<20 {
		f.SetReturn(0, uint64(-errs.E2BIG))
		return
	}
	buf := make([]byte, 0, n)
	for i := uint64(0); i < n; {
		va, verr := addr.NewVirtAddr(ptr + i)
		if verr != 0 {
			f.SetReturn(0, uint64(-errs.EFAULT))
			return
		}
		pa, terr := d.Space.Walker.TranslateUser(p.RootTable(), va)
		if terr != 0 {
			f.SetReturn(0, uint64(-errs.EFAULT))
			return
		}
		page := d.Space.Mem.Page(pa)
		off := int(va.PageOffset())
		for off < len(page) && i < n {
			buf = append(buf, page[off])
			off++
			i++
		}
	}
	d.Console.SendStr(string(buf))
	f.SetReturn(uint64(len(buf)), 0)
}

func (d *Dispatcher) sysFork(f *trapframe.Frame, p *proc.Process) {
	child, err := d.Space.Fork(p)
	if err != 0 {
		f.SetReturn(0, uint64(-err))
		return
	}
	if serr := d.Sched.Add(child); serr != 0 {
		f.SetReturn(0, uint64(-serr))
		return
	}
	f.SetReturn(child.Pid, 0)
}

func (d *Dispatcher) sysExit(f *trapframe.Frame, p *proc.Process) uint64 {
	code := int64(f.Arg(0))
	p.Exit(code)
	return d.Sched.SwitchProcesses(uint64(d.Timer.Now()))
}

func (d *Dispatcher) sysWaitPid(f *trapframe.Frame, p *proc.Process) uint64 {
	pid := f.Arg(0)
	target, ok := d.Sched.Process(pid)
	if !ok {
		f.SetReturn(0, uint64(-errs.ESRCH))
		return f.Sepc
	}
	if target.State == proc.Zombie {
		f.SetReturn(uint64(target.ExitResult), 0)
		return f.Sepc
	}
	d.Sched.Block(p, proc.Condition{Kind: proc.OnDeathOfPid, Pid: pid})
	return d.Sched.SwitchProcesses(uint64(d.Timer.Now()))
}

func (d *Dispatcher) sysSleep(f *trapframe.Frame, p *proc.Process) uint64 {
	secs := f.Arg(0)
	nanos := f.Arg(1)
	ticksPerSec := d.Timer.FreqHz()
	ticks := secs*ticksPerSec + nanos*ticksPerSec/1_000_000_000
	deadline := uint64(d.Timer.Now()) + ticks
	d.Sched.Block(p, proc.Condition{Kind: proc.Until, Instant: deadline})
	return d.Sched.SwitchProcesses(uint64(d.Timer.Now()))
}

func (d *Dispatcher) sysRequestMemory(f *trapframe.Frame, p *proc.Process) {
	n := int(f.Arg(0))
	nb, err := d.Space.RequestMemory(p, n)
	if err != 0 {
		f.SetReturn(0, uint64(-err))
		return
	}
	f.SetReturn(uint64(nb), 0)
}

func (d *Dispatcher) sysPowerOff() {
	if d.PowerOff != nil {
		d.PowerOff()
	}
}

func (d *Dispatcher) sysPstat(f *trapframe.Frame, p *proc.Process) {
	user, system := p.Accnt.Snapshot()
	f.SetReturn(user, system)
}
