// Command kernel is the composition root: the Go-level entry point a
// boot shim jumps to (spec.md §2's data flow), analogous to the role
// the teacher's build-time `kernel/chentry.go` plays as "the thing the
// build process calls," except this one assembles the running kernel
// rather than patching an ELF header.
//
// Boot itself is kept free of any riscv64-only construct so it can be
// exercised on the host (boot_test.go); the real register windows
// (mmio_riscv64.go), the riscv64 main (main_riscv64.go) and its SBI
// call stub (boot_riscv64.s) are the only build-tagged pieces of this
// package. The asm trap entry/sret glue lives in kernel/trapframe.
package main

import (
	"fmt"
	"io"

	"rvkernel/kernel/abi"
	"rvkernel/kernel/addr"
	"rvkernel/kernel/console"
	"rvkernel/kernel/devicetree"
	"rvkernel/kernel/drivers/intc"
	"rvkernel/kernel/drivers/timer"
	"rvkernel/kernel/drivers/uart"
	"rvkernel/kernel/errs"
	"rvkernel/kernel/kheap"
	"rvkernel/kernel/pagealloc"
	"rvkernel/kernel/physmem"
	"rvkernel/kernel/proc"
	"rvkernel/kernel/sched"
	"rvkernel/kernel/sv39"
	"rvkernel/kernel/symtab"
	"rvkernel/kernel/syscall"
	"rvkernel/kernel/trapframe"
)

const (
	maxProcs       = 256
	maxIRQs        = 64
	fallbackFreqHz = 10_000_000
	tickPeriod     = fallbackFreqHz / 100 // 10ms ticks when the device tree is silent
)

// Platform supplies everything that differs between the host test
// harness and the real riscv64 target: MMIO construction, the boot
// hart, the embedded init program, and where its panics go.
type Platform struct {
	NewUartMMIO  func(physAddr uint64) uart.MMIO
	NewPlicMMIO  func(physAddr uint64, hart int) intc.MMIO
	NewTimerMMIO func(physAddr uint64) timer.MMIO

	Hart int

	InitBinary      []byte
	InitEntryOffset uint64

	PanicWriter io.Writer
	PowerOff    func()

	ABIVersion string // compared against abi.Version; "" skips the check

	// TraceWriter, when non-nil, receives one "now,pid" line per
	// scheduling decision (tools/schedtrace's input format).
	TraceWriter io.Writer
}

// Kernel is the fully wired set of subsystems Boot produces.
type Kernel struct {
	Space        *proc.Space
	Sched        *sched.Scheduler
	UART         *uart.Driver
	Timer        *timer.Driver
	Intc         *intc.Controller
	Syscalls     *syscall.Dispatcher
	Trap         *trapframe.Dispatcher
	Console      *console.Session
	UartIRQ      uint32
	InitialFrame *trapframe.Frame
}

// Boot performs spec.md §2's data flow against an already-read device
// tree blob (dtb) and physical memory offset (pmo): bring the page
// allocator and Sv39 kernel table online, load drivers from the
// device tree, arm the timer, build the first process, and hand it to
// the scheduler. It returns the wired Kernel and the PC the very first
// SRET should resume at.
func Boot(dtb []byte, pmo int64, plat Platform) (*Kernel, uint64, errs.Err_t) {
	if plat.ABIVersion != "" && !abi.Check(plat.ABIVersion) {
		return nil, 0, errs.EINVAL
	}

	mem := physmem.New(pmo)

	tree, err := devicetree.Parse(dtb)
	if err != 0 {
		return nil, 0, err
	}

	memNode := findNodeByPrefix(tree.Root, "memory@")
	if memNode == nil {
		return nil, 0, errs.ENODEV
	}
	regs := memNode.Reg()
	if len(regs) == 0 {
		return nil, 0, errs.ENODEV
	}
	heapBase, pErr := addr.NewPhysAddr(regs[0].Addr)
	if pErr != 0 {
		return nil, 0, pErr
	}
	npages := int(regs[0].Size / addr.PageSize)

	alloc, err := pagealloc.New(heapBase, npages, mem.Zero)
	if err != 0 {
		return nil, 0, err
	}
	kh := kheap.New(alloc, mem)

	// Copy the device tree blob into kernel-owned memory. The copy is
	// made after devicetree.Parse above (its memory node sizes this
	// heap); the parsed tree keeps referring to the original dtb slice.
	dtbBlock, err := kh.Alloc(len(dtb))
	if err != 0 {
		return nil, 0, err
	}
	kh.Write(dtbBlock, dtb)

	walker := sv39.New(mem, alloc)
	kroot, err := walker.NewTable()
	if err != 0 {
		return nil, 0, err
	}
	kframe := trapframe.NewKernel(uintptr(kroot))

	space := &proc.Space{
		Alloc:       alloc,
		Mem:         mem,
		Walker:      walker,
		KernelRoot:  kroot,
		KernelFrame: kframe,
	}

	uartNode := findByCompatible(tree.Root, "ns16550a")
	if uartNode == nil || len(uartNode.Reg()) == 0 {
		return nil, 0, errs.ENODEV
	}
	uartDrv := uart.New(plat.NewUartMMIO(uartNode.Reg()[0].Addr))

	plicNode := findByCompatible(tree.Root, "riscv,plic0")
	if plicNode == nil || len(plicNode.Reg()) == 0 {
		return nil, 0, errs.ENODEV
	}
	plicPhandle, _ := plicNode.Phandle()
	intcCtl := intc.New(plat.NewPlicMMIO(plicNode.Reg()[0].Addr, plat.Hart), plicPhandle, maxIRQs)

	uartIRQs := uartNode.Interrupts()
	if len(uartIRQs) == 0 {
		return nil, 0, errs.ENODEV
	}
	uartIRQ := uartIRQs[0]

	freqHz, ok := tree.TimebaseFrequency()
	if !ok {
		freqHz = fallbackFreqHz
	}
	clintNode := findByCompatible(tree.Root, "riscv,clint0")
	var clintAddr uint64
	if clintNode != nil && len(clintNode.Reg()) > 0 {
		clintAddr = clintNode.Reg()[0].Addr
	}
	timerDrv := timer.New(plat.NewTimerMMIO(clintAddr), plat.Hart, freqHz)

	s := sched.New(space, maxProcs, idlePC)
	if plat.TraceWriter != nil {
		fmt.Fprintf(plat.TraceWriter, "now,pid\n")
		s.SetTracer(func(now, pid uint64) {
			fmt.Fprintf(plat.TraceWriter, "%d,%d\n", now, pid)
		})
	}

	syscallDisp := &syscall.Dispatcher{
		Sched:    s,
		Space:    space,
		Console:  uartDrv,
		UART:     uartDrv,
		Timer:    timerDrv,
		UartIRQ:  uartIRQ,
		PowerOff: plat.PowerOff,
	}

	if err := intcCtl.Enable(uartIRQ, func(uint32) {
		uartDrv.HandleIRQ()
		s.OnInterrupt(uartIRQ, func(p *proc.Process) {
			if b, ok := uartDrv.NextByte(); ok {
				p.Push(b)
			}
		})
	}); err != 0 {
		return nil, 0, err
	}

	trapDisp := trapframe.New(trapframe.Hooks{
		Syscall: syscallDisp.Handle,
		OnTick: func() uint64 {
			now := timerDrv.Tick()
			timerDrv.SetAlarm(now.Add(tickPeriod))
			return s.SwitchProcesses(uint64(now))
		},
		OnExternal: func() uint64 {
			intcCtl.RunNextHandler()
			return s.SwitchProcesses(uint64(timerDrv.Now()))
		},
		OnUserFault: func(f *trapframe.Frame, cause uint64) uint64 {
			if p, ok := s.Process(f.Pid); ok {
				p.Exit(-1 * int64(cause+1))
			}
			return s.SwitchProcesses(uint64(timerDrv.Now()))
		},
		ResumeFrame: s.CurrentFrame,
	}, plat.PanicWriter)

	var sym *symtab.Table // loaded separately once an init ELF with symbols is available

	consoleSess := console.New(uartDrv, s, alloc, timerDrv, trapDisp, sym)
	consoleSess.Logf("rvkernel %s booting, %d heap pages\n", abi.Version, npages)

	firstProc, err := space.New(plat.InitBinary, plat.InitEntryOffset)
	if err != 0 {
		return nil, 0, err
	}
	nextPC, err := s.StartWith(firstProc)
	if err != 0 {
		return nil, 0, err
	}
	timerDrv.SetAlarm(timerDrv.Now().Add(tickPeriod))

	return &Kernel{
		Space:        space,
		Sched:        s,
		UART:         uartDrv,
		Timer:        timerDrv,
		Intc:         intcCtl,
		Syscalls:     syscallDisp,
		Trap:         trapDisp,
		Console:      consoleSess,
		UartIRQ:      uartIRQ,
		InitialFrame: firstProc.Frame,
	}, nextPC, 0
}

// idlePC is the fixed PC the scheduler returns when nothing is
// runnable (spec.md §4.5 step 4). It is a bare constant: no routine in
// this repository is placed at this address, and the frame resumed
// while idle is the kernel's own (sched.Scheduler.CurrentFrame).
const idlePC = 0x1000

func findByCompatible(n *devicetree.Node, want string) *devicetree.Node {
	var found *devicetree.Node
	n.Walk(func(cur *devicetree.Node) bool {
		if found != nil {
			return false
		}
		for _, c := range cur.Compatible() {
			if c == want {
				found = cur
				return false
			}
		}
		return true
	})
	return found
}

func findNodeByPrefix(n *devicetree.Node, prefix string) *devicetree.Node {
	var found *devicetree.Node
	n.Walk(func(cur *devicetree.Node) bool {
		if found != nil {
			return false
		}
		if len(cur.Name) >= len(prefix) && cur.Name[:len(prefix)] == prefix {
			found = cur
			return false
		}
		return true
	})
	return found
}
