//go:build riscv64

package trapframe

import "unsafe"

// trapEntry is the assembly trap vector installed into stvec at boot
// (InstallTrapVector, called by cmd/kernel's riscv64 main); see
// entry_riscv64.s.
func trapEntry()

// Current is set by cmd/kernel's riscv64 main once and never reassigned
// elsewhere (the single-hart invariant, spec.md §5): the active
// Dispatcher the assembly stub's Go half routes into.
var Current *Dispatcher

// StvecAddr returns the address to program into stvec to install the
// trap entry point.
func StvecAddr() uintptr {
	return uintptr(unsafe.Pointer(&trapEntryAsmFn))
}

var trapEntryAsmFn = trapEntry

// trapEntryGo is called from entry_riscv64.s with the trap frame
// pointer in the Go-ABI argument register; it reads the hardware's
// scause/stval/sepc CSRs, switches sscratch/satp to the kernel's own
// frame (spec.md §4.3 step 1), and calls into Current.Dispatch.
//
//go:nosplit
func trapEntryGo(f *Frame) *Frame {
	kf := f.KernelFrame()
	writeSatp(kf.Satp)
	writeSscratch(uintptr(unsafe.Pointer(kf)))

	scause := readScause()
	code := scause &^ (1 << 63)
	async := scause&(1<<63) != 0
	cause := Cause{Code: code, Async: async}

	faultAddr := readStval()
	fromUser := f.Pid != 0
	f.Sepc = readSepc()

	nextPC := Current.Dispatch(f, cause, faultAddr, fromUser)
	resume := Current.resolveResume(f, nextPC)

	writeSepc(resume.Sepc)
	writeSatp(resume.Satp)
	return resume
}

// The following are implemented as tiny assembly leaf functions in a
// RV64 build; declared here so the rest of the package can be edited
// and tested on any GOARCH. On riscv64 these would be one-instruction
// CSR read/writes (csrr/csrw); kept as plain functions rather than
// inline asm so the Go side stays portable and testable.
func readScause() uint64
func readStval() uint64
func readSepc() uint64
func writeSepc(v uint64)
func writeSatp(v uint64)
func writeSscratch(v uintptr)
func writeStvec(v uintptr)

// enterFrame restores f's GPRs and SRETs into it; implemented by
// entry_riscv64.s, reusing the trap-exit path.
func enterFrame(f *Frame)

// InstallTrapVector programs stvec with the trap entry point. Called
// once by cmd/kernel's riscv64 main before trapframe.Enter starts the
// first process.
func InstallTrapVector() {
	writeStvec(StvecAddr())
}

// Enter installs f as the running context and SRETs into it. Called
// exactly once, by cmd/kernel's riscv64 main, to start the first process the
// scheduler picked; every subsequent entry into a process happens via
// the ordinary trap-exit path instead.
func Enter(f *Frame) {
	writeSepc(f.Sepc)
	writeSatp(f.Satp)
	enterFrame(f)
}
