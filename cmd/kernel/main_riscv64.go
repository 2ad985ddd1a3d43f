//go:build riscv64

// The riscv64 target's real entry point. Supervisor-mode firmware
// (e.g. qemu's virt machine running OpenSBI) hands control here with
// the hart ID in a0 and the flattened device tree's physical address
// in a1, the same convention a Linux/riscv64 kernel is booted under;
// capturing those two registers into bootHart/bootDTBPhys before the
// Go runtime's own startup touches them is a linker-script-level
// concern this repo deliberately leaves unaddressed, in the same
// spirit spec.md §1 puts a patched runtime/boot shim out of scope —
// everything downstream of that handoff is this file's job. This file
// stays as small as possible; everything that can be exercised on the
// host lives in boot.go instead.
package main

import (
	"encoding/binary"
	"unsafe"

	"rvkernel/kernel/abi"
	"rvkernel/kernel/drivers/intc"
	"rvkernel/kernel/drivers/timer"
	"rvkernel/kernel/drivers/uart"
	"rvkernel/kernel/trapframe"
)

// bootHart and bootDTBPhys hold a0 (hart ID) and a1 (DTB physical
// address), the two arguments every RISC-V supervisor-mode payload is
// handed by its boot loader, per the platform's SBI convention. No code
// in this repository stores to them (see the file comment above); they
// stay zero unless an earlier hand-off step fills them in.
var (
	bootHart    uint64
	bootDTBPhys uint64
)

// kernelPMO is the physical memory offset this kernel is linked
// against (spec.md §3): this build boots identity-mapped, so
// kernel-virtual addresses equal physical ones and the offset is 0.
// A higher-half build would set this from a linker-supplied symbol
// instead.
const kernelPMO int64 = 0

// builtinInit is the fallback first process image: a single riscv64
// nop (encoding 0x00000013), the same placeholder boot_test.go
// uses on the host. A real image replaces this once a userland init
// program exists to link in.
var builtinInit = []byte{0x13, 0x00, 0x00, 0x00}

func main() {
	dtb := readDTB(uintptr(bootDTBPhys))

	plat := Platform{
		NewUartMMIO: func(physAddr uint64) uart.MMIO {
			return uartMMIO{regs: newVolatileRegs(physAddr, kernelPMO)}
		},
		NewPlicMMIO: func(physAddr uint64, hart int) intc.MMIO {
			return plicMMIO{regs: newVolatileRegs(physAddr, kernelPMO), hart: hart}
		},
		NewTimerMMIO: func(physAddr uint64) timer.MMIO {
			return clintMMIO{regs: newVolatileRegs(physAddr, kernelPMO)}
		},
		Hart:            int(bootHart),
		InitBinary:      builtinInit,
		InitEntryOffset: 0,
		PanicWriter:     panicUART{},
		PowerOff:        sbiPowerOff,
		ABIVersion:      abi.Version,
	}

	k, _, err := Boot(dtb, kernelPMO, plat)
	if err != 0 {
		panic(err)
	}

	trapframe.Current = k.Trap
	trapframe.InstallTrapVector()
	trapframe.Enter(k.InitialFrame) // never returns
}

// readDTB reads the flattened device tree's own header to learn its
// total size (big-endian word at offset 4) before slicing the full
// blob out of physical memory; the boot loader guarantees the blob is
// contiguous but tells us nothing about its length up front.
func readDTB(phys uintptr) []byte {
	head := unsafe.Slice((*byte)(unsafe.Pointer(phys)), 8)
	size := binary.BigEndian.Uint32(head[4:8])
	return unsafe.Slice((*byte)(unsafe.Pointer(phys)), size)
}

// panicUART gives trapframe.New somewhere to write a fatal-fault
// dump; it reopens the same UART address boot.go's driver uses rather
// than threading a *uart.Driver through, since it only ever fires
// after Boot has already wired everything else and a second raw
// writer is simpler than re-entering the Driver on a panic path.
type panicUART struct{}

func (panicUART) Write(p []byte) (int, error) {
	regs := newVolatileRegs(uartBasePhys, kernelPMO)
	for _, b := range p {
		regs.store8(0, b)
	}
	return len(p), nil
}

// uartBasePhys is the qemu "virt" platform's fixed NS16550A address;
// real discovery for the driver itself still goes through the device
// tree in Boot, this is only the panic path's fallback.
const uartBasePhys = 0x10000000

// sbiPowerOff issues the RISC-V SBI system-reset extension's shutdown
// call (EID 0x53525354, FID 0): the same thing qemu's virt platform
// and every other SBI-conformant firmware honor for "power off now".
func sbiPowerOff() {
	sbiCall(0x53525354, 0, 0, 0)
}

// sbiCall is implemented in boot_riscv64.s: an ECALL with the SBI
// extension/function IDs in a7/a6 and two arguments in a0-a1.
func sbiCall(eid, fid, arg0, arg1 uint64)
