package main

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"rvkernel/kernel/drivers/intc"
	"rvkernel/kernel/drivers/timer"
	"rvkernel/kernel/drivers/uart"
	"rvkernel/kernel/errs"
)

// fdtBuilder assembles a minimal flattened device tree blob by hand,
// standing in for the boot shim that would normally hand one in; the
// wire format is decoded in kernel/devicetree, not reimplemented here.
type fdtBuilder struct {
	strings []byte
	stroff  map[string]uint32
	body    []byte
}

func newFdtBuilder() *fdtBuilder {
	return &fdtBuilder{stroff: make(map[string]uint32)}
}

func (b *fdtBuilder) u32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.body = append(b.body, buf[:]...)
}

func align4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

func (b *fdtBuilder) nameOff(name string) uint32 {
	if off, ok := b.stroff[name]; ok {
		return off
	}
	off := uint32(len(b.strings))
	b.strings = append(b.strings, []byte(name)...)
	b.strings = append(b.strings, 0)
	b.stroff[name] = off
	return off
}

func (b *fdtBuilder) beginNode(name string) {
	const tokenBeginNode = 0x1
	b.u32(tokenBeginNode)
	b.body = append(b.body, []byte(name)...)
	b.body = append(b.body, 0)
	b.body = align4(b.body)
}

func (b *fdtBuilder) endNode() {
	const tokenEndNode = 0x2
	b.u32(tokenEndNode)
}

func (b *fdtBuilder) prop(name string, value []byte) {
	const tokenProp = 0x3
	b.u32(tokenProp)
	b.u32(uint32(len(value)))
	b.u32(b.nameOff(name))
	b.body = append(b.body, value...)
	b.body = align4(b.body)
}

func regValue(addr, size uint64) []byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], addr)
	binary.BigEndian.PutUint64(buf[8:16], size)
	return buf[:]
}

func u32Value(v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return buf[:]
}

func cstrValue(s string) []byte {
	return append([]byte(s), 0)
}

// finish wraps the accumulated struct block in the FDT header, ending
// the struct section with FDT_END.
func (b *fdtBuilder) finish() []byte {
	const tokenEnd = 0x9
	b.u32(tokenEnd)

	const headerLen = 40
	structOff := uint32(headerLen)
	structLen := uint32(len(b.body))
	stringsOff := structOff + structLen
	stringsLen := uint32(len(b.strings))
	total := stringsOff + stringsLen

	var out bytes.Buffer
	var h [40]byte
	binary.BigEndian.PutUint32(h[0:4], 0xd00dfeed)
	binary.BigEndian.PutUint32(h[4:8], total)
	binary.BigEndian.PutUint32(h[8:12], structOff)
	binary.BigEndian.PutUint32(h[12:16], stringsOff)
	binary.BigEndian.PutUint32(h[16:20], headerLen) // empty mem-rsvmap
	binary.BigEndian.PutUint32(h[20:24], 17)
	binary.BigEndian.PutUint32(h[24:28], 17)
	binary.BigEndian.PutUint32(h[28:32], 0)
	binary.BigEndian.PutUint32(h[32:36], stringsLen)
	binary.BigEndian.PutUint32(h[36:40], structLen)
	out.Write(h[:])
	out.Write(b.body)
	out.Write(b.strings)
	return out.Bytes()
}

// buildTestDTB produces a tree with a memory node, a compatible UART
// node with one interrupt, a PLIC node with a phandle, and a CLINT
// node, matching what Boot expects to find.
func buildTestDTB(opts struct {
	omitMemory    bool
	omitUart      bool
	omitUartIRQ   bool
	omitPlic      bool
	omitClint     bool
}) []byte {
	b := newFdtBuilder()
	b.beginNode("")
	b.prop("#address-cells", u32Value(2))
	b.prop("#size-cells", u32Value(2))

	b.beginNode("cpus")
	b.prop("timebase-frequency", u32Value(1_000_000))
	b.endNode()

	if !opts.omitMemory {
		b.beginNode("memory@80000000")
		b.prop("reg", regValue(0x80000000, 16*4096))
		b.endNode()
	}

	if !opts.omitUart {
		b.beginNode("uart@10000000")
		b.prop("compatible", cstrValue("ns16550a"))
		b.prop("reg", regValue(0x10000000, 0x100))
		if !opts.omitUartIRQ {
			b.prop("interrupts", u32Value(10))
		}
		b.endNode()
	}

	if !opts.omitPlic {
		b.beginNode("plic@c000000")
		b.prop("compatible", cstrValue("riscv,plic0"))
		b.prop("reg", regValue(0xc000000, 0x4000000))
		b.prop("phandle", u32Value(1))
		b.endNode()
	}

	if !opts.omitClint {
		b.beginNode("clint@2000000")
		b.prop("compatible", cstrValue("riscv,clint0"))
		b.prop("reg", regValue(0x2000000, 0x10000))
		b.endNode()
	}

	b.endNode() // root
	return b.finish()
}

// --- fake MMIO, enough to exercise Boot without real hardware ---

// fakeUartMMIO models just enough of the 16550 register map (line
// status at +0x5, always reporting the transmit holding register
// empty) for Boot's console.Session.Logf boot banner to complete
// without spinning forever in uart.Driver.SendByte's busy-wait.
type fakeUartMMIO struct{}

func (fakeUartMMIO) Load8(off uint64) uint8 {
	const regLSR, lsrTHREmpty = 0x5, 1 << 5
	if off == regLSR {
		return lsrTHREmpty
	}
	return 0
}
func (fakeUartMMIO) Store8(off uint64, v uint8) {}

type fakePlicMMIO struct{}

func (fakePlicMMIO) Claim() uint32                      { return 0 }
func (fakePlicMMIO) Complete(irq uint32)                {}
func (fakePlicMMIO) SetEnabled(irq uint32, enabled bool) {}

type fakeTimerMMIO struct{}

func (fakeTimerMMIO) StoreCompare(hart int, deadline uint64) {}

func testPlatform() Platform {
	return Platform{
		NewUartMMIO:  func(uint64) uart.MMIO { return fakeUartMMIO{} },
		NewPlicMMIO:  func(uint64, int) intc.MMIO { return fakePlicMMIO{} },
		NewTimerMMIO: func(uint64) timer.MMIO { return fakeTimerMMIO{} },
		Hart:         0,
		InitBinary:   []byte{0x13, 0x00, 0x00, 0x00}, // nop
	}
}

func allPresent() (opts struct {
	omitMemory  bool
	omitUart    bool
	omitUartIRQ bool
	omitPlic    bool
	omitClint   bool
}) {
	return
}

func TestBootWiresEverything(t *testing.T) {
	dtb := buildTestDTB(allPresent())
	k, pc, err := Boot(dtb, 0, testPlatform())
	if err != 0 {
		t.Fatalf("Boot: %v", err)
	}
	if k.UART == nil || k.Intc == nil || k.Timer == nil || k.Sched == nil || k.Syscalls == nil || k.Trap == nil || k.Console == nil {
		t.Fatalf("Boot left a subsystem nil: %+v", k)
	}
	if k.UartIRQ != 10 {
		t.Fatalf("UartIRQ = %d, want 10", k.UartIRQ)
	}
	if k.InitialFrame == nil {
		t.Fatalf("InitialFrame is nil")
	}
	if pc == 0 {
		t.Fatalf("nextPC is 0")
	}
}

func TestBootMissingMemoryNode(t *testing.T) {
	opts := allPresent()
	opts.omitMemory = true
	dtb := buildTestDTB(opts)
	if _, _, err := Boot(dtb, 0, testPlatform()); err != errs.ENODEV {
		t.Fatalf("err = %v, want ENODEV", err)
	}
}

func TestBootMissingUartNode(t *testing.T) {
	opts := allPresent()
	opts.omitUart = true
	dtb := buildTestDTB(opts)
	if _, _, err := Boot(dtb, 0, testPlatform()); err != errs.ENODEV {
		t.Fatalf("err = %v, want ENODEV", err)
	}
}

func TestBootMissingUartInterrupts(t *testing.T) {
	opts := allPresent()
	opts.omitUartIRQ = true
	dtb := buildTestDTB(opts)
	if _, _, err := Boot(dtb, 0, testPlatform()); err != errs.ENODEV {
		t.Fatalf("err = %v, want ENODEV", err)
	}
}

func TestBootMissingPlicNode(t *testing.T) {
	opts := allPresent()
	opts.omitPlic = true
	dtb := buildTestDTB(opts)
	if _, _, err := Boot(dtb, 0, testPlatform()); err != errs.ENODEV {
		t.Fatalf("err = %v, want ENODEV", err)
	}
}

func TestBootToleratesMissingClint(t *testing.T) {
	opts := allPresent()
	opts.omitClint = true
	dtb := buildTestDTB(opts)
	if _, _, err := Boot(dtb, 0, testPlatform()); err != 0 {
		t.Fatalf("Boot: %v", err)
	}
}

func TestBootRejectsIncompatibleABI(t *testing.T) {
	dtb := buildTestDTB(allPresent())
	plat := testPlatform()
	plat.ABIVersion = "v2.0.0"
	if _, _, err := Boot(dtb, 0, plat); err != errs.EINVAL {
		t.Fatalf("err = %v, want EINVAL", err)
	}
}

func TestBootAcceptsOlderCompatibleABI(t *testing.T) {
	dtb := buildTestDTB(allPresent())
	plat := testPlatform()
	plat.ABIVersion = "v1.0.0"
	if _, _, err := Boot(dtb, 0, plat); err != 0 {
		t.Fatalf("Boot: %v", err)
	}
}

func TestBootRejectsCorruptBlob(t *testing.T) {
	if _, _, err := Boot([]byte{1, 2, 3}, 0, testPlatform()); err == 0 {
		t.Fatalf("expected an error decoding a truncated blob")
	}
}

func TestBootWiresSchedTracerWhenTraceWriterSet(t *testing.T) {
	var trace bytes.Buffer
	plat := testPlatform()
	plat.TraceWriter = &trace
	dtb := buildTestDTB(allPresent())
	k, _, err := Boot(dtb, 0, plat)
	if err != 0 {
		t.Fatalf("Boot: %v", err)
	}
	if trace.Len() == 0 {
		t.Fatalf("expected Boot's StartWith decision to be traced")
	}
	lines := strings.Split(strings.TrimSpace(trace.String()), "\n")
	if lines[0] != "now,pid" {
		t.Fatalf("expected header line, got %q", lines[0])
	}
	k.Sched.SwitchProcesses(1)
	if strings.Count(trace.String(), "\n") < 3 {
		t.Fatalf("expected a second traced decision after SwitchProcesses, got %q", trace.String())
	}
}
