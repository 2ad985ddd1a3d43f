// Package uart implements the UART driver capability contract
// (spec.md §4.6): next_byte (non-blocking), send_byte, send_str, and
// a UTF-8 character stream layered above next_byte where an
// incomplete sequence yields the Unicode replacement character.
//
// Grounded on a memory-mapped 16550-compatible UART (the RISC-V
// "qemu virt" platform device this kernel targets, spec.md §9's
// resolved Open Question). The RX ring buffer is grounded on
// biscuit/src/circbuf/circbuf.go's head/tail-counter design, trimmed
// to a single fixed-size byte array (no lazy page allocation — this
// buffer is small and always resident, unlike a per-fd socket
// buffer).
package uart

import (
	"sync"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// 16550 register offsets from the UART's base address (spec.md §7's
// device-tree "reg" property gives the base; offsets are fixed by the
// 16550 programming model).
const (
	regRBR = 0x0 // receiver buffer (read)
	regTHR = 0x0 // transmitter holding (write)
	regLSR = 0x5 // line status
)

const (
	lsrDataReady = 1 << 0
	lsrTHREmpty  = 1 << 5
)

// MMIO abstracts the single byte-wide read/write the driver performs
// against the device's memory-mapped registers, so the driver is
// testable without real hardware (tests use a small hand-written fake;
// cmd/kernel wires a real MMIO implementation at boot).
type MMIO interface {
	Load8(off uint64) uint8
	Store8(off uint64, v uint8)
}

const ringCapacity = 256

// ringbuf is a fixed-capacity byte queue between the RX interrupt
// handler and next_byte callers. Overrun past capacity drops the
// oldest byte rather than blocking or failing, matching the
// teacher's policy of handling buffer trouble at read/write time
// rather than refusing to accept data.
type ringbuf struct {
	buf        [ringCapacity]byte
	head, tail int // monotonically increasing; index with % capacity
}

func (r *ringbuf) used() int { return r.head - r.tail }
func (r *ringbuf) full() bool { return r.used() == ringCapacity }
func (r *ringbuf) empty() bool { return r.head == r.tail }

func (r *ringbuf) push(b byte) {
	if r.full() {
		r.tail++ // drop oldest
	}
	r.buf[r.head%ringCapacity] = b
	r.head++
}

func (r *ringbuf) pop() (byte, bool) {
	if r.empty() {
		return 0, false
	}
	b := r.buf[r.tail%ringCapacity]
	r.tail++
	return b, true
}

// Driver is a 16550-compatible UART satisfying spec.md §4.6's UART
// contract.
type Driver struct {
	mmio MMIO

	mu  sync.Mutex
	rx  ringbuf
	dec transform.Transformer
}

// New constructs a driver over the given MMIO register window.
func New(mmio MMIO) *Driver {
	return &Driver{
		mmio: mmio,
		dec:  unicode.UTF8.NewDecoder().Transformer,
	}
}

// HandleIRQ is called from the interrupt controller's dispatch path
// (kernel/drivers/intc) when this UART's line asserts. It drains the
// hardware FIFO into the RX ring buffer; spec.md §4.5's on_interrupt
// is expected to be invoked by the caller afterward so blocked
// OnUart waiters observe the new bytes.
func (d *Driver) HandleIRQ() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.mmio.Load8(regLSR)&lsrDataReady != 0 {
		d.rx.push(d.mmio.Load8(regRBR))
	}
}

// NextByte is the non-blocking raw-byte read of spec.md §4.6's UART
// contract: returns (byte, true) if one was queued, (0, false)
// otherwise.
func (d *Driver) NextByte() (uint8, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rx.pop()
}

// SendByte blocks (spinning on the line-status register) until the
// transmitter holding register is empty, then writes one byte.
func (d *Driver) SendByte(b uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.mmio.Load8(regLSR)&lsrTHREmpty == 0 {
	}
	d.mmio.Store8(regTHR, b)
}

// SendStr writes every byte of s verbatim; it does not interpret
// control characters, matching spec.md §4.6's default send_str.
func (d *Driver) SendStr(s string) {
	for i := 0; i < len(s); i++ {
		d.SendByte(s[i])
	}
}

// NextRune layers the incremental UTF-8 decoder over NextByte: it
// consumes queued bytes until a full rune decodes, returns
// (0, false) if the queue is currently empty, or the Unicode
// replacement character if the queued bytes form an invalid or
// incomplete sequence that cannot be completed without more input
// than is currently queued (spec.md §4.6).
func (d *Driver) NextRune() (rune, bool) {
	var pending []byte
	for {
		b, ok := d.NextByte()
		if !ok {
			if len(pending) == 0 {
				return 0, false
			}
			return decodeFinal(d.dec, pending)
		}
		pending = append(pending, b)
		// atEOF=false: more bytes may still be queued, so a short
		// sequence here means "incomplete so far", not "invalid".
		if r, ok := tryDecode(d.dec, pending, false); ok {
			return r, true
		}
		if len(pending) >= 4 {
			return decodeFinal(d.dec, pending)
		}
	}
}

func tryDecode(t transform.Transformer, src []byte, atEOF bool) (rune, bool) {
	t.Reset()
	var dst [8]byte
	nDst, nSrc, err := t.Transform(dst[:], src, atEOF)
	if err != nil || nSrc != len(src) || nDst == 0 {
		return 0, false
	}
	r := []rune(string(dst[:nDst]))
	if len(r) != 1 {
		return 0, false
	}
	return r[0], true
}

// decodeFinal is called once the queue is known to hold no more
// bytes (or four were already accumulated, the max UTF-8 sequence
// length): atEOF=true tells the decoder nothing further is coming, so
// a sequence that is still incomplete or invalid resolves to the
// Unicode replacement character rather than waiting forever.
func decodeFinal(t transform.Transformer, src []byte) (rune, bool) {
	if r, ok := tryDecode(t, src, true); ok {
		return r, true
	}
	return 0xFFFD, true
}

// Pending reports how many raw bytes currently sit in the RX ring
// buffer; used by this package's tests.
func (d *Driver) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rx.used()
}
