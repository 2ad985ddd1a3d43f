// Package intc implements the Interrupt Controller capability
// contract (spec.md §4.6): per-driver enable of a (parent-phandle,
// interrupt-id) pair declared during the device-tree walk, and
// run_next_handler, which claims one pending IRQ and invokes its
// registered handler.
//
// Grounded on a PLIC-style aggregator (the RISC-V "qemu virt"
// platform's interrupt controller, spec.md §9's resolved Open
// Question): claim/complete through a pair of memory-mapped
// registers, priority threshold fixed at boot. The general shape of
// "enumerate lines, register one handler per line" follows
// biscuit/src/msi/msi.go and biscuit/src/pci/olddiski.go; the handler
// registry is a kernel/ktable.Table keyed by IRQ id.
package intc

import (
	"sync"

	"rvkernel/kernel/errs"
	"rvkernel/kernel/ktable"
)

// MMIO abstracts the PLIC's claim/complete and enable-bit registers.
type MMIO interface {
	// Claim returns the highest-priority pending IRQ id, or 0 if none
	// is pending (0 is reserved by the PLIC spec as "no interrupt").
	Claim() uint32
	// Complete acknowledges servicing of irq.
	Complete(irq uint32)
	// SetEnabled toggles whether irq may be claimed.
	SetEnabled(irq uint32, enabled bool)
}

// Handler is invoked by RunNextHandler with the IRQ id that fired.
type Handler func(irq uint32)

// Controller is a PLIC-style interrupt controller satisfying spec.md
// §4.6's IC contract.
type Controller struct {
	mmio MMIO

	mu       sync.Mutex
	phandle  uint32
	handlers *ktable.Table[uint64, Handler]
}

// New constructs a controller. phandle is this node's own device-tree
// phandle, used so loaders can confirm a node's interrupt-parent
// refers to this controller (spec.md §4.6).
func New(mmio MMIO, phandle uint32, maxIRQs int) *Controller {
	return &Controller{
		mmio:     mmio,
		phandle:  phandle,
		handlers: ktable.New[uint64, Handler](maxIRQs, ktable.HashUint64),
	}
}

// Phandle returns this controller's device-tree phandle.
func (c *Controller) Phandle() uint32 { return c.phandle }

// Enable registers h as the handler for irq and enables delivery.
// Per spec.md §4.6, this is called once per (parent-phandle,
// interrupt-id) pair a driver loader declares, after the full
// device-tree walk completes.
func (c *Controller) Enable(irq uint32, h Handler) errs.Err_t {
	if irq == 0 {
		return errs.EINVAL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers.Set(uint64(irq), h)
	c.mmio.SetEnabled(irq, true)
	return 0
}

// Disable unregisters irq's handler and disables delivery.
func (c *Controller) Disable(irq uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mmio.SetEnabled(irq, false)
	c.handlers.Del(uint64(irq))
}

// RunNextHandler claims the next pending IRQ, if any, runs its
// registered handler, and acknowledges completion. It reports the
// IRQ serviced, or (0, false) if none was pending. An IRQ claimed
// with no registered handler is completed and dropped rather than
// panicking, since a spurious interrupt from a disabled-but-not-yet-
// unclaimed line is not fatal.
func (c *Controller) RunNextHandler() (uint32, bool) {
	irq := c.mmio.Claim()
	if irq == 0 {
		return 0, false
	}
	h, ok := c.handlers.Get(uint64(irq))
	if ok {
		h(irq)
	}
	c.mmio.Complete(irq)
	return irq, true
}
