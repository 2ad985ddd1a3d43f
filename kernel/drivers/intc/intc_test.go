package intc

import "testing"

type fakeMMIO struct {
	pending  []uint32
	enabled  map[uint32]bool
	completed []uint32
}

func newFakeMMIO() *fakeMMIO {
	return &fakeMMIO{enabled: make(map[uint32]bool)}
}

func (f *fakeMMIO) Claim() uint32 {
	if len(f.pending) == 0 {
		return 0
	}
	irq := f.pending[0]
	f.pending = f.pending[1:]
	return irq
}

func (f *fakeMMIO) Complete(irq uint32) {
	f.completed = append(f.completed, irq)
}

func (f *fakeMMIO) SetEnabled(irq uint32, enabled bool) {
	f.enabled[irq] = enabled
}

func TestEnableRunsRegisteredHandler(t *testing.T) {
	m := newFakeMMIO()
	c := New(m, 1, 8)

	var got uint32
	if err := c.Enable(10, func(irq uint32) { got = irq }); err != 0 {
		t.Fatalf("Enable: %v", err)
	}
	if !m.enabled[10] {
		t.Fatalf("expected irq 10 to be enabled at the MMIO level")
	}

	m.pending = []uint32{10}
	irq, ok := c.RunNextHandler()
	if !ok || irq != 10 {
		t.Fatalf("got (%d, %v), want (10, true)", irq, ok)
	}
	if got != 10 {
		t.Fatalf("expected handler to run with irq 10, got %d", got)
	}
	if len(m.completed) != 1 || m.completed[0] != 10 {
		t.Fatalf("expected irq 10 to be completed, got %v", m.completed)
	}
}

func TestRunNextHandlerNoneQueued(t *testing.T) {
	c := New(newFakeMMIO(), 1, 8)
	if _, ok := c.RunNextHandler(); ok {
		t.Fatalf("expected no pending IRQ")
	}
}

func TestRunNextHandlerUnregisteredIsDroppedNotFatal(t *testing.T) {
	m := newFakeMMIO()
	c := New(m, 1, 8)
	m.pending = []uint32{42}

	irq, ok := c.RunNextHandler()
	if !ok || irq != 42 {
		t.Fatalf("got (%d, %v), want (42, true)", irq, ok)
	}
	if len(m.completed) != 1 || m.completed[0] != 42 {
		t.Fatalf("expected unregistered irq to still be completed, got %v", m.completed)
	}
}

func TestDisableRemovesHandler(t *testing.T) {
	m := newFakeMMIO()
	c := New(m, 1, 8)
	var called bool
	c.Enable(5, func(uint32) { called = true })
	c.Disable(5)
	if m.enabled[5] {
		t.Fatalf("expected irq 5 to be disabled at the MMIO level")
	}

	m.pending = []uint32{5}
	var otherCalled bool
	c.handlers.Set(uint64(99), func(uint32) { otherCalled = true }) // unrelated handler untouched
	c.RunNextHandler()
	if called {
		t.Fatalf("disabled irq 5's handler must not run")
	}
	if otherCalled {
		t.Fatalf("unrelated handler must not run")
	}
}

func TestEnableRejectsZeroIRQ(t *testing.T) {
	c := New(newFakeMMIO(), 1, 8)
	if err := c.Enable(0, func(uint32) {}); err == 0 {
		t.Fatalf("expected irq 0 to be rejected")
	}
}

func TestPhandle(t *testing.T) {
	c := New(newFakeMMIO(), 7, 8)
	if c.Phandle() != 7 {
		t.Fatalf("got %d, want 7", c.Phandle())
	}
}
