package pagealloc

import (
	"testing"

	"rvkernel/kernel/addr"
	"rvkernel/kernel/errs"
)

func mkAllocator(t *testing.T, n int) *Allocator {
	t.Helper()
	a, err := New(0, n, nil)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	return a
}

// TestAllocateDeallocateRoundTrip exercises spec.md §8's "for all
// allocation sizes n > 0, deallocate(allocate(n)) returns n, and the
// bitmap returns to the state it had before allocate".
func TestAllocateDeallocateRoundTrip(t *testing.T) {
	a := mkAllocator(t, 1025)
	before := append([]uint8(nil), a.bits...)

	h, err := a.Allocate(7)
	if err != 0 {
		t.Fatalf("Allocate: %v", err)
	}
	n, err := a.Deallocate(h.Base)
	if err != 0 {
		t.Fatalf("Deallocate: %v", err)
	}
	if n != 7 {
		t.Fatalf("Deallocate returned %d, want 7", n)
	}
	for i := range before {
		if before[i] != a.bits[i] {
			t.Fatalf("bitmap not restored at index %d: got %d want %d", i, a.bits[i], before[i])
		}
	}
}

// TestAllocateRunBoundary matches spec.md §8 scenario 4: on a fresh
// heap of 1024 pages, allocate(1), allocate(5), allocate(3) return
// offsets 0, 1, 6; deallocate(6) returns 3; the slot at offset 5 has
// last = false afterwards.
func TestAllocateRunBoundary(t *testing.T) {
	a := mkAllocator(t, 1025)

	h1, err := a.Allocate(1)
	if err != 0 {
		t.Fatalf("Allocate(1): %v", err)
	}
	if off := offsetOf(a, h1.Base); off != 0 {
		t.Fatalf("first allocate at offset %d, want 0", off)
	}

	h2, err := a.Allocate(5)
	if err != 0 {
		t.Fatalf("Allocate(5): %v", err)
	}
	if off := offsetOf(a, h2.Base); off != 1 {
		t.Fatalf("second allocate at offset %d, want 1", off)
	}

	h3, err := a.Allocate(3)
	if err != 0 {
		t.Fatalf("Allocate(3): %v", err)
	}
	if off := offsetOf(a, h3.Base); off != 6 {
		t.Fatalf("third allocate at offset %d, want 6", off)
	}

	n, err := a.Deallocate(h3.Base)
	if err != 0 {
		t.Fatalf("Deallocate: %v", err)
	}
	if n != 3 {
		t.Fatalf("Deallocate returned %d, want 3", n)
	}
	if a.bits[5]&lastBit != 0 {
		t.Fatalf("slot 5 should not be marked last after freeing slot 6's run")
	}
}

func offsetOf(a *Allocator, p addr.PhysAddr) int {
	idx, ok := a.index(p)
	if !ok {
		panic("address not in heap")
	}
	return idx
}

// TestAllocateOOM matches spec.md §8: allocate(n) with n equal to the
// remaining capacity succeeds and further allocate(1) fails with OOM.
func TestAllocateOOM(t *testing.T) {
	a := mkAllocator(t, 9) // 8 allocatable pages

	h, err := a.Allocate(8)
	if err != 0 {
		t.Fatalf("Allocate(8): %v", err)
	}
	if _, err := a.Allocate(1); err != errs.ENOMEM {
		t.Fatalf("Allocate(1) after exhaustion: got %v, want ENOMEM", err)
	}
	h.Free()
	if _, err := a.Allocate(8); err != 0 {
		t.Fatalf("Allocate(8) after free: %v", err)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	a := mkAllocator(t, 9)
	h, err := a.Allocate(2)
	if err != 0 {
		t.Fatalf("Allocate: %v", err)
	}
	h.Free()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected double free to panic")
		}
	}()
	h.Free()
}

func TestNoOverlap(t *testing.T) {
	a := mkAllocator(t, 1025)
	seen := map[int]bool{}
	for total := 0; total < 1024; {
		h, err := a.Allocate(4)
		if err != 0 {
			break
		}
		off := offsetOf(a, h.Base)
		for i := off; i < off+4; i++ {
			if seen[i] {
				t.Fatalf("overlap detected at page %d", i)
			}
			seen[i] = true
		}
		total += 4
	}
}
