// Package sv39 implements the three-level Sv39 page-table walker:
// typed page-table entries, the permission-bit policy table from
// spec.md §3, and map/translate operations (spec.md §4.2).
//
// Grounded on biscuit/src/vm/as.go's present/writable/user bit tests
// (PTE_P, PTE_W, PTE_U) and biscuit/src/mem/dmap.go's PMO-based
// physical<->kernel-space conversion, generalized from amd64's
// 4-level page tables to Sv39's 3-level, 9-bit-VPN format.
package sv39

import (
	"rvkernel/kernel/addr"
	"rvkernel/kernel/errs"
)

// PTE bit positions, per the RV64 privileged spec.
const (
	bitValid = 1 << 0
	bitRead  = 1 << 1
	bitWrite = 1 << 2
	bitExec  = 1 << 3
	bitUser  = 1 << 4
	bitGlob  = 1 << 5
	// bit 6 (Accessed) and bit 7 (Dirty) are left to hardware/software
	// management outside this core's scope.
	ppnShift = 10
)

// PTE is a single 64-bit Sv39 page-table entry.
type PTE uint64

func (e PTE) Valid() bool { return e&bitValid != 0 }
func (e PTE) Read() bool  { return e&bitRead != 0 }
func (e PTE) Write() bool { return e&bitWrite != 0 }
func (e PTE) Exec() bool  { return e&bitExec != 0 }
func (e PTE) User() bool  { return e&bitUser != 0 }
func (e PTE) Global() bool { return e&bitGlob != 0 }

// Leaf reports whether e is a leaf entry (valid, with at least one of
// R/W/X set). A valid entry with none of R/W/X is a branch pointing
// at the next level.
func (e PTE) Leaf() bool {
	return e.Valid() && (e.Read() || e.Write() || e.Exec())
}

// Branch reports whether e is a valid non-leaf entry.
func (e PTE) Branch() bool {
	return e.Valid() && !e.Read() && !e.Write() && !e.Exec()
}

// PPN returns the physical page number this entry encodes.
func (e PTE) PPN() uint64 {
	return uint64(e) >> ppnShift
}

// PhysAddr reconstructs the full physical page address the entry
// points at (valid for both branch and leaf entries).
func (e PTE) PhysAddr() addr.PhysAddr {
	return addr.PhysAddr(e.PPN() << addr.PageShift)
}

func mkPTE(ppn uint64, flags uint64) PTE {
	return PTE(ppn<<ppnShift | flags | bitValid)
}

// Kind enumerates the permission-bit policy table from spec.md §3.
type Kind int

const (
	Kernel Kind = iota
	UserReadOnly
	UserReadWrite
	UserExecute
)

// attrs returns the (R, W, X, U, G) bit pattern for kind, as an
// explicit switch rather than a generic table lookup, matching the
// teacher's preference for direct bit arithmetic over reflection
// (vm/as.go's inline PTE_P/PTE_W tests).
func (k Kind) attrs() (flags uint64, err errs.Err_t) {
	switch k {
	case Kernel:
		return bitRead | bitWrite | bitExec | bitGlob, 0
	case UserReadOnly:
		return bitRead | bitUser, 0
	case UserReadWrite:
		return bitRead | bitWrite | bitUser, 0
	case UserExecute:
		return bitRead | bitExec | bitUser, 0
	default:
		return 0, errs.EINVAL
	}
}

func (k Kind) String() string {
	switch k {
	case Kernel:
		return "Kernel"
	case UserReadOnly:
		return "UserReadOnly"
	case UserReadWrite:
		return "UserReadWrite"
	case UserExecute:
		return "UserExecute"
	default:
		return "Unknown"
	}
}
