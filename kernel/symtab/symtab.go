// Package symtab loads the kernel's own ELF symbol table and resolves
// a faulting program counter to a demangled function name and offset
// for crash reports (kernel/console's "crash <pid>" command, spec.md
// §4.8).
//
// Grounded on biscuit/src/kernel/chentry.go's use of debug/elf for
// ELF introspection — that file is a build-time tool that rewrites an
// entry point; symtab reuses its debug/elf access pattern for a
// different, read-only purpose (reading the symbol table rather than
// patching the header). github.com/ianlancetaylor/demangle carries
// forward the teacher's dependency for turning a linker-mangled
// symbol name back into a readable one.
package symtab

import (
	"debug/elf"
	"io"
	"sort"

	"github.com/ianlancetaylor/demangle"

	"rvkernel/kernel/errs"
)

// Symbol is one function or object symbol from the kernel image.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
}

// Table is a sorted-by-address symbol table supporting address → name
// resolution.
type Table struct {
	syms []Symbol
}

// Load reads the ELF symbol table from r (typically the kernel's own
// image). cmd/kernel.Boot does not call it and builds its console with
// no table.
// Symbols with no name or zero value are skipped; they carry no
// information a backtrace can use.
func Load(r io.ReaderAt) (*Table, errs.Err_t) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, errs.EINVAL
	}
	defer f.Close()

	elfSyms, err := f.Symbols()
	if err != nil {
		return &Table{}, 0
	}

	t := &Table{}
	for _, s := range elfSyms {
		if s.Name == "" || s.Value == 0 {
			continue
		}
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC && elf.ST_TYPE(s.Info) != elf.STT_OBJECT {
			continue
		}
		t.syms = append(t.syms, Symbol{Name: s.Name, Value: s.Value, Size: s.Size})
	}
	sort.Slice(t.syms, func(i, j int) bool { return t.syms[i].Value < t.syms[j].Value })
	return t, 0
}

// Lookup resolves pc to the containing symbol and the byte offset
// within it, reporting false if pc falls before the first symbol or
// past the last known symbol's extent.
func (t *Table) Lookup(pc uint64) (name string, offset uint64, ok bool) {
	if len(t.syms) == 0 {
		return "", 0, false
	}
	i := sort.Search(len(t.syms), func(i int) bool { return t.syms[i].Value > pc }) - 1
	if i < 0 {
		return "", 0, false
	}
	s := t.syms[i]
	off := pc - s.Value
	if s.Size != 0 && off >= s.Size {
		return "", 0, false
	}
	return s.Name, off, true
}

// Demangle returns name's demangled form if it is a recognized
// mangling scheme, or name unchanged otherwise (demangle.Filter's
// contract).
func Demangle(name string) string {
	return demangle.Filter(name)
}

// Describe resolves pc and returns a single human-readable line for a
// crash-report backtrace, e.g. "proc.(*Process).Fault+0x14", or
// "<unknown>+0x<pc>" when no symbol covers pc.
func (t *Table) Describe(pc uint64) string {
	name, off, ok := t.Lookup(pc)
	if !ok {
		return unresolved(pc)
	}
	return Demangle(name) + "+" + hex(off)
}

func unresolved(pc uint64) string {
	return "<unknown>+" + hex(pc)
}

func hex(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0x0"
	}
	var buf [18]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	i--
	buf[i] = 'x'
	i--
	buf[i] = '0'
	return string(buf[i:])
}
