// Package devicetree parses the flattened device tree (FDT) the boot
// shim hands the kernel (spec.md §7 "Device-tree consumption"). Only
// the properties the kernel actually consults are exposed:
// /chosen/stdout-path and, per node, compatible, reg, interrupts,
// interrupt-parent, phandle, plus /cpus/timebase-frequency.
//
// No flattened-devicetree library appears anywhere in the retrieved
// corpus, so this follows the teacher's own idiom for hand-decoding a
// fixed binary layout field by field: biscuit/src/util/util.go's
// Readn/Writen inspired kernel/util's Beu32/Beu64, which do the
// big-endian decoding the FDT spec mandates at every struct-block
// cell.
package devicetree

import (
	"rvkernel/kernel/errs"
	"rvkernel/kernel/util"
)

const (
	magic = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

type header struct {
	Magic           uint32
	TotalSize       uint32
	OffDtStruct     uint32
	OffDtStrings    uint32
	OffMemRsvmap    uint32
	Version         uint32
	LastCompVersion uint32
	BootCpuidPhys   uint32
	SizeDtStrings   uint32
	SizeDtStruct    uint32
}

// Node is one device-tree node: a name, its own properties, and child
// nodes in document order (matching order matters for
// compatible-string loader priority, spec.md §4.6).
type Node struct {
	Name     string
	Props    map[string][]byte
	Children []*Node
}

// Tree is a parsed flattened device tree.
type Tree struct {
	Root *Node
}

// Parse decodes a flattened device tree blob. It checks the magic
// number, that the declared total size fits in blob, the last
// compatible version, and that the struct and strings blocks lie
// within the declared size; it does not attempt to interpret
// memory-reservation entries, which this kernel does not consult.
func Parse(blob []byte) (*Tree, errs.Err_t) {
	if len(blob) < 40 {
		return nil, errs.EINVAL
	}
	var h header
	h.Magic = util.Beu32(blob, 0)
	h.TotalSize = util.Beu32(blob, 4)
	h.OffDtStruct = util.Beu32(blob, 8)
	h.OffDtStrings = util.Beu32(blob, 12)
	h.OffMemRsvmap = util.Beu32(blob, 16)
	h.Version = util.Beu32(blob, 20)
	h.LastCompVersion = util.Beu32(blob, 24)
	h.BootCpuidPhys = util.Beu32(blob, 28)
	h.SizeDtStrings = util.Beu32(blob, 32)
	h.SizeDtStruct = util.Beu32(blob, 36)

	if h.Magic != magic {
		return nil, errs.EINVAL
	}
	if int(h.TotalSize) > len(blob) {
		return nil, errs.EINVAL
	}
	if h.LastCompVersion > 17 {
		return nil, errs.ENOSYS
	}

	structEnd := h.OffDtStruct + h.SizeDtStruct
	stringsEnd := h.OffDtStrings + h.SizeDtStrings
	if structEnd > h.TotalSize || stringsEnd > h.TotalSize {
		return nil, errs.EINVAL
	}

	p := &parser{
		strings: blob[h.OffDtStrings:stringsEnd],
		off:     int(h.OffDtStruct),
		end:     int(structEnd),
		blob:    blob,
	}
	root, err := p.parseNode()
	if err != 0 {
		return nil, err
	}
	return &Tree{Root: root}, 0
}

type parser struct {
	blob    []byte
	strings []byte
	off     int
	end     int
}

func (p *parser) u32() (uint32, errs.Err_t) {
	if p.off+4 > p.end {
		return 0, errs.EINVAL
	}
	v := util.Beu32(p.blob, p.off)
	p.off += 4
	return v, 0
}

func align4(n int) int { return (n + 3) &^ 3 }

func (p *parser) cstr() (string, errs.Err_t) {
	start := p.off
	i := start
	for i < p.end && p.blob[i] != 0 {
		i++
	}
	if i >= p.end {
		return "", errs.EINVAL
	}
	s := string(p.blob[start:i])
	p.off = align4(i + 1)
	return s, 0
}

func (p *parser) propName(nameoff uint32) (string, errs.Err_t) {
	if int(nameoff) >= len(p.strings) {
		return "", errs.EINVAL
	}
	rest := p.strings[nameoff:]
	end := 0
	for end < len(rest) && rest[end] != 0 {
		end++
	}
	return string(rest[:end]), 0
}

// parseNode expects p.off to sit at an FDT_BEGIN_NODE token, consumes
// it, and consumes through the matching FDT_END_NODE.
func (p *parser) parseNode() (*Node, errs.Err_t) {
	tok, err := p.u32()
	if err != 0 {
		return nil, err
	}
	if tok != tokenBeginNode {
		return nil, errs.EINVAL
	}
	name, err := p.cstr()
	if err != 0 {
		return nil, err
	}
	n := &Node{Name: name, Props: make(map[string][]byte)}

	for {
		tok, err := p.u32()
		if err != 0 {
			return nil, err
		}
		switch tok {
		case tokenNop:
			continue
		case tokenProp:
			length, err := p.u32()
			if err != 0 {
				return nil, err
			}
			nameoff, err := p.u32()
			if err != 0 {
				return nil, err
			}
			if p.off+int(length) > p.end {
				return nil, errs.EINVAL
			}
			val := p.blob[p.off : p.off+int(length)]
			p.off = align4(p.off + int(length))
			pname, err := p.propName(nameoff)
			if err != 0 {
				return nil, err
			}
			n.Props[pname] = val
		case tokenBeginNode:
			p.off -= 4 // let the recursive call re-consume the token
			child, err := p.parseNode()
			if err != 0 {
				return nil, err
			}
			n.Children = append(n.Children, child)
		case tokenEndNode:
			return n, 0
		case tokenEnd:
			return n, 0
		default:
			return nil, errs.EINVAL
		}
	}
}

// Compatible returns the node's "compatible" property split on NUL
// terminators, in priority order (spec.md §4.6: "try each loader"
// walks this list in order).
func (n *Node) Compatible() []string {
	raw, ok := n.Props["compatible"]
	if !ok {
		return nil
	}
	var out []string
	start := 0
	for i, b := range raw {
		if b == 0 {
			if i > start {
				out = append(out, string(raw[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

// RegEntry is one (address, size) pair from a "reg" property.
type RegEntry struct {
	Addr uint64
	Size uint64
}

// Reg decodes the node's "reg" property assuming #address-cells=2,
// #size-cells=2 (the only layout the RV64/Sv39 platform this kernel
// targets uses).
func (n *Node) Reg() []RegEntry {
	raw, ok := n.Props["reg"]
	if !ok || len(raw)%16 != 0 {
		return nil
	}
	out := make([]RegEntry, 0, len(raw)/16)
	for i := 0; i+16 <= len(raw); i += 16 {
		out = append(out, RegEntry{
			Addr: util.Beu64(raw, i),
			Size: util.Beu64(raw, i+8),
		})
	}
	return out
}

// Interrupts decodes the node's "interrupts" property as a list of
// 32-bit interrupt-specifier cells (one cell per entry on this
// platform's interrupt controller, which takes a bare IRQ number).
func (n *Node) Interrupts() []uint32 {
	raw, ok := n.Props["interrupts"]
	if !ok || len(raw)%4 != 0 {
		return nil
	}
	out := make([]uint32, len(raw)/4)
	for i := range out {
		out[i] = util.Beu32(raw, i*4)
	}
	return out
}

// InterruptParent returns the node's "interrupt-parent" phandle.
func (n *Node) InterruptParent() (uint32, bool) {
	raw, ok := n.Props["interrupt-parent"]
	if !ok || len(raw) != 4 {
		return 0, false
	}
	return util.Beu32(raw, 0), true
}

// Phandle returns the node's own "phandle" property.
func (n *Node) Phandle() (uint32, bool) {
	raw, ok := n.Props["phandle"]
	if !ok || len(raw) != 4 {
		return 0, false
	}
	return util.Beu32(raw, 0), true
}

// Walk calls fn for n and every descendant, depth-first, document
// order. fn returning false stops descent into that node's children.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// FindByPhandle returns the node carrying the given phandle, used to
// resolve an "interrupt-parent" reference to the IC node that
// declared it (spec.md §4.6).
func (t *Tree) FindByPhandle(ph uint32) *Node {
	var found *Node
	t.Root.Walk(func(n *Node) bool {
		if found != nil {
			return false
		}
		if v, ok := n.Phandle(); ok && v == ph {
			found = n
		}
		return found == nil
	})
	return found
}

// StdoutPath returns /chosen/stdout-path, the node path the console
// driver is selected from when more than one UART-compatible node is
// present.
func (t *Tree) StdoutPath() (string, bool) {
	for _, c := range t.Root.Children {
		if c.Name == "chosen" {
			raw, ok := c.Props["stdout-path"]
			if !ok {
				return "", false
			}
			s := string(raw)
			for i, b := range raw {
				if b == 0 {
					s = string(raw[:i])
					break
				}
			}
			return s, true
		}
	}
	return "", false
}

// TimebaseFrequency returns /cpus/timebase-frequency, the tick rate
// the timer driver programs its comparator against.
func (t *Tree) TimebaseFrequency() (uint64, bool) {
	for _, c := range t.Root.Children {
		if c.Name != "cpus" {
			continue
		}
		raw, ok := c.Props["timebase-frequency"]
		if !ok {
			return 0, false
		}
		switch len(raw) {
		case 4:
			return uint64(util.Beu32(raw, 0)), true
		case 8:
			return util.Beu64(raw, 0), true
		default:
			return 0, false
		}
	}
	return 0, false
}
