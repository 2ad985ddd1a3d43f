package devicetree

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// fdtBuilder assembles a minimal flattened device tree blob for
// tests, mirroring the structure block format Parse consumes.
type fdtBuilder struct {
	structBlock bytes.Buffer
	strings     bytes.Buffer
	stringOff   map[string]uint32
}

func newFdtBuilder() *fdtBuilder {
	return &fdtBuilder{stringOff: make(map[string]uint32)}
}

func (b *fdtBuilder) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.structBlock.Write(tmp[:])
}

func (b *fdtBuilder) cstr(s string) {
	b.structBlock.WriteString(s)
	b.structBlock.WriteByte(0)
	for b.structBlock.Len()%4 != 0 {
		b.structBlock.WriteByte(0)
	}
}

func (b *fdtBuilder) beginNode(name string) {
	b.u32(tokenBeginNode)
	b.cstr(name)
}

func (b *fdtBuilder) endNode() {
	b.u32(tokenEndNode)
}

func (b *fdtBuilder) nameOffset(name string) uint32 {
	if off, ok := b.stringOff[name]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.strings.WriteString(name)
	b.strings.WriteByte(0)
	b.stringOff[name] = off
	return off
}

func (b *fdtBuilder) prop(name string, val []byte) {
	b.u32(tokenProp)
	b.u32(uint32(len(val)))
	b.u32(b.nameOffset(name))
	b.structBlock.Write(val)
	for b.structBlock.Len()%4 != 0 {
		b.structBlock.WriteByte(0)
	}
}

func be32(v uint32) []byte {
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], v)
	return out[:]
}

func be64(v uint64) []byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], v)
	return out[:]
}

func (b *fdtBuilder) finish() []byte {
	b.u32(tokenEnd)

	const headerSize = 40
	structOff := uint32(headerSize)
	structSize := uint32(b.structBlock.Len())
	stringsOff := structOff + structSize
	stringsSize := uint32(b.strings.Len())
	total := stringsOff + stringsSize

	var out bytes.Buffer
	hdr := func(v uint32) { var tmp [4]byte; binary.BigEndian.PutUint32(tmp[:], v); out.Write(tmp[:]) }
	hdr(magic)
	hdr(total)
	hdr(structOff)
	hdr(stringsOff)
	hdr(headerSize) // off_mem_rsvmap, unused but must be in range
	hdr(17)         // version
	hdr(16)         // last_comp_version
	hdr(0)          // boot_cpuid_phys
	hdr(stringsSize)
	hdr(structSize)
	out.Write(b.structBlock.Bytes())
	out.Write(b.strings.Bytes())
	return out.Bytes()
}

func buildSampleTree() []byte {
	b := newFdtBuilder()
	b.beginNode("")
	{
		b.beginNode("cpus")
		b.prop("timebase-frequency", be32(10000000))
		b.endNode()

		b.beginNode("chosen")
		b.prop("stdout-path", []byte("/soc/uart@10000000\x00"))
		b.endNode()

		b.beginNode("soc")
		{
			b.beginNode("plic@c000000")
			b.prop("phandle", be32(1))
			b.endNode()

			b.beginNode("uart@10000000")
			b.prop("compatible", []byte("ns16550a\x00"))
			reg := append(append([]byte{}, be64(0x10000000)...), be64(0x100)...)
			b.prop("reg", reg)
			b.prop("interrupts", be32(10))
			b.prop("interrupt-parent", be32(1))
			b.endNode()
		}
		b.endNode()
	}
	b.endNode()
	return b.finish()
}

func TestParseRejectsBadMagic(t *testing.T) {
	blob := buildSampleTree()
	blob[0] ^= 0xff
	if _, err := Parse(blob); err == 0 {
		t.Fatalf("expected a bad-magic blob to be rejected")
	}
}

func TestParseRejectsTruncated(t *testing.T) {
	blob := buildSampleTree()
	if _, err := Parse(blob[:20]); err == 0 {
		t.Fatalf("expected a truncated blob to be rejected")
	}
}

func TestParseWalksNodes(t *testing.T) {
	tree, err := Parse(buildSampleTree())
	if err != 0 {
		t.Fatalf("Parse: %v", err)
	}

	var names []string
	tree.Root.Walk(func(n *Node) bool {
		names = append(names, n.Name)
		return true
	})
	want := []string{"", "cpus", "chosen", "soc", "plic@c000000", "uart@10000000"}
	if len(names) != len(want) {
		t.Fatalf("expected %d nodes, got %v", len(want), names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("node %d: got %q, want %q", i, names[i], want[i])
		}
	}
}

func TestStdoutPath(t *testing.T) {
	tree, err := Parse(buildSampleTree())
	if err != 0 {
		t.Fatalf("Parse: %v", err)
	}
	path, ok := tree.StdoutPath()
	if !ok || path != "/soc/uart@10000000" {
		t.Fatalf("got (%q, %v), want (/soc/uart@10000000, true)", path, ok)
	}
}

func TestTimebaseFrequency(t *testing.T) {
	tree, err := Parse(buildSampleTree())
	if err != 0 {
		t.Fatalf("Parse: %v", err)
	}
	hz, ok := tree.TimebaseFrequency()
	if !ok || hz != 10000000 {
		t.Fatalf("got (%d, %v), want (10000000, true)", hz, ok)
	}
}

func TestUartNodeProperties(t *testing.T) {
	tree, err := Parse(buildSampleTree())
	if err != 0 {
		t.Fatalf("Parse: %v", err)
	}
	var uart *Node
	tree.Root.Walk(func(n *Node) bool {
		if n.Name == "uart@10000000" {
			uart = n
		}
		return uart == nil
	})
	if uart == nil {
		t.Fatalf("uart node not found")
	}

	compat := uart.Compatible()
	if len(compat) != 1 || compat[0] != "ns16550a" {
		t.Fatalf("unexpected compatible list: %v", compat)
	}

	reg := uart.Reg()
	if len(reg) != 1 || reg[0].Addr != 0x10000000 || reg[0].Size != 0x100 {
		t.Fatalf("unexpected reg: %+v", reg)
	}

	irqs := uart.Interrupts()
	if len(irqs) != 1 || irqs[0] != 10 {
		t.Fatalf("unexpected interrupts: %v", irqs)
	}

	parent, ok := uart.InterruptParent()
	if !ok || parent != 1 {
		t.Fatalf("got (%d, %v), want (1, true)", parent, ok)
	}
}

func TestFindByPhandle(t *testing.T) {
	tree, err := Parse(buildSampleTree())
	if err != 0 {
		t.Fatalf("Parse: %v", err)
	}
	plic := tree.FindByPhandle(1)
	if plic == nil || plic.Name != "plic@c000000" {
		t.Fatalf("expected to resolve phandle 1 to the plic node, got %v", plic)
	}
	if tree.FindByPhandle(99) != nil {
		t.Fatalf("expected an unknown phandle to resolve to nil")
	}
}
