package lower

import (
	"testing"

	"github.com/tinyrange/jitlower/internal/ir"
)

func TestBlockStrategy(t *testing.T) {
	tests := []struct {
		tgt       string
		op        ir.Op
		size      int64 // 0 means a runtime size
		constFill bool
		want      BlockStrategy
	}{
		{"amd64-sysv", ir.OpInitBlk, 32, true, BlockUnroll},
		{"amd64-sysv", ir.OpInitBlk, 128, true, BlockUnroll},
		{"amd64-sysv", ir.OpInitBlk, 129, true, BlockHelper},
		{"amd64-sysv", ir.OpInitBlk, 48, false, BlockRepInstr},
		{"amd64-sysv", ir.OpInitBlk, 0, true, BlockHelper},
		{"amd64-sysv", ir.OpCopyBlk, 64, false, BlockUnroll},
		{"amd64-sysv", ir.OpCopyBlk, 65, false, BlockHelper},
		{"arm64", ir.OpInitBlk, 64, true, BlockUnroll},
		{"arm64", ir.OpInitBlk, 16, false, BlockHelper},
		{"arm64", ir.OpCopyBlk, 96, false, BlockHelper},
	}
	for _, tt := range tests {
		m := ir.NewMethod("blk")
		buf := m.AddLocal(ir.Local{Name: "buf", Type: ir.TypeStruct, Size: 256})
		src := m.AddLocal(ir.Local{Name: "src", Type: ir.TypeByRef, Tracked: true})
		v := m.AddLocal(ir.Local{Name: "v", Type: ir.TypeInt, Tracked: true})

		var size *ir.Node
		if tt.size == 0 {
			size = m.LclVar(v)
		} else {
			size = m.IntCon(ir.TypeInt, tt.size)
		}
		var n *ir.Node
		if tt.op == ir.OpInitBlk {
			fill := m.LclVar(v)
			if tt.constFill {
				fill = m.IntCon(ir.TypeInt, 0xab)
			}
			n = m.InitBlk(m.LclVarAddr(buf), fill, size)
		} else {
			n = m.CopyBlk(m.LclVarAddr(buf), m.LclVar(src), size)
		}
		m.AppendTree(n)
		l := run(t, tt.tgt, m)
		if got := l.Block(n); got != tt.want {
			t.Fatalf("%s %s size=%d: Block()=%s, want %s", tt.tgt, tt.op, tt.size, got, tt.want)
		}
		if got := l.IsContained(size); got != (tt.want == BlockUnroll) {
			t.Fatalf("%s %s size=%d: size contained=%v", tt.tgt, tt.op, tt.size, got)
		}
	}
}

func TestInitBlkFillReplicated(t *testing.T) {
	tests := []struct {
		size int64
		want int64
	}{
		{16, 0x0101010101010101 * 0x5a},
		{4, 0x5a5a5a5a},
	}
	for _, tt := range tests {
		m := ir.NewMethod("fill")
		buf := m.AddLocal(ir.Local{Name: "buf", Type: ir.TypeStruct, Size: 16})
		fill := m.IntCon(ir.TypeInt, 0x15a)
		m.AppendTree(m.InitBlk(m.LclVarAddr(buf), fill, m.IntCon(ir.TypeInt, tt.size)))
		run(t, "amd64-sysv", m)
		if fill.IntVal != tt.want || fill.Type != ir.TypeLong {
			t.Fatalf("size %d: fill=%#x type=%s, want %#x", tt.size, fill.IntVal, fill.Type, tt.want)
		}
	}
}

func TestCopyObjRepMovsq(t *testing.T) {
	none, ref := ir.GCNone, ir.GCRef
	tests := []struct {
		name   string
		stack  bool
		layout []ir.GCKind
		want   bool
	}{
		{"heap-long-run", false, []ir.GCKind{ref, none, none, none, none, ref}, true},
		{"heap-short-runs", false, []ir.GCKind{none, ref, none, none, ref, none}, false},
		{"stack-any", true, []ir.GCKind{ref, none, ref, none}, true},
		{"stack-small", true, []ir.GCKind{ref, none}, false},
	}
	for _, tt := range tests {
		m := ir.NewMethod("cpobj")
		dstLcl := m.AddLocal(ir.Local{Name: "d", Type: ir.TypeStruct, Size: 8 * len(tt.layout)})
		p := m.AddLocal(ir.Local{Name: "p", Type: ir.TypeByRef, Tracked: true})
		q := m.AddLocal(ir.Local{Name: "q", Type: ir.TypeByRef, Tracked: true})
		dst := m.LclVar(p)
		if tt.stack {
			dst = m.LclVarAddr(dstLcl)
		}
		cls := m.Handle(0x7000)
		n := m.CopyObj(dst, m.LclVar(q), cls, tt.layout)
		m.AppendTree(n)
		l := run(t, "amd64-sysv", m)
		if l.Block(n) != BlockGCCopy {
			t.Fatalf("%s: Block()=%s", tt.name, l.Block(n))
		}
		if got := l.UsesRepMovsq(n); got != tt.want {
			t.Fatalf("%s: UsesRepMovsq()=%v, want %v", tt.name, got, tt.want)
		}
		if !l.IsContained(cls) {
			t.Fatalf("%s: class handle not contained", tt.name)
		}
	}
}
