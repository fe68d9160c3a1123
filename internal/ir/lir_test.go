package ir

import (
	"strings"
	"testing"
)

func TestTypePredicates(t *testing.T) {
	tests := []struct {
		typ      Type
		size     int
		small    bool
		floating bool
		class    RegClass
		actual   Type
	}{
		{TypeBool, 1, true, false, RegClassInt, TypeInt},
		{TypeUShort, 2, true, false, RegClassInt, TypeInt},
		{TypeInt, 4, false, false, RegClassInt, TypeInt},
		{TypeULong, 8, false, false, RegClassInt, TypeLong},
		{TypeDouble, 8, false, true, RegClassFloat, TypeDouble},
		{TypeSIMD16, 16, false, false, RegClassFloat, TypeSIMD16},
		{TypeRef, 8, false, false, RegClassInt, TypeRef},
		{TypeStruct, 0, false, false, RegClassNone, TypeStruct},
	}
	for _, tt := range tests {
		if got := tt.typ.Size(); got != tt.size {
			t.Fatalf("%s.Size()=%d, want %d", tt.typ, got, tt.size)
		}
		if got := tt.typ.IsSmallInt(); got != tt.small {
			t.Fatalf("%s.IsSmallInt()=%v, want %v", tt.typ, got, tt.small)
		}
		if got := tt.typ.IsFloating(); got != tt.floating {
			t.Fatalf("%s.IsFloating()=%v, want %v", tt.typ, got, tt.floating)
		}
		if got := tt.typ.RegClass(); got != tt.class {
			t.Fatalf("%s.RegClass()=%v, want %v", tt.typ, got, tt.class)
		}
		if got := tt.typ.ActualType(); got != tt.actual {
			t.Fatalf("%s.ActualType()=%v, want %v", tt.typ, got, tt.actual)
		}
		parsed, err := ParseType(tt.typ.String())
		if err != nil || parsed != tt.typ {
			t.Fatalf("ParseType(%q)=%v, %v", tt.typ.String(), parsed, err)
		}
	}
	if _, err := ParseType("quad"); err == nil {
		t.Fatalf("ParseType(quad) succeeded")
	}
}

func TestAppendTreeHonoursReverseOps(t *testing.T) {
	m := NewMethod("rev")
	a := m.AddLocal(Local{Name: "a", Type: TypeInt, Tracked: true})
	b := m.AddLocal(Local{Name: "b", Type: TypeInt, Tracked: true})

	x, y := m.LclVar(a), m.LclVar(b)
	sub := m.Binary(OpSub, TypeInt, x, y)
	sub.Flags |= FlagReverseOps
	m.AppendTree(m.Return(sub))

	nodes := m.Nodes()
	if len(nodes) != 4 {
		t.Fatalf("len(Nodes())=%d, want 4", len(nodes))
	}
	if nodes[0] != y || nodes[1] != x || nodes[2] != sub {
		t.Fatalf("order = %v %v %v, want y x sub", nodes[0], nodes[1], nodes[2])
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate(): %v", err)
	}
	if !Precedes(y, x) || Precedes(sub, x) {
		t.Fatalf("Precedes disagrees with list order")
	}
}

func TestRemoveAndReplace(t *testing.T) {
	m := NewMethod("rm")
	v := m.AddLocal(Local{Name: "v", Type: TypeLong})
	c1 := m.IntCon(TypeLong, 1)
	add := m.Binary(OpAdd, TypeLong, m.LclVar(v), c1)
	m.AppendTree(m.StoreLclVar(v, add))

	c2 := m.IntCon(TypeLong, 2)
	m.InsertBefore(c1, c2)
	if err := m.ReplaceOperand(c1, c2); err != nil {
		t.Fatalf("ReplaceOperand(): %v", err)
	}
	m.Remove(c1)

	if add.Op2() != c2 || c2.User() != add {
		t.Fatalf("operand not replaced: %v", add)
	}
	if m.NodeByID(c1.ID) != nil {
		t.Fatalf("removed node still registered")
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate(): %v", err)
	}
	if !strings.Contains(m.Dump(), "cns_int.long 2") {
		t.Fatalf("Dump() missing replacement:\n%s", m.Dump())
	}
}

func TestValidateRejectsLateOperand(t *testing.T) {
	m := NewMethod("bad")
	c := m.IntCon(TypeInt, 3)
	neg := m.Unary(OpNeg, TypeInt, c)
	m.Append(neg)
	m.Append(c)
	if err := m.Validate(); err == nil {
		t.Fatalf("Validate() accepted an operand evaluated after its user")
	}
}

func TestLayoutFrame(t *testing.T) {
	m := NewMethod("frame")
	m.AddLocal(Local{Name: "b", Type: TypeByte})
	m.AddLocal(Local{Name: "l", Type: TypeLong})
	m.AddLocal(Local{Name: "v", Type: TypeSIMD16})
	size := m.LayoutFrame()

	if got := m.Locals[0].FrameOffset; got != 0 {
		t.Fatalf("byte offset=%d, want 0", got)
	}
	if got := m.Locals[1].FrameOffset; got != 8 {
		t.Fatalf("long offset=%d, want 8", got)
	}
	if got := m.Locals[2].FrameOffset; got != 16 {
		t.Fatalf("simd offset=%d, want 16", got)
	}
	if size != 32 {
		t.Fatalf("frame size=%d, want 32", size)
	}
}

func TestEffectInterference(t *testing.T) {
	m := NewMethod("eff")
	v := m.AddLocal(Local{Name: "v", Type: TypeInt, Tracked: true})
	w := m.AddLocal(Local{Name: "w", Type: TypeInt, Tracked: true})
	p := m.AddLocal(Local{Name: "p", Type: TypeLong, Tracked: true})

	load := m.Ind(TypeInt, m.LclVar(p))
	call := m.CallNode(TypeVoid, &CallInfo{Target: "f"})
	store := m.StoreInd(TypeInt, m.LclVar(p), m.IntCon(TypeInt, 0))
	defV := m.StoreLclVar(v, m.IntCon(TypeInt, 1))
	readV := m.LclVar(v)
	readW := m.LclVar(w)
	cns := m.IntCon(TypeInt, 9)

	tests := []struct {
		name string
		a, b *Node
		want bool
	}{
		{"load vs call", load, call, true},
		{"load vs store", load, store, true},
		{"load vs load", load, m.Ind(TypeInt, m.LclVar(p)), true},
		{"local write vs read", defV, readV, true},
		{"local write vs other local", defV, readW, false},
		{"const vs call", cns, call, false},
		{"read vs read", readV, readV, false},
	}
	for _, tt := range tests {
		got := m.NodeEffects(tt.a).InterferesWith(m.NodeEffects(tt.b))
		if got != tt.want {
			t.Fatalf("%s: InterferesWith()=%v, want %v", tt.name, got, tt.want)
		}
	}

	nf := m.Ind(TypeInt, m.LclVar(p))
	nf.Flags |= FlagNonFaulting
	if m.NodeEffects(nf).Has(EffThrows) {
		t.Fatalf("non-faulting indirection reports a throw")
	}
	if !m.TreeEffects(store).Has(EffWritesMemory) {
		t.Fatalf("TreeEffects(store) lacks memory write")
	}
}

func TestRangeInterferes(t *testing.T) {
	m := NewMethod("range")
	p := m.AddLocal(Local{Name: "p", Type: TypeLong, Tracked: true})
	load := m.Ind(TypeInt, m.LclVar(p))
	m.AppendTree(load)
	cns := m.IntCon(TypeInt, 1)
	m.AppendTree(cns)
	add := m.Binary(OpAdd, TypeInt, load, cns)
	m.Append(add)

	if m.RangeInterferes(load, add, m.NodeEffects(load)) {
		t.Fatalf("constant between load and add reported as interfering")
	}

	call := m.CallNode(TypeVoid, &CallInfo{Target: "g"})
	m.InsertAfter(load, call)
	if !m.RangeInterferes(load, add, m.NodeEffects(load)) {
		t.Fatalf("call between load and add not reported")
	}
}
