package lower

import (
	"math"
	"testing"

	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/target"
)

func mustTarget(t *testing.T, name string) *target.Target {
	t.Helper()
	tgt, err := target.Lookup(name)
	if err != nil {
		t.Fatalf("Lookup(%q): %v", name, err)
	}
	return tgt
}

func run(t *testing.T, tgtName string, m *ir.Method) *Lowering {
	t.Helper()
	l := New(mustTarget(t, tgtName), m, nil)
	if err := l.Run(); err != nil {
		t.Fatalf("Run(): %v", err)
	}
	return l
}

// addWithConst builds "return a + c" on longs.
func addWithConst(c int64) (*ir.Method, *ir.Node) {
	m := ir.NewMethod("addc")
	a := m.AddLocal(ir.Local{Name: "a", Type: ir.TypeLong, Tracked: true, Weight: 1})
	cns := m.IntCon(ir.TypeLong, c)
	m.AppendTree(m.Return(m.Binary(ir.OpAdd, ir.TypeLong, m.LclVar(a), cns)))
	return m, cns
}

func TestAddImmediateContainment(t *testing.T) {
	tests := []struct {
		v    int64
		want bool
	}{
		{100, true},
		{1 << 40, false},
		{math.MaxInt32, true},
		{math.MaxInt32 + 1, false},
		{math.MinInt32, true},
		{math.MinInt32 - 1, false},
		{-1, true},
	}
	for _, tt := range tests {
		m, cns := addWithConst(tt.v)
		l := run(t, "amd64-sysv", m)
		if got := l.IsContained(cns); got != tt.want {
			t.Fatalf("IsContained(%d)=%v, want %v", tt.v, got, tt.want)
		}
	}
}

func TestRelocatableConstantNotContained(t *testing.T) {
	m := ir.NewMethod("reloc")
	a := m.AddLocal(ir.Local{Name: "a", Type: ir.TypeLong, Tracked: true})
	h := m.Handle(0x1000)
	m.AppendTree(m.Return(m.Binary(ir.OpAdd, ir.TypeLong, m.LclVar(a), h)))
	l := run(t, "amd64-sysv", m)
	if l.IsContained(h) {
		t.Fatalf("relocatable handle was contained")
	}
}

func TestArm64Immediates(t *testing.T) {
	tests := []struct {
		op   ir.Op
		v    int64
		want bool
	}{
		{ir.OpAdd, 4095, true},
		{ir.OpAdd, 4096, true},
		{ir.OpAdd, 4097, false},
		{ir.OpSub, -16, true},
		{ir.OpAnd, 0xff, true},
		{ir.OpAnd, 0xf0f, false},
		{ir.OpMul, 2, false},
	}
	for _, tt := range tests {
		m := ir.NewMethod("arm")
		a := m.AddLocal(ir.Local{Name: "a", Type: ir.TypeLong, Tracked: true})
		cns := m.IntCon(ir.TypeLong, tt.v)
		m.AppendTree(m.Return(m.Binary(tt.op, ir.TypeLong, m.LclVar(a), cns)))
		l := run(t, "arm64", m)
		if got := l.IsContained(cns); got != tt.want {
			t.Fatalf("%s %d: IsContained()=%v, want %v", tt.op, tt.v, got, tt.want)
		}
	}
}

// rmwMethod builds "*(p+8) = *(p+8) + rhs" where rhs is produced by mk.
func rmwMethod(mk func(m *ir.Method) *ir.Node) (*ir.Method, *ir.Node, *ir.Node, *ir.Node) {
	m := ir.NewMethod("rmw")
	p := m.AddLocal(ir.Local{Name: "p", Type: ir.TypeByRef, Tracked: true})
	load := m.Ind(ir.TypeInt, m.Binary(ir.OpAdd, ir.TypeByRef, m.LclVar(p), m.IntCon(ir.TypeLong, 8)))
	add := m.Binary(ir.OpAdd, ir.TypeInt, load, mk(m))
	store := m.StoreInd(ir.TypeInt, m.Binary(ir.OpAdd, ir.TypeByRef, m.LclVar(p), m.IntCon(ir.TypeLong, 8)), add)
	m.AppendTree(store)
	m.AppendTree(m.Return(nil))
	return m, store, load, add
}

func TestRMWMatch(t *testing.T) {
	var five *ir.Node
	m, store, load, add := rmwMethod(func(m *ir.Method) *ir.Node {
		five = m.IntCon(ir.TypeInt, 5)
		return five
	})
	l := run(t, "amd64-sysv", m)

	r := l.RMW(store)
	if r.Status != RMWDstIsOp1 {
		t.Fatalf("Status=%s, want %s", r.Status, RMWDstIsOp1)
	}
	if r.Indir != load || r.Oper != add || r.Source != five {
		t.Fatalf("RMW parts = %v %v %v", r.Indir, r.Oper, r.Source)
	}
	for _, n := range []*ir.Node{load, add, five, load.Addr()} {
		if !l.IsContained(n) {
			t.Fatalf("%v not contained", n)
		}
	}
	if !l.IsRMWStore(store) {
		t.Fatalf("IsRMWStore()=false")
	}
	if again := l.DetectRMW(store); again != r {
		t.Fatalf("DetectRMW not memoized: %+v vs %+v", again, r)
	}
}

func TestRMWCommutativeOperand(t *testing.T) {
	m := ir.NewMethod("rmw2")
	p := m.AddLocal(ir.Local{Name: "p", Type: ir.TypeByRef, Tracked: true})
	x := m.AddLocal(ir.Local{Name: "x", Type: ir.TypeInt, Tracked: true})
	load := m.Ind(ir.TypeInt, m.LclVar(p))
	or := m.Binary(ir.OpOr, ir.TypeInt, m.LclVar(x), load)
	store := m.StoreInd(ir.TypeInt, m.LclVar(p), or)
	m.AppendTree(store)
	l := run(t, "amd64-sysv", m)
	if r := l.RMW(store); r.Status != RMWDstIsOp2 {
		t.Fatalf("Status=%s, want %s", r.Status, RMWDstIsOp2)
	}
}

func TestRMWRejectedAcrossCall(t *testing.T) {
	m, store, load, _ := rmwMethod(func(m *ir.Method) *ir.Node {
		return m.CallNode(ir.TypeInt, &ir.CallInfo{Target: "side_effect"})
	})
	l := run(t, "amd64-sysv", m)
	r := l.RMW(store)
	if r.Status.IsRMW() {
		t.Fatalf("Status=%s, want a failure", r.Status)
	}
	if l.IsContained(load) {
		t.Fatalf("load contained although the store is not RMW")
	}
}

func TestRMWUnsupportedType(t *testing.T) {
	m := ir.NewMethod("rmw3")
	p := m.AddLocal(ir.Local{Name: "p", Type: ir.TypeByRef, Tracked: true})
	load := m.Ind(ir.TypeUByte, m.LclVar(p))
	shl := m.Binary(ir.OpLsh, ir.TypeInt, load, m.IntCon(ir.TypeInt, 1))
	store := m.StoreInd(ir.TypeUByte, m.LclVar(p), shl)
	m.AppendTree(store)
	l := run(t, "amd64-sysv", m)
	if r := l.RMW(store); r.Status != RMWUnsupportedType {
		t.Fatalf("Status=%s, want %s", r.Status, RMWUnsupportedType)
	}
}

func TestRMWNeverOnArm64(t *testing.T) {
	m, store, _, _ := rmwMethod(func(m *ir.Method) *ir.Node { return m.IntCon(ir.TypeInt, 5) })
	l := run(t, "arm64", m)
	if l.RMW(store).Status.IsRMW() {
		t.Fatalf("arm64 matched a read-modify-write store")
	}
}

func TestAddressModeCreation(t *testing.T) {
	tests := []struct {
		tgt       string
		typ       ir.Type
		wantLea   bool
		wantScale uint8
		wantTemp  bool
	}{
		{"amd64-sysv", ir.TypeInt, true, 8, false},
		{"arm64", ir.TypeLong, true, 8, true},
		{"arm64", ir.TypeInt, false, 0, false},
	}
	for _, tt := range tests {
		m := ir.NewMethod("addr")
		base := m.AddLocal(ir.Local{Name: "base", Type: ir.TypeByRef, Tracked: true})
		idx := m.AddLocal(ir.Local{Name: "i", Type: ir.TypeLong, Tracked: true})
		scaled := m.Binary(ir.OpLsh, ir.TypeLong, m.LclVar(idx), m.IntCon(ir.TypeInt, 3))
		sum := m.Binary(ir.OpAdd, ir.TypeByRef, m.LclVar(base), scaled)
		addr := m.Binary(ir.OpAdd, ir.TypeByRef, sum, m.IntCon(ir.TypeLong, 16))
		load := m.Ind(tt.typ, addr)
		m.AppendTree(m.Return(load))
		l := run(t, tt.tgt, m)

		lea := load.Addr()
		if (lea.Op == ir.OpLea) != tt.wantLea {
			t.Fatalf("%s/%s: address op=%s", tt.tgt, tt.typ, lea.Op)
		}
		if !tt.wantLea {
			continue
		}
		if lea.Scale != tt.wantScale || lea.Offset != 16 {
			t.Fatalf("%s: lea scale=%d offset=%d", tt.tgt, lea.Scale, lea.Offset)
		}
		if lea.Base() == nil || lea.Base().Lcl != base || lea.Index() == nil || lea.Index().Lcl != idx {
			t.Fatalf("%s: lea operands %v %v", tt.tgt, lea.Base(), lea.Index())
		}
		if !l.IsContained(lea) {
			t.Fatalf("%s: lea not contained", tt.tgt)
		}
		if got := l.NeedsAddrTemp(load); got != tt.wantTemp {
			t.Fatalf("%s: NeedsAddrTemp()=%v, want %v", tt.tgt, got, tt.wantTemp)
		}
		if addr.Linked() || scaled.Linked() {
			t.Fatalf("%s: folded nodes still linked", tt.tgt)
		}
	}
}

func TestAddressModeSkipsRedefinedBase(t *testing.T) {
	m := ir.NewMethod("redef")
	p := m.AddLocal(ir.Local{Name: "p", Type: ir.TypeByRef, Tracked: true})
	addr := m.Binary(ir.OpAdd, ir.TypeByRef, m.LclVar(p), m.IntCon(ir.TypeLong, 8))
	// p is overwritten between the read of the base and the indirection.
	comma := m.StoreLclVar(p, m.IntCon(ir.TypeLong, 0))
	m.AppendTree(addr)
	m.AppendTree(comma)
	load := m.Ind(ir.TypeLong, addr)
	m.Append(load)
	m.AppendTree(m.Return(load))
	l := New(mustTarget(t, "amd64-sysv"), m, nil)
	if l.TryCreateAddrMode(load, addr) {
		t.Fatalf("address mode formed across a redefinition of its base")
	}
}

func TestRegOptionalPrefersLighterLocal(t *testing.T) {
	m := ir.NewMethod("regopt")
	a := m.AddLocal(ir.Local{Name: "a", Type: ir.TypeInt, Tracked: true, Weight: 8})
	b := m.AddLocal(ir.Local{Name: "b", Type: ir.TypeInt, Tracked: true, Weight: 2})
	x, y := m.LclVar(a), m.LclVar(b)
	m.AppendTree(m.Return(m.Binary(ir.OpAdd, ir.TypeInt, x, y)))
	l := run(t, "amd64-sysv", m)
	if l.IsRegOptional(x) || !l.IsRegOptional(y) {
		t.Fatalf("reg-optional a=%v b=%v, want only b", l.IsRegOptional(x), l.IsRegOptional(y))
	}
}

func TestMemoryOperandContainment(t *testing.T) {
	m := ir.NewMethod("mem")
	a := m.AddLocal(ir.Local{Name: "a", Type: ir.TypeLong, Tracked: true})
	s := m.AddLocal(ir.Local{Name: "s", Type: ir.TypeLong, DoNotEnregister: true})
	mem := m.LclVar(s)
	m.AppendTree(m.Return(m.Binary(ir.OpSub, ir.TypeLong, m.LclVar(a), mem)))
	l := run(t, "amd64-sysv", m)
	if !l.IsContained(mem) {
		t.Fatalf("stack local not contained as memory operand")
	}

	// An address-exposed local read before a call cannot move past it.
	m = ir.NewMethod("mem2")
	e := m.AddLocal(ir.Local{Name: "e", Type: ir.TypeLong, AddressExposed: true})
	mem = m.LclVar(e)
	call := m.CallNode(ir.TypeLong, &ir.CallInfo{Target: "f"})
	m.AppendTree(m.Return(m.Binary(ir.OpAdd, ir.TypeLong, mem, call)))
	l = run(t, "amd64-sysv", m)
	if l.IsContained(mem) {
		t.Fatalf("exposed local contained across a call")
	}

	// Size mismatch.
	m = ir.NewMethod("mem3")
	i := m.AddLocal(ir.Local{Name: "i", Type: ir.TypeInt, DoNotEnregister: true})
	mem = m.LclVar(i)
	m.AppendTree(m.Return(m.Binary(ir.OpAdd, ir.TypeLong, m.LclVar(a), m.Cast(ir.TypeLong, mem))))
	l = run(t, "amd64-sysv", m)
	if !l.IsContained(mem) {
		t.Fatalf("int local not contained into its widening cast")
	}
}

func TestMulByLEAConstant(t *testing.T) {
	for _, c := range []int64{3, 5, 9, 7} {
		m := ir.NewMethod("mul")
		a := m.AddLocal(ir.Local{Name: "a", Type: ir.TypeLong, Tracked: true})
		mul := m.Binary(ir.OpMul, ir.TypeLong, m.LclVar(a), m.IntCon(ir.TypeLong, c))
		m.AppendTree(m.Return(mul))
		l := run(t, "amd64-sysv", m)
		want := c != 7
		if got := l.IsMulLEA(mul); got != want {
			t.Fatalf("IsMulLEA(x*%d)=%v, want %v", c, got, want)
		}
	}
}

func TestCompareContainedInBranch(t *testing.T) {
	m := ir.NewMethod("br")
	a := m.AddLocal(ir.Local{Name: "a", Type: ir.TypeInt, Tracked: true})
	ten := m.IntCon(ir.TypeInt, 10)
	cmp := m.Compare(ir.OpLT, m.LclVar(a), ten)
	lbl := m.NewLabel()
	m.AppendTree(m.JTrue(cmp, lbl))
	m.AppendTree(m.Return(nil))
	m.AppendTree(m.LabelNode(lbl))
	for _, name := range []string{"amd64-sysv", "arm64"} {
		l := run(t, name, m)
		if !l.IsContained(cmp) || !l.IsContained(ten) {
			t.Fatalf("%s: compare=%v imm=%v", name, l.IsContained(cmp), l.IsContained(ten))
		}
	}
}

func TestWidenedLocalStore(t *testing.T) {
	m := ir.NewMethod("narrow")
	b := m.AddLocal(ir.Local{Name: "b", Type: ir.TypeUByte, Tracked: true})
	f := m.AddLocal(ir.Local{Name: "f", Type: ir.TypeUByte, StructField: true})
	c := m.IntCon(ir.TypeInt, 300)
	st := m.StoreLclVar(b, c)
	m.AppendTree(st)
	st2 := m.StoreLclVar(f, m.IntCon(ir.TypeInt, 1))
	m.AppendTree(st2)
	l := run(t, "amd64-sysv", m)
	if !l.IsWidenedStore(st) || c.IntVal != 44 || c.Type != ir.TypeInt {
		t.Fatalf("widened=%v value=%d type=%s", l.IsWidenedStore(st), c.IntVal, c.Type)
	}
	if l.IsWidenedStore(st2) {
		t.Fatalf("struct field store widened")
	}
}

func TestShiftCountMasked(t *testing.T) {
	m := ir.NewMethod("shift")
	a := m.AddLocal(ir.Local{Name: "a", Type: ir.TypeInt, Tracked: true})
	cnt := m.IntCon(ir.TypeInt, 33)
	m.AppendTree(m.Return(m.Binary(ir.OpLsh, ir.TypeInt, m.LclVar(a), cnt)))
	l := run(t, "arm64", m)
	if cnt.IntVal != 1 || !l.IsContained(cnt) {
		t.Fatalf("count=%d contained=%v", cnt.IntVal, l.IsContained(cnt))
	}
}

func TestCallArgumentPlacement(t *testing.T) {
	tests := []struct {
		tgt       string
		nargs     int
		wantStack []int32
	}{
		{"amd64-sysv", 8, []int32{0, 8}},
		{"amd64-windows", 6, []int32{32, 40}},
		{"arm64", 9, []int32{0}},
	}
	for _, tt := range tests {
		m := ir.NewMethod("call")
		var args []*ir.Node
		for i := 0; i < tt.nargs; i++ {
			args = append(args, m.PutArgReg(i, m.IntCon(ir.TypeLong, int64(i))))
		}
		call := m.CallNode(ir.TypeVoid, &ir.CallInfo{Target: "callee"}, args...)
		m.AppendTree(call)
		l := run(t, tt.tgt, m)

		var got []int32
		for _, a := range args {
			loc, ok := l.ArgLoc(a)
			if !ok {
				t.Fatalf("%s: arg %d has no location", tt.tgt, a.ArgNum)
			}
			if loc.OnStack {
				if a.Op != ir.OpPutArgStk || a.Offset != loc.StackOffset {
					t.Fatalf("%s: arg %d op=%s offset=%d", tt.tgt, a.ArgNum, a.Op, a.Offset)
				}
				got = append(got, loc.StackOffset)
			} else if a.Op != ir.OpPutArgReg {
				t.Fatalf("%s: register arg %d is %s", tt.tgt, a.ArgNum, a.Op)
			}
		}
		if len(got) != len(tt.wantStack) {
			t.Fatalf("%s: stack args %v, want %v", tt.tgt, got, tt.wantStack)
		}
		for i := range got {
			if got[i] != tt.wantStack[i] {
				t.Fatalf("%s: stack args %v, want %v", tt.tgt, got, tt.wantStack)
			}
		}
	}
}

func TestGetItemConstantIndexRange(t *testing.T) {
	tests := []struct {
		idx   int64
		flags ir.Flags
		ok    bool
	}{
		{3, 0, true},
		{4, 0, false},
		{-1, 0, false},
		{4, ir.FlagRangeChecked, true},
	}
	for _, name := range []string{"amd64-sysv", "arm64"} {
		for _, tt := range tests {
			m := ir.NewMethod("getitem")
			v := m.AddLocal(ir.Local{Name: "v", Type: ir.TypeSIMD16})
			get := m.SIMDNode(ir.SIMDGetItem, ir.TypeInt, ir.TypeInt, 16, m.LclVar(v), m.IntCon(ir.TypeInt, tt.idx))
			get.Flags |= tt.flags
			m.AppendTree(m.Return(get))
			err := New(mustTarget(t, name), m, nil).Run()
			if tt.ok && err != nil {
				t.Fatalf("%s: Run(GetItem %d)=%v", name, tt.idx, err)
			}
			if !tt.ok && !jiterr.IsInternal(err) {
				t.Fatalf("%s: Run(GetItem %d)=%v, want an internal error", name, tt.idx, err)
			}
		}
	}
}
