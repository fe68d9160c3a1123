package lsra

import (
	"testing"

	"go.uber.org/multierr"

	"github.com/tinyrange/jitlower/internal/hwintrinsic"
	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/lower"
	"github.com/tinyrange/jitlower/internal/target"
)

func lowered(t *testing.T, name string, m *ir.Method) (*target.Target, *lower.Lowering) {
	t.Helper()
	tgt, err := target.Lookup(name)
	if err != nil {
		t.Fatalf("Lookup(%q): %v", name, err)
	}
	lw := lower.New(tgt, m, nil)
	if err := lw.Run(); err != nil {
		t.Fatalf("Run(): %v", err)
	}
	return tgt, lw
}

func annotate(t *testing.T, name string, m *ir.Method) *Table {
	t.Helper()
	tgt, lw := lowered(t, name, m)
	tab, err := Annotate(tgt, m, lw, nil)
	if err != nil {
		t.Fatalf("Annotate(): %v", err)
	}
	if err := Verify(tab); err != nil {
		t.Fatalf("Verify(): %v", err)
	}
	return tab
}

func allocate(t *testing.T, name string, m *ir.Method) (*Table, *Assignment) {
	t.Helper()
	tab := annotate(t, name, m)
	as, err := Assign(tab, nil)
	if err != nil {
		t.Fatalf("Assign(): %v", err)
	}
	return tab, as
}

func longLocals(m *ir.Method, names ...string) []ir.LclNum {
	var out []ir.LclNum
	for _, n := range names {
		out = append(out, m.AddLocal(ir.Local{Name: n, Type: ir.TypeLong, Tracked: true, Weight: 1}))
	}
	return out
}

func TestDivisionPinsRAX(t *testing.T) {
	tests := []struct {
		op      ir.Op
		wantDst target.Reg
	}{
		{ir.OpDiv, target.RAX},
		{ir.OpUDiv, target.RAX},
		{ir.OpMod, target.RDX},
		{ir.OpUMod, target.RDX},
	}
	for _, tt := range tests {
		m := ir.NewMethod("div")
		l := longLocals(m, "a", "b")
		a, b := m.LclVar(l[0]), m.LclVar(l[1])
		div := m.Binary(tt.op, ir.TypeLong, a, b)
		m.AppendTree(m.Return(div))
		tab, as := allocate(t, "amd64-sysv", m)

		if got := tab.MustGet(a).SrcCandidates; got != target.MaskOf(target.RAX) {
			t.Fatalf("%s: dividend candidates=%s, want rax", tt.op, got.Format(target.ArchAMD64))
		}
		if got := tab.MustGet(b).SrcCandidates; got.Intersects(target.MaskOf(target.RAX, target.RDX)) {
			t.Fatalf("%s: divisor candidates=%s include rax/rdx", tt.op, got.Format(target.ArchAMD64))
		}
		info := tab.MustGet(div)
		if info.DstCandidates != target.MaskOf(tt.wantDst) {
			t.Fatalf("%s: DstCandidates=%s, want %v", tt.op, info.DstCandidates.Format(target.ArchAMD64), tt.wantDst)
		}
		if info.Kills != target.MaskOf(target.RAX, target.RDX) {
			t.Fatalf("%s: Kills=%s", tt.op, info.Kills.Format(target.ArchAMD64))
		}
		if got := as.Reg(div); got != tt.wantDst {
			t.Fatalf("%s: Reg(div)=%v, want %v", tt.op, got, tt.wantDst)
		}
		if got := as.UseReg(b); got == target.RAX || got == target.RDX {
			t.Fatalf("%s: divisor read from %v", tt.op, got)
		}
	}
}

func TestShiftCountInRCX(t *testing.T) {
	m := ir.NewMethod("shl")
	l := longLocals(m, "a", "c")
	a, c := m.LclVar(l[0]), m.LclVar(l[1])
	sh := m.Binary(ir.OpLsh, ir.TypeLong, a, c)
	m.AppendTree(m.Return(sh))
	tab, as := allocate(t, "amd64-sysv", m)

	rcx := target.MaskOf(target.RCX)
	if got := tab.MustGet(c).SrcCandidates; got != rcx {
		t.Fatalf("count candidates=%s, want rcx", got.Format(target.ArchAMD64))
	}
	if tab.MustGet(a).SrcCandidates.Has(target.RCX) || tab.MustGet(sh).DstCandidates.Has(target.RCX) {
		t.Fatalf("shifted value may live in rcx")
	}
	if as.UseReg(c) != target.RCX || as.Reg(sh) == target.RCX || as.UseReg(a) == target.RCX {
		t.Fatalf("count=%v value=%v result=%v", as.UseReg(c), as.UseReg(a), as.Reg(sh))
	}
}

func TestConstantShiftNeedsNoRCX(t *testing.T) {
	m := ir.NewMethod("shl")
	l := longLocals(m, "a")
	sh := m.Binary(ir.OpLsh, ir.TypeLong, m.LclVar(l[0]), m.IntCon(ir.TypeInt, 3))
	m.AppendTree(m.Return(sh))
	tab := annotate(t, "amd64-sysv", m)
	if !tab.MustGet(sh).DstCandidates.Has(target.RCX) {
		t.Fatalf("constant shift excluded rcx")
	}
}

func TestCallRequirements(t *testing.T) {
	tests := []struct {
		tgt  string
		arg0 target.Reg
		ret  target.Reg
	}{
		{"amd64-sysv", target.RDI, target.RAX},
		{"amd64-windows", target.RCX, target.RAX},
		{"arm64", target.X0, target.X0},
	}
	for _, tt := range tests {
		m := ir.NewMethod("call")
		l := longLocals(m, "a")
		p0 := m.PutArgReg(0, m.IntCon(ir.TypeLong, 7))
		p1 := m.PutArgReg(1, m.LclVar(l[0]))
		call := m.CallNode(ir.TypeLong, &ir.CallInfo{Target: "callee"}, p0, p1)
		m.AppendTree(m.Return(call))
		tab, as := allocate(t, tt.tgt, m)

		abi := tab.Target.ABI
		info := tab.MustGet(call)
		if info.Kills != abi.CalleeTrash {
			t.Fatalf("%s: Kills=%s", tt.tgt, info.Kills.Format(tab.Target.Arch))
		}
		if info.DstCandidates != target.MaskOf(tt.ret) || info.SrcCount != 2 {
			t.Fatalf("%s: dst=%s srcs=%d", tt.tgt, info.DstCandidates.Format(tab.Target.Arch), info.SrcCount)
		}
		if got := tab.MustGet(p0).DstCandidates; got != target.MaskOf(tt.arg0) {
			t.Fatalf("%s: arg 0 candidates=%s", tt.tgt, got.Format(tab.Target.Arch))
		}
		if as.Reg(p0) != tt.arg0 || as.Reg(call) != tt.ret {
			t.Fatalf("%s: Reg(arg0)=%v Reg(call)=%v", tt.tgt, as.Reg(p0), as.Reg(call))
		}
		if as.Reg(p1) != abi.IntArgRegs[1] {
			t.Fatalf("%s: Reg(arg1)=%v, want %v", tt.tgt, as.Reg(p1), abi.IntArgRegs[1])
		}
	}
}

func TestVarargsShadowRegister(t *testing.T) {
	m := ir.NewMethod("printf")
	p0 := m.PutArgReg(0, m.IntCon(ir.TypeLong, 0x1000))
	p1 := m.PutArgReg(1, m.DblCon(ir.TypeDouble, 1.5))
	m.AppendTree(m.CallNode(ir.TypeVoid, &ir.CallInfo{Target: "printf", Varargs: true}, p0, p1))
	tab, as := allocate(t, "amd64-windows", m)

	info := tab.MustGet(p1)
	if info.InternalIntCount != 1 || info.InternalCandidates != target.MaskOf(target.RDX) {
		t.Fatalf("shadow internals=%d candidates=%s", info.InternalIntCount, info.InternalCandidates.Format(target.ArchAMD64))
	}
	if got := as.IntTemps(p1); len(got) != 1 || got[0] != target.RDX {
		t.Fatalf("IntTemps(arg1)=%v, want [rdx]", got)
	}
	if tab.MustGet(p0).InternalCount() != 0 {
		t.Fatalf("integer argument got a shadow")
	}
}

func TestIndirectCallTargetAvoidsArgRegs(t *testing.T) {
	m := ir.NewMethod("icall")
	l := longLocals(m, "fn")
	fn := m.LclVar(l[0])
	p0 := m.PutArgReg(0, m.IntCon(ir.TypeLong, 1))
	call := m.CallNode(ir.TypeVoid, &ir.CallInfo{Indirect: true}, p0, fn)
	m.AppendTree(call)
	tab, as := allocate(t, "amd64-sysv", m)
	abi := tab.Target.ABI
	if tab.MustGet(fn).SrcCandidates.Intersects(abi.ArgRegMask()) {
		t.Fatalf("call target may share an argument register")
	}
	if abi.ArgRegMask().Has(as.UseReg(fn)) {
		t.Fatalf("call target read from %v", as.UseReg(fn))
	}
}

func TestCmpXchgComparandInRAX(t *testing.T) {
	m := ir.NewMethod("cas")
	l := longLocals(m, "p", "v", "c")
	p, v, c := m.LclVar(l[0]), m.LclVar(l[1]), m.LclVar(l[2])
	cas := m.CmpXchg(ir.TypeLong, p, v, c)
	m.AppendTree(m.Return(cas))
	tab, as := allocate(t, "amd64-sysv", m)

	if tab.MustGet(c).SrcCandidates != target.MaskOf(target.RAX) {
		t.Fatalf("comparand not pinned to rax")
	}
	if tab.MustGet(p).SrcCandidates.Has(target.RAX) || tab.MustGet(v).SrcCandidates.Has(target.RAX) {
		t.Fatalf("address or value may be in rax")
	}
	if as.Reg(cas) != target.RAX || tab.MustGet(cas).Kills != target.MaskOf(target.RAX) {
		t.Fatalf("Reg(cas)=%v", as.Reg(cas))
	}
}

func TestArm64AtomicsDelayFree(t *testing.T) {
	m := ir.NewMethod("xadd")
	l := longLocals(m, "p", "v")
	p, v := m.LclVar(l[0]), m.LclVar(l[1])
	x := m.NewNode(ir.OpXAdd, ir.TypeLong, p, v)
	m.AppendTree(m.Return(x))
	tab, as := allocate(t, "arm64", m)

	info := tab.MustGet(x)
	if info.InternalIntCount != 2 || !info.IsInternalRegDelayFree || !info.HasDelayFreeSrc {
		t.Fatalf("xadd info=%s", info)
	}
	dst := as.Reg(x)
	for _, src := range []*ir.Node{p, v} {
		if as.UseReg(src) == dst {
			t.Fatalf("delay-free source shares %v with the result", dst)
		}
	}
	for _, tmp := range as.IntTemps(x) {
		if tmp == dst || tmp == as.UseReg(p) || tmp == as.UseReg(v) {
			t.Fatalf("temp %v overlaps an operand or the result", tmp)
		}
	}
}

func fsubMethod() (m *ir.Method, x, y, sub *ir.Node) {
	m = ir.NewMethod("fsub")
	a := m.AddLocal(ir.Local{Name: "a", Type: ir.TypeDouble, Tracked: true})
	b := m.AddLocal(ir.Local{Name: "b", Type: ir.TypeDouble, Tracked: true})
	x, y = m.LclVar(a), m.LclVar(b)
	sub = m.Binary(ir.OpSub, ir.TypeDouble, x, y)
	m.AppendTree(m.Return(sub))
	return m, x, y, sub
}

func TestNonCommutativeDelayFree(t *testing.T) {
	// Without VEX subsd is destructive: op2 must survive the move into the
	// destination.
	m, x, y, sub := fsubMethod()
	tab, as := allocate(t, "amd64-sysv", m)
	if !tab.MustGet(x).IsTgtPref || !tab.MustGet(y).IsDelayFree || !tab.MustGet(sub).HasDelayFreeSrc {
		t.Fatalf("sse: op1=%s op2=%s", tab.MustGet(x), tab.MustGet(y))
	}
	if as.Reg(sub) == as.UseReg(y) {
		t.Fatalf("result shares %v with the second operand", as.Reg(sub))
	}

	// The three-operand form needs neither.
	m, _, y, _ = fsubMethod()
	tab = annotate(t, "amd64-sysv-avx2", m)
	if tab.MustGet(y).IsDelayFree {
		t.Fatalf("avx: second operand delay-free")
	}
}

func TestCommutativeAddNotDelayFree(t *testing.T) {
	m := ir.NewMethod("add")
	l := longLocals(m, "a", "b")
	x, y := m.LclVar(l[0]), m.LclVar(l[1])
	m.AppendTree(m.Return(m.Binary(ir.OpAdd, ir.TypeLong, x, y)))
	tab := annotate(t, "amd64-sysv", m)
	if !tab.MustGet(x).IsTgtPref || tab.MustGet(y).IsDelayFree {
		t.Fatalf("op1=%s op2=%s", tab.MustGet(x), tab.MustGet(y))
	}
}

func TestBlockInternals(t *testing.T) {
	tests := []struct {
		tgt          string
		op           ir.Op
		size         int64
		constFill    bool
		ints, floats int
		kills        func(abi *target.ABI) target.RegMask
	}{
		{"amd64-sysv", ir.OpCopyBlk, 40, false, 1, 1, nil},
		{"amd64-sysv", ir.OpCopyBlk, 32, false, 0, 1, nil},
		{"amd64-sysv", ir.OpCopyBlk, 8, false, 1, 0, nil},
		{"amd64-sysv", ir.OpInitBlk, 48, false, 0, 0, func(*target.ABI) target.RegMask {
			return target.MaskOf(target.RDI, target.RCX)
		}},
		{"amd64-sysv", ir.OpInitBlk, 512, true, 0, 0, func(abi *target.ABI) target.RegMask { return abi.CalleeTrash }},
		{"arm64", ir.OpInitBlk, 64, true, 1, 0, nil},
		{"arm64", ir.OpCopyBlk, 32, false, 2, 0, nil},
	}
	for _, tt := range tests {
		m := ir.NewMethod("blk")
		buf := m.AddLocal(ir.Local{Name: "buf", Type: ir.TypeStruct, Size: 512})
		src := m.AddLocal(ir.Local{Name: "src", Type: ir.TypeByRef, Tracked: true})
		v := m.AddLocal(ir.Local{Name: "v", Type: ir.TypeInt, Tracked: true})
		size := m.IntCon(ir.TypeInt, tt.size)
		var n *ir.Node
		if tt.op == ir.OpInitBlk {
			fill := m.LclVar(v)
			if tt.constFill {
				fill = m.IntCon(ir.TypeInt, 0)
			}
			n = m.InitBlk(m.LclVarAddr(buf), fill, size)
		} else {
			n = m.CopyBlk(m.LclVarAddr(buf), m.LclVar(src), size)
		}
		m.AppendTree(n)
		tab, _ := allocate(t, tt.tgt, m)
		info := tab.MustGet(n)
		if info.InternalIntCount != tt.ints || info.InternalFloatCount != tt.floats {
			t.Fatalf("%s %s %d: internals int=%d float=%d, want %d %d",
				tt.tgt, tt.op, tt.size, info.InternalIntCount, info.InternalFloatCount, tt.ints, tt.floats)
		}
		var want target.RegMask
		if tt.kills != nil {
			want = tt.kills(tab.Target.ABI)
		}
		if info.Kills != want {
			t.Fatalf("%s %s %d: Kills=%s", tt.tgt, tt.op, tt.size, info.Kills.Format(tab.Target.Arch))
		}
	}
}

func TestRepMovsqCountInRCX(t *testing.T) {
	m := ir.NewMethod("cpobj")
	p := m.AddLocal(ir.Local{Name: "p", Type: ir.TypeByRef, Tracked: true})
	q := m.AddLocal(ir.Local{Name: "q", Type: ir.TypeByRef, Tracked: true})
	dst, src := m.LclVar(p), m.LclVar(q)
	none, ref := ir.GCNone, ir.GCRef
	n := m.CopyObj(dst, src, m.Handle(0x7000), []ir.GCKind{ref, none, none, none, none, ref})
	m.AppendTree(n)
	tab, as := allocate(t, "amd64-sysv", m)

	info := tab.MustGet(n)
	if info.InternalIntCount != 1 || info.InternalCandidates != target.MaskOf(target.RCX) {
		t.Fatalf("cpobj internals=%d candidates=%s", info.InternalIntCount, info.InternalCandidates.Format(target.ArchAMD64))
	}
	if info.Kills != tab.Target.ABI.ByrefBarrierKill {
		t.Fatalf("Kills=%s", info.Kills.Format(target.ArchAMD64))
	}
	if as.UseReg(dst) != target.RDI || as.UseReg(src) != target.RSI {
		t.Fatalf("dst=%v src=%v", as.UseReg(dst), as.UseReg(src))
	}
}

func TestSourceCountConserved(t *testing.T) {
	m := ir.NewMethod("mix")
	l := longLocals(m, "a", "b", "p")
	s := m.AddLocal(ir.Local{Name: "s", Type: ir.TypeLong, DoNotEnregister: true})
	sum := m.Binary(ir.OpAdd, ir.TypeLong, m.LclVar(l[0]), m.LclVar(s))
	addr := m.Lea(ir.TypeByRef, m.LclVar(l[2]), m.LclVar(l[1]), 8, 16)
	m.AppendTree(m.StoreInd(ir.TypeLong, addr, sum))
	m.AppendTree(m.Return(m.Ind(ir.TypeLong, m.LclVar(l[2]))))
	for _, name := range []string{"amd64-sysv", "arm64"} {
		tab := annotate(t, name, m)
		tab.Ascend(func(i *Info) bool {
			n := 0
			for _, src := range i.Sources {
				n += tab.MustGet(src).DstCount
			}
			if n != i.SrcCount {
				t.Fatalf("%s: node %v SrcCount=%d, sources define %d", name, i.Node, i.SrcCount, n)
			}
			return true
		})
	}
}

func TestVerifyReportsBadCount(t *testing.T) {
	m := ir.NewMethod("bad")
	l := longLocals(m, "a", "b")
	add := m.Binary(ir.OpAdd, ir.TypeLong, m.LclVar(l[0]), m.LclVar(l[1]))
	m.AppendTree(m.Return(add))
	tab := annotate(t, "amd64-sysv", m)
	tab.MustGet(add).SrcCount = 5
	tab.MustGet(add).DstCandidates = 0
	errs := multierr.Errors(Verify(tab))
	if len(errs) != 2 {
		t.Fatalf("Verify() found %d problems, want 2: %v", len(errs), errs)
	}
	for _, err := range errs {
		if !jiterr.IsInternal(err) {
			t.Fatalf("Verify()=%v, want internal errors", err)
		}
	}
}

func TestAssignDistinctLiveRegisters(t *testing.T) {
	m := ir.NewMethod("tree")
	l := longLocals(m, "a", "b", "c", "d")
	ab := m.Binary(ir.OpXor, ir.TypeLong, m.LclVar(l[0]), m.LclVar(l[1]))
	cd := m.Binary(ir.OpOr, ir.TypeLong, m.LclVar(l[2]), m.LclVar(l[3]))
	m.AppendTree(m.Return(m.Binary(ir.OpAnd, ir.TypeLong, ab, cd)))
	for _, name := range []string{"amd64-sysv", "arm64"} {
		_, as := allocate(t, name, m)
		if as.Reg(ab) == as.Reg(cd) {
			t.Fatalf("%s: live values share %v", name, as.Reg(ab))
		}
	}
}

func TestAssignCopiesConflictingSource(t *testing.T) {
	// The inner shift result may not live in rcx, yet the outer shift reads
	// it as its count: it is copied into rcx at the use.
	m := ir.NewMethod("copy")
	l := longLocals(m, "a", "b", "c")
	inner := m.Binary(ir.OpLsh, ir.TypeLong, m.LclVar(l[1]), m.LclVar(l[2]))
	outer := m.Binary(ir.OpLsh, ir.TypeLong, m.LclVar(l[0]), inner)
	m.AppendTree(m.Return(outer))
	_, as := allocate(t, "amd64-sysv", m)
	if got := as.Reg(inner); got == target.RCX {
		t.Fatalf("Reg(inner)=%v, want anything but rcx", got)
	}
	if got := as.UseReg(inner); got != target.RCX {
		t.Fatalf("UseReg(inner)=%v, want rcx", got)
	}
	if as.Reg(outer) == target.RCX {
		t.Fatalf("Reg(outer)=rcx")
	}
}

func TestUnsupportedIntrinsicIsNYI(t *testing.T) {
	m := ir.NewMethod("pmulld")
	a := m.AddLocal(ir.Local{Name: "a", Type: ir.TypeSIMD16, Tracked: true})
	b := m.AddLocal(ir.Local{Name: "b", Type: ir.TypeSIMD16, Tracked: true})
	hw := m.HWIntrinsicNode(hwintrinsic.SSE41MultiplyLow, ir.TypeSIMD16, ir.TypeInt, 16, m.LclVar(a), m.LclVar(b))
	m.AppendTree(m.Return(hw))

	tgt, lw := lowered(t, "amd64-sysv", m)
	_, err := Annotate(tgt, m, lw, nil)
	if !jiterr.IsNYI(err) {
		t.Fatalf("Annotate()=%v, want not-yet-implemented", err)
	}

	tab := annotate(t, "amd64-sysv-sse41", m)
	if !tab.MustGet(hw.Op1()).IsTgtPref {
		t.Fatalf("destructive sse4.1 form does not prefer its first operand")
	}
}

func TestFloatRemainderIsNYI(t *testing.T) {
	for _, name := range []string{"amd64-sysv", "arm64"} {
		m := ir.NewMethod("fmod")
		a := m.AddLocal(ir.Local{Name: "a", Type: ir.TypeDouble, Tracked: true})
		m.AppendTree(m.Return(m.Binary(ir.OpMod, ir.TypeDouble, m.LclVar(a), m.LclVar(a))))
		tgt, lw := lowered(t, name, m)
		if _, err := Annotate(tgt, m, lw, nil); !jiterr.IsNYI(err) {
			t.Fatalf("%s: Annotate()=%v, want not-yet-implemented", name, err)
		}
	}
}
