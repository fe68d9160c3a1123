package codegen

import (
	"testing"

	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/asm/amd64"
	"github.com/tinyrange/jitlower/internal/asm/arm64"
	"github.com/tinyrange/jitlower/internal/asm/testutil"
	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/lower"
	"github.com/tinyrange/jitlower/internal/lsra"
	"github.com/tinyrange/jitlower/internal/target"
)

type compiled struct {
	t   *target.Target
	m   *ir.Method
	lw  *lower.Lowering
	tab *lsra.Table
	as  *lsra.Assignment
	l   *asm.Listing
}

func build(name string, m *ir.Method) (*compiled, error) {
	tgt, err := target.Lookup(name)
	if err != nil {
		return nil, err
	}
	c := &compiled{t: tgt, m: m}
	c.lw = lower.New(tgt, m, nil)
	if err := c.lw.Run(); err != nil {
		return c, err
	}
	if c.tab, err = lsra.Annotate(tgt, m, c.lw, nil); err != nil {
		return c, err
	}
	if err := lsra.Verify(c.tab); err != nil {
		return c, err
	}
	if c.as, err = lsra.Assign(c.tab, nil); err != nil {
		return c, err
	}
	if tgt.Arch == target.ArchARM64 {
		c.l = arm64.NewListing()
	} else {
		c.l = amd64.NewListing(tgt.UseVEX())
	}
	return c, New(tgt, m, c.lw, c.tab, c.as, c.l, nil).Run()
}

func compile(t *testing.T, name string, m *ir.Method) *compiled {
	t.Helper()
	c, err := build(name, m)
	if err != nil {
		if c != nil && c.l != nil {
			t.Fatalf("compile %s for %s: %v\n%s", m.Name, name, err, c.l)
		}
		t.Fatalf("compile %s for %s: %v", m.Name, name, err)
	}
	if err := c.l.Validate(); err != nil {
		t.Fatalf("Validate(): %v\n%s", err, c.l)
	}
	return c
}

// addStatic builds "return s + v" on longs, s a static field.
func addStatic(v int64) (*ir.Method, *ir.Node, *ir.Node) {
	m := ir.NewMethod("addc")
	cns := m.IntCon(ir.TypeLong, v)
	add := m.Binary(ir.OpAdd, ir.TypeLong, m.ClsVar(ir.TypeLong, "s"), cns)
	m.AppendTree(m.Return(add))
	return m, add, cns
}

func find(ins []asm.Instr, op asm.Ins) (asm.Instr, bool) {
	for _, in := range ins {
		if in.Ins == op {
			return in, true
		}
	}
	return asm.Instr{}, false
}

func TestAddContainedImmediate(t *testing.T) {
	m, add, cns := addStatic(100)
	c := compile(t, "amd64-sysv", m)
	if !c.lw.IsContained(cns) {
		t.Fatalf("IsContained(100)=false, want true")
	}
	if got := c.l.ForNode(uint32(cns.ID)); len(got) != 0 {
		t.Fatalf("contained constant emitted %d instructions", len(got))
	}
	ins := c.l.ForNode(uint32(add.ID))
	var adds []asm.Instr
	for _, in := range ins {
		if in.Ins == amd64.ADD {
			adds = append(adds, in)
		}
	}
	if len(adds) != 1 {
		t.Fatalf("add emitted %d ADD instructions, want 1\n%s", len(adds), c.l)
	}
	if adds[0].Form != asm.FormRI || adds[0].Imm != 100 {
		t.Fatalf("ADD form=%v imm=%d, want an immediate of 100", adds[0].Form, adds[0].Imm)
	}
	for _, in := range c.l.Instrs() {
		if in.Ins == amd64.MOV && in.Form == asm.FormRI && in.Imm == 100 {
			t.Fatalf("constant 100 was materialized:\n%s", c.l)
		}
	}
}

func TestAddWideConstantMaterialized(t *testing.T) {
	m, add, cns := addStatic(0x1_0000_0000)
	c := compile(t, "amd64-sysv", m)
	if c.lw.IsContained(cns) {
		t.Fatalf("IsContained(0x100000000)=true, want false")
	}
	mov, ok := find(c.l.ForNode(uint32(cns.ID)), amd64.MOV)
	if !ok || mov.Form != asm.FormRI || mov.Imm != 0x1_0000_0000 || mov.Size != asm.S8 {
		t.Fatalf("constant not materialized by a 64-bit mov:\n%s", c.l)
	}
	in, ok := find(c.l.ForNode(uint32(add.ID)), amd64.ADD)
	if !ok || in.Form == asm.FormRI {
		t.Fatalf("add does not read the constant from a register:\n%s", c.l)
	}
	testutil.VerifySubsequence(t, testutil.Lines(c.l), []testutil.Expectation{
		{Name: "materialize", Mnemonic: "mov", Contains: []string{"0x100000000"}},
		{Name: "add", Mnemonic: "add"},
	})
}

func TestImmediateBoundaries(t *testing.T) {
	tests := []struct {
		v       int64
		wantImm bool
	}{
		{0x7fff_ffff, true},
		{0x8000_0000, false},
		{-0x8000_0000, true},
		{-0x8000_0001, false},
		{-1, true},
	}
	for _, tt := range tests {
		m, add, _ := addStatic(tt.v)
		c := compile(t, "amd64-sysv", m)
		in, ok := find(c.l.ForNode(uint32(add.ID)), amd64.ADD)
		if !ok {
			t.Fatalf("no ADD for %#x:\n%s", tt.v, c.l)
		}
		if got := in.Form == asm.FormRI; got != tt.wantImm {
			t.Fatalf("add %#x immediate=%v, want %v\n%s", tt.v, got, tt.wantImm, c.l)
		}
	}
}

// rmwMethod builds "*(p+8) = *(p+8) + rhs".
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

func TestReadModifyWriteSingleInstruction(t *testing.T) {
	m, store, load, add := rmwMethod(func(m *ir.Method) *ir.Node { return m.IntCon(ir.TypeInt, 5) })
	c := compile(t, "amd64-sysv", m)
	if len(c.l.ForNode(uint32(load.ID))) != 0 || len(c.l.ForNode(uint32(add.ID))) != 0 {
		t.Fatalf("load or add emitted on its own:\n%s", c.l)
	}
	ins := c.l.ForNode(uint32(store.ID))
	if len(ins) != 1 {
		t.Fatalf("store emitted %d instructions, want 1:\n%s", len(ins), c.l)
	}
	in := ins[0]
	if in.Ins != amd64.ADD || in.Form != asm.FormMI || in.Imm != 5 || in.Size != asm.S4 {
		t.Fatalf("store=%s, want add dword ptr [p+8], 5", c.l.Format(in))
	}
	if in.Mem.Disp != 8 {
		t.Fatalf("displacement=%d, want 8", in.Mem.Disp)
	}
	testutil.VerifySubsequence(t, testutil.Lines(c.l), []testutil.Expectation{
		{Name: "rmw", Mnemonic: "add", Contains: []string{"dword ptr", "+0x8]", "5"}},
		{Name: "ret", Mnemonic: "ret"},
	})
}

func TestReadModifyWriteBlockedByCall(t *testing.T) {
	m, store, load, add := rmwMethod(func(m *ir.Method) *ir.Node {
		return m.CallNode(ir.TypeInt, &ir.CallInfo{Target: "side_effect"})
	})
	c := compile(t, "amd64-sysv", m)
	if c.lw.IsRMWStore(store) {
		t.Fatalf("IsRMWStore()=true across a call")
	}
	for _, in := range c.l.Instrs() {
		if in.Ins == amd64.ADD && in.Form == asm.FormMI {
			t.Fatalf("found a memory destination add:\n%s", c.l)
		}
	}
	if in, ok := find(c.l.ForNode(uint32(load.ID)), amd64.MOV); !ok || in.Form != asm.FormRM {
		t.Fatalf("no separate load:\n%s", c.l)
	}
	if _, ok := find(c.l.ForNode(uint32(add.ID)), amd64.ADD); !ok {
		t.Fatalf("no separate add:\n%s", c.l)
	}
	if in, ok := find(c.l.ForNode(uint32(store.ID)), amd64.MOV); !ok || in.Form != asm.FormMR {
		t.Fatalf("no separate store:\n%s", c.l)
	}
	testutil.VerifySubsequence(t, testutil.Lines(c.l), []testutil.Expectation{
		{Name: "load", Mnemonic: "mov", Contains: []string{"dword ptr ["}},
		{Name: "call", Mnemonic: "call", Contains: []string{"side_effect"}},
		{Name: "add", Mnemonic: "add"},
		{Name: "store", Mnemonic: "mov", Contains: []string{"dword ptr ["}},
	})
}

// operandRegs adds the registers n's instructions may read for op.
func operandRegs(c *compiled, op *ir.Node, allowed target.RegMask) target.RegMask {
	if c.lw.IsContained(op) {
		for _, o := range op.Operands() {
			if o != nil {
				allowed = operandRegs(c, o, allowed)
			}
		}
		return allowed
	}
	return allowed.With(c.as.Reg(op)).With(c.as.UseReg(op))
}

func TestRegisterConservation(t *testing.T) {
	methods := map[string]func() *ir.Method{
		"arith": func() *ir.Method {
			m := ir.NewMethod("arith")
			a, b := m.ClsVar(ir.TypeLong, "a"), m.ClsVar(ir.TypeLong, "b")
			sum := m.Binary(ir.OpAdd, ir.TypeLong, a, b)
			diff := m.Binary(ir.OpSub, ir.TypeLong, m.ClsVar(ir.TypeLong, "c"), m.IntCon(ir.TypeLong, 7))
			m.AppendTree(m.Return(m.Binary(ir.OpMul, ir.TypeLong, sum, diff)))
			return m
		},
		"rmw": func() *ir.Method {
			m, _, _, _ := rmwMethod(func(m *ir.Method) *ir.Node { return m.ClsVar(ir.TypeInt, "k") })
			return m
		},
		"vector": func() *ir.Method {
			m := ir.NewMethod("vector")
			v := m.SIMDNode(ir.SIMDMul, ir.TypeSIMD16, ir.TypeInt, 16,
				m.ClsVar(ir.TypeSIMD16, "a"), m.ClsVar(ir.TypeSIMD16, "b"))
			m.AppendTree(m.Return(v))
			return m
		},
	}
	for name, mk := range methods {
		c := compile(t, "amd64-sysv", mk())
		saved := c.as.Used & c.t.ABI.CalleeSaved
		for n := c.m.First(); n != nil; n = n.Next() {
			if c.lw.IsContained(n) {
				continue
			}
			allowed := target.MaskOf(target.RSP, target.RBP)
			for _, r := range c.as.Regs(n) {
				allowed = allowed.With(r)
			}
			allowed |= target.MaskOf(c.as.IntTemps(n)...) | target.MaskOf(c.as.FloatTemps(n)...)
			for _, op := range n.Operands() {
				if op != nil {
					allowed = operandRegs(c, op, allowed)
				}
			}
			if n.Op == ir.OpReturn {
				allowed |= saved
				if v := n.Op1(); v != nil {
					allowed = allowed.With(c.t.ABI.ReturnReg(v.Type))
				}
			}
			for _, in := range c.l.ForNode(uint32(n.ID)) {
				regs := append([]target.Reg(nil), in.Regs...)
				if in.HasMem() {
					regs = append(regs, in.Mem.Base, in.Mem.Index)
				}
				for _, r := range regs {
					if r != target.RegNone && !allowed.Has(r) {
						t.Fatalf("%s: %s touches %s outside its registers\n%s",
							name, c.l.Format(in), c.t.RegName(r, 8), c.l)
					}
				}
			}
		}
	}
}

func TestEvaluationOrder(t *testing.T) {
	mk := func() *ir.Method {
		m := ir.NewMethod("order")
		a := m.Binary(ir.OpAdd, ir.TypeInt, m.ClsVar(ir.TypeInt, "a"), m.IntCon(ir.TypeInt, 3))
		b := m.Binary(ir.OpXor, ir.TypeInt, m.ClsVar(ir.TypeInt, "b"), a)
		m.AppendTree(m.StoreInd(ir.TypeInt, m.ClsVarAddr("out"), b))
		m.AppendTree(m.Return(m.Binary(ir.OpSub, ir.TypeInt, m.ClsVar(ir.TypeInt, "c"), m.ClsVar(ir.TypeInt, "d"))))
		return m
	}
	for _, name := range []string{"amd64-sysv", "arm64"} {
		c := compile(t, name, mk())
		pos := map[uint32]int{}
		for i, n := range c.m.Nodes() {
			pos[uint32(n.ID)] = i
		}
		last := -1
		for _, in := range c.l.Instrs() {
			if in.Node == 0 || in.Form == asm.FormLabel {
				continue
			}
			p, ok := pos[in.Node]
			if !ok {
				t.Fatalf("%s: instruction %s tagged with unknown node %d", name, c.l.Format(in), in.Node)
			}
			if p < last {
				t.Fatalf("%s: %s emitted out of LIR order\n%s", name, c.l.Format(in), c.l)
			}
			last = p
		}
	}
}

func TestBlockStrategies(t *testing.T) {
	tests := []struct {
		size int64
		want []string
	}{
		{16, []string{"movdqu"}},
		{40, []string{"movdqu", "mov"}},
		{4096, []string{"call"}},
	}
	for _, tt := range tests {
		m := ir.NewMethod("blk")
		m.AppendTree(m.CopyBlk(m.ClsVarAddr("dst"), m.ClsVarAddr("src"), m.IntCon(ir.TypeLong, tt.size)))
		m.AppendTree(m.Return(nil))
		c := compile(t, "amd64-sysv", m)
		got := testutil.Mnemonics(testutil.Lines(c.l))
		for _, w := range tt.want {
			found := false
			for _, g := range got {
				if g == w {
					found = true
				}
			}
			if !found {
				t.Fatalf("copy of %d bytes: no %s in %v", tt.size, w, got)
			}
		}
	}
}

func TestArm64AddImmediate(t *testing.T) {
	tests := []struct {
		v      int64
		expect []testutil.Expectation
	}{
		{100, []testutil.Expectation{{Name: "add", Mnemonic: "add", Contains: []string{"#0x64"}}}},
		{0x123456789, []testutil.Expectation{
			{Name: "movz", Mnemonic: "movz"},
			{Name: "movk", Mnemonic: "movk"},
			{Name: "add", Mnemonic: "add"},
		}},
	}
	for _, tt := range tests {
		m, _, _ := addStatic(tt.v)
		c := compile(t, "arm64", m)
		testutil.VerifySubsequence(t, testutil.Lines(c.l), tt.expect)
	}
}

func TestArm64CheckedMultiply(t *testing.T) {
	m := ir.NewMethod("mulovf")
	mul := m.Binary(ir.OpMul, ir.TypeLong, m.ClsVar(ir.TypeLong, "a"), m.ClsVar(ir.TypeLong, "b"))
	mul.Flags |= ir.FlagOverflow
	m.AppendTree(m.Return(mul))
	c := compile(t, "arm64", m)
	if got := len(c.as.IntTemps(mul)); got != 2 {
		t.Fatalf("IntTemps()=%d, want 2", got)
	}
	testutil.VerifySubsequence(t, testutil.Lines(c.l), []testutil.Expectation{
		{Name: "high", Mnemonic: "smulh"},
		{Name: "low", Mnemonic: "mul"},
		{Name: "sign", Mnemonic: "asr"},
		{Name: "check", Mnemonic: "cmp"},
		{Name: "branch", Mnemonic: "b.ne", Contains: []string{"L"}},
		{Name: "throw", Mnemonic: "bl", Contains: []string{lower.HelperThrowOverflow}},
	})
}

func TestUnsupportedReportsNYI(t *testing.T) {
	m := ir.NewMethod("fmod")
	m.AppendTree(m.Return(m.Binary(ir.OpMod, ir.TypeDouble, m.ClsVar(ir.TypeDouble, "a"), m.ClsVar(ir.TypeDouble, "b"))))
	_, err := build("arm64", m)
	if !jiterr.IsNYI(err) {
		t.Fatalf("build()=%v, want a not-yet-implemented error", err)
	}
}

func TestArm64WidenedLocalStore(t *testing.T) {
	m := ir.NewMethod("narrow")
	b := m.AddLocal(ir.Local{Name: "b", Type: ir.TypeByte})
	x := m.AddLocal(ir.Local{Name: "x", Type: ir.TypeInt})
	st := m.StoreLclVar(b, m.LclVar(x))
	m.AppendTree(st)
	cns := m.IntCon(ir.TypeInt, 0x1ff)
	cst := m.StoreLclVar(b, cns)
	m.AppendTree(cst)
	m.AppendTree(m.Return(m.Ind(ir.TypeInt, m.LclVarAddr(b))))
	c := compile(t, "arm64", m)

	if cns.IntVal != -1 {
		t.Fatalf("constant=%d, want -1", cns.IntVal)
	}
	for _, n := range []*ir.Node{st, cst} {
		code := c.l.ForNode(uint32(n.ID))
		if _, ok := find(code, arm64.STRB); ok {
			t.Fatalf("n%d stored a single byte:\n%s", n.ID, c.l)
		}
		in, ok := find(code, arm64.STR)
		if !ok || in.Size != asm.S4 {
			t.Fatalf("n%d has no 32-bit str:\n%s", n.ID, c.l)
		}
	}
	if _, ok := find(c.l.ForNode(uint32(st.ID)), arm64.SXTB); !ok {
		t.Fatalf("stored value not sign extended:\n%s", c.l)
	}
	if got := len(c.as.IntTemps(st)); got != 1 {
		t.Fatalf("IntTemps()=%d, want 1", got)
	}
}

func TestArm64SignedDivideOverflowCheck(t *testing.T) {
	div := func(op ir.Op, d func(m *ir.Method) *ir.Node) *compiled {
		m := ir.NewMethod("div")
		m.AppendTree(m.Return(m.Binary(op, ir.TypeInt, m.ClsVar(ir.TypeInt, "a"), d(m))))
		return compile(t, "arm64", m)
	}
	static := func(m *ir.Method) *ir.Node { return m.ClsVar(ir.TypeInt, "b") }

	for _, op := range []ir.Op{ir.OpDiv, ir.OpMod} {
		c := div(op, static)
		testutil.VerifySubsequence(t, testutil.Lines(c.l), []testutil.Expectation{
			{Name: "minus one", Mnemonic: "cmn", Contains: []string{"#0x1"}},
			{Name: "skip", Mnemonic: "b.ne"},
			{Name: "min value", Mnemonic: "cmp", Contains: []string{"#0x1"}},
			{Name: "overflow", Mnemonic: "b.vs"},
			{Name: "divide", Mnemonic: "sdiv"},
			{Name: "throw", Mnemonic: "bl", Contains: []string{lower.HelperThrowArith}},
		})
	}

	for _, c := range []*compiled{
		div(ir.OpUDiv, static),
		div(ir.OpDiv, func(m *ir.Method) *ir.Node { return m.IntCon(ir.TypeInt, 3) }),
	} {
		if _, ok := find(c.l.Instrs(), arm64.CMN); ok {
			t.Fatalf("overflow check emitted where it cannot trigger:\n%s", c.l)
		}
	}
}
