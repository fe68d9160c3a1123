package codegen

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/asm/amd64"
	"github.com/tinyrange/jitlower/internal/asm/testutil"
	"github.com/tinyrange/jitlower/internal/hwintrinsic"
	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/lower"
	"github.com/tinyrange/jitlower/internal/target"
)

// statics are the vector and scalar inputs placed in simulated memory.
type statics struct {
	vecs  map[string][4]uint32
	longs map[string]uint64
}

// machine loads in into a fresh simulator. Throw helpers record their name
// in thrown; the int3 after them stops the run.
func machine(t *testing.T, in statics, thrown *string) *amd64.Machine {
	t.Helper()
	m := amd64.NewMachine()
	for name, v := range in.vecs {
		addr := m.Alloc(32)
		for i, x := range v {
			if err := m.Write(addr+uint64(4*i), 4, uint64(x)); err != nil {
				t.Fatalf("Write(): %v", err)
			}
		}
		m.Symbols[name] = addr
	}
	for name, v := range in.longs {
		addr := m.Alloc(8)
		if err := m.Write(addr, 8, v); err != nil {
			t.Fatalf("Write(): %v", err)
		}
		m.Symbols[name] = addr
	}
	for _, h := range []string{lower.HelperThrowRange, lower.HelperThrowOverflow, lower.HelperThrowArith, lower.HelperThrowDivZero} {
		name := h
		m.Helpers[name] = func(*amd64.Machine) error {
			*thrown = name
			return nil
		}
	}
	return m
}

func simulate(t *testing.T, c *compiled, in statics) *amd64.Machine {
	t.Helper()
	var thrown string
	m := machine(t, in, &thrown)
	err := m.Run(c.l)
	if thrown != "" {
		t.Fatalf("%s called\n%s", thrown, c.l)
	}
	if err != nil {
		t.Fatalf("Run(): %v\n%s", err, c.l)
	}
	return m
}

// simulateThrow runs c and returns the throw helper it reached.
func simulateThrow(t *testing.T, c *compiled, in statics) string {
	t.Helper()
	var thrown string
	m := machine(t, in, &thrown)
	if err := m.Run(c.l); err != nil && thrown == "" {
		t.Fatalf("Run(): %v\n%s", err, c.l)
	}
	return thrown
}

func lanes32(v [32]byte) [4]uint32 {
	var out [4]uint32
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(v[4*i:])
	}
	return out
}

func vectorMul(m *ir.Method) *ir.Node {
	mul := m.SIMDNode(ir.SIMDMul, ir.TypeSIMD16, ir.TypeInt, 16,
		m.ClsVar(ir.TypeSIMD16, "a"), m.ClsVar(ir.TypeSIMD16, "b"))
	m.AppendTree(m.Return(mul))
	return mul
}

func TestSSE2IntMultiplyUsesTwoTemps(t *testing.T) {
	m := ir.NewMethod("vmul")
	mul := vectorMul(m)
	c := compile(t, "amd64-sysv", m)

	if got := c.tab.MustGet(mul).InternalFloatCount; got != 2 {
		t.Fatalf("InternalFloatCount=%d, want 2", got)
	}
	temps := c.as.FloatTemps(mul)
	if len(temps) != 2 || len(c.as.IntTemps(mul)) != 0 {
		t.Fatalf("temps=%v/%v, want two float registers", c.as.IntTemps(mul), temps)
	}
	free := target.MaskOf(temps...)
	for _, in := range c.l.ForNode(uint32(mul.ID)) {
		for _, r := range in.Regs {
			if r.IsFloat(target.ArchAMD64) && r != c.as.Reg(mul) && !free.Has(r) &&
				r != c.as.UseReg(mul.Op1()) && r != c.as.UseReg(mul.Op2()) {
				t.Fatalf("%s uses a register outside the two temps", c.l.Format(in))
			}
		}
	}
	if _, ok := find(c.l.ForNode(uint32(mul.ID)), amd64.PMULLD); ok {
		t.Fatalf("pmulld emitted without sse4.1")
	}

	tests := [][2][4]uint32{
		{{1, 2, 3, 4}, {5, 6, 7, 8}},
		{{0xffffffff, 0x80000000, 0x7fffffff, 0x12345678}, {0xffffffff, 2, 0x7fffffff, 0x9abcdef0}},
		{{0, 1, 0xfffffffe, 0x10001}, {0xdeadbeef, 0xffffffff, 3, 0x10001}},
	}
	for _, tt := range tests {
		mc := simulate(t, c, statics{vecs: map[string][4]uint32{"a": tt[0], "b": tt[1]}})
		got := lanes32(mc.Vec(target.XMM0))
		for i := range got {
			want := tt[0][i] * tt[1][i]
			if got[i] != want {
				t.Fatalf("lane %d of %#x*%#x=%#x, want %#x", i, tt[0][i], tt[1][i], got[i], want)
			}
		}
	}
}

func TestSSE41IntMultiplyIsOneInstruction(t *testing.T) {
	m := ir.NewMethod("vmul41")
	mul := vectorMul(m)
	c := compile(t, "amd64-sysv-sse41", m)
	if got := len(c.as.FloatTemps(mul)); got != 0 {
		t.Fatalf("FloatTemps()=%d, want 0", got)
	}
	if _, ok := find(c.l.ForNode(uint32(mul.ID)), amd64.PMULLD); !ok {
		t.Fatalf("no pmulld:\n%s", c.l)
	}
}

func getItem(idx func(m *ir.Method) *ir.Node, flags ir.Flags) *ir.Method {
	m := ir.NewMethod("getitem")
	get := m.SIMDNode(ir.SIMDGetItem, ir.TypeInt, ir.TypeInt, 16, m.ClsVar(ir.TypeSIMD16, "v"), idx(m))
	get.Flags |= flags
	m.AppendTree(m.Return(get))
	return m
}

var sample = [4]uint32{0x11111111, 0x22222222, 0x80000003, 0x44444444}

func TestGetItemRuntimeIndex(t *testing.T) {
	m := getItem(func(m *ir.Method) *ir.Node { return m.ClsVar(ir.TypeInt, "i") }, 0)
	c := compile(t, "amd64-sysv", m)
	if !c.m.HasSIMDTemp() {
		t.Fatalf("HasSIMDTemp()=false for a runtime index")
	}
	if _, ok := find(c.l.Instrs(), amd64.MOVUPS); !ok {
		t.Fatalf("vector not spilled to the temp slot:\n%s", c.l)
	}
	for i := range sample {
		mc := simulate(t, c, statics{
			vecs:  map[string][4]uint32{"v": sample},
			longs: map[string]uint64{"i": uint64(i)},
		})
		if got := uint32(mc.Reg(target.RAX)); got != sample[i] {
			t.Fatalf("GetItem(%d)=%#x, want %#x", i, got, sample[i])
		}
	}
}

func TestGetItemRuntimeIndexOutOfRange(t *testing.T) {
	m := getItem(func(m *ir.Method) *ir.Node { return m.ClsVar(ir.TypeInt, "i") }, 0)
	c := compile(t, "amd64-sysv", m)
	for _, i := range []uint64{4, 256, 0xffffffff} {
		got := simulateThrow(t, c, statics{
			vecs:  map[string][4]uint32{"v": sample},
			longs: map[string]uint64{"i": i},
		})
		if got != lower.HelperThrowRange {
			t.Fatalf("GetItem(%#x) threw %q, want %s", i, got, lower.HelperThrowRange)
		}
	}

	m = getItem(func(m *ir.Method) *ir.Node { return m.ClsVar(ir.TypeInt, "i") }, ir.FlagRangeChecked)
	c = compile(t, "amd64-sysv", m)
	if _, ok := find(c.l.Instrs(), amd64.JA); ok {
		t.Fatalf("range check emitted for a checked index:\n%s", c.l)
	}
}

func TestGetItemConstantIndex(t *testing.T) {
	tests := []struct {
		idx   int64
		flags ir.Flags
		want  uint32
	}{
		{0, 0, sample[0]},
		{2, 0, sample[2]},
		{3, 0, sample[3]},
		{5, ir.FlagRangeChecked, sample[1]},
	}
	for _, tt := range tests {
		m := getItem(func(m *ir.Method) *ir.Node { return m.IntCon(ir.TypeInt, tt.idx) }, tt.flags)
		c := compile(t, "amd64-sysv", m)
		mc := simulate(t, c, statics{vecs: map[string][4]uint32{"v": sample}})
		if got := uint32(mc.Reg(target.RAX)); got != tt.want {
			t.Fatalf("GetItem(%d)=%#x, want %#x", tt.idx, got, tt.want)
		}
	}
}

func TestGetItemConstantOutOfRange(t *testing.T) {
	for _, name := range []string{"amd64-sysv", "arm64"} {
		m := getItem(func(m *ir.Method) *ir.Node { return m.IntCon(ir.TypeInt, 4) }, 0)
		_, err := build(name, m)
		if !jiterr.IsInternal(err) {
			t.Fatalf("%s: build()=%v, want an internal error", name, err)
		}
	}
}

func extract(idx func(m *ir.Method) *ir.Node) *ir.Method {
	m := ir.NewMethod("extract")
	ext := m.HWIntrinsicNode(hwintrinsic.SSE41Extract, ir.TypeInt, ir.TypeInt, 16, m.ClsVar(ir.TypeSIMD16, "v"), idx(m))
	m.AppendTree(m.Return(ext))
	return m
}

func TestExtractRuntimeImmediate(t *testing.T) {
	m := extract(func(m *ir.Method) *ir.Node { return m.ClsVar(ir.TypeInt, "i") })
	c := compile(t, "amd64-sysv-sse41", m)
	tables := c.l.Tables()
	if len(tables) != 1 {
		t.Fatalf("Tables()=%d, want 1", len(tables))
	}
	info := hwintrinsic.MustLookup(hwintrinsic.SSE41Extract)
	if got, want := len(tables[0].Cases), int(info.ImmHi-info.ImmLo+1); got != want {
		t.Fatalf("jump table has %d cases, want %d", got, want)
	}
	for i := info.ImmLo; i <= info.ImmHi; i++ {
		mc := simulate(t, c, statics{
			vecs:  map[string][4]uint32{"v": sample},
			longs: map[string]uint64{"i": uint64(i)},
		})
		// pextrd only looks at the low two bits of its immediate.
		if got, want := uint32(mc.Reg(target.RAX)), sample[i&3]; got != want {
			t.Fatalf("Extract(%d)=%#x, want %#x", i, got, want)
		}
	}
}

func TestExtractRuntimeImmediateOutOfRange(t *testing.T) {
	m := extract(func(m *ir.Method) *ir.Node { return m.ClsVar(ir.TypeInt, "i") })
	c := compile(t, "amd64-sysv-sse41", m)
	for _, i := range []uint64{16, 256, 0xffffffff} {
		got := simulateThrow(t, c, statics{
			vecs:  map[string][4]uint32{"v": sample},
			longs: map[string]uint64{"i": i},
		})
		if got != lower.HelperThrowRange {
			t.Fatalf("Extract(%#x) threw %q, want %s", i, got, lower.HelperThrowRange)
		}
	}
}

func TestArm64RuntimeImmediateChecked(t *testing.T) {
	m := ir.NewMethod("shl")
	v := m.AddLocal(ir.Local{Name: "v", Type: ir.TypeSIMD16})
	i := m.AddLocal(ir.Local{Name: "i", Type: ir.TypeInt})
	shl := m.HWIntrinsicNode(hwintrinsic.AdvSimdShiftLeftLogical, ir.TypeSIMD16, ir.TypeInt, 16, m.LclVar(v), m.LclVar(i))
	m.AppendTree(m.Return(shl))
	c := compile(t, "arm64", m)
	testutil.VerifySubsequence(t, testutil.Lines(c.l), []testutil.Expectation{
		{Name: "check", Mnemonic: "cmp"},
		{Name: "branch", Mnemonic: "b.hi"},
		{Name: "table", Mnemonic: "adr"},
		{Name: "dispatch", Mnemonic: "br"},
		{Name: "throw", Mnemonic: "bl", Contains: []string{lower.HelperThrowRange}},
	})
}

func TestCompareNotEqualOrderedScalar(t *testing.T) {
	const nan, one, two = 0x7fc00000, 0x3f800000, 0x40000000
	m := ir.NewMethod("cmpne")
	m.AppendTree(m.Return(m.HWIntrinsicNode(hwintrinsic.SSECompareNotEqualOrderedScalar, ir.TypeInt, ir.TypeFloat, 16,
		m.ClsVar(ir.TypeSIMD16, "a"), m.ClsVar(ir.TypeSIMD16, "b"))))
	c := compile(t, "amd64-sysv", m)
	tests := []struct {
		a, b uint32
		want uint64
	}{
		{one, one, 0},
		{one, two, 1},
		{nan, one, 1},
		{one, nan, 1},
	}
	for _, tt := range tests {
		mc := simulate(t, c, statics{vecs: map[string][4]uint32{"a": {tt.a}, "b": {tt.b}}})
		if got := mc.Reg(target.RAX); got != tt.want {
			t.Fatalf("CompareNotEqualOrderedScalar(%#x, %#x)=%d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSignedDivideOverflowFaults(t *testing.T) {
	m := ir.NewMethod("div")
	m.AppendTree(m.Return(m.Binary(ir.OpDiv, ir.TypeInt, m.ClsVar(ir.TypeInt, "a"), m.ClsVar(ir.TypeInt, "b"))))
	c := compile(t, "amd64-sysv", m)
	mc := simulate(t, c, statics{longs: map[string]uint64{"a": 0xfffffff1, "b": 5}})
	if got := int32(mc.Reg(target.RAX)); got != -3 {
		t.Fatalf("-15/5=%d, want -3", got)
	}
	var thrown string
	mc = machine(t, statics{longs: map[string]uint64{"a": 0x80000000, "b": 0xffffffff}}, &thrown)
	if err := mc.Run(c.l); err == nil {
		t.Fatalf("MinValue/-1 ran to completion with eax=%#x", mc.Reg(target.RAX))
	}
}

func TestExtractConstantImmediate(t *testing.T) {
	m := extract(func(m *ir.Method) *ir.Node { return m.IntCon(ir.TypeInt, 2) })
	c := compile(t, "amd64-sysv-sse41", m)
	if len(c.l.Tables()) != 0 {
		t.Fatalf("jump table emitted for a constant immediate")
	}
	in, ok := find(c.l.Instrs(), amd64.PEXTRD)
	if !ok || in.Imm != 2 || in.Form != asm.FormRRI {
		t.Fatalf("no pextrd with immediate 2:\n%s", c.l)
	}
	mc := simulate(t, c, statics{vecs: map[string][4]uint32{"v": sample}})
	if got := uint32(mc.Reg(target.RAX)); got != sample[2] {
		t.Fatalf("Extract(2)=%#x, want %#x", got, sample[2])
	}

	m = extract(func(m *ir.Method) *ir.Node { return m.IntCon(ir.TypeInt, 16) })
	if _, err := build("amd64-sysv-sse41", m); !jiterr.IsInternal(err) {
		t.Fatalf("build()=%v, want an internal error for immediate 16", err)
	}
}

func TestStaticArithmetic(t *testing.T) {
	m := ir.NewMethod("arith")
	a, b := m.ClsVar(ir.TypeLong, "a"), m.ClsVar(ir.TypeLong, "b")
	sum := m.Binary(ir.OpAdd, ir.TypeLong, a, m.IntCon(ir.TypeLong, 0x1_0000_0000))
	m.AppendTree(m.Return(m.Binary(ir.OpMul, ir.TypeLong, sum, b)))
	c := compile(t, "amd64-sysv", m)
	mc := simulate(t, c, statics{longs: map[string]uint64{"a": 5, "b": 3}})
	if got, want := mc.Reg(target.RAX), uint64(0x1_0000_0005*3); got != want {
		t.Fatalf("(a+2^32)*b=%#x, want %#x", got, want)
	}
}
