package amd64

import (
	"math"
	"testing"

	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/target"
)

func run(t *testing.T, l *asm.Listing, setup func(m *Machine)) *Machine {
	t.Helper()
	if err := l.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	m := NewMachine()
	if setup != nil {
		setup(m)
	}
	if err := m.Run(l); err != nil {
		t.Fatalf("Run failed: %v\n%s", err, l)
	}
	return m
}

func TestSimArithmetic(t *testing.T) {
	l := NewListing(false)
	l.EmitRI(MOV, asm.S4, target.RAX, 7)
	l.EmitRI(ADD, asm.S4, target.RAX, -10)
	l.EmitRR(MOVSXD, asm.S4, target.RCX, target.RAX)
	l.EmitRRI(IMUL, asm.S8, target.RDX, target.RCX, 3)
	l.EmitNone(RET, asm.S8)
	m := run(t, l, nil)
	if got := m.GPR[target.RAX]; got != 0xfffffffd {
		t.Fatalf("eax=0x%x, want 0xfffffffd (upper half cleared)", got)
	}
	if got := int64(m.GPR[target.RDX]); got != -9 {
		t.Fatalf("rdx=%d, want -9", got)
	}
}

func TestSimSignedDivide(t *testing.T) {
	l := NewListing(false)
	l.EmitRI(MOV, asm.S4, target.RAX, -17)
	l.EmitRI(MOV, asm.S4, target.RCX, 5)
	l.EmitNone(CDQ, asm.S4)
	l.EmitR(IDIV, asm.S4, target.RCX)
	l.EmitNone(RET, asm.S8)
	m := run(t, l, nil)
	if got := int32(m.GPR[target.RAX]); got != -3 {
		t.Fatalf("quotient=%d, want -3", got)
	}
	if got := int32(m.GPR[target.RDX]); got != -2 {
		t.Fatalf("remainder=%d, want -2", got)
	}
}

func TestSimDivideOverflow(t *testing.T) {
	tests := []struct {
		ins      asm.Ins
		size     asm.Size
		rax, rdx uint64
		d        uint64
	}{
		{IDIV, asm.S4, 0x80000000, 0xffffffff, 0xffffffff},
		{IDIV, asm.S4, 0, 1, 1},
		{DIV, asm.S4, 0, 1, 1},
		{IDIV, asm.S8, 1 << 63, math.MaxUint64, math.MaxUint64},
	}
	for _, tt := range tests {
		l := NewListing(false)
		l.EmitR(tt.ins, tt.size, target.RCX)
		l.EmitNone(RET, asm.S8)
		m := NewMachine()
		m.SetReg(target.RAX, tt.rax)
		m.SetReg(target.RDX, tt.rdx)
		m.SetReg(target.RCX, tt.d)
		if err := m.Run(l); err == nil {
			t.Fatalf("%s: %#x:%#x / %#x ran, rax=%#x", l.Format(l.Instrs()[0]), tt.rdx, tt.rax, tt.d, m.Reg(target.RAX))
		}
	}
}

func TestSimMoveQuadword(t *testing.T) {
	l := NewListing(false)
	l.EmitRR(MOVQ, asm.S8, target.XMM0, target.RDI)
	l.EmitRR(MOVQ, asm.S8, target.XMM1, target.XMM0)
	l.EmitRR(MOVQ, asm.S8, target.RAX, target.XMM1)
	l.EmitNone(RET, asm.S8)
	m := run(t, l, func(m *Machine) {
		m.GPR[target.RDI] = 0x0123456789abcdef
		var junk [32]byte
		for i := range junk {
			junk[i] = 0xff
		}
		m.SetVec(target.XMM1, junk)
	})
	if got := m.GPR[target.RAX]; got != 0x0123456789abcdef {
		t.Fatalf("rax=%#x, want 0x123456789abcdef", got)
	}
	if got := lane(m.Vec(target.XMM1), 8, 1); got != 0 {
		t.Fatalf("upper quadword of xmm1=%#x, want 0", got)
	}
}

func TestSimReadModifyWriteMemory(t *testing.T) {
	l := NewListing(false)
	l.EmitMI(ADD, asm.S4, asm.BaseMem(target.RDI, 4), 5)
	l.EmitNone(RET, asm.S8)
	var addr uint64
	m := run(t, l, func(m *Machine) {
		addr = m.Alloc(16)
		m.GPR[target.RDI] = addr
		_ = m.Write(addr+4, 4, 37)
	})
	if got, _ := m.Read(addr+4, 4); got != 42 {
		t.Fatalf("[rdi+4]=%d, want 42", got)
	}
}

func TestSimConditionalBranch(t *testing.T) {
	l := NewListing(false)
	less := l.NewLabel()
	l.EmitRI(MOV, asm.S8, target.RAX, 0)
	l.EmitRR(CMP, asm.S8, target.RDI, target.RSI)
	l.EmitJ(JL, less)
	l.EmitRI(MOV, asm.S8, target.RAX, 2)
	l.EmitNone(RET, asm.S8)
	l.EmitLabel(less)
	l.EmitRI(MOV, asm.S8, target.RAX, 1)
	l.EmitNone(RET, asm.S8)

	m := run(t, l, func(m *Machine) {
		m.GPR[target.RDI] = uint64(math.MaxUint64) // -1
		m.GPR[target.RSI] = 3
	})
	if m.GPR[target.RAX] != 1 {
		t.Fatalf("rax=%d, want 1", m.GPR[target.RAX])
	}
}

func TestSimJumpTable(t *testing.T) {
	l := NewListing(false)
	table, base := l.NewLabel(), l.NewLabel()
	cases := []asm.Label{l.NewLabel(), l.NewLabel(), l.NewLabel()}
	l.EmitRM(LEA, asm.S8, target.RAX, asm.LabelMem(table))
	l.EmitRM(MOVSXD, asm.S4, target.RAX, asm.AddrMem(target.RAX, target.RDI, 4, 0))
	l.EmitRM(LEA, asm.S8, target.RCX, asm.LabelMem(base))
	l.EmitRR(ADD, asm.S8, target.RAX, target.RCX)
	l.EmitR(JMP, asm.S8, target.RAX)
	l.EmitLabel(base)
	for i, c := range cases {
		l.EmitLabel(c)
		l.EmitRI(MOV, asm.S8, target.RDX, int64(100+i))
		l.EmitNone(RET, asm.S8)
	}
	l.EmitJumpTable(table, base, cases)

	for i := range cases {
		m := run(t, l, func(m *Machine) { m.GPR[target.RDI] = uint64(i) })
		if got := m.GPR[target.RDX]; got != uint64(100+i) {
			t.Fatalf("case %d: rdx=%d", i, got)
		}
	}
}

func TestSimHelperCall(t *testing.T) {
	l := NewListing(false)
	l.EmitRI(MOV, asm.S8, target.RDI, 20)
	l.EmitCall(CALL, "double", target.RegNone)
	l.EmitNone(RET, asm.S8)
	m := NewMachine()
	m.Helpers["double"] = func(m *Machine) error {
		m.GPR[target.RAX] = 2 * m.GPR[target.RDI]
		return nil
	}
	if err := m.Run(l); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if m.GPR[target.RAX] != 40 {
		t.Fatalf("rax=%d, want 40", m.GPR[target.RAX])
	}
}

func vecOf32(vals ...uint32) [32]byte {
	var v [32]byte
	for i, x := range vals {
		setLane(&v, 4, i, uint64(x))
	}
	return v
}

func TestSimPackedMultiplyLow(t *testing.T) {
	// Four 32-bit products from the two-lane pmuludq.
	l := NewListing(false)
	l.EmitRR(MOVAPS, asm.S16, target.XMM2, target.XMM0)
	l.EmitRR(PMULUDQ, asm.S16, target.XMM2, target.XMM1)
	l.EmitRI(PSRLDQ, asm.S16, target.XMM0, 4)
	l.EmitRI(PSRLDQ, asm.S16, target.XMM1, 4)
	l.EmitRR(PMULUDQ, asm.S16, target.XMM0, target.XMM1)
	l.EmitRRI(PSHUFD, asm.S16, target.XMM2, target.XMM2, 0x08)
	l.EmitRRI(PSHUFD, asm.S16, target.XMM0, target.XMM0, 0x08)
	l.EmitRR(PUNPCKLDQ, asm.S16, target.XMM2, target.XMM0)
	l.EmitNone(RET, asm.S8)

	m := run(t, l, func(m *Machine) {
		m.SetVec(target.XMM0, vecOf32(1, 2, 3, 0x10000))
		m.SetVec(target.XMM1, vecOf32(5, 6, 7, 0x10001))
	})
	got := m.Vec(target.XMM2)
	want := []uint32{5, 12, 21, 0x10000}
	for i, w := range want {
		if lane(got, 4, i) != uint64(w) {
			t.Fatalf("lane %d = 0x%x, want 0x%x", i, lane(got, 4, i), w)
		}
	}
}

func TestSimUnorderedCompare(t *testing.T) {
	l := NewListing(false)
	l.EmitRR(UCOMISD, asm.S8, target.XMM0, target.XMM1)
	l.EmitR(SETP, asm.S1, target.RAX)
	l.EmitR(SETE, asm.S1, target.RCX)
	l.EmitNone(RET, asm.S8)
	m := run(t, l, func(m *Machine) {
		var a, b [32]byte
		setF64(&a, 0, math.NaN())
		setF64(&b, 0, 1)
		m.SetVec(target.XMM0, a)
		m.SetVec(target.XMM1, b)
	})
	if m.GPR[target.RAX]&0xff != 1 || m.GPR[target.RCX]&0xff != 1 {
		t.Fatalf("unordered compare flags: setp=%d sete=%d", m.GPR[target.RAX]&0xff, m.GPR[target.RCX]&0xff)
	}
}

func TestSimScalarConversions(t *testing.T) {
	l := NewListing(false)
	l.EmitRR(CVTSI2SD, asm.S8, target.XMM0, target.RDI)
	l.EmitRR(ADDSD, asm.S8, target.XMM0, target.XMM0)
	l.EmitRR(CVTTSD2SI, asm.S4, target.RAX, target.XMM0)
	l.EmitNone(RET, asm.S8)
	m := run(t, l, func(m *Machine) { m.GPR[target.RDI] = uint64(0xfffffffffffffff9) })
	if got := int32(m.GPR[target.RAX]); got != -14 {
		t.Fatalf("eax=%d, want -14", got)
	}
}

func TestSimExtractInsert(t *testing.T) {
	l := NewListing(false)
	l.EmitRRI(PINSRD, asm.S4, target.XMM0, target.RDI, 2)
	l.EmitRRI(PEXTRD, asm.S4, target.RAX, target.XMM0, 2)
	l.EmitRRI(PEXTRW, asm.S2, target.RCX, target.XMM0, 2)
	l.EmitNone(RET, asm.S8)
	m := run(t, l, func(m *Machine) { m.GPR[target.RDI] = 0xdeadbeef })
	if got := m.GPR[target.RAX]; got != 0xdeadbeef {
		t.Fatalf("pextrd=0x%x", got)
	}
	if got := m.GPR[target.RCX]; got != 0 {
		t.Fatalf("pextrw lane 2=0x%x, want 0", got)
	}
}

func TestSimStepLimit(t *testing.T) {
	l := NewListing(false)
	top := l.NewLabel()
	l.EmitLabel(top)
	l.EmitJ(JMP, top)
	m := NewMachine()
	m.MaxSteps = 50
	if err := m.Run(l); err == nil {
		t.Fatalf("expected step limit error")
	}
}
