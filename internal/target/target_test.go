package target

import (
	"math"
	"testing"

	"github.com/tinyrange/jitlower/internal/ir"
)

func TestFitsInt32Boundaries(t *testing.T) {
	tests := []struct {
		v    int64
		want bool
	}{
		{0, true},
		{100, true},
		{math.MaxInt32, true},
		{math.MaxInt32 + 1, false},
		{math.MinInt32, true},
		{math.MinInt32 - 1, false},
		{0x1_0000_0000, false},
		{-1, true},
	}
	for _, tt := range tests {
		if got := FitsInt32(tt.v); got != tt.want {
			t.Fatalf("FitsInt32(%d)=%v, want %v", tt.v, got, tt.want)
		}
		if got := ImmFits(ArchAMD64, ImmALU, tt.v, 8); got != tt.want {
			t.Fatalf("ImmFits(amd64, alu, %d)=%v, want %v", tt.v, got, tt.want)
		}
	}
	if FitsInt32(uint64(math.MaxUint64)) {
		t.Fatalf("FitsInt32(MaxUint64) = true")
	}
}

func TestArm64Immediates(t *testing.T) {
	tests := []struct {
		kind ImmKind
		v    int64
		size int
		want bool
	}{
		{ImmALU, 0xfff, 8, true},
		{ImmALU, 0x1000, 8, true},
		{ImmALU, 0x1001, 8, false},
		{ImmALU, 0xfff000, 8, true},
		{ImmALU, 0x1000000, 8, false},
		{ImmALU, -4095, 8, true},
		{ImmCompare, -1, 4, true},
		{ImmLogical, 0xff, 8, true},
		{ImmLogical, 0x00ff00ff00ff00ff, 8, true},
		{ImmLogical, 0x5555555555555555, 8, true},
		{ImmLogical, 0, 8, false},
		{ImmLogical, -1, 8, false},
		{ImmLogical, 0x1234, 8, false},
		{ImmLogical, 0xffff0000, 4, true},
		{ImmShift, 31, 4, true},
		{ImmShift, 32, 4, false},
		{ImmShift, 63, 8, true},
		{ImmStoreData, 0, 8, true},
		{ImmStoreData, 1, 8, false},
		{ImmAddrOffset, -256, 8, true},
		{ImmAddrOffset, -257, 8, false},
		{ImmAddrOffset, 8 * 4095, 8, true},
		{ImmAddrOffset, 8 * 4096, 8, false},
		{ImmAddrOffset, 260, 8, false},
		{ImmMov, 0xffff0000, 8, true},
	}
	for _, tt := range tests {
		if got := ImmFits(ArchARM64, tt.kind, tt.v, tt.size); got != tt.want {
			t.Fatalf("ImmFits(arm64, %s, %#x, %d)=%v, want %v", tt.kind, tt.v, tt.size, got, tt.want)
		}
	}
}

func TestArmImmediates(t *testing.T) {
	tests := []struct {
		kind ImmKind
		v    int64
		want bool
	}{
		{ImmLogical, 0xff, true},
		{ImmLogical, 0xff000000, true},
		{ImmLogical, 0xf000000f, true},
		{ImmLogical, 0x101, false},
		{ImmALU, 0xfff, true},
		{ImmALU, -0xfff, true},
		{ImmALU, 0x1001, false},
		{ImmCompare, -4, true},
		{ImmCompare, 0xfff, false},
		{ImmMov, 0xffff, true},
		{ImmMov, -2, true},
		{ImmMov, 0x12345, false},
		{ImmAddrOffset, 0xfff, true},
		{ImmAddrOffset, -0xff, true},
		{ImmAddrOffset, -0x100, false},
	}
	for _, tt := range tests {
		if got := ImmFits(ArchARM, tt.kind, tt.v, 4); got != tt.want {
			t.Fatalf("ImmFits(arm, %s, %#x)=%v, want %v", tt.kind, tt.v, got, tt.want)
		}
	}
}

func TestAssignArgs(t *testing.T) {
	types := []ir.Type{ir.TypeInt, ir.TypeDouble, ir.TypeLong, ir.TypeFloat}

	sysv := DefaultABI(ConvSysV).AssignArgs(types, false)
	want := []Reg{RDI, XMM0, RSI, XMM1}
	for i, loc := range sysv {
		if loc.Reg != want[i] {
			t.Fatalf("sysv arg %d in %s, want %s", i, loc.Reg.Name(ArchAMD64, 8), want[i].Name(ArchAMD64, 8))
		}
	}

	win := DefaultABI(ConvWindows).AssignArgs(types, true)
	want = []Reg{RCX, XMM1, R8, XMM3}
	for i, loc := range win {
		if loc.Reg != want[i] {
			t.Fatalf("windows arg %d in %s, want %s", i, loc.Reg.Name(ArchAMD64, 8), want[i].Name(ArchAMD64, 8))
		}
	}
	if win[1].Shadow != RDX || win[3].Shadow != R9 || win[0].Shadow != RegNone {
		t.Fatalf("windows varargs shadows = %v %v %v", win[0].Shadow, win[1].Shadow, win[3].Shadow)
	}

	five := DefaultABI(ConvWindows).AssignArgs(make([]ir.Type, 5), false)
	if !five[4].OnStack || five[4].StackOffset != 32 {
		t.Fatalf("fifth windows arg = %+v, want stack offset 32", five[4])
	}
}

func TestReturnRegs(t *testing.T) {
	abi := DefaultABI(ConvSysV)
	regs, err := abi.ReturnRegs([]ir.Type{ir.TypeLong, ir.TypeDouble})
	if err != nil {
		t.Fatalf("ReturnRegs(): %v", err)
	}
	if regs[0] != RAX || regs[1] != XMM0 {
		t.Fatalf("ReturnRegs()=%v", regs)
	}
	if _, err := DefaultABI(ConvWindows).ReturnRegs([]ir.Type{ir.TypeLong, ir.TypeLong}); err == nil {
		t.Fatalf("windows accepted a two-register integer return")
	}
}

func TestNewTarget(t *testing.T) {
	tgt, err := New("t", ArchAMD64, ConvSysV, NewISASet(ISAAVX2))
	if err != nil {
		t.Fatalf("New(): %v", err)
	}
	for _, isa := range []ISA{ISASSE, ISASSE2, ISASSE41, ISAAVX, ISAAVX2} {
		if !tgt.Has(isa) {
			t.Fatalf("target lacks implied %s: %s", isa, tgt.ISA)
		}
	}
	if !tgt.UseVEX() || tgt.VectorByteLength() != 32 {
		t.Fatalf("UseVEX()=%v VectorByteLength()=%d", tgt.UseVEX(), tgt.VectorByteLength())
	}
	if tgt.IntRegs.Has(RSP) || !tgt.IntRegs.Has(R15) {
		t.Fatalf("allocatable ints = %s", tgt.IntRegs.Format(ArchAMD64))
	}
	if _, err := New("bad", ArchAMD64, ConvSysV, NewISASet(ISAAdvSimd)); err == nil {
		t.Fatalf("New() accepted an arm64 extension on amd64")
	}
	if _, err := New("bad", ArchARM64, ConvSysV, 0); err == nil {
		t.Fatalf("New() accepted sysv on arm64")
	}
}

func TestRegistry(t *testing.T) {
	tgt, err := Lookup("amd64-sysv")
	if err != nil {
		t.Fatalf("Lookup(): %v", err)
	}
	if tgt.Has(ISASSE41) {
		t.Fatalf("baseline target has sse41")
	}
	if _, err := Lookup("mips"); err == nil {
		t.Fatalf("Lookup(mips) succeeded")
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate Register did not panic")
		}
	}()
	Register(tgt)
}

func TestRegNames(t *testing.T) {
	if got := RAX.Name(ArchAMD64, 4); got != "eax" {
		t.Fatalf("RAX.Name(4)=%q", got)
	}
	if got := XMM(3).Name(ArchAMD64, 32); got != "ymm3" {
		t.Fatalf("XMM3.Name(32)=%q", got)
	}
	if got := V(2).Name(ArchARM64, 8); got != "d2" {
		t.Fatalf("V2.Name(8)=%q", got)
	}
	if got := X3.Name(ArchARM64, 4); got != "w3" {
		t.Fatalf("X3.Name(4)=%q", got)
	}
	m := MaskOf(RCX, RDI)
	if m.First() != RCX || m.Count() != 2 || m.Format(ArchAMD64) != "{rcx,rdi}" {
		t.Fatalf("mask = %s", m.Format(ArchAMD64))
	}
}
