package hwintrinsic

import (
	"testing"

	"github.com/tinyrange/jitlower/internal/asm/amd64"
	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/target"
)

func TestParseRoundTrip(t *testing.T) {
	for _, info := range All() {
		name := QualifiedName(info.ID)
		id, err := Parse(name)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", name, err)
		}
		if id != info.ID {
			t.Fatalf("Parse(%q)=%d, want %d", name, id, info.ID)
		}
	}
	if _, err := Parse("SSE2.NoSuchThing"); err == nil {
		t.Fatalf("Parse accepted an unknown name")
	}
}

func TestTableIsComplete(t *testing.T) {
	for _, info := range All() {
		if info.Name == "" || info.ISA == target.ISANone {
			t.Fatalf("intrinsic %d has no name or ISA", info.ID)
		}
		if info.NumArgs == 0 {
			t.Fatalf("%s has no operands", QualifiedName(info.ID))
		}
		if len(info.Ins) == 0 {
			t.Fatalf("%s has no instructions", QualifiedName(info.ID))
		}
		if info.HasImm() && info.ImmHi < info.ImmLo {
			t.Fatalf("%s immediate range [%d,%d] is empty", QualifiedName(info.ID), info.ImmLo, info.ImmHi)
		}
		if info.Has(FlagResult) && info.Cond == 0 {
			t.Fatalf("%s sets flags without a condition", QualifiedName(info.ID))
		}
		if info.Has(TwoSetCC) && info.Cond2 == 0 {
			t.Fatalf("%s needs a second condition", QualifiedName(info.ID))
		}
	}
}

func TestInstructionByBaseType(t *testing.T) {
	add := MustLookup(SSE2Add)
	tests := []struct {
		base ir.Type
		want string
	}{
		{ir.TypeByte, "paddb"},
		{ir.TypeUShort, "paddw"},
		{ir.TypeInt, "paddd"},
		{ir.TypeULong, "paddq"},
		{ir.TypeDouble, "addpd"},
	}
	for _, tt := range tests {
		ins, ok := add.Instruction(tt.base)
		if !ok {
			t.Fatalf("SSE2.Add has no %s form", tt.base)
		}
		if got := amd64.Set.Name(ins); got != tt.want {
			t.Fatalf("SSE2.Add<%s>=%s, want %s", tt.base, got, tt.want)
		}
	}
	if _, ok := add.Instruction(ir.TypeFloat); ok {
		t.Fatalf("SSE2.Add must not cover float")
	}
}

func TestCompareOrderedScalarIsFloatOnly(t *testing.T) {
	info := MustLookup(SSECompareEqualOrderedScalar)
	if _, ok := info.Instruction(ir.TypeInt); ok {
		t.Fatalf("ordered compare accepted an integral base")
	}
	if !info.Has(FlagResult) || !info.Has(TwoSetCC) {
		t.Fatalf("flags=%b", info.Flags)
	}
}

func TestImmediateBounds(t *testing.T) {
	ext := MustLookup(SSE2Extract)
	if ext.ImmIndex() != 1 {
		t.Fatalf("ImmIndex()=%d, want 1", ext.ImmIndex())
	}
	if !ext.ImmInRange(7) || ext.ImmInRange(8) || ext.ImmInRange(-1) {
		t.Fatalf("SSE2.Extract immediate range wrong")
	}
	if MustLookup(SSE41Floor).HasImm() {
		t.Fatalf("Floor encodes a fixed rounding mode")
	}
}

func TestSupported(t *testing.T) {
	base := target.MustNew("t", target.ArchAMD64, target.ConvSysV, 0)
	avx2 := target.MustNew("t", target.ArchAMD64, target.ConvSysV, target.NewISASet(target.ISAAVX2))
	arm := target.MustNew("t", target.ArchARM64, target.ConvAAPCS64, 0)

	tests := []struct {
		tgt  *target.Target
		id   ID
		want bool
	}{
		{base, SSE2Add, true},
		{base, SSE41Extract, false},
		{avx2, SSE41Extract, true},
		{avx2, AVX2Add, true},
		{base, POPCNTPopCount, false},
		{arm, AdvSimdAdd, true},
		{arm, SSE2Add, false},
		{base, AdvSimdAdd, false},
	}
	for _, tt := range tests {
		if got := Supported(tt.tgt, tt.id); got != tt.want {
			t.Fatalf("Supported(%s, %s)=%v, want %v", tt.tgt.ISA, QualifiedName(tt.id), got, tt.want)
		}
	}
}
