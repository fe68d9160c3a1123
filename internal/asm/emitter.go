package asm

import (
	"fmt"

	"github.com/tinyrange/jitlower/internal/target"
)

// Ins is an instruction identity. Each architecture package declares its own
// enumeration and describes it through an InstructionSet.
type Ins uint16

// Size is an operand size attribute in bytes.
type Size uint8

const (
	S1  Size = 1
	S2  Size = 2
	S4  Size = 4
	S8  Size = 8
	S16 Size = 16
	S32 Size = 32
)

// SizeOf is the size attribute of a value of n bytes, rounded up.
func SizeOf(n int) Size {
	switch {
	case n <= 1:
		return S1
	case n <= 2:
		return S2
	case n <= 4:
		return S4
	case n <= 8:
		return S8
	case n <= 16:
		return S16
	}
	return S32
}

// Label names a code position.
type Label string

// MemKind distinguishes how a memory operand's address is formed.
type MemKind uint8

const (
	// MemAddr is [base + index*scale + disp].
	MemAddr MemKind = iota
	// MemStatic is a static field or symbol, [sym + disp].
	MemStatic
	// MemConst is a read-only data constant embedded by the emitter.
	MemConst
	// MemLabel is the address of a code label or jump table.
	MemLabel
)

// Mem describes a memory operand.
type Mem struct {
	Kind  MemKind
	Base  target.Reg
	Index target.Reg
	Scale uint8
	Disp  int32
	Sym   string
	Label Label
	// Const holds the little-endian bytes of a MemConst operand.
	Const []byte
}

// AddrMem returns [base + index*scale + disp]; base or index may be RegNone.
func AddrMem(base, index target.Reg, scale uint8, disp int32) Mem {
	if scale == 0 {
		scale = 1
	}
	return Mem{Kind: MemAddr, Base: base, Index: index, Scale: scale, Disp: disp}
}

// BaseMem returns [base + disp].
func BaseMem(base target.Reg, disp int32) Mem {
	return AddrMem(base, target.RegNone, 1, disp)
}

func StaticMem(sym string, disp int32) Mem {
	return Mem{Kind: MemStatic, Base: target.RegNone, Index: target.RegNone, Sym: sym, Disp: disp}
}

func ConstMem(data []byte) Mem {
	return Mem{Kind: MemConst, Base: target.RegNone, Index: target.RegNone, Const: append([]byte(nil), data...)}
}

func LabelMem(l Label) Mem {
	return Mem{Kind: MemLabel, Base: target.RegNone, Index: target.RegNone, Label: l}
}

// WithDisp returns a copy of m with off added to its displacement.
func (m Mem) WithDisp(off int32) Mem {
	m.Disp += off
	return m
}

// Regs returns the registers the address reads.
func (m Mem) Regs() []target.Reg {
	var out []target.Reg
	if m.Kind == MemAddr {
		if m.Base != target.RegNone {
			out = append(out, m.Base)
		}
		if m.Index != target.RegNone {
			out = append(out, m.Index)
		}
	}
	return out
}

func (m Mem) validate() error {
	if m.Kind != MemAddr {
		return nil
	}
	if m.Base == target.RegNone && m.Index == target.RegNone && m.Disp == 0 {
		return fmt.Errorf("memory operand requires a base, an index or an absolute address")
	}
	switch m.Scale {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("invalid index scale %d", m.Scale)
	}
	return nil
}

// Emitter is the machine-code producing collaborator. Operands are physical
// registers, immediates and memory descriptors; the emitter chooses the
// encoding.
type Emitter interface {
	EmitNone(ins Ins, size Size)
	EmitR(ins Ins, size Size, r target.Reg)
	EmitRR(ins Ins, size Size, dst, src target.Reg)
	EmitRRR(ins Ins, size Size, dst, src1, src2 target.Reg)
	EmitRRRR(ins Ins, size Size, dst, src1, src2, src3 target.Reg)
	EmitRI(ins Ins, size Size, r target.Reg, imm int64)
	EmitRRI(ins Ins, size Size, dst, src target.Reg, imm int64)
	EmitRRRI(ins Ins, size Size, dst, src1, src2 target.Reg, imm int64)
	EmitRM(ins Ins, size Size, dst target.Reg, m Mem)
	EmitRRM(ins Ins, size Size, dst, src target.Reg, m Mem)
	EmitRMI(ins Ins, size Size, dst target.Reg, m Mem, imm int64)
	EmitRRMI(ins Ins, size Size, dst, src target.Reg, m Mem, imm int64)
	EmitMR(ins Ins, size Size, m Mem, src target.Reg)
	EmitMRI(ins Ins, size Size, m Mem, src target.Reg, imm int64)
	EmitMI(ins Ins, size Size, m Mem, imm int64)
	EmitM(ins Ins, size Size, m Mem)
	EmitJ(ins Ins, l Label)
	// EmitCall emits a direct call to sym, or an indirect call through r when
	// sym is empty.
	EmitCall(ins Ins, sym string, r target.Reg)
	EmitLabel(l Label)
	// EmitJumpTable places a table of 32-bit entries, each the distance of
	// a case label from base, in the read-only data section.
	EmitJumpTable(table, base Label, cases []Label)

	NewLabel() Label
	UseVEX() bool
	IsThreeOperandForm(ins Ins) bool
	SupportsMemoryOperand(ins Ins) bool
}

// InstructionSet describes one architecture's instruction enumeration.
type InstructionSet interface {
	Arch() target.Arch
	Name(ins Ins) string
	// VEXEncodable reports legacy SSE instructions that gain a
	// non-destructive three-operand form under VEX.
	VEXEncodable(ins Ins) bool
	SupportsMemoryOperand(ins Ins) bool
	IsJump(ins Ins) bool
}
