package codegen

import (
	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/asm/amd64"
	"github.com/tinyrange/jitlower/internal/hwintrinsic"
	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/lower"
	"github.com/tinyrange/jitlower/internal/target"
)

// shiftsInPlace are the immediate shifts whose legacy form only has a
// destination operand.
var shiftsInPlace = map[asm.Ins]bool{
	amd64.PSLLW: true, amd64.PSLLD: true, amd64.PSLLQ: true,
	amd64.PSRLW: true, amd64.PSRLD: true, amd64.PSRLQ: true,
	amd64.PSRAW: true, amd64.PSRAD: true,
	amd64.PSLLDQ: true, amd64.PSRLDQ: true,
}

// countsBits are the scalar instructions with a false dependency on their
// destination.
var countsBits = map[asm.Ins]bool{amd64.POPCNT: true, amd64.LZCNT: true, amd64.TZCNT: true}

func (x *xarchGen) hwIntrinsic(n *ir.Node) error {
	hw, ok := hwintrinsic.Lookup(n.HW)
	if !ok {
		return jiterr.Invariantf("unknown hardware intrinsic %d", n.HW)
	}
	ins, ok := hw.Instruction(n.BaseType)
	if !ok || ins == amd64.INVALID {
		return jiterr.Invariantf("%s has no %s form", hwintrinsic.QualifiedName(n.HW), n.BaseType)
	}
	switch {
	case n.HW == hwintrinsic.BMI2MultiplyNoFlags:
		return jiterr.NYINode(n, "%s", hwintrinsic.QualifiedName(n.HW))
	case hw.Has(hwintrinsic.FlagResult):
		return x.hwCompare(n, hw, ins)
	case hw.Has(hwintrinsic.MultiplyLow32) && n.BaseType.Size() == 4:
		return x.mulLow32(n, x.use(n.Op1()), x.use(n.Op2()))
	case n.HW == hwintrinsic.SSE42Crc32:
		dst := x.reg(n)
		if acc := x.use(n.Op1()); acc != dst {
			x.e.EmitRR(amd64.MOV, asm.S4, dst, acc)
		}
		src, err := x.operand(n.Op2())
		if err != nil {
			return err
		}
		x.emit(amd64.CRC32, asm.SizeOf(n.BaseType.Size()), dst, src)
		return nil
	case hw.Category == hwintrinsic.CategoryScalar:
		return x.hwScalar(n, ins)
	}

	ops := n.Operands()
	if hw.HasImm() {
		imm := ops[hw.ImmIndex()]
		ops = ops[:hw.ImmIndex()]
		if !x.contained(imm) {
			return x.immJumpTable(n, hw, imm, func(v int64) error { return x.hwVector(n, hw, ins, ops, v) })
		}
		if !hw.ImmInRange(imm.IntVal) {
			return jiterr.Invariantf("%s immediate %d outside [%d, %d]",
				hwintrinsic.QualifiedName(n.HW), imm.IntVal, hw.ImmLo, hw.ImmHi)
		}
		return x.hwVector(n, hw, ins, ops, imm.IntVal)
	}
	imm := int64(-1)
	if hw.Has(hwintrinsic.FixedImm) {
		imm = hw.Imm
	}
	return x.hwVector(n, hw, ins, ops, imm)
}

// hwVector emits a vector intrinsic on its non-immediate operands; imm is
// -1 when there is none.
func (x *xarchGen) hwVector(n *ir.Node, hw *hwintrinsic.Info, ins asm.Ins, ops []*ir.Node, imm int64) error {
	size := asm.S16
	if hw.SIMDSize == 32 {
		size = asm.S32
	}
	dst := x.reg(n)
	switch len(ops) {
	case 1:
		src, err := x.operand(ops[0])
		if err != nil {
			return err
		}
		switch {
		case imm < 0:
			x.emit(ins, size, dst, src)
		case shiftsInPlace[ins] && src.kind == opMem:
			x.e.EmitRM(amd64.MOVUPS, size, dst, src.mem)
			x.e.EmitRI(ins, size, dst, imm)
		case shiftsInPlace[ins]:
			x.shiftVec(ins, size, dst, src.reg, imm)
		default:
			x.emitI(ins, size, dst, src, imm)
		}
	case 2:
		a := x.use(ops[0])
		b, err := x.operand(ops[1])
		if err != nil {
			return err
		}
		if !x.e.IsThreeOperandForm(ins) && b.kind == opReg && b.reg == dst && a != dst {
			if !hw.Has(hwintrinsic.Commutative) {
				return jiterr.Invariantf("second operand of %s shares the destination", hwintrinsic.QualifiedName(n.HW))
			}
			a, b = b.reg, regOp(a)
		}
		if imm >= 0 {
			x.sseI(ins, size, dst, a, b, imm)
		} else {
			x.sse(ins, size, dst, a, b)
		}
	case 3:
		return x.hwTernary(n, hw, ins, size, ops)
	default:
		return jiterr.Invariantf("%s with %d operands", hwintrinsic.QualifiedName(n.HW), len(ops))
	}
	return nil
}

// hwTernary covers the fused multiplies, which overwrite their first
// operand, and the variable blends, whose legacy form reads the mask from
// xmm0.
func (x *xarchGen) hwTernary(n *ir.Node, hw *hwintrinsic.Info, ins asm.Ins, size asm.Size, ops []*ir.Node) error {
	dst, a, b := x.reg(n), x.use(ops[0]), x.use(ops[1])
	c, err := x.operand(ops[2])
	if err != nil {
		return err
	}
	switch {
	case hw.Has(hwintrinsic.TiedDst):
		x.movVec(size, dst, a)
		if c.kind == opMem {
			x.e.EmitRRM(ins, size, dst, b, c.mem)
		} else {
			x.e.EmitRRR(ins, size, dst, b, c.reg)
		}
	case hw.Has(hwintrinsic.MaskInXMM0) && x.e.UseVEX():
		x.e.EmitRRRR(ins, size, dst, a, b, c.reg)
	case hw.Has(hwintrinsic.MaskInXMM0):
		if c.reg != target.XMM0 {
			return jiterr.Invariantf("blend mask in %v, not xmm0", c.reg)
		}
		x.movVec(size, dst, a)
		x.e.EmitRR(ins, size, dst, b)
	default:
		return jiterr.NYINode(n, "three-operand %s", hwintrinsic.QualifiedName(n.HW))
	}
	return nil
}

func (x *xarchGen) hwScalar(n *ir.Node, ins asm.Ins) error {
	dst := x.reg(n)
	ops := n.Operands()
	size := intSize(n.BaseType)
	switch len(ops) {
	case 1:
		src, err := x.operand(ops[0])
		if err != nil {
			return err
		}
		if countsBits[ins] && !(src.kind == opReg && src.reg == dst) {
			x.e.EmitRR(amd64.XOR, asm.S4, dst, dst)
		}
		x.emit(ins, size, dst, src)
	case 2:
		a := x.use(ops[0])
		b, err := x.operand(ops[1])
		if err != nil {
			return err
		}
		if ins == amd64.CVTSI2SD {
			// The vector operand supplies the upper element.
			x.sse(ins, size, dst, a, b)
			return nil
		}
		if b.kind == opMem {
			x.e.EmitRRM(ins, size, dst, a, b.mem)
		} else {
			x.e.EmitRRR(ins, size, dst, a, b.reg)
		}
	default:
		return jiterr.Invariantf("scalar intrinsic with %d operands", len(ops))
	}
	return nil
}

// hwCompare materializes the flags a compare or test intrinsic sets as 0
// or 1.
func (x *xarchGen) hwCompare(n *ir.Node, hw *hwintrinsic.Info, ins asm.Ins) error {
	a, b := n.Op1(), n.Op2()
	if hw.Has(hwintrinsic.SwapCompare) {
		a, b = b, a
	}
	size := floatSize(n.BaseType)
	if ins == amd64.PTEST || ins == amd64.VTESTPS {
		size = asm.S16
		if hw.SIMDSize == 32 {
			size = asm.S32
		}
	}
	if x.contained(a) {
		return jiterr.Invariantf("contained left operand of %s", hwintrinsic.QualifiedName(n.HW))
	}
	ob, err := x.operand(b)
	if err != nil {
		return err
	}
	x.emit(ins, size, x.use(a), ob)

	dst := x.reg(n)
	x.e.EmitR(amd64.SetCC(hw.Cond), asm.S1, dst)
	if hw.Has(hwintrinsic.TwoSetCC) {
		if err := x.needTemps(n, 1, 0); err != nil {
			return err
		}
		tmp := x.intTemp(n, 0)
		x.e.EmitR(amd64.SetCC(hw.Cond2), asm.S1, tmp)
		// Equality needs both conditions, inequality either.
		if hw.Cond2 == amd64.JNP {
			x.e.EmitRR(amd64.AND, asm.S1, dst, tmp)
		} else {
			x.e.EmitRR(amd64.OR, asm.S1, dst, tmp)
		}
	}
	x.e.EmitRR(amd64.MOVZX, asm.S1, dst, dst)
	return nil
}

// immJumpTable dispatches on an immediate only known at run time: one copy
// of the instruction per encodable value, entered through a table of
// offsets from the method start. A value outside [ImmLo, ImmHi] throws
// before the table is read.
func (x *xarchGen) immJumpTable(n *ir.Node, hw *hwintrinsic.Info, imm *ir.Node, emitCase func(int64) error) error {
	if err := x.needTemps(n, 2, 0); err != nil {
		return err
	}
	offs, base := x.intTemp(n, 0), x.intTemp(n, 1)
	idx := x.use(imm)
	table, end := x.e.NewLabel(), x.e.NewLabel()
	start := asm.Label(x.m.Name)

	if hw.ImmLo != 0 {
		x.e.EmitRR(amd64.MOV, asm.S4, base, idx)
		x.e.EmitRI(amd64.SUB, asm.S4, base, hw.ImmLo)
		idx = base
	}
	if !n.HasFlag(ir.FlagRangeChecked) {
		x.e.EmitRI(amd64.CMP, asm.S4, idx, hw.ImmHi-hw.ImmLo)
		x.e.EmitJ(amd64.JA, x.throwLabel(lower.HelperThrowRange))
	}
	x.e.EmitRM(amd64.LEA, asm.S8, offs, asm.LabelMem(table))
	x.e.EmitRM(amd64.MOV, asm.S4, offs, asm.AddrMem(offs, idx, 4, 0))
	x.e.EmitRM(amd64.LEA, asm.S8, base, asm.LabelMem(start))
	x.e.EmitRR(amd64.ADD, asm.S8, offs, base)
	x.e.EmitR(amd64.JMP, asm.S8, offs)

	cases := make([]asm.Label, 0, hw.ImmHi-hw.ImmLo+1)
	for v := hw.ImmLo; v <= hw.ImmHi; v++ {
		l := x.e.NewLabel()
		cases = append(cases, l)
		x.e.EmitLabel(l)
		if err := emitCase(v); err != nil {
			return err
		}
		x.e.EmitJ(amd64.JMP, end)
	}
	x.e.EmitJumpTable(table, start, cases)
	x.e.EmitLabel(end)
	return nil
}
