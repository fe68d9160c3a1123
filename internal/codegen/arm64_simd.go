package codegen

import (
	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/asm/arm64"
	"github.com/tinyrange/jitlower/internal/hwintrinsic"
	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/lower"
	"github.com/tinyrange/jitlower/internal/target"
)

var advSimdArith = map[ir.SIMDIntrinsic]laneIns{
	ir.SIMDAdd:        {arm64.VFADD, arm64.VFADD, arm64.VADD, arm64.VADD, arm64.VADD, arm64.VADD},
	ir.SIMDSub:        {arm64.VFSUB, arm64.VFSUB, arm64.VSUB, arm64.VSUB, arm64.VSUB, arm64.VSUB},
	ir.SIMDMul:        {f32: arm64.VFMUL, f64: arm64.VFMUL, i8: arm64.VMUL, i16: arm64.VMUL, i32: arm64.VMUL},
	ir.SIMDDiv:        {f32: arm64.VFDIV, f64: arm64.VFDIV},
	ir.SIMDBitwiseAnd: {arm64.VAND, arm64.VAND, arm64.VAND, arm64.VAND, arm64.VAND, arm64.VAND},
	ir.SIMDBitwiseOr:  {arm64.VORR, arm64.VORR, arm64.VORR, arm64.VORR, arm64.VORR, arm64.VORR},
	ir.SIMDBitwiseXor: {arm64.VEOR, arm64.VEOR, arm64.VEOR, arm64.VEOR, arm64.VEOR, arm64.VEOR},
	ir.SIMDEqual:      {arm64.VFCMEQ, arm64.VFCMEQ, arm64.VCMEQ, arm64.VCMEQ, arm64.VCMEQ, arm64.VCMEQ},
}

// bytewise are the lane instructions that only come in a .16b form.
var bytewise = map[asm.Ins]bool{
	arm64.VAND: true, arm64.VORR: true, arm64.VEOR: true, arm64.VBIC: true,
	arm64.VNOT: true, arm64.VBSL: true, arm64.CNT: true, arm64.VEXT: true, arm64.MOVI: true,
}

// laneBytes is the lane width ins operates on for base lanes.
func laneBytes(ins asm.Ins, base ir.Type) int {
	if bytewise[ins] {
		return 1
	}
	return base.Size()
}

// greater picks cmgt, cmhi or fcmgt for base lanes.
func greater(base ir.Type) asm.Ins {
	switch {
	case base.IsFloating():
		return arm64.VFCMGT
	case base.IsUnsigned():
		return arm64.VCMHI
	}
	return arm64.VCMGT
}

func (a *arm64Gen) vecOp(ins asm.Ins, base ir.Type, dst target.Reg, srcs ...target.Reg) {
	a.vec(laneBytes(ins, base))
	switch len(srcs) {
	case 1:
		a.e.EmitRR(ins, asm.S16, dst, srcs[0])
	case 2:
		a.e.EmitRRR(ins, asm.S16, dst, srcs[0], srcs[1])
	}
}

func (a *arm64Gen) simd(n *ir.Node) error {
	base := n.BaseType
	if n.SIMDSize > 16 {
		return jiterr.NYINode(n, "%d-byte vectors on arm64", n.SIMDSize)
	}
	dst := a.reg(n)
	switch n.SIMD {
	case ir.SIMDInit:
		return a.simdInit(n)
	case ir.SIMDInitN:
		for i, op := range n.Operands() {
			a.insertLane(base, dst, a.use(op), int64(i))
		}
		return nil
	case ir.SIMDMin, ir.SIMDMax:
		ins := minMaxArm64(n.SIMD, base)
		if ins == arm64.INVALID {
			return jiterr.NYINode(n, "vector %s of %s lanes", n.SIMD, base)
		}
		a.vecOp(ins, base, dst, a.use(n.Op1()), a.use(n.Op2()))
		return nil
	case ir.SIMDBitwiseAndNot:
		// bic clears the bits of its second source.
		a.vecOp(arm64.VBIC, base, dst, a.use(n.Op2()), a.use(n.Op1()))
		return nil
	case ir.SIMDGreaterThan:
		a.vecOp(greater(base), base, dst, a.use(n.Op1()), a.use(n.Op2()))
		return nil
	case ir.SIMDLessThan:
		a.vecOp(greater(base), base, dst, a.use(n.Op2()), a.use(n.Op1()))
		return nil
	case ir.SIMDLessThanOrEqual:
		x, y := a.use(n.Op1()), a.use(n.Op2())
		if base.IsFloating() {
			a.vecOp(arm64.VFCMGE, base, dst, y, x)
			return nil
		}
		a.vecOp(greater(base), base, dst, x, y)
		a.vecOp(arm64.VNOT, base, dst, dst)
		return nil
	case ir.SIMDSqrt:
		a.vecOp(arm64.VFSQRT, base, dst, a.use(n.Op1()))
		return nil
	case ir.SIMDAbs:
		switch {
		case base.IsFloating():
			a.vecOp(arm64.VFABS, base, dst, a.use(n.Op1()))
		case base.IsUnsigned():
			a.copyReg(n.Type, dst, a.use(n.Op1()))
		default:
			a.vecOp(arm64.VABS, base, dst, a.use(n.Op1()))
		}
		return nil
	case ir.SIMDOpEquality, ir.SIMDOpInEquality:
		return a.simdEquality(n)
	case ir.SIMDDotProduct:
		return a.dotProduct(n)
	case ir.SIMDGetItem:
		return a.getItem(n)
	case ir.SIMDSetX, ir.SIMDSetY, ir.SIMDSetZ, ir.SIMDSetW:
		a.copyReg(n.Type, dst, a.use(n.Op1()))
		a.insertLane(base, dst, a.use(n.Op2()), int64(n.SIMD-ir.SIMDSetX))
		return nil
	case ir.SIMDCast:
		a.copyReg(n.Type, dst, a.use(n.Op1()))
		return nil
	case ir.SIMDConvertToSingle:
		a.vec(4)
		a.e.EmitRR(arm64.SCVTF, asm.S16, dst, a.use(n.Op1()))
		return nil
	case ir.SIMDConvertToInt32:
		a.vec(4)
		a.e.EmitRR(arm64.FCVTZS, asm.S16, dst, a.use(n.Op1()))
		return nil
	case ir.SIMDWidenLo, ir.SIMDWidenHi:
		if !base.IsIntegral() || base.Size() == 8 {
			return jiterr.NYINode(n, "widening %s lanes on arm64", base)
		}
		src := a.use(n.Op1())
		if n.SIMD == ir.SIMDWidenHi {
			a.vec(1)
			a.e.EmitRRRI(arm64.VEXT, asm.S16, dst, src, src, 8)
			src = dst
		}
		ins := arm64.SXTL
		if base.IsUnsigned() {
			ins = arm64.UXTL
		}
		a.vec(base.Size())
		a.e.EmitRR(ins, asm.S16, dst, src)
		return nil
	case ir.SIMDNarrow:
		if !base.IsIntegral() || base.Size() == 1 {
			return jiterr.NYINode(n, "narrowing %s lanes on arm64", base)
		}
		// The even halves of the concatenated lanes are their truncations.
		a.vec(base.Size() / 2)
		a.e.EmitRRR(arm64.UZP1, asm.S16, dst, a.use(n.Op1()), a.use(n.Op2()))
		return nil
	}
	l, ok := advSimdArith[n.SIMD]
	if !ok {
		return jiterr.NYINode(n, "vector %s on arm64", n.SIMD)
	}
	ins := l.of(base)
	if ins == arm64.INVALID {
		return jiterr.NYINode(n, "vector %s of %s lanes", n.SIMD, base)
	}
	a.vecOp(ins, base, dst, a.use(n.Op1()), a.use(n.Op2()))
	return nil
}

func minMaxArm64(s ir.SIMDIntrinsic, t ir.Type) asm.Ins {
	lo := s == ir.SIMDMin
	switch {
	case t.IsFloating() && lo:
		return arm64.VFMIN
	case t.IsFloating():
		return arm64.VFMAX
	case t.Size() == 8:
		return arm64.INVALID
	case t.IsUnsigned() && lo:
		return arm64.VUMIN
	case t.IsUnsigned():
		return arm64.VUMAX
	case lo:
		return arm64.VSMIN
	}
	return arm64.VSMAX
}

// insertLane writes lane i of dst from val, a general register or lane 0
// of a vector register.
func (a *arm64Gen) insertLane(base ir.Type, dst, val target.Reg, i int64) {
	a.vec(base.Size())
	a.e.EmitRRI(arm64.INS, asm.S16, dst, val, i)
}

func (a *arm64Gen) simdInit(n *ir.Node) error {
	dst, op, base := a.reg(n), n.Op1(), n.BaseType
	if a.contained(op) {
		if !op.IsIntegralConst(0) && !op.IsFPZero() {
			return jiterr.Invariantf("contained vector initializer %v", op)
		}
		a.vec(1)
		a.e.EmitRI(arm64.MOVI, asm.S16, dst, 0)
		return nil
	}
	return a.simdInitFrom(base, dst, a.use(op))
}

// simdEquality reduces a lane compare to a single byte: umin across the
// compare mask is nonzero only when every lane matched.
func (a *arm64Gen) simdEquality(n *ir.Node) error {
	ints := 0
	dstCount := a.tab.MustGet(n).DstCount
	if dstCount == 0 {
		ints = 1
	}
	if err := a.needTemps(n, ints, 1); err != nil {
		return err
	}
	base := n.BaseType
	ft := a.floatTemp(n, 0)
	r := a.reg(n)
	if dstCount == 0 {
		r = a.intTemp(n, 0)
	}
	cmp := advSimdArith[ir.SIMDEqual].of(base)
	a.vecOp(cmp, base, ft, a.use(n.Op1()), a.use(n.Op2()))
	if n.Type == ir.TypeSIMD12 || n.Op1().Type == ir.TypeSIMD12 {
		// The unused fourth lane takes the verdict of the first.
		a.vec(4)
		a.e.EmitRRI(arm64.INS, asm.S16, ft, ft, 3)
	}
	a.vec(1)
	a.e.EmitRR(arm64.UMINV, asm.S16, ft, ft)
	a.vec(1)
	a.e.EmitRRI(arm64.UMOV, asm.S4, r, ft, 0)
	a.e.EmitRI(arm64.CMP, asm.S4, r, 0)
	cond := arm64.NE
	if n.SIMD == ir.SIMDOpInEquality {
		cond = arm64.EQ
	}
	if dstCount == 0 {
		a.flags[n.ID] = cond
		return nil
	}
	a.e.EmitRI(arm64.CSET, asm.S4, r, int64(cond))
	return nil
}

func (a *arm64Gen) dotProduct(n *ir.Node) error {
	if err := a.needTemps(n, 0, 1); err != nil {
		return err
	}
	base := n.BaseType
	dst, tmp := a.reg(n), a.floatTemp(n, 0)
	x, y := a.use(n.Op1()), a.use(n.Op2())
	if !base.IsFloating() {
		a.vecOp(arm64.VMUL, base, tmp, x, y)
		a.vecOp(arm64.ADDV, base, tmp, tmp)
		ins := arm64.UMOV
		if !base.IsUnsigned() && base.Size() < 4 {
			ins = arm64.SMOV
		}
		a.vec(base.Size())
		a.e.EmitRRI(ins, asm.S4, dst, tmp, 0)
		return nil
	}
	a.vecOp(arm64.VFMUL, base, tmp, x, y)
	lanes := n.SIMDSize / base.Size()
	if n.SIMDSize == 12 || n.Type == ir.TypeSIMD12 || n.Op1().Type == ir.TypeSIMD12 {
		a.vec(4)
		a.e.EmitRRI(arm64.INS, asm.S16, tmp, target.XZR, 3)
		lanes = 4
	}
	size := floatSize(base)
	if lanes == 4 {
		// Fold the upper pair onto the lower.
		a.vec(1)
		a.e.EmitRRRI(arm64.VEXT, asm.S16, dst, tmp, tmp, 8)
		a.vecOp(arm64.VFADD, base, tmp, tmp, dst)
	}
	a.vec(1)
	a.e.EmitRRRI(arm64.VEXT, asm.S16, dst, tmp, tmp, int64(base.Size()))
	a.e.EmitRRR(arm64.FADD, size, dst, tmp, dst)
	return nil
}

// getItem reads one lane. A constant index beyond the vector is a
// lowering error unless a range check already covers it.
func (a *arm64Gen) getItem(n *ir.Node) error {
	base := n.BaseType
	esize := int64(base.Size())
	if !a.contained(n.Op2()) {
		return a.getItemDynamic(n)
	}
	lanes := int64(n.SIMDSize) / esize
	idx := n.Op2().IntVal
	if idx < 0 || idx >= lanes {
		if !n.HasFlag(ir.FlagRangeChecked) {
			return jiterr.Invariantf("element %d of a %d-element vector", idx, lanes)
		}
		idx = (idx%lanes + lanes) % lanes
	}
	dst, src := a.reg(n), a.use(n.Op1())
	if base.IsFloating() {
		if idx == 0 {
			a.copyReg(base, dst, src)
			return nil
		}
		a.vec(int(esize))
		a.e.EmitRRI(arm64.DUP, floatSize(base), dst, src, idx)
		return nil
	}
	ins, size := arm64.UMOV, asm.S4
	switch {
	case esize == 8:
		size = asm.S8
	case esize < 4 && !base.IsUnsigned():
		ins = arm64.SMOV
	}
	a.vec(int(esize))
	a.e.EmitRRI(ins, size, dst, src, idx)
	return nil
}

// getItemDynamic spills the vector to the method's vector temp and loads
// the selected element relative to its address.
func (a *arm64Gen) getItemDynamic(n *ir.Node) error {
	if !a.m.HasSIMDTemp() {
		return jiterr.Invariantf("runtime vector index without a temp slot")
	}
	if err := a.needTemps(n, 1, 0); err != nil {
		return err
	}
	if !n.HasFlag(ir.FlagRangeChecked) {
		a.e.EmitRI(arm64.CMP, asm.S4, a.use(n.Op2()), int64(n.SIMDSize/n.BaseType.Size()-1))
		a.e.EmitJ(arm64.BHI, a.throwLabel(lower.HelperThrowRange))
	}
	slot := a.localMem(a.m.SIMDTempLocal(), 0)
	tmp := a.intTemp(n, 0)
	if err := a.addImm(asm.S8, tmp, slot.Base, int64(slot.Disp)); err != nil {
		return err
	}
	a.e.EmitMR(arm64.STR, asm.S16, asm.BaseMem(tmp, 0), a.use(n.Op1()))
	ins, size := ldr(n.BaseType)
	a.e.EmitRM(ins, size, a.reg(n), asm.AddrMem(tmp, a.use(n.Op2()), uint8(n.BaseType.Size()), 0))
	return nil
}

func (a *arm64Gen) hwIntrinsic(n *ir.Node) error {
	hw, ok := hwintrinsic.Lookup(n.HW)
	if !ok {
		return jiterr.Invariantf("unknown hardware intrinsic %d", n.HW)
	}
	ins, ok := hw.Instruction(n.BaseType)
	if !ok || ins == arm64.INVALID {
		return jiterr.Invariantf("%s has no %s form", hwintrinsic.QualifiedName(n.HW), n.BaseType)
	}
	dst := a.reg(n)
	ops := n.Operands()
	if hw.Category == hwintrinsic.CategoryScalar {
		if len(ops) != 1 {
			return jiterr.Invariantf("scalar intrinsic with %d operands", len(ops))
		}
		if ins == arm64.DUP {
			return a.simdInitFrom(n.BaseType, dst, a.use(ops[0]))
		}
		a.e.EmitRR(ins, intSize(n.BaseType), dst, a.use(ops[0]))
		return nil
	}
	if !hw.HasImm() {
		return a.hwVector(n, hw, ins, ops)
	}
	imm := ops[hw.ImmIndex()]
	ops = ops[:hw.ImmIndex()]
	if !a.contained(imm) {
		return a.immJumpTable(n, hw, imm, func(v int64) error { return a.hwImm(n, ins, ops, v, true) })
	}
	if !hw.ImmInRange(imm.IntVal) {
		return jiterr.Invariantf("%s immediate %d outside [%d, %d]",
			hwintrinsic.QualifiedName(n.HW), imm.IntVal, hw.ImmLo, hw.ImmHi)
	}
	return a.hwImm(n, ins, ops, imm.IntVal, false)
}

func (a *arm64Gen) simdInitFrom(base ir.Type, dst, src target.Reg) error {
	a.vec(base.Size())
	if base.IsFloating() {
		a.e.EmitRRI(arm64.DUP, asm.S16, dst, src, 0)
		return nil
	}
	a.e.EmitRR(arm64.DUP, asm.S16, dst, src)
	return nil
}

func (a *arm64Gen) hwVector(n *ir.Node, hw *hwintrinsic.Info, ins asm.Ins, ops []*ir.Node) error {
	dst, base := a.reg(n), n.BaseType
	switch len(ops) {
	case 1:
		a.vecOp(ins, base, dst, a.use(ops[0]))
	case 2:
		a.vecOp(ins, base, dst, a.use(ops[0]), a.use(ops[1]))
	case 3:
		if !hw.Has(hwintrinsic.TiedDst) {
			return jiterr.NYINode(n, "three-operand %s", hwintrinsic.QualifiedName(n.HW))
		}
		// bsl and fmla accumulate into their destination.
		a.copyReg(n.Type, dst, a.use(ops[0]))
		a.vecOp(ins, base, dst, a.use(ops[1]), a.use(ops[2]))
	default:
		return jiterr.Invariantf("%s with %d operands", hwintrinsic.QualifiedName(n.HW), len(ops))
	}
	return nil
}

// hwImm emits an immediate form for one value of its immediate. Inside a
// jump table a lane index past the vector reaches the range throw; a
// constant one is a lowering error.
func (a *arm64Gen) hwImm(n *ir.Node, ins asm.Ins, ops []*ir.Node, imm int64, dynamic bool) error {
	dst, base := a.reg(n), n.BaseType
	esize := int64(base.Size())
	width := 8 * esize
	outOfRange := func(limit int64) error {
		if dynamic {
			a.e.EmitJ(arm64.B, a.throwLabel(lower.HelperThrowRange))
			return nil
		}
		return jiterr.Invariantf("%s lane %d of %d", hwintrinsic.QualifiedName(n.HW), imm, limit)
	}
	switch ins {
	case arm64.UMOV, arm64.SMOV:
		if imm >= 16/esize {
			return outOfRange(16 / esize)
		}
		size := asm.S4
		if esize == 8 {
			size = asm.S8
		}
		a.vec(int(esize))
		a.e.EmitRRI(ins, size, dst, a.use(ops[0]), imm)
	case arm64.INS:
		if imm >= 16/esize {
			return outOfRange(16 / esize)
		}
		a.copyReg(n.Type, dst, a.use(ops[0]))
		a.insertLane(base, dst, a.use(ops[1]), imm)
	case arm64.VEXT:
		if imm*esize >= 16 {
			return outOfRange(16 / esize)
		}
		a.vec(1)
		a.e.EmitRRRI(ins, asm.S16, dst, a.use(ops[0]), a.use(ops[1]), imm*esize)
	case arm64.VSHL, arm64.VUSHR:
		if ins == arm64.VSHL && imm >= width || ins == arm64.VUSHR && imm > width {
			// Every bit shifted out.
			a.vec(1)
			a.e.EmitRI(arm64.MOVI, asm.S16, dst, 0)
			return nil
		}
		a.vec(int(esize))
		a.e.EmitRRI(ins, asm.S16, dst, a.use(ops[0]), imm)
	case arm64.VSSHR:
		a.vec(int(esize))
		a.e.EmitRRI(ins, asm.S16, dst, a.use(ops[0]), min(imm, width))
	default:
		return jiterr.NYINode(n, "immediate form of %s", hwintrinsic.QualifiedName(n.HW))
	}
	return nil
}

// immJumpTable dispatches on an immediate only known at run time through a
// table of 32-bit offsets from the method start, one specialized copy of
// the instruction per value.
func (a *arm64Gen) immJumpTable(n *ir.Node, hw *hwintrinsic.Info, imm *ir.Node, emitCase func(int64) error) error {
	if err := a.needTemps(n, 2, 0); err != nil {
		return err
	}
	offs, base := a.intTemp(n, 0), a.intTemp(n, 1)
	idx := a.use(imm)
	table, end := a.e.NewLabel(), a.e.NewLabel()
	start := asm.Label(a.m.Name)

	if hw.ImmLo != 0 {
		a.e.EmitRRI(arm64.SUB, asm.S4, base, idx, hw.ImmLo)
		idx = base
	}
	if !n.HasFlag(ir.FlagRangeChecked) {
		a.e.EmitRI(arm64.CMP, asm.S4, idx, hw.ImmHi-hw.ImmLo)
		a.e.EmitJ(arm64.BHI, a.throwLabel(lower.HelperThrowRange))
	}
	a.e.EmitRM(arm64.ADR, asm.S8, offs, asm.LabelMem(table))
	a.e.EmitRM(arm64.LDRSW, asm.S4, offs, asm.AddrMem(offs, idx, 4, 0))
	a.e.EmitRM(arm64.ADR, asm.S8, base, asm.LabelMem(start))
	a.e.EmitRRR(arm64.ADD, asm.S8, offs, base, offs)
	a.e.EmitR(arm64.BR, asm.S8, offs)

	cases := make([]asm.Label, 0, hw.ImmHi-hw.ImmLo+1)
	for v := hw.ImmLo; v <= hw.ImmHi; v++ {
		l := a.e.NewLabel()
		cases = append(cases, l)
		a.e.EmitLabel(l)
		if err := emitCase(v); err != nil {
			return err
		}
		a.e.EmitJ(arm64.B, end)
	}
	a.e.EmitJumpTable(table, start, cases)
	a.e.EmitLabel(end)
	return nil
}
