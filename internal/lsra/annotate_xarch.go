package lsra

import (
	"github.com/tinyrange/jitlower/internal/hwintrinsic"
	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/lower"
	"github.com/tinyrange/jitlower/internal/target"
)

func (a *annotator) buildXArch(n *ir.Node, info *Info) error {
	abi := a.t.ABI
	switch n.Op {
	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor:
	case ir.OpMul, ir.OpMulHi:
		if !n.Type.IsFloating() && (n.Op == ir.OpMulHi || n.HasFlag(ir.FlagOverflow) && n.HasFlag(ir.FlagUnsigned)) {
			// One-operand mul: rdx:rax = rax * r/m.
			fixed := n.Op1()
			if a.lw.IsContained(fixed) {
				fixed = n.Op2()
			}
			a.pin(fixed, abi.DivLo)
			dst := abi.DivLo
			if n.Op == ir.OpMulHi {
				dst = abi.DivHi
			}
			info.DstCandidates = target.MaskOf(dst)
			info.Kills = target.MaskOf(abi.DivLo, abi.DivHi)
		}
	case ir.OpDiv, ir.OpUDiv, ir.OpMod, ir.OpUMod:
		if n.Type.IsFloating() {
			if n.Op != ir.OpDiv {
				return jiterr.NYINode(n, "floating point remainder")
			}
			break
		}
		a.pin(n.Op1(), abi.DivLo)
		a.exclude(n.Op2(), target.MaskOf(abi.DivLo, abi.DivHi))
		dst := abi.DivLo
		if n.Op == ir.OpMod || n.Op == ir.OpUMod {
			dst = abi.DivHi
		}
		info.DstCandidates = target.MaskOf(dst)
		info.Kills = target.MaskOf(abi.DivLo, abi.DivHi)
	case ir.OpLsh, ir.OpRsh, ir.OpRsz, ir.OpRol, ir.OpRor:
		if count := n.Op2(); !a.lw.IsContained(count) {
			a.pin(count, abi.ShiftCount)
			a.exclude(n.Op1(), target.MaskOf(abi.ShiftCount))
			info.DstCandidates = info.DstCandidates.Without(abi.ShiftCount)
		}
	case ir.OpNeg:
		if n.Type.IsFloating() {
			// xorps with the sign mask.
			info.InternalFloatCount = 1
		}
	case ir.OpCkFinite:
		info.InternalIntCount = 1
	case ir.OpIntrinsic:
		switch n.Math {
		case ir.MathAbs:
			if !n.Type.IsFloating() {
				return jiterr.NYINode(n, "integer abs intrinsic")
			}
			info.InternalFloatCount = 1
		case ir.MathRound:
			if !a.t.Has(target.ISASSE41) {
				return jiterr.NYINode(n, "round without sse4.1")
			}
		}
	case ir.OpEQ, ir.OpNE, ir.OpLT, ir.OpLE, ir.OpGE, ir.OpGT:
		if info.DstCount > 0 && n.Op1().Type.IsFloating() && (n.Op == ir.OpEQ || n.Op == ir.OpNE) {
			// setcc twice: the parity flag flags an unordered result.
			info.InternalIntCount = 1
		}
	case ir.OpCast:
		return a.castXArch(n, info)
	case ir.OpCmpXchg:
		loc, value, comparand := n.Op1(), n.Op2(), n.Op3()
		a.pin(comparand, abi.DivLo)
		a.exclude(loc, target.MaskOf(abi.DivLo))
		a.exclude(value, target.MaskOf(abi.DivLo))
		info.DstCandidates = target.MaskOf(abi.DivLo)
		info.Kills = target.MaskOf(abi.DivLo)
	case ir.OpXAdd, ir.OpXchg:
		a.setDelayFree(info, n.Addr())
	case ir.OpStoreLclVar, ir.OpStoreLclFld:
		data := n.Data()
		if a.lw.IsWidenedStore(n) && !a.lw.IsContained(data) && !data.IsCnsIntOrI() {
			// movsx/movzx into a scratch register, stored as 32 bits.
			info.InternalIntCount = 1
		}
		if data.Type == ir.TypeSIMD12 || n.Type == ir.TypeSIMD12 {
			info.InternalFloatCount = 1
		}
	case ir.OpInd:
		if n.Type == ir.TypeSIMD12 {
			info.InternalFloatCount = 1
		}
	case ir.OpStoreInd:
		return a.storeIndXArch(n, info)
	case ir.OpCall:
		return a.callRequirements(n, info)
	case ir.OpPutArgReg:
		return a.putArgReg(n, info)
	case ir.OpReturn:
		a.returnRequirements(n)
	case ir.OpInitBlk, ir.OpCopyBlk, ir.OpCopyObj:
		return a.blockXArch(n, info)
	case ir.OpSIMD:
		if err := a.simdXArch(n, info); err != nil {
			return err
		}
	case ir.OpHWIntrinsic:
		return a.hwIntrinsicXArch(n, info)
	}
	a.delayFreeXArch(n, info)
	return nil
}

func (a *annotator) castXArch(n *ir.Node, info *Info) error {
	src := n.Op1()
	from, to := src.Type, n.CastTo
	if to == ir.TypeUndef {
		to = n.Type
	}
	unsignedSrc := from.IsUnsigned() || n.HasFlag(ir.FlagUnsigned)
	switch {
	case from.IsFloating() && to == ir.TypeULong:
		return jiterr.NYINode(n, "cast %s to %s", from, to)
	case to.IsFloating() && from.Size() == 8 && unsignedSrc:
		return jiterr.NYINode(n, "cast unsigned %s to %s", from, to)
	case from.IsFloating() && n.HasFlag(ir.FlagOverflow):
		return jiterr.NYINode(n, "checked cast %s to %s", from, to)
	case n.HasFlag(ir.FlagOverflow) && to.Size() < from.Size():
		// The truncated value is re-extended into a scratch register and
		// compared with the source.
		info.InternalIntCount = 1
	}
	return nil
}

func (a *annotator) storeIndXArch(n *ir.Node, info *Info) error {
	abi := a.t.ABI
	if n.HasFlag(ir.FlagWriteBarrier) {
		a.pin(n.Addr(), abi.WriteBarrierDst)
		a.pin(n.Data(), abi.WriteBarrierSrc)
		info.Kills = abi.WriteBarrierKill
		return nil
	}
	if n.Type == ir.TypeSIMD12 {
		info.InternalFloatCount = 1
	}
	if a.lw.IsRMWStore(n) {
		r := a.lw.RMW(n)
		if r.Oper.Op.IsShiftOrRotate() && !a.lw.IsContained(r.Source) {
			a.pin(r.Source, abi.ShiftCount)
		}
	}
	return nil
}

func (a *annotator) blockXArch(n *ir.Node, info *Info) error {
	abi := a.t.ABI
	dst, src, size := n.Op1(), n.Op2(), n.Op3()
	switch a.lw.Block(n) {
	case lower.BlockUnroll:
		sz := size.IntVal
		if n.Op == ir.OpCopyBlk && sz%16 != 0 {
			info.InternalIntCount = 1
		}
		if sz >= 16 {
			info.InternalFloatCount = 1
		}
	case lower.BlockRepInstr:
		a.pin(dst, abi.BlockDst)
		a.pin(size, abi.BlockCount)
		info.Kills = target.MaskOf(abi.BlockDst, abi.BlockCount)
		if n.Op == ir.OpInitBlk {
			a.pin(src, abi.BlockFill)
		} else {
			a.pin(src, abi.BlockSrc)
			info.Kills = info.Kills.With(abi.BlockSrc)
		}
	case lower.BlockHelper:
		a.helperBlock(n, info)
	case lower.BlockGCCopy:
		a.pin(dst, abi.BlockDst)
		a.pin(src, abi.BlockSrc)
		info.Kills = abi.ByrefBarrierKill
		if a.lw.UsesRepMovsq(n) {
			info.InternalIntCount = 1
			info.InternalCandidates = target.MaskOf(abi.BlockCount)
		}
	default:
		return jiterr.Invariantf("block operation without a strategy")
	}
	return nil
}

func (a *annotator) simdXArch(n *ir.Node, info *Info) error {
	base := n.BaseType
	switch n.SIMD {
	case ir.SIMDInit:
	case ir.SIMDInitN:
		if got, want := n.NumOperands(), n.SIMDSize/base.Size(); got != want {
			return jiterr.Invariantf("InitN of %d elements, want %d", got, want)
		}
		// The destination is built while later elements are still unread.
		info.InternalFloatCount = 1
		a.allDelayFree(info)
	case ir.SIMDMul:
		if base.IsIntegral() {
			switch {
			case base.Size() == 8:
				return jiterr.NYINode(n, "64-bit lane multiply")
			case base.Size() == 4 && !a.t.Has(target.ISASSE41):
				// pmuludq on the even and odd lanes.
				info.InternalFloatCount = 2
			}
		}
	case ir.SIMDDiv, ir.SIMDSqrt:
		if !base.IsFloating() {
			return jiterr.Invariantf("%s on %s lanes", n.SIMD, base)
		}
	case ir.SIMDAbs:
		if !base.IsFloating() && !base.IsUnsigned() {
			return jiterr.NYINode(n, "signed integer vector abs")
		}
	case ir.SIMDLessThan, ir.SIMDLessThanOrEqual:
		if base.IsIntegral() {
			return jiterr.Invariantf("%s on %s lanes", n.SIMD, base)
		}
	case ir.SIMDGreaterThan:
		if base.IsFloating() {
			return jiterr.Invariantf("%s on %s lanes", n.SIMD, base)
		}
	case ir.SIMDOpEquality, ir.SIMDOpInEquality:
		if !a.lw.IsPTest(n) {
			info.InternalIntCount = 1
			info.InternalFloatCount = 1
		}
	case ir.SIMDDotProduct:
		switch {
		case base.IsFloating() && (!a.t.Has(target.ISASSE41) || n.SIMDSize == 32):
			info.InternalFloatCount = 1
			info.IsInternalRegDelayFree = true
			a.allDelayFree(info)
		case base.IsIntegral():
			if !a.t.Has(target.ISASSE41) {
				return jiterr.NYINode(n, "integer dot product without sse4.1")
			}
			info.InternalFloatCount = 1
			if a.t.Has(target.ISAAVX2) {
				info.InternalFloatCount = 2
			}
		}
	case ir.SIMDGetItem:
		idx := n.Op2()
		if !idx.IsCnsIntOrI() {
			// Spilled to the vector temp slot and indexed in memory.
			if !a.m.HasSIMDTemp() {
				return jiterr.Invariantf("runtime vector index without a temp slot")
			}
			break
		}
		shift := idx.IntVal * int64(base.Size())
		if base.IsIntegral() && (idx.IntVal != 0 || shift >= 16) {
			info.InternalFloatCount = 1
		}
	case ir.SIMDSetX, ir.SIMDSetY, ir.SIMDSetZ, ir.SIMDSetW:
		if !a.t.Has(target.ISASSE41) {
			info.InternalIntCount = 1
		}
	case ir.SIMDWidenLo, ir.SIMDWidenHi:
		if base.IsIntegral() {
			info.InternalFloatCount = 1
			info.IsInternalRegDelayFree = true
		}
	case ir.SIMDNarrow:
		if n.SIMDSize == 32 {
			return jiterr.NYINode(n, "narrowing 32-byte vectors")
		}
		info.InternalFloatCount = 1
		info.IsInternalRegDelayFree = true
	case ir.SIMDInvalid:
		return jiterr.Invariantf("invalid SIMD intrinsic")
	}
	return nil
}

func (a *annotator) hwIntrinsicXArch(n *ir.Node, info *Info) error {
	hw, err := a.checkHWIntrinsic(n)
	if err != nil {
		return err
	}
	ops := n.Operands()
	if idx := hw.ImmIndex(); idx >= 0 && !a.lw.IsContained(ops[idx]) {
		// Jump table over every encodable immediate: table base and offset.
		info.InternalIntCount += 2
	}
	switch {
	case hw.Has(hwintrinsic.FlagResult) && hw.Has(hwintrinsic.TwoSetCC):
		info.InternalIntCount++
	case hw.Has(hwintrinsic.MultiplyLow32):
		info.InternalFloatCount = 2
	case hw.Has(hwintrinsic.TiedDst):
		a.tgtPref(ops[0])
		for _, op := range ops[1:] {
			a.setDelayFree(info, op)
		}
		return nil
	case hw.Has(hwintrinsic.MaskInXMM0) && !a.t.UseVEX():
		a.pin(ops[2], target.XMM0)
		info.DstCandidates = info.DstCandidates.Without(target.XMM0)
	}
	if a.destructiveSSE(hw) {
		a.delayFreeOps(n, info, ops[0], ops[1], hw.Has(hwintrinsic.Commutative))
	}
	return nil
}

// checkHWIntrinsic validates an intrinsic node against its table entry and
// the target's ISA set.
func (a *annotator) checkHWIntrinsic(n *ir.Node) (*hwintrinsic.Info, error) {
	hw, ok := hwintrinsic.Lookup(n.HW)
	if !ok {
		return nil, jiterr.Invariantf("unknown hardware intrinsic %d", n.HW)
	}
	if !hwintrinsic.Supported(a.t, n.HW) {
		return nil, jiterr.NYI(hwintrinsic.QualifiedName(n.HW), "not available on %s", a.t.Name)
	}
	if got := len(n.Operands()); got != hw.NumArgs {
		return nil, jiterr.Invariantf("%s takes %d operands, got %d", hwintrinsic.QualifiedName(n.HW), hw.NumArgs, got)
	}
	if _, ok := hw.Instruction(n.BaseType); !ok {
		return nil, jiterr.Invariantf("%s has no %s form", hwintrinsic.QualifiedName(n.HW), n.BaseType)
	}
	return hw, nil
}

// destructiveSSE reports a legacy-encoded vector intrinsic whose destination
// is also its first source.
func (a *annotator) destructiveSSE(hw *hwintrinsic.Info) bool {
	if hw.ISA < target.ISASSE || hw.ISA > target.ISASSE42 {
		return false
	}
	if a.t.UseVEX() && !hw.Has(hwintrinsic.NoVEXForm) {
		return false
	}
	if hw.Has(hwintrinsic.FlagResult) || hw.Category == hwintrinsic.CategoryScalar {
		return false
	}
	args := hw.NumArgs
	if hw.HasImm() {
		args--
	}
	return args >= 2
}

// delayFreeXArch applies the two-operand rule to binary operators: the
// destination starts as a copy of op1, so op2 must not share its register.
func (a *annotator) delayFreeXArch(n *ir.Node, info *Info) {
	if info.DstCount == 0 || n.Op.IsCompare() {
		return
	}
	switch n.Op {
	case ir.OpLea, ir.OpStoreInd, ir.OpXAdd, ir.OpXchg, ir.OpCmpXchg:
		return
	}
	var commutative bool
	switch {
	case n.Op.IsBinary():
		if !n.Type.IsFloating() {
			switch n.Op {
			case ir.OpMulHi, ir.OpDiv, ir.OpUDiv, ir.OpMod, ir.OpUMod:
				return
			case ir.OpMul:
				if a.lw.IsMulLEA(n) || a.lw.IsContained(n.Op1()) && n.Op1().IsCnsIntOrI() ||
					a.lw.IsContained(n.Op2()) && n.Op2().IsCnsIntOrI() ||
					n.HasFlag(ir.FlagOverflow) && n.HasFlag(ir.FlagUnsigned) {
					// imul r, r/m, imm and mul r/m have no tied operand.
					return
				}
			}
		} else if a.t.UseVEX() {
			return
		}
		commutative = n.Op.IsCommutative()
	case n.Op == ir.OpSIMD:
		if a.t.UseVEX() || n.NumOperands() != 2 {
			return
		}
		switch n.SIMD {
		case ir.SIMDGetItem, ir.SIMDDotProduct, ir.SIMDShuffleSSE2, ir.SIMDInitN:
			return
		}
		commutative = n.SIMD.IsCommutative()
	default:
		return
	}
	a.delayFreeOps(n, info, n.Op1(), n.Op2(), commutative)
}

func (a *annotator) delayFreeOps(n *ir.Node, info *Info, op1, op2 *ir.Node, commutative bool) {
	if op1 == nil || op2 == nil {
		return
	}
	if commutative && a.lw.IsContained(op1) {
		op1, op2 = op2, op1
	}
	a.tgtPref(op1)
	contained := a.lw.IsContained(op2)
	if contained && op2.Op.IsConst() {
		return
	}
	if !commutative || contained {
		a.setDelayFree(info, op2)
	}
}
