package lsra

import (
	"github.com/tinyrange/jitlower/internal/hwintrinsic"
	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/lower"
	"github.com/tinyrange/jitlower/internal/target"
)

// buildArm64 has no tied operands to worry about: every ALU form takes a
// separate destination.
func (a *annotator) buildArm64(n *ir.Node, info *Info) error {
	abi := a.t.ABI
	switch n.Op {
	case ir.OpMul:
		if n.HasFlag(ir.FlagOverflow) && !n.Type.IsFloating() {
			// The high half (smulh/umulh) is compared against the sign of
			// the low half, which takes a second register for a signed long.
			info.InternalIntCount = 1
			if !n.HasFlag(ir.FlagUnsigned) && n.Type.ActualType().Size() == 8 {
				info.InternalIntCount = 2
			}
		}
	case ir.OpLea:
		if n.Index() != nil && n.Scale > 1 || !target.Arm64AddImm(int64(n.Offset)) && !target.Arm64AddImm(-int64(n.Offset)) {
			// The scaled index or a wide offset is formed apart from the
			// destination, which may share the base register.
			info.InternalIntCount = 1
		}
	case ir.OpMod, ir.OpUMod:
		if n.Type.IsFloating() {
			return jiterr.NYINode(n, "floating point remainder")
		}
		// sdiv then msub.
		info.InternalIntCount = 1
	case ir.OpRol:
		if !a.lw.IsContained(n.Op2()) {
			// neg tmp, count; ror dst, src, tmp
			info.InternalIntCount = 1
		}
	case ir.OpCkFinite:
		info.InternalIntCount = 1
	case ir.OpIntrinsic:
		if n.Math == ir.MathAbs && !n.Type.IsFloating() {
			return jiterr.NYINode(n, "integer abs intrinsic")
		}
	case ir.OpCast:
		if n.Op1().Type.IsFloating() && n.HasFlag(ir.FlagOverflow) {
			return jiterr.NYINode(n, "checked float to integer cast")
		}
		if to := n.CastTo; n.HasFlag(ir.FlagOverflow) && to != ir.TypeUndef && to.Size() < n.Op1().Type.Size() {
			// Re-extended truncation, compared with the source.
			info.InternalIntCount = 1
		}
	case ir.OpInd, ir.OpNullCheck, ir.OpStoreLclVar, ir.OpStoreLclFld:
		if a.lw.NeedsAddrTemp(n) {
			info.InternalIntCount = 1
		}
		if a.lw.IsWidenedStore(n) {
			if d := n.Data(); !a.lw.IsContained(d) && !d.IsCnsIntOrI() {
				// sxtb/uxtb into a scratch register, stored as 32 bits.
				info.InternalIntCount++
			}
		}
	case ir.OpStoreInd:
		if n.HasFlag(ir.FlagWriteBarrier) {
			a.pin(n.Addr(), abi.WriteBarrierDst)
			a.pin(n.Data(), abi.WriteBarrierSrc)
			info.Kills = abi.WriteBarrierKill
			break
		}
		if a.lw.NeedsAddrTemp(n) {
			info.InternalIntCount = 1
		}
	case ir.OpCmpXchg:
		// casal overwrites its comparand register, so the comparand is
		// copied into the temp first.
		info.InternalIntCount = 1
		info.IsInternalRegDelayFree = true
		a.allDelayFree(info)
	case ir.OpXAdd:
		// ldaddal; the temps carry the addend and old value when the address
		// needs materializing.
		info.InternalIntCount = 2
		info.IsInternalRegDelayFree = true
		a.allDelayFree(info)
	case ir.OpXchg:
		info.InternalIntCount = 1
		info.IsInternalRegDelayFree = true
		a.allDelayFree(info)
	case ir.OpCall:
		return a.callRequirements(n, info)
	case ir.OpPutArgReg:
		return a.putArgReg(n, info)
	case ir.OpReturn:
		a.returnRequirements(n)
	case ir.OpInitBlk, ir.OpCopyBlk, ir.OpCopyObj:
		return a.blockArm64(n, info)
	case ir.OpSIMD:
		return a.simdArm64(n, info)
	case ir.OpHWIntrinsic:
		return a.hwIntrinsicArm64(n, info)
	}
	return nil
}

func (a *annotator) blockArm64(n *ir.Node, info *Info) error {
	switch a.lw.Block(n) {
	case lower.BlockUnroll:
		// ldp/stp pairs.
		info.InternalIntCount = 1
		if n.Op == ir.OpCopyBlk {
			info.InternalIntCount = 2
		}
	case lower.BlockHelper:
		a.helperBlock(n, info)
	case lower.BlockGCCopy:
		return jiterr.NYINode(n, "struct copy with GC slots")
	default:
		return jiterr.Invariantf("block operation without a strategy")
	}
	return nil
}

func (a *annotator) simdArm64(n *ir.Node, info *Info) error {
	base := n.BaseType
	switch n.SIMD {
	case ir.SIMDInitN:
		if got, want := n.NumOperands(), n.SIMDSize/base.Size(); got != want {
			return jiterr.Invariantf("InitN of %d elements, want %d", got, want)
		}
		// ins writes the destination lane by lane.
		a.allDelayFree(info)
	case ir.SIMDMul:
		if base.IsIntegral() && base.Size() == 8 {
			return jiterr.NYINode(n, "64-bit lane multiply")
		}
	case ir.SIMDDiv, ir.SIMDSqrt:
		if !base.IsFloating() {
			return jiterr.Invariantf("%s on %s lanes", n.SIMD, base)
		}
	case ir.SIMDOpEquality, ir.SIMDOpInEquality:
		// cmeq, uminv, then umov to test the lowest lane.
		info.InternalFloatCount = 1
		if info.DstCount == 0 {
			info.InternalIntCount = 1
		}
	case ir.SIMDDotProduct:
		if base.IsIntegral() && base.Size() == 8 {
			return jiterr.NYINode(n, "64-bit lane dot product")
		}
		info.InternalFloatCount = 1
	case ir.SIMDSetX, ir.SIMDSetY, ir.SIMDSetZ, ir.SIMDSetW:
		a.tgtPref(n.Op1())
		a.setDelayFree(info, n.Op2())
	case ir.SIMDGetItem:
		if !n.Op2().IsCnsIntOrI() {
			if !a.m.HasSIMDTemp() {
				return jiterr.Invariantf("runtime vector index without a temp slot")
			}
			// Address of the spilled vector.
			info.InternalIntCount = 1
		}
	case ir.SIMDShuffleSSE2:
		return jiterr.NYINode(n, "sse2 shuffle on arm64")
	case ir.SIMDInvalid:
		return jiterr.Invariantf("invalid SIMD intrinsic")
	}
	return nil
}

func (a *annotator) hwIntrinsicArm64(n *ir.Node, info *Info) error {
	hw, err := a.checkHWIntrinsic(n)
	if err != nil {
		return err
	}
	ops := n.Operands()
	if idx := hw.ImmIndex(); idx >= 0 && !a.lw.IsContained(ops[idx]) {
		// adr / ldr w / add / br over a table of specialized forms.
		info.InternalIntCount += 2
	}
	if hw.Has(hwintrinsic.TiedDst) {
		a.tgtPref(ops[0])
		for _, op := range ops[1:] {
			a.setDelayFree(info, op)
		}
	}
	return nil
}
