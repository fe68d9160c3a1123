package lower

import (
	"github.com/tinyrange/jitlower/internal/hwintrinsic"
	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
)

// containCheckArm64 only folds immediates and address modes: a load/store
// architecture has no memory operands on arithmetic.
func (l *Lowering) containCheckArm64(n *ir.Node) error {
	switch n.Op {
	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor:
		if n.Type.IsFloating() {
			break
		}
		if !l.containImm(n, n.Op2()) && n.Op.IsCommutative() && !n.HasFlag(ir.FlagOverflow) {
			if l.IsContainableImmed(n, n.Op1()) {
				n.SwapOperands()
				n.Flags ^= ir.FlagReverseOps
				l.MakeSrcContained(n, n.Op2())
			}
		}
	case ir.OpLsh, ir.OpRsh, ir.OpRsz, ir.OpRor:
		l.containImm(n, n.Op2())
	case ir.OpRol:
		// ror by (width - n); the count is negated at emission.
		l.containImm(n, n.Op2())
	case ir.OpEQ, ir.OpNE, ir.OpLT, ir.OpLE, ir.OpGE, ir.OpGT:
		op2 := n.Op2()
		if n.Op1().Type.IsFloating() {
			if op2.IsFPZero() {
				l.MakeSrcContained(n, op2)
			}
			break
		}
		l.containImm(n, op2)
	case ir.OpJTrue:
		l.containJTrue(n)
	case ir.OpBoundsCheck:
		if !l.containImm(n, n.Op2()) {
			l.containImm(n, n.Op1())
		}
	case ir.OpStoreLclVar, ir.OpStoreLclFld:
		if d := n.Data(); d != nil && d.IsIntegralConst(0) {
			l.MakeSrcContained(n, d)
		}
	case ir.OpStoreInd:
		if d := n.Data(); (d.IsIntegralConst(0) || d.IsFPZero()) && !n.HasFlag(ir.FlagWriteBarrier) {
			// Stored from the zero register.
			l.MakeSrcContained(n, d)
		}
		if !n.HasFlag(ir.FlagWriteBarrier) {
			l.containAddr(n, n.Addr())
		}
	case ir.OpInd, ir.OpNullCheck:
		l.containAddr(n, n.Addr())
	case ir.OpPutArgStk:
		if d := n.Op1(); d != nil && d.IsIntegralConst(0) {
			l.MakeSrcContained(n, d)
		}
	case ir.OpInitBlk, ir.OpCopyBlk, ir.OpCopyObj:
		l.containBlock(n)
	case ir.OpSIMD:
		switch n.SIMD {
		case ir.SIMDInit:
			if op := n.Op1(); op.IsIntegralConst(0) || op.IsFPZero() {
				l.MakeSrcContained(n, op)
			}
		case ir.SIMDGetItem:
			if idx := n.Op2(); idx.IsCnsIntOrI() {
				l.MakeSrcContained(n, idx)
			}
		}
	case ir.OpHWIntrinsic:
		info, ok := hwintrinsic.Lookup(n.HW)
		if !ok {
			return jiterr.Invariantf("unknown hardware intrinsic %d", n.HW).At(n)
		}
		ops := n.Operands()
		if idx := info.ImmIndex(); idx >= 0 && idx < len(ops) && ops[idx].IsCnsIntOrI() {
			l.MakeSrcContained(n, ops[idx])
		}
	}
	return nil
}
