package lower

import (
	"log/slog"

	"github.com/tinyrange/jitlower/internal/asm/amd64"
	"github.com/tinyrange/jitlower/internal/hwintrinsic"
	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/target"
)

// ContainCheck decides the containment of n's operands. Nodes are visited in
// evaluation order so operands are decided before their users.
func (l *Lowering) ContainCheck(n *ir.Node) error {
	if l.IsContained(n) {
		// The user already absorbed n (an RMW load or its address).
		return nil
	}
	switch l.Target.Arch {
	case target.ArchAMD64:
		return l.containCheckXArch(n)
	case target.ArchARM64:
		return l.containCheckArm64(n)
	}
	return jiterr.NYI(string(l.Target.Arch), "no lowering for target")
}

func (l *Lowering) containCheckXArch(n *ir.Node) error {
	switch n.Op {
	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor:
		if n.Type.IsFloating() {
			l.containFloatBinary(n)
		} else {
			l.containIntBinary(n)
		}
	case ir.OpMul, ir.OpMulHi:
		if n.Type.IsFloating() {
			l.containFloatBinary(n)
		} else {
			l.containMul(n)
		}
	case ir.OpDiv, ir.OpUDiv, ir.OpMod, ir.OpUMod:
		if n.Type.IsFloating() {
			l.containFloatBinary(n)
		} else if !l.containMem(n, n.Op2(), true) {
			l.SetRegOptional(n.Op2())
		}
	case ir.OpLsh, ir.OpRsh, ir.OpRsz, ir.OpRol, ir.OpRor:
		l.containImm(n, n.Op2())
	case ir.OpEQ, ir.OpNE, ir.OpLT, ir.OpLE, ir.OpGE, ir.OpGT:
		l.containCompare(n)
	case ir.OpJTrue:
		l.containJTrue(n)
	case ir.OpBoundsCheck:
		l.containBoundsCheck(n)
	case ir.OpCast:
		l.containCast(n)
	case ir.OpStoreLclVar, ir.OpStoreLclFld:
		l.containLocalStore(n)
	case ir.OpStoreInd:
		l.containStoreInd(n)
	case ir.OpInd, ir.OpNullCheck:
		l.containAddr(n, n.Addr())
	case ir.OpXAdd, ir.OpXchg, ir.OpCmpXchg:
		// The location is always a register: lock-prefixed forms take the
		// address in a base register.
	case ir.OpCall:
		l.containCall(n)
	case ir.OpPutArgStk:
		if d := n.Op1(); d != nil && d.IsCnsIntOrI() && d.IntVal != 0 {
			l.containImm(n, d)
		}
	case ir.OpIntrinsic:
		if !l.containMem(n, n.Op1(), true) {
			l.SetRegOptional(n.Op1())
		}
	case ir.OpInitBlk, ir.OpCopyBlk, ir.OpCopyObj:
		l.containBlock(n)
	case ir.OpSIMD:
		l.containSIMD(n)
	case ir.OpHWIntrinsic:
		return l.containHWIntrinsic(n)
	}
	return nil
}

// containIntBinary handles Add, Sub, And, Or and Xor on integers.
func (l *Lowering) containIntBinary(n *ir.Node) {
	op1, op2 := n.Op1(), n.Op2()
	if l.containImm(n, op2) {
		return
	}
	if l.isRMWOperator(n) {
		return
	}
	if l.containMem(n, op2, true) {
		return
	}
	if n.Op.IsCommutative() && !n.HasFlag(ir.FlagOverflow) {
		if l.IsContainableImmed(n, op1) || l.canContainMem(n, op1, true) {
			l.MakeSrcContained(n, op1)
			return
		}
	}
	l.setPreferredRegOptional(n)
}

// isRMWOperator reports a binary or unary node whose user stores its result
// back to the location it loaded from.
func (l *Lowering) isRMWOperator(n *ir.Node) bool {
	user := n.User()
	if user == nil || user.Op != ir.OpStoreInd || user.Data() != n {
		return false
	}
	return l.DetectRMW(user).Status.IsRMW()
}

func (l *Lowering) containFloatBinary(n *ir.Node) {
	op1, op2 := n.Op1(), n.Op2()
	ok2 := func(c *ir.Node) bool {
		if c.Op == ir.OpCnsDbl {
			// A zero constant is cheaper to produce with xorps, except as a
			// divisor where a register would need the constant anyway.
			return n.Op == ir.OpDiv || !c.IsFPZero()
		}
		return true
	}
	if ok2(op2) && l.containMem(n, op2, true) {
		return
	}
	if n.Op.IsCommutative() && ok2(op1) && l.containMem(n, op1, true) {
		return
	}
	l.setPreferredRegOptional(n)
}

func (l *Lowering) containMul(n *ir.Node) {
	op1, op2 := n.Op1(), n.Op2()
	oneOperand := n.Op == ir.OpMulHi || (n.HasFlag(ir.FlagOverflow) && n.HasFlag(ir.FlagUnsigned))
	if oneOperand {
		// mul r/m with the other factor pinned to RAX.
		if !l.containMem(n, op2, true) && !l.containMem(n, op1, true) {
			l.setPreferredRegOptional(n)
		}
		return
	}
	imm, other := op2, op1
	if !l.IsContainableImmed(n, imm) && l.IsContainableImmed(n, op1) {
		imm, other = op1, op2
	}
	if l.IsContainableImmed(n, imm) {
		l.MakeSrcContained(n, imm)
		switch imm.IntVal {
		case 3, 5, 9:
			if !n.HasFlag(ir.FlagOverflow) {
				l.mulLEA[n.ID] = true
				return
			}
		}
		if !l.containMem(n, other, true) {
			l.SetRegOptional(other)
		}
		return
	}
	if l.containMem(n, op2, true) || l.containMem(n, op1, true) {
		return
	}
	l.setPreferredRegOptional(n)
}

func (l *Lowering) containCompare(n *ir.Node) {
	op1, op2 := n.Op1(), n.Op2()
	if op1.Type.IsFloating() {
		// LT and LE are emitted with swapped operands so the unordered
		// result falls out of the carry flag.
		mem := op2
		if n.Op == ir.OpLT || n.Op == ir.OpLE {
			mem = op1
		}
		if !l.containMem(n, mem, false) {
			l.SetRegOptional(mem)
		}
		return
	}
	if l.containImm(n, op2) {
		return
	}
	if op2.Type.Size() == op1.Type.Size() && l.containMem(n, op2, false) {
		return
	}
	if op1.Type.Size() == op2.Type.Size() && l.containMem(n, op1, false) {
		return
	}
	l.setPreferredRegOptional(n)
}

// containJTrue folds a relational operator consumed only by the branch; the
// flags it sets are tested directly.
func (l *Lowering) containJTrue(n *ir.Node) {
	cmp := n.Op1()
	if cmp == nil || !cmp.Op.IsCompare() || cmp.Next() != n {
		return
	}
	l.MakeSrcContained(n, cmp)
}

func (l *Lowering) containBoundsCheck(n *ir.Node) {
	index, length := n.Op1(), n.Op2()
	switch {
	case l.containImm(n, length):
		if !l.containMem(n, index, false) {
			l.SetRegOptional(index)
		}
	case l.containImm(n, index):
		if !l.containMem(n, length, false) {
			l.SetRegOptional(length)
		}
	case l.containMem(n, length, false), l.containMem(n, index, false):
	default:
		l.setPreferredRegOptional(n)
	}
}

func (l *Lowering) containCast(n *ir.Node) {
	src := n.Op1()
	unsigned := src.Type.IsUnsigned() || n.HasFlag(ir.FlagUnsigned)
	if n.HasFlag(ir.FlagOverflow) || src.Type == ir.TypeULong || unsigned && (src.Type.Size() == 8 || n.Type.IsFloating()) {
		l.SetRegOptional(src)
		return
	}
	if src.Op == ir.OpCnsDbl {
		l.MakeSrcContained(n, src)
		return
	}
	if (src.Type.IsFloating() || src.Type.IsIntegral()) && l.containMem(n, src, false) {
		return
	}
	l.SetRegOptional(src)
}

func (l *Lowering) containLocalStore(n *ir.Node) {
	data := n.Data()
	if data == nil || !data.IsCnsIntOrI() {
		return
	}
	if data.IntVal == 0 && storeSize(n) >= 4 && !l.IsWidenedStore(n) {
		// Zero is materialised with xor reg, reg.
		return
	}
	l.containImm(n, data)
}

func (l *Lowering) containStoreInd(n *ir.Node) {
	data, addr := n.Data(), n.Addr()
	if data.IsCnsIntOrI() {
		zero := data.IntVal == 0
		static := addr.Op == ir.OpClsVarAddr
		if !zero || n.Type.Size() < 4 || static {
			l.containImm(n, data)
		}
	} else if n.Type.IsIntegral() && !n.HasFlag(ir.FlagWriteBarrier) {
		if r := l.DetectRMW(n); r.Status.IsRMW() {
			l.containRMW(n, r)
		}
	}
	if !n.HasFlag(ir.FlagWriteBarrier) {
		l.containAddr(n, addr)
	}
}

func (l *Lowering) containCall(n *ir.Node) {
	ctrl := n.ControlExpr()
	if ctrl == nil {
		return
	}
	if n.Call.FastTailCall {
		// The target must survive the epilogue in a scratch register.
		return
	}
	if l.IsContainableMemoryOp(ctrl) && ctrl.Type.Size() == 8 && l.IsSafeToContainMem(n, ctrl) {
		l.MakeSrcContained(n, ctrl)
		if ctrl.Op == ir.OpInd {
			l.containAddr(ctrl, ctrl.Addr())
		}
	}
}

func (l *Lowering) containSIMD(n *ir.Node) {
	switch n.SIMD {
	case ir.SIMDInit:
		op := n.Op1()
		switch {
		case op.IsIntegralConst(0) || op.IsFPZero():
			l.MakeSrcContained(n, op)
		case op.IsIntegralConst(-1) && n.BaseType.IsIntegral():
			l.MakeSrcContained(n, op)
		case l.Target.UseVEX() && (n.SIMDSize == 16 || n.SIMDSize == 32):
			if op.Op == ir.OpCnsDbl {
				l.MakeSrcContained(n, op)
			} else if l.IsContainableMemoryOp(op) && op.Type.Size() == n.BaseType.Size() && op.Type.Size() >= 4 && l.IsSafeToContainMem(n, op) {
				l.MakeSrcContained(n, op)
			}
		}
	case ir.SIMDGetItem:
		if idx := n.Op2(); idx.IsCnsIntOrI() {
			l.MakeSrcContained(n, idx)
		}
	case ir.SIMDShuffleSSE2:
		if c := n.Op2(); c.IsCnsIntOrI() {
			l.MakeSrcContained(n, c)
		}
	case ir.SIMDOpEquality, ir.SIMDOpInEquality:
		op2 := n.Op2()
		if l.Target.Has(target.ISASSE41) && isZeroVector(op2) {
			l.MakeSrcContained(n, op2)
			for _, c := range op2.Operands() {
				l.MakeSrcContained(op2, c)
			}
			l.ptest[n.ID] = true
		}
	}
}

func isZeroVector(n *ir.Node) bool {
	if n.Op != ir.OpSIMD || n.SIMD != ir.SIMDInit {
		return false
	}
	op := n.Op1()
	return op != nil && (op.IsIntegralConst(0) || op.IsFPZero())
}

func (l *Lowering) containHWIntrinsic(n *ir.Node) error {
	info, ok := hwintrinsic.Lookup(n.HW)
	if !ok {
		return jiterr.Invariantf("unknown hardware intrinsic %d", n.HW).At(n)
	}
	ops := n.Operands()
	if idx := info.ImmIndex(); idx >= 0 && idx < len(ops) && ops[idx].IsCnsIntOrI() {
		l.MakeSrcContained(n, ops[idx])
	}
	if !l.Target.HasMemoryOperands() || info.Has(hwintrinsic.NoContainment) || info.Has(hwintrinsic.FlagResult) {
		return nil
	}
	last := len(ops) - 1
	if info.HasImm() {
		last--
	}
	if last < 0 {
		return nil
	}
	ins, ok := info.Instruction(n.BaseType)
	if !ok || !amd64.Set.SupportsMemoryOperand(ins) {
		return nil
	}
	child := ops[last]
	size := child.Type.Size()
	want := n.SIMDSize
	if info.Category == hwintrinsic.CategoryScalar {
		want = n.BaseType.Size()
	}
	if l.IsContainableMemoryOp(child) && size == want && l.IsSafeToContainMem(n, child) {
		l.MakeSrcContained(n, child)
		l.log.Debug("hwintrinsic memory operand", slog.Any("node", n.ID), slog.String("intrinsic", hwintrinsic.QualifiedName(n.HW)))
	} else {
		l.SetRegOptional(child)
	}
	return nil
}

func (l *Lowering) containBlock(n *ir.Node) {
	dst, src, size := n.Op1(), n.Op2(), n.Op3()
	switch l.Block(n) {
	case BlockUnroll:
		l.MakeSrcContained(n, size)
		if n.Op == ir.OpInitBlk && src.IsCnsIntOrI() && src.IntVal == 0 && l.Target.Arch == target.ArchARM64 {
			l.MakeSrcContained(n, src)
		}
		if dst.Op.IsLocalAddr() {
			l.MakeSrcContained(n, dst)
		}
		if n.Op == ir.OpCopyBlk && src.Op.IsLocalAddr() {
			l.MakeSrcContained(n, src)
		}
	case BlockRepInstr:
		if size.IsCnsIntOrI() && l.Target.Arch == target.ArchARM64 {
			l.MakeSrcContained(n, size)
		}
	case BlockGCCopy:
		// The class token only selects the layout.
		l.MakeSrcContained(n, size)
	}
}
