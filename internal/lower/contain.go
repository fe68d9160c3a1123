package lower

import (
	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/target"
)

// TryContain folds child into parent when child is an immediate parent can
// encode or a memory operand parent may read directly. It never contains an
// already contained node.
func (l *Lowering) TryContain(parent, child *ir.Node) bool {
	if child == nil || l.IsContained(child) {
		return false
	}
	if l.IsContainableImmed(parent, child) {
		l.MakeSrcContained(parent, child)
		return true
	}
	if l.canContainMem(parent, child, false) {
		l.MakeSrcContained(parent, child)
		return true
	}
	return false
}

// immKind maps the consumer of an immediate to the instruction form it will
// be encoded in.
func immKind(parent *ir.Node) (target.ImmKind, int, bool) {
	switch parent.Op {
	case ir.OpAdd, ir.OpSub:
		return target.ImmALU, parent.Type.Size(), true
	case ir.OpAnd, ir.OpOr, ir.OpXor:
		return target.ImmLogical, parent.Type.Size(), true
	case ir.OpLsh, ir.OpRsh, ir.OpRsz, ir.OpRol, ir.OpRor:
		return target.ImmShift, parent.Type.Size(), true
	case ir.OpEQ, ir.OpNE, ir.OpLT, ir.OpLE, ir.OpGE, ir.OpGT:
		return target.ImmCompare, parent.Op1().Type.Size(), true
	case ir.OpBoundsCheck:
		return target.ImmCompare, parent.Op1().Type.Size(), true
	case ir.OpStoreInd, ir.OpStoreLclVar, ir.OpStoreLclFld, ir.OpPutArgStk:
		return target.ImmStoreData, storeSize(parent), true
	case ir.OpMul, ir.OpMulHi, ir.OpXAdd, ir.OpXchg, ir.OpCmpXchg:
		return target.ImmALU, parent.Type.Size(), true
	case ir.OpInd, ir.OpNullCheck, ir.OpLea:
		return target.ImmAddrOffset, parent.Type.Size(), true
	}
	return 0, 0, false
}

func storeSize(store *ir.Node) int {
	if store.Op == ir.OpPutArgStk {
		if d := store.Op1(); d != nil {
			return d.Type.Size()
		}
		return 8
	}
	return store.Type.Size()
}

// IsContainableImmed reports an integer constant that needs no relocation and
// fits the immediate form of parent on the current target.
func (l *Lowering) IsContainableImmed(parent, child *ir.Node) bool {
	if child == nil || !child.IsCnsIntOrI() || child.HasFlag(ir.FlagIconReloc) {
		return false
	}
	kind, size, ok := immKind(parent)
	if !ok {
		return false
	}
	switch l.Target.Arch {
	case target.ArchAMD64:
		if parent.Op == ir.OpMul || parent.Op == ir.OpMulHi {
			// imul r, rm, imm32 sign-extends its immediate.
			return target.FitsInt32(child.IntVal)
		}
		return l.Target.ImmFits(kind, child.IntVal, size)
	case target.ArchARM64:
		switch parent.Op {
		case ir.OpMul, ir.OpMulHi, ir.OpXAdd, ir.OpXchg, ir.OpCmpXchg:
			return false
		}
		return l.Target.ImmFits(kind, child.IntVal, size)
	}
	return false
}

// IsContainableMemoryOp reports nodes that denote a memory location an
// instruction could read in place.
func (l *Lowering) IsContainableMemoryOp(n *ir.Node) bool {
	if n == nil {
		return false
	}
	switch n.Op {
	case ir.OpInd:
		return !n.HasFlag(ir.FlagVolatile)
	case ir.OpLclFld, ir.OpClsVar:
		return true
	case ir.OpLclVar:
		return !l.isEnregisterable(n.Lcl)
	}
	return false
}

func (l *Lowering) isEnregisterable(lcl ir.LclNum) bool {
	loc := l.Method.Local(lcl)
	if loc == nil {
		return false
	}
	return loc.Tracked && !loc.DoNotEnregister && !loc.AddressExposed && !loc.Type.IsStruct()
}

// IsSafeToContainMem reports whether evaluating child at parent's position
// instead of its own is unobservable: no node strictly between them may
// interfere with child's memory read, the locals its address uses or its
// exception.
func (l *Lowering) IsSafeToContainMem(parent, child *ir.Node) bool {
	if !ir.Precedes(child, parent) {
		return false
	}
	return !l.Method.RangeInterferes(child, parent, l.Method.TreeEffects(child))
}

// canContainMem checks the memory-operand preconditions of x86-64: operand
// support, exact size match and reorder safety. FP constants live in the
// read-only data section and qualify like memory.
func (l *Lowering) canContainMem(parent, child *ir.Node, sameType bool) bool {
	if child == nil || !l.Target.HasMemoryOperands() || l.IsContained(child) {
		return false
	}
	if child.Op == ir.OpCnsDbl {
		return true
	}
	if !l.IsContainableMemoryOp(child) {
		return false
	}
	if child.Type.Size() != operandSize(parent) {
		return false
	}
	if sameType && child.Type.ActualType() != parent.Type.ActualType() && !parent.Op.IsCompare() {
		return false
	}
	return l.IsSafeToContainMem(parent, child)
}

// operandSize is the size of the register operands parent works on.
func operandSize(parent *ir.Node) int {
	switch {
	case parent.Op.IsCompare(), parent.Op == ir.OpBoundsCheck:
		return parent.Op1().Type.Size()
	case parent.Op == ir.OpCast:
		return parent.Op1().Type.Size()
	case parent.Op == ir.OpSIMD || parent.Op == ir.OpHWIntrinsic:
		return parent.SIMDSize
	case parent.Op == ir.OpCall || parent.Op == ir.OpPutArgStk:
		return 8
	}
	return parent.Type.Size()
}

func (l *Lowering) containMem(parent, child *ir.Node, sameType bool) bool {
	if l.canContainMem(parent, child, sameType) {
		l.MakeSrcContained(parent, child)
		return true
	}
	return false
}

func (l *Lowering) containImm(parent, child *ir.Node) bool {
	if child != nil && !l.IsContained(child) && l.IsContainableImmed(parent, child) {
		l.MakeSrcContained(parent, child)
		return true
	}
	return false
}

// PreferredRegOptionalOperand picks the operand of a binary node to leave in
// memory when registers run short: of two tracked locals the lighter one, a
// lone local, otherwise the operand evaluated first.
func (l *Lowering) PreferredRegOptionalOperand(op *ir.Node) *ir.Node {
	op1, op2 := op.Op1(), op.Op2()
	loc := func(n *ir.Node) *ir.Local {
		if n.Op != ir.OpLclVar {
			return nil
		}
		if x := l.Method.Local(n.Lcl); x != nil && x.Tracked {
			return x
		}
		return nil
	}
	l1, l2 := loc(op1), loc(op2)
	switch {
	case l1 != nil && l2 != nil:
		if l1.Weight <= l2.Weight {
			return op1
		}
		return op2
	case l1 != nil:
		return op1
	case l2 != nil:
		return op2
	}
	if op.HasFlag(ir.FlagReverseOps) {
		return op2
	}
	return op1
}

func (l *Lowering) setPreferredRegOptional(n *ir.Node) {
	op1, op2 := n.Op1(), n.Op2()
	switch {
	case l.IsContained(op1) || op1.IsCnsIntOrI():
		l.SetRegOptional(op2)
	case l.IsContained(op2) || op2.IsCnsIntOrI():
		l.SetRegOptional(op1)
	default:
		l.SetRegOptional(l.PreferredRegOptionalOperand(n))
	}
}

// containAddr folds the address operand of a memory consumer.
func (l *Lowering) containAddr(user, addr *ir.Node) {
	if addr == nil || l.IsContained(addr) {
		return
	}
	arm := l.Target.Arch == target.ArchARM64
	switch addr.Op {
	case ir.OpLea:
		l.MakeSrcContained(user, addr)
		if arm {
			size := accessSize(user)
			idx := addr.Index()
			if idx != nil && (addr.Offset != 0 || addr.Base() == nil || addr.Scale > 1 && int(addr.Scale) != size) ||
				!target.Arm64LdStOffset(int64(addr.Offset), size) {
				l.addrTemps[user.ID] = true
			}
		}
	case ir.OpLclVarAddr, ir.OpLclFldAddr:
		l.MakeSrcContained(user, addr)
		if arm {
			loc := l.Method.Local(addr.Lcl)
			off := int64(addr.Offset)
			if loc != nil {
				off += int64(loc.FrameOffset) + target.Arm64FrameRecord
			}
			if !target.Arm64LdStOffset(off, accessSize(user)) {
				l.addrTemps[user.ID] = true
			}
		}
	case ir.OpClsVarAddr:
		if !arm {
			l.MakeSrcContained(user, addr)
		}
	case ir.OpCnsInt:
		if !arm && !addr.HasFlag(ir.FlagIconReloc) && target.FitsInt32(addr.IntVal) {
			l.MakeSrcContained(user, addr)
		}
	}
}

func accessSize(user *ir.Node) int {
	switch user.Op {
	case ir.OpNullCheck:
		return 4
	case ir.OpStoreInd:
		return user.Type.Size()
	}
	if s := user.Type.Size(); s > 0 {
		return s
	}
	return 8
}
