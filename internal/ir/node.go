package ir

import (
	"fmt"
	"math"
	"strings"
)

// NodeID is the stable identity of a node within one method. Every pass-local
// annotation is keyed by it.
type NodeID uint32

// LclNum indexes Method.Locals.
type LclNum int32

// NoLcl marks nodes that do not reference a local.
const NoLcl LclNum = -1

// LabelID names a branch target within a method.
type LabelID int32

// Flags carries per-node attributes set by the IR producer.
type Flags uint32

const (
	// FlagOverflow marks arithmetic and casts that must trap on overflow.
	FlagOverflow Flags = 1 << iota
	// FlagUnsigned marks unsigned overflow checks, unsigned compares and
	// casts from an unsigned source.
	FlagUnsigned
	// FlagReverseOps evaluates the second operand of a binary node first.
	FlagReverseOps
	// FlagIconReloc marks an integer constant that is a handle which may
	// need a relocation, so it cannot be encoded as a plain immediate.
	FlagIconReloc
	FlagVolatile
	// FlagNonFaulting marks indirections known not to fault.
	FlagNonFaulting
	// FlagWriteBarrier marks GC reference stores to the heap.
	FlagWriteBarrier
	FlagTailCall
	// FlagRangeChecked marks nodes whose index operand is already guarded by
	// a runtime bounds check.
	FlagRangeChecked
	// FlagReadsMemory and FlagWritesMemory describe intrinsics that access
	// memory through an address operand.
	FlagReadsMemory
	FlagWritesMemory
)

// CallInfo describes a call node. The operands of a call are its argument
// nodes (OpPutArgReg / OpPutArgStk) followed, for indirect calls, by the
// control expression.
type CallInfo struct {
	Target       string
	Indirect     bool
	Varargs      bool
	FastTailCall bool
	Helper       bool
	// ReturnTypes lists the per-register types of a value returned in more
	// than one register. Empty for single-register or void returns.
	ReturnTypes []Type
}

// BlockInfo describes a block store node.
type BlockInfo struct {
	// GCLayout holds one entry per pointer-sized slot for OpCopyObj.
	GCLayout []GCKind
}

// Node is one IR node. Nodes form trees through their operands and are
// threaded in evaluation order through the method's LIR list.
type Node struct {
	ID    NodeID
	Op    Op
	Type  Type
	Flags Flags

	ops  []*Node
	user *Node

	IntVal   int64
	FloatVal float64
	Lcl      LclNum
	// Offset is the field offset of local field nodes, the displacement of
	// an address mode, or the outgoing-area offset of a stack argument.
	Offset int32
	Scale  uint8
	Symbol string
	Label  LabelID
	// CastTo is the exact target type of a cast (Type holds the widened
	// register type).
	CastTo Type

	Math     MathIntrinsic
	SIMD     SIMDIntrinsic
	HW       HWIntrinsic
	BaseType Type
	SIMDSize int
	ArgNum   int

	Call  *CallInfo
	Block *BlockInfo

	prev, next *Node
	seq        int
	linked     bool
}

func (n *Node) HasFlag(f Flags) bool { return n.Flags&f != 0 }

// NumOperands returns the operand slot count, including empty address-mode
// slots.
func (n *Node) NumOperands() int { return len(n.ops) }

// Operand returns operand slot i or nil.
func (n *Node) Operand(i int) *Node {
	if i < 0 || i >= len(n.ops) {
		return nil
	}
	return n.ops[i]
}

func (n *Node) Op1() *Node { return n.Operand(0) }
func (n *Node) Op2() *Node { return n.Operand(1) }
func (n *Node) Op3() *Node { return n.Operand(2) }

// Operands returns the non-empty operands in slot order.
func (n *Node) Operands() []*Node {
	out := make([]*Node, 0, len(n.ops))
	for _, op := range n.ops {
		if op != nil {
			out = append(out, op)
		}
	}
	return out
}

// EvalOperands returns the non-empty operands in evaluation order.
func (n *Node) EvalOperands() []*Node {
	ops := n.Operands()
	if n.HasFlag(FlagReverseOps) && len(ops) == 2 {
		ops[0], ops[1] = ops[1], ops[0]
	}
	return ops
}

// SetOperand replaces operand slot i and maintains user links.
func (n *Node) SetOperand(i int, op *Node) {
	if old := n.ops[i]; old != nil && old.user == n {
		old.user = nil
	}
	n.ops[i] = op
	if op != nil {
		op.user = n
	}
}

// SwapOperands exchanges the first two operands of a binary node.
func (n *Node) SwapOperands() {
	n.ops[0], n.ops[1] = n.ops[1], n.ops[0]
}

// User returns the node consuming this node's value, if any.
func (n *Node) User() *Node { return n.user }

// Next returns the node evaluated after n.
func (n *Node) Next() *Node { return n.next }

// Prev returns the node evaluated before n.
func (n *Node) Prev() *Node { return n.prev }

// Seq returns the evaluation sequence number assigned by Method.Renumber.
func (n *Node) Seq() int { return n.seq }

// Linked reports whether n is part of its method's LIR list.
func (n *Node) Linked() bool { return n.linked }

// IsValue reports whether the node defines a value consumed by another node.
func (n *Node) IsValue() bool {
	return n.Op.ProducesValue() && n.Type != TypeVoid
}

// IsCnsIntOrI reports integer constant nodes.
func (n *Node) IsCnsIntOrI() bool { return n.Op == OpCnsInt }

// IsIntegralConst reports an integer constant equal to v.
func (n *Node) IsIntegralConst(v int64) bool {
	return n.Op == OpCnsInt && n.IntVal == v
}

// IsFPZero reports the positive floating point zero constant.
func (n *Node) IsFPZero() bool {
	return n.Op == OpCnsDbl && n.FloatVal == 0 && !math.Signbit(n.FloatVal)
}

// IsHelperCall reports calls to runtime helpers.
func (n *Node) IsHelperCall() bool {
	return n.Op == OpCall && n.Call != nil && n.Call.Helper
}

// Args returns the argument operands of a call.
func (n *Node) Args() []*Node {
	if n.Op != OpCall {
		return nil
	}
	ops := n.Operands()
	if n.Call != nil && n.Call.Indirect && len(ops) > 0 {
		return ops[:len(ops)-1]
	}
	return ops
}

// ControlExpr returns the target operand of an indirect call.
func (n *Node) ControlExpr() *Node {
	if n.Op != OpCall || n.Call == nil || !n.Call.Indirect || len(n.ops) == 0 {
		return nil
	}
	return n.ops[len(n.ops)-1]
}

// Base and Index return the address-mode components of an OpLea node.
func (n *Node) Base() *Node  { return n.Operand(0) }
func (n *Node) Index() *Node { return n.Operand(1) }

// Addr returns the address operand of an indirection or block store.
func (n *Node) Addr() *Node {
	switch n.Op {
	case OpInd, OpNullCheck, OpStoreInd, OpInitBlk, OpCopyBlk, OpCopyObj, OpXAdd, OpXchg, OpCmpXchg:
		return n.Op1()
	}
	return nil
}

// Data returns the value stored by a store node.
func (n *Node) Data() *Node {
	switch n.Op {
	case OpStoreInd:
		return n.Op2()
	case OpStoreLclVar, OpStoreLclFld:
		return n.Op1()
	}
	return nil
}

// IsMultiRegCall reports calls returning a value in more than one register.
func (n *Node) IsMultiRegCall() bool {
	return n.Op == OpCall && n.Call != nil && len(n.Call.ReturnTypes) > 1
}

// ReturnRegCount is the number of registers a call's value occupies.
func (n *Node) ReturnRegCount() int {
	if n.Op != OpCall || n.Type == TypeVoid {
		return 0
	}
	if n.IsMultiRegCall() {
		return len(n.Call.ReturnTypes)
	}
	return 1
}

func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "n%d %s.%s", n.ID, n.Op, n.Type)
	switch n.Op {
	case OpCnsInt:
		fmt.Fprintf(&b, " %d", n.IntVal)
		if n.HasFlag(FlagIconReloc) {
			b.WriteString(" reloc")
		}
	case OpCnsDbl:
		fmt.Fprintf(&b, " %g", n.FloatVal)
	case OpLclVar, OpLclVarAddr, OpStoreLclVar:
		fmt.Fprintf(&b, " V%02d", n.Lcl)
	case OpLclFld, OpLclFldAddr, OpStoreLclFld:
		fmt.Fprintf(&b, " V%02d[+%d]", n.Lcl, n.Offset)
	case OpClsVar, OpClsVarAddr:
		fmt.Fprintf(&b, " %s", n.Symbol)
	case OpLea:
		fmt.Fprintf(&b, " [*%d%+d]", n.Scale, n.Offset)
	case OpCast:
		fmt.Fprintf(&b, " ->%s", n.CastTo)
	case OpIntrinsic:
		fmt.Fprintf(&b, " %s", n.Math)
	case OpSIMD:
		fmt.Fprintf(&b, " %s<%s,%d>", n.SIMD, n.BaseType, n.SIMDSize)
	case OpHWIntrinsic:
		fmt.Fprintf(&b, " #%d<%s,%d>", n.HW, n.BaseType, n.SIMDSize)
	case OpCall:
		if n.Call != nil && n.Call.Target != "" {
			fmt.Fprintf(&b, " %s", n.Call.Target)
		}
	case OpLabel, OpJmp, OpJTrue:
		fmt.Fprintf(&b, " L%d", n.Label)
	case OpPutArgReg, OpPutArgStk:
		fmt.Fprintf(&b, " arg%d", n.ArgNum)
	}
	if ops := n.Operands(); len(ops) > 0 {
		b.WriteString(" (")
		for i, op := range ops {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "n%d", op.ID)
		}
		b.WriteString(")")
	}
	return b.String()
}
