package lower

import (
	"log/slog"

	"github.com/tinyrange/jitlower/internal/ir"
)

// RMWStatus is the outcome of read-modify-write detection for a store.
type RMWStatus uint8

const (
	RMWUnknown RMWStatus = iota
	// RMWDstIsOp1: *p = *p op x.
	RMWDstIsOp1
	// RMWDstIsOp2: *p = x op *p with a commutative op.
	RMWDstIsOp2
	RMWUnsupportedAddr
	RMWUnsupportedOper
	RMWUnsupportedType
)

func (s RMWStatus) IsRMW() bool { return s == RMWDstIsOp1 || s == RMWDstIsOp2 }

func (s RMWStatus) String() string {
	switch s {
	case RMWUnknown:
		return "unknown"
	case RMWDstIsOp1:
		return "dst-is-op1"
	case RMWDstIsOp2:
		return "dst-is-op2"
	case RMWUnsupportedAddr:
		return "unsupported-addr"
	case RMWUnsupportedOper:
		return "unsupported-oper"
	case RMWUnsupportedType:
		return "unsupported-type"
	}
	return "?"
}

// RMWResult describes a matched read-modify-write store.
type RMWResult struct {
	Status RMWStatus
	// Oper is the arithmetic node, Indir the load of the stored location and
	// Source the other operand (nil for unary operators).
	Oper, Indir, Source *ir.Node
}

// DetectRMW classifies store as "*addr = *addr op src". The result is
// memoized: repeated calls return the first answer.
func (l *Lowering) DetectRMW(store *ir.Node) RMWResult {
	if r, ok := l.rmw[store.ID]; ok {
		return r
	}
	r := l.detectRMW(store)
	l.rmw[store.ID] = r
	if r.Status.IsRMW() {
		l.log.Debug("read-modify-write",
			slog.Any("store", store.ID), slog.String("oper", r.Oper.Op.String()),
			slog.String("status", r.Status.String()))
	}
	return r
}

func (l *Lowering) detectRMW(store *ir.Node) RMWResult {
	fail := func(s RMWStatus) RMWResult { return RMWResult{Status: s} }
	if store.Op != ir.OpStoreInd || !l.Target.HasRMW() {
		return fail(RMWUnsupportedOper)
	}
	addr := store.Addr()
	switch addr.Op {
	case ir.OpLea, ir.OpLclVar, ir.OpLclVarAddr, ir.OpLclFldAddr, ir.OpClsVarAddr, ir.OpCnsInt:
	default:
		return fail(RMWUnsupportedAddr)
	}
	oper := store.Data()
	if oper.HasFlag(ir.FlagOverflow) || oper.Type.IsFloating() {
		return fail(RMWUnsupportedOper)
	}
	switch oper.Op {
	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor,
		ir.OpLsh, ir.OpRsh, ir.OpRsz, ir.OpRol, ir.OpRor, ir.OpNot, ir.OpNeg:
	default:
		return fail(RMWUnsupportedOper)
	}
	if !store.Type.IsIntegral() && !store.Type.IsGC() {
		return fail(RMWUnsupportedType)
	}
	if oper.Op.IsShiftOrRotate() && store.Type.IsSmallInt() {
		return fail(RMWUnsupportedType)
	}

	var indir, src *ir.Node
	status := RMWUnknown
	isIndir := func(n *ir.Node) bool {
		return n != nil && n.Op == ir.OpInd && n.User() == oper && l.IndirsAreEquivalent(n, store)
	}
	switch {
	case oper.Op == ir.OpNot || oper.Op == ir.OpNeg:
		if isIndir(oper.Op1()) {
			indir, status = oper.Op1(), RMWDstIsOp1
		}
	case oper.Op.IsCommutative() && isIndir(oper.Op2()):
		indir, src, status = oper.Op2(), oper.Op1(), RMWDstIsOp2
	case isIndir(oper.Op1()):
		indir, src, status = oper.Op1(), oper.Op2(), RMWDstIsOp1
	}
	if indir == nil {
		return fail(RMWUnsupportedAddr)
	}
	if src != nil && src.Op == ir.OpInd && src.Type.Size() != indir.Type.Size() {
		return fail(RMWUnsupportedType)
	}

	// Nothing between the load and the store may observe or change the
	// location: the load moves to the store.
	eff := l.Method.TreeEffects(indir)
	first := earliestLeaf(indir)
	safe := true
	l.Method.Between(first, store, func(n *ir.Node) bool {
		if n == indir || isIn(n, indir) {
			return true
		}
		if l.Method.NodeEffects(n).InterferesWith(eff) {
			safe = false
			return false
		}
		return true
	})
	if !safe {
		return fail(RMWUnsupportedAddr)
	}
	return RMWResult{Status: status, Oper: oper, Indir: indir, Source: src}
}

// containRMW folds the load, its address tree and the operator into store.
func (l *Lowering) containRMW(store *ir.Node, r RMWResult) {
	l.containTree(store, r.Indir)
	l.MakeSrcContained(store, r.Oper)
	if r.Source != nil && l.IsContainableImmed(r.Oper, r.Source) {
		l.MakeSrcContained(r.Oper, r.Source)
	}
	l.log.Debug("rmw store", slog.Any("store", store.ID), slog.String("status", r.Status.String()))
}

func (l *Lowering) containTree(parent, n *ir.Node) {
	l.MakeSrcContained(parent, n)
	// The leaves repeat the store's own address and are not evaluated.
	for _, op := range n.Operands() {
		l.containTree(n, op)
	}
}

// IndirsAreEquivalent reports whether the load a and the store b access the
// same location with the same size.
func (l *Lowering) IndirsAreEquivalent(a, b *ir.Node) bool {
	if a.Type.Size() != b.Type.Size() {
		return false
	}
	return sameAddr(a.Addr(), b.Addr())
}

func sameAddr(x, y *ir.Node) bool {
	if x == nil || y == nil || x.Op != y.Op {
		return false
	}
	switch x.Op {
	case ir.OpLea:
		return x.Scale == y.Scale && x.Offset == y.Offset &&
			sameLeaf(x.Base(), y.Base()) && sameLeaf(x.Index(), y.Index())
	default:
		return sameLeaf(x, y)
	}
}

func sameLeaf(x, y *ir.Node) bool {
	if x == nil || y == nil {
		return x == y
	}
	if x.Op != y.Op {
		return false
	}
	switch x.Op {
	case ir.OpLclVar:
		return x.Lcl == y.Lcl
	case ir.OpLclVarAddr, ir.OpLclFldAddr, ir.OpLclFld:
		return x.Lcl == y.Lcl && x.Offset == y.Offset
	case ir.OpClsVarAddr, ir.OpClsVar:
		return x.Symbol == y.Symbol
	case ir.OpCnsInt:
		return x.IntVal == y.IntVal && x.HasFlag(ir.FlagIconReloc) == y.HasFlag(ir.FlagIconReloc)
	}
	return false
}

func earliestLeaf(n *ir.Node) *ir.Node {
	first := n
	for _, op := range n.Operands() {
		if c := earliestLeaf(op); ir.Precedes(c, first) {
			first = c
		}
	}
	return first
}

func isIn(n, tree *ir.Node) bool {
	if n == tree {
		return true
	}
	for _, op := range tree.Operands() {
		if isIn(n, op) {
			return true
		}
	}
	return false
}
