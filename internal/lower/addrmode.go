package lower

import (
	"log/slog"

	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/target"
)

// addrTerms is a flattened address expression.
type addrTerms struct {
	base, index *ir.Node
	scale       uint8
	disp        int64
	// folded are the interior nodes absorbed into the address mode.
	folded []*ir.Node
}

func (a *addrTerms) addReg(n *ir.Node, scale uint8) bool {
	switch {
	case scale == 1 && a.base == nil:
		a.base = n
	case a.index == nil:
		a.index, a.scale = n, scale
	default:
		return false
	}
	return true
}

// flatten walks an Add chain. Only non-overflow integer adds are decomposed.
func (a *addrTerms) flatten(n *ir.Node, top bool) bool {
	switch {
	case n.Op == ir.OpAdd && !n.HasFlag(ir.FlagOverflow) && n.Type.IsIntOrI():
		a.folded = append(a.folded, n)
		return a.flatten(n.Op1(), false) && a.flatten(n.Op2(), false)
	case n.IsCnsIntOrI():
		if n.HasFlag(ir.FlagIconReloc) {
			return a.addReg(n, 1)
		}
		a.folded = append(a.folded, n)
		a.disp += n.IntVal
		return true
	case n.Op == ir.OpMul && !n.HasFlag(ir.FlagOverflow) && n.Op2().IsCnsIntOrI() && !top:
		if s, ok := scaleOf(n.Op2().IntVal); ok && a.index == nil {
			a.folded = append(a.folded, n, n.Op2())
			a.index, a.scale = n.Op1(), s
			return true
		}
	case n.Op == ir.OpLsh && n.Op2().IsCnsIntOrI() && !top:
		if c := n.Op2().IntVal; c >= 0 && c <= 3 && a.index == nil {
			a.folded = append(a.folded, n, n.Op2())
			a.index, a.scale = n.Op1(), uint8(1)<<c
			return true
		}
	}
	return a.addReg(n, 1)
}

func scaleOf(v int64) (uint8, bool) {
	switch v {
	case 1, 2, 4, 8:
		return uint8(v), true
	}
	return 0, false
}

// TryCreateAddrMode replaces the address operand of use, when it is an Add
// chain, with a single Lea node [base + index*scale + disp]. It reports
// whether the address was rewritten.
func (l *Lowering) TryCreateAddrMode(use, addr *ir.Node) bool {
	if addr.Op != ir.OpAdd || addr.HasFlag(ir.FlagOverflow) || !addr.Type.IsIntOrI() {
		return false
	}
	if use.Op == ir.OpStoreInd && use.HasFlag(ir.FlagWriteBarrier) {
		// The barrier helper takes the final address in a register.
		return false
	}
	var a addrTerms
	if !a.flatten(addr, true) {
		return false
	}
	if a.base == nil && a.index == nil {
		// A constant address stays a constant.
		return false
	}
	if !target.FitsInt32(a.disp) {
		return false
	}
	if l.Target.Arch == target.ArchARM64 {
		if a.base == nil {
			if a.scale != 1 {
				return false
			}
			a.base, a.index = a.index, nil
		}
		if a.index != nil && a.scale != 1 && int(a.scale) != accessSize(use) {
			return false
		}
	}
	if a.base == nil && a.scale == 1 {
		a.base, a.index = a.index, nil
	}
	if !l.leavesStable(a, use) {
		return false
	}

	lea := l.Method.Lea(addr.Type, nil, nil, a.scale, int32(a.disp))
	// Detach the leaves from their old users before re-parenting them.
	base, index := a.base, a.index
	for _, n := range a.folded {
		l.Method.Remove(n)
	}
	lea.SetOperand(0, base)
	lea.SetOperand(1, index)
	if lea.Scale == 0 {
		lea.Scale = 1
	}
	l.Method.InsertBefore(use, lea)
	use.SetOperand(0, lea)
	l.log.Debug("address mode",
		slog.Any("use", use.ID), slog.Any("lea", lea.ID),
		slog.Int("scale", int(lea.Scale)), slog.Int64("disp", a.disp))
	return true
}

// leavesStable rejects address modes whose base or index reads a local that
// is redefined between the leaf and the use: folding would move the read.
func (l *Lowering) leavesStable(a addrTerms, use *ir.Node) bool {
	for _, leaf := range []*ir.Node{a.base, a.index} {
		if leaf == nil || !leaf.Op.IsLocalRead() {
			continue
		}
		lcl := leaf.Lcl
		clobbered := false
		l.Method.Between(leaf, use, func(n *ir.Node) bool {
			if n.Op.IsLocalStore() && n.Lcl == lcl {
				clobbered = true
				return false
			}
			return true
		})
		if clobbered {
			return false
		}
	}
	return true
}
