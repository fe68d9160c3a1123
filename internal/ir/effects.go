package ir

import "slices"

// Effect is a conservative summary of what evaluating a node may do.
type Effect uint8

const (
	EffReadsMemory Effect = 1 << iota
	EffWritesMemory
	EffCall
	EffThrows
	EffVolatile
	// EffBarrier marks control-flow nodes nothing may be moved across.
	EffBarrier
)

// EffectSet is the effect summary of a node or subtree, including the locals
// it reads and writes.
type EffectSet struct {
	Flags       Effect
	ReadLocals  []LclNum
	WriteLocals []LclNum
}

func (s EffectSet) Has(e Effect) bool { return s.Flags&e != 0 }

// IsEmpty reports a set that cannot interfere with anything.
func (s EffectSet) IsEmpty() bool {
	return s.Flags == 0 && len(s.ReadLocals) == 0 && len(s.WriteLocals) == 0
}

func (s *EffectSet) addRead(l LclNum) {
	if !slices.Contains(s.ReadLocals, l) {
		s.ReadLocals = append(s.ReadLocals, l)
	}
}

func (s *EffectSet) addWrite(l LclNum) {
	if !slices.Contains(s.WriteLocals, l) {
		s.WriteLocals = append(s.WriteLocals, l)
	}
}

// Union merges o into s.
func (s *EffectSet) Union(o EffectSet) {
	s.Flags |= o.Flags
	for _, l := range o.ReadLocals {
		s.addRead(l)
	}
	for _, l := range o.WriteLocals {
		s.addWrite(l)
	}
}

// NodeEffects returns the effects of evaluating n alone, not its operands.
func (m *Method) NodeEffects(n *Node) EffectSet {
	var s EffectSet
	exposed := func(l LclNum) bool {
		loc := m.Local(l)
		return loc == nil || loc.AddressExposed
	}
	switch n.Op {
	case OpLclVar, OpLclFld:
		s.addRead(n.Lcl)
		if exposed(n.Lcl) {
			s.Flags |= EffReadsMemory
		}
	case OpStoreLclVar, OpStoreLclFld:
		s.addWrite(n.Lcl)
		if exposed(n.Lcl) {
			s.Flags |= EffWritesMemory
		}
	case OpClsVar:
		s.Flags |= EffReadsMemory
	case OpInd, OpNullCheck:
		s.Flags |= EffReadsMemory
		if !n.HasFlag(FlagNonFaulting) {
			s.Flags |= EffThrows
		}
	case OpStoreInd:
		s.Flags |= EffWritesMemory
		if !n.HasFlag(FlagNonFaulting) {
			s.Flags |= EffThrows
		}
	case OpInitBlk:
		s.Flags |= EffWritesMemory | EffThrows
	case OpCopyBlk, OpCopyObj:
		s.Flags |= EffReadsMemory | EffWritesMemory | EffThrows
	case OpCall:
		s.Flags |= EffCall | EffReadsMemory | EffWritesMemory | EffThrows
	case OpCmpXchg, OpXAdd, OpXchg:
		s.Flags |= EffReadsMemory | EffWritesMemory | EffThrows | EffVolatile
	case OpDiv, OpUDiv, OpMod, OpUMod:
		if n.Type.IsIntegral() {
			s.Flags |= EffThrows
		}
	case OpBoundsCheck, OpCkFinite:
		s.Flags |= EffThrows
	case OpLabel, OpJmp, OpJTrue, OpReturn:
		s.Flags |= EffBarrier
	case OpPutArgStk:
		s.Flags |= EffWritesMemory
	}
	if n.HasFlag(FlagOverflow) {
		s.Flags |= EffThrows
	}
	if n.HasFlag(FlagVolatile) {
		s.Flags |= EffVolatile
	}
	if n.HasFlag(FlagReadsMemory) {
		s.Flags |= EffReadsMemory | EffThrows
	}
	if n.HasFlag(FlagWritesMemory) {
		s.Flags |= EffWritesMemory | EffThrows
	}
	return s
}

// TreeEffects returns the effects of n and all of its operands.
func (m *Method) TreeEffects(n *Node) EffectSet {
	s := m.NodeEffects(n)
	for _, op := range n.Operands() {
		s.Union(m.TreeEffects(op))
	}
	return s
}

// InterferesWith reports whether two evaluations cannot be reordered with
// respect to each other.
func (s EffectSet) InterferesWith(o EffectSet) bool {
	if s.IsEmpty() || o.IsEmpty() {
		return false
	}
	if s.Has(EffBarrier) || o.Has(EffBarrier) {
		return true
	}
	anyMem := func(x EffectSet) bool {
		return x.Has(EffReadsMemory | EffWritesMemory | EffCall | EffVolatile)
	}
	if s.Has(EffCall) && (anyMem(o) || o.Has(EffThrows)) {
		return true
	}
	if o.Has(EffCall) && (anyMem(s) || s.Has(EffThrows)) {
		return true
	}
	if s.Has(EffWritesMemory) && (o.Has(EffReadsMemory|EffWritesMemory|EffThrows) || len(o.WriteLocals) > 0) {
		return true
	}
	if o.Has(EffWritesMemory) && (s.Has(EffReadsMemory|EffWritesMemory|EffThrows) || len(s.WriteLocals) > 0) {
		return true
	}
	if s.Has(EffVolatile) && anyMem(o) || o.Has(EffVolatile) && anyMem(s) {
		return true
	}
	if s.Has(EffThrows) && (o.Has(EffThrows) || len(o.WriteLocals) > 0) {
		return true
	}
	if o.Has(EffThrows) && len(s.WriteLocals) > 0 {
		return true
	}
	for _, l := range s.WriteLocals {
		if slices.Contains(o.ReadLocals, l) || slices.Contains(o.WriteLocals, l) {
			return true
		}
	}
	for _, l := range o.WriteLocals {
		if slices.Contains(s.ReadLocals, l) {
			return true
		}
	}
	return false
}

// RangeInterferes reports whether any node strictly between from and to has
// effects interfering with eff. A to that does not follow from is treated as
// interfering.
func (m *Method) RangeInterferes(from, to *Node, eff EffectSet) bool {
	hit := false
	reached := m.Between(from, to, func(n *Node) bool {
		if m.NodeEffects(n).InterferesWith(eff) {
			hit = true
			return false
		}
		return true
	})
	return hit || !reached
}
