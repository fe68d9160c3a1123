// Package lower rewrites a method's LIR into the shapes the target can
// encode and records which operands are folded into their consumers.
//
// Lowering runs in two passes over the evaluation order. The first pass
// transforms nodes: address chains become Lea address modes, call arguments
// are placed, narrow constant stores are widened and block operations pick a
// strategy. The second pass decides containment: immediates, memory operands
// and address modes that the consuming instruction absorbs, plus
// read-modify-write stores. The results live in side tables keyed by node
// identity and are consumed by the register annotator and the code
// generator.
package lower

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/target"
)

// Runtime helpers called by block operations that are not expanded inline.
const (
	HelperMemSet        = "jit_memset"
	HelperMemCpy        = "jit_memcpy"
	HelperByrefAssign   = "jit_byref_assign"
	HelperWriteBarrier  = "jit_write_barrier"
	HelperThrowOverflow = "jit_throw_overflow"
	HelperThrowRange    = "jit_throw_range"
	HelperThrowArith    = "jit_throw_arith"
	HelperThrowDivZero  = "jit_throw_divzero"
)

// Lowering holds the per-method lowering decisions.
type Lowering struct {
	Target *target.Target
	Method *ir.Method

	log *slog.Logger

	contained   map[ir.NodeID]bool
	regOptional map[ir.NodeID]bool
	rmw         map[ir.NodeID]RMWResult
	blocks      map[ir.NodeID]BlockStrategy
	args        map[ir.NodeID]target.ArgLoc
	widened     map[ir.NodeID]bool
	mulLEA      map[ir.NodeID]bool
	addrTemps   map[ir.NodeID]bool
	repMovsq    map[ir.NodeID]bool
	ptest       map[ir.NodeID]bool
}

// New prepares lowering of m for t. A nil logger uses slog.Default.
func New(t *target.Target, m *ir.Method, log *slog.Logger) *Lowering {
	if log == nil {
		log = slog.Default()
	}
	return &Lowering{
		Target:      t,
		Method:      m,
		log:         log.With("method", m.Name),
		contained:   make(map[ir.NodeID]bool),
		regOptional: make(map[ir.NodeID]bool),
		rmw:         make(map[ir.NodeID]RMWResult),
		blocks:      make(map[ir.NodeID]BlockStrategy),
		args:        make(map[ir.NodeID]target.ArgLoc),
		widened:     make(map[ir.NodeID]bool),
		mulLEA:      make(map[ir.NodeID]bool),
		addrTemps:   make(map[ir.NodeID]bool),
		repMovsq:    make(map[ir.NodeID]bool),
		ptest:       make(map[ir.NodeID]bool),
	}
}

// Run lowers the whole method.
func (l *Lowering) Run() error {
	if err := l.Method.Validate(); err != nil {
		return jiterr.Invariantf("lower: %v", err)
	}
	for _, n := range l.Method.Nodes() {
		if !n.Linked() {
			// Absorbed into an address mode by an earlier user.
			continue
		}
		if err := l.LowerNode(n); err != nil {
			return fmt.Errorf("lower: %s: %w", l.Method.Name, err)
		}
	}
	l.Method.LayoutFrame()
	l.Method.Renumber()
	for n := l.Method.First(); n != nil; n = n.Next() {
		if err := l.ContainCheck(n); err != nil {
			return fmt.Errorf("lower: %s: %w", l.Method.Name, err)
		}
	}
	if err := l.Method.Validate(); err != nil {
		return jiterr.Invariantf("lower: after lowering: %v", err)
	}
	l.log.Debug("lowered",
		slog.Int("nodes", len(l.Method.Nodes())),
		slog.Int("contained", len(l.contained)),
		slog.Int("rmw", l.rmwCount()))
	return nil
}

func (l *Lowering) rmwCount() int {
	n := 0
	for _, r := range l.rmw {
		if r.Status.IsRMW() {
			n++
		}
	}
	return n
}

// LowerNode applies the first-pass transformations to n.
func (l *Lowering) LowerNode(n *ir.Node) error {
	switch n.Op {
	case ir.OpInd, ir.OpNullCheck, ir.OpStoreInd:
		if addr := n.Addr(); addr != nil {
			l.TryCreateAddrMode(n, addr)
		}
	case ir.OpLsh, ir.OpRsh, ir.OpRsz, ir.OpRol, ir.OpRor:
		l.lowerShift(n)
	case ir.OpCall:
		return l.LowerCall(n)
	case ir.OpStoreLclVar, ir.OpStoreLclFld:
		l.lowerLocalStore(n)
	case ir.OpInitBlk, ir.OpCopyBlk, ir.OpCopyObj:
		l.lowerBlock(n)
	case ir.OpSIMD:
		if n.SIMD == ir.SIMDGetItem {
			return l.lowerGetItem(n)
		}
	case ir.OpHWIntrinsic:
		if n.HasFlag(ir.FlagReadsMemory) || n.HasFlag(ir.FlagWritesMemory) {
			if addr := n.Op1(); addr != nil && addr.Type.IsIntOrI() {
				l.TryCreateAddrMode(n, addr)
			}
		}
	}
	return nil
}

// lowerGetItem reserves the vector temp for a runtime index and rejects a
// constant index past the last lane unless a range check covers it.
func (l *Lowering) lowerGetItem(n *ir.Node) error {
	idx := n.Op2()
	if !idx.IsCnsIntOrI() {
		l.Method.SIMDTempLocal()
		return nil
	}
	lanes := int64(n.SIMDSize / n.BaseType.Size())
	if (idx.IntVal < 0 || idx.IntVal >= lanes) && !n.HasFlag(ir.FlagRangeChecked) {
		return jiterr.Invariantf("element %d of a %d-element vector", idx.IntVal, lanes).At(n)
	}
	return nil
}

// lowerShift masks constant shift counts to what the instruction encodes.
func (l *Lowering) lowerShift(n *ir.Node) {
	count := n.Op2()
	if count == nil || !count.IsCnsIntOrI() {
		return
	}
	mask := int64(0xff)
	if l.Target.Arch == target.ArchARM64 {
		mask = int64(n.Type.Size()*8 - 1)
	}
	if count.IntVal&mask != count.IntVal {
		l.log.Debug("masked shift count", slog.Any("node", n.ID), slog.Int64("count", count.IntVal))
		count.IntVal &= mask
	}
}

// lowerLocalStore widens stores of small-typed locals whose stack slot is at
// least four bytes: constants are normalised and stored full width, other
// values are extended by the code generator.
func (l *Lowering) lowerLocalStore(n *ir.Node) {
	if n.Op != ir.OpStoreLclVar {
		return
	}
	loc := l.Method.Local(n.Lcl)
	if loc == nil || !loc.Type.IsSmallInt() || loc.StructField {
		return
	}
	l.widened[n.ID] = true
	data := n.Data()
	if !data.IsCnsIntOrI() {
		return
	}
	v := data.IntVal
	switch loc.Type {
	case ir.TypeBool, ir.TypeUByte:
		v = int64(uint8(v))
	case ir.TypeByte:
		v = int64(int8(v))
	case ir.TypeUShort:
		v = int64(uint16(v))
	case ir.TypeShort:
		v = int64(int16(v))
	}
	data.IntVal = v
	data.Type = ir.TypeInt
	l.log.Debug("widened narrow store", slog.Any("node", n.ID), slog.Int64("value", v))
}

// IsContained reports whether n is folded into its consumer.
func (l *Lowering) IsContained(n *ir.Node) bool { return n != nil && l.contained[n.ID] }

// IsRegOptional reports an operand the allocator may leave in memory.
func (l *Lowering) IsRegOptional(n *ir.Node) bool { return n != nil && l.regOptional[n.ID] }

// Block returns the strategy chosen for a block operation.
func (l *Lowering) Block(n *ir.Node) BlockStrategy { return l.blocks[n.ID] }

// ArgLoc returns the placement of a PutArgReg/PutArgStk node.
func (l *Lowering) ArgLoc(n *ir.Node) (target.ArgLoc, bool) {
	loc, ok := l.args[n.ID]
	return loc, ok
}

// IsWidenedStore reports a small local store written as a full 32-bit slot.
func (l *Lowering) IsWidenedStore(n *ir.Node) bool { return l.widened[n.ID] }

// IsMulLEA reports an integer multiply by 3, 5 or 9 emitted as lea.
func (l *Lowering) IsMulLEA(n *ir.Node) bool { return l.mulLEA[n.ID] }

// NeedsAddrTemp reports a memory consumer whose address mode needs an extra
// integer register to form (ARM64).
func (l *Lowering) NeedsAddrTemp(n *ir.Node) bool { return l.addrTemps[n.ID] }

// UsesRepMovsq reports a struct copy that moves non-GC runs with rep movsq.
func (l *Lowering) UsesRepMovsq(n *ir.Node) bool { return l.repMovsq[n.ID] }

// IsPTest reports a vector equality against zero folded into ptest.
func (l *Lowering) IsPTest(n *ir.Node) bool { return l.ptest[n.ID] }

// RMW returns the memoized read-modify-write result of a store, computing it
// if needed.
func (l *Lowering) RMW(store *ir.Node) RMWResult { return l.DetectRMW(store) }

// IsRMWStore reports a store emitted as one memory-destination instruction.
func (l *Lowering) IsRMWStore(n *ir.Node) bool {
	r, ok := l.rmw[n.ID]
	return ok && r.Status.IsRMW()
}

// MakeSrcContained marks child as folded into parent without checks.
func (l *Lowering) MakeSrcContained(parent, child *ir.Node) {
	l.contained[child.ID] = true
	delete(l.regOptional, child.ID)
	l.log.Debug("contained",
		slog.Any("node", child.ID), slog.String("op", child.Op.String()),
		slog.Any("parent", parent.ID), slog.String("parentOp", parent.Op.String()))
}

// SetRegOptional marks n as a candidate to stay in memory.
func (l *Lowering) SetRegOptional(n *ir.Node) {
	if n == nil || l.contained[n.ID] {
		return
	}
	l.regOptional[n.ID] = true
}
