// Package codegen turns a lowered and register-allocated method into
// instructions on an asm.Emitter. It trusts the lowering's containment
// decisions and the allocator's register choices, and checks only that the
// two agree with the order nodes are emitted in.
package codegen

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/asm/arm64"
	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/lower"
	"github.com/tinyrange/jitlower/internal/lsra"
	"github.com/tinyrange/jitlower/internal/target"
)

// archGen is the per-target half of the generator.
type archGen interface {
	planFrame()
	prologue()
	epilogue()
	node(n *ir.Node) error
	copyReg(typ ir.Type, dst, src target.Reg)
	throwBlock(helper string)
}

// frame describes the stack frame of the method being generated.
type frame struct {
	// locals is the size of the local area laid out by the method.
	locals int32
	// outgoing is the argument area at the bottom of the frame.
	outgoing int32
	// ints and floats are the callee-saved registers the body writes.
	ints, floats []target.Reg
	// alloc is the stack adjustment made by the prologue.
	alloc int32
	// Locals are addressed as [base + bias + FrameOffset].
	base target.Reg
	bias int32
}

type throwSite struct {
	helper string
	label  asm.Label
}

// Generator emits one method.
type Generator struct {
	t   *target.Target
	m   *ir.Method
	lw  *lower.Lowering
	tab *lsra.Table
	as  *lsra.Assignment
	e   asm.Emitter
	log *slog.Logger

	arch   archGen
	frame  frame
	labels map[ir.LabelID]asm.Label
	throws []throwSite
	nodes  int
	// err is set by frame code that has no error return; Run reports it.
	err error
}

// New prepares code generation of m. lw, tab and as must come from lowering,
// annotating and assigning the same method for the same target. A nil
// logger uses slog.Default.
func New(t *target.Target, m *ir.Method, lw *lower.Lowering, tab *lsra.Table, as *lsra.Assignment, e asm.Emitter, log *slog.Logger) *Generator {
	if log == nil {
		log = slog.Default()
	}
	g := &Generator{
		t:      t,
		m:      m,
		lw:     lw,
		tab:    tab,
		as:     as,
		e:      e,
		log:    log.With("method", m.Name),
		labels: make(map[ir.LabelID]asm.Label),
	}
	switch t.Arch {
	case target.ArchAMD64:
		g.arch = &xarchGen{Generator: g, flags: make(map[ir.NodeID]asm.Ins)}
	case target.ArchARM64:
		g.arch = &arm64Gen{Generator: g, flags: make(map[ir.NodeID]arm64.Cond)}
	}
	return g
}

// Run emits the prologue, every non-contained node in LIR order, the
// epilogue and the shared throw blocks.
func (g *Generator) Run() error {
	if g.arch == nil {
		return jiterr.NYI(string(g.t.Arch), "no code generator for target")
	}
	g.layoutFrame()
	g.arch.planFrame()
	g.e.EmitLabel(asm.Label(g.m.Name))
	g.arch.prologue()
	if g.err != nil {
		return g.err
	}

	ended := false
	for n := g.m.First(); n != nil; n = n.Next() {
		if g.lw.IsContained(n) {
			continue
		}
		g.mark(n)
		if err := g.checkOrder(n); err != nil {
			return g.wrap(n, err)
		}
		g.useCopies(n)
		if err := g.arch.node(n); err != nil {
			return g.wrap(n, err)
		}
		g.nodes++
		ended = n.Op == ir.OpReturn || n.Op == ir.OpJmp || n.Op == ir.OpCall && n.Call.FastTailCall
	}
	g.mark(nil)
	if !ended {
		g.arch.epilogue()
	}
	for _, th := range g.throws {
		g.e.EmitLabel(th.label)
		g.arch.throwBlock(th.helper)
	}
	if g.err != nil {
		return g.err
	}
	g.log.Info("generated",
		slog.Int("nodes", g.nodes),
		slog.Int("frame", int(g.frame.alloc)),
		slog.Int("throws", len(g.throws)))
	return nil
}

func (g *Generator) wrap(n *ir.Node, err error) error {
	var e *jiterr.Error
	if errors.As(err, &e) && e.Node == 0 {
		err = e.At(n)
	}
	return fmt.Errorf("codegen: %s: %w", g.m.Name, err)
}

// mark attributes the instructions that follow to n in a recording
// emitter.
func (g *Generator) mark(n *ir.Node) {
	l, ok := g.e.(*asm.Listing)
	if !ok {
		return
	}
	if n == nil {
		l.SetNode(0)
	} else {
		l.SetNode(uint32(n.ID))
	}
	l.SetElem(0)
}

// layoutFrame computes the parts of the frame both targets share.
func (g *Generator) layoutFrame() {
	f := &g.frame
	f.locals = g.m.FrameSize()
	f.outgoing = 0
	calls := false
	for n := g.m.First(); n != nil; n = n.Next() {
		switch n.Op {
		case ir.OpPutArgStk:
			size := int32(8)
			if d := n.Op1(); d != nil && d.Type.Size() > 8 {
				size = int32(d.Type.Size())
			}
			f.outgoing = max(f.outgoing, n.Offset+size)
		case ir.OpCall, ir.OpInitBlk, ir.OpCopyBlk, ir.OpCopyObj, ir.OpStoreInd:
			calls = true
		}
	}
	if calls {
		f.outgoing = max(f.outgoing, g.t.ABI.StackArgBase)
	}
	f.outgoing = align(f.outgoing, 16)
	saved := g.as.Used & g.t.ABI.CalleeSaved
	f.ints, f.floats = nil, nil
	for _, r := range saved.Regs() {
		if r.IsFloat(g.t.Arch) {
			f.floats = append(f.floats, r)
		} else {
			f.ints = append(f.ints, r)
		}
	}
}

func align(v, to int32) int32 { return (v + to - 1) &^ (to - 1) }

// checkOrder verifies that n reads exactly the registers the allocator
// annotated, each defined by a node emitted earlier.
func (g *Generator) checkOrder(n *ir.Node) error {
	info, ok := g.tab.Get(n)
	if !ok {
		return jiterr.Invariantf("node has no register requirements")
	}
	srcs := g.sources(n, nil)
	if len(srcs) != len(info.Sources) {
		return jiterr.Invariantf("reads %d registers, allocator annotated %d", len(srcs), len(info.Sources))
	}
	for i, src := range srcs {
		if src != info.Sources[i] {
			return jiterr.Invariantf("operand %d is %v, allocator annotated %v", i, src, info.Sources[i])
		}
		if !ir.Precedes(src, n) {
			return jiterr.Invariantf("operand %v is evaluated after its user", src)
		}
		if g.as.UseReg(src) == target.RegNone {
			return jiterr.Invariantf("operand %v has no register", src)
		}
	}
	return nil
}

// sources lists the register operands of n in evaluation order, looking
// through contained operands.
func (g *Generator) sources(n *ir.Node, out []*ir.Node) []*ir.Node {
	for _, op := range n.EvalOperands() {
		if g.lw.IsContained(op) {
			out = g.sources(op, out)
			continue
		}
		if info, ok := g.tab.Get(op); ok && info.DstCount > 0 {
			out = append(out, op)
		}
	}
	return out
}

// useCopies moves values the allocator asked to be read from another
// register into place.
func (g *Generator) useCopies(n *ir.Node) {
	for _, src := range g.tab.MustGet(n).Sources {
		if use, def := g.as.UseReg(src), g.as.Reg(src); use != def {
			g.arch.copyReg(src.Type, use, def)
		}
	}
}

func (g *Generator) contained(n *ir.Node) bool { return g.lw.IsContained(n) }

// reg is the register n is defined in; use is where its consumer reads it.
func (g *Generator) reg(n *ir.Node) target.Reg { return g.as.Reg(n) }
func (g *Generator) use(n *ir.Node) target.Reg { return g.as.UseReg(n) }

func (g *Generator) intTemp(n *ir.Node, i int) target.Reg {
	if ts := g.as.IntTemps(n); i < len(ts) {
		return ts[i]
	}
	return target.RegNone
}

func (g *Generator) floatTemp(n *ir.Node, i int) target.Reg {
	if ts := g.as.FloatTemps(n); i < len(ts) {
		return ts[i]
	}
	return target.RegNone
}

// needTemps fails when the allocator gave n fewer internal registers than
// the sequence about to be emitted uses.
func (g *Generator) needTemps(n *ir.Node, ints, floats int) error {
	if len(g.as.IntTemps(n)) < ints || len(g.as.FloatTemps(n)) < floats {
		return jiterr.Invariantf("needs %d int and %d float internal registers, has %d and %d",
			ints, floats, len(g.as.IntTemps(n)), len(g.as.FloatTemps(n)))
	}
	return nil
}

// label returns the code label bound to an IR label.
func (g *Generator) label(id ir.LabelID) asm.Label {
	if l, ok := g.labels[id]; ok {
		return l
	}
	l := g.e.NewLabel()
	g.labels[id] = l
	return l
}

// throwLabel returns the shared block that calls helper.
func (g *Generator) throwLabel(helper string) asm.Label {
	for _, th := range g.throws {
		if th.helper == helper {
			return th.label
		}
	}
	l := g.e.NewLabel()
	g.throws = append(g.throws, throwSite{helper: helper, label: l})
	return l
}

// localMem addresses offset off of local lcl in the frame.
func (g *Generator) localMem(lcl ir.LclNum, off int32) asm.Mem {
	var slot int32
	if loc := g.m.Local(lcl); loc != nil {
		slot = loc.FrameOffset
	}
	return asm.BaseMem(g.frame.base, g.frame.bias+slot+off)
}

// memOf renders a contained memory operand.
func (g *Generator) memOf(n *ir.Node) (asm.Mem, error) {
	switch n.Op {
	case ir.OpLclVar:
		return g.localMem(n.Lcl, 0), nil
	case ir.OpLclFld:
		return g.localMem(n.Lcl, n.Offset), nil
	case ir.OpClsVar:
		return asm.StaticMem(n.Symbol, 0), nil
	case ir.OpCnsDbl:
		return asm.ConstMem(floatBytes(n.Type, n.FloatVal)), nil
	case ir.OpInd:
		return g.addrMem(n.Addr())
	}
	return asm.Mem{}, jiterr.Invariantf("%v is not a memory operand", n)
}

// addrMem renders the address operand of a load or store: a folded address
// mode, a frame or static address, an absolute constant or a register.
func (g *Generator) addrMem(a *ir.Node) (asm.Mem, error) {
	if a == nil {
		return asm.Mem{}, jiterr.Invariantf("missing address")
	}
	if !g.contained(a) {
		return asm.BaseMem(g.use(a), 0), nil
	}
	switch a.Op {
	case ir.OpLea:
		base, index := target.RegNone, target.RegNone
		if b := a.Base(); b != nil {
			base = g.use(b)
		}
		if i := a.Index(); i != nil {
			index = g.use(i)
		}
		return asm.AddrMem(base, index, a.Scale, a.Offset), nil
	case ir.OpLclVarAddr, ir.OpLclFldAddr:
		return g.localMem(a.Lcl, a.Offset), nil
	case ir.OpClsVarAddr:
		return asm.StaticMem(a.Symbol, 0), nil
	case ir.OpCnsInt:
		return asm.AddrMem(target.RegNone, target.RegNone, 1, int32(a.IntVal)), nil
	}
	return asm.Mem{}, jiterr.Invariantf("contained address %v", a)
}

func floatBytes(t ir.Type, v float64) []byte {
	if t == ir.TypeFloat {
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(v)))
	}
	return binary.LittleEndian.AppendUint64(nil, math.Float64bits(v))
}

// splat repeats a lane pattern to fill a vector constant of width bytes.
func splat(lane []byte, width int) []byte {
	out := make([]byte, 0, width)
	for len(out) < width {
		out = append(out, lane...)
	}
	return out
}

func intSize(t ir.Type) asm.Size {
	if t.ActualType().Size() == 8 || t.IsGC() || t.IsPointerSized() {
		return asm.S8
	}
	return asm.S4
}

func floatSize(t ir.Type) asm.Size {
	if t == ir.TypeFloat {
		return asm.S4
	}
	return asm.S8
}

// vecSize is the register width of a vector value.
func vecSize(n *ir.Node) asm.Size {
	if n.SIMDSize == 32 || n.Type == ir.TypeSIMD32 {
		return asm.S32
	}
	return asm.S16
}

// castTo is the type a cast produces.
func castTo(n *ir.Node) ir.Type {
	if n.CastTo != ir.TypeUndef {
		return n.CastTo
	}
	return n.Type
}

// isUnsignedCompare reports integer relations evaluated as unsigned.
func isUnsignedCompare(n *ir.Node) bool {
	return n.HasFlag(ir.FlagUnsigned) || n.Op1().Type.IsUnsigned()
}
