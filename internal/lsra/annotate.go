package lsra

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/lower"
	"github.com/tinyrange/jitlower/internal/target"
)

type annotator struct {
	t   *target.Target
	m   *ir.Method
	lw  *lower.Lowering
	tab *Table
	log *slog.Logger
}

// Annotate computes the register requirements of every node of the lowered
// method m. A nil logger uses slog.Default.
func Annotate(t *target.Target, m *ir.Method, lw *lower.Lowering, log *slog.Logger) (*Table, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &annotator{
		t:   t,
		m:   m,
		lw:  lw,
		tab: newTable(t),
		log: log.With("method", m.Name),
	}
	var build func(*ir.Node, *Info) error
	switch t.Arch {
	case target.ArchAMD64:
		build = a.buildXArch
	case target.ArchARM64:
		build = a.buildArm64
	default:
		return nil, jiterr.NYI(string(t.Arch), "no register requirements for target")
	}
	internals := 0
	for n := m.First(); n != nil; n = n.Next() {
		info, err := a.newInfo(n)
		if err != nil {
			return nil, fmt.Errorf("lsra: %s: %w", m.Name, err)
		}
		a.tab.add(info)
		if lw.IsContained(n) {
			continue
		}
		if err := build(n, info); err != nil {
			var e *jiterr.Error
			if errors.As(err, &e) && e.Node == 0 {
				err = e.At(n)
			}
			return nil, fmt.Errorf("lsra: %s: %w", m.Name, err)
		}
		internals += info.InternalCount()
		a.log.Debug("register requirements", slog.Any("node", n.ID), slog.String("op", n.Op.String()), slog.String("info", info.String()))
	}
	a.log.Info("annotated", slog.Int("nodes", a.tab.Len()), slog.Int("internal", internals))
	return a.tab, nil
}

// newInfo fills in the defaults: one destination for a value, the sources
// gathered through contained operands, and whole-class candidates.
func (a *annotator) newInfo(n *ir.Node) (*Info, error) {
	info := &Info{Node: n, Seq: n.Seq(), Contained: a.lw.IsContained(n)}
	if info.Contained {
		return info, nil
	}
	if n.IsValue() && !flagsOnly(n) {
		info.DstCount = 1
		if n.IsMultiRegCall() {
			info.DstCount = n.ReturnRegCount()
		} else if n.Type.RegClass() == ir.RegClassNone {
			return nil, jiterr.NYINode(n, "%s value in a register", n.Type)
		}
		info.DstCandidates = a.classMask(n.Type)
		info.SrcCandidates = info.DstCandidates
	}
	info.Sources = a.collect(n, nil)
	for _, src := range info.Sources {
		info.SrcCount += a.tab.MustGet(src).DstCount
	}
	return info, nil
}

// collect appends the register sources of n in evaluation order, looking
// through contained operands.
func (a *annotator) collect(n *ir.Node, out []*ir.Node) []*ir.Node {
	for _, op := range n.EvalOperands() {
		if a.lw.IsContained(op) {
			out = a.collect(op, out)
			continue
		}
		if info, ok := a.tab.Get(op); ok && info.DstCount > 0 {
			out = append(out, op)
		}
	}
	return out
}

func (a *annotator) classMask(t ir.Type) target.RegMask {
	switch t.RegClass() {
	case ir.RegClassInt:
		return a.t.IntRegs
	case ir.RegClassFloat:
		return a.t.FloatRegs
	}
	return 0
}

func (a *annotator) info(n *ir.Node) *Info { return a.tab.MustGet(n) }

// pin constrains the register n is consumed in. Contained operands are
// rendered as memory or immediates and are left alone.
func (a *annotator) pin(n *ir.Node, r target.Reg) {
	if n == nil || a.lw.IsContained(n) || r == target.RegNone {
		return
	}
	a.info(n).SrcCandidates = target.MaskOf(r)
}

// exclude keeps n, or the registers of its contained address, out of regs.
func (a *annotator) exclude(n *ir.Node, regs target.RegMask) {
	if n == nil {
		return
	}
	if !a.lw.IsContained(n) {
		i := a.info(n)
		i.SrcCandidates = i.SrcCandidates.Minus(regs)
		return
	}
	for _, src := range a.collect(n, nil) {
		i := a.info(src)
		i.SrcCandidates = i.SrcCandidates.Minus(regs)
	}
}

// setDelayFree marks n, or the registers of its contained address, as live
// until after user's destination is written.
func (a *annotator) setDelayFree(user *Info, n *ir.Node) {
	if n == nil {
		return
	}
	srcs := []*ir.Node{n}
	if a.lw.IsContained(n) {
		srcs = a.collect(n, nil)
	}
	for _, src := range srcs {
		a.info(src).IsDelayFree = true
		user.HasDelayFreeSrc = true
	}
}

// tgtPref asks for n's register to be reused as its consumer's destination.
func (a *annotator) tgtPref(n *ir.Node) {
	if n != nil && !a.lw.IsContained(n) {
		a.info(n).IsTgtPref = true
	}
}

// allDelayFree marks every source of n delay-free.
func (a *annotator) allDelayFree(info *Info) {
	for _, src := range info.Sources {
		a.info(src).IsDelayFree = true
		info.HasDelayFreeSrc = true
	}
}

// flagsOnly reports a node that sets the condition flags for the branch
// right after it instead of producing a register.
func flagsOnly(n *ir.Node) bool {
	if n.Op != ir.OpSIMD || (n.SIMD != ir.SIMDOpEquality && n.SIMD != ir.SIMDOpInEquality) {
		return false
	}
	u := n.User()
	return u != nil && u.Op == ir.OpJTrue && n.Next() == u
}

// callRequirements applies the calling convention shared by both targets.
func (a *annotator) callRequirements(n *ir.Node, info *Info) error {
	abi := a.t.ABI
	switch {
	case n.IsMultiRegCall():
		regs, err := abi.ReturnRegs(n.Call.ReturnTypes)
		if err != nil {
			return jiterr.NYINode(n, "%v", err)
		}
		info.DstCandidates = target.MaskOf(regs...)
	case info.DstCount > 0:
		info.DstCandidates = target.MaskOf(abi.ReturnReg(n.Type))
	}
	info.SrcCandidates = info.DstCandidates
	info.Kills = abi.CalleeTrash
	for _, arg := range n.Args() {
		if arg.Op != ir.OpPutArgReg && arg.Op != ir.OpPutArgStk {
			return jiterr.Invariantf("call argument %v is not a putarg", arg)
		}
	}
	ctrl := n.ControlExpr()
	if ctrl == nil || a.lw.IsContained(ctrl) {
		return nil
	}
	if n.Call.FastTailCall && abi.FastTailCallTarget != target.RegNone {
		a.pin(ctrl, abi.FastTailCallTarget)
		return nil
	}
	// The argument registers are loaded before the call reads its target.
	a.exclude(ctrl, abi.ArgRegMask())
	return nil
}

func (a *annotator) putArgReg(n *ir.Node, info *Info) error {
	loc, ok := a.lw.ArgLoc(n)
	if !ok || loc.OnStack {
		return jiterr.Invariantf("register argument %v has no register", n)
	}
	a.pin(n.Op1(), loc.Reg)
	info.DstCandidates = target.MaskOf(loc.Reg)
	info.SrcCandidates = info.DstCandidates
	if loc.Shadow != target.RegNone {
		info.InternalIntCount = 1
		info.InternalCandidates = target.MaskOf(loc.Shadow)
	}
	return nil
}

func (a *annotator) returnRequirements(n *ir.Node) {
	if v := n.Op1(); v != nil {
		a.pin(v, a.t.ABI.ReturnReg(v.Type))
	}
}

// helperBlock passes dst, fill/src and size to the memset/memcpy helper.
func (a *annotator) helperBlock(n *ir.Node, info *Info) {
	abi := a.t.ABI
	for i, op := range []*ir.Node{n.Op1(), n.Op2(), n.Op3()} {
		a.pin(op, abi.HelperArg(i))
	}
	info.Kills = abi.CalleeTrash
}
