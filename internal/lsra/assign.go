package lsra

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/target"
)

// Assignment is the allocation the code generator consumes: the register of
// every value, where each value is read when that differs, and the scratch
// registers of each node.
type Assignment struct {
	regs   map[ir.NodeID][]target.Reg
	uses   map[ir.NodeID]target.Reg
	ints   map[ir.NodeID][]target.Reg
	floats map[ir.NodeID][]target.Reg

	// Used is every register written by the method body.
	Used target.RegMask
}

// NewAssignment returns an empty assignment, for callers that allocate by
// other means.
func NewAssignment() *Assignment {
	return &Assignment{
		regs:   make(map[ir.NodeID][]target.Reg),
		uses:   make(map[ir.NodeID]target.Reg),
		ints:   make(map[ir.NodeID][]target.Reg),
		floats: make(map[ir.NodeID][]target.Reg),
	}
}

// Reg returns the (first) register n is defined in, or RegNone.
func (a *Assignment) Reg(n *ir.Node) target.Reg {
	if rs := a.regs[n.ID]; len(rs) > 0 {
		return rs[0]
	}
	return target.RegNone
}

// Regs returns every register of a multi-register value.
func (a *Assignment) Regs(n *ir.Node) []target.Reg { return a.regs[n.ID] }

// UseReg returns the register n's consumer reads it from. It differs from
// Reg when the value is copied right before its use.
func (a *Assignment) UseReg(n *ir.Node) target.Reg {
	if r, ok := a.uses[n.ID]; ok {
		return r
	}
	return a.Reg(n)
}

// IntTemps and FloatTemps return the internal registers of n.
func (a *Assignment) IntTemps(n *ir.Node) []target.Reg   { return a.ints[n.ID] }
func (a *Assignment) FloatTemps(n *ir.Node) []target.Reg { return a.floats[n.ID] }

// SetReg records the registers of n.
func (a *Assignment) SetReg(n *ir.Node, regs ...target.Reg) {
	a.regs[n.ID] = regs
	a.Used |= target.MaskOf(regs...)
}

// SetUseReg records a copy of n into r before its consumer.
func (a *Assignment) SetUseReg(n *ir.Node, r target.Reg) {
	a.uses[n.ID] = r
	a.Used = a.Used.With(r)
}

// SetTemps records the internal registers of n.
func (a *Assignment) SetTemps(n *ir.Node, ints, floats []target.Reg) {
	if len(ints) > 0 {
		a.ints[n.ID] = ints
	}
	if len(floats) > 0 {
		a.floats[n.ID] = floats
	}
	a.Used |= target.MaskOf(ints...) | target.MaskOf(floats...)
}

type interval struct {
	info     *Info
	def, use int
	regs     []target.Reg
}

type assigner struct {
	tab  *Table
	recs []*Info
	out  *Assignment
	// consumer is the record index reading each value.
	consumer map[ir.NodeID]int
	fixed    []target.RegMask
	active   map[target.Reg]*interval
	values   map[ir.NodeID]*interval
}

// Assign is a reference linear-scan assigner: it walks the table in
// evaluation order and gives every value a register for its whole lifetime.
// It never spills; running out of registers is a not-yet-implemented error.
func Assign(tab *Table, log *slog.Logger) (*Assignment, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &assigner{
		tab:      tab,
		out:      NewAssignment(),
		consumer: make(map[ir.NodeID]int),
		active:   make(map[target.Reg]*interval),
		values:   make(map[ir.NodeID]*interval),
	}
	tab.Ascend(func(i *Info) bool {
		s.recs = append(s.recs, i)
		return true
	})
	s.fixed = make([]target.RegMask, len(s.recs))
	for idx, info := range s.recs {
		for _, src := range info.Sources {
			s.consumer[src.ID] = idx
			if m := tab.MustGet(src).SrcCandidates; m.IsSingle() {
				s.fixed[idx] |= m
			}
		}
		if info.DstCount > 0 && info.DstCandidates.Count() <= info.DstCount {
			s.fixed[idx] |= info.DstCandidates
		}
		s.fixed[idx] |= info.InternalCandidates
	}
	for idx, info := range s.recs {
		if info.Contained {
			continue
		}
		if err := s.step(idx, info); err != nil {
			return nil, fmt.Errorf("lsra: assign: %w", err)
		}
	}
	log.Debug("assigned", slog.Int("values", len(s.values)), slog.String("used", s.out.Used.Format(tab.Target.Arch)))
	return s.out, nil
}

func (s *assigner) busy() target.RegMask {
	var m target.RegMask
	for r := range s.active {
		m = m.With(r)
	}
	return m
}

func (s *assigner) release(v *interval) {
	for _, r := range v.regs {
		if s.active[r] == v {
			delete(s.active, r)
		}
	}
}

func (s *assigner) classOf(m target.RegMask, float bool) target.RegMask {
	return m & s.tab.Target.RegsOf(float)
}

func (s *assigner) step(idx int, info *Info) error {
	n := info.Node
	for _, v := range s.active {
		if v.use < idx {
			s.release(v)
		}
	}

	// Sources whose register does not satisfy the consumer are copied
	// into a free register first.
	copies := target.RegMask(0)
	delayedCopies := target.RegMask(0)
	for _, src := range info.Sources {
		v := s.values[src.ID]
		if v == nil {
			return jiterr.Invariantf("source %v was never defined", src).At(n)
		}
		want := s.tab.MustGet(src).SrcCandidates
		if want == 0 || want.Has(v.regs[0]) {
			continue
		}
		if len(v.regs) > 1 {
			return jiterr.NYINode(n, "copying multi-register value %v", src)
		}
		free := want.Minus(s.busy() | copies)
		if free == 0 {
			return jiterr.NYINode(n, "no register to copy %v into", src)
		}
		r := free.First()
		s.out.SetUseReg(src, r)
		copies = copies.With(r)
		if s.tab.MustGet(src).IsDelayFree {
			delayedCopies = delayedCopies.With(r)
		}
	}

	var temps target.RegMask
	var ints, floats []target.Reg
	for _, cls := range []struct {
		count int
		float bool
		out   *[]target.Reg
	}{{info.InternalIntCount, false, &ints}, {info.InternalFloatCount, true, &floats}} {
		cand := s.classOf(info.InternalCandidates, cls.float)
		if cand == 0 {
			cand = s.tab.Target.RegsOf(cls.float)
		}
		for k := 0; k < cls.count; k++ {
			free := cand.Minus(s.busy() | copies | temps)
			if free == 0 {
				return jiterr.NYINode(n, "no internal register")
			}
			if pref := free.Minus(s.fixed[idx]); pref != 0 {
				free = pref
			}
			r := free.First()
			temps = temps.With(r)
			*cls.out = append(*cls.out, r)
		}
	}
	s.out.SetTemps(n, ints, floats)

	for _, src := range info.Sources {
		if v := s.values[src.ID]; v.use == idx && !s.tab.MustGet(src).IsDelayFree {
			s.release(v)
		}
	}
	if info.DstCount > 0 {
		if err := s.define(idx, info, temps|delayedCopies); err != nil {
			return err
		}
	}
	for _, src := range info.Sources {
		if v := s.values[src.ID]; v.use == idx {
			s.release(v)
		}
	}
	return nil
}

func (s *assigner) define(idx int, info *Info, taken target.RegMask) error {
	n := info.Node
	v := &interval{info: info, def: idx, use: idx}
	if u, ok := s.consumer[n.ID]; ok {
		v.use = u
	}
	var kills, fixed target.RegMask
	for k := idx + 1; k < v.use; k++ {
		kills |= s.recs[k].Kills
	}
	for k := idx + 1; k <= v.use && k < len(s.recs); k++ {
		fixed |= s.fixed[k]
	}
	base := info.DstCandidates.Minus(s.busy() | taken | kills)

	if info.DstCount > 1 {
		regs, err := s.tab.Target.ABI.ReturnRegs(n.Call.ReturnTypes)
		if err != nil {
			return jiterr.NYINode(n, "%v", err)
		}
		for _, r := range regs {
			if !base.Has(r) {
				return jiterr.NYINode(n, "return register %s is not free", s.tab.Target.RegName(r, 8))
			}
		}
		v.regs = regs
	} else {
		r := s.pick(info, base, fixed)
		if r == target.RegNone {
			return jiterr.NYINode(n, "no register for value")
		}
		v.regs = []target.Reg{r}
	}
	for _, r := range v.regs {
		s.active[r] = v
	}
	s.values[n.ID] = v
	s.out.SetReg(n, v.regs...)
	return nil
}

// pick chooses from base: the register of a target-preferred source, then a
// register no later node insists on, then anything. The consumer's
// constraint is honoured when possible; otherwise the value is copied at
// its use.
func (s *assigner) pick(info *Info, base, fixed target.RegMask) target.Reg {
	for _, want := range []target.RegMask{base & info.SrcCandidates, base} {
		if want == 0 {
			continue
		}
		for _, src := range info.Sources {
			si := s.tab.MustGet(src)
			if !si.IsTgtPref || si.IsDelayFree {
				continue
			}
			if r := s.out.UseReg(src); want.Has(r) {
				return r
			}
		}
		if pref := want.Minus(fixed); pref != 0 {
			return pref.First()
		}
		return want.First()
	}
	return target.RegNone
}
