// Package lsra computes the register requirements of lowered LIR for a
// linear-scan allocator and provides a small reference assigner.
//
// The annotator visits every node once, in evaluation order, and records how
// many registers it reads and defines, which registers each value may live
// in, how many scratch registers its instruction sequence needs and which
// registers that sequence destroys.
package lsra

import (
	"fmt"
	"strings"

	"github.com/google/btree"

	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/target"
)

// Info is the register-requirement record of one node.
type Info struct {
	Node *ir.Node
	Seq  int
	// Contained records are rendered by their consumer and define nothing.
	Contained bool

	// Sources are the register-producing nodes the instruction reads, in
	// consumption order. Contained operands contribute their own sources.
	Sources  []*ir.Node
	SrcCount int
	// DstCount is 0, 1, or the register count of a multi-register value.
	DstCount int

	// SrcCandidates constrains this node's value at the point its user
	// consumes it.
	SrcCandidates target.RegMask
	DstCandidates target.RegMask

	InternalIntCount   int
	InternalFloatCount int
	// InternalCandidates restricts the internal registers; zero means any
	// allocatable register of the right class.
	InternalCandidates target.RegMask

	// IsDelayFree marks a source whose register must not be reused for its
	// consumer's destination.
	IsDelayFree     bool
	HasDelayFreeSrc bool
	// IsInternalRegDelayFree keeps the internal registers distinct from the
	// destination.
	IsInternalRegDelayFree bool
	// IsTgtPref marks the source the destination should share a register
	// with.
	IsTgtPref bool

	// Kills are the registers the node's instruction sequence destroys.
	Kills target.RegMask
}

// InternalCount is the total number of scratch registers.
func (i *Info) InternalCount() int { return i.InternalIntCount + i.InternalFloatCount }

func (i *Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "n%d src=%d dst=%d", i.Node.ID, i.SrcCount, i.DstCount)
	if n := i.InternalCount(); n > 0 {
		fmt.Fprintf(&b, " int=%d flt=%d", i.InternalIntCount, i.InternalFloatCount)
	}
	if i.IsDelayFree {
		b.WriteString(" delayfree")
	}
	if i.HasDelayFreeSrc {
		b.WriteString(" hasdelayfree")
	}
	if i.IsTgtPref {
		b.WriteString(" tgtpref")
	}
	return b.String()
}

// Table holds the records of one method ordered by evaluation sequence.
type Table struct {
	Target *target.Target
	tree   *btree.BTreeG[*Info]
	byID   map[ir.NodeID]*Info
}

func newTable(t *target.Target) *Table {
	return &Table{
		Target: t,
		tree:   btree.NewG[*Info](16, func(a, b *Info) bool { return a.Seq < b.Seq }),
		byID:   make(map[ir.NodeID]*Info),
	}
}

func (t *Table) add(info *Info) {
	t.tree.ReplaceOrInsert(info)
	t.byID[info.Node.ID] = info
}

// Get returns the record of n.
func (t *Table) Get(n *ir.Node) (*Info, bool) {
	if n == nil {
		return nil, false
	}
	i, ok := t.byID[n.ID]
	return i, ok
}

// MustGet returns the record of n; annotated tables hold every linked node.
func (t *Table) MustGet(n *ir.Node) *Info {
	i, ok := t.Get(n)
	if !ok {
		panic(fmt.Sprintf("lsra: no record for %v", n))
	}
	return i
}

func (t *Table) Len() int { return t.tree.Len() }

// Ascend calls fn for every record in evaluation order until fn returns
// false.
func (t *Table) Ascend(fn func(*Info) bool) { t.tree.Ascend(fn) }

// Range calls fn for the records with from <= Seq < to.
func (t *Table) Range(from, to int, fn func(*Info) bool) {
	t.tree.AscendRange(&Info{Seq: from}, &Info{Seq: to}, fn)
}

// Dump renders the table, one record per line.
func (t *Table) Dump() string {
	var b strings.Builder
	t.Ascend(func(i *Info) bool {
		fmt.Fprintf(&b, "%4d %-40s %s\n", i.Seq, i.Node, i)
		return true
	})
	return b.String()
}
