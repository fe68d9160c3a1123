package lsra

import (
	"go.uber.org/multierr"

	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
)

// Verify checks the table's internal consistency and returns every finding.
// Register counts must be conserved: each node reads exactly the registers
// its sources define, and nothing without a destination feeds a register.
func Verify(tab *Table) error {
	var err error
	tab.Ascend(func(i *Info) bool {
		err = multierr.Append(err, verifyInfo(tab, i))
		return true
	})
	return err
}

func verifyInfo(tab *Table, i *Info) error {
	n := i.Node
	var err error
	fail := func(format string, args ...any) {
		err = multierr.Append(err, jiterr.Invariantf(format, args...).At(n))
	}
	if i.Contained {
		if i.DstCount != 0 || i.SrcCount != 0 || i.InternalCount() != 0 {
			fail("contained node has register requirements")
		}
		return err
	}
	sum := 0
	for _, src := range i.Sources {
		s, ok := tab.Get(src)
		switch {
		case !ok:
			fail("source %v has no record", src)
		case s.DstCount == 0:
			fail("source %v defines no register", src)
		case s.Seq >= i.Seq:
			fail("source %v is evaluated after its consumer", src)
		default:
			sum += s.DstCount
		}
	}
	if sum != i.SrcCount {
		fail("SrcCount=%d, sources define %d registers", i.SrcCount, sum)
	}
	for _, op := range n.Operands() {
		s, ok := tab.Get(op)
		if !ok {
			fail("operand %v has no record", op)
			continue
		}
		if s.Contained || s.DstCount > 0 || op.Op == ir.OpPutArgStk || flagsOnly(op) {
			continue
		}
		fail("operand %v is neither contained nor a register", op)
	}
	if i.DstCount > 0 && i.DstCandidates == 0 {
		fail("no destination candidates")
	}
	if i.InternalCandidates != 0 && i.InternalCandidates.Count() < i.InternalCount() {
		fail("%d internal registers from %d candidates", i.InternalCount(), i.InternalCandidates.Count())
	}
	return err
}
