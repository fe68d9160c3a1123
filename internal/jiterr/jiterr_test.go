package jiterr

import (
	"fmt"
	"strings"
	"testing"

	"github.com/tinyrange/jitlower/internal/ir"
)

func TestKindOfWrapped(t *testing.T) {
	base := NYI("popcnt", "isa not enabled")
	wrapped := fmt.Errorf("codegen: method foo: %w", base)

	if got := KindOf(wrapped); got != NotYetImplemented {
		t.Fatalf("KindOf()=%v, want %v", got, NotYetImplemented)
	}
	if !IsNYI(wrapped) || IsInternal(wrapped) || IsBadInput(wrapped) {
		t.Fatalf("predicates disagree for %v", wrapped)
	}
	if got := KindOf(fmt.Errorf("plain")); got != KindNone {
		t.Fatalf("KindOf(plain)=%v, want none", got)
	}
}

func TestNodeTag(t *testing.T) {
	m := ir.NewMethod("t")
	n := m.Binary(ir.OpMul, ir.TypeLong, m.IntCon(ir.TypeLong, 1), m.IntCon(ir.TypeLong, 2))

	err := NYINode(n, "no form")
	if err.Tag != "mul.long" {
		t.Fatalf("Tag=%q, want mul.long", err.Tag)
	}
	if !strings.Contains(err.Error(), fmt.Sprintf("n%d", n.ID)) {
		t.Fatalf("Error()=%q does not name the node", err.Error())
	}

	u := Unreachable(n)
	if !IsInternal(u) {
		t.Fatalf("Unreachable kind=%v", u.Kind)
	}
	at := Invariantf("bad").At(n)
	if at.Node != n.ID {
		t.Fatalf("At() node=%d, want %d", at.Node, n.ID)
	}
}
