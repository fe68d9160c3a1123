// Package testutil matches recorded listings against expected instruction
// sequences.
package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/tinyrange/jitlower/internal/asm"
)

// Line is one formatted instruction of a listing.
type Line struct {
	Text       string
	Mnemonic   string
	Normalized string
}

// Contains reports whether needle appears in the line once whitespace is
// collapsed.
func (l Line) Contains(needle string) bool {
	return strings.Contains(l.Normalized, normalize(needle))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Lines formats every instruction of l, skipping label bindings.
func Lines(l *asm.Listing) []Line {
	var out []Line
	for _, in := range l.Instrs() {
		if in.Form == asm.FormLabel {
			continue
		}
		text := l.Format(in)
		out = append(out, Line{Text: text, Mnemonic: l.Mnemonic(in), Normalized: normalize(text)})
	}
	return out
}

// Expectation describes a single instruction that should appear in a
// listing.
type Expectation struct {
	Name     string
	Mnemonic string
	Contains []string
}

func (e Expectation) match(line Line) error {
	if e.Mnemonic != "" && line.Mnemonic != e.Mnemonic {
		return fmt.Errorf("mnemonic=%s, want %s", line.Mnemonic, e.Mnemonic)
	}
	for _, needle := range e.Contains {
		if !line.Contains(needle) {
			return fmt.Errorf("missing %q in %q", needle, line.Normalized)
		}
	}
	return nil
}

// VerifyExpectations walks the listing and ensures each expectation is
// satisfied in order. Extra trailing instructions are ignored.
func VerifyExpectations(t *testing.T, lines []Line, expect []Expectation) {
	t.Helper()
	if len(lines) < len(expect) {
		t.Fatalf("listing has %d instructions, want at least %d:\n%s", len(lines), len(expect), dump(lines))
	}
	for idx, exp := range expect {
		if err := exp.match(lines[idx]); err != nil {
			t.Fatalf("instruction %q mismatch at line %d: %v\n%s", exp.Name, idx, err, dump(lines))
		}
	}
}

// VerifySubsequence checks that the expectations appear in order, allowing
// unrelated instructions in between.
func VerifySubsequence(t *testing.T, lines []Line, expect []Expectation) {
	t.Helper()
	i := 0
	for _, line := range lines {
		if i < len(expect) && expect[i].match(line) == nil {
			i++
		}
	}
	if i < len(expect) {
		t.Fatalf("expectation %q not found in order:\n%s", expect[i].Name, dump(lines))
	}
}

// Mnemonics returns just the mnemonic column.
func Mnemonics(lines []Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Mnemonic
	}
	return out
}

func dump(lines []Line) string {
	var b strings.Builder
	for i, l := range lines {
		fmt.Fprintf(&b, "%3d  %s\n", i, l.Text)
	}
	return b.String()
}
