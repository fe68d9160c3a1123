package irfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/jitlower/internal/config"
	"github.com/tinyrange/jitlower/internal/hwintrinsic"
	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
)

const rmwYAML = `
name: rmw
locals:
  - {name: p, type: byref, tracked: true}
body:
  - op: store_ind
    type: int
    args:
      - op: add
        type: byref
        args:
          - {op: lcl_var, local: p}
          - {op: cns_int, type: long, value: 8}
      - op: add
        type: int
        args:
          - op: ind
            type: int
            args:
              - op: add
                type: byref
                args:
                  - {op: lcl_var, local: p}
                  - {op: cns_int, type: long, value: 8}
          - {op: cns_int, value: 5}
  - op: return
`

const rmwTOML = `
name = "rmw"

[[locals]]
name = "p"
type = "byref"
tracked = true

[[body]]
op = "store_ind"
type = "int"

  [[body.args]]
  op = "add"
  type = "byref"
  args = [{op = "lcl_var", local = "p"}, {op = "cns_int", type = "long", value = 8}]

  [[body.args]]
  op = "add"
  type = "int"

    [[body.args.args]]
    op = "ind"
    type = "int"

      [[body.args.args.args]]
      op = "add"
      type = "byref"
      args = [{op = "lcl_var", local = "p"}, {op = "cns_int", type = "long", value = 8}]

    [[body.args.args]]
    op = "cns_int"
    value = 5

[[body]]
op = "return"
`

func ops(m *ir.Method) []ir.Op {
	var out []ir.Op
	for _, n := range m.Nodes() {
		out = append(out, n.Op)
	}
	return out
}

func build(t *testing.T, data string, format config.Format) *ir.Method {
	t.Helper()
	doc, err := Parse([]byte(data), format)
	if err != nil {
		t.Fatalf("Parse(): %v", err)
	}
	m, err := doc.Build()
	if err != nil {
		t.Fatalf("Build(): %v", err)
	}
	return m
}

func TestYAMLAndTOMLAgree(t *testing.T) {
	want := []ir.Op{
		ir.OpLclVar, ir.OpCnsInt, ir.OpAdd,
		ir.OpLclVar, ir.OpCnsInt, ir.OpAdd, ir.OpInd, ir.OpCnsInt, ir.OpAdd,
		ir.OpStoreInd, ir.OpReturn,
	}
	for _, tt := range []struct {
		data   string
		format config.Format
	}{{rmwYAML, config.FormatYAML}, {rmwTOML, config.FormatTOML}} {
		m := build(t, tt.data, tt.format)
		got := ops(m)
		if len(got) != len(want) {
			t.Fatalf("%s: ops=%v, want %v", tt.format, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s: op %d=%s, want %s", tt.format, i, got[i], want[i])
			}
		}
		store := m.Nodes()[9]
		if store.Type != ir.TypeInt || store.Data().Op1().Op != ir.OpInd {
			t.Fatalf("%s: store=%v", tt.format, store)
		}
		if five := store.Data().Op2(); five.IntVal != 5 || five.Type != ir.TypeInt {
			t.Fatalf("%s: addend=%v", tt.format, five)
		}
	}
}

func TestIntrinsicsAndLabels(t *testing.T) {
	const doc = `
name: extract
locals:
  - {name: v, type: simd16}
  - {name: i, type: int}
body:
  - op: jtrue
    label: done
    args:
      - op: eq
        args: [{op: lcl_var, local: i}, {op: cns_int, value: 0}]
  - op: return
    args:
      - op: hwintrinsic
        type: int
        intrinsic: SSE41.Extract
        baseType: int
        args: [{op: lcl_var, local: v}, {op: lcl_var, local: i}]
  - {op: label, label: done}
  - op: return
    args:
      - op: simd
        type: int
        intrinsic: GetItem
        baseType: int
        flags: [rangechecked]
        args: [{op: lcl_var, local: v}, {op: cns_int, value: 6}]
`
	m := build(t, doc, config.FormatYAML)
	var hw, simd, label, jtrue *ir.Node
	for _, n := range m.Nodes() {
		switch n.Op {
		case ir.OpHWIntrinsic:
			hw = n
		case ir.OpSIMD:
			simd = n
		case ir.OpLabel:
			label = n
		case ir.OpJTrue:
			jtrue = n
		}
	}
	if hw == nil || hw.HW != hwintrinsic.SSE41Extract || hw.SIMDSize != 16 {
		t.Fatalf("hwintrinsic=%v", hw)
	}
	if simd == nil || simd.SIMD != ir.SIMDGetItem || !simd.HasFlag(ir.FlagRangeChecked) || simd.SIMDSize != 16 {
		t.Fatalf("simd=%v", simd)
	}
	if label == nil || jtrue == nil || label.Label != jtrue.Label {
		t.Fatalf("jtrue and label do not share a label")
	}
	if cmp := jtrue.Op1(); cmp.Type != ir.TypeInt {
		t.Fatalf("compare type=%s, want int", cmp.Type)
	}
}

func TestLea(t *testing.T) {
	const doc = `
name: lea
locals:
  - {name: a, type: long}
body:
  - op: return
    args:
      - op: ind
        type: long
        args:
          - op: lea
            index: {op: lcl_var, local: a}
            scale: 8
            offset: 16
`
	m := build(t, doc, config.FormatYAML)
	var lea *ir.Node
	for _, n := range m.Nodes() {
		if n.Op == ir.OpLea {
			lea = n
		}
	}
	if lea == nil || lea.Base() != nil || lea.Index() == nil || lea.Scale != 8 || lea.Offset != 16 {
		t.Fatalf("lea=%v", lea)
	}
}

func TestBadInput(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown op", "name: x\nbody:\n  - op: frobnicate\n"},
		{"unknown local", "name: x\nbody:\n  - {op: return, args: [{op: lcl_var, local: nope}]}\n"},
		{"unknown field", "name: x\ncolour: red\nbody: []\n"},
		{"arity", "name: x\nbody:\n  - {op: add, type: int, args: [{op: cns_int}]}\n"},
		{"untyped load", "name: x\nbody:\n  - {op: ind, args: [{op: cls_var_addr, sym: s}]}\n"},
		{"unknown flag", "name: x\nbody:\n  - {op: cns_int, flags: [shiny]}\n"},
		{"bad type", "name: x\nlocals: [{name: a, type: quad}]\nbody: []\n"},
		{"no name", "body: []\n"},
	}
	for _, tt := range tests {
		doc, err := Parse([]byte(tt.doc), config.FormatYAML)
		if err == nil {
			_, err = doc.Build()
		}
		if !jiterr.IsBadInput(err) {
			t.Fatalf("%s: err=%v, want bad input", tt.name, err)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "addc.yml")
	const doc = `
locals: [{name: a, type: long, tracked: true, weight: 2}]
body:
  - op: return
    args:
      - op: add
        args: [{op: lcl_var, local: a}, {op: cns_int, type: long, value: 100}]
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}
	if m.Name != "addc" {
		t.Fatalf("Name=%q, want addc", m.Name)
	}
	if got := m.Local(0).Weight; got != 2 {
		t.Fatalf("Weight=%v, want 2", got)
	}
	add := m.Last().Op1()
	if add.Type != ir.TypeLong {
		t.Fatalf("add type=%s, want long (from its first operand)", add.Type)
	}
	if _, err := Load(filepath.Join(dir, "addc.json")); !jiterr.IsBadInput(err) {
		t.Fatalf("Load(.json)=%v, want bad input", err)
	}
}
