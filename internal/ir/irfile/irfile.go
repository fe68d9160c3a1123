// Package irfile reads method bodies written as YAML or TOML documents.
//
// A document names the method, declares its locals and lists statements as
// expression trees. Statements are linked into the LIR in evaluation order:
//
//	name: addc
//	locals:
//	  - {name: a, type: long, tracked: true}
//	body:
//	  - op: return
//	    args:
//	      - op: add
//	        type: long
//	        args:
//	          - {op: lcl_var, local: a}
//	          - {op: cns_int, type: long, value: 100}
package irfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/jitlower/internal/config"
	"github.com/tinyrange/jitlower/internal/hwintrinsic"
	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
)

type Document struct {
	Name   string      `yaml:"name" toml:"name"`
	Locals []LocalDecl `yaml:"locals,omitempty" toml:"locals,omitempty"`
	Body   []*Expr     `yaml:"body" toml:"body"`
}

type LocalDecl struct {
	Name            string  `yaml:"name" toml:"name"`
	Type            string  `yaml:"type" toml:"type"`
	Size            int     `yaml:"size,omitempty" toml:"size,omitempty"`
	Tracked         bool    `yaml:"tracked,omitempty" toml:"tracked,omitempty"`
	Weight          float64 `yaml:"weight,omitempty" toml:"weight,omitempty"`
	DoNotEnregister bool    `yaml:"doNotEnregister,omitempty" toml:"doNotEnregister,omitempty"`
	AddressExposed  bool    `yaml:"addressExposed,omitempty" toml:"addressExposed,omitempty"`
	StructField     bool    `yaml:"structField,omitempty" toml:"structField,omitempty"`
}

// Expr is one node and its operands. Which fields apply depends on Op.
type Expr struct {
	Op    string   `yaml:"op" toml:"op"`
	Type  string   `yaml:"type,omitempty" toml:"type,omitempty"`
	Args  []*Expr  `yaml:"args,omitempty" toml:"args,omitempty"`
	Flags []string `yaml:"flags,omitempty" toml:"flags,omitempty"`

	Value int64   `yaml:"value,omitempty" toml:"value,omitempty"`
	Float float64 `yaml:"float,omitempty" toml:"float,omitempty"`
	Local string  `yaml:"local,omitempty" toml:"local,omitempty"`
	// Offset is a local field offset, a lea displacement or an outgoing
	// argument offset.
	Offset int32  `yaml:"offset,omitempty" toml:"offset,omitempty"`
	Sym    string `yaml:"sym,omitempty" toml:"sym,omitempty"`
	To     string `yaml:"to,omitempty" toml:"to,omitempty"`
	Label  string `yaml:"label,omitempty" toml:"label,omitempty"`

	// Lea operands; either may be absent.
	Base  *Expr `yaml:"base,omitempty" toml:"base,omitempty"`
	Index *Expr `yaml:"index,omitempty" toml:"index,omitempty"`
	Scale uint8 `yaml:"scale,omitempty" toml:"scale,omitempty"`

	// Intrinsic names the math, SIMD or hardware intrinsic.
	Intrinsic string `yaml:"intrinsic,omitempty" toml:"intrinsic,omitempty"`
	BaseType  string `yaml:"baseType,omitempty" toml:"baseType,omitempty"`
	Size      int    `yaml:"size,omitempty" toml:"size,omitempty"`

	Arg    int       `yaml:"arg,omitempty" toml:"arg,omitempty"`
	Call   *CallDecl `yaml:"call,omitempty" toml:"call,omitempty"`
	Layout []string  `yaml:"layout,omitempty" toml:"layout,omitempty"`
}

type CallDecl struct {
	Target      string   `yaml:"target,omitempty" toml:"target,omitempty"`
	Indirect    bool     `yaml:"indirect,omitempty" toml:"indirect,omitempty"`
	Varargs     bool     `yaml:"varargs,omitempty" toml:"varargs,omitempty"`
	FastTail    bool     `yaml:"fastTail,omitempty" toml:"fastTail,omitempty"`
	Helper      bool     `yaml:"helper,omitempty" toml:"helper,omitempty"`
	ReturnTypes []string `yaml:"returnTypes,omitempty" toml:"returnTypes,omitempty"`
}

var flagNames = map[string]ir.Flags{
	"overflow":     ir.FlagOverflow,
	"unsigned":     ir.FlagUnsigned,
	"reverse":      ir.FlagReverseOps,
	"reloc":        ir.FlagIconReloc,
	"volatile":     ir.FlagVolatile,
	"nonfaulting":  ir.FlagNonFaulting,
	"writebarrier": ir.FlagWriteBarrier,
	"tailcall":     ir.FlagTailCall,
	"rangechecked": ir.FlagRangeChecked,
	"readsmemory":  ir.FlagReadsMemory,
	"writesmemory": ir.FlagWritesMemory,
}

var mathNames = map[string]ir.MathIntrinsic{
	"sqrt":  ir.MathSqrt,
	"abs":   ir.MathAbs,
	"round": ir.MathRound,
}

var gcNames = map[string]ir.GCKind{
	"none":  ir.GCNone,
	"ref":   ir.GCRef,
	"byref": ir.GCByRef,
}

// Parse decodes a document. Unknown fields are rejected.
func Parse(data []byte, format config.Format) (*Document, error) {
	var doc Document
	switch format {
	case config.FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, jiterr.BadInputf("irfile: parse yaml: %v", err)
		}
	case config.FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, jiterr.BadInputf("irfile: parse toml: %v", err)
		}
	default:
		return nil, jiterr.BadInputf("irfile: unknown format %q", format)
	}
	return &doc, nil
}

// Load reads the file at path and builds its method.
func Load(path string) (*ir.Method, error) {
	format, err := config.FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("irfile: read %s: %w", path, err)
	}
	doc, err := Parse(data, format)
	if err != nil {
		return nil, err
	}
	if doc.Name == "" {
		base := filepath.Base(path)
		doc.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return doc.Build()
}

type builder struct {
	m      *ir.Method
	locals map[string]ir.LclNum
	labels map[string]ir.LabelID
}

// Build creates the method the document describes and checks its LIR.
func (d *Document) Build() (*ir.Method, error) {
	if d.Name == "" {
		return nil, jiterr.BadInputf("irfile: method has no name")
	}
	b := &builder{
		m:      ir.NewMethod(d.Name),
		locals: make(map[string]ir.LclNum),
		labels: make(map[string]ir.LabelID),
	}
	for i, l := range d.Locals {
		if l.Name == "" {
			return nil, jiterr.BadInputf("irfile: %s: locals[%d] has no name", d.Name, i)
		}
		if _, dup := b.locals[l.Name]; dup {
			return nil, jiterr.BadInputf("irfile: %s: local %q declared twice", d.Name, l.Name)
		}
		typ, err := ir.ParseType(l.Type)
		if err != nil {
			return nil, jiterr.BadInputf("irfile: %s: local %s: %v", d.Name, l.Name, err)
		}
		b.locals[l.Name] = b.m.AddLocal(ir.Local{
			Name:            l.Name,
			Type:            typ,
			Size:            l.Size,
			Tracked:         l.Tracked,
			Weight:          l.Weight,
			DoNotEnregister: l.DoNotEnregister,
			AddressExposed:  l.AddressExposed,
			StructField:     l.StructField,
		})
	}
	for i, st := range d.Body {
		n, err := b.expr(st, fmt.Sprintf("body[%d]", i))
		if err != nil {
			return nil, jiterr.BadInputf("irfile: %s: %v", d.Name, err)
		}
		b.m.AppendTree(n)
	}
	if err := b.m.Validate(); err != nil {
		return nil, jiterr.BadInputf("irfile: %s: %v", d.Name, err)
	}
	return b.m, nil
}

func (b *builder) label(name string) ir.LabelID {
	if l, ok := b.labels[name]; ok {
		return l
	}
	l := b.m.NewLabel()
	b.labels[name] = l
	return l
}

func (b *builder) local(e *Expr, path string) (ir.LclNum, error) {
	l, ok := b.locals[e.Local]
	if !ok {
		return ir.NoLcl, fmt.Errorf("%s: unknown local %q", path, e.Local)
	}
	return l, nil
}

func parseType(name, path, field string) (ir.Type, error) {
	t, err := ir.ParseType(name)
	if err != nil {
		return ir.TypeUndef, fmt.Errorf("%s.%s: %v", path, field, err)
	}
	return t, nil
}

func (b *builder) expr(e *Expr, path string) (*ir.Node, error) {
	if e == nil {
		return nil, fmt.Errorf("%s: empty expression", path)
	}
	op, err := ir.ParseOp(e.Op)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	args := make([]*ir.Node, len(e.Args))
	for i, a := range e.Args {
		if args[i], err = b.expr(a, fmt.Sprintf("%s.args[%d]", path, i)); err != nil {
			return nil, err
		}
	}
	typ := ir.TypeUndef
	if e.Type != "" {
		if typ, err = parseType(e.Type, path, "type"); err != nil {
			return nil, err
		}
	}
	n, err := b.node(op, typ, e, args, path)
	if err != nil {
		return nil, err
	}
	for _, f := range e.Flags {
		v, ok := flagNames[strings.ToLower(f)]
		if !ok {
			return nil, fmt.Errorf("%s: unknown flag %q", path, f)
		}
		n.Flags |= v
	}
	return n, nil
}

func (b *builder) node(op ir.Op, typ ir.Type, e *Expr, args []*ir.Node, path string) (*ir.Node, error) {
	m := b.m
	arity := func(want int) error {
		if len(args) != want {
			return fmt.Errorf("%s: %s takes %d operands, got %d", path, op, want, len(args))
		}
		return nil
	}
	needType := func() error {
		if typ == ir.TypeUndef {
			return fmt.Errorf("%s: %s needs a type", path, op)
		}
		return nil
	}

	switch op {
	case ir.OpCnsInt:
		if typ == ir.TypeUndef {
			typ = ir.TypeInt
		}
		return m.IntCon(typ, e.Value), nil
	case ir.OpCnsDbl:
		if typ == ir.TypeUndef {
			typ = ir.TypeDouble
		}
		return m.DblCon(typ, e.Float), nil
	case ir.OpLclVar, ir.OpLclVarAddr, ir.OpLclFld, ir.OpLclFldAddr:
		l, err := b.local(e, path)
		if err != nil {
			return nil, err
		}
		switch op {
		case ir.OpLclVar:
			return m.LclVar(l), nil
		case ir.OpLclVarAddr:
			return m.LclVarAddr(l), nil
		case ir.OpLclFldAddr:
			return m.LclFldAddr(l, e.Offset), nil
		}
		if err := needType(); err != nil {
			return nil, err
		}
		return m.LclFld(typ, l, e.Offset), nil
	case ir.OpClsVar:
		if err := needType(); err != nil {
			return nil, err
		}
		return m.ClsVar(typ, e.Sym), nil
	case ir.OpClsVarAddr:
		return m.ClsVarAddr(e.Sym), nil
	case ir.OpLabel:
		return m.LabelNode(b.label(e.Label)), nil
	case ir.OpJmp:
		return m.Jmp(b.label(e.Label)), nil
	case ir.OpJTrue:
		if err := arity(1); err != nil {
			return nil, err
		}
		return m.JTrue(args[0], b.label(e.Label)), nil
	case ir.OpReturn:
		if len(args) > 1 {
			return nil, arity(1)
		}
		if len(args) == 0 {
			return m.Return(nil), nil
		}
		return m.Return(args[0]), nil
	case ir.OpStoreLclVar, ir.OpStoreLclFld:
		if err := arity(1); err != nil {
			return nil, err
		}
		l, err := b.local(e, path)
		if err != nil {
			return nil, err
		}
		if op == ir.OpStoreLclVar {
			return m.StoreLclVar(l, args[0]), nil
		}
		if err := needType(); err != nil {
			return nil, err
		}
		return m.StoreLclFld(typ, l, e.Offset, args[0]), nil
	case ir.OpCast:
		if err := arity(1); err != nil {
			return nil, err
		}
		to, err := parseType(e.To, path, "to")
		if err != nil {
			return nil, err
		}
		return m.Cast(to, args[0]), nil
	case ir.OpIntrinsic:
		if err := arity(1); err != nil {
			return nil, err
		}
		id, ok := mathNames[strings.ToLower(e.Intrinsic)]
		if !ok {
			return nil, fmt.Errorf("%s: unknown math intrinsic %q", path, e.Intrinsic)
		}
		if typ == ir.TypeUndef {
			typ = args[0].Type
		}
		return m.MathIntrinsic(id, typ, args[0]), nil
	case ir.OpLea:
		var base, index *ir.Node
		var err error
		if e.Base != nil {
			if base, err = b.expr(e.Base, path+".base"); err != nil {
				return nil, err
			}
		}
		if e.Index != nil {
			if index, err = b.expr(e.Index, path+".index"); err != nil {
				return nil, err
			}
		}
		if base == nil && index == nil {
			return nil, fmt.Errorf("%s: lea without base or index", path)
		}
		if typ == ir.TypeUndef {
			typ = ir.TypeByRef
		}
		scale := e.Scale
		if scale == 0 {
			scale = 1
		}
		return m.Lea(typ, base, index, scale, e.Offset), nil
	case ir.OpPutArgReg, ir.OpPutArgStk:
		if err := arity(1); err != nil {
			return nil, err
		}
		if op == ir.OpPutArgReg {
			return m.PutArgReg(e.Arg, args[0]), nil
		}
		n := m.PutArgStk(e.Arg, args[0])
		n.Offset = e.Offset
		return n, nil
	case ir.OpCall:
		c := e.Call
		if c == nil {
			c = &CallDecl{}
		}
		info := &ir.CallInfo{
			Target:       c.Target,
			Indirect:     c.Indirect,
			Varargs:      c.Varargs,
			FastTailCall: c.FastTail,
			Helper:       c.Helper,
		}
		for _, name := range c.ReturnTypes {
			rt, err := parseType(name, path, "call.returnTypes")
			if err != nil {
				return nil, err
			}
			info.ReturnTypes = append(info.ReturnTypes, rt)
		}
		if typ == ir.TypeUndef {
			typ = ir.TypeVoid
		}
		return m.CallNode(typ, info, args...), nil
	case ir.OpCopyObj:
		if err := arity(3); err != nil {
			return nil, err
		}
		layout := make([]ir.GCKind, len(e.Layout))
		for i, k := range e.Layout {
			v, ok := gcNames[strings.ToLower(k)]
			if !ok {
				return nil, fmt.Errorf("%s: unknown gc slot kind %q", path, k)
			}
			layout[i] = v
		}
		return m.CopyObj(args[0], args[1], args[2], layout), nil
	case ir.OpSIMD, ir.OpHWIntrinsic:
		if err := needType(); err != nil {
			return nil, err
		}
		base, err := parseType(e.BaseType, path, "baseType")
		if err != nil {
			return nil, err
		}
		size := e.Size
		if size == 0 {
			size = vectorSize(typ, args)
		}
		if op == ir.OpSIMD {
			id, err := ir.ParseSIMDIntrinsic(e.Intrinsic)
			if err != nil {
				return nil, fmt.Errorf("%s: %v", path, err)
			}
			return m.SIMDNode(id, typ, base, size, args...), nil
		}
		id, err := hwintrinsic.Parse(e.Intrinsic)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", path, err)
		}
		if e.Size == 0 {
			if info := hwintrinsic.MustLookup(id); info.SIMDSize != 0 {
				size = info.SIMDSize
			}
		}
		return m.HWIntrinsicNode(id, typ, base, size, args...), nil
	}

	switch {
	case op.IsCompare():
		if err := arity(2); err != nil {
			return nil, err
		}
		return m.Compare(op, args[0], args[1]), nil
	case op.IsIndir() || op == ir.OpXAdd || op == ir.OpXchg || op == ir.OpCmpXchg:
		// The operand is an address, so the value type must be given.
		if op != ir.OpNullCheck {
			if err := needType(); err != nil {
				return nil, err
			}
		}
	case !op.ProducesValue():
		typ = ir.TypeVoid
	case typ == ir.TypeUndef && len(args) > 0:
		typ = args[0].Type.ActualType()
	case typ == ir.TypeUndef:
		return nil, fmt.Errorf("%s: %s needs a type", path, op)
	}
	switch {
	case op.IsUnary():
		if err := arity(1); err != nil {
			return nil, err
		}
	case op.IsBinary():
		if err := arity(2); err != nil {
			return nil, err
		}
	case op.IsBlock() || op == ir.OpCmpXchg:
		if err := arity(3); err != nil {
			return nil, err
		}
	}
	if op == ir.OpNullCheck && typ == ir.TypeUndef {
		typ = ir.TypeVoid
	}
	return m.NewNode(op, typ, args...), nil
}

// vectorSize is the width a vector node works on when the document leaves
// it out: its own type if that is a vector, else its first vector operand.
func vectorSize(typ ir.Type, args []*ir.Node) int {
	if typ.IsSIMD() {
		return typ.Size()
	}
	for _, a := range args {
		if a.Type.IsSIMD() {
			return a.Type.Size()
		}
	}
	return typ.Size()
}
