package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/target"
)

func newPipeline(t *testing.T, name string) *Pipeline {
	t.Helper()
	tgt, err := target.Lookup(name)
	if err != nil {
		t.Fatalf("Lookup(%q): %v", name, err)
	}
	return New(tgt, nil)
}

func addMethod(name string) *ir.Method {
	m := ir.NewMethod(name)
	a := m.AddLocal(ir.Local{Name: "a", Type: ir.TypeLong, Tracked: true, Weight: 1})
	m.AppendTree(m.Return(m.Binary(ir.OpAdd, ir.TypeLong, m.LclVar(a), m.IntCon(ir.TypeLong, 100))))
	return m
}

// fmodMethod needs a floating point remainder, which arm64 does not lower.
func fmodMethod(name string) *ir.Method {
	m := ir.NewMethod(name)
	m.AppendTree(m.Return(m.Binary(ir.OpMod, ir.TypeDouble, m.ClsVar(ir.TypeDouble, "a"), m.ClsVar(ir.TypeDouble, "b"))))
	return m
}

func TestSessionIDs(t *testing.T) {
	a, b := newPipeline(t, "amd64-sysv"), newPipeline(t, "amd64-sysv")
	if a.Session() == uuid.Nil {
		t.Fatalf("Session()=nil uuid")
	}
	if a.Session() == b.Session() {
		t.Fatalf("two pipelines share session %s", a.Session())
	}
}

func TestCompile(t *testing.T) {
	for _, name := range []string{"amd64-sysv", "amd64-sysv-avx2", "amd64-windows", "arm64"} {
		p := newPipeline(t, name)
		res, err := p.Compile(context.Background(), addMethod("add"))
		if err != nil {
			t.Fatalf("%s: Compile(): %v", name, err)
		}
		if res.Listing == nil || res.Listing.Len() == 0 {
			t.Fatalf("%s: empty listing", name)
		}
		if err := res.Listing.Validate(); err != nil {
			t.Fatalf("%s: Validate(): %v", name, err)
		}
		if res.Table == nil || res.Assignment == nil || res.Lowering == nil {
			t.Fatalf("%s: partial result %+v", name, res)
		}
	}
}

func TestCompileStageError(t *testing.T) {
	p := newPipeline(t, "arm64")
	res, err := p.Compile(context.Background(), fmodMethod("fmod"))
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("Compile()=%v, want a *StageError", err)
	}
	if se.Stage != StageAnnotate || se.Method != "fmod" {
		t.Fatalf("StageError=%s/%s, want fmod/%s", se.Method, se.Stage, StageAnnotate)
	}
	if !jiterr.IsNYI(err) {
		t.Fatalf("KindOf()=%s, want not-yet-implemented", jiterr.KindOf(err))
	}
	if res.Lowering == nil || res.Listing != nil {
		t.Fatalf("partial result: lowering=%v listing=%v", res.Lowering != nil, res.Listing != nil)
	}
}

func TestCompileInvalidMethod(t *testing.T) {
	p := newPipeline(t, "amd64-sysv")
	m := ir.NewMethod("dangling")
	// An operand that is never linked into the LIR.
	m.AppendTree(m.Return(nil))
	m.Append(m.Binary(ir.OpAdd, ir.TypeInt, m.IntCon(ir.TypeInt, 1), m.IntCon(ir.TypeInt, 2)))
	_, err := p.Compile(context.Background(), m)
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageValidate {
		t.Fatalf("Compile()=%v, want a validate failure", err)
	}
	if !jiterr.IsBadInput(err) {
		t.Fatalf("KindOf()=%s, want bad input", jiterr.KindOf(err))
	}
}

func TestCompileCancelled(t *testing.T) {
	p := newPipeline(t, "amd64-sysv")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Compile(ctx, addMethod("add")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Compile()=%v, want context.Canceled", err)
	}
}

func TestCompileAll(t *testing.T) {
	p := newPipeline(t, "arm64")
	methods := []*ir.Method{addMethod("one"), fmodMethod("two"), addMethod("three"), fmodMethod("four")}
	res, err := p.CompileAll(context.Background(), methods)
	if len(res) != len(methods) {
		t.Fatalf("len(results)=%d, want %d", len(res), len(methods))
	}
	for i, r := range res {
		if r.Method != methods[i] {
			t.Fatalf("result %d is for %s, want %s", i, r.Method.Name, methods[i].Name)
		}
	}
	errs := multierr.Errors(err)
	if len(errs) != 2 {
		t.Fatalf("len(errors)=%d, want 2: %v", len(errs), err)
	}
	for i, want := range []string{"two", "four"} {
		var se *StageError
		if !errors.As(errs[i], &se) || se.Method != want {
			t.Fatalf("error %d=%v, want one for %s", i, errs[i], want)
		}
	}
	if res[0].Listing == nil || res[2].Listing == nil {
		t.Fatalf("successful methods lost their listings")
	}
}
