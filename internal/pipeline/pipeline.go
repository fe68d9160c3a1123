// Package pipeline drives one method through lowering, register
// requirement annotation, assignment and code generation for a target.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/asm/amd64"
	"github.com/tinyrange/jitlower/internal/asm/arm64"
	"github.com/tinyrange/jitlower/internal/codegen"
	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/lower"
	"github.com/tinyrange/jitlower/internal/lsra"
	"github.com/tinyrange/jitlower/internal/target"
)

// Stage names a step of the pipeline; errors are reported against the stage
// that produced them.
type Stage string

const (
	StageValidate Stage = "validate"
	StageLower    Stage = "lower"
	StageAnnotate Stage = "annotate"
	StageVerify   Stage = "verify"
	StageAssign   Stage = "assign"
	StageEmit     Stage = "emit"
)

// Result is everything produced for one method. Later stages are nil when
// an earlier one failed.
type Result struct {
	Method     *ir.Method
	Lowering   *lower.Lowering
	Table      *lsra.Table
	Assignment *lsra.Assignment
	Listing    *asm.Listing
	Elapsed    time.Duration
}

// StageError is a failure of one stage for one method.
type StageError struct {
	Method string
	Stage  Stage
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s: %s: %v", e.Method, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Pipeline compiles methods for one target. Each pipeline is a session:
// its log records carry the same session ID.
type Pipeline struct {
	t       *target.Target
	log     *slog.Logger
	session uuid.UUID

	// SkipVerify disables the consistency check of the requirement table.
	SkipVerify bool
}

// New returns a pipeline for t. A nil logger uses slog.Default.
func New(t *target.Target, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	id := uuid.New()
	return &Pipeline{
		t:       t,
		session: id,
		log:     log.With(slog.String("session", id.String()), slog.String("target", t.Name)),
	}
}

func (p *Pipeline) Target() *target.Target { return p.t }
func (p *Pipeline) Session() uuid.UUID     { return p.session }

// NewListing returns an empty recording emitter for the pipeline's target.
func (p *Pipeline) NewListing() *asm.Listing {
	if p.t.Arch == target.ArchARM64 {
		return arm64.NewListing()
	}
	return amd64.NewListing(p.t.UseVEX())
}

// Compile runs every stage on m. The method is aborted on the first
// failing stage; the partial result is returned with the error.
func (p *Pipeline) Compile(ctx context.Context, m *ir.Method) (*Result, error) {
	start := time.Now()
	res := &Result{Method: m}
	log := p.log.With(slog.String("method", m.Name))
	fail := func(s Stage, err error) (*Result, error) {
		res.Elapsed = time.Since(start)
		log.Error("compile failed",
			slog.String("stage", string(s)),
			slog.String("kind", jiterr.KindOf(err).String()),
			slog.Any("err", err))
		return res, &StageError{Method: m.Name, Stage: s, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(StageValidate, err)
	}
	if err := m.Validate(); err != nil {
		return fail(StageValidate, jiterr.BadInputf("%v", err))
	}

	lw := lower.New(p.t, m, p.log)
	if err := lw.Run(); err != nil {
		return fail(StageLower, err)
	}
	res.Lowering = lw

	if err := ctx.Err(); err != nil {
		return fail(StageAnnotate, err)
	}
	tab, err := lsra.Annotate(p.t, m, lw, p.log)
	if err != nil {
		return fail(StageAnnotate, err)
	}
	res.Table = tab
	if !p.SkipVerify {
		if err := lsra.Verify(tab); err != nil {
			return fail(StageVerify, err)
		}
	}

	as, err := lsra.Assign(tab, p.log)
	if err != nil {
		return fail(StageAssign, err)
	}
	res.Assignment = as

	if err := ctx.Err(); err != nil {
		return fail(StageEmit, err)
	}
	l := p.NewListing()
	if err := codegen.New(p.t, m, lw, tab, as, l, p.log).Run(); err != nil {
		return fail(StageEmit, err)
	}
	res.Listing = l
	res.Elapsed = time.Since(start)
	log.Debug("compiled",
		slog.Int("instructions", l.Len()),
		slog.Duration("elapsed", res.Elapsed))
	return res, nil
}

// CompileAll compiles each method independently and combines every
// failure into one error. Results are in input order.
func (p *Pipeline) CompileAll(ctx context.Context, methods []*ir.Method) ([]*Result, error) {
	var (
		out  = make([]*Result, 0, len(methods))
		errs error
	)
	for _, m := range methods {
		res, err := p.Compile(ctx, m)
		out = append(out, res)
		errs = multierr.Append(errs, err)
	}
	p.log.Info("session finished",
		slog.Int("methods", len(methods)),
		slog.Int("failed", len(multierr.Errors(errs))))
	return out, errs
}
