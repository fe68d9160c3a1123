package target

import (
	"fmt"
	"strings"

	"github.com/tinyrange/jitlower/internal/ir"
)

// CallConv names a calling convention.
type CallConv string

const (
	ConvSysV    CallConv = "sysv"
	ConvWindows CallConv = "windows"
	ConvAAPCS64 CallConv = "aapcs64"
)

func ParseCallConv(s string) (CallConv, error) {
	switch c := CallConv(strings.ToLower(strings.TrimSpace(s))); c {
	case ConvSysV, ConvWindows, ConvAAPCS64:
		return c, nil
	}
	return "", fmt.Errorf("target: unknown calling convention %q", s)
}

// ABI holds every fixed-register assignment the lowering passes rely on.
type ABI struct {
	Conv CallConv

	IntArgRegs   []Reg
	FloatArgRegs []Reg
	// Positional conventions assign integer and floating point arguments
	// from one shared position counter.
	Positional bool
	// VarargsShadow requires floating point arguments of variadic calls to
	// also be passed in the integer register of the same position.
	VarargsShadow bool
	// StackArgBase is the outgoing-area offset of the first stack argument.
	StackArgBase int32

	IntReturn    Reg
	IntReturn2   Reg
	FloatReturn  Reg
	FloatReturn2 Reg

	CalleeTrash RegMask
	CalleeSaved RegMask

	// Instruction-pinned registers. RegNone when the target has no such
	// constraint.
	ShiftCount Reg
	DivLo      Reg
	DivHi      Reg
	BlockDst   Reg
	BlockSrc   Reg
	BlockCount Reg
	BlockFill  Reg

	WriteBarrierDst  Reg
	WriteBarrierSrc  Reg
	WriteBarrierKill RegMask
	// ByrefBarrierKill is clobbered by the byref-assign helper used by
	// struct copies with GC slots (it advances BlockDst/BlockSrc).
	ByrefBarrierKill RegMask

	FastTailCallTarget Reg
}

// ArgLoc is where one argument is passed.
type ArgLoc struct {
	Reg Reg
	// Shadow is the integer register that must also hold a floating point
	// variadic argument.
	Shadow      Reg
	OnStack     bool
	StackOffset int32
}

// AssignArgs places arguments of the given types.
func (a *ABI) AssignArgs(types []ir.Type, varargs bool) []ArgLoc {
	locs := make([]ArgLoc, len(types))
	intIdx, fltIdx := 0, 0
	stack := a.StackArgBase
	for i, typ := range types {
		loc := ArgLoc{Reg: RegNone, Shadow: RegNone}
		float := typ.RegClass() == ir.RegClassFloat
		if a.Positional {
			if i < len(a.IntArgRegs) {
				if float {
					loc.Reg = a.FloatArgRegs[i]
					if varargs && a.VarargsShadow {
						loc.Shadow = a.IntArgRegs[i]
					}
				} else {
					loc.Reg = a.IntArgRegs[i]
				}
			}
		} else if float && fltIdx < len(a.FloatArgRegs) {
			loc.Reg = a.FloatArgRegs[fltIdx]
			fltIdx++
		} else if !float && intIdx < len(a.IntArgRegs) {
			loc.Reg = a.IntArgRegs[intIdx]
			intIdx++
		}
		if loc.Reg == RegNone {
			loc.OnStack = true
			loc.StackOffset = stack
			stack += 8
		}
		locs[i] = loc
	}
	return locs
}

// ArgRegMask is the set of every argument register.
func (a *ABI) ArgRegMask() RegMask {
	return MaskOf(a.IntArgRegs...) | MaskOf(a.FloatArgRegs...)
}

// ReturnReg is the register a single-register value of typ is returned in.
func (a *ABI) ReturnReg(typ ir.Type) Reg {
	if typ.RegClass() == ir.RegClassFloat {
		return a.FloatReturn
	}
	return a.IntReturn
}

// ReturnRegs lists the registers of a multi-register return, in order.
func (a *ABI) ReturnRegs(types []ir.Type) ([]Reg, error) {
	var out []Reg
	intIdx, fltIdx := 0, 0
	ints := []Reg{a.IntReturn, a.IntReturn2}
	flts := []Reg{a.FloatReturn, a.FloatReturn2}
	for _, typ := range types {
		if typ.RegClass() == ir.RegClassFloat {
			if fltIdx >= len(flts) || flts[fltIdx] == RegNone {
				return nil, fmt.Errorf("target: %s cannot return %d float registers", a.Conv, fltIdx+1)
			}
			out = append(out, flts[fltIdx])
			fltIdx++
			continue
		}
		if intIdx >= len(ints) || ints[intIdx] == RegNone {
			return nil, fmt.Errorf("target: %s cannot return %d integer registers", a.Conv, intIdx+1)
		}
		out = append(out, ints[intIdx])
		intIdx++
	}
	return out, nil
}

// HelperArg returns the register of runtime helper argument n.
func (a *ABI) HelperArg(n int) Reg {
	if n < len(a.IntArgRegs) {
		return a.IntArgRegs[n]
	}
	return RegNone
}

var (
	amd64Int   = maskRange(RAX, R15).Without(RSP).Without(RBP)
	amd64Float = maskRange(XMM0, XMM15)
	arm64Int   = maskRange(X0, X28).Without(X18)
	arm64Float = maskRange(V0, V0+31)
)

func sysvABI() *ABI {
	trash := MaskOf(RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11) | amd64Float
	return &ABI{
		Conv:               ConvSysV,
		IntArgRegs:         []Reg{RDI, RSI, RDX, RCX, R8, R9},
		FloatArgRegs:       []Reg{XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7},
		IntReturn:          RAX,
		IntReturn2:         RDX,
		FloatReturn:        XMM0,
		FloatReturn2:       XMM1,
		CalleeTrash:        trash,
		CalleeSaved:        amd64Int.Minus(trash),
		ShiftCount:         RCX,
		DivLo:              RAX,
		DivHi:              RDX,
		BlockDst:           RDI,
		BlockSrc:           RSI,
		BlockCount:         RCX,
		BlockFill:          RAX,
		WriteBarrierDst:    RDI,
		WriteBarrierSrc:    RSI,
		WriteBarrierKill:   trash,
		ByrefBarrierKill:   MaskOf(RDI, RSI, RCX),
		FastTailCallTarget: RAX,
	}
}

func windowsABI() *ABI {
	trash := MaskOf(RAX, RCX, RDX, R8, R9, R10, R11) | MaskOf(XMM0, XMM1, XMM2, XMM3, XMM4, XMM5)
	return &ABI{
		Conv:               ConvWindows,
		IntArgRegs:         []Reg{RCX, RDX, R8, R9},
		FloatArgRegs:       []Reg{XMM0, XMM1, XMM2, XMM3},
		Positional:         true,
		VarargsShadow:      true,
		StackArgBase:       32,
		IntReturn:          RAX,
		IntReturn2:         RegNone,
		FloatReturn:        XMM0,
		FloatReturn2:       RegNone,
		CalleeTrash:        trash,
		CalleeSaved:        amd64Int.Minus(trash),
		ShiftCount:         RCX,
		DivLo:              RAX,
		DivHi:              RDX,
		BlockDst:           RDI,
		BlockSrc:           RSI,
		BlockCount:         RCX,
		BlockFill:          RAX,
		WriteBarrierDst:    RCX,
		WriteBarrierSrc:    RDX,
		WriteBarrierKill:   trash,
		ByrefBarrierKill:   MaskOf(RDI, RSI, RCX),
		FastTailCallTarget: RAX,
	}
}

func aapcs64ABI() *ABI {
	trash := maskRange(X0, X17) | MaskOf(V(0), V(1), V(2), V(3), V(4), V(5), V(6), V(7)) | maskRange(V(16), V(31))
	return &ABI{
		Conv:               ConvAAPCS64,
		IntArgRegs:         []Reg{X0, X1, X2, X3, X4, X5, X6, X7},
		FloatArgRegs:       []Reg{V(0), V(1), V(2), V(3), V(4), V(5), V(6), V(7)},
		IntReturn:          X0,
		IntReturn2:         X1,
		FloatReturn:        V(0),
		FloatReturn2:       V(1),
		CalleeTrash:        trash,
		CalleeSaved:        arm64Int.Minus(trash),
		ShiftCount:         RegNone,
		DivLo:              RegNone,
		DivHi:              RegNone,
		BlockDst:           RegNone,
		BlockSrc:           RegNone,
		BlockCount:         RegNone,
		BlockFill:          RegNone,
		WriteBarrierDst:    X14,
		WriteBarrierSrc:    X15,
		WriteBarrierKill:   MaskOf(X14, X15, X16, X17),
		ByrefBarrierKill:   MaskOf(X13, X14, X15, X16, X17),
		FastTailCallTarget: X16,
	}
}

// DefaultABI returns a fresh ABI description for conv.
func DefaultABI(conv CallConv) *ABI {
	switch conv {
	case ConvSysV:
		return sysvABI()
	case ConvWindows:
		return windowsABI()
	case ConvAAPCS64:
		return aapcs64ABI()
	}
	return nil
}
